// Repostats - Usage Statistics Pipeline for Digital Repositories
// Copyright 2026 Calyptra Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/calyptra/repostats

// Package event defines the raw event shape flowing through the statistics
// pipeline and the preprocessing chain that transforms it.
//
// An Event starts its life as a loose field mapping produced by a
// caller-supplied builder (the host application owns the builders). It is
// mutated in place by an ordered chain of Processor functions until it is
// either dropped or handed to the indexer for persistence.
package event

import (
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"
)

// Well-known field names shared across the pipeline.
const (
	FieldTimestamp       = "timestamp"
	FieldIPAddress       = "ip_address"
	FieldUserAgent       = "user_agent"
	FieldUserID          = "user_id"
	FieldSessionID       = "session_id"
	FieldUniqueID        = "unique_id"
	FieldVisitorID       = "visitor_id"
	FieldUniqueSessionID = "unique_session_id"
	FieldIsRobot         = "is_robot"
	FieldIsMachine       = "is_machine"
	FieldCountry         = "country"
)

// TimestampLayout is the canonical stored timestamp format: ISO-8601,
// naive UTC, whole seconds.
const TimestampLayout = "2006-01-02T15:04:05"

// Event is one tracked occurrence in transit through the pipeline.
// It is mutable; processors transform it in place.
type Event map[string]any

// Clone returns a shallow copy of the event.
func (e Event) Clone() Event {
	out := make(Event, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// String returns the named field rendered as a string, or "" when absent.
// Non-string scalars are formatted; nil stays empty.
func (e Event) String(key string) string {
	v, ok := e[key]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case bool:
		return strconv.FormatBool(s)
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case int:
		return strconv.Itoa(s)
	case int64:
		return strconv.FormatInt(s, 10)
	default:
		return fmt.Sprintf("%v", s)
	}
}

// Float returns the named field as a float64. Missing or non-numeric
// values report zero.
func (e Event) Float(key string) float64 {
	switch v := e[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

// Timestamp parses the event's timestamp field.
func (e Event) Timestamp() (time.Time, error) {
	return ParseTimestamp(e.String(FieldTimestamp))
}

// SetTimestamp stores t in the canonical format.
func (e Event) SetTimestamp(t time.Time) {
	e[FieldTimestamp] = FormatTimestamp(t)
}

// Marshal encodes the event as JSON.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes a JSON payload into an Event.
func Unmarshal(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	return e, nil
}

// timestampLayouts are accepted on input, most specific first. Builders
// emit naive UTC timestamps but fractional seconds and explicit offsets
// appear in older payloads.
var timestampLayouts = []string{
	"2006-01-02T15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999",
	TimestampLayout,
	"2006-01-02",
}

// ParseTimestamp parses an ISO-8601 timestamp into UTC.
func ParseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("parse timestamp: empty value")
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("parse timestamp %q: unrecognized format", s)
}

// FormatTimestamp renders t in the canonical stored format (naive UTC,
// truncated to whole seconds).
func FormatTimestamp(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(TimestampLayout)
}

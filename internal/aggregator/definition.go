// Repostats - Usage Statistics Pipeline for Digital Repositories
// Copyright 2026 Calyptra Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/calyptra/repostats

// Package aggregator rolls indexed event documents up into idempotent
// per-day aggregate documents, tracking progress with a per-definition
// bookmark so runs are resumable from any point.
package aggregator

import (
	"fmt"
	"time"

	"github.com/calyptra/repostats/internal/event"
)

// MetricKind selects the reduction applied to a (day, key) group.
type MetricKind string

const (
	// MetricCount reports the number of documents in the group.
	MetricCount MetricKind = "count"
	// MetricCardinality reports the approximate distinct count of a
	// field within the group.
	MetricCardinality MetricKind = "cardinality"
	// MetricSum reports the numeric sum of a field within the group,
	// treating missing and non-numeric values as zero.
	MetricSum MetricKind = "sum"
)

// Metric configures one reduction.
type Metric struct {
	Kind MetricKind

	// Field is the source field. Unused for MetricCount.
	Field string

	// PrecisionThreshold bounds the count up to which cardinality stays
	// exact before switching to a sketch. 0 means DefaultPrecisionThreshold.
	PrecisionThreshold int
}

// DefaultPrecisionThreshold is the exact-count ceiling for cardinality
// metrics when the definition does not set one.
const DefaultPrecisionThreshold = 3000

// CopyField carries a descriptive field from a representative event of
// the group into the aggregate document: either a verbatim field copy or
// a computed value. Compute wins when both are set.
type CopyField struct {
	Name    string
	Compute func(event.Event) any
}

// Direct copies the named event field verbatim.
func Direct(name string) CopyField {
	return CopyField{Name: name}
}

// Computed derives the value from the representative event.
func Computed(fn func(event.Event) any) CopyField {
	return CopyField{Compute: fn}
}

// Definition declares one aggregation: which events to fold, the
// grouping key, the copied fields and the metric reductions.
type Definition struct {
	// Name identifies the definition, e.g. "file-download-agg". The
	// bookmark is keyed by it.
	Name string

	// EventType selects the source event stream.
	EventType string

	// Field is the aggregation key: one aggregate document exists per
	// (day, value of Field).
	Field string

	// SourcePrefix is the event partition prefix. Default "events".
	SourcePrefix string

	// Target is the aggregate collection. Default "stats-<EventType>".
	Target string

	// CopyFields are descriptive fields carried from a representative
	// event of each group, keyed by target field name.
	CopyFields map[string]CopyField

	// Metrics are the reductions computed per group, keyed by target
	// field name.
	Metrics map[string]Metric

	// Epoch is the lower bound of the first run, used when no bookmark
	// exists yet. The zero value means all history.
	Epoch time.Time

	// SafetyMargin keeps a trailing window of recent events out of
	// aggregation so a day still receiving traffic is not folded
	// prematurely. 0 means no margin.
	SafetyMargin time.Duration
}

// normalize applies defaults and validates the definition.
func (d Definition) normalize() (Definition, error) {
	if d.Name == "" {
		return d, fmt.Errorf("aggregation definition: name required")
	}
	if d.EventType == "" {
		return d, fmt.Errorf("aggregation %s: event type required", d.Name)
	}
	if d.Field == "" {
		return d, fmt.Errorf("aggregation %s: aggregation field required", d.Name)
	}
	if d.SourcePrefix == "" {
		d.SourcePrefix = "events"
	}
	if d.Target == "" {
		d.Target = "stats-" + d.EventType
	}
	for name, m := range d.Metrics {
		switch m.Kind {
		case MetricCount:
		case MetricCardinality, MetricSum:
			if m.Field == "" {
				return d, fmt.Errorf("aggregation %s: metric %s needs a source field", d.Name, name)
			}
		default:
			return d, fmt.Errorf("aggregation %s: metric %s has unknown kind %q", d.Name, name, m.Kind)
		}
	}
	return d, nil
}

// Repostats - Usage Statistics Pipeline for Digital Repositories
// Copyright 2026 Calyptra Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/calyptra/repostats

package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"github.com/calyptra/repostats/internal/event"
	"github.com/calyptra/repostats/internal/metrics"
	"github.com/calyptra/repostats/internal/storage"
)

// Bucket is one terms grouping level. Leaf buckets carry the metric
// values; inner buckets additionally carry their sub-buckets.
type Bucket struct {
	Key     string             `json:"key"`
	Field   string             `json:"field"`
	Count   int                `json:"count"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
	Buckets []Bucket           `json:"buckets,omitempty"`
}

// HistogramBucket is one date interval. Intervals with no matching
// aggregates are present with zero values.
type HistogramBucket struct {
	Date    string             `json:"date"`
	Metrics map[string]float64 `json:"metrics"`
}

// Result is the normalized query response.
type Result struct {
	Query     string             `json:"query"`
	StartDate string             `json:"start_date,omitempty"`
	EndDate   string             `json:"end_date,omitempty"`
	Count     int                `json:"count"`
	Metrics   map[string]float64 `json:"metrics"`
	Fields    map[string]any     `json:"fields,omitempty"`
	Buckets   []Bucket           `json:"buckets,omitempty"`
	Histogram []HistogramBucket  `json:"histogram,omitempty"`
}

const dateLayout = "2006-01-02"

// errKind classifies a query error for the error counter.
func errKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMissingFilter), errors.Is(err, ErrInvalidParams):
		return "input"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, storage.ErrUnavailable):
		return "unavailable"
	default:
		return "internal"
	}
}

// Executor runs query definitions against an aggregate store. Store
// reads go through a circuit breaker so a failing backend sheds load
// quickly instead of timing out every request.
type Executor struct {
	store   storage.Store
	log     zerolog.Logger
	breaker *gobreaker.CircuitBreaker[[]storage.Document]
}

// NewExecutor builds an Executor over store.
func NewExecutor(store storage.Store, log zerolog.Logger) *Executor {
	cb := gobreaker.NewCircuitBreaker[[]storage.Document](gobreaker.Settings{
		Name:    "stats-query-store",
		Timeout: 15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("query store breaker state change")
		},
	})
	return &Executor{store: store, log: log, breaker: cb}
}

// Run executes def with params. Missing required filters and malformed
// dates are reported before any store access. Store failures surface
// as storage.ErrUnavailable, including while the breaker is open.
func (e *Executor) Run(ctx context.Context, def Definition, params Params) (res *Result, err error) {
	start := time.Now()
	defer func() { metrics.ObserveQuery(def.Name, time.Since(start), errKind(err)) }()

	def, err = def.normalize()
	if err != nil {
		return nil, err
	}
	if !def.Permission.Can(def.Name, params) {
		return nil, fmt.Errorf("query %s: %w", def.Name, ErrForbidden)
	}
	for _, f := range def.RequiredFilters {
		if params.String(f) == "" {
			return nil, fmt.Errorf("query %s: %w: %s", def.Name, ErrMissingFilter, f)
		}
	}
	from, to, err := parseRange(params)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", def.Name, err)
	}
	interval := params.String("interval")
	if interval == "" {
		interval = "day"
	}
	if def.Kind == KindHistogram {
		if _, ok := periodStarters[interval]; !ok {
			return nil, fmt.Errorf("query %s: %w: interval %q", def.Name, ErrInvalidParams, interval)
		}
	}

	docs, err := e.fetch(ctx, def, params, from, to)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", def.Name, err)
	}

	res = &Result{
		Query:     def.Name,
		StartDate: params.String("start_date"),
		EndDate:   params.String("end_date"),
		Metrics:   reduce(def.Metrics, docs),
		Count:     docCountSum(docs),
	}
	if len(docs) > 0 && len(def.CopyFields) > 0 {
		res.Fields = make(map[string]any, len(def.CopyFields))
		for name, src := range def.CopyFields {
			if v, ok := docs[0][src]; ok {
				res.Fields[name] = v
			}
		}
	}

	switch def.Kind {
	case KindHistogram:
		res.Histogram = histogram(def, docs, interval, from, to)
	default:
		res.Buckets = terms(def, docs, def.AggregatedFields)
	}
	return res, nil
}

// fetch scans the aggregate collection through the breaker, applying
// the date range and all term filters.
func (e *Executor) fetch(ctx context.Context, def Definition, params Params, from, to time.Time) ([]storage.Document, error) {
	filters := make(map[string]string)
	for _, f := range def.RequiredFilters {
		filters[f] = params.String(f)
	}
	for _, f := range def.OptionalFilters {
		if v := params.String(f); v != "" {
			filters[f] = v
		}
	}

	docs, err := e.breaker.Execute(func() ([]storage.Document, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var out []storage.Document
		err := e.store.Scan(def.Collection, from, to, func(collection, id string, doc storage.Document) error {
			if collection != def.Collection {
				return nil
			}
			for field, want := range filters {
				if event.Event(doc).String(field) != want {
					return nil
				}
			}
			out = append(out, doc)
			return nil
		})
		return out, err
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
		}
		return nil, err
	}
	// Stable order for deterministic buckets.
	sort.SliceStable(docs, func(i, j int) bool {
		return event.Event(docs[i]).String(event.FieldTimestamp) < event.Event(docs[j]).String(event.FieldTimestamp)
	})
	return docs, nil
}

// parseRange reads the optional start_date and end_date parameters.
// Dates may be given as YYYY-MM-DD or a full timestamp; end_date is
// extended to the end of its day.
func parseRange(params Params) (time.Time, time.Time, error) {
	var from, to time.Time
	if s := params.String("start_date"); s != "" {
		t, err := parseDateParam(s)
		if err != nil {
			return from, to, fmt.Errorf("%w: start_date %q", ErrInvalidParams, s)
		}
		from = t
	}
	if s := params.String("end_date"); s != "" {
		t, err := parseDateParam(s)
		if err != nil {
			return from, to, fmt.Errorf("%w: end_date %q", ErrInvalidParams, s)
		}
		if len(s) == len(dateLayout) {
			t = t.Add(24*time.Hour - time.Second)
		}
		to = t
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return from, to, fmt.Errorf("%w: end_date before start_date", ErrInvalidParams)
	}
	return from, to, nil
}

func parseDateParam(s string) (time.Time, error) {
	if t, err := time.ParseInLocation(dateLayout, s, time.UTC); err == nil {
		return t, nil
	}
	return event.ParseTimestamp(s)
}

// reduce computes every declared metric over docs.
func reduce(ms map[string]Metric, docs []storage.Document) map[string]float64 {
	out := make(map[string]float64, len(ms))
	for name, m := range ms {
		switch m.Kind {
		case MetricDocCount:
			out[name] = float64(len(docs))
		case MetricSum:
			var sum float64
			for _, doc := range docs {
				sum += event.Event(doc).Float(m.Field)
			}
			out[name] = sum
		}
	}
	return out
}

// docCountSum totals the per-aggregate event counts, the headline
// number for a terms result.
func docCountSum(docs []storage.Document) int {
	var n float64
	for _, doc := range docs {
		n += event.Event(doc).Float("count")
	}
	return int(n)
}

// terms groups docs by fields[0] and recurses for the remaining
// levels. Bucket keys are ordered by first appearance, which after the
// fetch sort means chronologically.
func terms(def Definition, docs []storage.Document, fields []string) []Bucket {
	if len(fields) == 0 {
		return nil
	}
	field, rest := fields[0], fields[1:]
	var order []string
	groups := make(map[string][]storage.Document)
	for _, doc := range docs {
		key := event.Event(doc).String(field)
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], doc)
	}
	buckets := make([]Bucket, 0, len(order))
	for _, key := range order {
		group := groups[key]
		buckets = append(buckets, Bucket{
			Key:     key,
			Field:   field,
			Count:   docCountSum(group),
			Metrics: reduce(def.Metrics, group),
			Buckets: terms(def, group, rest),
		})
	}
	return buckets
}

// periodStarters floor a time to the start of its interval.
var periodStarters = map[string]func(time.Time) time.Time{
	"day": func(t time.Time) time.Time {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	},
	"week": func(t time.Time) time.Time {
		d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		off := (int(d.Weekday()) + 6) % 7 // Monday start
		return d.AddDate(0, 0, -off)
	},
	"month": func(t time.Time) time.Time {
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	},
	"year": func(t time.Time) time.Time {
		return time.Date(t.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
	},
}

// periodNext advances a period start to the next interval.
func periodNext(interval string, t time.Time) time.Time {
	switch interval {
	case "week":
		return t.AddDate(0, 0, 7)
	case "month":
		return t.AddDate(0, 1, 0)
	case "year":
		return t.AddDate(1, 0, 0)
	default:
		return t.AddDate(0, 0, 1)
	}
}

// histogram buckets docs by interval, zero-filling gaps so consumers
// can chart the series without post-processing. The range covered is
// the requested date range when given, otherwise the span of the data.
func histogram(def Definition, docs []storage.Document, interval string, from, to time.Time) []HistogramBucket {
	starter := periodStarters[interval]
	groups := make(map[time.Time][]storage.Document)
	var lo, hi time.Time
	for _, doc := range docs {
		ts, err := event.Event(doc).Timestamp()
		if err != nil {
			continue
		}
		p := starter(ts)
		groups[p] = append(groups[p], doc)
		if lo.IsZero() || p.Before(lo) {
			lo = p
		}
		if p.After(hi) {
			hi = p
		}
	}
	if !from.IsZero() {
		lo = starter(from)
	}
	if !to.IsZero() {
		hi = starter(to)
	}
	if lo.IsZero() || hi.Before(lo) {
		return []HistogramBucket{}
	}

	var out []HistogramBucket
	zero := make(map[string]float64, len(def.Metrics))
	for name := range def.Metrics {
		zero[name] = 0
	}
	for p := lo; !p.After(hi); p = periodNext(interval, p) {
		b := HistogramBucket{Date: p.Format(dateLayout)}
		if group, ok := groups[p]; ok {
			b.Metrics = reduce(def.Metrics, group)
		} else {
			m := make(map[string]float64, len(zero))
			for k := range zero {
				m[k] = 0
			}
			b.Metrics = m
		}
		out = append(out, b)
	}
	return out
}

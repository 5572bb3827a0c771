// Repostats - Usage Statistics Pipeline for Digital Repositories
// Copyright 2026 Calyptra Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/calyptra/repostats

// Package query executes declarative report queries over aggregate
// collections, returning a normalized bucketed result regardless of the
// backing store.
package query

import (
	"errors"
	"fmt"
)

// Kind selects the query shape.
type Kind string

const (
	// KindTerms groups matching aggregates by each declared field in
	// sequence, nesting multi-level buckets.
	KindTerms Kind = "terms"
	// KindHistogram buckets matching aggregates by a date interval.
	KindHistogram Kind = "date-histogram"
)

// MetricKind selects a per-bucket reduction.
type MetricKind string

const (
	// MetricDocCount counts matching aggregate documents.
	MetricDocCount MetricKind = "count"
	// MetricSum sums a numeric document field.
	MetricSum MetricKind = "sum"
)

// Metric configures one per-bucket reduction.
type Metric struct {
	Kind  MetricKind
	Field string
}

// Params are the runtime query parameters. Besides filter values they
// may carry "start_date", "end_date" and (for histograms) "interval".
type Params map[string]any

// String renders a parameter as a string, or "" when absent.
func (p Params) String(key string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// Permission gates query execution. The host application injects its
// own implementation per definition; the default allows everything.
type Permission interface {
	Can(query string, params Params) bool
}

// AllowAll is the default Permission.
type AllowAll struct{}

// Can implements Permission.
func (AllowAll) Can(string, Params) bool { return true }

// Input errors: reported to the caller, request-scoped, never fatal.
var (
	// ErrMissingFilter reports an absent required filter. The store is
	// not touched.
	ErrMissingFilter = errors.New("missing required filter")
	// ErrInvalidParams reports an unusable parameter value.
	ErrInvalidParams = errors.New("invalid query parameter")
	// ErrForbidden reports a permission denial.
	ErrForbidden = errors.New("query not permitted")
)

// Definition declares one report query.
type Definition struct {
	// Name identifies the query, e.g. "bucket-file-download-total".
	Name string

	// Kind selects terms or date-histogram results. Terms is the
	// default.
	Kind Kind

	// Collection is the aggregate collection queried.
	Collection string

	// RequiredFilters must be present in Params; each becomes an
	// exact-match term filter.
	RequiredFilters []string

	// OptionalFilters become term filters when present in Params.
	OptionalFilters []string

	// CopyFields are carried from the first matching document into the
	// result envelope, keyed by result field name.
	CopyFields map[string]string

	// AggregatedFields are the nested terms levels (KindTerms only).
	AggregatedFields []string

	// Metrics are per-bucket reductions keyed by result field name.
	// Empty means {"value": sum of "count"}.
	Metrics map[string]Metric

	// Permission gates execution. Nil means AllowAll.
	Permission Permission
}

// normalize applies defaults and validates the definition.
func (d Definition) normalize() (Definition, error) {
	if d.Name == "" {
		return d, fmt.Errorf("query definition: name required")
	}
	if d.Collection == "" {
		return d, fmt.Errorf("query %s: collection required", d.Name)
	}
	if d.Kind == "" {
		d.Kind = KindTerms
	}
	if d.Kind != KindTerms && d.Kind != KindHistogram {
		return d, fmt.Errorf("query %s: unknown kind %q", d.Name, d.Kind)
	}
	if len(d.Metrics) == 0 {
		d.Metrics = map[string]Metric{"value": {Kind: MetricSum, Field: "count"}}
	}
	for name, m := range d.Metrics {
		switch m.Kind {
		case MetricDocCount:
		case MetricSum:
			if m.Field == "" {
				return d, fmt.Errorf("query %s: metric %s needs a source field", d.Name, name)
			}
		default:
			return d, fmt.Errorf("query %s: metric %s has unknown kind %q", d.Name, name, m.Kind)
		}
	}
	if d.Permission == nil {
		d.Permission = AllowAll{}
	}
	return d, nil
}

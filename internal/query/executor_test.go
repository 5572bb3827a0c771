// Repostats - Usage Statistics Pipeline for Digital Repositories
// Copyright 2026 Calyptra Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/calyptra/repostats

package query

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/calyptra/repostats/internal/storage"
)

func openTestStore(t *testing.T) *storage.BadgerStore {
	t.Helper()
	store, err := storage.OpenBadger("")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// seedAggregates fills a download aggregate collection spanning three
// days, two files each owned by one bucket.
func seedAggregates(t *testing.T, store storage.Store) {
	t.Helper()
	docs := []storage.Document{
		{"timestamp": "2024-03-01T00:00:00", "unique_id": "file-a", "bucket_id": "b1", "file_key": "report.pdf", "count": 3, "volume": 300.0},
		{"timestamp": "2024-03-02T00:00:00", "unique_id": "file-a", "bucket_id": "b1", "file_key": "report.pdf", "count": 2, "volume": 200.0},
		{"timestamp": "2024-03-04T00:00:00", "unique_id": "file-b", "bucket_id": "b1", "file_key": "data.csv", "count": 5, "volume": 50.0},
		{"timestamp": "2024-03-04T00:00:00", "unique_id": "file-c", "bucket_id": "b2", "file_key": "other.txt", "count": 7, "volume": 7.0},
	}
	for i, doc := range docs {
		if err := store.Put("stats-file-download", string(rune('a'+i)), doc); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

func downloadQuery() Definition {
	return Definition{
		Name:            "bucket-file-download-total",
		Collection:      "stats-file-download",
		RequiredFilters: []string{"bucket_id"},
		CopyFields:      map[string]string{"bucket_id": "bucket_id"},
		AggregatedFields: []string{
			"file_key",
		},
		Metrics: map[string]Metric{
			"value":  {Kind: MetricSum, Field: "count"},
			"volume": {Kind: MetricSum, Field: "volume"},
		},
	}
}

func TestRunTermsQuery(t *testing.T) {
	store := openTestStore(t)
	seedAggregates(t, store)
	ex := NewExecutor(store, zerolog.Nop())

	res, err := ex.Run(context.Background(), downloadQuery(), Params{"bucket_id": "b1"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Count != 10 {
		t.Errorf("count = %d, want 10", res.Count)
	}
	if got := res.Metrics["value"]; got != 10 {
		t.Errorf("value = %v, want 10", got)
	}
	if got := res.Metrics["volume"]; got != 550 {
		t.Errorf("volume = %v, want 550", got)
	}
	if got := res.Fields["bucket_id"]; got != "b1" {
		t.Errorf("copied bucket_id = %v", got)
	}

	if len(res.Buckets) != 2 {
		t.Fatalf("buckets = %d, want 2", len(res.Buckets))
	}
	first := res.Buckets[0]
	if first.Key != "report.pdf" || first.Count != 5 || first.Metrics["volume"] != 500 {
		t.Errorf("first bucket = %+v", first)
	}
	second := res.Buckets[1]
	if second.Key != "data.csv" || second.Count != 5 || second.Metrics["volume"] != 50 {
		t.Errorf("second bucket = %+v", second)
	}
}

func TestRunNestedTerms(t *testing.T) {
	store := openTestStore(t)
	seedAggregates(t, store)
	ex := NewExecutor(store, zerolog.Nop())

	def := downloadQuery()
	def.RequiredFilters = nil
	def.AggregatedFields = []string{"bucket_id", "file_key"}

	res, err := ex.Run(context.Background(), def, Params{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Buckets) != 2 {
		t.Fatalf("outer buckets = %d, want 2", len(res.Buckets))
	}
	b1 := res.Buckets[0]
	if b1.Key != "b1" || len(b1.Buckets) != 2 {
		t.Errorf("b1 bucket = %+v", b1)
	}
	b2 := res.Buckets[1]
	if b2.Key != "b2" || len(b2.Buckets) != 1 || b2.Buckets[0].Key != "other.txt" {
		t.Errorf("b2 bucket = %+v", b2)
	}
}

func TestMissingRequiredFilter(t *testing.T) {
	// The store fails every read; a missing filter must be caught first.
	ex := NewExecutor(&unavailableStore{}, zerolog.Nop())

	_, err := ex.Run(context.Background(), downloadQuery(), Params{})
	if !errors.Is(err, ErrMissingFilter) {
		t.Fatalf("err = %v, want ErrMissingFilter", err)
	}
}

func TestOptionalFilterApplied(t *testing.T) {
	store := openTestStore(t)
	seedAggregates(t, store)
	ex := NewExecutor(store, zerolog.Nop())

	def := downloadQuery()
	def.OptionalFilters = []string{"file_key"}

	res, err := ex.Run(context.Background(), def, Params{"bucket_id": "b1", "file_key": "data.csv"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Count != 5 || res.Metrics["volume"] != 50 {
		t.Errorf("result = %+v, want only data.csv", res)
	}

	// Absent optional filter matches everything.
	res, err = ex.Run(context.Background(), def, Params{"bucket_id": "b1"})
	if err != nil {
		t.Fatalf("run without optional: %v", err)
	}
	if res.Count != 10 {
		t.Errorf("count = %d, want 10", res.Count)
	}
}

func TestDateRangeFilters(t *testing.T) {
	store := openTestStore(t)
	seedAggregates(t, store)
	ex := NewExecutor(store, zerolog.Nop())

	res, err := ex.Run(context.Background(), downloadQuery(), Params{
		"bucket_id":  "b1",
		"start_date": "2024-03-02",
		"end_date":   "2024-03-02",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Count != 2 {
		t.Errorf("count = %d, want 2 (only 03-02)", res.Count)
	}
	if res.StartDate != "2024-03-02" || res.EndDate != "2024-03-02" {
		t.Errorf("range echoed as %q..%q", res.StartDate, res.EndDate)
	}
}

func TestInvalidParams(t *testing.T) {
	store := openTestStore(t)
	ex := NewExecutor(store, zerolog.Nop())

	tests := []struct {
		name   string
		def    Definition
		params Params
	}{
		{"bad start date", downloadQuery(), Params{"bucket_id": "b1", "start_date": "yesterday"}},
		{"bad end date", downloadQuery(), Params{"bucket_id": "b1", "end_date": "03/04/2024"}},
		{"inverted range", downloadQuery(), Params{"bucket_id": "b1", "start_date": "2024-03-05", "end_date": "2024-03-01"}},
		{"bad interval", histogramQuery(), Params{"interval": "fortnight"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ex.Run(context.Background(), tt.def, tt.params)
			if !errors.Is(err, ErrInvalidParams) {
				t.Errorf("err = %v, want ErrInvalidParams", err)
			}
		})
	}
}

// denyAll rejects every caller.
type denyAll struct{}

func (denyAll) Can(string, Params) bool { return false }

func TestPermissionDenied(t *testing.T) {
	store := openTestStore(t)
	ex := NewExecutor(store, zerolog.Nop())

	def := downloadQuery()
	def.Permission = denyAll{}
	_, err := ex.Run(context.Background(), def, Params{"bucket_id": "b1"})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
}

func histogramQuery() Definition {
	return Definition{
		Name:       "record-view-histogram",
		Kind:       KindHistogram,
		Collection: "stats-record-view",
		Metrics: map[string]Metric{
			"views": {Kind: MetricSum, Field: "count"},
		},
	}
}

func TestHistogramZeroFillsGaps(t *testing.T) {
	store := openTestStore(t)
	docs := []storage.Document{
		{"timestamp": "2024-03-01T00:00:00", "unique_id": "rec-1", "count": 4},
		{"timestamp": "2024-03-03T00:00:00", "unique_id": "rec-1", "count": 6},
	}
	for i, doc := range docs {
		if err := store.Put("stats-record-view", string(rune('a'+i)), doc); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	ex := NewExecutor(store, zerolog.Nop())

	res, err := ex.Run(context.Background(), histogramQuery(), Params{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []struct {
		date  string
		views float64
	}{
		{"2024-03-01", 4},
		{"2024-03-02", 0},
		{"2024-03-03", 6},
	}
	if len(res.Histogram) != len(want) {
		t.Fatalf("histogram = %d buckets, want %d", len(res.Histogram), len(want))
	}
	for i, w := range want {
		got := res.Histogram[i]
		if got.Date != w.date || got.Metrics["views"] != w.views {
			t.Errorf("bucket %d = %+v, want %s=%v", i, got, w.date, w.views)
		}
	}
}

func TestHistogramRespectsRequestedRange(t *testing.T) {
	store := openTestStore(t)
	if err := store.Put("stats-record-view", "a", storage.Document{
		"timestamp": "2024-03-02T00:00:00", "unique_id": "rec-1", "count": 1,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	ex := NewExecutor(store, zerolog.Nop())

	res, err := ex.Run(context.Background(), histogramQuery(), Params{
		"start_date": "2024-03-01",
		"end_date":   "2024-03-04",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Histogram) != 4 {
		t.Fatalf("histogram = %d buckets, want 4", len(res.Histogram))
	}
	if res.Histogram[0].Date != "2024-03-01" || res.Histogram[3].Date != "2024-03-04" {
		t.Errorf("range = %s..%s", res.Histogram[0].Date, res.Histogram[3].Date)
	}
	if res.Histogram[1].Metrics["views"] != 1 {
		t.Errorf("2024-03-02 views = %v, want 1", res.Histogram[1].Metrics["views"])
	}
}

func TestHistogramMonthInterval(t *testing.T) {
	store := openTestStore(t)
	docs := []storage.Document{
		{"timestamp": "2024-01-15T00:00:00", "unique_id": "rec-1", "count": 2},
		{"timestamp": "2024-03-20T00:00:00", "unique_id": "rec-1", "count": 3},
	}
	for i, doc := range docs {
		if err := store.Put("stats-record-view", string(rune('a'+i)), doc); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	ex := NewExecutor(store, zerolog.Nop())

	res, err := ex.Run(context.Background(), histogramQuery(), Params{"interval": "month"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []string{"2024-01-01", "2024-02-01", "2024-03-01"}
	if len(res.Histogram) != len(want) {
		t.Fatalf("histogram = %d buckets, want %d", len(res.Histogram), len(want))
	}
	for i, date := range want {
		if res.Histogram[i].Date != date {
			t.Errorf("bucket %d date = %s, want %s", i, res.Histogram[i].Date, date)
		}
	}
}

func TestDefaultMetricIsCountSum(t *testing.T) {
	store := openTestStore(t)
	seedAggregates(t, store)
	ex := NewExecutor(store, zerolog.Nop())

	def := Definition{
		Name:            "minimal",
		Collection:      "stats-file-download",
		RequiredFilters: []string{"bucket_id"},
	}
	res, err := ex.Run(context.Background(), def, Params{"bucket_id": "b2"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := res.Metrics["value"]; got != 7 {
		t.Errorf("value = %v, want 7", got)
	}
}

// unavailableStore fails every read.
type unavailableStore struct{}

func (unavailableStore) BulkUpsert([]storage.BulkOp) (storage.BulkResult, error) {
	return storage.BulkResult{}, storage.ErrUnavailable
}
func (unavailableStore) Get(string, string) (storage.Document, error) {
	return nil, storage.ErrUnavailable
}
func (unavailableStore) Put(string, string, storage.Document) error { return storage.ErrUnavailable }
func (unavailableStore) Delete(string, string) error                { return storage.ErrUnavailable }
func (unavailableStore) Collections(string) ([]string, error) {
	return nil, storage.ErrUnavailable
}
func (unavailableStore) Scan(string, time.Time, time.Time, storage.ScanFunc) error {
	return storage.ErrUnavailable
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	ex := NewExecutor(unavailableStore{}, zerolog.Nop())
	def := downloadQuery()
	params := Params{"bucket_id": "b1"}

	for i := 0; i < 5; i++ {
		if _, err := ex.Run(context.Background(), def, params); !errors.Is(err, storage.ErrUnavailable) {
			t.Fatalf("call %d: err = %v, want ErrUnavailable", i, err)
		}
	}
	// The breaker is open now; calls still report unavailability without
	// touching the store.
	if _, err := ex.Run(context.Background(), def, params); !errors.Is(err, storage.ErrUnavailable) {
		t.Fatalf("open breaker: err = %v, want ErrUnavailable", err)
	}
}

// Repostats - Usage Statistics Pipeline for Digital Repositories
// Copyright 2026 Calyptra Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/calyptra/repostats

package stats

import (
	"errors"
	"testing"

	"github.com/calyptra/repostats/internal/aggregator"
	"github.com/calyptra/repostats/internal/event"
	"github.com/calyptra/repostats/internal/query"
)

func passthrough(e event.Event) event.Event { return e }

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	if err := r.RegisterProcessor("noop", passthrough); err != nil {
		t.Fatalf("register processor: %v", err)
	}
	if err := r.RegisterEvent(EventConfig{Type: "view", Processors: []string{"noop"}}); err != nil {
		t.Fatalf("register event: %v", err)
	}
	if err := r.RegisterAggregation(aggregator.Definition{Name: "view-agg", EventType: "view", Field: "unique_id"}); err != nil {
		t.Fatalf("register aggregation: %v", err)
	}
	if err := r.RegisterQuery(query.Definition{Name: "view-total", Collection: "stats-view"}); err != nil {
		t.Fatalf("register query: %v", err)
	}

	chain, err := r.Chain("view")
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	if len(chain) != 1 {
		t.Errorf("chain length = %d, want 1", len(chain))
	}
	if _, err := r.Aggregation("view-agg"); err != nil {
		t.Errorf("aggregation lookup: %v", err)
	}
	if _, err := r.Query("view-total"); err != nil {
		t.Errorf("query lookup: %v", err)
	}
}

func TestDuplicateRegistrations(t *testing.T) {
	r := NewRegistry()
	if err := r.RegisterProcessor("noop", passthrough); err != nil {
		t.Fatalf("register processor: %v", err)
	}
	if err := r.RegisterProcessor("noop", passthrough); !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate processor err = %v", err)
	}
	if err := r.RegisterEvent(EventConfig{Type: "view"}); err != nil {
		t.Fatalf("register event: %v", err)
	}
	if err := r.RegisterEvent(EventConfig{Type: "view"}); !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate event err = %v", err)
	}
}

func TestUnknownLookups(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Event("nope"); !errors.Is(err, ErrUnknownEventType) {
		t.Errorf("event err = %v", err)
	}
	if _, err := r.Aggregation("nope"); !errors.Is(err, ErrUnknownAggregation) {
		t.Errorf("aggregation err = %v", err)
	}
	if _, err := r.Query("nope"); !errors.Is(err, ErrUnknownQuery) {
		t.Errorf("query err = %v", err)
	}
}

func TestEventRequiresKnownProcessors(t *testing.T) {
	r := NewRegistry()
	err := r.RegisterEvent(EventConfig{Type: "view", Processors: []string{"missing"}})
	if !errors.Is(err, ErrUnknownProcessor) {
		t.Errorf("err = %v, want ErrUnknownProcessor", err)
	}
}

func TestAggregationRequiresKnownEventType(t *testing.T) {
	r := NewRegistry()
	err := r.RegisterAggregation(aggregator.Definition{Name: "a", EventType: "view", Field: "unique_id"})
	if !errors.Is(err, ErrUnknownEventType) {
		t.Errorf("err = %v, want ErrUnknownEventType", err)
	}
}

func TestSortedNameLists(t *testing.T) {
	r := NewRegistry()
	for _, typ := range []string{"zeta", "alpha", "mid"} {
		if err := r.RegisterEvent(EventConfig{Type: typ}); err != nil {
			t.Fatalf("register %s: %v", typ, err)
		}
	}
	got := r.EventTypes()
	want := []string{"alpha", "mid", "zeta"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event types = %v, want %v", got, want)
		}
	}
}

func TestDefaultCatalog(t *testing.T) {
	r, err := NewDefaultRegistry(CatalogConfig{})
	if err != nil {
		t.Fatalf("default registry: %v", err)
	}
	for _, typ := range []string{
		EventFileDownload, EventFilePreview, EventRecordView,
		EventTopView, EventItemCreate, EventSearch, EventTask,
	} {
		if _, err := r.Event(typ); err != nil {
			t.Errorf("event %s: %v", typ, err)
		}
		if _, err := r.Chain(typ); err != nil {
			t.Errorf("chain %s: %v", typ, err)
		}
	}
	if got := len(r.AggregationNames()); got != 7 {
		t.Errorf("aggregations = %d, want 7", got)
	}
	if got := len(r.QueryNames()); got != 9 {
		t.Errorf("queries = %d, want 9", got)
	}
}

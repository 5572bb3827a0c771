// Repostats - Usage Statistics Pipeline for Digital Repositories
// Copyright 2026 Calyptra Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/calyptra/repostats

// Package stats ties the pipeline together: a registry of event types,
// aggregations and queries, and a service exposing publish, index,
// aggregate and query operations over it.
package stats

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/calyptra/repostats/internal/aggregator"
	"github.com/calyptra/repostats/internal/event"
	"github.com/calyptra/repostats/internal/query"
)

// Lookup errors.
var (
	ErrUnknownEventType   = errors.New("unknown event type")
	ErrUnknownAggregation = errors.New("unknown aggregation")
	ErrUnknownQuery       = errors.New("unknown query")
	ErrUnknownProcessor   = errors.New("unknown processor")
	ErrDuplicate          = errors.New("duplicate registration")
)

// EventConfig declares one event type. Processors are resolved by name
// against the registry's processor table when the indexer is built, so
// configurations stay declarative and serializable.
type EventConfig struct {
	// Type names the event stream, e.g. "file-download".
	Type string

	// Processors are the preprocessing chain, in order.
	Processors []string

	// DoubleClickWindow overrides the default deduplication window.
	// 0 keeps the default; use WindowDisabled to turn windowing off.
	DoubleClickWindow time.Duration

	// WindowDisabled turns deduplication off for this event type.
	WindowDisabled bool
}

// Registry holds every registered event type, aggregation and query.
// There is no package-level instance: callers construct one, register
// what they need and hand it to the Service. Registration is expected
// at startup; the registry is read-only afterwards and safe for
// concurrent lookups.
type Registry struct {
	processors   map[string]event.Processor
	events       map[string]EventConfig
	aggregations map[string]aggregator.Definition
	queries      map[string]query.Definition
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		processors:   make(map[string]event.Processor),
		events:       make(map[string]EventConfig),
		aggregations: make(map[string]aggregator.Definition),
		queries:      make(map[string]query.Definition),
	}
}

// RegisterProcessor adds a named preprocessing step.
func (r *Registry) RegisterProcessor(name string, p event.Processor) error {
	if name == "" || p == nil {
		return fmt.Errorf("register processor: name and func required")
	}
	if _, ok := r.processors[name]; ok {
		return fmt.Errorf("processor %s: %w", name, ErrDuplicate)
	}
	r.processors[name] = p
	return nil
}

// RegisterEvent adds an event type. Every named processor must already
// be registered.
func (r *Registry) RegisterEvent(cfg EventConfig) error {
	if cfg.Type == "" {
		return fmt.Errorf("register event: type required")
	}
	if _, ok := r.events[cfg.Type]; ok {
		return fmt.Errorf("event %s: %w", cfg.Type, ErrDuplicate)
	}
	for _, name := range cfg.Processors {
		if _, ok := r.processors[name]; !ok {
			return fmt.Errorf("event %s: %w: %s", cfg.Type, ErrUnknownProcessor, name)
		}
	}
	r.events[cfg.Type] = cfg
	return nil
}

// RegisterAggregation adds an aggregation definition. Its event type
// must already be registered.
func (r *Registry) RegisterAggregation(def aggregator.Definition) error {
	if def.Name == "" {
		return fmt.Errorf("register aggregation: name required")
	}
	if _, ok := r.aggregations[def.Name]; ok {
		return fmt.Errorf("aggregation %s: %w", def.Name, ErrDuplicate)
	}
	if _, ok := r.events[def.EventType]; !ok {
		return fmt.Errorf("aggregation %s: %w: %s", def.Name, ErrUnknownEventType, def.EventType)
	}
	r.aggregations[def.Name] = def
	return nil
}

// RegisterQuery adds a query definition.
func (r *Registry) RegisterQuery(def query.Definition) error {
	if def.Name == "" {
		return fmt.Errorf("register query: name required")
	}
	if _, ok := r.queries[def.Name]; ok {
		return fmt.Errorf("query %s: %w", def.Name, ErrDuplicate)
	}
	r.queries[def.Name] = def
	return nil
}

// Event returns the configuration for an event type.
func (r *Registry) Event(eventType string) (EventConfig, error) {
	cfg, ok := r.events[eventType]
	if !ok {
		return EventConfig{}, fmt.Errorf("%w: %s", ErrUnknownEventType, eventType)
	}
	return cfg, nil
}

// Chain resolves an event type's processor names into the runnable
// chain.
func (r *Registry) Chain(eventType string) ([]event.Processor, error) {
	cfg, err := r.Event(eventType)
	if err != nil {
		return nil, err
	}
	chain := make([]event.Processor, 0, len(cfg.Processors))
	for _, name := range cfg.Processors {
		p, ok := r.processors[name]
		if !ok {
			return nil, fmt.Errorf("event %s: %w: %s", eventType, ErrUnknownProcessor, name)
		}
		chain = append(chain, p)
	}
	return chain, nil
}

// Aggregation returns an aggregation definition by name.
func (r *Registry) Aggregation(name string) (aggregator.Definition, error) {
	def, ok := r.aggregations[name]
	if !ok {
		return aggregator.Definition{}, fmt.Errorf("%w: %s", ErrUnknownAggregation, name)
	}
	return def, nil
}

// Query returns a query definition by name.
func (r *Registry) Query(name string) (query.Definition, error) {
	def, ok := r.queries[name]
	if !ok {
		return query.Definition{}, fmt.Errorf("%w: %s", ErrUnknownQuery, name)
	}
	return def, nil
}

// EventTypes lists registered event types, sorted.
func (r *Registry) EventTypes() []string { return sortedKeys(r.events) }

// AggregationNames lists registered aggregations, sorted.
func (r *Registry) AggregationNames() []string { return sortedKeys(r.aggregations) }

// QueryNames lists registered queries, sorted.
func (r *Registry) QueryNames() []string { return sortedKeys(r.queries) }

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

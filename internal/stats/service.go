// Repostats - Usage Statistics Pipeline for Digital Repositories
// Copyright 2026 Calyptra Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/calyptra/repostats

package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/calyptra/repostats/internal/aggregator"
	"github.com/calyptra/repostats/internal/event"
	"github.com/calyptra/repostats/internal/indexer"
	"github.com/calyptra/repostats/internal/query"
	"github.com/calyptra/repostats/internal/queue"
	"github.com/calyptra/repostats/internal/storage"
)

// Topic returns the queue topic for an event type.
func Topic(eventType string) string {
	return "stats-" + eventType
}

// Service is the operational surface of the statistics pipeline. All
// methods are safe for concurrent use.
type Service struct {
	registry *Registry
	store    storage.Store
	queue    queue.Queue
	agg      *aggregator.Aggregator
	exec     *query.Executor
	log      zerolog.Logger
	now      func() time.Time
}

// NewService wires a registry to its store and queue. now may be nil
// and defaults to time.Now; tests inject a fixed clock.
func NewService(reg *Registry, store storage.Store, q queue.Queue, log zerolog.Logger, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{
		registry: reg,
		store:    store,
		queue:    q,
		agg:      aggregator.New(store, now, log),
		exec:     query.NewExecutor(store, log),
		log:      log,
		now:      now,
	}
}

// Registry returns the service's registry.
func (s *Service) Registry() *Registry { return s.registry }

// Publish enqueues raw events for later indexing. Unknown event types
// are rejected before anything is enqueued. Events without a timestamp
// are stamped with the current time; preprocessing happens at indexing
// time, so published events still carry their PII.
func (s *Service) Publish(ctx context.Context, eventType string, events ...event.Event) error {
	if _, err := s.registry.Event(eventType); err != nil {
		return err
	}
	topic := Topic(eventType)
	for _, e := range events {
		if e.String(event.FieldTimestamp) == "" {
			e.SetTimestamp(s.now().UTC())
		}
		if err := s.queue.Publish(ctx, topic, e); err != nil {
			return fmt.Errorf("publish %s: %w", eventType, err)
		}
	}
	return nil
}

// ProcessEvents drains the pending events of one event type through
// its preprocessing chain into the store. It returns once the backlog
// observed at start has been worked off or ctx is done.
func (s *Service) ProcessEvents(ctx context.Context, eventType string) (indexer.Result, error) {
	cfg, err := s.registry.Event(eventType)
	if err != nil {
		return indexer.Result{}, err
	}
	chain, err := s.registry.Chain(eventType)
	if err != nil {
		return indexer.Result{}, err
	}
	ix, err := indexer.New(s.store, chain, indexer.Config{
		EventType:         eventType,
		DoubleClickWindow: cfg.DoubleClickWindow,
		WindowDisabled:    cfg.WindowDisabled,
	}, s.log)
	if err != nil {
		return indexer.Result{}, err
	}
	deliveries, err := s.queue.Consume(ctx, Topic(eventType))
	if err != nil {
		return indexer.Result{}, fmt.Errorf("consume %s: %w", eventType, err)
	}
	return ix.Run(ctx, deliveries)
}

// ProcessAllEvents drains every registered event type in turn. The
// first failure stops the sweep; results for completed types are
// returned alongside the error.
func (s *Service) ProcessAllEvents(ctx context.Context) (map[string]indexer.Result, error) {
	results := make(map[string]indexer.Result)
	for _, eventType := range s.registry.EventTypes() {
		res, err := s.ProcessEvents(ctx, eventType)
		if err != nil {
			return results, fmt.Errorf("process %s: %w", eventType, err)
		}
		results[eventType] = res
	}
	return results, nil
}

// Aggregate runs one registered aggregation from its bookmark.
func (s *Service) Aggregate(ctx context.Context, name string) (aggregator.Result, error) {
	def, err := s.registry.Aggregation(name)
	if err != nil {
		return aggregator.Result{}, err
	}
	return s.agg.Run(ctx, def)
}

// AggregateAll runs every registered aggregation. Aggregations are
// independent, so one failing does not stop the others; the first
// error is returned after the sweep.
func (s *Service) AggregateAll(ctx context.Context) (map[string]aggregator.Result, error) {
	results := make(map[string]aggregator.Result)
	var firstErr error
	for _, name := range s.registry.AggregationNames() {
		def, _ := s.registry.Aggregation(name)
		res, err := s.agg.Run(ctx, def)
		if err != nil {
			s.log.Error().Err(err).Str("aggregation", name).Msg("aggregation run failed")
			if firstErr == nil {
				firstErr = fmt.Errorf("aggregate %s: %w", name, err)
			}
			continue
		}
		results[name] = res
	}
	return results, firstErr
}

// Query executes a registered query with the given parameters.
func (s *Service) Query(ctx context.Context, name string, params query.Params) (*query.Result, error) {
	def, err := s.registry.Query(name)
	if err != nil {
		return nil, err
	}
	return s.exec.Run(ctx, def, params)
}

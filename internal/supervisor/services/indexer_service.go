// Repostats - Usage Statistics Pipeline for Digital Repositories
// Copyright 2026 Calyptra Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/calyptra/repostats

// Package services wraps the pipeline's workers as suture services.
package services

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/calyptra/repostats/internal/indexer"
)

// EventDrainer drains one event type's queue backlog into the store.
// Satisfied by stats.Service.
type EventDrainer interface {
	ProcessEvents(ctx context.Context, eventType string) (indexer.Result, error)
}

// IndexerService periodically drains one event type. Each event type
// gets its own service so a poisoned stream only stalls itself.
type IndexerService struct {
	drainer   EventDrainer
	eventType string
	interval  time.Duration
	log       zerolog.Logger
}

// NewIndexerService builds the drain loop for eventType. interval <= 0
// defaults to 30s.
func NewIndexerService(drainer EventDrainer, eventType string, interval time.Duration, log zerolog.Logger) *IndexerService {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &IndexerService{drainer: drainer, eventType: eventType, interval: interval, log: log}
}

// Serve implements suture.Service. Drain errors are returned so the
// supervisor restarts the loop with its backoff policy.
func (s *IndexerService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		res, err := s.drainer.ProcessEvents(ctx, s.eventType)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("drain %s: %w", s.eventType, err)
		}
		if res.Indexed > 0 || res.Failed > 0 {
			s.log.Debug().Str("event_type", s.eventType).
				Int("indexed", res.Indexed).Int("dropped", res.Dropped).Int("failed", res.Failed).
				Msg("drain sweep complete")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// String implements fmt.Stringer for supervisor logs.
func (s *IndexerService) String() string {
	return "indexer-" + s.eventType
}

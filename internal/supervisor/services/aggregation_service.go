// Repostats - Usage Statistics Pipeline for Digital Repositories
// Copyright 2026 Calyptra Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/calyptra/repostats

package services

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/calyptra/repostats/internal/aggregator"
	"github.com/calyptra/repostats/internal/storage"
)

// AggregationRunner runs every registered aggregation once. Satisfied
// by stats.Service.
type AggregationRunner interface {
	AggregateAll(ctx context.Context) (map[string]aggregator.Result, error)
}

// AggregationService runs the aggregation sweep on a fixed interval.
// Store outages are retried with exponential backoff inside the sweep;
// aggregation is idempotent, so a retried sweep can never double-count.
type AggregationService struct {
	runner   AggregationRunner
	interval time.Duration
	log      zerolog.Logger
}

// NewAggregationService builds the scheduler. interval <= 0 defaults
// to one hour.
func NewAggregationService(runner AggregationRunner, interval time.Duration, log zerolog.Logger) *AggregationService {
	if interval <= 0 {
		interval = time.Hour
	}
	return &AggregationService{runner: runner, interval: interval, log: log}
}

// Serve implements suture.Service.
func (s *AggregationService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if err := s.sweep(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Non-transient failure: let the supervisor restart us.
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// sweep runs AggregateAll, retrying while the store is unavailable.
// Input-class errors inside individual aggregations are already logged
// by the service and do not abort the sweep.
func (s *AggregationService) sweep(ctx context.Context) error {
	policy := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(time.Second),
		backoff.WithMaxInterval(time.Minute),
		backoff.WithMaxElapsedTime(10*time.Minute),
	), ctx)

	return backoff.Retry(func() error {
		results, err := s.runner.AggregateAll(ctx)
		for name, res := range results {
			if res.DocumentsWritten > 0 {
				s.log.Info().Str("aggregation", name).
					Int("documents", res.DocumentsWritten).
					Time("bookmark", res.Bookmark).
					Msg("aggregation advanced")
			}
		}
		if err == nil {
			return nil
		}
		if errors.Is(err, storage.ErrUnavailable) || errors.Is(err, aggregator.ErrWriteBack) {
			s.log.Warn().Err(err).Msg("aggregation sweep will retry")
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}

// String implements fmt.Stringer for supervisor logs.
func (s *AggregationService) String() string {
	return "aggregation-scheduler"
}

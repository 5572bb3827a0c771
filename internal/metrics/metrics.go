// Repostats - Usage Statistics Pipeline for Digital Repositories
// Copyright 2026 Calyptra Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/calyptra/repostats

// Package metrics exposes Prometheus instrumentation for the statistics
// pipeline: indexing throughput, aggregation progress and query latency.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Indexer metrics
	EventsIndexed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stats_events_indexed_total",
			Help: "Events durably written by the indexer",
		},
		[]string{"event_type"},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stats_events_dropped_total",
			Help: "Events vetoed by the preprocessing chain",
		},
		[]string{"event_type"},
	)

	EventsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stats_events_failed_total",
			Help: "Events that could not be indexed (bad timestamps, item write failures)",
		},
		[]string{"event_type"},
	)

	IndexerRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stats_indexer_run_duration_seconds",
			Help:    "Duration of one indexer drain run",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"event_type"},
	)

	// Aggregator metrics
	AggregationDocuments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stats_aggregation_documents_total",
			Help: "Aggregate documents written, per aggregation definition",
		},
		[]string{"aggregation"},
	)

	AggregationRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stats_aggregation_run_duration_seconds",
			Help:    "Duration of one aggregation run",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		},
		[]string{"aggregation"},
	)

	AggregationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stats_aggregation_errors_total",
			Help: "Failed aggregation runs",
		},
		[]string{"aggregation"},
	)

	// Query metrics
	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stats_query_duration_seconds",
			Help:    "Report query execution duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	QueryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stats_query_errors_total",
			Help: "Failed report queries by kind",
		},
		[]string{"query", "kind"},
	)
)

// ObserveIndexerRun records one drain run.
func ObserveIndexerRun(eventType string, indexed, dropped, failed int, elapsed time.Duration) {
	EventsIndexed.WithLabelValues(eventType).Add(float64(indexed))
	EventsDropped.WithLabelValues(eventType).Add(float64(dropped))
	EventsFailed.WithLabelValues(eventType).Add(float64(failed))
	IndexerRunDuration.WithLabelValues(eventType).Observe(elapsed.Seconds())
}

// ObserveAggregationRun records one aggregation run.
func ObserveAggregationRun(name string, documents int, elapsed time.Duration, err error) {
	AggregationDocuments.WithLabelValues(name).Add(float64(documents))
	AggregationRunDuration.WithLabelValues(name).Observe(elapsed.Seconds())
	if err != nil {
		AggregationErrors.WithLabelValues(name).Inc()
	}
}

// ObserveQuery records one report query.
func ObserveQuery(name string, elapsed time.Duration, errKind string) {
	QueryDuration.WithLabelValues(name).Observe(elapsed.Seconds())
	if errKind != "" {
		QueryErrors.WithLabelValues(name, errKind).Inc()
	}
}

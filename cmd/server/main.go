// Repostats - Usage Statistics Pipeline for Digital Repositories
// Copyright 2026 Calyptra Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/calyptra/repostats

// Package main runs the repostats server: it drains usage events from
// the queue through the anonymization pipeline into the embedded
// store, folds them into daily aggregates on a schedule and serves
// ingestion and report queries over HTTP.
//
// Configuration is layered via koanf: built-in defaults, an optional
// YAML file (repostats.yaml, or REPOSTATS_CONFIG), then REPOSTATS_*
// environment variables.
//
// The process shuts down gracefully on SIGINT and SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/calyptra/repostats/internal/agent"
	"github.com/calyptra/repostats/internal/config"
	"github.com/calyptra/repostats/internal/geo"
	"github.com/calyptra/repostats/internal/logging"
	"github.com/calyptra/repostats/internal/pipeline"
	"github.com/calyptra/repostats/internal/queue"
	"github.com/calyptra/repostats/internal/server"
	"github.com/calyptra/repostats/internal/stats"
	"github.com/calyptra/repostats/internal/storage"
	"github.com/calyptra/repostats/internal/supervisor"
	"github.com/calyptra/repostats/internal/supervisor/services"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "repostats: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logging.New(cfg.Logging)

	store, err := storage.OpenBadger(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	var resolver geo.Resolver = geo.Nop{}
	if cfg.Geo.DatabasePath != "" {
		mm, err := geo.Open(cfg.Geo.DatabasePath)
		if err != nil {
			return fmt.Errorf("open geo database: %w", err)
		}
		defer mm.Close()
		resolver = mm
	}

	var salt pipeline.SaltProvider
	if cfg.Salt.Enabled {
		salt = pipeline.NewDailySalts(store.DB(), cfg.Salt.TTL)
	}

	epoch, err := cfg.EpochTime()
	if err != nil {
		return err
	}
	registry, err := stats.NewDefaultRegistry(stats.CatalogConfig{
		Classifier:        agent.NewDetector(),
		Geo:               resolver,
		Salt:              salt,
		SafetyMargin:      cfg.Aggregation.SafetyMargin,
		Epoch:             epoch,
		DoubleClickWindow: cfg.Pipeline.DoubleClickWindow,
		WindowDisabled:    cfg.Pipeline.WindowDisabled,
	})
	if err != nil {
		return fmt.Errorf("build registry: %w", err)
	}

	var q queue.Queue
	switch cfg.Queue.Backend {
	case "nats":
		q, err = queue.NewNATS(queue.NATSConfig{
			URL:           cfg.Queue.NATS.URL,
			StreamName:    cfg.Queue.NATS.StreamName,
			DurableName:   cfg.Queue.NATS.DurableName,
			QueueGroup:    cfg.Queue.NATS.QueueGroup,
			MaxReconnects: cfg.Queue.NATS.MaxReconnects,
		}, queue.NewLoggerAdapter(log))
		if err != nil {
			return fmt.Errorf("connect queue: %w", err)
		}
	default:
		q = queue.NewMemoryWithBacklog(cfg.Queue.Buffer)
	}
	defer q.Close()

	svc := stats.NewService(registry, store, q, log, nil)

	tree := supervisor.NewTree(logging.Slogger(log), supervisor.DefaultTreeConfig())
	for _, eventType := range registry.EventTypes() {
		tree.AddPipelineService(services.NewIndexerService(svc, eventType, cfg.Pipeline.DrainInterval, log))
	}
	tree.AddAggregationService(services.NewAggregationService(svc, cfg.Aggregation.Interval, log))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpSrv := server.New(svc, log).NewHTTPServer(addr, cfg.Server.Timeout)
	tree.AddAPIService(services.NewHTTPService(httpSrv, supervisor.DefaultTreeConfig().ShutdownTimeout))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("addr", addr).
		Str("queue", cfg.Queue.Backend).
		Strs("event_types", registry.EventTypes()).
		Msg("repostats starting")

	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("repostats stopped")
	return nil
}

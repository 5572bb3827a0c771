// Repostats - Usage Statistics Pipeline for Digital Repositories
// Copyright 2026 Calyptra Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/calyptra/repostats

package services

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/calyptra/repostats/internal/aggregator"
	"github.com/calyptra/repostats/internal/indexer"
	"github.com/calyptra/repostats/internal/storage"
)

type stubDrainer struct {
	calls atomic.Int32
	err   error
}

func (d *stubDrainer) ProcessEvents(context.Context, string) (indexer.Result, error) {
	d.calls.Add(1)
	return indexer.Result{Indexed: 1}, d.err
}

func TestIndexerServiceDrainsOnInterval(t *testing.T) {
	drainer := &stubDrainer{}
	svc := NewIndexerService(drainer, "file-download", 10*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	deadline := time.Now().Add(time.Second)
	for drainer.calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("serve returned %v, want context.Canceled", err)
	}
	if drainer.calls.Load() < 3 {
		t.Errorf("drained %d times, want at least 3", drainer.calls.Load())
	}
}

func TestIndexerServiceReturnsDrainError(t *testing.T) {
	drainer := &stubDrainer{err: errors.New("queue gone")}
	svc := NewIndexerService(drainer, "file-download", time.Minute, zerolog.Nop())

	if err := svc.Serve(context.Background()); err == nil {
		t.Error("drain failure not surfaced to the supervisor")
	}
}

func TestIndexerServiceName(t *testing.T) {
	svc := NewIndexerService(&stubDrainer{}, "record-view", 0, zerolog.Nop())
	if got := svc.String(); got != "indexer-record-view" {
		t.Errorf("name = %q", got)
	}
}

type stubRunner struct {
	calls    atomic.Int32
	failures int32
	err      error
}

func (r *stubRunner) AggregateAll(context.Context) (map[string]aggregator.Result, error) {
	n := r.calls.Add(1)
	if r.err != nil && n <= r.failures {
		return nil, r.err
	}
	return map[string]aggregator.Result{"file-download-agg": {DocumentsWritten: 1}}, nil
}

func TestAggregationServiceRetriesUnavailableStore(t *testing.T) {
	runner := &stubRunner{failures: 2, err: storage.ErrUnavailable}
	svc := NewAggregationService(runner, time.Hour, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	deadline := time.Now().Add(10 * time.Second)
	for runner.calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("serve returned %v, want context.Canceled", err)
	}
	if runner.calls.Load() < 3 {
		t.Errorf("sweep ran %d times, want the two failures retried", runner.calls.Load())
	}
}

func TestAggregationServiceStopsOnPermanentError(t *testing.T) {
	runner := &stubRunner{failures: 100, err: errors.New("definition broken")}
	svc := NewAggregationService(runner, time.Hour, zerolog.Nop())

	if err := svc.Serve(context.Background()); err == nil {
		t.Error("permanent failure not surfaced")
	}
	if runner.calls.Load() != 1 {
		t.Errorf("sweep ran %d times, want exactly 1 for a permanent error", runner.calls.Load())
	}
}

func TestAggregationServiceName(t *testing.T) {
	svc := NewAggregationService(&stubRunner{}, 0, zerolog.Nop())
	if got := svc.String(); got != "aggregation-scheduler" {
		t.Errorf("name = %q", got)
	}
}

type stubHTTPServer struct {
	listenErr error
	shutdown  atomic.Bool
	serving   chan struct{}
	release   chan struct{}
}

func newStubHTTPServer(listenErr error) *stubHTTPServer {
	return &stubHTTPServer{
		listenErr: listenErr,
		serving:   make(chan struct{}),
		release:   make(chan struct{}),
	}
}

func (s *stubHTTPServer) ListenAndServe() error {
	close(s.serving)
	if s.listenErr != nil {
		return s.listenErr
	}
	<-s.release
	return http.ErrServerClosed
}

func (s *stubHTTPServer) Shutdown(context.Context) error {
	s.shutdown.Store(true)
	close(s.release)
	return nil
}

func TestHTTPServiceGracefulShutdown(t *testing.T) {
	server := newStubHTTPServer(nil)
	svc := NewHTTPService(server, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	<-server.serving
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("serve returned %v, want context.Canceled", err)
	}
	if !server.shutdown.Load() {
		t.Error("server not shut down on cancel")
	}
}

func TestHTTPServiceSurfacesListenError(t *testing.T) {
	listenErr := errors.New("address in use")
	server := newStubHTTPServer(listenErr)
	svc := NewHTTPService(server, time.Second)

	if err := svc.Serve(context.Background()); !errors.Is(err, listenErr) {
		t.Errorf("serve returned %v, want listen error", err)
	}
}

func TestHTTPServiceName(t *testing.T) {
	svc := NewHTTPService(newStubHTTPServer(nil), 0)
	if got := svc.String(); got != "http-server" {
		t.Errorf("name = %q", got)
	}
}

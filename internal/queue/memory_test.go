// Repostats - Usage Statistics Pipeline for Digital Repositories
// Copyright 2026 Calyptra Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/calyptra/repostats

package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/calyptra/repostats/internal/event"
)

func TestMemoryDrain(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := q.Publish(ctx, "stats-test", event.Event{"n": i}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	deliveries, err := q.Consume(ctx, "stats-test")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	var got int
	for d := range deliveries {
		d.Ack()
		got++
	}
	if got != 3 {
		t.Errorf("drained %d events, want 3", got)
	}
	if q.Pending("stats-test") != 0 {
		t.Errorf("pending = %d, want 0", q.Pending("stats-test"))
	}
}

func TestMemoryConsumeSnapshotsBacklog(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	if err := q.Publish(ctx, "t", event.Event{"n": 1}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	deliveries, err := q.Consume(ctx, "t")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	// Published after the snapshot: belongs to the next drain.
	if err := q.Publish(ctx, "t", event.Event{"n": 2}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	var got int
	for range deliveries {
		got++
	}
	if got != 1 {
		t.Errorf("first drain = %d events, want 1", got)
	}
	if q.Pending("t") != 1 {
		t.Errorf("pending = %d, want 1", q.Pending("t"))
	}
}

func TestMemoryCancelRequeuesRemainder(t *testing.T) {
	q := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())

	for i := 0; i < 5; i++ {
		if err := q.Publish(context.Background(), "t", event.Event{"n": i}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	deliveries, err := q.Consume(ctx, "t")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}

	// Take two, then abandon the drain without reading further.
	<-deliveries
	<-deliveries
	cancel()

	// The sender is blocked on the third event and requeues it together
	// with the rest once it observes cancellation.
	deadline := time.After(time.Second)
	for q.Pending("t") != 3 {
		select {
		case <-deadline:
			t.Fatalf("pending = %d, want 3", q.Pending("t"))
		case <-time.After(time.Millisecond):
		}
	}
}

func TestMemoryTopicsIndependent(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	_ = q.Publish(ctx, "a", event.Event{})
	_ = q.Publish(ctx, "b", event.Event{})

	deliveries, _ := q.Consume(ctx, "a")
	var got int
	for range deliveries {
		got++
	}
	if got != 1 {
		t.Errorf("topic a drained %d, want 1", got)
	}
	if q.Pending("b") != 1 {
		t.Errorf("topic b pending = %d, want 1", q.Pending("b"))
	}
}

func TestMemoryClosed(t *testing.T) {
	q := NewMemory()
	_ = q.Close()

	if err := q.Publish(context.Background(), "t", event.Event{}); !errors.Is(err, ErrClosed) {
		t.Errorf("publish after close: %v, want ErrClosed", err)
	}
	if _, err := q.Consume(context.Background(), "t"); !errors.Is(err, ErrClosed) {
		t.Errorf("consume after close: %v, want ErrClosed", err)
	}
}

func TestMemoryBoundedBacklog(t *testing.T) {
	q := NewMemoryWithBacklog(2)
	ctx := context.Background()

	_ = q.Publish(ctx, "t", event.Event{})
	_ = q.Publish(ctx, "t", event.Event{})
	if err := q.Publish(ctx, "t", event.Event{}); !errors.Is(err, ErrBacklogFull) {
		t.Errorf("publish past bound: %v, want ErrBacklogFull", err)
	}
	// Other topics keep their own bound.
	if err := q.Publish(ctx, "other", event.Event{}); err != nil {
		t.Errorf("publish to fresh topic: %v", err)
	}

	// Draining frees capacity.
	deliveries, _ := q.Consume(ctx, "t")
	for range deliveries {
	}
	if err := q.Publish(ctx, "t", event.Event{}); err != nil {
		t.Errorf("publish after drain: %v", err)
	}
}

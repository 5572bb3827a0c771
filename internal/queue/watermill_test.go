// Repostats - Usage Statistics Pipeline for Digital Repositories
// Copyright 2026 Calyptra Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/calyptra/repostats

package queue

import (
	"context"
	"testing"
	"time"

	"github.com/calyptra/repostats/internal/event"
)

func TestGoChannelRoundTrip(t *testing.T) {
	q := NewGoChannel(16, nil)
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deliveries, err := q.Consume(ctx, "stats-test")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}

	want := event.Event{"timestamp": "2024-03-15T10:00:00", "unique_id": "u1"}
	if err := q.Publish(ctx, "stats-test", want); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case d := <-deliveries:
		if d.Event.String(event.FieldUniqueID) != "u1" {
			t.Errorf("delivered event = %v", d.Event)
		}
		d.Ack()
	case <-time.After(2 * time.Second):
		t.Fatal("delivery timed out")
	}
}

func TestGoChannelConsumeEndsOnCancel(t *testing.T) {
	q := NewGoChannel(16, nil)
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	deliveries, err := q.Consume(ctx, "stats-test")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	cancel()

	select {
	case _, ok := <-deliveries:
		if ok {
			t.Error("expected closed channel after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not close after cancel")
	}
}

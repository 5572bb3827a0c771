// Repostats - Usage Statistics Pipeline for Digital Repositories
// Copyright 2026 Calyptra Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/calyptra/repostats

// Package queue carries raw events from the host application's signal
// receivers to the indexer. Two implementations ship: an embedded
// in-memory queue with drain semantics, and a Watermill-backed queue
// (gochannel or NATS JetStream) for deployments where events outlive
// the process.
package queue

import (
	"context"

	"github.com/calyptra/repostats/internal/event"
)

// Delivery is one raw event plus its acknowledgement. Ack must be called
// once the event has been durably handled (or deliberately dropped);
// with at-least-once transports an unacked delivery is redelivered.
type Delivery struct {
	Event event.Event
	Ack   func()
}

// Queue is the transport contract: one topic per event type.
type Queue interface {
	// Publish enqueues one event on the topic.
	Publish(ctx context.Context, topic string, e event.Event) error

	// Consume returns a delivery channel for the topic. The channel
	// closes when the context is cancelled, the queue is closed, or -
	// for drain-style queues - the backlog at call time is exhausted.
	Consume(ctx context.Context, topic string) (<-chan Delivery, error)

	// Close releases the transport.
	Close() error
}

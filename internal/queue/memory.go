// Repostats - Usage Statistics Pipeline for Digital Repositories
// Copyright 2026 Calyptra Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/calyptra/repostats

package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/calyptra/repostats/internal/event"
)

// ErrClosed is returned when publishing to a closed queue.
var ErrClosed = errors.New("queue closed")

// ErrBacklogFull is returned when a topic's backlog hit the bound.
var ErrBacklogFull = errors.New("queue backlog full")

// Memory is an in-process queue with drain semantics: Consume snapshots
// the backlog present at call time and closes the channel once it is
// delivered. That matches the periodic indexer model, where each run
// drains whatever has accumulated since the last one.
type Memory struct {
	mu     sync.Mutex
	topics map[string][]event.Event
	limit  int
	closed bool
}

// NewMemory creates an in-memory queue with an unbounded backlog.
func NewMemory() *Memory {
	return NewMemoryWithBacklog(0)
}

// NewMemoryWithBacklog bounds each topic's backlog to limit events;
// publishing beyond it fails with ErrBacklogFull, pushing backpressure
// onto producers instead of growing without bound. limit <= 0 means
// unbounded.
func NewMemoryWithBacklog(limit int) *Memory {
	return &Memory{topics: make(map[string][]event.Event), limit: limit}
}

// Publish implements Queue.
func (m *Memory) Publish(_ context.Context, topic string, e event.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.limit > 0 && len(m.topics[topic]) >= m.limit {
		return fmt.Errorf("topic %s: %w", topic, ErrBacklogFull)
	}
	m.topics[topic] = append(m.topics[topic], e)
	return nil
}

// Consume implements Queue. The returned channel yields the backlog
// captured at call time; events published afterwards wait for the next
// Consume.
func (m *Memory) Consume(ctx context.Context, topic string) (<-chan Delivery, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	backlog := m.topics[topic]
	m.topics[topic] = nil
	m.mu.Unlock()

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for i := 0; i < len(backlog); i++ {
			select {
			case out <- Delivery{Event: backlog[i], Ack: func() {}}:
			case <-ctx.Done():
				// Redeliver the rest on the next Consume.
				m.requeue(topic, backlog[i:])
				return
			}
		}
	}()
	return out, nil
}

func (m *Memory) requeue(topic string, rest []event.Event) {
	if len(rest) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.topics[topic] = append(rest, m.topics[topic]...)
}

// Pending reports the backlog size for a topic. Test helper.
func (m *Memory) Pending(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.topics[topic])
}

// Close implements Queue.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.topics = make(map[string][]event.Event)
	return nil
}

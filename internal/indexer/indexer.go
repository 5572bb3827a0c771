// Repostats - Usage Statistics Pipeline for Digital Repositories
// Copyright 2026 Calyptra Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/calyptra/repostats

// Package indexer drains raw events from a queue and persists them as
// deduplicated, anonymized documents in date-partitioned collections.
//
// Document ids are content-derived: the double-click-windowed timestamp
// plus a digest of the event's unique id and visitor id. Repeated
// submissions of a semantically identical event inside the window
// collide onto the same id and the overwrite wins, so concurrent
// indexers draining the same queue converge without coordination.
package indexer

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/calyptra/repostats/internal/event"
	"github.com/calyptra/repostats/internal/metrics"
	"github.com/calyptra/repostats/internal/queue"
	"github.com/calyptra/repostats/internal/storage"
)

// Defaults applied by New for zero config values.
const (
	DefaultPrefix            = "events"
	DefaultDoubleClickWindow = 10 * time.Second
	DefaultChunkSize         = 50
)

// Config configures one indexer.
type Config struct {
	// EventType names the event stream, e.g. "file-download".
	EventType string

	// Prefix is prepended to partition names. Default "events".
	Prefix string

	// DoubleClickWindow is the span within which identical events
	// collapse into one document. 0 disables windowing. Values below 0
	// are rejected by New.
	DoubleClickWindow time.Duration

	// WindowDisabled must be set to run with a zero window; it keeps an
	// unset config from silently losing deduplication.
	WindowDisabled bool

	// ChunkSize bounds the number of operations per bulk write.
	ChunkSize int
}

// Result reports one drain run.
type Result struct {
	// Indexed counts documents durably written.
	Indexed int
	// Dropped counts events vetoed by the preprocessing chain.
	Dropped int
	// Failed counts events that could not be indexed.
	Failed int
}

// Indexer persists one event type's stream.
type Indexer struct {
	store storage.Store
	chain []event.Processor
	cfg   Config
	log   zerolog.Logger
}

// New creates an Indexer. chain runs on every event before persistence;
// an empty chain stores events verbatim.
func New(store storage.Store, chain []event.Processor, cfg Config, log zerolog.Logger) (*Indexer, error) {
	if cfg.EventType == "" {
		return nil, fmt.Errorf("indexer: event type required")
	}
	if cfg.DoubleClickWindow < 0 {
		return nil, fmt.Errorf("indexer %s: negative double-click window", cfg.EventType)
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.DoubleClickWindow == 0 && !cfg.WindowDisabled {
		cfg.DoubleClickWindow = DefaultDoubleClickWindow
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	return &Indexer{
		store: store,
		chain: chain,
		cfg:   cfg,
		log:   log.With().Str("component", "indexer").Str("event_type", cfg.EventType).Logger(),
	}, nil
}

// Run drains deliveries until the channel closes or ctx is cancelled,
// writing surviving events in chunks. Item-level write failures are
// counted; a transport failure aborts the run and leaves the chunk's
// deliveries unacked for redelivery.
func (ix *Indexer) Run(ctx context.Context, deliveries <-chan queue.Delivery) (Result, error) {
	started := time.Now()
	var result Result

	ops := make([]storage.BulkOp, 0, ix.cfg.ChunkSize)
	acks := make([]func(), 0, ix.cfg.ChunkSize)

	flush := func() error {
		if len(ops) == 0 {
			return nil
		}
		bulk, err := ix.store.BulkUpsert(ops)
		if err != nil {
			return fmt.Errorf("bulk write %s events: %w", ix.cfg.EventType, err)
		}
		result.Indexed += bulk.Indexed
		result.Failed += bulk.Failed
		for _, itemErr := range bulk.Errors {
			ix.log.Warn().Err(itemErr.Err).
				Str("collection", itemErr.Collection).
				Str("doc_id", itemErr.ID).
				Msg("Event write rejected")
		}
		for _, ack := range acks {
			ack()
		}
		ops = ops[:0]
		acks = acks[:0]
		return nil
	}

	defer func() {
		metrics.ObserveIndexerRun(ix.cfg.EventType, result.Indexed, result.Dropped, result.Failed, time.Since(started))
	}()

	for {
		select {
		case <-ctx.Done():
			if err := flush(); err != nil {
				return result, err
			}
			return result, ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				err := flush()
				return result, err
			}
			op, outcome := ix.prepare(delivery.Event)
			switch outcome {
			case outcomeDropped:
				result.Dropped++
				delivery.Ack()
			case outcomeFailed:
				result.Failed++
				delivery.Ack()
			case outcomeIndex:
				ops = append(ops, op)
				acks = append(acks, delivery.Ack)
				if len(ops) >= ix.cfg.ChunkSize {
					if err := flush(); err != nil {
						return result, err
					}
				}
			}
		}
	}
}

type outcome int

const (
	outcomeIndex outcome = iota
	outcomeDropped
	outcomeFailed
)

// prepare runs the chain and maps one raw event to its bulk operation.
func (ix *Indexer) prepare(raw event.Event) (storage.BulkOp, outcome) {
	e := event.RunChain(raw, ix.chain)
	if e == nil {
		return storage.BulkOp{}, outcomeDropped
	}

	ts, err := e.Timestamp()
	if err != nil {
		// Not retryable: the payload itself is malformed.
		ix.log.Warn().Err(err).Msg("Dropping event with unparseable timestamp")
		return storage.BulkOp{}, outcomeFailed
	}

	// The stored timestamp keeps only whole seconds.
	ts = ts.Truncate(time.Second)
	e.SetTimestamp(ts)

	dedupTS := ts
	if w := ix.cfg.DoubleClickWindow; w > 0 {
		sec := ts.Unix()
		window := int64(w / time.Second)
		dedupTS = time.Unix(sec-sec%window, 0).UTC()
	}

	return storage.BulkOp{
		Collection: storage.DatePartition(ix.cfg.Prefix+"-"+ix.cfg.EventType, ts),
		ID:         DocumentID(dedupTS, e.String(event.FieldUniqueID), e.String(event.FieldVisitorID)),
		Doc:        storage.Document(e),
	}, outcomeIndex
}

// DocumentID derives the deterministic document id for an event: the
// (windowed) timestamp plus a SHA-1 over the unique id and visitor id.
func DocumentID(ts time.Time, uniqueID, visitorID string) string {
	sum := sha1.Sum([]byte(uniqueID + visitorID))
	return event.FormatTimestamp(ts) + "-" + hex.EncodeToString(sum[:])
}

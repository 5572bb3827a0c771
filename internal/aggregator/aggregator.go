// Repostats - Usage Statistics Pipeline for Digital Repositories
// Copyright 2026 Calyptra Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/calyptra/repostats

package aggregator

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/calyptra/repostats/internal/event"
	"github.com/calyptra/repostats/internal/metrics"
	"github.com/calyptra/repostats/internal/storage"
)

// BookmarkCollection holds one progress document per aggregation
// definition, keyed by definition name.
const BookmarkCollection = "stats-bookmarks"

// ErrWriteBack reports that aggregate write-back did not complete. The
// bookmark never advances past the last durably written day, so a retry
// resumes without losing data.
var ErrWriteBack = errors.New("aggregate write-back incomplete")

// Result reports one aggregation run.
type Result struct {
	// DocumentsWritten is the number of aggregate documents upserted.
	DocumentsWritten int
	// Bookmark is the progress timestamp after the run. Equal to the
	// prior bookmark when no events matched.
	Bookmark time.Time
}

// Aggregator folds event documents into daily aggregates. Runs for the
// same definition are serialized by a per-definition lock; distinct
// definitions aggregate in parallel.
type Aggregator struct {
	store storage.Store
	now   func() time.Time
	log   zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates an Aggregator. now may be nil for the wall clock; tests
// inject a fixed clock through it.
func New(store storage.Store, now func() time.Time, log zerolog.Logger) *Aggregator {
	if now == nil {
		now = time.Now
	}
	return &Aggregator{
		store: store,
		now:   now,
		log:   log.With().Str("component", "aggregator").Logger(),
		locks: make(map[string]*sync.Mutex),
	}
}

// group accumulates one (day, key) reduction.
type group struct {
	count          int
	sums           map[string]float64
	cardinalities  map[string]*cardinality
	representative event.Event
}

// Run aggregates everything indexed since the definition's bookmark, up
// to now minus the safety margin. Days are folded in chronological
// order; the bookmark only ever advances to timestamps whose aggregates
// were durably written.
func (a *Aggregator) Run(ctx context.Context, def Definition) (Result, error) {
	started := time.Now()
	def, err := def.normalize()
	if err != nil {
		return Result{}, err
	}

	lock := a.lockFor(def.Name)
	lock.Lock()
	defer lock.Unlock()

	var result Result
	defer func() {
		metrics.ObserveAggregationRun(def.Name, result.DocumentsWritten, time.Since(started), err)
	}()

	bookmark, err := a.readBookmark(def)
	if err != nil {
		return result, err
	}
	result.Bookmark = bookmark

	lower := def.Epoch
	if !bookmark.IsZero() {
		// Re-fold the bookmark's day in full. A day that was only
		// partially aggregated when the bookmark was written gets
		// recomputed from all of its events; replaying the already
		// folded ones regenerates identical documents.
		lower = bookmark.UTC().Truncate(24 * time.Hour)
	}
	upper := a.now().UTC().Add(-def.SafetyMargin)
	if !lower.IsZero() && !upper.After(lower) {
		return result, nil
	}

	days, maxSeen, err := a.collect(ctx, def, lower, upper)
	if err != nil {
		return result, err
	}
	if len(days) == 0 {
		return result, nil
	}

	dayKeys := make([]string, 0, len(days))
	for day := range days {
		dayKeys = append(dayKeys, day)
	}
	sort.Strings(dayKeys)

	durable := bookmark
	for _, day := range dayKeys {
		bucket := days[day]
		ops := a.buildOps(def, day, bucket.groups)
		bulk, bulkErr := a.store.BulkUpsert(ops)
		result.DocumentsWritten += bulk.Indexed
		if bulkErr != nil || bulk.Failed > 0 {
			// Stop advancing: everything from this day on gets
			// re-aggregated on the next run.
			if saveErr := a.writeBookmark(def, bookmark, durable); saveErr != nil {
				a.log.Error().Err(saveErr).Str("aggregation", def.Name).Msg("Bookmark save failed after write-back failure")
			}
			result.Bookmark = durable
			if bulkErr != nil {
				err = fmt.Errorf("%w: %s day %s: %v", ErrWriteBack, def.Name, day, bulkErr)
			} else {
				err = fmt.Errorf("%w: %s day %s: %d items rejected", ErrWriteBack, def.Name, day, bulk.Failed)
			}
			return result, err
		}
		if bucket.maxTimestamp.After(durable) {
			durable = bucket.maxTimestamp
		}
	}

	if maxSeen.After(durable) {
		durable = maxSeen
	}
	if err = a.writeBookmark(def, bookmark, durable); err != nil {
		return result, err
	}
	result.Bookmark = durable

	a.log.Info().
		Str("aggregation", def.Name).
		Int("documents", result.DocumentsWritten).
		Time("bookmark", durable).
		Msg("Aggregation run complete")
	return result, nil
}

// dayBucket is one UTC day's worth of groups.
type dayBucket struct {
	groups       map[string]*group
	maxTimestamp time.Time
}

// collect scans the event partitions and reduces into per-day groups.
func (a *Aggregator) collect(ctx context.Context, def Definition, lower, upper time.Time) (map[string]*dayBucket, time.Time, error) {
	days := make(map[string]*dayBucket)
	var maxSeen time.Time

	prefix := def.SourcePrefix + "-" + def.EventType + "-"
	err := a.store.Scan(prefix, lower, upper, func(_, _ string, doc storage.Document) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		e := event.Event(doc)
		ts, err := e.Timestamp()
		if err != nil {
			return nil // tolerate stray documents
		}
		key := e.String(def.Field)
		if key == "" {
			return nil
		}
		if ts.After(maxSeen) {
			maxSeen = ts
		}

		day := ts.UTC().Format("2006-01-02")
		bucket := days[day]
		if bucket == nil {
			bucket = &dayBucket{groups: make(map[string]*group)}
			days[day] = bucket
		}
		if ts.After(bucket.maxTimestamp) {
			bucket.maxTimestamp = ts
		}

		g := bucket.groups[key]
		if g == nil {
			g = &group{
				sums:           make(map[string]float64),
				cardinalities:  make(map[string]*cardinality),
				representative: e,
			}
			bucket.groups[key] = g
		}
		g.count++
		for name, m := range def.Metrics {
			switch m.Kind {
			case MetricSum:
				g.sums[name] += e.Float(m.Field)
			case MetricCardinality:
				c := g.cardinalities[name]
				if c == nil {
					c = newCardinality(m.PrecisionThreshold)
					g.cardinalities[name] = c
				}
				if v := e.String(m.Field); v != "" {
					c.Add(v)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("scan %s events: %w", def.EventType, err)
	}
	return days, maxSeen, nil
}

// buildOps renders one day's groups as bulk upserts. Ids are derived
// from (day, key), so re-aggregation overwrites rather than duplicates.
func (a *Aggregator) buildOps(def Definition, day string, groups map[string]*group) []storage.BulkOp {
	keys := make([]string, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	ops := make([]storage.BulkOp, 0, len(keys))
	for _, key := range keys {
		g := groups[key]
		doc := storage.Document{
			"timestamp":  day + "T00:00:00",
			def.Field:    key,
			"count":      g.count,
			"event_type": def.EventType,
		}
		for name, cf := range def.CopyFields {
			if cf.Compute != nil {
				doc[name] = cf.Compute(g.representative)
			} else if v, ok := g.representative[cf.Name]; ok {
				doc[name] = v
			}
		}
		for name, m := range def.Metrics {
			switch m.Kind {
			case MetricCount:
				doc[name] = g.count
			case MetricSum:
				doc[name] = g.sums[name]
			case MetricCardinality:
				var n uint64
				if c := g.cardinalities[name]; c != nil {
					n = c.Count()
				}
				doc[name] = n
			}
		}
		ops = append(ops, storage.BulkOp{
			Collection: def.Target,
			ID:         AggregateID(day, key),
			Doc:        doc,
		})
	}
	return ops
}

// AggregateID derives the deterministic id of a (day, key) aggregate.
func AggregateID(day, key string) string {
	sum := sha1.Sum([]byte(key))
	return day + "-" + hex.EncodeToString(sum[:])
}

func (a *Aggregator) lockFor(name string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	lock := a.locks[name]
	if lock == nil {
		lock = &sync.Mutex{}
		a.locks[name] = lock
	}
	return lock
}

func (a *Aggregator) readBookmark(def Definition) (time.Time, error) {
	doc, err := a.store.Get(BookmarkCollection, def.Name)
	if errors.Is(err, storage.ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read bookmark %s: %w", def.Name, err)
	}
	raw, _ := doc["timestamp"].(string)
	ts, err := event.ParseTimestamp(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("bookmark %s: %w", def.Name, err)
	}
	return ts, nil
}

// writeBookmark persists the new bookmark when it advanced.
func (a *Aggregator) writeBookmark(def Definition, previous, next time.Time) error {
	if !next.After(previous) {
		return nil
	}
	doc := storage.Document{
		"aggregation": def.Name,
		"timestamp":   event.FormatTimestamp(next),
	}
	if err := a.store.Put(BookmarkCollection, def.Name, doc); err != nil {
		return fmt.Errorf("write bookmark %s: %w", def.Name, err)
	}
	return nil
}

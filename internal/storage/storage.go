// Repostats - Usage Statistics Pipeline for Digital Repositories
// Copyright 2026 Calyptra Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/calyptra/repostats

// Package storage defines the document store the statistics core is
// written against: named collections of JSON documents with bulk
// upsert-by-id, point reads and time-filtered scans. The core never
// depends on a concrete engine; the Badger implementation in this
// package is the embedded default.
package storage

import (
	"errors"
	"time"
)

// Document is one stored JSON document.
type Document map[string]any

// ErrNotFound reports a missing document.
var ErrNotFound = errors.New("document not found")

// ErrUnavailable reports that the store cannot be reached or is closed.
// Callers may treat it as "no data" or propagate it.
var ErrUnavailable = errors.New("store unavailable")

// BulkOp is one upsert in a bulk write. Writes have overwrite semantics:
// a repeated id replaces the prior content.
type BulkOp struct {
	Collection string
	ID         string
	Doc        Document
}

// ItemError records one failed item of a bulk write.
type ItemError struct {
	Collection string
	ID         string
	Err        error
}

// BulkResult reports per-item outcomes of a bulk write. Item failures do
// not abort the batch; only transport failures surface as an error from
// BulkUpsert itself.
type BulkResult struct {
	Indexed int
	Failed  int
	Errors  []ItemError
}

// ScanFunc receives one document during a scan. Returning an error stops
// the scan and propagates.
type ScanFunc func(collection, id string, doc Document) error

// Store is the document store contract consumed by the indexer,
// aggregator and query executor.
type Store interface {
	// BulkUpsert writes all ops, overwriting existing ids.
	BulkUpsert(ops []BulkOp) (BulkResult, error)

	// Get reads one document. Returns ErrNotFound when absent.
	Get(collection, id string) (Document, error)

	// Put upserts one document.
	Put(collection, id string, doc Document) error

	// Delete removes one document. Deleting a missing document is not
	// an error.
	Delete(collection, id string) error

	// Collections lists collection names with the given prefix, sorted.
	Collections(prefix string) ([]string, error)

	// Scan visits every document in collections matching prefix whose
	// timestamp field falls within [from, to]. A zero bound is open.
	// Collections carrying a -YYYY-MM-DD suffix are skipped entirely
	// when their day lies outside the bounds.
	Scan(prefix string, from, to time.Time, fn ScanFunc) error
}

// DatePartition names the date-partitioned collection for t, e.g.
// events-file-download-2024-01-31.
func DatePartition(prefix string, t time.Time) string {
	return prefix + "-" + t.UTC().Format("2006-01-02")
}

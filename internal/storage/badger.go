// Repostats - Usage Statistics Pipeline for Digital Repositories
// Copyright 2026 Calyptra Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/calyptra/repostats

package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

// Key layout: documents live under d:<collection>:<id>, with one
// c:<collection> marker per collection so listing collections does not
// require walking every document.
const (
	docKeyPrefix  = "d:"
	collKeyPrefix = "c:"
)

// BadgerStore implements Store on an embedded Badger database.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadger opens (or creates) a store at path. An empty path opens an
// in-memory store, used by tests and ephemeral deployments.
func OpenBadger(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// NewBadgerStore wraps an already open database. The caller keeps
// ownership of db's lifecycle.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

// DB exposes the underlying database for collaborators that share it
// (the daily salt provider).
func (s *BadgerStore) DB() *badger.DB {
	return s.db
}

// Close releases the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func docKey(collection, id string) []byte {
	return []byte(docKeyPrefix + collection + ":" + id)
}

// BulkUpsert implements Store. Item-level failures (empty keys,
// unencodable documents) are counted and reported; a failed underlying
// write is a transport failure and surfaces as ErrUnavailable.
func (s *BadgerStore) BulkUpsert(ops []BulkOp) (BulkResult, error) {
	var result BulkResult
	if len(ops) == 0 {
		return result, nil
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	collections := make(map[string]struct{})
	for _, op := range ops {
		if op.Collection == "" || op.ID == "" {
			result.Failed++
			result.Errors = append(result.Errors, ItemError{
				Collection: op.Collection,
				ID:         op.ID,
				Err:        errors.New("empty collection or id"),
			})
			continue
		}
		data, err := json.Marshal(op.Doc)
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, ItemError{
				Collection: op.Collection,
				ID:         op.ID,
				Err:        fmt.Errorf("marshal document: %w", err),
			})
			continue
		}
		if err := wb.Set(docKey(op.Collection, op.ID), data); err != nil {
			return result, s.transportErr(err)
		}
		collections[op.Collection] = struct{}{}
		result.Indexed++
	}

	for name := range collections {
		if err := wb.Set([]byte(collKeyPrefix+name), nil); err != nil {
			return result, s.transportErr(err)
		}
	}

	if err := wb.Flush(); err != nil {
		return BulkResult{Failed: len(ops)}, s.transportErr(err)
	}
	return result, nil
}

// Get implements Store.
func (s *BadgerStore) Get(collection, id string) (Document, error) {
	var doc Document
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(docKey(collection, id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &doc)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, s.transportErr(err)
	}
	return doc, nil
}

// Put implements Store.
func (s *BadgerStore) Put(collection, id string, doc Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(collKeyPrefix+collection), nil); err != nil {
			return err
		}
		return txn.Set(docKey(collection, id), data)
	})
	if err != nil {
		return s.transportErr(err)
	}
	return nil
}

// Delete implements Store.
func (s *BadgerStore) Delete(collection, id string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(docKey(collection, id))
	})
	if err != nil {
		return s.transportErr(err)
	}
	return nil
}

// Collections implements Store.
func (s *BadgerStore) Collections(prefix string) ([]string, error) {
	var names []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(collKeyPrefix + prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			names = append(names, strings.TrimPrefix(string(it.Item().Key()), collKeyPrefix))
		}
		return nil
	})
	if err != nil {
		return nil, s.transportErr(err)
	}
	return names, nil
}

// Scan implements Store. Badger iterates keys in lexicographic order, so
// within one collection documents arrive sorted by id; across the scan,
// date-suffixed collections arrive in day order.
func (s *BadgerStore) Scan(prefix string, from, to time.Time, fn ScanFunc) error {
	collections, err := s.Collections(prefix)
	if err != nil {
		return err
	}

	for _, collection := range collections {
		if skip, ok := partitionOutsideRange(collection, from, to); ok && skip {
			continue
		}
		err := s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			keyPrefix := docKeyPrefix + collection + ":"
			opts.Prefix = []byte(keyPrefix)
			it := txn.NewIterator(opts)
			defer it.Close()
			for it.Rewind(); it.Valid(); it.Next() {
				item := it.Item()
				id := strings.TrimPrefix(string(item.Key()), keyPrefix)
				var doc Document
				if err := item.Value(func(val []byte) error {
					return json.Unmarshal(val, &doc)
				}); err != nil {
					return fmt.Errorf("decode %s/%s: %w", collection, id, err)
				}
				if !inRange(doc, from, to) {
					continue
				}
				if err := fn(collection, id, doc); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// partitionOutsideRange inspects a trailing -YYYY-MM-DD suffix. The
// second return reports whether the collection is date-partitioned at
// all.
func partitionOutsideRange(collection string, from, to time.Time) (bool, bool) {
	if len(collection) < len("-2006-01-02") {
		return false, false
	}
	suffix := collection[len(collection)-len("2006-01-02"):]
	day, err := time.Parse("2006-01-02", suffix)
	if err != nil {
		return false, false
	}
	dayEnd := day.Add(24*time.Hour - time.Nanosecond)
	if !from.IsZero() && dayEnd.Before(from) {
		return true, true
	}
	if !to.IsZero() && day.After(to) {
		return true, true
	}
	return false, true
}

func inRange(doc Document, from, to time.Time) bool {
	if from.IsZero() && to.IsZero() {
		return true
	}
	raw, _ := doc["timestamp"].(string)
	if raw == "" {
		return false
	}
	ts, err := parseDocTimestamp(raw)
	if err != nil {
		return false
	}
	if !from.IsZero() && ts.Before(from) {
		return false
	}
	if !to.IsZero() && ts.After(to) {
		return false
	}
	return true
}

func parseDocTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02T15:04:05", time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("timestamp %q: unrecognized format", s)
}

// transportErr maps closed/corrupt database conditions onto
// ErrUnavailable so callers can distinguish "store down" from data
// errors.
func (s *BadgerStore) transportErr(err error) error {
	if errors.Is(err, badger.ErrDBClosed) || errors.Is(err, badger.ErrBlockedWrites) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

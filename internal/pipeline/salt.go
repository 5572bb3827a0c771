// Repostats - Usage Statistics Pipeline for Digital Repositories
// Copyright 2026 Calyptra Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/calyptra/repostats

package pipeline

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// SaltProvider supplies the anonymization salt for a given day. The same
// day must always yield the same salt so fingerprints stay deterministic
// within it; different days yield different salts so fingerprints cannot
// be correlated across them.
type SaltProvider interface {
	Salt(day time.Time) (string, error)
}

const saltKeyPrefix = "salt:"

// DailySalts stores one random salt per UTC day in Badger, expiring
// entries after the retention window. Concurrent lookups for a missing
// day race benignly: both generate, one write wins, and the loser's
// next read returns the winner's value, so the in-process cache is
// filled from the store, never the other way around.
type DailySalts struct {
	db  *badger.DB
	ttl time.Duration

	mu    sync.Mutex
	cache map[string]string
}

// NewDailySalts creates a Badger-backed provider. ttl bounds how long a
// day's salt is retained; 0 means 24h.
func NewDailySalts(db *badger.DB, ttl time.Duration) *DailySalts {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &DailySalts{db: db, ttl: ttl, cache: make(map[string]string)}
}

// Salt implements SaltProvider.
func (s *DailySalts) Salt(day time.Time) (string, error) {
	key := day.UTC().Format("2006-01-02")

	s.mu.Lock()
	if salt, ok := s.cache[key]; ok {
		s.mu.Unlock()
		return salt, nil
	}
	s.mu.Unlock()

	storeKey := []byte(saltKeyPrefix + key)

	var salt string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(storeKey)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			salt = string(val)
			return nil
		})
	})
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return "", fmt.Errorf("read salt for %s: %w", key, err)
	}

	if salt == "" {
		generated, err := generateSalt()
		if err != nil {
			return "", err
		}
		err = s.db.Update(func(txn *badger.Txn) error {
			// Re-check inside the transaction so a concurrent writer wins.
			if item, err := txn.Get(storeKey); err == nil {
				return item.Value(func(val []byte) error {
					salt = string(val)
					return nil
				})
			}
			salt = generated
			entry := badger.NewEntry(storeKey, []byte(generated)).WithTTL(s.ttl)
			return txn.SetEntry(entry)
		})
		if err != nil {
			return "", fmt.Errorf("store salt for %s: %w", key, err)
		}
	}

	s.mu.Lock()
	s.cache[key] = salt
	s.mu.Unlock()
	return salt, nil
}

func generateSalt() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

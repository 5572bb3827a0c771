// Repostats - Usage Statistics Pipeline for Digital Repositories
// Copyright 2026 Calyptra Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/calyptra/repostats

package pipeline

import (
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
)

func openTestDB(t *testing.T) *badger.DB {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestDailySaltsStablePerDay(t *testing.T) {
	db := openTestDB(t)
	salts := NewDailySalts(db, time.Hour)

	day := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	first, err := salts.Salt(day)
	if err != nil {
		t.Fatalf("salt: %v", err)
	}
	if first == "" {
		t.Fatal("empty salt")
	}

	// Same day, different time of day.
	second, err := salts.Salt(day.Add(13 * time.Hour))
	if err != nil {
		t.Fatalf("salt: %v", err)
	}
	if first != second {
		t.Errorf("salt changed within a day: %q vs %q", first, second)
	}
}

func TestDailySaltsDifferAcrossDays(t *testing.T) {
	db := openTestDB(t)
	salts := NewDailySalts(db, time.Hour)

	a, err := salts.Salt(time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("salt: %v", err)
	}
	b, err := salts.Salt(time.Date(2024, 3, 16, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("salt: %v", err)
	}
	if a == b {
		t.Error("distinct days produced the same salt")
	}
}

func TestDailySaltsSurvivesProviderRestart(t *testing.T) {
	db := openTestDB(t)
	day := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)

	first, err := NewDailySalts(db, time.Hour).Salt(day)
	if err != nil {
		t.Fatalf("salt: %v", err)
	}
	// A fresh provider over the same database must return the stored
	// salt, not generate a new one.
	second, err := NewDailySalts(db, time.Hour).Salt(day)
	if err != nil {
		t.Fatalf("salt: %v", err)
	}
	if first != second {
		t.Errorf("salt not persisted: %q vs %q", first, second)
	}
}

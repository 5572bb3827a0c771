// Repostats - Usage Statistics Pipeline for Digital Repositories
// Copyright 2026 Calyptra Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/calyptra/repostats

package pipeline

import (
	"testing"
	"time"

	"github.com/calyptra/repostats/internal/event"
	"github.com/calyptra/repostats/internal/geo"
)

func baseEvent() event.Event {
	return event.Event{
		"timestamp":  "2024-03-15T10:30:00",
		"ip_address": "192.0.2.10",
		"user_agent": "Mozilla/5.0",
		"user_id":    "user-7",
		"session_id": "sess-1",
		"bucket_id":  "bkt",
	}
}

func TestProcessRemovesPII(t *testing.T) {
	a := NewAnonymizer(geo.Static{"192.0.2.10": "NL"}, nil)
	e := a.Process(baseEvent())

	for _, field := range []string{
		event.FieldIPAddress, event.FieldUserID, event.FieldSessionID, event.FieldUserAgent,
	} {
		if _, present := e[field]; present {
			t.Errorf("field %s survived anonymization", field)
		}
	}
	if e.String(event.FieldCountry) != "NL" {
		t.Errorf("country = %q, want NL", e.String(event.FieldCountry))
	}
	if e.String(event.FieldVisitorID) == "" || e.String(event.FieldUniqueSessionID) == "" {
		t.Error("derived fingerprints missing")
	}
	// SHA-224 hex is 56 characters.
	if got := len(e.String(event.FieldVisitorID)); got != 56 {
		t.Errorf("visitor_id length = %d, want 56", got)
	}
}

func TestProcessUnknownCountryKeepsExplicitNil(t *testing.T) {
	a := NewAnonymizer(geo.Nop{}, nil)
	e := a.Process(baseEvent())
	v, present := e[event.FieldCountry]
	if !present {
		t.Fatal("country field absent; want explicit nil for unresolved lookups")
	}
	if v != nil {
		t.Errorf("country = %v, want nil", v)
	}
}

func TestProcessNoIPNoCountry(t *testing.T) {
	a := NewAnonymizer(geo.Static{"192.0.2.10": "NL"}, nil)
	e := baseEvent()
	delete(e, "ip_address")
	e = a.Process(e)
	if _, present := e[event.FieldCountry]; present {
		t.Error("country set without an ip to resolve")
	}
}

func TestVisitorIDDeterministicWithinHour(t *testing.T) {
	a := NewAnonymizer(geo.Nop{}, nil)

	first := a.Process(baseEvent())
	same := baseEvent()
	same["timestamp"] = "2024-03-15T10:59:59"
	second := a.Process(same)

	if first.String(event.FieldVisitorID) != second.String(event.FieldVisitorID) {
		t.Error("visitor_id differs for identical identity")
	}
	if first.String(event.FieldUniqueSessionID) != second.String(event.FieldUniqueSessionID) {
		t.Error("unique_session_id differs within the same hour slice")
	}
}

func TestUniqueSessionIDChangesAcrossHours(t *testing.T) {
	a := NewAnonymizer(geo.Nop{}, nil)

	first := a.Process(baseEvent())
	later := baseEvent()
	later["timestamp"] = "2024-03-15T11:00:00"
	second := a.Process(later)

	if first.String(event.FieldUniqueSessionID) == second.String(event.FieldUniqueSessionID) {
		t.Error("unique_session_id must rotate with the hour slice")
	}
	// The visitor hash for a known user does not include the timeslice.
	if first.String(event.FieldVisitorID) != second.String(event.FieldVisitorID) {
		t.Error("visitor_id for a known user must be hour-independent")
	}
}

func TestIdentityPriority(t *testing.T) {
	a := NewAnonymizer(geo.Nop{}, nil)

	withUser := a.Process(baseEvent())

	noUser := baseEvent()
	delete(noUser, "user_id")
	bySession := a.Process(noUser)

	noSession := baseEvent()
	delete(noSession, "user_id")
	delete(noSession, "session_id")
	byClient := a.Process(noSession)

	ids := map[string]bool{
		withUser.String(event.FieldVisitorID):  true,
		bySession.String(event.FieldVisitorID): true,
		byClient.String(event.FieldVisitorID):  true,
	}
	if len(ids) != 3 {
		t.Errorf("identity fallbacks collapsed: %d distinct visitor ids, want 3", len(ids))
	}
}

type fixedSalt string

func (s fixedSalt) Salt(time.Time) (string, error) { return string(s), nil }

func TestSaltChangesFingerprints(t *testing.T) {
	plain := NewAnonymizer(geo.Nop{}, nil).Process(baseEvent())
	salted := NewAnonymizer(geo.Nop{}, fixedSalt("pepper")).Process(baseEvent())

	if plain.String(event.FieldVisitorID) == salted.String(event.FieldVisitorID) {
		t.Error("salt had no effect on visitor_id")
	}

	again := NewAnonymizer(geo.Nop{}, fixedSalt("pepper")).Process(baseEvent())
	if salted.String(event.FieldVisitorID) != again.String(event.FieldVisitorID) {
		t.Error("same salt must reproduce the same visitor_id")
	}
}

// Repostats - Usage Statistics Pipeline for Digital Repositories
// Copyright 2026 Calyptra Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/calyptra/repostats

// Package pipeline provides the stock preprocessing steps that run on
// every event before indexing: robot/machine flagging and PII
// anonymization. Steps are plain event.Processor values so per-type
// chains can be assembled from configuration at startup.
package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/calyptra/repostats/internal/event"
	"github.com/calyptra/repostats/internal/geo"
)

// timesliceLayout buckets identity into hours: activity by the same
// identity within one hour counts as one user session.
const timesliceLayout = "2006010215"

// Anonymizer strips PII from events and replaces it with derived
// fingerprints. After Process the event carries country, visitor_id and
// unique_session_id; ip_address, user_id, session_id and user_agent are
// gone and are never persisted.
type Anonymizer struct {
	geo  geo.Resolver
	salt SaltProvider
}

// NewAnonymizer builds an Anonymizer. resolver must not be nil; salt may
// be nil to disable salting.
func NewAnonymizer(resolver geo.Resolver, salt SaltProvider) *Anonymizer {
	return &Anonymizer{geo: resolver, salt: salt}
}

// Processor adapts the Anonymizer to the preprocessing chain.
func (a *Anonymizer) Processor() event.Processor {
	return a.Process
}

// Process consumes the identity fields and writes the derived ones.
// Missing inputs degrade to weaker fingerprints; Process never drops an
// event and never fails.
func (a *Anonymizer) Process(e event.Event) event.Event {
	ip := e.String(event.FieldIPAddress)
	userID := e.String(event.FieldUserID)
	sessionID := e.String(event.FieldSessionID)
	userAgent := e.String(event.FieldUserAgent)
	delete(e, event.FieldIPAddress)
	delete(e, event.FieldUserID)
	delete(e, event.FieldSessionID)
	delete(e, event.FieldUserAgent)

	if ip != "" {
		if country := a.geo.Country(ip); country != "" {
			e[event.FieldCountry] = country
		} else {
			e[event.FieldCountry] = nil
		}
	}

	var timeslice string
	if ts, err := e.Timestamp(); err == nil {
		timeslice = ts.UTC().Format(timesliceLayout)
	}

	salt := a.daySalt(e)

	visitor := sha256.New224()
	visitor.Write([]byte(salt))
	switch {
	case userID != "":
		visitor.Write([]byte(userID))
	case sessionID != "":
		visitor.Write([]byte(sessionID))
	case ip != "" && userAgent != "":
		visitor.Write([]byte(ip + "|" + userAgent + "|" + timeslice))
	}
	e[event.FieldVisitorID] = hex.EncodeToString(visitor.Sum(nil))

	session := sha256.New224()
	session.Write([]byte(salt))
	switch {
	case userID != "":
		session.Write([]byte(userID + "|" + timeslice))
	case sessionID != "":
		session.Write([]byte(sessionID + "|" + timeslice))
	case ip != "" && userAgent != "":
		session.Write([]byte(ip + "|" + userAgent + "|" + timeslice))
	}
	e[event.FieldUniqueSessionID] = hex.EncodeToString(session.Sum(nil))

	return e
}

// daySalt fetches the anonymization salt for the event's day. Salting is
// optional; failures fall back to the unsalted digest rather than losing
// the event.
func (a *Anonymizer) daySalt(e event.Event) string {
	if a.salt == nil {
		return ""
	}
	ts, err := e.Timestamp()
	if err != nil {
		ts = time.Now().UTC()
	}
	salt, err := a.salt.Salt(ts)
	if err != nil {
		return ""
	}
	return salt
}

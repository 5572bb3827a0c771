// Repostats - Usage Statistics Pipeline for Digital Repositories
// Copyright 2026 Calyptra Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/calyptra/repostats

// Package geo resolves IP addresses to ISO country codes for event
// anonymization. Lookups are best effort: an unknown or unparseable
// address resolves to the empty string, never an error in the pipeline.
package geo

import (
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
)

// Resolver maps an IP address to an ISO 3166-1 alpha-2 country code.
// The empty string means unknown.
type Resolver interface {
	Country(ip string) string
}

// MaxMind resolves countries from a MaxMind GeoIP2/GeoLite2 database.
type MaxMind struct {
	reader *geoip2.Reader
}

// Open loads a MaxMind database file.
func Open(path string) (*MaxMind, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geoip database %s: %w", path, err)
	}
	return &MaxMind{reader: reader}, nil
}

// Country implements Resolver.
func (m *MaxMind) Country(ip string) string {
	addr := net.ParseIP(ip)
	if addr == nil {
		return ""
	}
	record, err := m.reader.Country(addr)
	if err != nil {
		return ""
	}
	return record.Country.IsoCode
}

// Close releases the underlying database.
func (m *MaxMind) Close() error {
	return m.reader.Close()
}

// Nop is a Resolver that never resolves. Used when no geo database is
// configured and in tests.
type Nop struct{}

// Country implements Resolver.
func (Nop) Country(string) string { return "" }

// Static resolves from a fixed table. Test helper.
type Static map[string]string

// Country implements Resolver.
func (s Static) Country(ip string) string { return s[ip] }

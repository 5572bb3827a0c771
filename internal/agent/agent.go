// Repostats - Usage Statistics Pipeline for Digital Repositories
// Copyright 2026 Calyptra Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/calyptra/repostats

// Package agent classifies user-agent strings as robot or machine
// traffic. Classification feeds the is_robot / is_machine event flags;
// it must never fail the pipeline, so unknown agents default to false.
package agent

import (
	"strings"
	"sync"

	"github.com/mileusna/useragent"
)

// Classifier reports whether a user-agent string belongs to automated
// traffic. A "robot" is a crawler or indexing bot; a "machine" is
// programmatic access such as an HTTP library or harvesting script
// (the COUNTER robots/machines distinction).
type Classifier interface {
	IsRobot(ua string) bool
	IsMachine(ua string) bool
}

// machinePatterns mark programmatic clients that are not crawlers.
var machinePatterns = []string{
	"curl",
	"wget",
	"libwww",
	"httpunit",
	"java/",
	"python-requests",
	"python-urllib",
	"go-http-client",
	"okhttp",
	"apache-httpclient",
	"ruby",
	"php/",
	"perl",
	"lwp::simple",
	"aiohttp",
}

// Detector is the default Classifier. Parse results are cached since
// the same agents repeat heavily within an indexing run.
type Detector struct {
	mu    sync.RWMutex
	cache map[string]verdict
}

type verdict struct {
	robot   bool
	machine bool
}

// NewDetector returns a ready Detector.
func NewDetector() *Detector {
	return &Detector{cache: make(map[string]verdict)}
}

// IsRobot reports whether ua is crawler traffic.
func (d *Detector) IsRobot(ua string) bool {
	return d.classify(ua).robot
}

// IsMachine reports whether ua is a programmatic client.
func (d *Detector) IsMachine(ua string) bool {
	return d.classify(ua).machine
}

func (d *Detector) classify(ua string) verdict {
	if ua == "" {
		return verdict{}
	}

	d.mu.RLock()
	v, ok := d.cache[ua]
	d.mu.RUnlock()
	if ok {
		return v
	}

	parsed := useragent.Parse(ua)
	v = verdict{robot: parsed.Bot}

	lower := strings.ToLower(ua)
	for _, pattern := range machinePatterns {
		if strings.Contains(lower, pattern) {
			v.machine = true
			break
		}
	}
	// Crawlers that announce themselves via a contact URL but are not in
	// the parser's bot list.
	if !v.robot && (strings.Contains(lower, "bot") || strings.Contains(lower, "crawler") || strings.Contains(lower, "spider")) {
		v.robot = true
	}

	d.mu.Lock()
	d.cache[ua] = v
	d.mu.Unlock()
	return v
}

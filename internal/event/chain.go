// Repostats - Usage Statistics Pipeline for Digital Repositories
// Copyright 2026 Calyptra Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/calyptra/repostats

package event

// Processor transforms an event in the preprocessing chain. Returning nil
// drops the event: the chain stops immediately and the event is never
// indexed. The nil return is a filtering decision, not an error.
type Processor func(Event) Event

// RunChain applies processors in order. The first nil return wins.
func RunChain(e Event, chain []Processor) Event {
	for _, p := range chain {
		e = p(e)
		if e == nil {
			return nil
		}
	}
	return e
}

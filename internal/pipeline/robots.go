// Repostats - Usage Statistics Pipeline for Digital Repositories
// Copyright 2026 Calyptra Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/calyptra/repostats

package pipeline

import (
	"github.com/calyptra/repostats/internal/agent"
	"github.com/calyptra/repostats/internal/event"
)

// FlagRobots returns a processor that sets is_robot from the event's
// user agent. Events without a user agent are flagged false.
func FlagRobots(classifier agent.Classifier) event.Processor {
	return func(e event.Event) event.Event {
		ua, present := e[event.FieldUserAgent]
		uaStr, _ := ua.(string)
		e[event.FieldIsRobot] = present && classifier.IsRobot(uaStr)
		return e
	}
}

// FlagMachines returns a processor that sets is_machine analogously.
func FlagMachines(classifier agent.Classifier) event.Processor {
	return func(e event.Event) event.Event {
		ua, present := e[event.FieldUserAgent]
		uaStr, _ := ua.(string)
		e[event.FieldIsMachine] = present && classifier.IsMachine(uaStr)
		return e
	}
}

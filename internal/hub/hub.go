// Package hub implements the explicit hub object from the spec's design
// notes: a small struct of callback functions passed by value to the
// Network Transport, Message Router and DCC engine, replacing cyclic
// back-references between those components. Grounded on ControlChannel's
// SetOnRotate/SetProgressProvider/SetStatsProvider callback-setter pattern
// (internal/agent/control_channel.go), generalized into one struct built
// once at wiring time instead of per-field setters.
package hub

import "github.com/edgeof8/pyrc-core/internal/state"

// Hub is the narrow set of callbacks components use to talk to the rest of
// the system without holding references to each other.
type Hub struct {
	// OnLine is invoked once per inbound wire line, before parsing.
	OnLine func(line string)
	// OnStateChange requests a ConnectionState transition; the Store's
	// validator decides whether it actually commits.
	OnStateChange func(newState state.ConnState, metadata map[string]any)
	// PublishEvent fans a named event out to the event bus.
	PublishEvent func(name string, payload any)
	// LogLine forwards already-formatted text to the channel/DCC logger.
	LogLine func(contextName, text string)
}

// Noop returns a Hub whose callbacks are safe no-ops, useful for tests that
// only exercise one component in isolation.
func Noop() Hub {
	return Hub{
		OnLine:        func(string) {},
		OnStateChange: func(state.ConnState, map[string]any) {},
		PublishEvent:  func(string, any) {},
		LogLine:       func(string, string) {},
	}
}

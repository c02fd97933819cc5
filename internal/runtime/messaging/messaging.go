// Package messaging carries the update protocol between the worker and the
// pages it controls: a single skipWaiting command from pages, and lifecycle
// signals back to them.
package messaging

import (
	"fmt"
	"strings"
)

// Command is a page to worker message. Commands carry no payload and expect
// no reply.
type Command string

// CommandSkipWaiting asks a waiting version to activate without waiting for
// the pages of the previous version to go away.
const CommandSkipWaiting Command = "skipWaiting"

// ParseCommand accepts the raw text a page sent.
func ParseCommand(raw string) (Command, error) {
	switch Command(strings.TrimSpace(raw)) {
	case CommandSkipWaiting:
		return CommandSkipWaiting, nil
	default:
		return "", fmt.Errorf("messaging: unknown command %q", raw)
	}
}

// SignalKind names a worker to page signal.
type SignalKind string

const (
	// SignalRegistered is sent once when a page connects.
	SignalRegistered SignalKind = "registered"
	// SignalUpdateFound is sent when a new version starts installing.
	SignalUpdateFound SignalKind = "updatefound"
	// SignalStateChange is sent whenever a version changes state.
	SignalStateChange SignalKind = "statechange"
	// SignalControllerChange is sent to a page whose controlling version changed.
	SignalControllerChange SignalKind = "controllerchange"
)

// Signal is a worker to page message. Registered carries Active and Waiting;
// the other kinds carry Version and, for statechange, State.
type Signal struct {
	Kind    SignalKind `json:"type"`
	Version string     `json:"version,omitempty"`
	State   string     `json:"state,omitempty"`
	Active  string     `json:"active,omitempty"`
	Waiting string     `json:"waiting,omitempty"`
}

// Package events provides the in-process event bus connecting the SMTP
// capture path to the rule engine and the surrounding application shell.
package events

import (
	"time"
)

// Type identifies the kind of event carried on the bus.
type Type string

const (
	// TypeMessageReceived is published after a message is persisted.
	TypeMessageReceived Type = "message_received"
	// TypeSettingsUpdated is published when the listener endpoint changes
	// and the server should rebind.
	TypeSettingsUpdated Type = "settings_updated"
	// TypeServerReady is published once the listener is bound and accepting.
	TypeServerReady Type = "server_ready"
	// TypeServerBindFailed is published when the listener cannot bind.
	TypeServerBindFailed Type = "server_bind_failed"
	// TypeRuleChanged is published when a rule property is mutated so the
	// rule set can be re-persisted.
	TypeRuleChanged Type = "rule_changed"
)

// Event is a single occurrence delivered to subscribers.
type Event struct {
	ID        string
	Type      Type
	Payload   any
	Timestamp time.Time
}

// Handler consumes events delivered by the bus.
type Handler func(Event)

// Package rules implements the rule engine: user-configured actions applied
// to each captured message (forward, relay, invoke process, notify) or on a
// timer (retention cleanup).
package rules

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type is the discriminator tag identifying a rule variant. The set is
// closed: every Type has exactly one data shape and one dispatcher.
type Type string

const (
	TypeRelay                       Type = "Relay"
	TypeForward                     Type = "Forward"
	TypeConditionalForward          Type = "ConditionalForward"
	TypeConditionalForwardWithRetry Type = "ConditionalForwardWithRetry"
	TypeInvokeProcess               Type = "InvokeProcess"
	TypeMailRetention               Type = "MailRetention"
	TypeSlackNotify                 Type = "SlackNotify"
)

// Rule is the common surface of every rule variant.
type Rule interface {
	ID() string
	Type() Type
	Enabled() bool
	// Description builds a human-readable summary from the rule's settable
	// properties.
	Description() string
}

// NewMessageRule marks rules dispatched once per captured message.
type NewMessageRule interface {
	Rule
	newMessageRule()
}

// PeriodicRule marks rules dispatched on the background timer.
type PeriodicRule interface {
	Rule
	periodicRule()
}

// ExecutionResult reports a dispatch outcome without throwing for expected
// failure modes.
type ExecutionResult struct {
	Success bool
	Message string
}

// Base carries the properties shared by every rule variant.
type Base struct {
	RuleID    string `json:"id"`
	IsEnabled bool   `json:"enabled"`
}

// NewBase creates an enabled base with a fresh id.
func NewBase() Base {
	return Base{RuleID: uuid.New().String(), IsEnabled: true}
}

// ID returns the rule's unique identifier.
func (b *Base) ID() string { return b.RuleID }

// Enabled reports whether the rule may be dispatched.
func (b *Base) Enabled() bool { return b.IsEnabled }

// SetEnabled flips the enabled flag. The caller is responsible for
// publishing a rule-changed event so the rule set gets re-persisted.
func (b *Base) SetEnabled(enabled bool) { b.IsEnabled = enabled }

// RelayRule forwards a captured message verbatim to another SMTP server,
// optionally injecting Bcc recipients and authenticating.
type RelayRule struct {
	Base
	SMTPServer   string `json:"smtp_server"`
	SMTPPort     int    `json:"smtp_port"`
	UseTLS       bool   `json:"use_tls"`
	Username     string `json:"username,omitempty"`
	Password     string `json:"password,omitempty"`
	BccAddresses string `json:"bcc_addresses,omitempty"`
}

// Type returns the variant tag.
func (r *RelayRule) Type() Type { return TypeRelay }

// Description builds a human-readable summary.
func (r *RelayRule) Description() string {
	return fmt.Sprintf("Relay to %s:%d (TLS: %v)", r.SMTPServer, r.SMTPPort, r.UseTLS)
}

func (r *RelayRule) newMessageRule() {}

// ForwardRule relays with rewritten From/To addresses.
type ForwardRule struct {
	RelayRule
	FromAddress string `json:"from_address"`
	ToAddress   string `json:"to_address"`
}

// Type returns the variant tag.
func (r *ForwardRule) Type() Type { return TypeForward }

// Description builds a human-readable summary.
func (r *ForwardRule) Description() string {
	return fmt.Sprintf("Forward to %s via %s:%d", r.ToAddress, r.SMTPServer, r.SMTPPort)
}

// ConditionalForwardRule forwards only when the message matches its regex
// predicates over headers and/or body.
type ConditionalForwardRule struct {
	ForwardRule
	HeaderMatch string `json:"header_match,omitempty"`
	BodyMatch   string `json:"body_match,omitempty"`
}

// Type returns the variant tag.
func (r *ConditionalForwardRule) Type() Type { return TypeConditionalForward }

// Description builds a human-readable summary.
func (r *ConditionalForwardRule) Description() string {
	var conds []string
	if r.HeaderMatch != "" {
		conds = append(conds, "headers ~ "+r.HeaderMatch)
	}
	if r.BodyMatch != "" {
		conds = append(conds, "body ~ "+r.BodyMatch)
	}
	if len(conds) == 0 {
		return r.ForwardRule.Description()
	}
	return fmt.Sprintf("Forward to %s via %s:%d when %s",
		r.ToAddress, r.SMTPServer, r.SMTPPort, strings.Join(conds, " and "))
}

// ConditionalForwardWithRetryRule adds a fixed-delay retry policy to
// conditional forwarding.
type ConditionalForwardWithRetryRule struct {
	ConditionalForwardRule
	RetryAttempts     int `json:"retry_attempts"`
	RetryDelaySeconds int `json:"retry_delay_seconds"`
}

// Type returns the variant tag.
func (r *ConditionalForwardWithRetryRule) Type() Type { return TypeConditionalForwardWithRetry }

// Description builds a human-readable summary.
func (r *ConditionalForwardWithRetryRule) Description() string {
	return fmt.Sprintf("%s, retrying %d times every %ds",
		r.ConditionalForwardRule.Description(), r.RetryAttempts, r.RetryDelaySeconds)
}

// RetryDelay returns the configured pause between attempts.
func (r *ConditionalForwardWithRetryRule) RetryDelay() time.Duration {
	return time.Duration(r.RetryDelaySeconds) * time.Second
}

// InvokeProcessRule runs an external executable for each captured message.
// In the argument template, %e is substituted with the message's file path.
type InvokeProcessRule struct {
	Base
	ProcessToRun     string `json:"process_to_run"`
	ArgumentTemplate string `json:"argument_template,omitempty"`
}

// Type returns the variant tag.
func (r *InvokeProcessRule) Type() Type { return TypeInvokeProcess }

// Description builds a human-readable summary.
func (r *InvokeProcessRule) Description() string {
	return fmt.Sprintf("Run %s %s", r.ProcessToRun, r.ArgumentTemplate)
}

func (r *InvokeProcessRule) newMessageRule() {}

// MailRetentionRule deletes persisted messages older than N days. It is a
// periodic rule and never fires per message.
type MailRetentionRule struct {
	Base
	MailRetentionDays int `json:"mail_retention_days"`
}

// Type returns the variant tag.
func (r *MailRetentionRule) Type() Type { return TypeMailRetention }

// Description builds a human-readable summary.
func (r *MailRetentionRule) Description() string {
	return fmt.Sprintf("Delete messages older than %d days", r.MailRetentionDays)
}

func (r *MailRetentionRule) periodicRule() {}

// SlackNotifyRule posts a short notification to a Slack channel for each
// captured message.
type SlackNotifyRule struct {
	Base
	Token   string `json:"token"`
	Channel string `json:"channel"`
}

// Type returns the variant tag.
func (r *SlackNotifyRule) Type() Type { return TypeSlackNotify }

// Description builds a human-readable summary.
func (r *SlackNotifyRule) Description() string {
	return fmt.Sprintf("Notify Slack channel %s", r.Channel)
}

func (r *SlackNotifyRule) newMessageRule() {}

// splitAddresses splits an address list on ',', '|' or ';', trimming
// whitespace and dropping empties.
func splitAddresses(list string) []string {
	fields := strings.FieldsFunc(list, func(r rune) bool {
		return r == ',' || r == '|' || r == ';'
	})
	var out []string
	for _, f := range fields {
		if trimmed := strings.TrimSpace(f); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

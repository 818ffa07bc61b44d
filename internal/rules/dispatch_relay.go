package rules

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strconv"

	"github.com/alexisbouchez/smtp.go"
	"github.com/alexisbouchez/smtp.go/smtpclient"

	"github.com/mailbarrel/mailbarrel/internal/parser"
	"github.com/mailbarrel/mailbarrel/internal/store"
)

// RelaySender opens an outbound SMTP connection and submits one message.
// Abstracted so retry and isolation behavior can be tested without a live
// relay.
type RelaySender interface {
	Send(ctx context.Context, rule *RelayRule, from string, to []string, raw []byte) error
}

// smtpRelaySender is the production RelaySender.
type smtpRelaySender struct{}

// Send dials the configured relay (implicit TLS when requested),
// authenticates if credentials are set, and submits the message.
func (smtpRelaySender) Send(ctx context.Context, rule *RelayRule, from string, to []string, raw []byte) error {
	addr := net.JoinHostPort(rule.SMTPServer, strconv.Itoa(rule.SMTPPort))

	var client *smtpclient.Client
	var err error
	if rule.UseTLS {
		var conn net.Conn
		dialer := &tls.Dialer{Config: &tls.Config{ServerName: rule.SMTPServer}}
		conn, err = dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return fmt.Errorf("relay dial %s: %w", addr, err)
		}
		client, err = smtpclient.NewClient(conn, "mailbarrel")
		if err != nil {
			conn.Close()
			return fmt.Errorf("relay greeting %s: %w", addr, err)
		}
	} else {
		client, err = smtpclient.Dial(ctx, addr, smtpclient.WithLocalName("mailbarrel"))
		if err != nil {
			return fmt.Errorf("relay dial %s: %w", addr, err)
		}
	}
	defer client.Close()

	if rule.Username != "" {
		if err := client.Auth(ctx, smtp.PlainAuth("", rule.Username, rule.Password)); err != nil {
			return fmt.Errorf("relay auth %s: %w", addr, err)
		}
	}

	if err := client.SendMail(ctx, from, to, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("relay send %s: %w", addr, err)
	}
	return nil
}

// RelayDispatch executes the relay/forward family of rules: Relay, Forward
// and ConditionalForward. The concrete behavior is driven by the rule's
// variant: address rewriting for forwards, regex predicates for
// conditionals.
type RelayDispatch struct {
	loader MessageLoader
	parser *parser.MessageParser
	sender RelaySender
	logger *slog.Logger
}

// NewRelayDispatch creates the dispatcher with the production sender.
func NewRelayDispatch(loader MessageLoader, logger *slog.Logger) *RelayDispatch {
	if logger == nil {
		logger = slog.Default()
	}
	return &RelayDispatch{
		loader: loader,
		parser: parser.NewMessageParser(),
		sender: smtpRelaySender{},
		logger: logger,
	}
}

// WithSender substitutes the outbound sender; used by tests.
func (d *RelayDispatch) WithSender(sender RelaySender) *RelayDispatch {
	clone := *d
	clone.sender = sender
	return &clone
}

// DispatchAsync loads the message, evaluates the rule's predicate, applies
// address rewrites and relays the message.
func (d *RelayDispatch) DispatchAsync(ctx context.Context, rule Rule, entry *store.MessageEntry) error {
	if entry == nil {
		return fmt.Errorf("relay dispatch requires a message entry")
	}

	relay, forward, conditional := relayParts(rule)
	if relay == nil {
		return fmt.Errorf("rule %s is not a relay-family rule", rule.ID())
	}

	raw, err := d.loader.ReadMessage(*entry)
	if err != nil {
		return fmt.Errorf("load message for rule %s: %w", rule.ID(), err)
	}
	parsed := d.parser.SafeParse(raw)

	if conditional != nil {
		matched, err := matchesConditions(conditional, parsed)
		if err != nil {
			// Predicates are user-edited data; a bad regex skips the rule.
			d.logger.Warn("skipping rule with invalid predicate",
				slog.String("rule_id", rule.ID()),
				slog.String("error", err.Error()),
			)
			return nil
		}
		if !matched {
			d.logger.Debug("message did not match rule predicate",
				slog.String("rule_id", rule.ID()),
				slog.String("message", entry.Name()),
			)
			return nil
		}
	}

	from := parsed.From
	to := []string{parsed.To}
	if forward != nil {
		if forward.FromAddress != "" {
			from = forward.FromAddress
		}
		if forward.ToAddress != "" {
			to = splitAddresses(forward.ToAddress)
		}
	}
	to = append(to, splitAddresses(relay.BccAddresses)...)

	if from == "" || len(to) == 0 || to[0] == "" {
		d.logger.Warn("skipping relay with unresolvable envelope",
			slog.String("rule_id", rule.ID()),
			slog.String("message", entry.Name()),
		)
		return nil
	}

	if err := d.sender.Send(ctx, relay, from, to, raw); err != nil {
		return fmt.Errorf("rule %s: %w", rule.ID(), err)
	}

	d.logger.Info("message relayed",
		slog.String("rule_id", rule.ID()),
		slog.String("message", entry.Name()),
		slog.String("relay", relay.SMTPServer),
	)
	return nil
}

// relayParts extracts the relay, forward and conditional facets of a
// relay-family rule.
func relayParts(rule Rule) (*RelayRule, *ForwardRule, *ConditionalForwardRule) {
	switch r := rule.(type) {
	case *RelayRule:
		return r, nil, nil
	case *ForwardRule:
		return &r.RelayRule, r, nil
	case *ConditionalForwardRule:
		return &r.RelayRule, &r.ForwardRule, r
	case *ConditionalForwardWithRetryRule:
		return &r.RelayRule, &r.ForwardRule, &r.ConditionalForwardRule
	default:
		return nil, nil, nil
	}
}

// matchesConditions evaluates the regex predicates over headers and body.
// A rule with no predicates matches everything.
func matchesConditions(rule *ConditionalForwardRule, parsed *parser.ParsedMessage) (bool, error) {
	if rule.HeaderMatch != "" {
		re, err := regexp.Compile(rule.HeaderMatch)
		if err != nil {
			return false, fmt.Errorf("header predicate: %w", err)
		}
		if !matchesAnyHeader(re, parsed.Headers) {
			return false, nil
		}
	}

	if rule.BodyMatch != "" {
		re, err := regexp.Compile(rule.BodyMatch)
		if err != nil {
			return false, fmt.Errorf("body predicate: %w", err)
		}
		if !re.MatchString(parsed.BodyText) {
			return false, nil
		}
	}

	return true, nil
}

// matchesAnyHeader applies the predicate to each "Name: value" header line.
func matchesAnyHeader(re *regexp.Regexp, headers map[string]string) bool {
	for name, value := range headers {
		if re.MatchString(name + ": " + value) {
			return true
		}
	}
	return false
}

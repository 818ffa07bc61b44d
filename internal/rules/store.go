package rules

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/mailbarrel/mailbarrel/internal/events"
)

// envelope wraps one rule with its type discriminator for persistence.
type envelope struct {
	Type Type            `json:"type"`
	Rule json.RawMessage `json:"rule"`
}

// MarshalRules serializes a heterogeneous rule list, preserving each
// rule's type discriminator.
func MarshalRules(list []Rule) ([]byte, error) {
	envelopes := make([]envelope, 0, len(list))
	for _, r := range list {
		raw, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal rule %s: %w", r.ID(), err)
		}
		envelopes = append(envelopes, envelope{Type: r.Type(), Rule: raw})
	}
	return json.MarshalIndent(envelopes, "", "  ")
}

// UnmarshalRules deserializes a rule list. Entries with an unknown type tag
// are skipped and reported; user-edited rule files may be transiently wrong
// and must not take the whole set down.
func UnmarshalRules(data []byte) ([]Rule, []error) {
	var envelopes []envelope
	if err := json.Unmarshal(data, &envelopes); err != nil {
		return nil, []error{fmt.Errorf("failed to parse rule list: %w", err)}
	}

	var list []Rule
	var errs []error
	for i, env := range envelopes {
		rule, err := unmarshalRule(env)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %d: %w", i, err))
			continue
		}
		list = append(list, rule)
	}
	return list, errs
}

// unmarshalRule decodes one envelope into its concrete variant.
func unmarshalRule(env envelope) (Rule, error) {
	var rule Rule
	switch env.Type {
	case TypeRelay:
		rule = &RelayRule{}
	case TypeForward:
		rule = &ForwardRule{}
	case TypeConditionalForward:
		rule = &ConditionalForwardRule{}
	case TypeConditionalForwardWithRetry:
		rule = &ConditionalForwardWithRetryRule{}
	case TypeInvokeProcess:
		rule = &InvokeProcessRule{}
	case TypeMailRetention:
		rule = &MailRetentionRule{}
	case TypeSlackNotify:
		rule = &SlackNotifyRule{}
	default:
		return nil, fmt.Errorf("unsupported rule type %q", env.Type)
	}

	if err := json.Unmarshal(env.Rule, rule); err != nil {
		return nil, fmt.Errorf("failed to decode %s rule: %w", env.Type, err)
	}
	return rule, nil
}

// Store persists the rule set as a JSON file.
type Store struct {
	path   string
	logger *slog.Logger
}

// NewStore creates a rule store for the given file path.
func NewStore(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{path: path, logger: logger}
}

// LoadRules reads the rule set. A missing file means an empty set; a
// malformed entry is skipped with a warning.
func (s *Store) LoadRules() ([]Rule, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read rule file %s: %w", s.path, err)
	}

	list, errs := UnmarshalRules(data)
	for _, loadErr := range errs {
		s.logger.Warn("skipping unsupported rule", slog.String("error", loadErr.Error()))
	}
	if list == nil && len(errs) > 0 {
		return nil, errs[0]
	}
	return list, nil
}

// SaveRules writes the rule set atomically (write-then-rename).
func (s *Store) SaveRules(list []Rule) error {
	data, err := MarshalRules(list)
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write rule file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace rule file: %w", err)
	}
	return nil
}

// SyncOnChange subscribes a persistence-sync handler: every rule-changed
// event re-saves the current rule set. Returns the unsubscribe function.
func (s *Store) SyncOnChange(bus *events.Bus, current func() []Rule) func() {
	return bus.Subscribe(events.TypeRuleChanged, func(events.Event) {
		if err := s.SaveRules(current()); err != nil {
			s.logger.Warn("failed to persist rule set", slog.String("error", err.Error()))
		}
	})
}

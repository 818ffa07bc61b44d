package rules

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestRuleRoundTrip(t *testing.T) {
	relay := &RelayRule{Base: NewBase(), SMTPServer: "mail.example.com", SMTPPort: 587, UseTLS: true}
	forward := &ForwardRule{
		RelayRule:   RelayRule{Base: NewBase(), SMTPServer: "mail.example.com", SMTPPort: 25},
		FromAddress: "noreply@example.com",
		ToAddress:   "team@example.com",
	}
	conditional := &ConditionalForwardRule{
		ForwardRule: *forward,
		HeaderMatch: "Subject: .*urgent",
	}
	retry := &ConditionalForwardWithRetryRule{
		ConditionalForwardRule: *conditional,
		RetryAttempts:          3,
		RetryDelaySeconds:      30,
	}
	process := &InvokeProcessRule{Base: NewBase(), ProcessToRun: "/usr/local/bin/scan", ArgumentTemplate: "--file %e"}
	retention := &MailRetentionRule{Base: NewBase(), MailRetentionDays: 7}
	notify := &SlackNotifyRule{Base: NewBase(), Token: "xoxb-test", Channel: "#mail"}

	original := []Rule{relay, forward, conditional, retry, process, retention, notify}

	data, err := MarshalRules(original)
	if err != nil {
		t.Fatalf("MarshalRules failed: %v", err)
	}

	restored, errs := UnmarshalRules(data)
	if len(errs) != 0 {
		t.Fatalf("UnmarshalRules reported errors: %v", errs)
	}
	if len(restored) != len(original) {
		t.Fatalf("expected %d rules, got %d", len(original), len(restored))
	}

	for i, rule := range restored {
		if rule.Type() != original[i].Type() {
			t.Errorf("rule %d type = %s, want %s", i, rule.Type(), original[i].Type())
		}
		if rule.ID() != original[i].ID() {
			t.Errorf("rule %d id = %s, want %s", i, rule.ID(), original[i].ID())
		}
	}

	got := restored[3].(*ConditionalForwardWithRetryRule)
	if got.RetryAttempts != 3 || got.RetryDelaySeconds != 30 {
		t.Errorf("retry settings lost: %+v", got)
	}
	if got.HeaderMatch != "Subject: .*urgent" {
		t.Errorf("nested predicate lost: %q", got.HeaderMatch)
	}
	if got.SMTPServer != "mail.example.com" {
		t.Errorf("nested relay settings lost: %q", got.SMTPServer)
	}
}

func TestUnmarshalRulesSkipsUnknownTypes(t *testing.T) {
	known := &RelayRule{Base: NewBase(), SMTPServer: "mail.example.com", SMTPPort: 25}
	data, err := MarshalRules([]Rule{known})
	if err != nil {
		t.Fatalf("MarshalRules failed: %v", err)
	}

	var envelopes []envelope
	if err := json.Unmarshal(data, &envelopes); err != nil {
		t.Fatalf("failed to reparse envelopes: %v", err)
	}
	envelopes = append(envelopes, envelope{Type: "TeleportRule", Rule: json.RawMessage(`{"id":"x"}`)})
	data, err = json.Marshal(envelopes)
	if err != nil {
		t.Fatalf("failed to re-marshal envelopes: %v", err)
	}

	restored, errs := UnmarshalRules(data)
	if len(restored) != 1 {
		t.Fatalf("expected the known rule to survive, got %d rules", len(restored))
	}
	if len(errs) != 1 {
		t.Fatalf("expected 1 error for the unknown type, got %v", errs)
	}
	if restored[0].ID() != known.ID() {
		t.Errorf("surviving rule id = %s, want %s", restored[0].ID(), known.ID())
	}
}

func TestStoreLoadMissingFile(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "rules.json"), nil)

	list, err := s.LoadRules()
	if err != nil {
		t.Fatalf("missing file should not be an error: %v", err)
	}
	if list != nil {
		t.Errorf("expected empty set, got %v", list)
	}
}

func TestStoreSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	s := NewStore(path, nil)

	rule := &MailRetentionRule{Base: NewBase(), MailRetentionDays: 14}
	if err := s.SaveRules([]Rule{rule}); err != nil {
		t.Fatalf("SaveRules failed: %v", err)
	}

	// The temp file must not survive the rename.
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temporary file left behind after save")
	}

	list, err := s.LoadRules()
	if err != nil {
		t.Fatalf("LoadRules failed: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(list))
	}
	if got := list[0].(*MailRetentionRule); got.MailRetentionDays != 14 {
		t.Errorf("retention days = %d, want 14", got.MailRetentionDays)
	}
}

func TestDisabledFlagSurvivesPersistence(t *testing.T) {
	rule := &InvokeProcessRule{Base: NewBase(), ProcessToRun: "/bin/true"}
	rule.SetEnabled(false)

	data, err := MarshalRules([]Rule{rule})
	if err != nil {
		t.Fatalf("MarshalRules failed: %v", err)
	}
	restored, errs := UnmarshalRules(data)
	if len(errs) != 0 || len(restored) != 1 {
		t.Fatalf("round trip failed: %v", errs)
	}
	if restored[0].Enabled() {
		t.Error("disabled flag lost in round trip")
	}
}

package rules

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mailbarrel/mailbarrel/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSender records outbound submissions and optionally fails a number of
// leading attempts.
type fakeSender struct {
	mu        sync.Mutex
	sends     []sentMail
	failFirst int
}

type sentMail struct {
	from string
	to   []string
	raw  []byte
}

func (s *fakeSender) Send(ctx context.Context, rule *RelayRule, from string, to []string, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends = append(s.sends, sentMail{from: from, to: to, raw: raw})
	if len(s.sends) <= s.failFirst {
		return fmt.Errorf("connection refused")
	}
	return nil
}

func (s *fakeSender) sent() []sentMail {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sentMail, len(s.sends))
	copy(out, s.sends)
	return out
}

const sampleMessage = "From: Alice <alice@example.com>\r\n" +
	"To: bob@example.org\r\n" +
	"Subject: quarterly report\r\n" +
	"\r\n" +
	"The numbers are in.\r\n"

func repoWithMessage(t *testing.T, data string) (*fakeRepo, store.MessageEntry) {
	t.Helper()
	repo := newFakeRepo()
	entry := store.MessageEntry{Path: "/tmp/msg.eml", ModifiedAt: time.Now()}
	repo.add(entry, []byte(data))
	return repo, entry
}

func TestRelayDispatchSendsVerbatim(t *testing.T) {
	repo, entry := repoWithMessage(t, sampleMessage)
	sender := &fakeSender{}
	dispatch := NewRelayDispatch(repo, nil).WithSender(sender)

	rule := &RelayRule{Base: NewBase(), SMTPServer: "relay.example.com", SMTPPort: 25}
	if err := dispatch.DispatchAsync(context.Background(), rule, &entry); err != nil {
		t.Fatalf("DispatchAsync failed: %v", err)
	}

	sent := sender.sent()
	if len(sent) != 1 {
		t.Fatalf("expected 1 send, got %d", len(sent))
	}
	if sent[0].from != "alice@example.com" {
		t.Errorf("from = %q", sent[0].from)
	}
	if len(sent[0].to) != 1 || sent[0].to[0] != "bob@example.org" {
		t.Errorf("to = %v", sent[0].to)
	}
	if string(sent[0].raw) != sampleMessage {
		t.Errorf("relayed bytes were altered")
	}
}

func TestRelayDispatchAppendsBcc(t *testing.T) {
	repo, entry := repoWithMessage(t, sampleMessage)
	sender := &fakeSender{}
	dispatch := NewRelayDispatch(repo, nil).WithSender(sender)

	rule := &RelayRule{
		Base: NewBase(), SMTPServer: "relay.example.com", SMTPPort: 25,
		BccAddresses: "archive@example.com; audit@example.com",
	}
	if err := dispatch.DispatchAsync(context.Background(), rule, &entry); err != nil {
		t.Fatalf("DispatchAsync failed: %v", err)
	}

	sent := sender.sent()
	if len(sent[0].to) != 3 {
		t.Fatalf("to = %v, want original plus two bcc", sent[0].to)
	}
}

func TestForwardDispatchRewritesEnvelope(t *testing.T) {
	repo, entry := repoWithMessage(t, sampleMessage)
	sender := &fakeSender{}
	dispatch := NewRelayDispatch(repo, nil).WithSender(sender)

	rule := &ForwardRule{
		RelayRule:   RelayRule{Base: NewBase(), SMTPServer: "relay.example.com", SMTPPort: 25},
		FromAddress: "noreply@example.com",
		ToAddress:   "team@example.com, lead@example.com",
	}
	if err := dispatch.DispatchAsync(context.Background(), rule, &entry); err != nil {
		t.Fatalf("DispatchAsync failed: %v", err)
	}

	sent := sender.sent()
	if sent[0].from != "noreply@example.com" {
		t.Errorf("from = %q, want rewritten sender", sent[0].from)
	}
	if len(sent[0].to) != 2 || sent[0].to[0] != "team@example.com" || sent[0].to[1] != "lead@example.com" {
		t.Errorf("to = %v, want rewritten recipients", sent[0].to)
	}
}

func TestConditionalForwardPredicates(t *testing.T) {
	tests := []struct {
		name        string
		headerMatch string
		bodyMatch   string
		wantSent    bool
	}{
		{"header hit", `Subject: .*report`, "", true},
		{"header miss", `Subject: .*invoice`, "", false},
		{"body hit", "", "numbers", true},
		{"body miss", "", "absent text", false},
		{"both must hit", `Subject: .*report`, "numbers", true},
		{"one of two misses", `Subject: .*report`, "absent text", false},
		{"no predicates match everything", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, entry := repoWithMessage(t, sampleMessage)
			sender := &fakeSender{}
			dispatch := NewRelayDispatch(repo, nil).WithSender(sender)

			rule := &ConditionalForwardRule{
				ForwardRule: ForwardRule{
					RelayRule: RelayRule{Base: NewBase(), SMTPServer: "relay.example.com", SMTPPort: 25},
					ToAddress: "team@example.com",
				},
				HeaderMatch: tt.headerMatch,
				BodyMatch:   tt.bodyMatch,
			}
			if err := dispatch.DispatchAsync(context.Background(), rule, &entry); err != nil {
				t.Fatalf("DispatchAsync failed: %v", err)
			}

			sent := len(sender.sent()) == 1
			if sent != tt.wantSent {
				t.Errorf("sent = %v, want %v", sent, tt.wantSent)
			}
		})
	}
}

func TestConditionalForwardInvalidRegexSkips(t *testing.T) {
	repo, entry := repoWithMessage(t, sampleMessage)
	sender := &fakeSender{}
	dispatch := NewRelayDispatch(repo, nil).WithSender(sender)

	rule := &ConditionalForwardRule{
		ForwardRule: ForwardRule{
			RelayRule: RelayRule{Base: NewBase(), SMTPServer: "relay.example.com", SMTPPort: 25},
			ToAddress: "team@example.com",
		},
		HeaderMatch: `[unclosed`,
	}

	// A user-edited bad predicate skips the rule, it does not error.
	if err := dispatch.DispatchAsync(context.Background(), rule, &entry); err != nil {
		t.Fatalf("bad predicate should not error: %v", err)
	}
	if len(sender.sent()) != 0 {
		t.Error("bad predicate must not relay")
	}
}

func TestRetryDispatchExhaustsAttempts(t *testing.T) {
	repo, entry := repoWithMessage(t, sampleMessage)
	sender := &fakeSender{failFirst: 100}
	inner := NewRelayDispatch(repo, nil).WithSender(sender)

	var pauses []time.Duration
	dispatch := NewRetryDispatch(inner, nil)
	dispatch.sleep = func(ctx context.Context, d time.Duration) error {
		pauses = append(pauses, d)
		return nil
	}

	rule := &ConditionalForwardWithRetryRule{
		ConditionalForwardRule: ConditionalForwardRule{
			ForwardRule: ForwardRule{
				RelayRule: RelayRule{Base: NewBase(), SMTPServer: "relay.example.com", SMTPPort: 25},
				ToAddress: "team@example.com",
			},
		},
		RetryAttempts:     3,
		RetryDelaySeconds: 30,
	}

	err := dispatch.DispatchAsync(context.Background(), rule, &entry)
	if err == nil {
		t.Fatal("exhausted retries must surface an error")
	}
	if !strings.Contains(err.Error(), "3 attempts") {
		t.Errorf("error should name the attempt count: %v", err)
	}
	if len(sender.sent()) != 3 {
		t.Errorf("sends = %d, want 3", len(sender.sent()))
	}
	// Two pauses between three attempts, at the configured delay.
	if len(pauses) != 2 || pauses[0] != 30*time.Second {
		t.Errorf("pauses = %v", pauses)
	}
}

func TestRetryDispatchSucceedsMidway(t *testing.T) {
	repo, entry := repoWithMessage(t, sampleMessage)
	sender := &fakeSender{failFirst: 1}
	inner := NewRelayDispatch(repo, nil).WithSender(sender)

	dispatch := NewRetryDispatch(inner, nil)
	dispatch.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	rule := &ConditionalForwardWithRetryRule{
		ConditionalForwardRule: ConditionalForwardRule{
			ForwardRule: ForwardRule{
				RelayRule: RelayRule{Base: NewBase(), SMTPServer: "relay.example.com", SMTPPort: 25},
				ToAddress: "team@example.com",
			},
		},
		RetryAttempts:     5,
		RetryDelaySeconds: 1,
	}

	if err := dispatch.DispatchAsync(context.Background(), rule, &entry); err != nil {
		t.Fatalf("DispatchAsync failed: %v", err)
	}
	if len(sender.sent()) != 2 {
		t.Errorf("sends = %d, want 2 (one failure, one success)", len(sender.sent()))
	}
}

func TestRetentionDispatchDeletesOldMessages(t *testing.T) {
	repo := newFakeRepo()
	now := time.Now()
	ages := map[string]int{
		"one.eml":    1,
		"six.eml":    6,
		"eight.eml":  8,
		"thirty.eml": 30,
	}
	for name, days := range ages {
		repo.add(store.MessageEntry{
			Path:       "/tmp/" + name,
			ModifiedAt: now.Add(-time.Duration(days) * 24 * time.Hour),
		}, []byte("x"))
	}

	dispatch := NewMailRetentionDispatch(repo, discardLogger())
	dispatch.now = func() time.Time { return now }

	rule := &MailRetentionRule{Base: NewBase(), MailRetentionDays: 7}
	if err := dispatch.DispatchAsync(context.Background(), rule, nil); err != nil {
		t.Fatalf("DispatchAsync failed: %v", err)
	}

	deleted := repo.deletedNames()
	if len(deleted) != 2 {
		t.Fatalf("deleted = %v, want the 8 and 30 day messages", deleted)
	}
	for _, name := range deleted {
		if name != "eight.eml" && name != "thirty.eml" {
			t.Errorf("unexpected deletion %s", name)
		}
	}
}

func TestRetentionDispatchRefusesNonPositiveWindow(t *testing.T) {
	repo := newFakeRepo()
	repo.add(store.MessageEntry{Path: "/tmp/m.eml", ModifiedAt: time.Now().Add(-365 * 24 * time.Hour)}, []byte("x"))

	dispatch := NewMailRetentionDispatch(repo, discardLogger())

	for _, days := range []int{0, -5} {
		rule := &MailRetentionRule{Base: NewBase(), MailRetentionDays: days}
		if err := dispatch.DispatchAsync(context.Background(), rule, nil); err != nil {
			t.Fatalf("DispatchAsync failed: %v", err)
		}
	}
	if len(repo.deletedNames()) != 0 {
		t.Error("a non-positive window must delete nothing")
	}
}

func TestInvokeProcessBuildArguments(t *testing.T) {
	tests := []struct {
		name     string
		template string
		want     []string
	}{
		{"empty template defaults to path", "", []string{"/tmp/m.eml"}},
		{"substitution", "--file %e --quiet", []string{"--file", "/tmp/m.eml", "--quiet"}},
		{"repeated token", "%e %e", []string{"/tmp/m.eml", "/tmp/m.eml"}},
		{"no token", "--verbose", []string{"--verbose"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := buildArguments(tt.template, "/tmp/m.eml")
			if len(got) != len(tt.want) {
				t.Fatalf("args = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("arg %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestInvokeProcessDispatch(t *testing.T) {
	dispatch := NewInvokeProcessDispatch(discardLogger())
	entry := &store.MessageEntry{Path: "/tmp/m.eml"}

	ok := &InvokeProcessRule{Base: NewBase(), ProcessToRun: "true"}
	if err := dispatch.DispatchAsync(context.Background(), ok, entry); err != nil {
		t.Errorf("successful process should not error: %v", err)
	}

	failing := &InvokeProcessRule{Base: NewBase(), ProcessToRun: "false"}
	if err := dispatch.DispatchAsync(context.Background(), failing, entry); err == nil {
		t.Error("non-zero exit should error")
	}

	missing := &InvokeProcessRule{Base: NewBase(), ProcessToRun: "/no/such/binary"}
	if err := dispatch.DispatchAsync(context.Background(), missing, entry); err == nil {
		t.Error("missing binary should error")
	}

	empty := &InvokeProcessRule{Base: NewBase(), ProcessToRun: "  "}
	if err := dispatch.DispatchAsync(context.Background(), empty, entry); err != nil {
		t.Errorf("empty process setting is inert, not an error: %v", err)
	}
}

// fakePoster records Slack posts.
type fakePoster struct {
	posts []string
	err   error
}

func (p *fakePoster) Post(ctx context.Context, token, channel, text string) error {
	p.posts = append(p.posts, channel+": "+text)
	return p.err
}

func TestSlackNotifyDispatch(t *testing.T) {
	repo, entry := repoWithMessage(t, sampleMessage)
	poster := &fakePoster{}
	dispatch := NewSlackNotifyDispatch(repo, discardLogger()).WithPoster(poster)

	rule := &SlackNotifyRule{Base: NewBase(), Token: "xoxb-test", Channel: "#mail"}
	if err := dispatch.DispatchAsync(context.Background(), rule, &entry); err != nil {
		t.Fatalf("DispatchAsync failed: %v", err)
	}

	if len(poster.posts) != 1 {
		t.Fatalf("posts = %d, want 1", len(poster.posts))
	}
	if !strings.Contains(poster.posts[0], "alice@example.com") ||
		!strings.Contains(poster.posts[0], "quarterly report") {
		t.Errorf("post should carry sender and subject: %q", poster.posts[0])
	}
}

func TestSlackNotifyDispatchMissingSettings(t *testing.T) {
	repo, entry := repoWithMessage(t, sampleMessage)
	poster := &fakePoster{}
	dispatch := NewSlackNotifyDispatch(repo, discardLogger()).WithPoster(poster)

	rule := &SlackNotifyRule{Base: NewBase(), Channel: "#mail"}
	if err := dispatch.DispatchAsync(context.Background(), rule, &entry); err != nil {
		t.Fatalf("missing token is inert, not an error: %v", err)
	}
	if len(poster.posts) != 0 {
		t.Error("nothing should be posted without a token")
	}
}

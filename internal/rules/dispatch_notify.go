package rules

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lestrrat-go/slack"

	"github.com/mailbarrel/mailbarrel/internal/parser"
	"github.com/mailbarrel/mailbarrel/internal/store"
)

// SlackPoster posts one notification text to a channel. Abstracted so the
// dispatcher can be tested without the Slack API.
type SlackPoster interface {
	Post(ctx context.Context, token, channel, text string) error
}

// slackAPIPoster is the production SlackPoster.
type slackAPIPoster struct{}

func (slackAPIPoster) Post(ctx context.Context, token, channel, text string) error {
	cl := slack.New(token)
	_, err := cl.Chat().PostMessage(channel).Username("mailbarrel").Text(text).Do(ctx)
	return err
}

// SlackNotifyDispatch posts a short summary of each received message to a
// Slack channel.
type SlackNotifyDispatch struct {
	loader MessageLoader
	parser *parser.MessageParser
	poster SlackPoster
	logger *slog.Logger
}

// NewSlackNotifyDispatch creates the dispatcher with the production poster.
func NewSlackNotifyDispatch(loader MessageLoader, logger *slog.Logger) *SlackNotifyDispatch {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlackNotifyDispatch{
		loader: loader,
		parser: parser.NewMessageParser(),
		poster: slackAPIPoster{},
		logger: logger,
	}
}

// WithPoster substitutes the poster; used by tests.
func (d *SlackNotifyDispatch) WithPoster(poster SlackPoster) *SlackNotifyDispatch {
	clone := *d
	clone.poster = poster
	return &clone
}

// DispatchAsync posts "from / subject" for the received message. A rule
// without a token or channel is configured but inert: warn, no error.
func (d *SlackNotifyDispatch) DispatchAsync(ctx context.Context, rule Rule, entry *store.MessageEntry) error {
	notify, ok := rule.(*SlackNotifyRule)
	if !ok {
		return fmt.Errorf("rule %s is not a slack-notify rule", rule.ID())
	}
	if entry == nil {
		return fmt.Errorf("slack-notify dispatch requires a message entry")
	}

	if notify.Token == "" || notify.Channel == "" {
		d.logger.Warn("slack-notify rule is missing token or channel",
			slog.String("rule_id", rule.ID()),
		)
		return nil
	}

	text := fmt.Sprintf("New message `%s`", entry.Name())
	if raw, err := d.loader.ReadMessage(*entry); err == nil {
		parsed := d.parser.SafeParse(raw)
		if parsed.From != "" || parsed.Subject != "" {
			text = fmt.Sprintf("New message from `%s`: %s", parsed.From, parsed.Subject)
		}
	}

	if err := d.poster.Post(ctx, notify.Token, notify.Channel, text); err != nil {
		return fmt.Errorf("rule %s: slack post: %w", rule.ID(), err)
	}

	d.logger.Info("slack notification sent",
		slog.String("rule_id", rule.ID()),
		slog.String("channel", notify.Channel),
	)
	return nil
}

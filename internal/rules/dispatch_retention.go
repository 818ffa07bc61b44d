package rules

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mailbarrel/mailbarrel/internal/store"
)

// MailRetentionDispatch deletes persisted messages older than the rule's
// retention window. It runs on the periodic timer, never per message.
type MailRetentionDispatch struct {
	repo   MessageRepository
	logger *slog.Logger

	// now is swapped out in tests.
	now func() time.Time
}

// NewMailRetentionDispatch creates the dispatcher.
func NewMailRetentionDispatch(repo MessageRepository, logger *slog.Logger) *MailRetentionDispatch {
	if logger == nil {
		logger = slog.Default()
	}
	return &MailRetentionDispatch{
		repo:   repo,
		logger: logger,
		now:    time.Now,
	}
}

// DispatchAsync deletes every stored message whose modified time is older
// than now minus the retention window, continuing past per-file failures.
func (d *MailRetentionDispatch) DispatchAsync(ctx context.Context, rule Rule, entry *store.MessageEntry) error {
	retention, ok := rule.(*MailRetentionRule)
	if !ok {
		return fmt.Errorf("rule %s is not a retention rule", rule.ID())
	}

	// A non-positive window would delete everything; refuse it.
	if retention.MailRetentionDays <= 0 {
		d.logger.Warn("retention rule has a non-positive day count, skipping",
			slog.String("rule_id", rule.ID()),
			slog.Int("days", retention.MailRetentionDays),
		)
		return nil
	}

	cutoff := d.now().Add(-time.Duration(retention.MailRetentionDays) * 24 * time.Hour)

	messages, err := d.repo.LoadMessages()
	if err != nil {
		return fmt.Errorf("rule %s: load messages: %w", rule.ID(), err)
	}

	var deleted, failed int
	for _, msg := range messages {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !msg.ModifiedAt.Before(cutoff) {
			continue
		}
		if d.repo.DeleteMessage(msg) {
			deleted++
		} else {
			failed++
			d.logger.Warn("failed to delete expired message",
				slog.String("rule_id", rule.ID()),
				slog.String("message", msg.Name()),
			)
		}
	}

	if deleted > 0 || failed > 0 {
		d.logger.Info("retention sweep finished",
			slog.String("rule_id", rule.ID()),
			slog.Int("deleted", deleted),
			slog.Int("failed", failed),
			slog.Time("cutoff", cutoff),
		)
	}
	return nil
}

package rules

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mailbarrel/mailbarrel/internal/store"
)

// RetryDispatch wraps the relay dispatcher with a fixed-delay retry policy
// for ConditionalForwardWithRetry rules.
type RetryDispatch struct {
	inner  *RelayDispatch
	logger *slog.Logger

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetryDispatch creates the dispatcher.
func NewRetryDispatch(inner *RelayDispatch, logger *slog.Logger) *RetryDispatch {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryDispatch{
		inner:  inner,
		logger: logger,
		sleep:  sleepCtx,
	}
}

// DispatchAsync attempts the forward up to the rule's configured attempt
// count, pausing the fixed delay between attempts. After exhausting
// retries the final error propagates to the runner's catch-and-log
// boundary.
func (d *RetryDispatch) DispatchAsync(ctx context.Context, rule Rule, entry *store.MessageEntry) error {
	retry, ok := rule.(*ConditionalForwardWithRetryRule)
	if !ok {
		return fmt.Errorf("rule %s is not a retry rule", rule.ID())
	}

	attempts := retry.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = d.inner.DispatchAsync(ctx, rule, entry)
		if lastErr == nil {
			return nil
		}

		d.logger.Warn("forward attempt failed",
			slog.String("rule_id", rule.ID()),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
			slog.String("error", lastErr.Error()),
		)

		if attempt < attempts {
			if err := d.sleep(ctx, retry.RetryDelay()); err != nil {
				return err
			}
		}
	}

	return fmt.Errorf("rule %s exhausted %d attempts: %w", rule.ID(), attempts, lastErr)
}

// sleepCtx pauses for d or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

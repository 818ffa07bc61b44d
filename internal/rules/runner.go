package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mailbarrel/mailbarrel/internal/events"
	"github.com/mailbarrel/mailbarrel/internal/metrics"
	"github.com/mailbarrel/mailbarrel/internal/store"
	"github.com/mailbarrel/mailbarrel/internal/tasks"
)

// Runner owns the active rule set and drives dispatch: fan-out over the
// per-message rules when a message arrives, and the periodic rules on a
// timer. Every dispatch is isolated; one failing rule never suppresses
// its siblings.
type Runner struct {
	registry Registry
	tasks    *tasks.Runner
	logger   *slog.Logger

	// dispatchDelay gives the store write a moment to settle before rules
	// read the message back.
	dispatchDelay    time.Duration
	periodicInterval time.Duration

	mu    sync.RWMutex
	rules []Rule

	periodicOnce sync.Once
	periodicStop chan struct{}

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRunner creates a Runner over the given dispatcher registry and task
// queue.
func NewRunner(registry Registry, taskRunner *tasks.Runner, dispatchDelay, periodicInterval time.Duration, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		registry:         registry,
		tasks:            taskRunner,
		logger:           logger,
		dispatchDelay:    dispatchDelay,
		periodicInterval: periodicInterval,
		periodicStop:     make(chan struct{}),
		sleep:            sleepCtx,
	}
}

// SetRules replaces the active rule set.
func (r *Runner) SetRules(rules []Rule) {
	r.mu.Lock()
	r.rules = rules
	r.mu.Unlock()
}

// Rules returns a snapshot of the active rule set.
func (r *Runner) Rules() []Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snapshot := make([]Rule, len(r.rules))
	copy(snapshot, r.rules)
	return snapshot
}

// RunNewMessageRules dispatches every enabled per-message rule against the
// captured message, concurrently, and waits for all of them. Each dispatch
// has its own catch-and-log boundary; the collected results report per-rule
// outcomes without throwing.
func (r *Runner) RunNewMessageRules(ctx context.Context, entry *store.MessageEntry) []ExecutionResult {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var results []ExecutionResult

	for _, rule := range r.Rules() {
		if _, ok := rule.(NewMessageRule); !ok {
			continue
		}
		if !rule.Enabled() {
			continue
		}

		wg.Add(1)
		go func(rule Rule) {
			defer wg.Done()
			result := r.dispatchOne(ctx, rule, entry)
			mu.Lock()
			results = append(results, result)
			mu.Unlock()
		}(rule)
	}
	wg.Wait()
	return results
}

// RunPeriodicBackgroundRules queues one background task that fans out over
// every enabled periodic rule, concurrently, the same way the per-message
// path does. It returns as soon as the task is queued.
func (r *Runner) RunPeriodicBackgroundRules() {
	rules := r.Rules()
	r.tasks.Enqueue(func(ctx context.Context) {
		var wg sync.WaitGroup
		for _, rule := range rules {
			if _, ok := rule.(PeriodicRule); !ok {
				continue
			}
			if !rule.Enabled() {
				continue
			}

			wg.Add(1)
			go func(rule Rule) {
				defer wg.Done()
				r.dispatchOne(ctx, rule, nil)
			}(rule)
		}
		wg.Wait()
	})
}

// SubscribeToMessages wires the runner to the message-received event. The
// handler queues a background task so rule work never runs on the SMTP
// session goroutine. Returns the unsubscribe function.
func (r *Runner) SubscribeToMessages(bus *events.Bus) func() {
	return bus.Subscribe(events.TypeMessageReceived, func(event events.Event) {
		entry, ok := event.Payload.(store.MessageEntry)
		if !ok {
			r.logger.Error("message event carried unexpected payload",
				slog.String("event_id", event.ID),
			)
			return
		}
		r.tasks.Enqueue(func(ctx context.Context) {
			if err := r.sleep(ctx, r.dispatchDelay); err != nil {
				return
			}
			r.RunNewMessageRules(ctx, &entry)
		})
	})
}

// StartPeriodic launches the periodic timer goroutine. Calling it more
// than once is a no-op.
func (r *Runner) StartPeriodic() {
	if r.periodicInterval <= 0 {
		return
	}
	r.periodicOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(r.periodicInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					r.RunPeriodicBackgroundRules()
				case <-r.periodicStop:
					return
				}
			}
		}()
	})
}

// StopPeriodic stops the periodic timer. Safe to call without StartPeriodic.
func (r *Runner) StopPeriodic() {
	select {
	case <-r.periodicStop:
	default:
		close(r.periodicStop)
	}
}

// dispatchOne executes a single rule with panic containment, logging and
// metrics. Dispatch errors end here as a failed ExecutionResult; nothing
// above this rethrows them.
func (r *Runner) dispatchOne(ctx context.Context, rule Rule, entry *store.MessageEntry) (result ExecutionResult) {
	result = ExecutionResult{Success: true}
	outcome := "success"
	defer func() {
		if rec := recover(); rec != nil {
			outcome = "panic"
			result = ExecutionResult{Message: fmt.Sprintf("dispatch panicked: %v", rec)}
			r.logger.Error("rule dispatch panicked",
				slog.String("rule_id", rule.ID()),
				slog.String("rule_type", string(rule.Type())),
				slog.Any("panic", rec),
			)
		}
		metrics.RuleDispatchesTotal.WithLabelValues(string(rule.Type()), outcome).Inc()
	}()

	dispatcher, ok := r.registry[rule.Type()]
	if !ok {
		outcome = "unsupported"
		r.logger.Warn("no dispatcher for rule type",
			slog.String("rule_id", rule.ID()),
			slog.String("rule_type", string(rule.Type())),
		)
		return ExecutionResult{Message: "no dispatcher for rule type " + string(rule.Type())}
	}

	if err := dispatcher.DispatchAsync(ctx, rule, entry); err != nil {
		outcome = "failure"
		r.logger.Error("rule dispatch failed",
			slog.String("rule_id", rule.ID()),
			slog.String("rule_type", string(rule.Type())),
			slog.String("error", err.Error()),
		)
		return ExecutionResult{Message: err.Error()}
	}
	return result
}

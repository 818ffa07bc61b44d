// Package tasks provides the background task runner decoupling rule
// execution from the SMTP accept and read loops.
package tasks

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mailbarrel/mailbarrel/internal/metrics"
)

// Task is a unit of background work.
type Task func(ctx context.Context)

// defaultQueueSize bounds the pending task queue. Producers are rate-limited
// by mail arrival, so the bound is generous rather than tight.
const defaultQueueSize = 256

// Runner is a single-consumer FIFO work queue. Enqueue never blocks; the
// consumer runs queued tasks strictly in submission order, one at a time.
type Runner struct {
	queue  chan Task
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	done    chan struct{}
	cancel  context.CancelFunc
}

// NewRunner creates a Runner with the default queue capacity.
func NewRunner(logger *slog.Logger) *Runner {
	return NewRunnerWithCapacity(logger, defaultQueueSize)
}

// NewRunnerWithCapacity creates a Runner with an explicit queue capacity.
func NewRunnerWithCapacity(logger *slog.Logger, capacity int) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if capacity <= 0 {
		capacity = defaultQueueSize
	}
	return &Runner{
		queue:  make(chan Task, capacity),
		logger: logger,
	}
}

// Start launches the consumer goroutine. Starting a running Runner is a no-op.
func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	r.running = true

	go r.consume(ctx)
}

// Enqueue queues a task without blocking. When the queue is full the task
// is dropped and logged; losing a rule batch under that much backlog is
// preferable to stalling the protocol path.
func (r *Runner) Enqueue(task Task) bool {
	select {
	case r.queue <- task:
		metrics.TaskQueueDepth.Set(float64(len(r.queue)))
		return true
	default:
		metrics.TasksDropped.Inc()
		r.logger.Warn("task queue full, dropping task",
			slog.Int("capacity", cap(r.queue)),
		)
		return false
	}
}

// Stop cancels the consumer's context and waits up to grace for in-flight
// and queued work to drain. Stopping a stopped Runner is a no-op.
func (r *Runner) Stop(grace time.Duration) {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel := r.cancel
	done := r.done
	r.mu.Unlock()

	cancel()

	select {
	case <-done:
	case <-time.After(grace):
		r.logger.Warn("task runner drain timed out", slog.Duration("grace", grace))
	}
}

// QueueDepth returns the number of tasks waiting to run.
func (r *Runner) QueueDepth() int {
	return len(r.queue)
}

// consume drains the queue in submission order, one task at a time.
// After cancellation it finishes any already-queued work before exiting.
func (r *Runner) consume(ctx context.Context) {
	defer close(r.done)

	for {
		select {
		case task := <-r.queue:
			r.runOne(ctx, task)
			metrics.TaskQueueDepth.Set(float64(len(r.queue)))
		case <-ctx.Done():
			// Drain what is already queued, then exit.
			for {
				select {
				case task := <-r.queue:
					r.runOne(ctx, task)
				default:
					return
				}
			}
		}
	}
}

// runOne executes a single task, containing panics so a broken rule
// dispatcher cannot kill the consumer.
func (r *Runner) runOne(ctx context.Context, task Task) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("background task panicked", slog.Any("panic", rec))
		}
	}()
	task(ctx)
}

package rules

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/mailbarrel/mailbarrel/internal/store"
)

// InvokeProcessDispatch spawns the rule's configured executable, with %e in
// the argument template substituted by the message's file path.
type InvokeProcessDispatch struct {
	logger *slog.Logger
}

// NewInvokeProcessDispatch creates the dispatcher.
func NewInvokeProcessDispatch(logger *slog.Logger) *InvokeProcessDispatch {
	if logger == nil {
		logger = slog.Default()
	}
	return &InvokeProcessDispatch{logger: logger}
}

// DispatchAsync runs the process and waits for exit, capturing output.
// An empty process setting is a configured-but-inert rule: warn, no error.
func (d *InvokeProcessDispatch) DispatchAsync(ctx context.Context, rule Rule, entry *store.MessageEntry) error {
	proc, ok := rule.(*InvokeProcessRule)
	if !ok {
		return fmt.Errorf("rule %s is not an invoke-process rule", rule.ID())
	}
	if entry == nil {
		return fmt.Errorf("invoke-process dispatch requires a message entry")
	}

	if strings.TrimSpace(proc.ProcessToRun) == "" {
		d.logger.Warn("invoke-process rule has no process configured",
			slog.String("rule_id", rule.ID()),
		)
		return nil
	}

	args := buildArguments(proc.ArgumentTemplate, entry.Path)

	cmd := exec.CommandContext(ctx, proc.ProcessToRun, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		return fmt.Errorf("rule %s: process %s failed (exit %d): %s: %w",
			rule.ID(), proc.ProcessToRun, exitCode,
			strings.TrimSpace(stderr.String()), err)
	}

	d.logger.Info("process completed",
		slog.String("rule_id", rule.ID()),
		slog.String("process", proc.ProcessToRun),
		slog.String("stdout", strings.TrimSpace(stdout.String())),
	)
	return nil
}

// buildArguments splits the template on whitespace and substitutes %e with
// the message file path in each argument.
func buildArguments(template, messagePath string) []string {
	fields := strings.Fields(template)
	args := make([]string, 0, len(fields))
	for _, f := range fields {
		args = append(args, strings.ReplaceAll(f, "%e", messagePath))
	}
	if len(args) == 0 {
		args = append(args, messagePath)
	}
	return args
}

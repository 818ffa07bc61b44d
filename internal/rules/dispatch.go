package rules

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mailbarrel/mailbarrel/internal/store"
)

// Dispatcher executes one rule variant's side effect. entry is nil for
// periodic dispatches.
type Dispatcher interface {
	DispatchAsync(ctx context.Context, rule Rule, entry *store.MessageEntry) error
}

// MessageLoader loads a stored message's raw bytes.
type MessageLoader interface {
	ReadMessage(entry store.MessageEntry) ([]byte, error)
}

// MessageRepository enumerates and deletes stored messages.
type MessageRepository interface {
	LoadMessages() ([]store.MessageEntry, error)
	DeleteMessage(entry store.MessageEntry) bool
}

// Registry maps each rule type to its dispatcher. The pairing is built at
// startup, so a rule variant without a dispatcher is caught before any
// message arrives rather than at dispatch time.
type Registry map[Type]Dispatcher

// knownTypes is the closed set of rule variants.
var knownTypes = []Type{
	TypeRelay,
	TypeForward,
	TypeConditionalForward,
	TypeConditionalForwardWithRetry,
	TypeInvokeProcess,
	TypeMailRetention,
	TypeSlackNotify,
}

// NewRegistry builds the full dispatcher table.
func NewRegistry(loader MessageLoader, repo MessageRepository, logger *slog.Logger) (Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}

	relay := NewRelayDispatch(loader, logger)

	registry := Registry{
		TypeRelay:                       relay,
		TypeForward:                     relay,
		TypeConditionalForward:          relay,
		TypeConditionalForwardWithRetry: NewRetryDispatch(relay, logger),
		TypeInvokeProcess:               NewInvokeProcessDispatch(logger),
		TypeMailRetention:               NewMailRetentionDispatch(repo, logger),
		TypeSlackNotify:                 NewSlackNotifyDispatch(loader, logger),
	}

	return registry, registry.validate()
}

// validate ensures every known rule type has a dispatcher.
func (r Registry) validate() error {
	for _, typ := range knownTypes {
		if _, ok := r[typ]; !ok {
			return fmt.Errorf("no dispatcher registered for rule type %q", typ)
		}
	}
	return nil
}

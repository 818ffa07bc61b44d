package smtp

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/mailbarrel/mailbarrel/internal/events"
	"github.com/mailbarrel/mailbarrel/internal/metrics"
	"github.com/mailbarrel/mailbarrel/internal/parser"
	"github.com/mailbarrel/mailbarrel/internal/store"
)

// MessageStore is the persistence collaborator the handler writes through.
type MessageStore interface {
	SaveMessage(write func(w io.Writer) error) (store.MessageEntry, error)
}

// ReceiptRecorder records one audit row per accepted message.
type ReceiptRecorder interface {
	Record(ctx context.Context, id, sender string, recipients []string, sizeBytes int64, receivedAt time.Time) error
}

// MessageHandler is the received-data handler: it persists finished
// messages, records a receipt and publishes the new-message notification.
// Store failures are logged, never surfaced as a protocol NAK.
type MessageHandler struct {
	store    MessageStore
	recorder ReceiptRecorder
	parser   *parser.MessageParser
	bus      *events.Bus
	logger   *slog.Logger
}

// NewMessageHandler wires the handler. recorder may be nil when auditing
// is disabled.
func NewMessageHandler(messageStore MessageStore, recorder ReceiptRecorder, bus *events.Bus, logger *slog.Logger) *MessageHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageHandler{
		store:    messageStore,
		recorder: recorder,
		parser:   parser.NewMessageParser(),
		bus:      bus,
		logger:   logger,
	}
}

// HandleReceived persists the raw message bytes and publishes the
// message-received event carrying the resulting entry.
func (h *MessageHandler) HandleReceived(ctx context.Context, data []byte, recipients []string) error {
	entry, err := h.store.SaveMessage(func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
	if err != nil {
		h.logger.Warn("message store write failed",
			slog.Int("size_bytes", len(data)),
			slog.Int("recipients", len(recipients)),
			slog.String("error", err.Error()),
		)
		return err
	}

	metrics.SMTPMessagesReceived.Inc()
	h.logger.Info("message stored",
		slog.String("message", entry.Name()),
		slog.Int("size_bytes", len(data)),
		slog.Int("recipients", len(recipients)),
	)

	if h.recorder != nil {
		sender := h.parser.SafeParse(data).From
		if err := h.recorder.Record(ctx, entry.Name(), sender, recipients, int64(len(data)), entry.CreatedAt); err != nil {
			// The receipt log is advisory; the message itself is safe.
			h.logger.Warn("audit record failed",
				slog.String("message", entry.Name()),
				slog.String("error", err.Error()),
			)
		}
	}

	if h.bus != nil {
		h.bus.Publish(events.TypeMessageReceived, entry)
	}

	return nil
}

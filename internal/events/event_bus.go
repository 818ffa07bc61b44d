package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Bus is an in-memory publish/subscribe bus keyed by event type.
// Delivery is synchronous: Publish invokes each handler on the caller's
// goroutine, so handlers that do real work should hand off internally.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Type]map[string]Handler // event type -> subscriptionID -> handler
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[Type]map[string]Handler),
	}
}

// Publish sends an event to all subscribers registered for its type.
// Having no subscribers is not an error.
func (b *Bus) Publish(typ Type, payload any) {
	event := Event{
		ID:        uuid.New().String(),
		Type:      typ,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}

	b.mu.RLock()
	handlers, exists := b.subscribers[typ]
	if !exists || len(handlers) == 0 {
		b.mu.RUnlock()
		return
	}

	// Copy handlers to avoid holding the lock during delivery
	handlersCopy := make([]Handler, 0, len(handlers))
	for _, handler := range handlers {
		handlersCopy = append(handlersCopy, handler)
	}
	b.mu.RUnlock()

	for _, handler := range handlersCopy {
		handler(event)
	}
}

// Subscribe registers a handler for events of the given type.
// Returns an unsubscribe function that removes the subscription.
func (b *Bus) Subscribe(typ Type, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[typ] == nil {
		b.subscribers[typ] = make(map[string]Handler)
	}

	subscriptionID := uuid.New().String()
	b.subscribers[typ][subscriptionID] = handler

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if handlers, exists := b.subscribers[typ]; exists {
			delete(handlers, subscriptionID)
			if len(handlers) == 0 {
				delete(b.subscribers, typ)
			}
		}
	}
}

// SubscriberCount returns the number of subscribers for an event type.
// Useful for testing and monitoring.
func (b *Bus) SubscriberCount(typ Type) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if handlers, exists := b.subscribers[typ]; exists {
		return len(handlers)
	}
	return 0
}

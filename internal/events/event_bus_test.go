package events

import (
	"sync"
	"testing"
)

func TestPublishDeliversToSubscribers(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	var received []Event
	bus.Subscribe(TypeMessageReceived, func(e Event) {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
	})

	bus.Publish(TypeMessageReceived, "payload")

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("received %d events, want 1", len(received))
	}
	if received[0].Type != TypeMessageReceived {
		t.Errorf("type = %s", received[0].Type)
	}
	if received[0].Payload.(string) != "payload" {
		t.Errorf("payload = %v", received[0].Payload)
	}
	if received[0].ID == "" {
		t.Error("event has no id")
	}
	if received[0].Timestamp.IsZero() {
		t.Error("event has no timestamp")
	}
}

func TestPublishIgnoresOtherTypes(t *testing.T) {
	bus := NewBus()

	var called bool
	bus.Subscribe(TypeServerReady, func(Event) { called = true })

	bus.Publish(TypeMessageReceived, nil)
	if called {
		t.Error("subscriber for another type must not fire")
	}
}

func TestPublishWithoutSubscribersIsSafe(t *testing.T) {
	bus := NewBus()
	bus.Publish(TypeSettingsUpdated, nil)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()

	var count int
	unsubscribe := bus.Subscribe(TypeRuleChanged, func(Event) { count++ })

	bus.Publish(TypeRuleChanged, nil)
	unsubscribe()
	bus.Publish(TypeRuleChanged, nil)

	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
	if bus.SubscriberCount(TypeRuleChanged) != 0 {
		t.Errorf("SubscriberCount = %d, want 0", bus.SubscriberCount(TypeRuleChanged))
	}

	// Unsubscribing twice must be safe.
	unsubscribe()
}

func TestMultipleSubscribersAllFire(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	count := 0
	for i := 0; i < 3; i++ {
		bus.Subscribe(TypeServerBindFailed, func(Event) {
			mu.Lock()
			count++
			mu.Unlock()
		})
	}

	if bus.SubscriberCount(TypeServerBindFailed) != 3 {
		t.Fatalf("SubscriberCount = %d", bus.SubscriberCount(TypeServerBindFailed))
	}

	bus.Publish(TypeServerBindFailed, nil)

	mu.Lock()
	defer mu.Unlock()
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}
}

func TestConcurrentPublishAndSubscribe(t *testing.T) {
	bus := NewBus()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			unsubscribe := bus.Subscribe(TypeMessageReceived, func(Event) {})
			defer unsubscribe()
		}()
		go func() {
			defer wg.Done()
			bus.Publish(TypeMessageReceived, nil)
		}()
	}
	wg.Wait()
}

package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/storyforge/storyforge/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

func TestNewMemoryEventBus(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	if bus == nil {
		t.Fatal("Expected non-nil bus")
	}
	if !bus.IsConnected() {
		t.Error("Expected bus to be connected")
	}
}

func TestMemoryEventBus_PublishSubscribe(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	received := make(chan *Event, 1)
	sub, err := bus.Subscribe("test.subject", func(ctx context.Context, event *Event) error {
		received <- event
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	event := NewEvent("test.type", "test-source", map[string]interface{}{"key": "value"})
	if err := bus.Publish(context.Background(), "test.subject", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case e := <-received:
		if e.ID != event.ID {
			t.Errorf("Expected event ID %s, got %s", event.ID, e.ID)
		}
		if e.Type != event.Type {
			t.Errorf("Expected event type %s, got %s", event.Type, e.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for event")
	}
}

func TestMemoryEventBus_MultipleSubscribers(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	var wg sync.WaitGroup
	wg.Add(3)
	var count int32
	for i := 0; i < 3; i++ {
		sub, err := bus.Subscribe("test.multi", func(ctx context.Context, event *Event) error {
			atomic.AddInt32(&count, 1)
			wg.Done()
			return nil
		})
		if err != nil {
			t.Fatalf("Subscribe %d failed: %v", i, err)
		}
		defer func() { _ = sub.Unsubscribe() }()
	}

	if err := bus.Publish(context.Background(), "test.multi", NewEvent("test.type", "test-source", nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	wg.Wait()
	if atomic.LoadInt32(&count) != 3 {
		t.Errorf("Expected 3 handlers to be called, got %d", count)
	}
}

func TestMemoryEventBus_Unsubscribe(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	var count int32
	sub, err := bus.Subscribe("test.unsub", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if !sub.IsValid() {
		t.Error("Expected subscription to be valid before Unsubscribe")
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if sub.IsValid() {
		t.Error("Expected subscription to be invalid after Unsubscribe")
	}

	if err := bus.Publish(context.Background(), "test.unsub", NewEvent("t", "s", nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&count) != 0 {
		t.Errorf("Expected no deliveries after unsubscribe, got %d", count)
	}
}

func TestMemoryEventBus_SingleTokenWildcard(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	received := make(chan string, 4)
	sub, err := bus.Subscribe("command.*", func(ctx context.Context, event *Event) error {
		received <- event.Type
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	ctx := context.Background()
	_ = bus.Publish(ctx, "command.completed", NewEvent("command.completed", "s", nil))
	_ = bus.Publish(ctx, "command.retried", NewEvent("command.retried", "s", nil))
	// Two tokens after the prefix: * must not match.
	_ = bus.Publish(ctx, "command.completed.extra", NewEvent("no-match", "s", nil))

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case typ := <-received:
			got[typ] = true
		case <-time.After(time.Second):
			t.Fatal("Timeout waiting for wildcard delivery")
		}
	}
	if !got["command.completed"] || !got["command.retried"] {
		t.Errorf("Expected both single-token matches, got %v", got)
	}
	select {
	case typ := <-received:
		t.Errorf("Unexpected delivery %q for multi-token subject", typ)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryEventBus_MultiTokenWildcard(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	received := make(chan string, 4)
	sub, err := bus.Subscribe("provider.>", func(ctx context.Context, event *Event) error {
		received <- event.Type
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	ctx := context.Background()
	_ = bus.Publish(ctx, "provider.switched", NewEvent("provider.switched", "s", nil))
	_ = bus.Publish(ctx, "provider.switched.local", NewEvent("provider.switched.local", "s", nil))
	_ = bus.Publish(ctx, "command.completed", NewEvent("no-match", "s", nil))

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case typ := <-received:
			got[typ] = true
		case <-time.After(time.Second):
			t.Fatal("Timeout waiting for wildcard delivery")
		}
	}
	if !got["provider.switched"] || !got["provider.switched.local"] {
		t.Errorf("Expected both > matches, got %v", got)
	}
	select {
	case typ := <-received:
		t.Errorf("Unexpected delivery %q for non-matching subject", typ)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryEventBus_ExactMatchOnly(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	var count int32
	sub, err := bus.Subscribe("log.appended", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	ctx := context.Background()
	_ = bus.Publish(ctx, "log.appended.extra", NewEvent("t", "s", nil))
	_ = bus.Publish(ctx, "log", NewEvent("t", "s", nil))
	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&count) != 0 {
		t.Errorf("Exact subscription matched a different subject, count=%d", count)
	}
}

func TestMemoryEventBus_Close(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))

	sub, err := bus.Subscribe("test.close", func(ctx context.Context, event *Event) error {
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	bus.Close()

	if bus.IsConnected() {
		t.Error("Expected bus to be disconnected after Close")
	}
	if sub.IsValid() {
		t.Error("Expected subscription to be invalidated by Close")
	}
	if err := bus.Publish(context.Background(), "test.close", NewEvent("t", "s", nil)); err == nil {
		t.Error("Expected Publish on closed bus to fail")
	}
	if _, err := bus.Subscribe("test.close", func(ctx context.Context, event *Event) error { return nil }); err == nil {
		t.Error("Expected Subscribe on closed bus to fail")
	}
}

func TestMemoryEventBus_ConcurrentAccess(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			sub, err := bus.Subscribe("test.concurrent", func(ctx context.Context, event *Event) error {
				return nil
			})
			if err != nil {
				t.Errorf("Subscribe failed: %v", err)
				return
			}
			_ = sub.Unsubscribe()
		}()
		go func() {
			defer wg.Done()
			if err := bus.Publish(ctx, "test.concurrent", NewEvent("t", "s", nil)); err != nil {
				t.Errorf("Publish failed: %v", err)
			}
		}()
	}
	wg.Wait()
}

func TestNewEvent(t *testing.T) {
	data := map[string]interface{}{"run_id": "abc"}
	event := NewEvent("command.completed", "dispatcher", data)

	if event.ID == "" {
		t.Error("Expected non-empty event ID")
	}
	if event.Type != "command.completed" {
		t.Errorf("Expected type command.completed, got %s", event.Type)
	}
	if event.Source != "dispatcher" {
		t.Errorf("Expected source dispatcher, got %s", event.Source)
	}
	if event.Timestamp.IsZero() {
		t.Error("Expected timestamp to be set")
	}
	if event.Data["run_id"] != "abc" {
		t.Errorf("Expected data to carry run_id, got %v", event.Data)
	}

	other := NewEvent("command.completed", "dispatcher", nil)
	if other.ID == event.ID {
		t.Error("Expected unique event IDs")
	}
}

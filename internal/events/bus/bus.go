// Package bus defines the event bus used between the dispatcher, the
// triggers, the workers, and the websocket gateway, with in-memory and NATS
// implementations.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is one message on the bus. Data carries the payload as a map so both
// implementations serialize it the same way.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent builds an event with a fresh id and a UTC timestamp.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler consumes one delivered event. Returned errors are logged by
// the bus; they do not stop delivery to other subscribers.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is one active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the publish/subscribe surface. Subjects follow NATS syntax:
// dot-separated tokens, with * matching one token and > matching the rest.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)
	Close()
	IsConnected() bool
}

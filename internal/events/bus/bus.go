// Package bus carries warren lifecycle events between the queue controller,
// the mailbox consumers, and the observers on the WebSocket stream.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is one bus message. Type is an events.* constant, Source names the
// component that emitted it, Data holds type-specific fields such as the
// conversation key or the invocation ID.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent stamps a fresh event with an ID and the current UTC time.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler receives one delivered event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is a handle for cancelling a Subscribe.
type Subscription interface {
	Unsubscribe() error
}

// EventBus fans events out to subscribers. Subjects follow NATS conventions:
// dot-separated tokens, with "*" matching one token and ">" matching the rest.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)
	Close()
}

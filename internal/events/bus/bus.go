// Package bus is the daemon's publish/subscribe fabric. Subjects follow
// NATS conventions (dot-separated tokens, * and > wildcards) so the
// in-memory and NATS backends are drop-in replacements for each other.
package bus

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrBusClosed is returned by operations on a bus that has shut down.
var ErrBusClosed = errors.New("event bus is closed")

// Event is one message on the bus.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent stamps an event with a fresh ID and UTC timestamp.
func NewEvent(eventType, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler consumes one delivered event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is a live registration on the bus.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is implemented by MemoryEventBus and NATSEventBus.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error

	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// QueueSubscribe delivers each event to one member of the named
	// queue group instead of to every subscriber.
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)

	// Request publishes and waits for a single reply or the timeout.
	Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error)

	Close()
	IsConnected() bool
}

// Package bus provides the event bus abstraction used to fan out
// observability events (message.sent and the other ticket lifecycle
// transitions) to monitoring consumers. The delivery engine itself never
// blocks on the bus — publishing is best-effort.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is one observability event published by the broker core.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler processes one event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the fan-out surface the delivery engine publishes
// observability events to.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)
	Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error)
	Close()
	IsConnected() bool
}

// Recognized observability subjects. The delivery engine publishes the
// sent, responded and timeout subjects; nothing in the broker core
// publishes the error, agent-status or compaction subjects.
const (
	SubjectMessageSent      = "broker.ticket.sent"
	SubjectMessageResponded = "broker.ticket.responded"
	SubjectMessageTimeout   = "broker.ticket.timeout"
	SubjectMessageError     = "broker.ticket.error"
	SubjectAgentStatus      = "broker.agent.status"
	SubjectCompaction       = "broker.agent.compaction"
)

package queue

import (
	"context"
	"time"

	"github.com/triggerline/eventbus/pkg/store"
)

// Message is the snapshot of an event placed on the retry queue. It carries
// enough of the event to avoid a mandatory re-read, but workers still fetch
// current state from the store before each attempt.
type Message struct {
	EventID   string         `json:"event_id"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Snapshot builds a queue message from a stored event.
func Snapshot(event *store.Event) *Message {
	return &Message{
		EventID:   event.ID,
		EventType: event.Type,
		Payload:   event.Payload,
		Metadata:  event.Metadata,
		CreatedAt: event.CreatedAt,
	}
}

// Delivery is one received queue message plus its redelivery bookkeeping.
type Delivery struct {
	Message
	// ReceiveCount is 1 on the first receive and grows with each redelivery.
	ReceiveCount int

	receipt any // backend acknowledgment handle
}

// RetryQueue is a durable queue with visibility-timeout redelivery. Failed
// deliveries are released rather than acknowledged; the queue applies an
// exponential backoff per receive and moves messages to its dead-letter
// channel once the receive cap is reached.
type RetryQueue interface {
	// Enqueue places a message on the queue with no initial delay.
	Enqueue(ctx context.Context, msg *Message) error
	// Receive long-polls for up to maxMessages messages, waiting at most
	// wait before returning what it has (possibly nothing).
	Receive(ctx context.Context, maxMessages int, wait time.Duration) ([]*Delivery, error)
	// Ack removes a delivered message from the queue.
	Ack(ctx context.Context, d *Delivery) error
	// Release returns a message to the queue after a backoff computed from
	// its receive count. At the receive cap the message moves to the
	// dead-letter channel instead and deadLettered is true.
	Release(ctx context.Context, d *Delivery) (deadLettered bool, err error)
	// DeadLetterDepth reports the current dead-letter channel depth.
	DeadLetterDepth(ctx context.Context) (int, error)
	// Close cleans up any resources (connections).
	Close() error
}

// backoffDelay doubles the initial delay per completed receive, capped.
func backoffDelay(receiveCount int, initial, max time.Duration) time.Duration {
	if initial <= 0 {
		initial = time.Second
	}
	if max <= 0 {
		max = 5 * time.Minute
	}
	delay := initial
	for i := 1; i < receiveCount && delay < max; i++ {
		delay *= 2
	}
	if delay > max {
		delay = max
	}
	return delay
}

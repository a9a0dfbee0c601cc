package schema

import "time"

// Status represents the delivery status of an event.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusReplayed  Status = "replayed"
)

// Event is the shared event shape producers submit and consumers receive.
type Event struct {
	ID               string         `json:"id"`
	EventType        string         `json:"event_type"`
	Payload          map[string]any `json:"payload"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	Status           Status         `json:"status"`
	IdempotencyKey   string         `json:"idempotency_key,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	DeliveredAt      *time.Time     `json:"delivered_at,omitempty"`
	DeliveryAttempts int            `json:"delivery_attempts"`
}

// NewEvent creates a pending Event with required fields and sensible defaults.
func NewEvent(
	id, eventType string,
	payload, metadata map[string]any,
	idempotencyKey string,
) *Event {
	return &Event{
		ID:               id,
		EventType:        eventType,
		Payload:          payload,
		Metadata:         metadata,
		Status:           StatusPending,
		IdempotencyKey:   idempotencyKey,
		CreatedAt:        time.Now(),
		DeliveryAttempts: 0,
	}
}

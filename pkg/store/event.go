package store

import "time"

// Status represents the delivery status of an event.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusReplayed  Status = "replayed"
)

// Event represents an ingested event tracked through its delivery lifecycle.
type Event struct {
	ID               string         `json:"id" bson:"id"`
	Type             string         `json:"event_type" bson:"event_type"`
	Payload          map[string]any `json:"payload" bson:"payload"`
	Metadata         map[string]any `json:"metadata,omitempty" bson:"metadata,omitempty"`
	Status           Status         `json:"status" bson:"status"`
	IdempotencyKey   string         `json:"idempotency_key,omitempty" bson:"idempotency_key,omitempty"`
	Owner            string         `json:"owner,omitempty" bson:"owner,omitempty"`
	CreatedAt        time.Time      `json:"created_at" bson:"created_at"`
	DeliveredAt      *time.Time     `json:"delivered_at,omitempty" bson:"delivered_at,omitempty"`
	DeliveryAttempts int            `json:"delivery_attempts" bson:"delivery_attempts"`
}

// Clone returns a copy of the event with fresh payload and metadata maps.
// Nested values are shared; callers must not mutate them in place.
func (e *Event) Clone() *Event {
	c := *e
	if e.Payload != nil {
		c.Payload = make(map[string]any, len(e.Payload))
		for k, v := range e.Payload {
			c.Payload[k] = v
		}
	}
	if e.Metadata != nil {
		c.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	if e.DeliveredAt != nil {
		t := *e.DeliveredAt
		c.DeliveredAt = &t
	}
	return &c
}

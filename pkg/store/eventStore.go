package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no event exists for the given id.
	ErrNotFound = errors.New("event not found")
	// ErrForbidden is returned when the caller does not own the event.
	ErrForbidden = errors.New("event owned by another principal")
)

// Update carries the mutable fields of an event. Nil fields are left untouched.
type Update struct {
	Payload        map[string]any
	Metadata       map[string]any
	IdempotencyKey *string
}

// Empty reports whether the update would change nothing.
func (u Update) Empty() bool {
	return u.Payload == nil && u.Metadata == nil && u.IdempotencyKey == nil
}

// ListOptions selects a page of events. When Status is set the backend should
// use its status index. Pages are ordered by creation time descending unless
// OldestFirst is set.
type ListOptions struct {
	Status      Status
	Limit       int
	Cursor      string
	OldestFirst bool
}

// EventStore defines the persistence operations for events.
type EventStore interface {
	// Create persists a new event, or returns the existing event unchanged
	// when its idempotency key matches a stored one (isNew=false). The
	// idempotency check-then-insert is atomic per key.
	Create(ctx context.Context, event *Event) (stored *Event, isNew bool, err error)
	// Get retrieves an event by id.
	Get(ctx context.Context, id string) (*Event, error)
	// Update applies the given fields after verifying ownership. Updating a
	// delivered or replayed event resets it to pending and clears its
	// delivery timestamp.
	Update(ctx context.Context, id string, upd Update, owner string) (*Event, error)
	// Delete removes an event after verifying ownership. Deleting a missing
	// id succeeds.
	Delete(ctx context.Context, id string, owner string) error
	// List returns a page of events ordered by creation time descending,
	// plus an opaque cursor for the next page ("" when exhausted).
	List(ctx context.Context, opts ListOptions) ([]*Event, string, error)
	// IncrementAttempts records one delivery attempt.
	IncrementAttempts(ctx context.Context, id string) error
	// MarkDelivered sets status=delivered and the delivery timestamp.
	MarkDelivered(ctx context.Context, id string, at time.Time) error
	// MarkReplayed sets status=replayed and refreshes the delivery timestamp.
	MarkReplayed(ctx context.Context, id string, at time.Time) error
	// MarkFailed sets the terminal failed status.
	MarkFailed(ctx context.Context, id string) error
}

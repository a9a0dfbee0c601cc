package events

import (
	"context"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/triggerline/eventbus/pkg/delivery"
	"github.com/triggerline/eventbus/pkg/filter"
	"github.com/triggerline/eventbus/pkg/queue"
	"github.com/triggerline/eventbus/pkg/store"
)

const (
	maxEventTypeLength = 100
	maxListLimit       = 100

	// Filtered lists over-fetch to compensate for rows the in-memory
	// predicate rejects.
	overFetchFactor = 3
	overFetchCap    = 300
)

var eventTypePattern = regexp.MustCompile(`^[a-z0-9._]+$`)

// CreateRequest carries the caller-supplied fields of a new event.
type CreateRequest struct {
	Type           string
	Payload        map[string]any
	Metadata       map[string]any
	IdempotencyKey string
	Owner          string
}

// CreateResult reports the stored event and whether an idempotency-key
// collision returned a previously stored one.
type CreateResult struct {
	Event     *store.Event
	Duplicate bool
}

// ListRequest selects a page of events, optionally narrowed by filter
// conditions evaluated in memory.
type ListRequest struct {
	Status     store.Status
	Limit      int
	Cursor     string
	Conditions []filter.Condition
}

// ListResult is a page of events. NextCursor is empty when the page is the
// last one or when filter conditions were applied.
type ListResult struct {
	Events     []*store.Event
	NextCursor string
}

// Service implements the event operations on top of the store, the retry
// queue, and the dispatcher.
type Service struct {
	events     store.EventStore
	retries    queue.RetryQueue
	dispatcher delivery.Dispatcher
	tracer     trace.Tracer
}

func NewService(events store.EventStore, retries queue.RetryQueue, dispatcher delivery.Dispatcher) *Service {
	return &Service{
		events:     events,
		retries:    retries,
		dispatcher: dispatcher,
		tracer:     otel.Tracer("eventbus"),
	}
}

func newEventID() string {
	return "evt_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Create validates and stores a new event, then attempts immediate delivery.
// A failed attempt falls back to the retry queue; the caller still gets the
// stored event with status pending.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if req.Type == "" || len(req.Type) > maxEventTypeLength || !eventTypePattern.MatchString(req.Type) {
		return nil, validationError("event_type must match [a-z0-9._]+ and be at most %d characters", maxEventTypeLength)
	}
	if len(req.Payload) == 0 {
		return nil, validationError("payload must not be empty")
	}

	event := &store.Event{
		ID:             newEventID(),
		Type:           req.Type,
		Payload:        req.Payload,
		Metadata:       req.Metadata,
		Status:         store.StatusPending,
		IdempotencyKey: req.IdempotencyKey,
		Owner:          req.Owner,
		CreatedAt:      time.Now().UTC(),
	}

	ctx, span := s.tracer.Start(ctx, "CreateEvent", trace.WithAttributes(
		attribute.String("event.id", event.ID),
		attribute.String("event.type", event.Type),
	))
	defer span.End()

	stored, isNew, err := s.events.Create(ctx, event)
	if err != nil {
		span.RecordError(err)
		return nil, mapStoreError(event.ID, err)
	}
	if !isNew {
		span.SetAttributes(attribute.Bool("event.duplicate", true))
		return &CreateResult{Event: stored, Duplicate: true}, nil
	}

	return &CreateResult{Event: s.deliverNow(ctx, stored)}, nil
}

// deliverNow makes one synchronous delivery attempt and enqueues the event
// for retry when it does not go through. Returns the freshest known state.
func (s *Service) deliverNow(ctx context.Context, event *store.Event) *store.Event {
	outcome, err := s.dispatcher.Attempt(ctx, event)
	if err != nil {
		log.Printf("Initial delivery attempt for event %s errored: %v", event.ID, err)
	}
	if outcome != delivery.Delivered {
		if err := s.retries.Enqueue(ctx, queue.Snapshot(event)); err != nil {
			log.Printf("Failed to enqueue event %s for retry: %v", event.ID, err)
		}
	}

	if fresh, err := s.events.Get(ctx, event.ID); err == nil {
		return fresh
	}
	return event
}

func (s *Service) Get(ctx context.Context, id string) (*store.Event, error) {
	event, err := s.events.Get(ctx, id)
	if err != nil {
		return nil, mapStoreError(id, err)
	}
	return event, nil
}

// List pages through events. Status-only queries use the store's index and
// return a cursor; queries with filter conditions over-fetch, evaluate in
// memory, and return no cursor.
func (s *Service) List(ctx context.Context, req ListRequest) (*ListResult, error) {
	limit, err := normalizeLimit(req.Limit)
	if err != nil {
		return nil, err
	}
	if req.Status != "" && !validStatus(req.Status) {
		return nil, validationError("unknown status %q", req.Status)
	}

	if len(req.Conditions) == 0 {
		events, nextCursor, err := s.events.List(ctx, store.ListOptions{
			Status: req.Status,
			Limit:  limit,
			Cursor: req.Cursor,
		})
		if err != nil {
			return nil, mapStoreError("", err)
		}
		return &ListResult{Events: events, NextCursor: nextCursor}, nil
	}

	if req.Cursor != "" {
		return nil, validationError("cursor pagination cannot be combined with filter conditions")
	}

	fetchLimit := limit * overFetchFactor
	if fetchLimit > overFetchCap {
		fetchLimit = overFetchCap
	}
	candidates, _, err := s.events.List(ctx, store.ListOptions{
		Status: req.Status,
		Limit:  fetchLimit,
	})
	if err != nil {
		return nil, mapStoreError("", err)
	}

	matched := make([]*store.Event, 0, limit)
	for _, event := range candidates {
		if !filter.Evaluate(event, req.Conditions) {
			continue
		}
		matched = append(matched, event)
		if len(matched) == limit {
			break
		}
	}
	return &ListResult{Events: matched}, nil
}

// Update applies a partial update after an ownership check. Updating a
// delivered or replayed event resets it to pending.
func (s *Service) Update(ctx context.Context, id string, upd store.Update, owner string) (*store.Event, error) {
	if upd.Empty() {
		return nil, validationError("update must change at least one of payload, metadata, idempotency_key")
	}
	event, err := s.events.Update(ctx, id, upd, owner)
	if err != nil {
		return nil, mapStoreError(id, err)
	}
	return event, nil
}

// Delete removes an event. Deleting a missing id succeeds.
func (s *Service) Delete(ctx context.Context, id string, owner string) error {
	if err := s.events.Delete(ctx, id, owner); err != nil {
		return mapStoreError(id, err)
	}
	return nil
}

// Acknowledge marks a pending event delivered on behalf of a pull consumer.
// Acknowledging an already delivered event is a no-op.
func (s *Service) Acknowledge(ctx context.Context, id string) (*store.Event, error) {
	event, err := s.events.Get(ctx, id)
	if err != nil {
		return nil, mapStoreError(id, err)
	}
	if event.Status == store.StatusDelivered {
		return event, nil
	}
	if event.Status == store.StatusFailed {
		return nil, validationError("event %s is failed and cannot be acknowledged", id)
	}

	now := time.Now().UTC()
	if err := s.events.MarkDelivered(ctx, id, now); err != nil {
		return nil, mapStoreError(id, err)
	}
	event.Status = store.StatusDelivered
	event.DeliveredAt = &now
	return event, nil
}

// Replay re-dispatches an existing event, preserving its id and creation
// time. A successful push marks the event replayed. A failed replay of a
// still-pending event falls back to the retry queue; for an already
// delivered or replayed event the prior delivery stands, so there is
// nothing to queue.
func (s *Service) Replay(ctx context.Context, id string, reason string) (*store.Event, error) {
	ctx, span := s.tracer.Start(ctx, "ReplayEvent", trace.WithAttributes(
		attribute.String("event.id", id),
		attribute.String("replay.reason", reason),
	))
	defer span.End()

	event, err := s.events.Get(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, mapStoreError(id, err)
	}

	log.Printf("Replaying event %s: %s", id, reason)

	outcome, err := s.dispatcher.Attempt(ctx, event)
	if err != nil {
		log.Printf("Replay attempt for event %s errored: %v", id, err)
	}
	span.SetAttributes(attribute.String("delivery.outcome", outcome.String()))

	if outcome == delivery.Delivered {
		if err := s.events.MarkReplayed(ctx, id, time.Now().UTC()); err != nil {
			return nil, mapStoreError(id, err)
		}
	} else if event.Status == store.StatusPending {
		// The worker only dispatches pending events, so queueing a retry
		// for any other status would be a no-op.
		if err := s.retries.Enqueue(ctx, queue.Snapshot(event)); err != nil {
			log.Printf("Failed to enqueue event %s for retry: %v", id, err)
		}
	}

	fresh, err := s.events.Get(ctx, id)
	if err != nil {
		return nil, mapStoreError(id, err)
	}
	return fresh, nil
}

// Inbox returns pending events oldest first for pull consumers.
func (s *Service) Inbox(ctx context.Context, limit int) ([]*store.Event, error) {
	normalized, err := normalizeLimit(limit)
	if err != nil {
		return nil, err
	}
	events, _, err := s.events.List(ctx, store.ListOptions{
		Status:      store.StatusPending,
		Limit:       normalized,
		OldestFirst: true,
	})
	if err != nil {
		return nil, mapStoreError("", err)
	}
	return events, nil
}

func normalizeLimit(limit int) (int, error) {
	if limit < 0 || limit > maxListLimit {
		return 0, validationError("limit must be between 1 and %d", maxListLimit)
	}
	if limit == 0 {
		return 50, nil
	}
	return limit, nil
}

func validStatus(status store.Status) bool {
	switch status {
	case store.StatusPending, store.StatusDelivered, store.StatusFailed, store.StatusReplayed:
		return true
	}
	return false
}

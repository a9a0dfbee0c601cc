package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory EventStore used for tests and local development.
// It enforces the same idempotency and ownership semantics as the durable
// backends.
type MemoryStore struct {
	mu     sync.RWMutex
	events map[string]*Event
	byKey  map[string]string // idempotency_key -> event id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events: make(map[string]*Event),
		byKey:  make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, event *Event) (*Event, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if event.IdempotencyKey != "" {
		if id, ok := m.byKey[event.IdempotencyKey]; ok {
			if existing, ok := m.events[id]; ok {
				return existing.Clone(), false, nil
			}
			// stale mapping from a deleted event
			delete(m.byKey, event.IdempotencyKey)
		}
	}

	stored := event.Clone()
	m.events[stored.ID] = stored
	if stored.IdempotencyKey != "" {
		m.byKey[stored.IdempotencyKey] = stored.ID
	}
	return stored.Clone(), true, nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	event, ok := m.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	return event.Clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, id string, upd Update, owner string) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	event, ok := m.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	if event.Owner != owner {
		return nil, ErrForbidden
	}

	if upd.Payload != nil {
		event.Payload = upd.Payload
	}
	if upd.Metadata != nil {
		event.Metadata = upd.Metadata
	}
	if upd.IdempotencyKey != nil {
		if event.IdempotencyKey != "" {
			delete(m.byKey, event.IdempotencyKey)
		}
		event.IdempotencyKey = *upd.IdempotencyKey
		if event.IdempotencyKey != "" {
			m.byKey[event.IdempotencyKey] = event.ID
		}
	}

	// The update invalidates any prior delivery and re-queues the event.
	if event.Status == StatusDelivered || event.Status == StatusReplayed {
		event.Status = StatusPending
		event.DeliveredAt = nil
	}

	return event.Clone(), nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	event, ok := m.events[id]
	if !ok {
		return nil // idempotent
	}
	if event.Owner != owner {
		return ErrForbidden
	}
	if event.IdempotencyKey != "" {
		delete(m.byKey, event.IdempotencyKey)
	}
	delete(m.events, id)
	return nil
}

func (m *MemoryStore) List(ctx context.Context, opts ListOptions) ([]*Event, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	matched := make([]*Event, 0, len(m.events))
	for _, event := range m.events {
		if opts.Status != "" && event.Status != opts.Status {
			continue
		}
		matched = append(matched, event)
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			if opts.OldestFirst {
				return matched[i].CreatedAt.Before(matched[j].CreatedAt)
			}
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		if opts.OldestFirst {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].ID > matched[j].ID
	})

	if opts.Cursor != "" {
		cursor, ok := decodeCursor(opts.Cursor)
		if !ok {
			return nil, "", nil
		}
		pastCursor := beforeCursor
		if opts.OldestFirst {
			pastCursor = afterCursor
		}
		skip := 0
		for skip < len(matched) && !pastCursor(matched[skip], cursor) {
			skip++
		}
		matched = matched[skip:]
	}

	page := matched
	nextCursor := ""
	if len(matched) > limit {
		page = matched[:limit]
		last := page[len(page)-1]
		nextCursor = encodeCursor(pageCursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}

	out := make([]*Event, len(page))
	for i, event := range page {
		out[i] = event.Clone()
	}
	return out, nextCursor, nil
}

func (m *MemoryStore) IncrementAttempts(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	event, ok := m.events[id]
	if !ok {
		return ErrNotFound
	}
	event.DeliveryAttempts++
	return nil
}

func (m *MemoryStore) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	return m.setStatus(id, StatusDelivered, &at)
}

func (m *MemoryStore) MarkReplayed(ctx context.Context, id string, at time.Time) error {
	return m.setStatus(id, StatusReplayed, &at)
}

func (m *MemoryStore) MarkFailed(ctx context.Context, id string) error {
	return m.setStatus(id, StatusFailed, nil)
}

func (m *MemoryStore) setStatus(id string, status Status, deliveredAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	event, ok := m.events[id]
	if !ok {
		return ErrNotFound
	}
	event.Status = status
	if deliveredAt != nil {
		t := deliveredAt.UTC()
		event.DeliveredAt = &t
	}
	return nil
}

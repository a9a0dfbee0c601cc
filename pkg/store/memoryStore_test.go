package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEvent(id, key string, createdAt time.Time) *Event {
	return &Event{
		ID:             id,
		Type:           "order.created",
		Payload:        map[string]any{"amount": float64(10)},
		Status:         StatusPending,
		IdempotencyKey: key,
		Owner:          "key-1",
		CreatedAt:      createdAt,
	}
}

func TestMemoryStore_CreateIdempotency(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	now := time.Now().UTC()

	first, isNew, err := m.Create(ctx, newTestEvent("evt_aaa", "order-42", now))
	require.NoError(t, err)
	assert.True(t, isNew)

	second, isNew, err := m.Create(ctx, newTestEvent("evt_bbb", "order-42", now.Add(time.Second)))
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, first.ID, second.ID)

	// Deleting the original frees the key for reuse.
	require.NoError(t, m.Delete(ctx, first.ID, "key-1"))
	third, isNew, err := m.Create(ctx, newTestEvent("evt_ccc", "order-42", now.Add(2*time.Second)))
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, "evt_ccc", third.ID)
}

func TestMemoryStore_CreateWithoutKeyNeverDedupes(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	now := time.Now().UTC()

	_, isNew, err := m.Create(ctx, newTestEvent("evt_aaa", "", now))
	require.NoError(t, err)
	assert.True(t, isNew)

	_, isNew, err = m.Create(ctx, newTestEvent("evt_bbb", "", now))
	require.NoError(t, err)
	assert.True(t, isNew)
}

func TestMemoryStore_GetNotFound(t *testing.T) {
	m := NewMemoryStore()

	_, err := m.Get(context.Background(), "evt_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_UpdateOwnership(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	now := time.Now().UTC()

	_, _, err := m.Create(ctx, newTestEvent("evt_aaa", "", now))
	require.NoError(t, err)

	_, err = m.Update(ctx, "evt_aaa", Update{Payload: map[string]any{"amount": float64(20)}}, "key-2")
	assert.ErrorIs(t, err, ErrForbidden)

	updated, err := m.Update(ctx, "evt_aaa", Update{Payload: map[string]any{"amount": float64(20)}}, "key-1")
	require.NoError(t, err)
	assert.Equal(t, float64(20), updated.Payload["amount"])
}

func TestMemoryStore_UpdateResetsDeliveredEvent(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	now := time.Now().UTC()

	_, _, err := m.Create(ctx, newTestEvent("evt_aaa", "", now))
	require.NoError(t, err)
	require.NoError(t, m.MarkDelivered(ctx, "evt_aaa", now))

	updated, err := m.Update(ctx, "evt_aaa", Update{Metadata: map[string]any{"note": "edited"}}, "key-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, updated.Status)
	assert.Nil(t, updated.DeliveredAt)
}

func TestMemoryStore_DeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	assert.NoError(t, m.Delete(ctx, "evt_missing", "key-1"))

	_, _, err := m.Create(ctx, newTestEvent("evt_aaa", "", time.Now().UTC()))
	require.NoError(t, err)
	assert.ErrorIs(t, m.Delete(ctx, "evt_aaa", "key-2"), ErrForbidden)
	assert.NoError(t, m.Delete(ctx, "evt_aaa", "key-1"))
	assert.NoError(t, m.Delete(ctx, "evt_aaa", "key-1"))
}

func TestMemoryStore_ListPagination(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i, id := range []string{"evt_a", "evt_b", "evt_c", "evt_d", "evt_e"} {
		_, _, err := m.Create(ctx, newTestEvent(id, "", base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}

	page, cursor, err := m.List(ctx, ListOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "evt_e", page[0].ID) // newest first
	assert.Equal(t, "evt_d", page[1].ID)
	require.NotEmpty(t, cursor)

	page, cursor, err = m.List(ctx, ListOptions{Limit: 2, Cursor: cursor})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "evt_c", page[0].ID)
	assert.Equal(t, "evt_b", page[1].ID)
	require.NotEmpty(t, cursor)

	page, cursor, err = m.List(ctx, ListOptions{Limit: 2, Cursor: cursor})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "evt_a", page[0].ID)
	assert.Empty(t, cursor)
}

func TestMemoryStore_ListByStatus(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	now := time.Now().UTC()

	_, _, err := m.Create(ctx, newTestEvent("evt_a", "", now))
	require.NoError(t, err)
	_, _, err = m.Create(ctx, newTestEvent("evt_b", "", now.Add(time.Second)))
	require.NoError(t, err)
	require.NoError(t, m.MarkDelivered(ctx, "evt_a", now))

	page, _, err := m.List(ctx, ListOptions{Status: StatusPending})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "evt_b", page[0].ID)
}

func TestMemoryStore_ListOldestFirst(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i, id := range []string{"evt_a", "evt_b", "evt_c"} {
		_, _, err := m.Create(ctx, newTestEvent(id, "", base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}

	page, cursor, err := m.List(ctx, ListOptions{Limit: 2, OldestFirst: true})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "evt_a", page[0].ID)
	assert.Equal(t, "evt_b", page[1].ID)

	page, _, err = m.List(ctx, ListOptions{Limit: 2, OldestFirst: true, Cursor: cursor})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "evt_c", page[0].ID)
}

func TestMemoryStore_StatusTransitions(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	now := time.Now().UTC()

	_, _, err := m.Create(ctx, newTestEvent("evt_a", "", now))
	require.NoError(t, err)

	require.NoError(t, m.IncrementAttempts(ctx, "evt_a"))
	require.NoError(t, m.IncrementAttempts(ctx, "evt_a"))
	require.NoError(t, m.MarkDelivered(ctx, "evt_a", now))

	event, err := m.Get(ctx, "evt_a")
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, event.Status)
	assert.Equal(t, 2, event.DeliveryAttempts)
	require.NotNil(t, event.DeliveredAt)

	require.NoError(t, m.MarkReplayed(ctx, "evt_a", now.Add(time.Minute)))
	event, err = m.Get(ctx, "evt_a")
	require.NoError(t, err)
	assert.Equal(t, StatusReplayed, event.Status)

	require.NoError(t, m.MarkFailed(ctx, "evt_a"))
	event, err = m.Get(ctx, "evt_a")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, event.Status)
}

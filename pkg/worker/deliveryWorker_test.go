package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triggerline/eventbus/pkg/config"
	"github.com/triggerline/eventbus/pkg/delivery"
	"github.com/triggerline/eventbus/pkg/queue"
	"github.com/triggerline/eventbus/pkg/store"
)

// scriptedDispatcher returns a fixed outcome and mirrors the real
// dispatcher's store side effects.
type scriptedDispatcher struct {
	mu      sync.Mutex
	events  store.EventStore
	outcome delivery.Outcome
	calls   int
}

func (d *scriptedDispatcher) Attempt(ctx context.Context, event *store.Event) (delivery.Outcome, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()

	if err := d.events.IncrementAttempts(ctx, event.ID); err != nil {
		return delivery.TransientFailure, err
	}
	if d.outcome == delivery.Delivered {
		if err := d.events.MarkDelivered(ctx, event.ID, time.Now().UTC()); err != nil {
			return delivery.TransientFailure, err
		}
	}
	return d.outcome, nil
}

func (d *scriptedDispatcher) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func workerTestSettings() config.WorkerSettings {
	return config.WorkerSettings{
		BatchSize:   10,
		PollWait:    20 * time.Millisecond,
		Concurrency: 2,
	}
}

func fastQueue(receiveCap int) *queue.MemoryQueue {
	return queue.NewMemoryQueue(config.QueueSettings{
		Type:            "memory",
		MaxReceiveCount: receiveCap,
		InitialBackoff:  time.Millisecond,
		MaxBackoff:      2 * time.Millisecond,
		VisibilityWait:  time.Second,
	})
}

func seedEvent(t *testing.T, events store.EventStore, q *queue.MemoryQueue, id string) *store.Event {
	t.Helper()
	event := &store.Event{
		ID:        id,
		Type:      "order.created",
		Payload:   map[string]any{"amount": float64(10)},
		Status:    store.StatusPending,
		Owner:     "key-1",
		CreatedAt: time.Now().UTC(),
	}
	_, _, err := events.Create(context.Background(), event)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(context.Background(), queue.Snapshot(event)))
	return event
}

func runWorker(t *testing.T, w *DeliveryWorker) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func TestDeliveryWorker_AcksDeliveredEvent(t *testing.T) {
	events := store.NewMemoryStore()
	q := fastQueue(5)
	dispatcher := &scriptedDispatcher{events: events, outcome: delivery.Delivered}
	seedEvent(t, events, q, "evt_aaa")

	runWorker(t, NewDeliveryWorker(events, q, dispatcher, workerTestSettings()))

	require.Eventually(t, func() bool {
		event, err := events.Get(context.Background(), "evt_aaa")
		return err == nil && event.Status == store.StatusDelivered
	}, 2*time.Second, 10*time.Millisecond)

	// Acked, so no redelivery happens.
	calls := dispatcher.callCount()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, calls, dispatcher.callCount())

	depth, err := q.DeadLetterDepth(context.Background())
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestDeliveryWorker_ExhaustedRetriesDeadLetterAndFail(t *testing.T) {
	events := store.NewMemoryStore()
	q := fastQueue(3)
	dispatcher := &scriptedDispatcher{events: events, outcome: delivery.TransientFailure}
	seedEvent(t, events, q, "evt_aaa")

	runWorker(t, NewDeliveryWorker(events, q, dispatcher, workerTestSettings()))

	require.Eventually(t, func() bool {
		event, err := events.Get(context.Background(), "evt_aaa")
		return err == nil && event.Status == store.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	event, err := events.Get(context.Background(), "evt_aaa")
	require.NoError(t, err)
	assert.Equal(t, 3, event.DeliveryAttempts)
	assert.Equal(t, 3, dispatcher.callCount())

	// Exactly one dead-letter entry, and no further receives.
	depth, err := q.DeadLetterDepth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 3, dispatcher.callCount())
}

func TestDeliveryWorker_PermanentFailuresRetryToCap(t *testing.T) {
	events := store.NewMemoryStore()
	q := fastQueue(2)
	dispatcher := &scriptedDispatcher{events: events, outcome: delivery.PermanentFailure}
	seedEvent(t, events, q, "evt_aaa")

	runWorker(t, NewDeliveryWorker(events, q, dispatcher, workerTestSettings()))

	require.Eventually(t, func() bool {
		event, err := events.Get(context.Background(), "evt_aaa")
		return err == nil && event.Status == store.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 2, dispatcher.callCount())
}

func TestDeliveryWorker_AcksMessageForDeletedEvent(t *testing.T) {
	events := store.NewMemoryStore()
	q := fastQueue(5)
	dispatcher := &scriptedDispatcher{events: events, outcome: delivery.Delivered}
	event := seedEvent(t, events, q, "evt_aaa")
	require.NoError(t, events.Delete(context.Background(), event.ID, "key-1"))

	runWorker(t, NewDeliveryWorker(events, q, dispatcher, workerTestSettings()))

	require.Eventually(t, func() bool {
		depth, err := q.Depth(context.Background())
		return err == nil && depth == 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.Zero(t, dispatcher.callCount())
}

func TestDeliveryWorker_SkipsReplayedEvent(t *testing.T) {
	events := store.NewMemoryStore()
	q := fastQueue(5)
	dispatcher := &scriptedDispatcher{events: events, outcome: delivery.Delivered}
	event := seedEvent(t, events, q, "evt_aaa")
	require.NoError(t, events.MarkReplayed(context.Background(), event.ID, time.Now().UTC()))

	runWorker(t, NewDeliveryWorker(events, q, dispatcher, workerTestSettings()))

	require.Eventually(t, func() bool {
		depth, err := q.Depth(context.Background())
		return err == nil && depth == 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.Zero(t, dispatcher.callCount())

	// A stale retry message must not demote a replayed event.
	stored, err := events.Get(context.Background(), event.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusReplayed, stored.Status)
}

func TestDeliveryWorker_SkipsAlreadyDeliveredEvent(t *testing.T) {
	events := store.NewMemoryStore()
	q := fastQueue(5)
	dispatcher := &scriptedDispatcher{events: events, outcome: delivery.Delivered}
	event := seedEvent(t, events, q, "evt_aaa")
	require.NoError(t, events.MarkDelivered(context.Background(), event.ID, time.Now().UTC()))

	runWorker(t, NewDeliveryWorker(events, q, dispatcher, workerTestSettings()))

	require.Eventually(t, func() bool {
		depth, err := q.Depth(context.Background())
		return err == nil && depth == 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.Zero(t, dispatcher.callCount())

	// Acknowledging elsewhere must not bump the attempt counter here.
	stored, err := events.Get(context.Background(), event.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.DeliveryAttempts)
}

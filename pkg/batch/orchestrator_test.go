package batch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triggerline/eventbus/pkg/config"
	"github.com/triggerline/eventbus/pkg/delivery"
	"github.com/triggerline/eventbus/pkg/events"
	"github.com/triggerline/eventbus/pkg/filter"
	"github.com/triggerline/eventbus/pkg/queue"
	"github.com/triggerline/eventbus/pkg/store"
)

type noopDispatcher struct {
	mu     sync.Mutex
	events store.EventStore
}

func (d *noopDispatcher) Attempt(ctx context.Context, event *store.Event) (delivery.Outcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.events.IncrementAttempts(ctx, event.ID); err != nil {
		return delivery.TransientFailure, err
	}
	return delivery.TransientFailure, nil
}

type batchFixture struct {
	orchestrator *Orchestrator
	service      *events.Service
	events       *store.MemoryStore
}

func newBatchFixture() *batchFixture {
	eventStore := store.NewMemoryStore()
	retries := queue.NewMemoryQueue(config.QueueSettings{Type: "memory"})
	service := events.NewService(eventStore, retries, &noopDispatcher{events: eventStore})
	return &batchFixture{
		orchestrator: NewOrchestrator(service),
		service:      service,
		events:       eventStore,
	}
}

func createRequest(amount float64) events.CreateRequest {
	return events.CreateRequest{
		Type:    "order.created",
		Payload: map[string]any{"amount": amount},
		Owner:   "key-1",
	}
}

func (f *batchFixture) seed(t *testing.T, n int) []string {
	t.Helper()
	ids := make([]string, n)
	for i := range ids {
		result, err := f.service.Create(context.Background(), createRequest(float64((i+1)*100)))
		require.NoError(t, err)
		ids[i] = result.Event.ID
		time.Sleep(time.Millisecond)
	}
	return ids
}

func assertSummaryInvariant(t *testing.T, result *Result) {
	t.Helper()
	assert.Equal(t, result.Summary.Total, len(result.Results))
	assert.Equal(t, result.Summary.Total, result.Summary.Successful+result.Summary.Failed)
}

func TestCreateBatch_PartialFailure(t *testing.T) {
	f := newBatchFixture()

	result, err := f.orchestrator.CreateBatch(context.Background(), []events.CreateRequest{
		createRequest(100),
		{Type: "order.created"}, // empty payload fails validation
		createRequest(300),
	})
	require.NoError(t, err)

	assertSummaryInvariant(t, result)
	assert.Equal(t, Summary{Total: 3, Successful: 2, Failed: 1}, result.Summary)

	assert.True(t, result.Results[0].Success)
	assert.NotNil(t, result.Results[0].Event)
	assert.False(t, result.Results[1].Success)
	assert.Equal(t, events.CodeValidation, events.CodeOf(result.Results[1].Error))
	assert.True(t, result.Results[2].Success)
	assert.Equal(t, 2, result.Results[2].Index)
}

func TestCreateBatch_SizeLimits(t *testing.T) {
	f := newBatchFixture()
	ctx := context.Background()

	_, err := f.orchestrator.CreateBatch(ctx, nil)
	assert.Equal(t, events.CodeValidation, events.CodeOf(err))

	oversized := make([]events.CreateRequest, 101)
	for i := range oversized {
		oversized[i] = createRequest(1)
	}
	_, err = f.orchestrator.CreateBatch(ctx, oversized)
	assert.Equal(t, events.CodeValidation, events.CodeOf(err))
}

func TestUpdateBatch_ModeIsExclusive(t *testing.T) {
	f := newBatchFixture()
	ctx := context.Background()

	_, err := f.orchestrator.UpdateBatch(ctx, UpdateBatchRequest{})
	assert.Equal(t, events.CodeValidation, events.CodeOf(err))

	_, err = f.orchestrator.UpdateBatch(ctx, UpdateBatchRequest{
		Items: []UpdateItem{{ID: "evt_a"}},
		Conditions: []filter.Condition{
			{Path: []string{"payload", "amount"}, Op: filter.OpGt, Value: "1"},
		},
	})
	assert.Equal(t, events.CodeValidation, events.CodeOf(err))
}

func TestUpdateBatch_ListMode(t *testing.T) {
	f := newBatchFixture()
	ids := f.seed(t, 2)

	result, err := f.orchestrator.UpdateBatch(context.Background(), UpdateBatchRequest{
		Items: []UpdateItem{
			{ID: ids[0], Update: store.Update{Metadata: map[string]any{"note": "a"}}},
			{ID: "evt_missing", Update: store.Update{Metadata: map[string]any{"note": "b"}}},
		},
		Owner: "key-1",
	})
	require.NoError(t, err)

	assertSummaryInvariant(t, result)
	assert.Equal(t, Summary{Total: 2, Successful: 1, Failed: 1}, result.Summary)
	assert.Equal(t, events.CodeNotFound, events.CodeOf(result.Results[1].Error))
}

func TestUpdateBatch_FilterMode(t *testing.T) {
	f := newBatchFixture()
	f.seed(t, 3) // amounts 100, 200, 300

	result, err := f.orchestrator.UpdateBatch(context.Background(), UpdateBatchRequest{
		Conditions: []filter.Condition{
			{Path: []string{"payload", "amount"}, Op: filter.OpGte, Value: "200"},
		},
		Update: store.Update{Metadata: map[string]any{"bulk": true}},
		Owner:  "key-1",
	})
	require.NoError(t, err)

	assertSummaryInvariant(t, result)
	assert.Equal(t, Summary{Total: 2, Successful: 2, Failed: 0}, result.Summary)
	for _, item := range result.Results {
		require.True(t, item.Success)
		assert.Equal(t, true, item.Event.Metadata["bulk"])
	}
}

func TestDeleteBatch_CombinedModeDeduplicates(t *testing.T) {
	f := newBatchFixture()
	ids := f.seed(t, 3) // amounts 100, 200, 300

	// ids[2] matches the filter and is also listed explicitly.
	result, err := f.orchestrator.DeleteBatch(context.Background(), DeleteBatchRequest{
		IDs: []string{ids[0], ids[2], ids[0]},
		Conditions: []filter.Condition{
			{Path: []string{"payload", "amount"}, Op: filter.OpGte, Value: "300"},
		},
		Owner: "key-1",
	})
	require.NoError(t, err)

	assertSummaryInvariant(t, result)
	assert.Equal(t, Summary{Total: 2, Successful: 2, Failed: 0}, result.Summary)

	_, err = f.service.Get(context.Background(), ids[1])
	assert.NoError(t, err) // untouched

	for _, id := range []string{ids[0], ids[2]} {
		_, err := f.service.Get(context.Background(), id)
		assert.Equal(t, events.CodeNotFound, events.CodeOf(err))
	}
}

func TestBatch_EmptyFilterMatchIsSuccess(t *testing.T) {
	f := newBatchFixture()
	f.seed(t, 2) // amounts 100, 200
	ctx := context.Background()

	noMatch := []filter.Condition{
		{Path: []string{"payload", "amount"}, Op: filter.OpGt, Value: "1000"},
	}

	updated, err := f.orchestrator.UpdateBatch(ctx, UpdateBatchRequest{
		Conditions: noMatch,
		Update:     store.Update{Metadata: map[string]any{"bulk": true}},
		Owner:      "key-1",
	})
	require.NoError(t, err)
	assertSummaryInvariant(t, updated)
	assert.Equal(t, Summary{}, updated.Summary)

	deleted, err := f.orchestrator.DeleteBatch(ctx, DeleteBatchRequest{
		Conditions: noMatch,
		Owner:      "key-1",
	})
	require.NoError(t, err)
	assertSummaryInvariant(t, deleted)
	assert.Equal(t, Summary{}, deleted.Summary)
}

func TestDeleteBatch_RequiresSelection(t *testing.T) {
	f := newBatchFixture()

	_, err := f.orchestrator.DeleteBatch(context.Background(), DeleteBatchRequest{})
	assert.Equal(t, events.CodeValidation, events.CodeOf(err))
}

func TestDeleteBatch_UnionCap(t *testing.T) {
	f := newBatchFixture()

	ids := make([]string, 101)
	for i := range ids {
		ids[i] = fmt.Sprintf("evt_%03d", i)
	}
	_, err := f.orchestrator.DeleteBatch(context.Background(), DeleteBatchRequest{IDs: ids, Owner: "key-1"})
	assert.Equal(t, events.CodeValidation, events.CodeOf(err))
}

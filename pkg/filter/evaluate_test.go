package filter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/triggerline/eventbus/pkg/store"
)

func sampleEvent() *store.Event {
	deliveredAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &store.Event{
		ID:     "evt_1a2b3c4d5e6f",
		Type:   "order.created",
		Status: store.StatusDelivered,
		Owner:  "key-1",
		Payload: map[string]any{
			"amount": float64(150),
			"customer": map[string]any{
				"email": "ada@example.com",
				"tier":  "gold",
			},
		},
		Metadata: map[string]any{
			"region": "eu-west",
		},
		CreatedAt:        time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		DeliveredAt:      &deliveredAt,
		DeliveryAttempts: 2,
	}
}

func TestEvaluate_NumericComparison(t *testing.T) {
	event := sampleEvent()

	assert.True(t, Evaluate(event, []Condition{
		{Path: []string{"payload", "amount"}, Op: OpGte, Value: "100"},
	}))
	assert.False(t, Evaluate(event, []Condition{
		{Path: []string{"payload", "amount"}, Op: OpLt, Value: "100"},
	}))
}

func TestEvaluate_NestedStringContains(t *testing.T) {
	event := sampleEvent()

	assert.True(t, Evaluate(event, []Condition{
		{Path: []string{"payload", "customer", "email"}, Op: OpContains, Value: "@example.com"},
	}))
	assert.True(t, Evaluate(event, []Condition{
		{Path: []string{"payload", "customer", "tier"}, Op: OpStartsWith, Value: "go"},
	}))
}

func TestEvaluate_AndSemantics(t *testing.T) {
	event := sampleEvent()

	conditions := []Condition{
		{Path: []string{"payload", "amount"}, Op: OpGt, Value: "100"},
		{Path: []string{"metadata", "region"}, Op: OpEq, Value: "eu-west"},
	}
	assert.True(t, Evaluate(event, conditions))

	conditions = append(conditions, Condition{
		Path: []string{"payload", "customer", "tier"}, Op: OpEq, Value: "silver",
	})
	assert.False(t, Evaluate(event, conditions))
}

func TestEvaluate_UnresolvablePathFails(t *testing.T) {
	event := sampleEvent()

	assert.False(t, Evaluate(event, []Condition{
		{Path: []string{"payload", "missing"}, Op: OpEq, Value: "x"},
	}))
	assert.False(t, Evaluate(event, []Condition{
		{Path: []string{"payload", "amount", "nested"}, Op: OpEq, Value: "x"},
	}))
}

func TestEvaluate_TopLevelAttributes(t *testing.T) {
	event := sampleEvent()

	assert.True(t, Evaluate(event, []Condition{
		{Path: []string{"status"}, Op: OpEq, Value: "delivered"},
	}))
	assert.True(t, Evaluate(event, []Condition{
		{Path: []string{"event_type"}, Op: OpStartsWith, Value: "order."},
	}))
	assert.True(t, Evaluate(event, []Condition{
		{Path: []string{"delivery_attempts"}, Op: OpLte, Value: "2"},
	}))
}

func TestEvaluate_TimestampWindow(t *testing.T) {
	event := sampleEvent()

	assert.True(t, Evaluate(event, []Condition{
		{Path: []string{"created_at"}, Op: OpGt, Value: "2026-02-28T00:00:00Z"},
		{Path: []string{"created_at"}, Op: OpLt, Value: "2026-03-02T00:00:00Z"},
	}))
	assert.True(t, Evaluate(event, []Condition{
		{Path: []string{"delivered_at"}, Op: OpGt, Value: "2026-03-01T11:00:00Z"},
	}))
}

func TestEvaluate_NilDeliveredAtFailsCondition(t *testing.T) {
	event := sampleEvent()
	event.DeliveredAt = nil

	assert.False(t, Evaluate(event, []Condition{
		{Path: []string{"delivered_at"}, Op: OpGt, Value: "2020-01-01T00:00:00Z"},
	}))
}

func TestEvaluate_IncomparableOperandsFail(t *testing.T) {
	event := sampleEvent()

	// Ordering a string field against a non-numeric literal has no common order.
	assert.False(t, Evaluate(event, []Condition{
		{Path: []string{"metadata", "region"}, Op: OpGt, Value: "eu"},
	}))
	// contains requires a string target.
	assert.False(t, Evaluate(event, []Condition{
		{Path: []string{"payload", "amount"}, Op: OpContains, Value: "5"},
	}))
}

func TestEvaluate_NumericEqualityCoercion(t *testing.T) {
	event := sampleEvent()

	assert.True(t, Evaluate(event, []Condition{
		{Path: []string{"payload", "amount"}, Op: OpEq, Value: "150.0"},
	}))
	assert.True(t, Evaluate(event, []Condition{
		{Path: []string{"payload", "amount"}, Op: OpNe, Value: "151"},
	}))
}

package filter

import (
	"strconv"
	"strings"
	"time"

	"github.com/triggerline/eventbus/pkg/store"
)

// Evaluate reports whether the event satisfies every condition. A condition
// whose path does not resolve, or whose operands cannot be compared, fails.
func Evaluate(event *store.Event, conditions []Condition) bool {
	for _, cond := range conditions {
		if !matches(event, cond) {
			return false
		}
	}
	return true
}

func matches(event *store.Event, cond Condition) bool {
	target, ok := resolve(event, cond.Path)
	if !ok {
		return false
	}

	switch cond.Op {
	case OpEq:
		return equal(target, cond.Value)
	case OpNe:
		return !equal(target, cond.Value)
	case OpGt, OpGte, OpLt, OpLte:
		order, ok := compare(target, cond.Value)
		if !ok {
			return false
		}
		switch cond.Op {
		case OpGt:
			return order > 0
		case OpGte:
			return order >= 0
		case OpLt:
			return order < 0
		default:
			return order <= 0
		}
	case OpContains:
		s, ok := target.(string)
		return ok && strings.Contains(s, cond.Value)
	case OpStartsWith:
		s, ok := target.(string)
		return ok && strings.HasPrefix(s, cond.Value)
	}
	return false
}

// resolve navigates the event by path segments, through the payload and
// metadata trees or the event's top-level attributes.
func resolve(event *store.Event, path []string) (any, bool) {
	if len(path) == 0 {
		return nil, false
	}

	var current any
	switch path[0] {
	case "payload":
		if len(path) == 1 {
			return nil, false
		}
		current = any(event.Payload)
		return navigate(current, path[1:])
	case "metadata":
		if len(path) == 1 || event.Metadata == nil {
			return nil, false
		}
		current = any(event.Metadata)
		return navigate(current, path[1:])
	}

	if len(path) != 1 {
		return nil, false
	}
	switch path[0] {
	case "id":
		return event.ID, true
	case "event_type", "type":
		return event.Type, true
	case "status":
		return string(event.Status), true
	case "owner":
		return event.Owner, true
	case "idempotency_key":
		return event.IdempotencyKey, true
	case "created_at":
		return event.CreatedAt, true
	case "delivered_at":
		if event.DeliveredAt == nil {
			return nil, false
		}
		return *event.DeliveredAt, true
	case "delivery_attempts":
		return event.DeliveryAttempts, true
	}
	return nil, false
}

func navigate(current any, path []string) (any, bool) {
	for _, segment := range path {
		node, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = node[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// equal applies deep value equality between a stored value and the query
// literal, coercing numbers and timestamps before falling back to strings.
func equal(target any, literal string) bool {
	if tn, ln, ok := asNumbers(target, literal); ok {
		return tn == ln
	}
	if tt, lt, ok := asTimes(target, literal); ok {
		return tt.Equal(lt)
	}
	switch v := target.(type) {
	case string:
		return v == literal
	case bool:
		parsed, err := strconv.ParseBool(literal)
		return err == nil && v == parsed
	}
	return false
}

// compare returns the sign of target-literal under a common total order,
// or ok=false when the operands are not coercible to one.
func compare(target any, literal string) (int, bool) {
	if tn, ln, ok := asNumbers(target, literal); ok {
		switch {
		case tn < ln:
			return -1, true
		case tn > ln:
			return 1, true
		}
		return 0, true
	}
	if tt, lt, ok := asTimes(target, literal); ok {
		switch {
		case tt.Before(lt):
			return -1, true
		case tt.After(lt):
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func asNumbers(target any, literal string) (float64, float64, bool) {
	ln, err := strconv.ParseFloat(literal, 64)
	if err != nil {
		return 0, 0, false
	}
	switch v := target.(type) {
	case float64:
		return v, ln, true
	case float32:
		return float64(v), ln, true
	case int:
		return float64(v), ln, true
	case int32:
		return float64(v), ln, true
	case int64:
		return float64(v), ln, true
	case string:
		tn, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, 0, false
		}
		return tn, ln, true
	}
	return 0, 0, false
}

func asTimes(target any, literal string) (time.Time, time.Time, bool) {
	lt, err := time.Parse(time.RFC3339, literal)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	switch v := target.(type) {
	case time.Time:
		return v, lt, true
	case string:
		tt, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, false
		}
		return tt, lt, true
	}
	return time.Time{}, time.Time{}, false
}

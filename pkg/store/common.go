package store

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const defaultListLimit = 50

func addDBStatsToSpan(span trace.Span, system, statement string, eventsCount int, duration time.Duration) {
	span.SetAttributes(
		attribute.Int("eventsCount", eventsCount),
		attribute.String("db.system", system),
		attribute.String("db.statement", statement),
		attribute.Float64("db.execution_time_ms", float64(duration.Milliseconds())),
	)
}

type pageCursor struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id"`
}

func encodeCursor(c pageCursor) string {
	raw, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func decodeCursor(s string) (pageCursor, bool) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return pageCursor{}, false
	}
	var c pageCursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return pageCursor{}, false
	}
	return c, true
}

// beforeCursor reports whether the event sorts strictly after the cursor
// position in the created_at-descending, id-descending page order.
func beforeCursor(e *Event, c pageCursor) bool {
	if e.CreatedAt.Before(c.CreatedAt) {
		return true
	}
	return e.CreatedAt.Equal(c.CreatedAt) && e.ID < c.ID
}

// afterCursor is the ascending-order counterpart of beforeCursor.
func afterCursor(e *Event, c pageCursor) bool {
	if e.CreatedAt.After(c.CreatedAt) {
		return true
	}
	return e.CreatedAt.Equal(c.CreatedAt) && e.ID > c.ID
}

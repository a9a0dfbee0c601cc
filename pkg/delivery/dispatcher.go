package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/triggerline/eventbus/pkg/config"
	"github.com/triggerline/eventbus/pkg/store"
)

// Outcome classifies a single delivery attempt.
type Outcome int

const (
	// Delivered means the downstream target accepted the event.
	Delivered Outcome = iota
	// TransientFailure means the attempt failed in a retryable way
	// (timeout, network error, 5xx response).
	TransientFailure
	// PermanentFailure means the target rejected the event (4xx response).
	PermanentFailure
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case TransientFailure:
		return "transient_failure"
	default:
		return "permanent_failure"
	}
}

// Dispatcher performs one delivery attempt against the downstream target.
type Dispatcher interface {
	// Attempt posts the event downstream. The attempt counter is persisted
	// through the store before the outcome is returned; on Delivered the
	// store also records status=delivered and the delivery timestamp. A
	// non-nil error means the attempt could not be recorded or classified
	// and should be treated as transient.
	Attempt(ctx context.Context, event *store.Event) (Outcome, error)
}

// envelope is the wire format posted to the downstream target.
type envelope struct {
	EventID   string         `json:"event_id"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// HTTPDispatcher pushes events to a fixed HTTP endpoint with bounded connect
// and total-request timeouts.
type HTTPDispatcher struct {
	events    store.EventStore
	client    *http.Client
	targetURL string
}

func NewHTTPDispatcher(events store.EventStore, cfg config.DeliverySettings) *HTTPDispatcher {
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}
	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 10 * time.Second
	}

	return &HTTPDispatcher{
		events: events,
		client: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
			},
		},
		targetURL: cfg.TargetURL,
	}
}

func (d *HTTPDispatcher) Attempt(ctx context.Context, event *store.Event) (Outcome, error) {
	tracer := otel.Tracer("eventbus")
	ctx, span := tracer.Start(ctx, "Attempt", trace.WithAttributes(
		attribute.String("event.id", event.ID),
		attribute.String("event.type", event.Type),
		attribute.Int("event.delivery_attempts", event.DeliveryAttempts),
	))
	defer span.End()

	// Record the attempt before branching on its result.
	if err := d.events.IncrementAttempts(ctx, event.ID); err != nil {
		span.RecordError(err)
		return TransientFailure, fmt.Errorf("failed to record delivery attempt: %w", err)
	}

	body, err := json.Marshal(envelope{
		EventID:   event.ID,
		EventType: event.Type,
		Payload:   event.Payload,
		Metadata:  event.Metadata,
		CreatedAt: event.CreatedAt,
	})
	if err != nil {
		span.RecordError(err)
		return PermanentFailure, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.targetURL, bytes.NewReader(body))
	if err != nil {
		span.RecordError(err)
		return PermanentFailure, nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		// Timeouts and network errors are retryable.
		log.Printf("Delivery attempt for event %s failed: %v", event.ID, err)
		span.RecordError(err)
		return TransientFailure, nil
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if err := d.events.MarkDelivered(ctx, event.ID, time.Now().UTC()); err != nil {
			span.RecordError(err)
			return TransientFailure, fmt.Errorf("failed to record delivery: %w", err)
		}
		return Delivered, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		log.Printf("Delivery attempt for event %s rejected with status %d", event.ID, resp.StatusCode)
		return PermanentFailure, nil
	default:
		log.Printf("Delivery attempt for event %s failed with status %d", event.ID, resp.StatusCode)
		return TransientFailure, nil
	}
}

package worker

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/triggerline/eventbus/pkg/config"
	"github.com/triggerline/eventbus/pkg/delivery"
	"github.com/triggerline/eventbus/pkg/queue"
	"github.com/triggerline/eventbus/pkg/store"
)

// DeliveryWorker drains the retry queue, re-attempting delivery for each
// message and acknowledging or releasing it based on the outcome.
type DeliveryWorker struct {
	events     store.EventStore
	retries    queue.RetryQueue
	dispatcher delivery.Dispatcher
	tracer     trace.Tracer

	batchSize   int
	pollWait    time.Duration
	concurrency int
}

// NewDeliveryWorker creates a new instance of DeliveryWorker.
func NewDeliveryWorker(events store.EventStore, retries queue.RetryQueue, dispatcher delivery.Dispatcher, cfg config.WorkerSettings) *DeliveryWorker {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 10
	}
	pollWait := cfg.PollWait
	if pollWait <= 0 {
		pollWait = 5 * time.Second
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	return &DeliveryWorker{
		events:      events,
		retries:     retries,
		dispatcher:  dispatcher,
		tracer:      otel.Tracer("eventbus"),
		batchSize:   batchSize,
		pollWait:    pollWait,
		concurrency: concurrency,
	}
}

// Run drains the queue until the context is canceled.
func (w *DeliveryWorker) Run(ctx context.Context) {
	sem := make(chan struct{}, w.concurrency)
	for {
		if ctx.Err() != nil {
			return
		}

		deliveries, err := w.retries.Receive(ctx, w.batchSize, w.pollWait)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			log.Printf("Failed to receive from retry queue: %v", err)
			continue
		}

		var wg sync.WaitGroup
		for _, d := range deliveries {
			sem <- struct{}{}
			wg.Add(1)
			go func(d *queue.Delivery) {
				defer wg.Done()
				defer func() { <-sem }()
				w.process(ctx, d)
			}(d)
		}
		wg.Wait()
	}
}

func (w *DeliveryWorker) process(ctx context.Context, d *queue.Delivery) {
	ctx, span := w.tracer.Start(ctx, "ProcessRetry", trace.WithAttributes(
		attribute.String("event.id", d.EventID),
		attribute.String("event.type", d.EventType),
		attribute.Int("queue.receive_count", d.ReceiveCount),
	))
	defer span.End()

	// The queue snapshot may be stale; the store holds current state.
	event, err := w.events.Get(ctx, d.EventID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Deleted since it was enqueued; nothing left to deliver.
			w.ack(ctx, d, span)
			return
		}
		log.Printf("Failed to load event %s: %v", d.EventID, err)
		span.RecordError(err)
		w.release(ctx, d, span)
		return
	}

	// Only pending events are dispatched. Anything else was resolved after
	// the message was enqueued, so the message is acknowledged untouched.
	if event.Status != store.StatusPending {
		w.ack(ctx, d, span)
		return
	}

	outcome, err := w.dispatcher.Attempt(ctx, event)
	if err != nil {
		log.Printf("Delivery attempt for event %s errored: %v", event.ID, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("delivery.outcome", outcome.String()))

	if outcome == delivery.Delivered {
		w.ack(ctx, d, span)
		return
	}
	w.release(ctx, d, span)
}

func (w *DeliveryWorker) ack(ctx context.Context, d *queue.Delivery, span trace.Span) {
	if err := w.retries.Ack(ctx, d); err != nil {
		log.Printf("Failed to ack message for event %s: %v", d.EventID, err)
		span.RecordError(err)
	}
}

func (w *DeliveryWorker) release(ctx context.Context, d *queue.Delivery, span trace.Span) {
	deadLettered, err := w.retries.Release(ctx, d)
	if err != nil {
		log.Printf("Failed to release message for event %s: %v", d.EventID, err)
		span.RecordError(err)
		return
	}
	if !deadLettered {
		return
	}

	span.SetAttributes(attribute.Bool("queue.dead_lettered", true))
	log.Printf("Event %s exhausted its delivery attempts, moved to dead-letter queue", d.EventID)
	if err := w.events.MarkFailed(ctx, d.EventID); err != nil {
		log.Printf("Failed to mark event %s as failed: %v", d.EventID, err)
		span.RecordError(err)
	}
}

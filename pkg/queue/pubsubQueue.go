package queue

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/option"

	"github.com/triggerline/eventbus/pkg/config"
)

// PubSubQueueCreator defines a function type for creating Pub/Sub queues.
type PubSubQueueCreator func(ctx context.Context, settings *config.QueueSettings, opts ...option.ClientOption) (RetryQueue, error)

// NewPubSubQueue is the default implementation of PubSubQueueCreator. Retry
// backoff follows the subscription's retry policy; exhausted messages are
// redriven to the dead-letter topic from the client side so the receive cap
// is enforced uniformly across backends.
var NewPubSubQueue PubSubQueueCreator = func(ctx context.Context, settings *config.QueueSettings, opts ...option.ClientOption) (RetryQueue, error) {
	client, err := pubsub.NewClient(ctx, settings.ProjectID, opts...)
	if err != nil {
		return nil, err
	}

	sub := client.Subscription(settings.Subscription)
	sub.ReceiveSettings.Synchronous = true
	sub.ReceiveSettings.NumGoroutines = 1

	return &pubSubQueue{
		client:          client,
		topic:           client.Topic(settings.Topic),
		deadLetterTopic: client.Topic(settings.DeadLetterTopic),
		subscription:    sub,
		receiveCap:      settings.ReceiveCap(),
	}, nil
}

type pubSubQueue struct {
	client          *pubsub.Client
	topic           *pubsub.Topic
	deadLetterTopic *pubsub.Topic
	subscription    *pubsub.Subscription
	receiveCap      int

	// Pub/Sub has no synchronous depth API; this counts messages this
	// process has redriven to the dead-letter topic.
	deadLettered int64
}

func (q *pubSubQueue) Enqueue(ctx context.Context, msg *Message) error {
	tracer := otel.Tracer("eventbus")
	ctx, span := tracer.Start(ctx, "Enqueue",
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("pubsub"),
			semconv.MessagingDestinationKindKey.String("topic"),
			semconv.MessagingDestinationKey.String(q.topic.ID()),
		),
	)
	defer span.End()

	body, err := json.Marshal(msg)
	if err != nil {
		span.RecordError(err)
		return err
	}

	res := q.topic.Publish(ctx, &pubsub.Message{Data: body})
	if _, err := res.Get(ctx); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

func (q *pubSubQueue) Receive(ctx context.Context, maxMessages int, wait time.Duration) ([]*Delivery, error) {
	q.subscription.ReceiveSettings.MaxOutstandingMessages = maxMessages

	cctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	var (
		mu         sync.Mutex
		deliveries []*Delivery
	)
	err := q.subscription.Receive(cctx, func(mctx context.Context, m *pubsub.Message) {
		var msg Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			// Unparseable payloads go straight to the dead-letter topic.
			q.redriveRaw(mctx, m)
			return
		}

		receiveCount := 1
		if m.DeliveryAttempt != nil {
			receiveCount = *m.DeliveryAttempt
		}

		mu.Lock()
		deliveries = append(deliveries, &Delivery{
			Message:      msg,
			ReceiveCount: receiveCount,
			receipt:      m,
		})
		full := len(deliveries) >= maxMessages
		mu.Unlock()
		if full {
			cancel()
		}
	})
	if err != nil && cctx.Err() == nil {
		return deliveries, err
	}
	return deliveries, nil
}

func (q *pubSubQueue) Ack(ctx context.Context, d *Delivery) error {
	d.receipt.(*pubsub.Message).Ack()
	return nil
}

func (q *pubSubQueue) Release(ctx context.Context, d *Delivery) (bool, error) {
	m := d.receipt.(*pubsub.Message)

	if d.ReceiveCount >= q.receiveCap {
		res := q.deadLetterTopic.Publish(ctx, &pubsub.Message{Data: m.Data})
		if _, err := res.Get(ctx); err != nil {
			m.Nack()
			return false, err
		}
		m.Ack()
		atomic.AddInt64(&q.deadLettered, 1)
		return true, nil
	}

	m.Nack()
	return false, nil
}

// redriveRaw forwards a message to the dead-letter topic and acknowledges
// it. On publish failure the message is nacked so it is not lost.
func (q *pubSubQueue) redriveRaw(ctx context.Context, m *pubsub.Message) {
	res := q.deadLetterTopic.Publish(ctx, &pubsub.Message{Data: m.Data})
	if _, err := res.Get(ctx); err != nil {
		m.Nack()
		return
	}
	m.Ack()
	atomic.AddInt64(&q.deadLettered, 1)
}

func (q *pubSubQueue) DeadLetterDepth(ctx context.Context) (int, error) {
	return int(atomic.LoadInt64(&q.deadLettered)), nil
}

func (q *pubSubQueue) Close() error {
	q.topic.Stop()
	q.deadLetterTopic.Stop()
	return q.client.Close()
}

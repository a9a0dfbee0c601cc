package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/triggerline/eventbus/pkg/config"
)

const (
	receiveCountHeader    = "x-receive-count"
	rabbitEmptyPollPause  = 100 * time.Millisecond
	retryQueueSuffix      = ".retry"
	deadLetterQueueSuffix = ".dead"
)

type RabbitMQQueueCreator func(ctx context.Context, settings *config.QueueSettings) (RetryQueue, error)

// NewRabbitMQQueue connects to RabbitMQ and declares the working queue, a
// retry queue, and a dead-letter queue. Backoff is modelled with per-message
// TTLs on the retry queue, whose dead-letter exchange routes expired messages
// back onto the working queue.
var NewRabbitMQQueue RabbitMQQueueCreator = func(ctx context.Context, settings *config.QueueSettings) (RetryQueue, error) {
	conn, err := amqp.Dial(settings.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	queueName := settings.Topic
	deadLetterName := settings.DeadLetterTopic
	if deadLetterName == "" {
		deadLetterName = queueName + deadLetterQueueSuffix
	}
	retryName := queueName + retryQueueSuffix

	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", queueName, err)
	}
	// Expired retry messages dead-letter through the default exchange back
	// onto the working queue.
	if _, err := ch.QueueDeclare(retryName, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": queueName,
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", retryName, err)
	}
	if _, err := ch.QueueDeclare(deadLetterName, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", deadLetterName, err)
	}

	return &rabbitMqQueue{
		connection:     conn,
		channel:        ch,
		queueName:      queueName,
		retryName:      retryName,
		deadLetterName: deadLetterName,
		receiveCap:     settings.ReceiveCap(),
		initialBackoff: settings.InitialBackoff,
		maxBackoff:     settings.MaxBackoff,
	}, nil
}

type rabbitMqQueue struct {
	connection     *amqp.Connection
	channel        *amqp.Channel
	mu             sync.Mutex
	queueName      string
	retryName      string
	deadLetterName string
	receiveCap     int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

func (q *rabbitMqQueue) Enqueue(ctx context.Context, msg *Message) error {
	tracer := otel.Tracer("eventbus")
	_, span := tracer.Start(ctx, "Enqueue",
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("rabbitmq"),
			semconv.MessagingDestinationKey.String(q.queueName),
		),
	)
	defer span.End()

	if err := q.publish(q.queueName, msg, 0, 0); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

func (q *rabbitMqQueue) publish(routingKey string, msg *Message, receiveCount int, expiration time.Duration) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	publishing := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Headers:      amqp.Table{receiveCountHeader: int32(receiveCount)},
	}
	if expiration > 0 {
		publishing.Expiration = strconv.FormatInt(expiration.Milliseconds(), 10)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	return q.channel.Publish("", routingKey, false, false, publishing)
}

func (q *rabbitMqQueue) Receive(ctx context.Context, maxMessages int, wait time.Duration) ([]*Delivery, error) {
	deadline := time.Now().Add(wait)
	var deliveries []*Delivery
	for len(deliveries) < maxMessages {
		q.mu.Lock()
		raw, ok, err := q.channel.Get(q.queueName, false)
		q.mu.Unlock()
		if err != nil {
			return deliveries, err
		}
		if !ok {
			if len(deliveries) > 0 || !time.Now().Before(deadline) {
				break
			}
			select {
			case <-ctx.Done():
				return deliveries, ctx.Err()
			case <-time.After(rabbitEmptyPollPause):
			}
			continue
		}

		var msg Message
		if err := json.Unmarshal(raw.Body, &msg); err != nil {
			// Unparseable messages go straight to the dead-letter queue.
			if err := q.publishRaw(q.deadLetterName, raw.Body, raw.Headers); err != nil {
				return deliveries, err
			}
			raw.Ack(false)
			continue
		}

		deliveries = append(deliveries, &Delivery{
			Message:      msg,
			ReceiveCount: headerReceiveCount(raw.Headers) + 1,
			receipt:      raw,
		})
	}
	return deliveries, nil
}

func (q *rabbitMqQueue) publishRaw(routingKey string, body []byte, headers amqp.Table) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.channel.Publish("", routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Headers:      headers,
	})
}

func (q *rabbitMqQueue) Ack(ctx context.Context, d *Delivery) error {
	raw := d.receipt.(amqp.Delivery)
	return raw.Ack(false)
}

func (q *rabbitMqQueue) Release(ctx context.Context, d *Delivery) (bool, error) {
	raw := d.receipt.(amqp.Delivery)

	if d.ReceiveCount >= q.receiveCap {
		if err := q.publish(q.deadLetterName, &d.Message, d.ReceiveCount, 0); err != nil {
			return false, err
		}
		return true, raw.Ack(false)
	}

	delay := backoffDelay(d.ReceiveCount, q.initialBackoff, q.maxBackoff)
	if err := q.publish(q.retryName, &d.Message, d.ReceiveCount, delay); err != nil {
		return false, err
	}
	return false, raw.Ack(false)
}

func (q *rabbitMqQueue) DeadLetterDepth(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	state, err := q.channel.QueueInspect(q.deadLetterName)
	if err != nil {
		return 0, err
	}
	return state.Messages, nil
}

func (q *rabbitMqQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.channel.Close()
	return q.connection.Close()
}

func headerReceiveCount(headers amqp.Table) int {
	switch v := headers[receiveCountHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}

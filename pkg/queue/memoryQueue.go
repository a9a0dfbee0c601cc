package queue

import (
	"context"
	"sync"
	"time"

	"github.com/triggerline/eventbus/pkg/config"
)

const memoryPollInterval = 5 * time.Millisecond

type memoryItem struct {
	id           int
	msg          *Message
	receiveCount int
	visibleAt    time.Time
}

// MemoryQueue is an in-process RetryQueue used for tests and local
// development. It models visibility timeouts, per-receive backoff, and
// dead-letter redrive the way the durable backends do.
type MemoryQueue struct {
	mu          sync.Mutex
	items       map[int]*memoryItem
	nextID      int
	deadLetters []*Message

	receiveCap     int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	visibilityWait time.Duration

	now func() time.Time
}

func NewMemoryQueue(cfg config.QueueSettings) *MemoryQueue {
	visibility := cfg.VisibilityWait
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	return &MemoryQueue{
		items:          make(map[int]*memoryItem),
		receiveCap:     cfg.ReceiveCap(),
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
		visibilityWait: visibility,
		now:            time.Now,
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, msg *Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.nextID++
	q.items[q.nextID] = &memoryItem{
		id:        q.nextID,
		msg:       msg,
		visibleAt: q.now(),
	}
	return nil
}

func (q *MemoryQueue) Receive(ctx context.Context, maxMessages int, wait time.Duration) ([]*Delivery, error) {
	deadline := q.now().Add(wait)
	for {
		if deliveries := q.receiveVisible(maxMessages); len(deliveries) > 0 {
			return deliveries, nil
		}
		if !q.now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(memoryPollInterval):
		}
	}
}

func (q *MemoryQueue) receiveVisible(maxMessages int) []*Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var deliveries []*Delivery
	for _, item := range q.items {
		if len(deliveries) >= maxMessages {
			break
		}
		if item.visibleAt.After(now) {
			continue
		}
		item.receiveCount++
		// In-flight until acked or released; a crashed consumer's message
		// becomes visible again after the base visibility timeout.
		item.visibleAt = now.Add(q.visibilityWait)
		deliveries = append(deliveries, &Delivery{
			Message:      *item.msg,
			ReceiveCount: item.receiveCount,
			receipt:      item.id,
		})
	}
	return deliveries
}

func (q *MemoryQueue) Ack(ctx context.Context, d *Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.items, d.receipt.(int))
	return nil
}

func (q *MemoryQueue) Release(ctx context.Context, d *Delivery) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[d.receipt.(int)]
	if !ok {
		return false, nil
	}
	if item.receiveCount >= q.receiveCap {
		q.deadLetters = append(q.deadLetters, item.msg)
		delete(q.items, item.id)
		return true, nil
	}
	item.visibleAt = q.now().Add(backoffDelay(item.receiveCount, q.initialBackoff, q.maxBackoff))
	return false, nil
}

// Depth reports how many messages remain on the queue, in flight included.
func (q *MemoryQueue) Depth(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items), nil
}

func (q *MemoryQueue) DeadLetterDepth(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.deadLetters), nil
}

// DeadLetters returns the dead-lettered messages, oldest first.
func (q *MemoryQueue) DeadLetters() []*Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*Message, len(q.deadLetters))
	copy(out, q.deadLetters)
	return out
}

// DrainDeadLetters removes and returns all dead-lettered messages.
func (q *MemoryQueue) DrainDeadLetters() []*Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := q.deadLetters
	q.deadLetters = nil
	return out
}

func (q *MemoryQueue) Close() error {
	return nil
}

package monitor

import (
	"context"
	"log"
	"time"
)

// DepthReader reports the current dead-letter queue depth.
type DepthReader interface {
	DeadLetterDepth(ctx context.Context) (int, error)
}

// Notifier receives alert state changes from the monitor.
type Notifier interface {
	Raise(ctx context.Context, depth int)
	Clear(ctx context.Context)
}

// LogNotifier writes alert transitions to the process log.
type LogNotifier struct{}

func (LogNotifier) Raise(ctx context.Context, depth int) {
	log.Printf("ALERT: dead-letter queue holds %d undeliverable events", depth)
}

func (LogNotifier) Clear(ctx context.Context) {
	log.Printf("Dead-letter queue drained, alert cleared")
}

// DeadLetterMonitor polls the dead-letter queue depth and drives a single
// alert state. An alert raises after the depth stays above zero for two
// consecutive observation windows and clears once the queue drains.
type DeadLetterMonitor struct {
	depth    DepthReader
	notifier Notifier
	window   time.Duration

	breaches int
	raised   bool
}

func NewDeadLetterMonitor(depth DepthReader, notifier Notifier, window time.Duration) *DeadLetterMonitor {
	if notifier == nil {
		notifier = LogNotifier{}
	}
	if window <= 0 {
		window = time.Minute
	}
	return &DeadLetterMonitor{
		depth:    depth,
		notifier: notifier,
		window:   window,
	}
}

// Run observes the queue every window until the context is canceled.
func (m *DeadLetterMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.window)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Observe(ctx)
		}
	}
}

// Observe takes one depth reading and updates the alert state.
func (m *DeadLetterMonitor) Observe(ctx context.Context) {
	depth, err := m.depth.DeadLetterDepth(ctx)
	if err != nil {
		log.Printf("Failed to read dead-letter depth: %v", err)
		return
	}

	if depth == 0 {
		m.breaches = 0
		if m.raised {
			m.raised = false
			m.notifier.Clear(ctx)
		}
		return
	}

	m.breaches++
	if m.breaches >= 2 && !m.raised {
		m.raised = true
		m.notifier.Raise(ctx, depth)
	}
}

// Raised reports whether the alert is currently active.
func (m *DeadLetterMonitor) Raised() bool {
	return m.raised
}

package queue

import (
	"context"
	"fmt"

	"github.com/triggerline/eventbus/pkg/config"
)

// NewQueue builds the retry queue named by the configuration.
func NewQueue(ctx context.Context, cfg config.QueueSettings) (RetryQueue, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryQueue(cfg), nil
	case "rabbitmq":
		return NewRabbitMQQueue(ctx, &cfg)
	case "gcp-pubsub":
		return NewPubSubQueue(ctx, &cfg)
	default:
		return nil, fmt.Errorf("unsupported queue type: %s", cfg.Type)
	}
}

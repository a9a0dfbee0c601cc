package config

import "time"

// QueueSettings holds configuration for the retry queue backend.
type QueueSettings struct {
	Type            string        `mapstructure:"type" validate:"required"`
	URL             string        `mapstructure:"url"`                // RabbitMQ connection URL
	ProjectID       string        `mapstructure:"projectID"`          // GCP Pub/Sub project
	Topic           string        `mapstructure:"topic"`              // Pub/Sub topic / RabbitMQ queue name
	Subscription    string        `mapstructure:"subscription"`       // Pub/Sub subscription
	DeadLetterTopic string        `mapstructure:"dead_letter_topic"`  // terminal channel for exhausted events
	MaxReceiveCount int           `mapstructure:"max_receive_count"`  // redrive threshold
	InitialBackoff  time.Duration `mapstructure:"initial_backoff"`    // first redelivery delay
	MaxBackoff      time.Duration `mapstructure:"max_backoff"`        // backoff cap
	VisibilityWait  time.Duration `mapstructure:"visibility_timeout"` // base in-flight timeout
}

// ReceiveCap returns the configured max receive count, defaulting to 5.
func (q QueueSettings) ReceiveCap() int {
	if q.MaxReceiveCount <= 0 {
		return 5
	}
	return q.MaxReceiveCount
}

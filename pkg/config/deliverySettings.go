package config

import "time"

// DeliverySettings holds configuration for the downstream push target.
type DeliverySettings struct {
	TargetURL      string        `mapstructure:"target_url" validate:"required,url"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

package config

import "time"

// RemoteSettings holds configuration for reaching the remote portal service.
type RemoteSettings struct {
	Type        string        `mapstructure:"type" validate:"required,oneof=http rabbitmq gcp-pubsub"`
	URL         string        `mapstructure:"url" validate:"required_unless=Type gcp-pubsub"`
	Token       string        `mapstructure:"token"`        // bearer token for the HTTP API
	Exchange    string        `mapstructure:"exchange"`     // RabbitMQ exchange
	PoolSize    int           `mapstructure:"pool_size"`    // RabbitMQ channel pool
	ProjectID   string        `mapstructure:"project_id" validate:"required_if=Type gcp-pubsub"`
	TopicPrefix string        `mapstructure:"topic_prefix"` // Pub/Sub topic = prefix + kind
	Timeout     time.Duration `mapstructure:"timeout"`
}

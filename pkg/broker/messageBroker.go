package broker

import "context"

// Message is one replayed operation on its way to a broker.
type Message struct {
	// Topic names the destination. RabbitMQ uses it as the routing key,
	// Pub/Sub appends it to the configured topic prefix.
	Topic string
	// OrderingKey keeps messages sharing it in publish order where the broker supports it.
	OrderingKey string
	Payload     []byte
	Headers     map[string]string
}

// MessageBroker defines the operations to publish messages to a broker.
type MessageBroker interface {
	// Publish sends the message and waits for the broker to accept it.
	Publish(ctx context.Context, msg *Message) error
	// Close cleans up any resources (connections).
	Close() error
}

package broker

import (
	"context"
	"sync"

	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/offline-sync/pkg/config"
)

// PubSubBrokerCreator defines a function type for creating Pub/Sub clients.
type PubSubBrokerCreator func(ctx context.Context, settings *config.RemoteSettings, logger logrus.FieldLogger, opts ...option.ClientOption) (MessageBroker, error)

// NewPubSubClient is the default implementation of PubSubBrokerCreator.
var NewPubSubClient PubSubBrokerCreator = func(ctx context.Context, settings *config.RemoteSettings, logger logrus.FieldLogger, opts ...option.ClientOption) (MessageBroker, error) {
	client, err := pubsub.NewClient(ctx, settings.ProjectID, opts...)
	if err != nil {
		return nil, err
	}
	return &pubSubBroker{
		client:      client,
		topicPrefix: settings.TopicPrefix,
		topics:      make(map[string]*pubsub.Topic),
		logger:      logger.WithField("broker", "gcp-pubsub"),
	}, nil
}

type pubSubBroker struct {
	client      *pubsub.Client
	topicPrefix string
	mu          sync.Mutex
	topics      map[string]*pubsub.Topic
	logger      logrus.FieldLogger
}

// topic returns a cached handle so publish batching and ordering state survive between calls.
func (p *pubSubBroker) topic(name string) *pubsub.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t, ok := p.topics[name]; ok {
		return t
	}
	t := p.client.Topic(name)
	t.EnableMessageOrdering = true
	p.topics[name] = t
	return t
}

func (p *pubSubBroker) Publish(ctx context.Context, msg *Message) error {
	topicName := p.topicPrefix + msg.Topic

	tracer := otel.Tracer("offline-sync")
	ctx, span := tracer.Start(ctx, "Publish",
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("pubsub"),
			semconv.MessagingDestinationKindKey.String("topic"),
			semconv.MessagingDestinationKey.String(topicName),
		),
	)
	defer span.End()

	// Inject the trace context into the message attributes
	attributes := make(map[string]string, len(msg.Headers))
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(attributes))
	for key, value := range msg.Headers {
		attributes[key] = value
	}

	topic := p.topic(topicName)
	res := topic.Publish(ctx, &pubsub.Message{
		Data:        msg.Payload,
		Attributes:  attributes,
		OrderingKey: msg.OrderingKey,
	})
	serverID, err := res.Get(ctx) // wait for server ack
	if err != nil {
		span.RecordError(err)
		if msg.OrderingKey != "" {
			// a failed publish pauses its ordering key until resumed
			topic.ResumePublish(msg.OrderingKey)
		}
		return err
	}

	span.SetAttributes(
		attribute.Int("messaging.message_payload_size_bytes", len(msg.Payload)),
		attribute.String("messaging.message_id", serverID),
	)
	p.logger.WithFields(logrus.Fields{"topic": topicName, "message_id": serverID}).Debug("published message")

	return nil
}

func (p *pubSubBroker) Close() error {
	p.mu.Lock()
	for _, t := range p.topics {
		t.Stop()
	}
	p.mu.Unlock()
	return p.client.Close()
}

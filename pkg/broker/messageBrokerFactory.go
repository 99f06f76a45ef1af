package broker

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/zoff-tech/offline-sync/pkg/config"
)

func NewBroker(ctx context.Context, cfg *config.RemoteSettings, logger logrus.FieldLogger) (MessageBroker, error) {
	switch cfg.Type {
	case "rabbitmq":
		return NewRabbitMqBroker(ctx, cfg, logger)
	case "gcp-pubsub":
		return NewPubSubClient(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported broker type: %s", cfg.Type)
	}
}

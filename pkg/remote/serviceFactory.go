package remote

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/zoff-tech/offline-sync/pkg/broker"
	"github.com/zoff-tech/offline-sync/pkg/config"
)

type HTTPServiceCreator func(cfg *config.RemoteSettings) (Service, error)

var NewHTTPServiceFactory HTTPServiceCreator = func(cfg *config.RemoteSettings) (Service, error) {
	service, err := NewHTTPService(cfg)
	if err != nil {
		return nil, err
	}
	return service, nil
}

var newBroker = broker.NewBroker

// NewService connects to the remote selected by cfg.Type.
func NewService(ctx context.Context, cfg *config.RemoteSettings, logger logrus.FieldLogger) (Service, error) {
	switch cfg.Type {
	case "http":
		return NewHTTPServiceFactory(cfg)
	case "rabbitmq", "gcp-pubsub":
		b, err := newBroker(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return NewBrokerService(b), nil
	default:
		return nil, fmt.Errorf("unsupported remote type: %s", cfg.Type)
	}
}

package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/zoff-tech/offline-sync/pkg/config"
	"github.com/zoff-tech/offline-sync/pkg/kv"
	"github.com/zoff-tech/offline-sync/pkg/logging"
	"github.com/zoff-tech/offline-sync/pkg/store"
)

// app holds what every command needs: configuration, a logger and the pending store.
type app struct {
	cfg    *config.Settings
	logger *logrus.Logger
	kv     kv.KeyValue
	store  *store.PendingStore
}

func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.LoadFromFile(configDir)
	if err != nil {
		return nil, fmt.Errorf("error loading configuration: %w", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	backend, err := kv.NewKeyValue(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Store.Type, err)
	}

	return &app{
		cfg:    cfg,
		logger: logger,
		kv:     backend,
		store:  store.NewPendingStore(backend),
	}, nil
}

func (a *app) Close() {
	if err := a.kv.Close(); err != nil {
		a.logger.WithError(err).Warn("Failed to close store")
	}
}

package processor

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/zoff-tech/offline-sync/schema"
)

type metrics struct {
	delivered metric.Int64Counter
	failed    metric.Int64Counter
	stuck     metric.Int64Counter
	passes    metric.Int64Counter
}

func newMetrics() (*metrics, error) {
	meter := otel.Meter("offline-sync")

	delivered, err := meter.Int64Counter("offline_sync.operations.delivered",
		metric.WithDescription("Pending operations accepted by the remote service"))
	if err != nil {
		return nil, err
	}
	failed, err := meter.Int64Counter("offline_sync.operations.failed",
		metric.WithDescription("Failed replay attempts"))
	if err != nil {
		return nil, err
	}
	stuck, err := meter.Int64Counter("offline_sync.operations.stuck",
		metric.WithDescription("Operations moved to the failed bucket"))
	if err != nil {
		return nil, err
	}
	passes, err := meter.Int64Counter("offline_sync.passes",
		metric.WithDescription("Reconcile passes run"))
	if err != nil {
		return nil, err
	}

	return &metrics{delivered: delivered, failed: failed, stuck: stuck, passes: passes}, nil
}

func kindAttr(kind schema.Kind) metric.AddOption {
	return metric.WithAttributes(attribute.String("operation.kind", string(kind)))
}

func (m *metrics) recordDelivered(ctx context.Context, kind schema.Kind) {
	m.delivered.Add(ctx, 1, kindAttr(kind))
}

func (m *metrics) recordFailed(ctx context.Context, kind schema.Kind) {
	m.failed.Add(ctx, 1, kindAttr(kind))
}

func (m *metrics) recordStuck(ctx context.Context, kind schema.Kind, reason schema.FailureReason) {
	m.stuck.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation.kind", string(kind)),
		attribute.String("failure.reason", string(reason)),
	))
}

func (m *metrics) recordPass(ctx context.Context, trigger string) {
	m.passes.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", trigger)))
}

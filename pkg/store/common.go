package store

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/offline-sync/pkg/kv"
	"github.com/zoff-tech/offline-sync/schema"
)

// Keys under which the queue is persisted.
const (
	PendingKey  = "pendingSync"
	DeliveryKey = "pendingSync.delivery"
	FailedKey   = "failedSync"
)

var tracer = otel.Tracer("offline-sync")

func addStoreStatsToSpan(span trace.Span, operation string, recordsCount int, duration time.Duration) {
	span.SetAttributes(
		attribute.Int("recordsCount", recordsCount),
		attribute.String("store.operation", operation),
		attribute.Float64("store.execution_time_ms", float64(duration.Milliseconds())),
	)
}

// load decodes the value under key into v. A missing key leaves v untouched.
func load[T any](ctx context.Context, store kv.KeyValue, key string, v *T) error {
	raw, ok, err := store.Get(ctx, key)
	if err != nil {
		return err
	}
	if !ok || raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

// update rewrites the value under key through kv.Update. fn may run more
// than once, so anything it captures must be reset on every call. Returning
// kv.ErrNoChange leaves the value untouched.
func update[T any](ctx context.Context, store kv.KeyValue, key string, empty func() T, fn func(T) (T, error)) error {
	return store.Update(ctx, key, func(current string, ok bool) (string, error) {
		v := empty()
		if ok && current != "" {
			if err := json.Unmarshal([]byte(current), &v); err != nil {
				return "", fmt.Errorf("failed to decode %s: %w", key, err)
			}
		}
		next, err := fn(v)
		if err != nil {
			return "", err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return "", fmt.Errorf("failed to encode %s: %w", key, err)
		}
		return string(data), nil
	})
}

func (s *PendingStore) updatePending(ctx context.Context, fn func([]schema.PendingOperation) ([]schema.PendingOperation, error)) error {
	return update(ctx, s.kv, PendingKey, func() []schema.PendingOperation { return []schema.PendingOperation{} }, fn)
}

func (s *PendingStore) updateDeliveries(ctx context.Context, fn func(map[string]schema.DeliveryState) (map[string]schema.DeliveryState, error)) error {
	return update(ctx, s.kv, DeliveryKey, func() map[string]schema.DeliveryState { return map[string]schema.DeliveryState{} }, fn)
}

func (s *PendingStore) updateFailed(ctx context.Context, fn func([]schema.FailedOperation) ([]schema.FailedOperation, error)) error {
	return update(ctx, s.kv, FailedKey, func() []schema.FailedOperation { return []schema.FailedOperation{} }, fn)
}

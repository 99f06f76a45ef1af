package store

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/zoff-tech/offline-sync/pkg/kv"
	"github.com/zoff-tech/offline-sync/schema"
)

func (s *PendingStore) failed(ctx context.Context) ([]schema.FailedOperation, error) {
	failed := []schema.FailedOperation{}
	if err := load(ctx, s.kv, FailedKey, &failed); err != nil {
		return nil, err
	}
	return failed, nil
}

// MarkFailed records the final failed attempt of id and moves it from the
// pending queue to the failed bucket, where it waits for the user.
func (s *PendingStore) MarkFailed(ctx context.Context, id string, reason schema.FailureReason, cause error) (schema.FailedOperation, error) {
	ctx, span := tracer.Start(ctx, "store.MarkFailed")
	defer span.End()
	span.SetAttributes(
		attribute.String("operation.id", id),
		attribute.String("failure.reason", string(reason)),
	)
	startTime := time.Now()

	ops, err := s.list(ctx)
	if err != nil {
		span.RecordError(err)
		return schema.FailedOperation{}, err
	}
	var op *schema.PendingOperation
	for i := range ops {
		if ops[i].ID == id {
			op = &ops[i]
			break
		}
	}
	if op == nil {
		return schema.FailedOperation{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	states, err := s.deliveries(ctx)
	if err != nil {
		span.RecordError(err)
		return schema.FailedOperation{}, err
	}

	entry := schema.FailedOperation{
		Operation: *op,
		Attempts:  states[id].Attempts + 1,
		LastError: states[id].LastError,
		Reason:    reason,
		FailedAt:  s.now().UTC(),
	}
	if cause != nil {
		entry.LastError = cause.Error()
	}

	// failed bucket first: a crash in between leaves the operation in both, never in neither
	err = s.updateFailed(ctx, func(failed []schema.FailedOperation) ([]schema.FailedOperation, error) {
		for i := range failed {
			if failed[i].Operation.ID == id {
				failed[i] = entry
				return failed, nil
			}
		}
		return append(failed, entry), nil
	})
	if err != nil {
		span.RecordError(err)
		return schema.FailedOperation{}, err
	}
	_, kept, err := s.removePending(ctx, id)
	if err != nil {
		span.RecordError(err)
		return schema.FailedOperation{}, err
	}
	if err := s.dropDelivery(ctx, id); err != nil {
		span.RecordError(err)
		return schema.FailedOperation{}, err
	}

	addStoreStatsToSpan(span, "MarkFailed", kept, time.Since(startTime))
	return entry, nil
}

// ListFailed returns the operations that gave up on delivery.
func (s *PendingStore) ListFailed(ctx context.Context) ([]schema.FailedOperation, error) {
	return s.failed(ctx)
}

// RetryFailed moves every failed operation back to the pending queue with a
// fresh delivery state. Ids and idempotency keys are kept, so a remote that
// already applied an operation recognises the retry.
func (s *PendingStore) RetryFailed(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "store.RetryFailed")
	defer span.End()
	startTime := time.Now()

	failed, err := s.failed(ctx)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	if len(failed) == 0 {
		return 0, nil
	}

	var restored []string
	err = s.updatePending(ctx, func(ops []schema.PendingOperation) ([]schema.PendingOperation, error) {
		restored = make([]string, 0, len(failed))
		for _, entry := range failed {
			if contains(ops, entry.Operation.ID) {
				continue
			}
			ops = append(ops, entry.Operation)
			restored = append(restored, entry.Operation.ID)
		}
		if len(restored) == 0 {
			return nil, kv.ErrNoChange
		}
		return ops, nil
	})
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	if err := s.dropDelivery(ctx, restored...); err != nil {
		span.RecordError(err)
		return 0, err
	}

	// entries failed meanwhile stay in the bucket
	taken := make(map[string]struct{}, len(failed))
	for _, entry := range failed {
		taken[entry.Operation.ID] = struct{}{}
	}
	err = s.updateFailed(ctx, func(current []schema.FailedOperation) ([]schema.FailedOperation, error) {
		kept := make([]schema.FailedOperation, 0, len(current))
		for _, entry := range current {
			if _, ok := taken[entry.Operation.ID]; !ok {
				kept = append(kept, entry)
			}
		}
		return kept, nil
	})
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	addStoreStatsToSpan(span, "RetryFailed", len(restored), time.Since(startTime))
	return len(restored), nil
}

// DiscardFailed drops every failed operation and returns how many were dropped.
func (s *PendingStore) DiscardFailed(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "store.DiscardFailed")
	defer span.End()

	var dropped int
	err := s.updateFailed(ctx, func(failed []schema.FailedOperation) ([]schema.FailedOperation, error) {
		dropped = len(failed)
		if dropped == 0 {
			return nil, kv.ErrNoChange
		}
		return []schema.FailedOperation{}, nil
	})
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	return dropped, nil
}

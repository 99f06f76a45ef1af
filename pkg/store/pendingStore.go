package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/zoff-tech/offline-sync/pkg/kv"
	"github.com/zoff-tech/offline-sync/schema"
)

var (
	ErrNotFound    = errors.New("pending operation not found")
	ErrUnknownKind = errors.New("unknown operation kind")
)

// PendingStore is the durable queue of operations waiting for delivery.
//
// Each collection is stored as one value and every change to it is a single
// kv.Update. Any number of PendingStores over the same backend, in this
// process or another, can enqueue and reconcile without losing writes.
// Moves between collections write the destination first.
type PendingStore struct {
	kv  kv.KeyValue
	now func() time.Time
}

type Option func(*PendingStore)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *PendingStore) {
		s.now = now
	}
}

func NewPendingStore(store kv.KeyValue, opts ...Option) *PendingStore {
	s := &PendingStore{
		kv:  store,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type enqueueOptions struct {
	orderingKey string
}

type EnqueueOption func(*enqueueOptions)

// WithOrderingKey serialises the replay of operations sharing key.
func WithOrderingKey(key string) EnqueueOption {
	return func(o *enqueueOptions) {
		o.orderingKey = key
	}
}

// Enqueue validates payload, stores a new operation and returns it.
func (s *PendingStore) Enqueue(ctx context.Context, kind schema.Kind, payload any, opts ...EnqueueOption) (schema.PendingOperation, error) {
	ctx, span := tracer.Start(ctx, "store.Enqueue")
	defer span.End()
	startTime := time.Now()

	if !kind.Valid() {
		err := fmt.Errorf("%w: %q", ErrUnknownKind, kind)
		span.RecordError(err)
		return schema.PendingOperation{}, err
	}

	var o enqueueOptions
	for _, opt := range opts {
		opt(&o)
	}

	op, err := schema.NewOperation(kind, payload, o.orderingKey)
	if err != nil {
		span.RecordError(err)
		return schema.PendingOperation{}, err
	}
	op.EnqueuedAt = s.now().UTC()

	var count int
	err = s.updatePending(ctx, func(ops []schema.PendingOperation) ([]schema.PendingOperation, error) {
		ops = append(ops, *op)
		count = len(ops)
		return ops, nil
	})
	if err != nil {
		span.RecordError(err)
		return schema.PendingOperation{}, err
	}

	span.SetAttributes(
		attribute.String("operation.id", op.ID),
		attribute.String("operation.kind", string(op.Kind)),
	)
	addStoreStatsToSpan(span, "Enqueue", count, time.Since(startTime))
	return *op, nil
}

// List returns the pending operations in storage order.
func (s *PendingStore) List(ctx context.Context) ([]schema.PendingOperation, error) {
	ctx, span := tracer.Start(ctx, "store.List")
	defer span.End()
	startTime := time.Now()

	ops, err := s.list(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	addStoreStatsToSpan(span, "List", len(ops), time.Since(startTime))
	return ops, nil
}

func (s *PendingStore) list(ctx context.Context) ([]schema.PendingOperation, error) {
	ops := []schema.PendingOperation{}
	if err := load(ctx, s.kv, PendingKey, &ops); err != nil {
		return nil, err
	}
	return ops, nil
}

// Get returns the pending operation with id.
func (s *PendingStore) Get(ctx context.Context, id string) (schema.PendingOperation, error) {
	ops, err := s.List(ctx)
	if err != nil {
		return schema.PendingOperation{}, err
	}
	for _, op := range ops {
		if op.ID == id {
			return op, nil
		}
	}
	return schema.PendingOperation{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Len returns the number of pending operations.
func (s *PendingStore) Len(ctx context.Context) (int, error) {
	ops, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	return len(ops), nil
}

// Remove deletes the operation with id and its delivery state.
// Removing an id that is not pending is a no-op.
func (s *PendingStore) Remove(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "store.Remove")
	defer span.End()
	span.SetAttributes(attribute.String("operation.id", id))
	startTime := time.Now()

	removed, kept, err := s.removePending(ctx, id)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if !removed {
		return nil
	}
	if err := s.dropDelivery(ctx, id); err != nil {
		span.RecordError(err)
		return err
	}

	addStoreStatsToSpan(span, "Remove", kept, time.Since(startTime))
	return nil
}

// Clear drops every pending operation. Failed operations are kept.
func (s *PendingStore) Clear(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "store.Clear")
	defer span.End()

	err := s.updatePending(ctx, func([]schema.PendingOperation) ([]schema.PendingOperation, error) {
		return []schema.PendingOperation{}, nil
	})
	if err != nil {
		span.RecordError(err)
		return err
	}
	err = s.updateDeliveries(ctx, func(map[string]schema.DeliveryState) (map[string]schema.DeliveryState, error) {
		return map[string]schema.DeliveryState{}, nil
	})
	if err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// removePending takes id out of the pending collection and reports whether
// it was there and how many operations remain.
func (s *PendingStore) removePending(ctx context.Context, id string) (bool, int, error) {
	var (
		removed bool
		kept    int
	)
	err := s.updatePending(ctx, func(ops []schema.PendingOperation) ([]schema.PendingOperation, error) {
		next, found := without(ops, id)
		removed, kept = found, len(next)
		if !found {
			return nil, kv.ErrNoChange
		}
		return next, nil
	})
	return removed, kept, err
}

func without(ops []schema.PendingOperation, id string) ([]schema.PendingOperation, bool) {
	kept := make([]schema.PendingOperation, 0, len(ops))
	removed := false
	for _, op := range ops {
		if op.ID == id {
			removed = true
			continue
		}
		kept = append(kept, op)
	}
	return kept, removed
}

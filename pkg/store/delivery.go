package store

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/zoff-tech/offline-sync/pkg/kv"
	"github.com/zoff-tech/offline-sync/schema"
)

// Entry pairs a pending operation with its delivery state.
type Entry struct {
	Operation schema.PendingOperation `json:"operation"`
	Delivery  schema.DeliveryState    `json:"delivery"`
}

// Stats summarises the queue.
type Stats struct {
	Pending int `json:"pending"`
	Waiting int `json:"waiting"` // pending but backing off
	Failed  int `json:"failed"`
}

func (s *PendingStore) deliveries(ctx context.Context) (map[string]schema.DeliveryState, error) {
	states := map[string]schema.DeliveryState{}
	if err := load(ctx, s.kv, DeliveryKey, &states); err != nil {
		return nil, err
	}
	return states, nil
}

// dropDelivery removes the states of ids and of operations no longer pending.
// Pending is read while the delivery states are held, so a concurrent
// RecordFailure is either pruned with its operation or kept with it.
func (s *PendingStore) dropDelivery(ctx context.Context, ids ...string) error {
	return s.updateDeliveries(ctx, func(states map[string]schema.DeliveryState) (map[string]schema.DeliveryState, error) {
		ops, err := s.list(ctx)
		if err != nil {
			return nil, err
		}
		before := len(states)
		for _, id := range ids {
			delete(states, id)
		}
		states = prune(states, ops)
		if len(states) == before {
			return nil, kv.ErrNoChange
		}
		return states, nil
	})
}

func prune(states map[string]schema.DeliveryState, ops []schema.PendingOperation) map[string]schema.DeliveryState {
	live := make(map[string]struct{}, len(ops))
	for _, op := range ops {
		live[op.ID] = struct{}{}
	}
	for id := range states {
		if _, ok := live[id]; !ok {
			delete(states, id)
		}
	}
	return states
}

// Delivery returns the delivery state of the operation with id.
// ok is false when no attempt has been recorded yet.
func (s *PendingStore) Delivery(ctx context.Context, id string) (schema.DeliveryState, bool, error) {
	states, err := s.deliveries(ctx)
	if err != nil {
		return schema.DeliveryState{}, false, err
	}
	state, ok := states[id]
	return state, ok, nil
}

// Snapshot returns every pending operation together with its delivery state.
func (s *PendingStore) Snapshot(ctx context.Context) ([]Entry, error) {
	ctx, span := tracer.Start(ctx, "store.Snapshot")
	defer span.End()

	ops, err := s.list(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	states, err := s.deliveries(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	entries := make([]Entry, 0, len(ops))
	for _, op := range ops {
		entries = append(entries, Entry{Operation: op, Delivery: states[op.ID]})
	}
	return entries, nil
}

// RecordFailure counts a failed replay of id and schedules the next attempt at next.
// The operation itself is left unchanged.
func (s *PendingStore) RecordFailure(ctx context.Context, id string, cause error, next time.Time) (schema.DeliveryState, error) {
	ctx, span := tracer.Start(ctx, "store.RecordFailure")
	defer span.End()
	span.SetAttributes(attribute.String("operation.id", id))
	startTime := time.Now()

	var (
		state   schema.DeliveryState
		pending int
	)
	err := s.updateDeliveries(ctx, func(states map[string]schema.DeliveryState) (map[string]schema.DeliveryState, error) {
		ops, err := s.list(ctx)
		if err != nil {
			return nil, err
		}
		if !contains(ops, id) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}

		state = states[id]
		state.Attempts++
		state.LastAttemptAt = s.now().UTC()
		state.NextAttemptAt = next.UTC()
		if cause != nil {
			state.LastError = cause.Error()
		}
		states[id] = state
		pending = len(ops)
		return prune(states, ops), nil
	})
	if err != nil {
		span.RecordError(err)
		return schema.DeliveryState{}, err
	}

	span.SetAttributes(attribute.Int("operation.attempts", state.Attempts))
	addStoreStatsToSpan(span, "RecordFailure", pending, time.Since(startTime))
	return state, nil
}

// Stats counts pending, backing-off and failed operations.
func (s *PendingStore) Stats(ctx context.Context) (Stats, error) {
	ops, err := s.list(ctx)
	if err != nil {
		return Stats{}, err
	}
	states, err := s.deliveries(ctx)
	if err != nil {
		return Stats{}, err
	}
	failed, err := s.failed(ctx)
	if err != nil {
		return Stats{}, err
	}

	now := s.now()
	stats := Stats{Pending: len(ops), Failed: len(failed)}
	for _, op := range ops {
		if state, ok := states[op.ID]; ok && !state.Due(now) {
			stats.Waiting++
		}
	}
	return stats, nil
}

func contains(ops []schema.PendingOperation, id string) bool {
	for _, op := range ops {
		if op.ID == id {
			return true
		}
	}
	return false
}

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/offline-sync/pkg/kv"
	"github.com/zoff-tech/offline-sync/schema"
)

func TestRecordFailure_LeavesOperationUnchanged(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	s := NewPendingStore(kv.NewMemoryStore(), WithClock(func() time.Time { return now }))

	op, err := s.Enqueue(ctx, schema.KindCheckIn, checkIn())
	require.NoError(t, err)

	next := now.Add(5 * time.Second)
	state, err := s.RecordFailure(ctx, op.ID, errors.New("503 Service Unavailable"), next)
	require.NoError(t, err)
	assert.Equal(t, 1, state.Attempts)
	assert.Equal(t, "503 Service Unavailable", state.LastError)
	assert.Equal(t, now, state.LastAttemptAt)
	assert.Equal(t, next, state.NextAttemptAt)

	state, err = s.RecordFailure(ctx, op.ID, errors.New("timeout"), next.Add(10*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 2, state.Attempts)

	ops, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []schema.PendingOperation{op}, ops)

	stored, ok, err := s.Delivery(ctx, op.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, state, stored)
}

func TestRecordFailure_Unknown(t *testing.T) {
	s := NewPendingStore(kv.NewMemoryStore())

	_, err := s.RecordFailure(context.Background(), "missing", errors.New("boom"), time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSnapshotAndStats(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	s := NewPendingStore(kv.NewMemoryStore(), WithClock(func() time.Time { return now }))

	waiting, err := s.Enqueue(ctx, schema.KindCheckIn, checkIn())
	require.NoError(t, err)
	due, err := s.Enqueue(ctx, schema.KindComplaint, complaint())
	require.NoError(t, err)
	stuck, err := s.Enqueue(ctx, schema.KindComplaint, complaint())
	require.NoError(t, err)

	_, err = s.RecordFailure(ctx, waiting.ID, errors.New("offline"), now.Add(time.Minute))
	require.NoError(t, err)
	_, err = s.RecordFailure(ctx, due.ID, errors.New("offline"), now)
	require.NoError(t, err)
	_, err = s.MarkFailed(ctx, stuck.ID, schema.ReasonTerminal, errors.New("422 Unprocessable Entity"))
	require.NoError(t, err)

	entries, err := s.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, waiting.ID, entries[0].Operation.ID)
	assert.Equal(t, 1, entries[0].Delivery.Attempts)
	assert.Equal(t, due.ID, entries[1].Operation.ID)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Pending: 2, Waiting: 1, Failed: 1}, stats)
}

package processor

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/offline-sync/pkg/config"
	"github.com/zoff-tech/offline-sync/pkg/kv"
	"github.com/zoff-tech/offline-sync/pkg/logging"
	"github.com/zoff-tech/offline-sync/pkg/remote"
	"github.com/zoff-tech/offline-sync/pkg/store"
	"github.com/zoff-tech/offline-sync/schema"
)

var errOffline = &remote.Error{Op: "CheckIn", Err: errors.New("dial tcp: network is unreachable")}

func testSettings() *config.Settings {
	return &config.Settings{
		PollInterval:  30 * time.Second,
		MaxRetries:    3,
		RetryBackoff:  5 * time.Second,
		MaxBackoff:    time.Minute,
		ReplayTimeout: 5 * time.Second,
	}
}

type fixture struct {
	clock      *fakeClock
	remote     *fakeRemote
	store      *store.PendingStore
	kv         kv.KeyValue
	reconciler *Reconciler
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		clock:  newFakeClock(),
		remote: &fakeRemote{},
		kv:     kv.NewMemoryStore(),
	}
	f.store = store.NewPendingStore(f.kv, store.WithClock(f.clock.Now))

	opts = append([]Option{WithClock(f.clock), WithLogger(logging.Discard())}, opts...)
	r, err := NewReconciler(f.store, f.remote, testSettings(), opts...)
	require.NoError(t, err)
	f.reconciler = r
	return f
}

func (f *fixture) enqueue(t *testing.T, kind schema.Kind, payload any, opts ...store.EnqueueOption) schema.PendingOperation {
	t.Helper()
	op, err := f.store.Enqueue(context.Background(), kind, payload, opts...)
	require.NoError(t, err)
	// distinct enqueue times keep the replay order deterministic
	f.clock.Advance(time.Millisecond)
	return op
}

func (f *fixture) list(t *testing.T) []schema.PendingOperation {
	t.Helper()
	ops, err := f.store.List(context.Background())
	require.NoError(t, err)
	return ops
}

func checkIn() schema.CheckIn {
	return schema.CheckIn{
		WorkType: "Street Cleaning",
		Location: &schema.Location{Latitude: 28.6, Longitude: 77.2},
	}
}

func checkOut() schema.CheckOut {
	return schema.CheckOut{Location: &schema.Location{Latitude: 28.6, Longitude: 77.2}}
}

func complaint(description string) schema.Complaint {
	return schema.Complaint{Category: "sanitation", Description: description}
}

func TestRunOnce_SuccessRemoves(t *testing.T) {
	f := newFixture(t)
	op := f.enqueue(t, schema.KindComplaint, complaint("Garbage not collected for a week"))

	res, err := f.reconciler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Attempted: 1, Succeeded: 1}, res)
	assert.Empty(t, f.list(t))
	assert.Equal(t, []call{{Kind: schema.KindComplaint, IdempotencyKey: op.IdempotencyKey}}, f.remote.Calls())
}

func TestRunOnce_FailureRetainsUnchanged(t *testing.T) {
	f := newFixture(t)
	op := f.enqueue(t, schema.KindCheckIn, checkIn())
	f.remote.setFail(func(schema.Kind, string) error { return errOffline })

	res, err := f.reconciler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Attempted: 1, Failed: 1, Remaining: 1}, res)
	assert.Equal(t, []schema.PendingOperation{op}, f.list(t))

	state, ok, err := f.store.Delivery(context.Background(), op.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, state.Attempts)
	assert.Equal(t, f.clock.Now().Add(5*time.Second), state.NextAttemptAt)
	assert.Contains(t, state.LastError, "network is unreachable")
}

func TestRunOnce_FailureIsolation(t *testing.T) {
	f := newFixture(t)
	first := f.enqueue(t, schema.KindComplaint, complaint("Street light broken on lane 4"))
	second := f.enqueue(t, schema.KindComplaint, complaint("Water logging near the school"))
	third := f.enqueue(t, schema.KindComplaint, complaint("Stray dogs near the market"))

	f.remote.setFail(func(_ schema.Kind, key string) error {
		if key == second.IdempotencyKey {
			return errors.New("boom")
		}
		return nil
	})

	res, err := f.reconciler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Attempted: 3, Succeeded: 2, Failed: 1, Remaining: 1}, res)
	assert.Equal(t, []schema.PendingOperation{second}, f.list(t))

	calls := f.remote.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, first.IdempotencyKey, calls[0].IdempotencyKey)
	assert.Equal(t, third.IdempotencyKey, calls[2].IdempotencyKey)
}

func TestRunOnce_QueuedCheckInDelivered(t *testing.T) {
	f := newFixture(t)
	f.remote.setFail(func(schema.Kind, string) error { return errOffline })

	f.enqueue(t, schema.KindCheckIn, checkIn())
	ops := f.list(t)
	require.Len(t, ops, 1)
	assert.Equal(t, schema.KindCheckIn, ops[0].Kind)

	var payload schema.CheckIn
	require.NoError(t, ops[0].Decode(&payload))
	assert.Equal(t, "Street Cleaning", payload.WorkType)
	assert.Equal(t, 28.6, payload.Location.Latitude)
	assert.Equal(t, 77.2, payload.Location.Longitude)

	f.remote.setFail(nil)
	_, err := f.reconciler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, f.list(t))
}

func TestRunOnce_AfterClearTouchesNothing(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, schema.KindComplaint, complaint("Garbage not collected for a week"))
	require.NoError(t, f.store.Clear(context.Background()))
	assert.Empty(t, f.list(t))

	res, err := f.reconciler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
	assert.Empty(t, f.remote.Calls())
}

func TestRunOnce_RetriesExhausted(t *testing.T) {
	f := newFixture(t)
	op := f.enqueue(t, schema.KindComplaint, complaint("Garbage not collected for a week"))
	f.remote.setFail(func(schema.Kind, string) error { return errors.New("503 Service Unavailable") })

	for i := 0; i < 2; i++ {
		res, err := f.reconciler.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, Result{Attempted: 1, Failed: 1, Remaining: 1}, res)
		f.clock.Advance(time.Minute)
	}

	res, err := f.reconciler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Attempted: 1, Failed: 1, Terminal: 1}, res)
	assert.Empty(t, f.list(t))

	failed, err := f.store.ListFailed(context.Background())
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, op, failed[0].Operation)
	assert.Equal(t, 3, failed[0].Attempts)
	assert.Equal(t, schema.ReasonRetriesExhausted, failed[0].Reason)
	assert.Len(t, f.remote.Calls(), 3)
}

func TestRunOnce_TerminalErrorMovesToFailed(t *testing.T) {
	f := newFixture(t)
	op := f.enqueue(t, schema.KindCheckIn, checkIn())
	f.remote.setFail(func(schema.Kind, string) error {
		return &remote.Error{Op: "CheckIn", StatusCode: http.StatusUnprocessableEntity, Terminal: true, Err: errors.New("work type unknown")}
	})

	res, err := f.reconciler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Attempted: 1, Failed: 1, Terminal: 1}, res)

	failed, err := f.store.ListFailed(context.Background())
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, op.ID, failed[0].Operation.ID)
	assert.Equal(t, 1, failed[0].Attempts)
	assert.Equal(t, schema.ReasonTerminal, failed[0].Reason)
}

func TestRunOnce_BackoffDefers(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, schema.KindComplaint, complaint("Garbage not collected for a week"))
	f.remote.setFail(func(schema.Kind, string) error { return errors.New("timeout") })

	_, err := f.reconciler.RunOnce(context.Background())
	require.NoError(t, err)

	res, err := f.reconciler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Deferred: 1, Remaining: 1}, res)
	assert.Len(t, f.remote.Calls(), 1)

	f.clock.Advance(4 * time.Second)
	res, err = f.reconciler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deferred)

	f.clock.Advance(time.Second)
	f.remote.setFail(nil)
	res, err = f.reconciler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Attempted: 1, Succeeded: 1}, res)
	assert.Len(t, f.remote.Calls(), 2)
}

func TestRunOnce_OrderingKeySerialises(t *testing.T) {
	f := newFixture(t)
	in := f.enqueue(t, schema.KindCheckIn, checkIn())
	out := f.enqueue(t, schema.KindCheckOut, checkOut())
	other := f.enqueue(t, schema.KindComplaint, complaint("Garbage not collected for a week"))
	require.Equal(t, in.OrderingKey, out.OrderingKey)

	f.remote.setFail(func(kind schema.Kind, _ string) error {
		if kind == schema.KindCheckIn {
			return errOffline
		}
		return nil
	})

	res, err := f.reconciler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Attempted: 2, Succeeded: 1, Failed: 1, Deferred: 1, Remaining: 2}, res)
	assert.Equal(t, []call{
		{Kind: schema.KindCheckIn, IdempotencyKey: in.IdempotencyKey},
		{Kind: schema.KindComplaint, IdempotencyKey: other.IdempotencyKey},
	}, f.remote.Calls())
	assert.Equal(t, []schema.PendingOperation{in, out}, f.list(t))
}

func TestRunOnce_ReplaysInEnqueueOrder(t *testing.T) {
	f := newFixture(t)
	first := f.enqueue(t, schema.KindComplaint, complaint("Street light broken on lane 4"))
	second := f.enqueue(t, schema.KindComplaint, complaint("Water logging near the school"))

	// storage order reversed
	ops := f.list(t)
	require.NoError(t, f.kv.Set(context.Background(), store.PendingKey,
		`[`+mustJSON(t, ops[1])+`,`+mustJSON(t, ops[0])+`]`))

	_, err := f.reconciler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []call{
		{Kind: schema.KindComplaint, IdempotencyKey: first.IdempotencyKey},
		{Kind: schema.KindComplaint, IdempotencyKey: second.IdempotencyKey},
	}, f.remote.Calls())
}

func TestRunOnce_SameIdempotencyKeyOnEveryAttempt(t *testing.T) {
	f := newFixture(t)
	op := f.enqueue(t, schema.KindCheckOut, checkOut())
	f.remote.setFail(func(schema.Kind, string) error { return errOffline })

	for i := 0; i < 2; i++ {
		_, err := f.reconciler.RunOnce(context.Background())
		require.NoError(t, err)
		f.clock.Advance(time.Minute)
	}
	f.remote.setFail(nil)
	_, err := f.reconciler.RunOnce(context.Background())
	require.NoError(t, err)

	calls := f.remote.Calls()
	require.Len(t, calls, 3)
	for _, c := range calls {
		assert.Equal(t, op.IdempotencyKey, c.IdempotencyKey)
	}
}

func TestRunOnce_UnknownKindIsTerminal(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.kv.Set(context.Background(), store.PendingKey,
		`[{"id":"legacy-1","kind":"attendance","payload":{"action":"checkin"},"enqueued_at":"2024-03-01T08:00:00Z","idempotency_key":"k"}]`))

	res, err := f.reconciler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Attempted: 1, Failed: 1, Terminal: 1}, res)

	failed, err := f.store.ListFailed(context.Background())
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, schema.ReasonTerminal, failed[0].Reason)
	assert.Contains(t, failed[0].LastError, "no replay handler")
}

func TestRunOnce_CustomHandlers(t *testing.T) {
	var replayed []string
	f := newFixture(t, WithHandlers(map[schema.Kind]Handler{
		schema.KindComplaint: func(ctx context.Context, service remote.Service, op schema.PendingOperation) error {
			replayed = append(replayed, op.ID)
			return nil
		},
	}))
	op := f.enqueue(t, schema.KindComplaint, complaint("Garbage not collected for a week"))

	_, err := f.reconciler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{op.ID}, replayed)
	assert.Empty(t, f.remote.Calls())
}

type MockQueue struct {
	mock.Mock
}

func (m *MockQueue) List(ctx context.Context) ([]schema.PendingOperation, error) {
	args := m.Called(ctx)
	ops, _ := args.Get(0).([]schema.PendingOperation)
	return ops, args.Error(1)
}

func (m *MockQueue) Remove(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockQueue) Delivery(ctx context.Context, id string) (schema.DeliveryState, bool, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(schema.DeliveryState), args.Bool(1), args.Error(2)
}

func (m *MockQueue) RecordFailure(ctx context.Context, id string, cause error, next time.Time) (schema.DeliveryState, error) {
	args := m.Called(ctx, id, cause, next)
	return args.Get(0).(schema.DeliveryState), args.Error(1)
}

func (m *MockQueue) MarkFailed(ctx context.Context, id string, reason schema.FailureReason, cause error) (schema.FailedOperation, error) {
	args := m.Called(ctx, id, reason, cause)
	return args.Get(0).(schema.FailedOperation), args.Error(1)
}

func TestRunOnce_ListErrorIsNothingToDo(t *testing.T) {
	queue := new(MockQueue)
	boom := errors.New("storage unavailable")
	queue.On("List", mock.Anything).Return(nil, boom)

	service := &fakeRemote{}
	r, err := NewReconciler(queue, service, testSettings(), WithLogger(logging.Discard()))
	require.NoError(t, err)

	res, err := r.RunOnce(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, Result{}, res)
	assert.Empty(t, service.Calls())
	queue.AssertExpectations(t)
}

func TestRunOnce_RemoveErrorKeepsRecord(t *testing.T) {
	op, err := schema.NewOperation(schema.KindComplaint, complaint("Garbage not collected for a week"), "")
	require.NoError(t, err)

	queue := new(MockQueue)
	queue.On("List", mock.Anything).Return([]schema.PendingOperation{*op}, nil)
	queue.On("Delivery", mock.Anything, op.ID).Return(schema.DeliveryState{}, false, nil)
	queue.On("Remove", mock.Anything, op.ID).Return(errors.New("disk full"))

	r, err := NewReconciler(queue, &fakeRemote{}, testSettings(), WithLogger(logging.Discard()))
	require.NoError(t, err)

	res, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Attempted: 1, Unremoved: 1, Remaining: 1}, res)
	queue.AssertNotCalled(t, "RecordFailure", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	// the delivered operation waits out the backoff before it is sent again
	res, err = r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Deferred: 1, Remaining: 1}, res)
	queue.AssertNumberOfCalls(t, "Remove", 1)
}

func TestRunOnce_UnrecordedFailuresStillBackOffAndGiveUp(t *testing.T) {
	op, err := schema.NewOperation(schema.KindComplaint, complaint("Garbage not collected for a week"), "")
	require.NoError(t, err)

	clock := newFakeClock()
	service := &fakeRemote{}
	service.setFail(func(schema.Kind, string) error { return errOffline })

	queue := new(MockQueue)
	queue.On("List", mock.Anything).Return([]schema.PendingOperation{*op}, nil)
	queue.On("Delivery", mock.Anything, op.ID).Return(schema.DeliveryState{}, false, nil)
	queue.On("RecordFailure", mock.Anything, op.ID, mock.Anything, mock.Anything).
		Return(schema.DeliveryState{}, errors.New("disk full"))
	queue.On("MarkFailed", mock.Anything, op.ID, schema.ReasonRetriesExhausted, mock.Anything).
		Return(schema.FailedOperation{}, nil)

	r, err := NewReconciler(queue, service, testSettings(), WithClock(clock), WithLogger(logging.Discard()))
	require.NoError(t, err)

	res, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Attempted: 1, Failed: 1, Remaining: 1}, res)

	res, err = r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Deferred: 1, Remaining: 1}, res)

	clock.Advance(time.Minute)
	_, err = r.RunOnce(context.Background())
	require.NoError(t, err)

	clock.Advance(time.Minute)
	res, err = r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Attempted: 1, Failed: 1, Terminal: 1}, res)

	assert.Len(t, service.Calls(), 3)
	queue.AssertNumberOfCalls(t, "RecordFailure", 2)
	queue.AssertNumberOfCalls(t, "MarkFailed", 1)
}

func TestRunOnce_PassInProgress(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	f := newFixture(t, WithHandlers(map[schema.Kind]Handler{
		schema.KindComplaint: func(ctx context.Context, service remote.Service, op schema.PendingOperation) error {
			close(started)
			<-release
			return nil
		},
	}))
	f.enqueue(t, schema.KindComplaint, complaint("Garbage not collected for a week"))

	done := make(chan Result)
	go func() {
		res, _ := f.reconciler.RunOnce(context.Background())
		done <- res
	}()

	<-started
	assert.True(t, f.reconciler.Syncing())
	_, err := f.reconciler.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrPassInProgress)

	close(release)
	assert.Equal(t, Result{Attempted: 1, Succeeded: 1}, <-done)
	assert.False(t, f.reconciler.Syncing())
}

func TestRunOnce_CanceledPassRemovesNothingUndelivered(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := newFixture(t, WithHandlers(map[schema.Kind]Handler{
		schema.KindComplaint: func(replayCtx context.Context, service remote.Service, op schema.PendingOperation) error {
			cancel()
			<-replayCtx.Done()
			return replayCtx.Err()
		},
	}))
	first := f.enqueue(t, schema.KindComplaint, complaint("Street light broken on lane 4"))
	second := f.enqueue(t, schema.KindComplaint, complaint("Water logging near the school"))

	res, err := f.reconciler.RunOnce(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, res.Remaining)
	assert.Equal(t, []schema.PendingOperation{first, second}, f.list(t))

	_, ok, err := f.store.Delivery(context.Background(), first.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStartStop_NoPassAfterStop(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, schema.KindComplaint, complaint("Garbage not collected for a week"))

	f.reconciler.Start(context.Background())
	f.reconciler.Start(context.Background())
	assert.Equal(t, 1, f.clock.activeTickers())

	f.clock.Advance(30 * time.Second)
	assert.Eventually(t, func() bool { return len(f.remote.Calls()) == 1 }, time.Second, 5*time.Millisecond)

	f.reconciler.Stop()
	assert.Equal(t, 0, f.clock.activeTickers())

	f.enqueue(t, schema.KindComplaint, complaint("Water logging near the school"))
	f.clock.Advance(5 * time.Minute)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, f.remote.Calls(), 1)
	assert.Len(t, f.list(t), 1)

	f.reconciler.Stop()
}

func TestStart_AgainAfterContextEnds(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	f.reconciler.Start(ctx)
	cancel()

	assert.Eventually(t, func() bool {
		f.reconciler.Start(context.Background())
		return f.clock.activeTickers() == 1 && f.clock.tickerCount() == 2
	}, time.Second, 5*time.Millisecond)
	defer f.reconciler.Stop()

	f.enqueue(t, schema.KindCheckIn, checkIn())
	f.reconciler.Trigger()
	assert.Eventually(t, func() bool {
		n, err := f.store.Len(context.Background())
		return err == nil && n == 0
	}, time.Second, 5*time.Millisecond)
}

func TestTrigger_RunsImmediately(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, schema.KindCheckIn, checkIn())

	f.reconciler.Start(context.Background())
	defer f.reconciler.Stop()

	f.reconciler.Trigger()
	assert.Eventually(t, func() bool {
		n, err := f.store.Len(context.Background())
		return err == nil && n == 0
	}, time.Second, 5*time.Millisecond)
}

func mustJSON(t *testing.T, op schema.PendingOperation) string {
	t.Helper()
	data, err := json.Marshal(op)
	require.NoError(t, err)
	return string(data)
}

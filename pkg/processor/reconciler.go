package processor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/offline-sync/pkg/config"
	"github.com/zoff-tech/offline-sync/pkg/remote"
	"github.com/zoff-tech/offline-sync/pkg/store"
	"github.com/zoff-tech/offline-sync/schema"
)

// ErrPassInProgress is returned by RunOnce while another pass is running.
var ErrPassInProgress = errors.New("reconcile pass already in progress")

// Result summarises one reconcile pass.
type Result struct {
	Attempted int // replays started
	Succeeded int // accepted by the remote and removed
	Failed    int // replays that returned an error
	Unremoved int // accepted by the remote but still queued because removal failed
	Terminal  int // moved to the failed bucket
	Deferred  int // skipped because of backoff or an earlier failure on the same ordering key
	Remaining int // still pending after the pass
}

type outcome int

const (
	outcomeDelivered outcome = iota
	outcomeRetry
	outcomeStuck
	outcomeUnresolved // replay failed and the failure could not be recorded
	outcomeUnremoved  // delivered but the removal failed
	outcomeCanceled
)

// unrecorded holds replay bookkeeping the queue failed to persist, so retries
// stay spaced and counted while the store is failing.
type unrecorded struct {
	attempts int
	next     time.Time
}

// Reconciler replays pending operations against the remote service.
type Reconciler struct {
	queue    store.Queue
	remote   remote.Service
	handlers map[schema.Kind]Handler
	clock    Clock
	logger   logrus.FieldLogger
	tracer   trace.Tracer
	metrics  *metrics

	pollInterval  time.Duration
	replayTimeout time.Duration
	retryBackoff  time.Duration
	maxBackoff    time.Duration
	maxRetries    int

	syncing atomic.Bool
	trigger chan struct{}
	// only touched by the pass holding syncing
	unrecorded map[string]unrecorded

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Reconciler)

func WithClock(clock Clock) Option {
	return func(r *Reconciler) {
		r.clock = clock
	}
}

func WithLogger(logger logrus.FieldLogger) Option {
	return func(r *Reconciler) {
		r.logger = logger
	}
}

// WithHandlers replaces the dispatch table.
func WithHandlers(handlers map[schema.Kind]Handler) Option {
	return func(r *Reconciler) {
		r.handlers = handlers
	}
}

// NewReconciler creates a reconciler draining queue into service.
func NewReconciler(queue store.Queue, service remote.Service, cfg *config.Settings, opts ...Option) (*Reconciler, error) {
	m, err := newMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	r := &Reconciler{
		queue:         queue,
		remote:        service,
		handlers:      DefaultHandlers(),
		clock:         realClock{},
		logger:        logrus.StandardLogger(),
		tracer:        otel.Tracer("offline-sync"),
		metrics:       m,
		pollInterval:  cfg.PollInterval,
		replayTimeout: cfg.ReplayTimeout,
		retryBackoff:  cfg.RetryBackoff,
		maxBackoff:    cfg.MaxBackoff,
		maxRetries:    cfg.MaxRetries,
		trigger:       make(chan struct{}, 1),
		unrecorded:    make(map[string]unrecorded),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Syncing reports whether a pass is running.
func (r *Reconciler) Syncing() bool {
	return r.syncing.Load()
}

// RunOnce makes one pass over the pending operations. A failed replay never
// stops the pass; only cancellation of ctx does.
func (r *Reconciler) RunOnce(ctx context.Context) (Result, error) {
	if !r.syncing.CompareAndSwap(false, true) {
		return Result{}, ErrPassInProgress
	}
	defer r.syncing.Store(false)

	ctx, span := r.tracer.Start(ctx, "Reconcile")
	defer span.End()

	ops, err := r.queue.List(ctx)
	if err != nil {
		r.logger.WithError(err).Error("Failed to list pending operations")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, fmt.Errorf("failed to list pending operations: %w", err)
	}

	sort.SliceStable(ops, func(i, j int) bool {
		if !ops[i].EnqueuedAt.Equal(ops[j].EnqueuedAt) {
			return ops[i].EnqueuedAt.Before(ops[j].EnqueuedAt)
		}
		return ops[i].ID < ops[j].ID
	})

	var (
		res     Result
		left    = len(ops)
		blocked = make(map[string]struct{})
		now     = r.clock.Now()
	)
	block := func(key string) {
		if key != "" {
			blocked[key] = struct{}{}
		}
	}

	for _, op := range ops {
		if ctx.Err() != nil {
			break
		}
		if _, ok := blocked[op.OrderingKey]; ok && op.OrderingKey != "" {
			res.Deferred++
			continue
		}

		state, _, err := r.queue.Delivery(ctx, op.ID)
		if err != nil {
			r.logger.WithError(err).WithField("operation_id", op.ID).Error("Failed to read delivery state")
			res.Deferred++
			block(op.OrderingKey)
			continue
		}
		local := r.unrecorded[op.ID]
		if !state.Due(now) || now.Before(local.next) {
			res.Deferred++
			block(op.OrderingKey)
			continue
		}
		state.Attempts += local.attempts

		res.Attempted++
		switch r.replay(ctx, op, state) {
		case outcomeDelivered:
			res.Succeeded++
			left--
		case outcomeStuck:
			res.Failed++
			res.Terminal++
			left--
			block(op.OrderingKey)
		case outcomeRetry, outcomeUnresolved:
			res.Failed++
			block(op.OrderingKey)
		case outcomeUnremoved:
			res.Unremoved++
		}
	}
	res.Remaining = left
	r.forgetUnrecorded(ops)

	span.SetAttributes(
		attribute.Int("sync.attempted", res.Attempted),
		attribute.Int("sync.succeeded", res.Succeeded),
		attribute.Int("sync.failed", res.Failed),
		attribute.Int("sync.unremoved", res.Unremoved),
		attribute.Int("sync.terminal", res.Terminal),
		attribute.Int("sync.deferred", res.Deferred),
		attribute.Int("sync.remaining", res.Remaining),
	)
	if len(ops) > 0 {
		r.logger.WithFields(logrus.Fields{
			"attempted": res.Attempted,
			"succeeded": res.Succeeded,
			"failed":    res.Failed,
			"unremoved": res.Unremoved,
			"terminal":  res.Terminal,
			"deferred":  res.Deferred,
			"remaining": res.Remaining,
		}).Info("Reconcile pass finished")
	}

	if err := ctx.Err(); err != nil {
		return res, err
	}
	return res, nil
}

func (r *Reconciler) replay(ctx context.Context, op schema.PendingOperation, state schema.DeliveryState) outcome {
	ctx, span := r.tracer.Start(ctx, "ReplayOperation", trace.WithAttributes(
		attribute.String("operation.id", op.ID),
		attribute.String("operation.kind", string(op.Kind)),
		attribute.Int("operation.attempts", state.Attempts),
		attribute.String("operation.enqueued_at", op.EnqueuedAt.String()),
	))
	defer span.End()

	logger := r.logger.WithFields(logrus.Fields{
		"operation_id": op.ID,
		"kind":         op.Kind,
	})

	var err error
	if handler, ok := r.handlers[op.Kind]; ok {
		replayCtx, cancel := context.WithTimeout(remote.WithOrderingKey(ctx, op.OrderingKey), r.replayTimeout)
		err = handler(replayCtx, r.remote, op)
		cancel()
	} else {
		err = fmt.Errorf("%w: %q", ErrNoHandler, op.Kind)
	}

	if err == nil {
		if err := r.queue.Remove(ctx, op.ID); err != nil {
			// still queued: the next replay carries the same idempotency key
			local := r.unrecorded[op.ID]
			local.next = r.clock.Now().Add(r.retryBackoff)
			r.unrecorded[op.ID] = local
			logger.WithError(err).Error("Failed to remove delivered operation")
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return outcomeUnremoved
		}
		delete(r.unrecorded, op.ID)
		r.metrics.recordDelivered(ctx, op.Kind)
		logger.Debug("Delivered pending operation")
		return outcomeDelivered
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	if ctx.Err() != nil {
		logger.WithError(err).Debug("Replay interrupted")
		return outcomeCanceled
	}

	r.metrics.recordFailed(ctx, op.Kind)
	attempts := state.Attempts + 1

	var reason schema.FailureReason
	switch {
	case remote.IsTerminal(err) || errors.Is(err, ErrNoHandler):
		reason = schema.ReasonTerminal
	case attempts >= r.maxRetries:
		reason = schema.ReasonRetriesExhausted
	}

	if reason != "" {
		if _, markErr := r.queue.MarkFailed(ctx, op.ID, reason, err); markErr != nil {
			logger.WithError(markErr).Error("Failed to move operation to the failed bucket")
			r.holdUnrecorded(op.ID, r.clock.Now().Add(retryDelay(r.clock, r.retryBackoff, r.maxBackoff, attempts)))
			return outcomeUnresolved
		}
		delete(r.unrecorded, op.ID)
		r.metrics.recordStuck(ctx, op.Kind, reason)
		logger.WithError(err).WithFields(logrus.Fields{
			"attempts": attempts,
			"reason":   reason,
		}).Warn("Giving up on pending operation")
		return outcomeStuck
	}

	next := r.clock.Now().Add(retryDelay(r.clock, r.retryBackoff, r.maxBackoff, attempts))
	if _, recErr := r.queue.RecordFailure(ctx, op.ID, err, next); recErr != nil {
		logger.WithError(recErr).WithFields(logrus.Fields{
			"attempts":        attempts,
			"next_attempt_at": next,
		}).Error("Failed to record replay failure, holding the attempt in memory")
		r.holdUnrecorded(op.ID, next)
		return outcomeUnresolved
	}
	delete(r.unrecorded, op.ID)
	logger.WithError(err).WithFields(logrus.Fields{
		"attempts":        attempts,
		"next_attempt_at": next,
	}).Warn("Failed to replay pending operation")
	return outcomeRetry
}

// holdUnrecorded counts an attempt the queue could not persist and spaces the next one.
func (r *Reconciler) holdUnrecorded(id string, next time.Time) {
	local := r.unrecorded[id]
	local.attempts++
	local.next = next
	r.unrecorded[id] = local
}

// forgetUnrecorded drops held bookkeeping of operations that left the queue.
func (r *Reconciler) forgetUnrecorded(ops []schema.PendingOperation) {
	if len(r.unrecorded) == 0 {
		return
	}
	live := make(map[string]struct{}, len(ops))
	for _, op := range ops {
		live[op.ID] = struct{}{}
	}
	for id := range r.unrecorded {
		if _, ok := live[id]; !ok {
			delete(r.unrecorded, id)
		}
	}
}

// Start runs a pass every poll interval, and whenever Trigger is called,
// until Stop is called or ctx ends. Starting a running reconciler is a no-op;
// once ctx has ended it can be started again.
func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	ticker := r.clock.NewTicker(r.pollInterval)
	go r.loop(ctx, ticker, r.done)

	r.logger.WithField("poll_interval", r.pollInterval).Info("Reconciler started")
}

func (r *Reconciler) loop(ctx context.Context, ticker Ticker, done chan struct{}) {
	defer func() {
		r.mu.Lock()
		if r.done == done {
			r.cancel()
			r.cancel, r.done = nil, nil
		}
		r.mu.Unlock()
		close(done)
	}()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			r.runScheduled(ctx, "timer")
		case <-r.trigger:
			r.runScheduled(ctx, "trigger")
		}
	}
}

func (r *Reconciler) runScheduled(ctx context.Context, trigger string) {
	if ctx.Err() != nil {
		return
	}
	r.metrics.recordPass(ctx, trigger)
	if _, err := r.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		r.logger.WithError(err).WithField("trigger", trigger).Warn("Reconcile pass failed")
	}
}

// Trigger asks the running loop for an immediate pass. Calls made while a
// request is already waiting are coalesced.
func (r *Reconciler) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Stop cancels the timer and waits for an in-flight pass to end. No pass
// starts after Stop returns.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done

	r.logger.Info("Reconciler stopped")
}

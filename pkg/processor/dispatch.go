package processor

import (
	"context"
	"errors"

	"github.com/zoff-tech/offline-sync/pkg/remote"
	"github.com/zoff-tech/offline-sync/schema"
)

// ErrNoHandler is returned for an operation whose kind has no replay handler.
var ErrNoHandler = errors.New("no replay handler for operation kind")

// Handler replays one pending operation against the remote service.
type Handler func(ctx context.Context, service remote.Service, op schema.PendingOperation) error

// DefaultHandlers returns the replay handler of every known kind.
func DefaultHandlers() map[schema.Kind]Handler {
	return map[schema.Kind]Handler{
		schema.KindCheckIn:   replayCheckIn,
		schema.KindCheckOut:  replayCheckOut,
		schema.KindComplaint: replayComplaint,
	}
}

func replayCheckIn(ctx context.Context, service remote.Service, op schema.PendingOperation) error {
	var p schema.CheckIn
	if err := op.Decode(&p); err != nil {
		return undecodable("CheckIn", err)
	}
	return service.CheckIn(ctx, op.IdempotencyKey, p)
}

func replayCheckOut(ctx context.Context, service remote.Service, op schema.PendingOperation) error {
	var p schema.CheckOut
	if err := op.Decode(&p); err != nil {
		return undecodable("CheckOut", err)
	}
	return service.CheckOut(ctx, op.IdempotencyKey, p)
}

func replayComplaint(ctx context.Context, service remote.Service, op schema.PendingOperation) error {
	var p schema.Complaint
	if err := op.Decode(&p); err != nil {
		return undecodable("SubmitComplaint", err)
	}
	return service.SubmitComplaint(ctx, op.IdempotencyKey, p)
}

// undecodable marks a payload that can never be replayed.
func undecodable(op string, err error) error {
	return &remote.Error{Op: op, Terminal: true, Err: err}
}

// Package remote delivers replayed operations to the portal backend.
package remote

import (
	"context"

	"github.com/zoff-tech/offline-sync/schema"
)

// IdempotencyHeader carries the operation's idempotency key on every replay.
const IdempotencyHeader = "Idempotency-Key"

// Service is the remote side of the sync. A nil error means the remote
// accepted the operation and the record may be dropped.
type Service interface {
	CheckIn(ctx context.Context, idempotencyKey string, p schema.CheckIn) error
	CheckOut(ctx context.Context, idempotencyKey string, p schema.CheckOut) error
	SubmitComplaint(ctx context.Context, idempotencyKey string, p schema.Complaint) error
	Close() error
}

type orderingKeyCtx struct{}

// WithOrderingKey attaches the operation's ordering key to ctx. Broker
// backends that support ordered delivery publish with it.
func WithOrderingKey(ctx context.Context, key string) context.Context {
	if key == "" {
		return ctx
	}
	return context.WithValue(ctx, orderingKeyCtx{}, key)
}

// OrderingKey returns the ordering key attached by WithOrderingKey.
func OrderingKey(ctx context.Context) string {
	key, _ := ctx.Value(orderingKeyCtx{}).(string)
	return key
}

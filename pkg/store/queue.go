package store

import (
	"context"
	"time"

	"github.com/zoff-tech/offline-sync/schema"
)

// Queue is the view of the pending-op store the reconciler works against.
type Queue interface {
	// List returns every pending operation in storage order.
	List(ctx context.Context) ([]schema.PendingOperation, error)
	// Remove deletes a delivered operation. Removing an absent id is not an error.
	Remove(ctx context.Context, id string) error
	// Delivery returns the replay bookkeeping of an operation.
	Delivery(ctx context.Context, id string) (schema.DeliveryState, bool, error)
	// RecordFailure counts a failed attempt and schedules the next one.
	RecordFailure(ctx context.Context, id string, cause error, next time.Time) (schema.DeliveryState, error)
	// MarkFailed moves an operation to the failed bucket.
	MarkFailed(ctx context.Context, id string, reason schema.FailureReason, cause error) (schema.FailedOperation, error)
}

var _ Queue = (*PendingStore)(nil)

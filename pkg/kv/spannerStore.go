package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/spanner"
	"google.golang.org/grpc/codes"
)

const (
	spannerTable = "sync_kv"
	// SpannerDDL creates the table SpannerStore expects.
	SpannerDDL = `CREATE TABLE sync_kv (
	kv_key STRING(MAX) NOT NULL,
	kv_value STRING(MAX),
	updated_at TIMESTAMP
) PRIMARY KEY (kv_key)`
)

type SpannerStore struct {
	client *spanner.Client
}

func (s *SpannerStore) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, span := tracer.Start(ctx, "kv.Get")
	defer span.End()
	startTime := time.Now()

	row, err := s.client.Single().ReadRow(ctx, spannerTable, spanner.Key{key}, []string{"kv_value"})
	if spanner.ErrCode(err) == codes.NotFound {
		return "", false, nil
	}
	if err != nil {
		span.RecordError(err)
		return "", false, fmt.Errorf("failed to read key %s: %w", key, err)
	}

	var value spanner.NullString
	if err := row.Columns(&value); err != nil {
		span.RecordError(err)
		return "", false, err
	}

	addDBStatsToSpan(span, "spanner", "ReadRow", key, time.Since(startTime))
	return value.StringVal, true, nil
}

func (s *SpannerStore) Set(ctx context.Context, key, value string) error {
	ctx, span := tracer.Start(ctx, "kv.Set")
	defer span.End()
	startTime := time.Now()

	_, err := s.client.Apply(ctx, []*spanner.Mutation{
		spanner.InsertOrUpdate(spannerTable,
			[]string{"kv_key", "kv_value", "updated_at"},
			[]interface{}{key, value, time.Now().UTC()}),
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to write key %s: %w", key, err)
	}

	addDBStatsToSpan(span, "spanner", "InsertOrUpdate", key, time.Since(startTime))
	return nil
}

// Update reads and rewrites key inside one read-write transaction. Spanner
// retries aborted transactions, so fn may run more than once.
func (s *SpannerStore) Update(ctx context.Context, key string, fn UpdateFunc) error {
	ctx, span := tracer.Start(ctx, "kv.Update")
	defer span.End()
	startTime := time.Now()

	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		var current spanner.NullString
		found := true
		row, err := txn.ReadRow(ctx, spannerTable, spanner.Key{key}, []string{"kv_value"})
		switch {
		case spanner.ErrCode(err) == codes.NotFound:
			found = false
		case err != nil:
			return err
		default:
			if err := row.Columns(&current); err != nil {
				return err
			}
		}

		next, err := fn(current.StringVal, found)
		if errors.Is(err, ErrNoChange) {
			return nil
		}
		if err != nil {
			return err
		}
		return txn.BufferWrite([]*spanner.Mutation{
			spanner.InsertOrUpdate(spannerTable,
				[]string{"kv_key", "kv_value", "updated_at"},
				[]interface{}{key, next, time.Now().UTC()}),
		})
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to update key %s: %w", key, err)
	}

	addDBStatsToSpan(span, "spanner", "ReadWriteTransaction", key, time.Since(startTime))
	return nil
}

func (s *SpannerStore) Close() error {
	s.client.Close()
	return nil
}

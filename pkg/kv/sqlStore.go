package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"
)

const (
	createTableSQL  = `CREATE TABLE IF NOT EXISTS sync_kv (kv_key TEXT PRIMARY KEY, kv_value TEXT NOT NULL, updated_at TIMESTAMP NOT NULL)`
	selectValueSQL  = `SELECT kv_value FROM sync_kv WHERE kv_key=$1`
	selectLockedSQL = `SELECT kv_value FROM sync_kv WHERE kv_key=$1 FOR UPDATE`
	upsertValueSQL  = `INSERT INTO sync_kv (kv_key, kv_value, updated_at) VALUES ($1, $2, $3) ON CONFLICT (kv_key) DO UPDATE SET kv_value=EXCLUDED.kv_value, updated_at=EXCLUDED.updated_at`
)

// Row locks cannot cover a key that has no row yet, so Update takes a
// key-scoped lock first: an advisory lock on PostgreSQL and the database
// write lock on SQLite.
const (
	postgresKeyLockSQL = `SELECT pg_advisory_xact_lock(hashtext($1))`
	sqliteKeyLockSQL   = `UPDATE sync_kv SET kv_key=kv_key WHERE kv_key=$1`
)

// Dialects understood by SQLStore.
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

var positionalParam = regexp.MustCompile(`\$\d+`)

// SQLStore keeps values in a sync_kv table. It serves PostgreSQL (lib/pq) and
// embedded SQLite (modernc.org/sqlite).
type SQLStore struct {
	Db      *sql.DB // using database/sql
	dialect string
}

func NewSQLStore(db *sql.DB, dialect string) *SQLStore {
	return &SQLStore{Db: db, dialect: dialect}
}

// EnsureSchema creates the sync_kv table when missing.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	return s.withTransaction(ctx, "EnsureSchema", "", func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, createTableSQL)
		return err
	})
}

func (s *SQLStore) Get(ctx context.Context, key string) (string, bool, error) {
	var (
		value string
		found bool
	)
	err := s.withTransaction(ctx, "kv.Get", key, func(ctx context.Context, tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, s.rebind(selectValueSQL), key).Scan(&value)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to read key %s: %w", key, err)
	}
	return value, found, nil
}

func (s *SQLStore) Set(ctx context.Context, key, value string) error {
	err := s.withTransaction(ctx, "kv.Set", key, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.rebind(upsertValueSQL), key, value, time.Now().UTC())
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to write key %s: %w", key, err)
	}
	return nil
}

func (s *SQLStore) Update(ctx context.Context, key string, fn UpdateFunc) error {
	err := s.withTransaction(ctx, "kv.Update", key, func(ctx context.Context, tx *sql.Tx) error {
		lockSQL, selectSQL := postgresKeyLockSQL, selectLockedSQL
		if s.dialect == DialectSQLite {
			lockSQL, selectSQL = sqliteKeyLockSQL, selectValueSQL
		}
		if _, err := tx.ExecContext(ctx, s.rebind(lockSQL), key); err != nil {
			return err
		}

		var current string
		found := true
		err := tx.QueryRowContext(ctx, s.rebind(selectSQL), key).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			found = false
		} else if err != nil {
			return err
		}

		next, err := fn(current, found)
		if errors.Is(err, ErrNoChange) {
			return nil
		}
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.rebind(upsertValueSQL), key, next, time.Now().UTC())
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to update key %s: %w", key, err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.Db.Close()
}

// rebind turns $N placeholders into ? for SQLite.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectSQLite {
		return query
	}
	return positionalParam.ReplaceAllString(query, "?")
}

func (s *SQLStore) withTransaction(ctx context.Context, spanName, key string, fn func(ctx context.Context, tx *sql.Tx) error) (err error) {
	ctx, span := tracer.Start(ctx, spanName)
	defer span.End()
	startTime := time.Now()

	tx, err := s.Db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	if err = fn(ctx, tx); err != nil {
		span.RecordError(err)
		return err
	}

	addDBStatsToSpan(span, s.dialect, spanName, key, time.Since(startTime))
	return nil
}

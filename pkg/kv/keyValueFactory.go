package kv

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"cloud.google.com/go/spanner"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/zoff-tech/offline-sync/pkg/config"

	_ "github.com/lib/pq"   // PostgreSQL driver
	_ "modernc.org/sqlite" // SQLite driver
)

var sqlOpen = sql.Open

var NewSpannerStoreFactory = func(client *spanner.Client) KeyValue {
	return &SpannerStore{client: client}
}

// NewKeyValue opens the backend selected by cfg.Type.
func NewKeyValue(ctx context.Context, cfg config.StoreSettings) (KeyValue, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryStore(), nil
	case "file":
		return NewAfsStore(cfg.URL), nil
	case DialectPostgres, DialectSQLite:
		dsn := cfg.DSN
		if cfg.Type == DialectSQLite {
			dsn = sqliteDSN(dsn)
		}
		db, err := sqlOpen(cfg.Type, dsn)
		if err != nil {
			return nil, err
		}
		store := NewSQLStore(db, cfg.Type)
		if err := store.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to prepare %s schema: %w", cfg.Type, err)
		}
		return store, nil
	case "mongo":
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
		if err != nil {
			return nil, err
		}
		return NewMongoStore(client, cfg.Database, cfg.Collection), nil
	case "spanner":
		client, err := spanner.NewClient(ctx, cfg.URI)
		if err != nil {
			return nil, err
		}
		return NewSpannerStoreFactory(client), nil
	default:
		return nil, fmt.Errorf("unsupported store type: %s", cfg.Type)
	}
}

// sqliteBusyTimeout makes writers from other processes wait for the
// database lock instead of failing with SQLITE_BUSY.
const sqliteBusyTimeout = "_pragma=busy_timeout(5000)"

func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "busy_timeout") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&" + sqliteBusyTimeout
	}
	return dsn + "?" + sqliteBusyTimeout
}

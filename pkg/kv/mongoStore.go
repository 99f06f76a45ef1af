package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel/attribute"
)

// maxUpdateAttempts bounds the compare-and-swap loop of MongoStore.Update.
const maxUpdateAttempts = 10

// ErrConflict is returned when an Update keeps losing to concurrent writers.
var ErrConflict = errors.New("kv: concurrent update conflict")

type kvDocument struct {
	Key       string    `bson:"_id"`
	Value     string    `bson:"value"`
	UpdatedAt time.Time `bson:"updated_at"`
	Version   int64     `bson:"version"`
}

// MongoStore keeps one document per key. Every write bumps the document
// version; Update only replaces the version it read.
type MongoStore struct {
	client     *mongo.Client
	database   string
	collection string
}

func NewMongoStore(client *mongo.Client, database, collection string) *MongoStore {
	return &MongoStore{
		client:     client,
		database:   database,
		collection: collection,
	}
}

func (m *MongoStore) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, span := tracer.Start(ctx, "kv.Get")
	defer span.End()

	startTime := time.Now()

	collection := m.client.Database(m.database).Collection(m.collection)
	var doc kvDocument
	err := collection.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", false, nil
	}
	if err != nil {
		span.RecordError(err)
		return "", false, fmt.Errorf("failed to read key %s: %w", key, err)
	}

	addDBStatsToSpan(span, "mongodb", "findOne", key, time.Since(startTime))

	return doc.Value, true, nil
}

func (m *MongoStore) Set(ctx context.Context, key, value string) error {
	ctx, span := tracer.Start(ctx, "kv.Set")
	defer span.End()

	startTime := time.Now()

	collection := m.client.Database(m.database).Collection(m.collection)
	filter := bson.M{"_id": key}
	update := bson.M{
		"$set": bson.M{
			"value":      value,
			"updated_at": time.Now().UTC(),
		},
		"$inc": bson.M{"version": 1},
	}
	_, err := collection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to write key %s: %w", key, err)
	}

	addDBStatsToSpan(span, "mongodb", "updateOne", key, time.Since(startTime))

	return nil
}

func (m *MongoStore) Update(ctx context.Context, key string, fn UpdateFunc) error {
	ctx, span := tracer.Start(ctx, "kv.Update")
	defer span.End()

	startTime := time.Now()

	collection := m.client.Database(m.database).Collection(m.collection)
	for attempt := 1; attempt <= maxUpdateAttempts; attempt++ {
		var doc kvDocument
		found := true
		err := collection.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			found = false
		} else if err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to read key %s: %w", key, err)
		}

		next, err := fn(doc.Value, found)
		if errors.Is(err, ErrNoChange) {
			return nil
		}
		if err != nil {
			return err
		}

		swapped, err := m.swap(ctx, collection, doc, found, key, next)
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to update key %s: %w", key, err)
		}
		if swapped {
			span.SetAttributes(attribute.Int("kv.attempts", attempt))
			addDBStatsToSpan(span, "mongodb", "update", key, time.Since(startTime))
			return nil
		}
	}

	span.RecordError(ErrConflict)
	return fmt.Errorf("failed to update key %s: %w", key, ErrConflict)
}

// swap writes next only if the document is still at the version that was read.
func (m *MongoStore) swap(ctx context.Context, collection *mongo.Collection, doc kvDocument, found bool, key, next string) (bool, error) {
	now := time.Now().UTC()
	if !found {
		_, err := collection.InsertOne(ctx, kvDocument{Key: key, Value: next, UpdatedAt: now, Version: 1})
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return err == nil, err
	}

	filter := bson.M{"_id": key, "version": doc.Version}
	if doc.Version == 0 {
		filter = bson.M{"_id": key, "version": bson.M{"$exists": false}}
	}
	update := bson.M{
		"$set": bson.M{"value": next, "updated_at": now},
		"$inc": bson.M{"version": 1},
	}
	res, err := collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, err
	}
	return res.MatchedCount == 1, nil
}

func (m *MongoStore) Close() error {
	return m.client.Disconnect(context.Background())
}

package kv

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
)

func TestMongoStore(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("get existing key", func(mt *mtest.T) {
		store := NewMongoStore(mt.Client, mt.DB.Name(), mt.Coll.Name())
		ns := mt.DB.Name() + "." + mt.Coll.Name()
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch, bson.D{
			{Key: "_id", Value: "pendingSync"},
			{Key: "value", Value: `[{"id":"1"}]`},
		}))

		value, ok, err := store.Get(context.Background(), "pendingSync")
		assert.NoError(mt, err)
		assert.True(mt, ok)
		assert.Equal(mt, `[{"id":"1"}]`, value)
	})

	mt.Run("get missing key", func(mt *mtest.T) {
		store := NewMongoStore(mt.Client, mt.DB.Name(), mt.Coll.Name())
		ns := mt.DB.Name() + "." + mt.Coll.Name()
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch))

		value, ok, err := store.Get(context.Background(), "pendingSync")
		assert.NoError(mt, err)
		assert.False(mt, ok)
		assert.Empty(mt, value)
	})

	mt.Run("get error", func(mt *mtest.T) {
		store := NewMongoStore(mt.Client, mt.DB.Name(), mt.Coll.Name())
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{
			Code:    2,
			Name:    "BadValue",
			Message: "bad value",
		}))

		_, _, err := store.Get(context.Background(), "pendingSync")
		assert.Error(mt, err)
	})

	mt.Run("set upserts", func(mt *mtest.T) {
		store := NewMongoStore(mt.Client, mt.DB.Name(), mt.Coll.Name())
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 1},
			bson.E{Key: "nModified", Value: 1},
		))

		err := store.Set(context.Background(), "pendingSync", "[]")
		assert.NoError(mt, err)
	})

	found := func(ns, value string, version int64) bson.D {
		return mtest.CreateCursorResponse(0, ns, mtest.FirstBatch, bson.D{
			{Key: "_id", Value: "pendingSync"},
			{Key: "value", Value: value},
			{Key: "version", Value: version},
		})
	}
	matched := func(n int) bson.D {
		return mtest.CreateSuccessResponse(bson.E{Key: "n", Value: n}, bson.E{Key: "nModified", Value: n})
	}
	appendTwo := func(current string, ok bool) (string, error) {
		return current + "2", nil
	}

	mt.Run("update replaces read version", func(mt *mtest.T) {
		store := NewMongoStore(mt.Client, mt.DB.Name(), mt.Coll.Name())
		ns := mt.DB.Name() + "." + mt.Coll.Name()
		mt.AddMockResponses(found(ns, "1", 3), matched(1))

		err := store.Update(context.Background(), "pendingSync", appendTwo)
		assert.NoError(mt, err)

		started := mt.GetAllStartedEvents()
		if assert.Len(mt, started, 2) {
			assert.Equal(mt, "update", started[1].CommandName)
		}
	})

	mt.Run("update retries after a concurrent write", func(mt *mtest.T) {
		store := NewMongoStore(mt.Client, mt.DB.Name(), mt.Coll.Name())
		ns := mt.DB.Name() + "." + mt.Coll.Name()
		mt.AddMockResponses(found(ns, "1", 3), matched(0), found(ns, "1x", 4), matched(1))

		var seen []string
		err := store.Update(context.Background(), "pendingSync", func(current string, ok bool) (string, error) {
			seen = append(seen, current)
			return current + "2", nil
		})
		assert.NoError(mt, err)
		assert.Equal(mt, []string{"1", "1x"}, seen)
	})

	mt.Run("update inserts missing key", func(mt *mtest.T) {
		store := NewMongoStore(mt.Client, mt.DB.Name(), mt.Coll.Name())
		ns := mt.DB.Name() + "." + mt.Coll.Name()
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch), mtest.CreateSuccessResponse())

		err := store.Update(context.Background(), "pendingSync", func(current string, ok bool) (string, error) {
			assert.False(mt, ok)
			return "[]", nil
		})
		assert.NoError(mt, err)

		started := mt.GetAllStartedEvents()
		if assert.Len(mt, started, 2) {
			assert.Equal(mt, "insert", started[1].CommandName)
		}
	})

	mt.Run("update retries when insert loses the race", func(mt *mtest.T) {
		store := NewMongoStore(mt.Client, mt.DB.Name(), mt.Coll.Name())
		ns := mt.DB.Name() + "." + mt.Coll.Name()
		mt.AddMockResponses(
			mtest.CreateCursorResponse(0, ns, mtest.FirstBatch),
			mtest.CreateWriteErrorsResponse(mtest.WriteError{Index: 0, Code: 11000, Message: "duplicate key"}),
			found(ns, "1", 1),
			matched(1),
		)

		err := store.Update(context.Background(), "pendingSync", appendTwo)
		assert.NoError(mt, err)
	})

	mt.Run("update gives up after repeated conflicts", func(mt *mtest.T) {
		store := NewMongoStore(mt.Client, mt.DB.Name(), mt.Coll.Name())
		ns := mt.DB.Name() + "." + mt.Coll.Name()
		for i := 0; i < maxUpdateAttempts; i++ {
			mt.AddMockResponses(found(ns, "1", int64(i+1)), matched(0))
		}

		err := store.Update(context.Background(), "pendingSync", appendTwo)
		assert.ErrorIs(mt, err, ErrConflict)
	})

	mt.Run("update without change skips the write", func(mt *mtest.T) {
		store := NewMongoStore(mt.Client, mt.DB.Name(), mt.Coll.Name())
		ns := mt.DB.Name() + "." + mt.Coll.Name()
		mt.AddMockResponses(found(ns, "1", 1))

		err := store.Update(context.Background(), "pendingSync", func(string, bool) (string, error) {
			return "", ErrNoChange
		})
		assert.NoError(mt, err)
		assert.Len(mt, mt.GetAllStartedEvents(), 1)
	})
}

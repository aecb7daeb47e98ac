// ABOUTME: Conformance tests shared by every storage engine implementation
// ABOUTME: Engine packages call Run with a factory that returns a fresh, file-backed engine

// Package enginetest checks an engine.Engine implementation against the behavior
// the store relies on.
package enginetest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chatstore/internal/engine"
)

// Factory returns a new engine over an empty database. Calling it twice in one
// test must return engines over distinct databases.
type Factory func(t *testing.T) engine.Engine

const coll = "docs"

var (
	nameIndex = engine.IndexSpec{Name: "name", KeyPath: "name"}
	tsIndex   = engine.IndexSpec{Name: "timestamp", KeyPath: "last.ts"}
)

// schema creates the docs collection with a name and timestamp index.
func schema(ctx context.Context, tx engine.UpgradeTx, _, _ int) error {
	if err := tx.CreateCollection(ctx, coll, "id"); err != nil {
		return err
	}
	for _, idx := range []engine.IndexSpec{nameIndex, tsIndex} {
		ok, err := tx.HasIndex(ctx, coll, idx.Name)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		if err := tx.CreateIndex(ctx, coll, idx); err != nil {
			return err
		}
	}
	return nil
}

func open(t *testing.T, e engine.Engine, version int) engine.Handle {
	t.Helper()
	h, err := e.Open(context.Background(), version, schema)
	require.NoError(t, err)
	return h
}

func write(t *testing.T, h engine.Handle, fn func(tx engine.Tx)) {
	t.Helper()
	ctx := context.Background()
	tx, err := h.Begin(ctx, true)
	require.NoError(t, err)
	fn(tx)
	require.NoError(t, tx.Commit())
}

func read(t *testing.T, h engine.Handle, fn func(tx engine.Tx)) {
	t.Helper()
	tx, err := h.Begin(context.Background(), false)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback() }()
	fn(tx)
}

func put(t *testing.T, tx engine.Tx, doc string) {
	t.Helper()
	_, err := tx.Put(context.Background(), coll, []byte(doc))
	require.NoError(t, err)
}

// Run executes the conformance suite.
func Run(t *testing.T, newEngine Factory) {
	t.Run("VersionLifecycle", func(t *testing.T) { testVersionLifecycle(t, newEngine(t)) })
	t.Run("VersionTooLow", func(t *testing.T) { testVersionTooLow(t, newEngine(t)) })
	t.Run("PutGetDelete", func(t *testing.T) { testPutGetDelete(t, newEngine(t)) })
	t.Run("Ordering", func(t *testing.T) { testOrdering(t, newEngine(t)) })
	t.Run("Rollback", func(t *testing.T) { testRollback(t, newEngine(t)) })
	t.Run("ReadOnly", func(t *testing.T) { testReadOnly(t, newEngine(t)) })
	t.Run("Clear", func(t *testing.T) { testClear(t, newEngine(t)) })
	t.Run("IndexesFollowDocuments", func(t *testing.T) { testIndexes(t, newEngine(t)) })
	t.Run("IndexBackfill", func(t *testing.T) { testIndexBackfill(t, newEngine(t)) })
	t.Run("UniqueIndex", func(t *testing.T) { testUniqueIndex(t, newEngine(t)) })
	t.Run("InvalidKey", func(t *testing.T) { testInvalidKey(t, newEngine(t)) })
	t.Run("MissingCollection", func(t *testing.T) { testMissingCollection(t, newEngine(t)) })
	t.Run("DataSurvivesReopen", func(t *testing.T) { testReopen(t, newEngine(t)) })
}

func testVersionLifecycle(t *testing.T, e engine.Engine) {
	ctx := context.Background()

	v, err := e.StoredVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, v)

	var calls [][2]int
	upgrade := func(ctx context.Context, tx engine.UpgradeTx, oldV, newV int) error {
		calls = append(calls, [2]int{oldV, newV})
		return schema(ctx, tx, oldV, newV)
	}

	h, err := e.Open(ctx, 1, upgrade)
	require.NoError(t, err)
	assert.Equal(t, 1, h.Version())
	ok, err := h.HasCollection(ctx, coll)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, h.Close())

	// Same version: no upgrade.
	h, err = e.Open(ctx, 1, upgrade)
	require.NoError(t, err)
	require.NoError(t, h.Close())
	assert.Equal(t, [][2]int{{0, 1}}, calls)

	h, err = e.Open(ctx, 3, upgrade)
	require.NoError(t, err)
	require.NoError(t, h.Close())
	assert.Equal(t, [][2]int{{0, 1}, {1, 3}}, calls)

	v, err = e.StoredVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, v)
}

func testVersionTooLow(t *testing.T, e engine.Engine) {
	ctx := context.Background()
	h := open(t, e, 2)
	write(t, h, func(tx engine.Tx) { put(t, tx, `{"id":"a","name":"A"}`) })
	require.NoError(t, h.Close())

	_, err := e.Open(ctx, 1, schema)
	require.ErrorIs(t, err, engine.ErrVersionTooLow)

	// A failed upgrade leaves the stored version alone.
	_, err = e.Open(ctx, 5, func(context.Context, engine.UpgradeTx, int, int) error {
		return errors.New("boom")
	})
	require.Error(t, err)

	v, err := e.StoredVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	h = open(t, e, 2)
	defer h.Close()
	read(t, h, func(tx engine.Tx) {
		n, err := tx.Count(ctx, coll)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func testPutGetDelete(t *testing.T, e engine.Engine) {
	ctx := context.Background()
	h := open(t, e, 1)
	defer h.Close()

	write(t, h, func(tx engine.Tx) {
		key, err := tx.Put(ctx, coll, []byte(`{"id":"a","name":"A"}`))
		require.NoError(t, err)
		assert.Equal(t, "a", key)
		put(t, tx, `{"id":"a","name":"A2"}`)
	})

	read(t, h, func(tx engine.Tx) {
		v, err := tx.Get(ctx, coll, "a")
		require.NoError(t, err)
		assert.JSONEq(t, `{"id":"a","name":"A2"}`, string(v))

		_, err = tx.Get(ctx, coll, "missing")
		assert.ErrorIs(t, err, engine.ErrKeyNotFound)

		n, err := tx.Count(ctx, coll)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	write(t, h, func(tx engine.Tx) {
		require.NoError(t, tx.Delete(ctx, coll, "a"))
		require.NoError(t, tx.Delete(ctx, coll, "a"))
		require.NoError(t, tx.Delete(ctx, coll, "never"))
	})

	read(t, h, func(tx engine.Tx) {
		keys, err := tx.Keys(ctx, coll)
		require.NoError(t, err)
		assert.Empty(t, keys)
		assert.NotNil(t, keys)
	})
}

func testOrdering(t *testing.T, e engine.Engine) {
	ctx := context.Background()
	h := open(t, e, 1)
	defer h.Close()

	write(t, h, func(tx engine.Tx) {
		put(t, tx, `{"id":"c"}`)
		put(t, tx, `{"id":"a"}`)
		put(t, tx, `{"id":"b"}`)
	})

	read(t, h, func(tx engine.Tx) {
		keys, err := tx.Keys(ctx, coll)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, keys)

		values, err := tx.GetAll(ctx, coll)
		require.NoError(t, err)
		require.Len(t, values, 3)
		assert.JSONEq(t, `{"id":"a"}`, string(values[0]))
		assert.JSONEq(t, `{"id":"c"}`, string(values[2]))
	})
}

func testRollback(t *testing.T, e engine.Engine) {
	ctx := context.Background()
	h := open(t, e, 1)
	defer h.Close()

	write(t, h, func(tx engine.Tx) { put(t, tx, `{"id":"keep","name":"K"}`) })

	tx, err := h.Begin(ctx, true)
	require.NoError(t, err)
	require.NoError(t, tx.Clear(ctx, coll))
	put(t, tx, `{"id":"new","name":"N"}`)
	require.NoError(t, tx.Rollback())

	read(t, h, func(tx engine.Tx) {
		keys, err := tx.Keys(ctx, coll)
		require.NoError(t, err)
		assert.Equal(t, []string{"keep"}, keys)

		entries, err := tx.IndexEntries(ctx, coll, nameIndex.Name)
		require.NoError(t, err)
		assert.Equal(t, []engine.IndexEntry{{Value: "K", Key: "keep"}}, entries)
	})
}

func testReadOnly(t *testing.T, e engine.Engine) {
	ctx := context.Background()
	h := open(t, e, 1)
	defer h.Close()

	read(t, h, func(tx engine.Tx) {
		_, err := tx.Put(ctx, coll, []byte(`{"id":"a"}`))
		assert.ErrorIs(t, err, engine.ErrReadOnly)
		assert.ErrorIs(t, tx.Delete(ctx, coll, "a"), engine.ErrReadOnly)
		assert.ErrorIs(t, tx.Clear(ctx, coll), engine.ErrReadOnly)
	})

	// Commit of a read-only transaction is a clean finish.
	tx, err := h.Begin(ctx, false)
	require.NoError(t, err)
	_, err = tx.Count(ctx, coll)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
}

func testClear(t *testing.T, e engine.Engine) {
	ctx := context.Background()
	h := open(t, e, 1)
	defer h.Close()

	write(t, h, func(tx engine.Tx) {
		put(t, tx, `{"id":"a","name":"A","last":{"ts":"2024-01-01T00:00:00Z"}}`)
		put(t, tx, `{"id":"b","name":"B"}`)
	})
	write(t, h, func(tx engine.Tx) {
		require.NoError(t, tx.Clear(ctx, coll))
		put(t, tx, `{"id":"z","name":"Z"}`)
	})

	read(t, h, func(tx engine.Tx) {
		keys, err := tx.Keys(ctx, coll)
		require.NoError(t, err)
		assert.Equal(t, []string{"z"}, keys)

		names, err := tx.IndexEntries(ctx, coll, nameIndex.Name)
		require.NoError(t, err)
		assert.Equal(t, []engine.IndexEntry{{Value: "Z", Key: "z"}}, names)

		stamps, err := tx.IndexEntries(ctx, coll, tsIndex.Name)
		require.NoError(t, err)
		assert.Empty(t, stamps)
	})
}

func testIndexes(t *testing.T, e engine.Engine) {
	ctx := context.Background()
	h := open(t, e, 1)
	defer h.Close()

	write(t, h, func(tx engine.Tx) {
		put(t, tx, `{"id":"a","name":"Same","last":{"ts":"2024-01-02T00:00:00Z"}}`)
		put(t, tx, `{"id":"b","name":"Same","last":null}`)
		put(t, tx, `{"id":"c","name":"Other"}`)
	})

	read(t, h, func(tx engine.Tx) {
		names, err := tx.IndexEntries(ctx, coll, nameIndex.Name)
		require.NoError(t, err)
		assert.ElementsMatch(t, []engine.IndexEntry{
			{Value: "Same", Key: "a"},
			{Value: "Same", Key: "b"},
			{Value: "Other", Key: "c"},
		}, names)

		stamps, err := tx.IndexEntries(ctx, coll, tsIndex.Name)
		require.NoError(t, err)
		assert.Equal(t, []engine.IndexEntry{{Value: "2024-01-02T00:00:00Z", Key: "a"}}, stamps)

		_, err = tx.IndexEntries(ctx, coll, "nope")
		assert.ErrorIs(t, err, engine.ErrNoIndex)
	})

	// Overwrite and delete move the derived entries with the document.
	write(t, h, func(tx engine.Tx) {
		put(t, tx, `{"id":"a","name":"Renamed"}`)
		require.NoError(t, tx.Delete(ctx, coll, "b"))
	})

	read(t, h, func(tx engine.Tx) {
		names, err := tx.IndexEntries(ctx, coll, nameIndex.Name)
		require.NoError(t, err)
		assert.ElementsMatch(t, []engine.IndexEntry{
			{Value: "Renamed", Key: "a"},
			{Value: "Other", Key: "c"},
		}, names)

		stamps, err := tx.IndexEntries(ctx, coll, tsIndex.Name)
		require.NoError(t, err)
		assert.Empty(t, stamps)
	})
}

func testIndexBackfill(t *testing.T, e engine.Engine) {
	ctx := context.Background()

	h, err := e.Open(ctx, 1, func(ctx context.Context, tx engine.UpgradeTx, _, _ int) error {
		return tx.CreateCollection(ctx, coll, "id")
	})
	require.NoError(t, err)
	write(t, h, func(tx engine.Tx) {
		put(t, tx, `{"id":"a","name":"A"}`)
		put(t, tx, `{"id":"b"}`)
	})
	require.NoError(t, h.Close())

	h = open(t, e, 2)
	defer h.Close()
	read(t, h, func(tx engine.Tx) {
		names, err := tx.IndexEntries(ctx, coll, nameIndex.Name)
		require.NoError(t, err)
		assert.Equal(t, []engine.IndexEntry{{Value: "A", Key: "a"}}, names)
	})
}

func testUniqueIndex(t *testing.T, e engine.Engine) {
	ctx := context.Background()
	h, err := e.Open(ctx, 1, func(ctx context.Context, tx engine.UpgradeTx, _, _ int) error {
		if err := tx.CreateCollection(ctx, coll, "id"); err != nil {
			return err
		}
		return tx.CreateIndex(ctx, coll, engine.IndexSpec{Name: "phone", KeyPath: "phone", Unique: true})
	})
	require.NoError(t, err)
	defer h.Close()

	write(t, h, func(tx engine.Tx) {
		put(t, tx, `{"id":"a","phone":"555"}`)
		put(t, tx, `{"id":"b","phone":"5550"}`)
		// Re-putting the owner is not a conflict.
		put(t, tx, `{"id":"a","phone":"555"}`)
	})

	tx, err := h.Begin(ctx, true)
	require.NoError(t, err)
	_, err = tx.Put(ctx, coll, []byte(`{"id":"c","phone":"555"}`))
	assert.ErrorIs(t, err, engine.ErrConstraint)
	require.NoError(t, tx.Rollback())
}

func testInvalidKey(t *testing.T, e engine.Engine) {
	ctx := context.Background()
	h := open(t, e, 1)
	defer h.Close()

	tx, err := h.Begin(ctx, true)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback() }()

	docs := []string{
		`{"name":"no id"}`,
		`{"id":""}`,
		`{"id":42}`,
		`not json`,
		`{"id":"a\u0000b"}`,
		`{"id":"ok","name":"x\u0000y"}`,
	}
	for _, doc := range docs {
		_, err := tx.Put(ctx, coll, []byte(doc))
		assert.ErrorIs(t, err, engine.ErrInvalidKey, doc)
	}
}

func testMissingCollection(t *testing.T, e engine.Engine) {
	ctx := context.Background()
	h, err := e.Open(ctx, 1, nil)
	require.NoError(t, err)
	defer h.Close()

	ok, err := h.HasCollection(ctx, coll)
	require.NoError(t, err)
	assert.False(t, ok)

	read(t, h, func(tx engine.Tx) {
		_, err := tx.Count(ctx, coll)
		assert.ErrorIs(t, err, engine.ErrNoCollection)
		_, err = tx.GetAll(ctx, coll)
		assert.ErrorIs(t, err, engine.ErrNoCollection)
	})
}

func testReopen(t *testing.T, e engine.Engine) {
	ctx := context.Background()
	h := open(t, e, 1)
	write(t, h, func(tx engine.Tx) { put(t, tx, `{"id":"a","name":"A"}`) })
	require.NoError(t, h.Close())

	h = open(t, e, 1)
	defer h.Close()
	read(t, h, func(tx engine.Tx) {
		v, err := tx.Get(ctx, coll, "a")
		require.NoError(t, err)
		assert.JSONEq(t, `{"id":"a","name":"A"}`, string(v))
	})
}

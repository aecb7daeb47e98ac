// ABOUTME: Tests for the connection manager: version negotiation, recovery and leasing
// ABOUTME: Torn initializations are simulated by dropping the collection between runs

package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chatstore/internal/engine"
	"github.com/2389/coven-chatstore/internal/record"
)

func TestManagerOpensLazily(t *testing.T) {
	forEachEngine(t, func(t *testing.T, ec engineCase, path string) {
		s := newTestStore(t, ec.open(t, path), Options{})

		assert.Equal(t, StateIdle, s.Manager().State())
		assert.Equal(t, 0, s.Manager().Version())
		_, err := os.Stat(path)
		assert.True(t, os.IsNotExist(err), "database file created before first use")

		_, err = s.ReadAll(context.Background())
		require.NoError(t, err)
		assert.Equal(t, StateReady, s.Manager().State())
		assert.Equal(t, 1, s.Manager().Version())
	})
}

func TestAcquireWithCancelledContext(t *testing.T) {
	forEachEngine(t, func(t *testing.T, ec engineCase, path string) {
		s := newTestStore(t, ec.open(t, path), Options{})

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		for range 20 {
			_, err := s.Manager().Acquire(ctx)
			assert.ErrorIs(t, err, context.Canceled)

			var connErr *ConnectionError
			assert.False(t, errors.As(err, &connErr))
		}
		assert.Equal(t, StateIdle, s.Manager().State())
		_, err := os.Stat(path)
		assert.True(t, os.IsNotExist(err), "cancelled acquire must not open the database")

		// The semaphore was never taken.
		lease, err := s.Manager().Acquire(context.Background())
		require.NoError(t, err)
		lease.Release()
	})
}

func TestManagerKeepsHandleAcrossOperations(t *testing.T) {
	forEachEngine(t, func(t *testing.T, ec engineCase, path string) {
		ctx := context.Background()
		s := newTestStore(t, ec.open(t, path), Options{})

		first, err := s.Manager().Acquire(ctx)
		require.NoError(t, err)
		h := first.Handle()
		first.Release()

		second, err := s.Manager().Acquire(ctx)
		require.NoError(t, err)
		defer second.Release()
		assert.Same(t, h, second.Handle())
	})
}

func TestLeaseReleaseIsIdempotent(t *testing.T) {
	forEachEngine(t, func(t *testing.T, ec engineCase, path string) {
		ctx := context.Background()
		m := newTestStore(t, ec.open(t, path), Options{}).Manager()

		lease, err := m.Acquire(ctx)
		require.NoError(t, err)
		lease.Release()
		lease.Release()

		// A double release must not free a slot held by someone else.
		other, err := m.Acquire(ctx)
		require.NoError(t, err)
		lease.Release()

		waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		_, err = m.Acquire(waitCtx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		other.Release()
	})
}

func TestLowerConfiguredVersionKeepsData(t *testing.T) {
	forEachEngine(t, func(t *testing.T, ec engineCase, path string) {
		ctx := context.Background()
		records := []record.Conversation{conv("a", "A")}

		s := New(ec.open(t, path), Options{SchemaVersion: 3, Logger: testLogger()})
		require.NoError(t, s.ReplaceAll(ctx, records))
		require.NoError(t, s.Close())

		s = newTestStore(t, ec.open(t, path), Options{SchemaVersion: 1})
		got, err := s.ReadAll(ctx)
		require.NoError(t, err)
		assertSameSet(t, records, got)
		assert.Equal(t, 3, s.Manager().Version())
	})
}

func TestHigherConfiguredVersionUpgradesInPlace(t *testing.T) {
	forEachEngine(t, func(t *testing.T, ec engineCase, path string) {
		ctx := context.Background()
		records := []record.Conversation{convWithMessages("a", "A", 1)}

		s := New(ec.open(t, path), Options{Logger: testLogger()})
		require.NoError(t, s.ReplaceAll(ctx, records))
		require.NoError(t, s.Close())

		s = newTestStore(t, ec.open(t, path), Options{SchemaVersion: 2})
		got, err := s.ReadAll(ctx)
		require.NoError(t, err)
		assertSameSet(t, records, got)
		assert.Equal(t, 2, s.Manager().Version())
		assert.Equal(t, 0, s.Manager().Recoveries())
	})
}

func TestRecoveryFromMissingCollection(t *testing.T) {
	forEachEngine(t, func(t *testing.T, ec engineCase, path string) {
		ctx := context.Background()

		s := New(ec.open(t, path), Options{Logger: testLogger()})
		require.NoError(t, s.ReplaceAll(ctx, []record.Conversation{convWithMessages("a", "A", 1)}))
		require.NoError(t, s.Close())

		ec.drop(t, path)

		s = newTestStore(t, ec.open(t, path), Options{})
		got, err := s.ReadAll(ctx)
		require.NoError(t, err)
		assert.Empty(t, got)

		assert.Equal(t, 2, s.Manager().Version())
		assert.Equal(t, 1, s.Manager().Recoveries())
		assert.Equal(t, StateReady, s.Manager().State())

		// Schema-complete: both indexes exist and track new writes.
		require.NoError(t, s.ReplaceAll(ctx, []record.Conversation{convWithMessages("b", "B", 2)}))
		report, err := s.Inspect(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[string]int{"name": 1, "timestamp": 1}, report.Indexes)
	})
}

func TestRecoveryIsNoOpOnHealthyDatabase(t *testing.T) {
	forEachEngine(t, func(t *testing.T, ec engineCase, path string) {
		ctx := context.Background()
		s := newTestStore(t, ec.open(t, path), Options{})

		for range 3 {
			_, err := s.ReadAll(ctx)
			require.NoError(t, err)
		}
		assert.Equal(t, 1, s.Manager().Version())
		assert.Equal(t, 0, s.Manager().Recoveries())
	})
}

func TestRecoveryBoundAcrossRestarts(t *testing.T) {
	forEachEngine(t, func(t *testing.T, ec engineCase, path string) {
		ctx := context.Background()
		opts := Options{MaxRecoveries: 1, Logger: testLogger()}

		s := New(ec.open(t, path), opts)
		_, err := s.ReadAll(ctx)
		require.NoError(t, err)
		require.NoError(t, s.Close())

		// First fault: recovered, version 1 -> 2.
		ec.drop(t, path)
		s = New(ec.open(t, path), opts)
		_, err = s.ReadAll(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, s.Manager().Version())
		require.NoError(t, s.Close())

		// Second fault: 3 would be two recoveries above base 1.
		ec.drop(t, path)
		s = newTestStore(t, ec.open(t, path), opts)
		_, err = s.ReadAll(ctx)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrSchemaRecoveryFailed)
		assert.Equal(t, StateFailed, s.Manager().State())

		var connErr *ConnectionError
		require.ErrorAs(t, err, &connErr)
		assert.Equal(t, ErrSchemaRecoveryFailed, connErr.Kind)

		// The refused recovery did not bump the version.
		require.NoError(t, s.Close())
		v, err := ec.open(t, path).StoredVersion(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, v)
	})
}

// brokenUpgradeEngine never creates the collection, so recovery cannot succeed.
type brokenUpgradeEngine struct {
	engine.Engine
}

func (b *brokenUpgradeEngine) Open(ctx context.Context, version int, _ engine.UpgradeFunc) (engine.Handle, error) {
	return b.Engine.Open(ctx, version, nil)
}

func TestRecoveryFailsWhenCollectionStaysMissing(t *testing.T) {
	forEachEngine(t, func(t *testing.T, ec engineCase, path string) {
		s := newTestStore(t, &brokenUpgradeEngine{Engine: ec.open(t, path)}, Options{})

		err := s.ReplaceAll(context.Background(), nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrSchemaRecoveryFailed)
		assert.Equal(t, StateFailed, s.Manager().State())
		assert.Equal(t, 0, s.Manager().Recoveries())
	})
}

func TestCloseWaitsForLease(t *testing.T) {
	forEachEngine(t, func(t *testing.T, ec engineCase, path string) {
		m := newTestStore(t, ec.open(t, path), Options{}).Manager()

		lease, err := m.Acquire(context.Background())
		require.NoError(t, err)

		closed := make(chan error, 1)
		go func() { closed <- m.Close() }()

		select {
		case <-closed:
			t.Fatal("Close returned while a lease was held")
		case <-time.After(30 * time.Millisecond):
		}

		lease.Release()
		require.NoError(t, <-closed)
		assert.Equal(t, StateClosed, m.State())

		_, err = m.Acquire(context.Background())
		assert.ErrorIs(t, err, ErrClosed)
	})
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "recovering", StateRecovering.String())
	assert.Equal(t, "state(42)", State(42).String())
}

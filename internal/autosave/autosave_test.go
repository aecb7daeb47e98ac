// ABOUTME: Tests for the save debouncer
// ABOUTME: Uses short quiet intervals and counts save calls

package autosave

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func counter() (*atomic.Int32, SaveFunc) {
	var n atomic.Int32
	return &n, func(context.Context) error {
		n.Add(1)
		return nil
	}
}

func TestBurstProducesOneSave(t *testing.T) {
	n, save := counter()
	d := New(30*time.Millisecond, save, testLogger())
	defer d.Stop()

	for i := 0; i < 10; i++ {
		d.Trigger()
		time.Sleep(2 * time.Millisecond)
	}
	assert.True(t, d.Pending())

	assert.Eventually(t, func() bool { return n.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), n.Load())
	assert.False(t, d.Pending())
}

func TestFlushSavesNow(t *testing.T) {
	n, save := counter()
	d := New(time.Hour, save, testLogger())
	defer d.Stop()

	require.NoError(t, d.Flush(context.Background()))
	assert.Equal(t, int32(0), n.Load(), "nothing pending")

	d.Trigger()
	require.NoError(t, d.Flush(context.Background()))
	assert.Equal(t, int32(1), n.Load())
	assert.False(t, d.Pending())
}

func TestFlushReturnsSaveError(t *testing.T) {
	boom := errors.New("disk full")
	d := New(time.Hour, func(context.Context) error { return boom }, testLogger())
	defer d.Stop()

	d.Trigger()
	assert.ErrorIs(t, d.Flush(context.Background()), boom)

	// The failed change is not retried until something new happens.
	assert.NoError(t, d.Flush(context.Background()))
}

func TestStopCancelsPendingSave(t *testing.T) {
	n, save := counter()
	d := New(20*time.Millisecond, save, testLogger())

	d.Trigger()
	d.Stop()
	d.Stop()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), n.Load())

	d.Trigger()
	assert.False(t, d.Pending(), "triggers after Stop are ignored")
}

func TestStopWaitsForInflightSave(t *testing.T) {
	started := make(chan struct{})
	var finished atomic.Bool
	d := New(time.Millisecond, func(context.Context) error {
		close(started)
		time.Sleep(30 * time.Millisecond)
		finished.Store(true)
		return nil
	}, testLogger())

	d.Trigger()
	<-started
	d.Stop()
	assert.True(t, finished.Load())
}

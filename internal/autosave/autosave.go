// ABOUTME: Debounced save scheduler for the in-memory conversation list
// ABOUTME: Coalesces bursts of changes into one save after a quiet interval

package autosave

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// SaveFunc persists the current state. It receives the context passed to
// Flush, or context.Background() when the quiet timer fires.
type SaveFunc func(ctx context.Context) error

// Debouncer runs a SaveFunc once the quiet interval has passed since the
// most recent Trigger. Saves never overlap.
type Debouncer struct {
	mu      sync.Mutex
	quiet   time.Duration
	save    SaveFunc
	logger  *slog.Logger
	timer   *time.Timer
	gen     uint64 // bumped on every Trigger so stale timers do nothing
	pending bool
	stopped bool

	saveMu sync.Mutex // held for the duration of a save
}

// New creates a debouncer. A nil logger uses slog.Default().
func New(quiet time.Duration, save SaveFunc, logger *slog.Logger) *Debouncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Debouncer{
		quiet:  quiet,
		save:   save,
		logger: logger.With("component", "autosave"),
	}
}

// Trigger marks state dirty and restarts the quiet timer.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	d.pending = true
	d.gen++
	gen := d.gen
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.quiet, func() {
		d.fire(gen)
	})
}

// Pending reports whether a change is waiting to be saved.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	if d.gen != gen || d.stopped {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	_ = d.run(context.Background())
}

// Flush runs a pending save now and returns its error. It is a no-op when
// nothing is pending.
func (d *Debouncer) Flush(ctx context.Context) error {
	return d.run(ctx)
}

func (d *Debouncer) run(ctx context.Context) error {
	d.saveMu.Lock()
	defer d.saveMu.Unlock()

	d.mu.Lock()
	if !d.pending {
		d.mu.Unlock()
		return nil
	}
	d.pending = false
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()

	start := time.Now()
	if err := d.save(ctx); err != nil {
		d.logger.Error("save failed", "error", err)
		return err
	}
	d.logger.Debug("saved", "duration", time.Since(start))
	return nil
}

// Stop cancels the timer and discards any pending change. It waits for a
// save already in progress. Safe to call multiple times.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.pending = false
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()

	d.saveMu.Lock()
	defer d.saveMu.Unlock()
}

// ABOUTME: Connection manager owning the single database handle
// ABOUTME: Negotiates the schema version, verifies the collection, and runs one-shot recovery

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/coven-chatstore/internal/engine"
	"github.com/2389/coven-chatstore/internal/record"
)

// State is a step of the open/repair state machine.
type State int32

const (
	StateIdle State = iota
	StateOpening
	StateVerifying
	StateRecovering
	StateReady
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpening:
		return "opening"
	case StateVerifying:
		return "verifying"
	case StateRecovering:
		return "recovering"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Secondary indexes maintained on the conversation collection.
var conversationIndexes = []engine.IndexSpec{
	{Name: "name", KeyPath: record.KeyPathName},
	{Name: "timestamp", KeyPath: record.KeyPathLastMessageTS},
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Collection string
	// BaseVersion is the schema version this build expects. The database is
	// never opened below what it already has persisted.
	BaseVersion int
	// MaxRecoveries bounds how far recovery may push the persisted version above
	// BaseVersion, across restarts. Zero means DefaultMaxRecoveries.
	MaxRecoveries int
	// OpenTimeout bounds open, upgrade and verification. Zero means no bound.
	OpenTimeout time.Duration
	Logger      *slog.Logger
}

// Manager is the sole owner of the database handle. Operations borrow it one at
// a time through a Lease.
type Manager struct {
	engine engine.Engine
	cfg    ManagerConfig
	logger *slog.Logger

	// sem admits one lease at a time.
	sem chan struct{}

	// mu guards handle and closed. Writers also hold sem.
	mu     sync.RWMutex
	handle engine.Handle
	closed bool

	state      atomic.Int32
	recoveries atomic.Int64
}

// NewManager creates a manager. The database is opened on the first Acquire.
func NewManager(e engine.Engine, cfg ManagerConfig) *Manager {
	if cfg.Collection == "" {
		cfg.Collection = DefaultCollection
	}
	if cfg.BaseVersion < 1 {
		cfg.BaseVersion = DefaultSchemaVersion
	}
	if cfg.MaxRecoveries <= 0 {
		cfg.MaxRecoveries = DefaultMaxRecoveries
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		engine: e,
		cfg:    cfg,
		logger: cfg.Logger.With("component", "manager", "engine", e.Name()),
		sem:    make(chan struct{}, 1),
	}
}

// Lease is a borrowed, verified handle.
type Lease struct {
	m      *Manager
	handle engine.Handle
	once   sync.Once
}

// Handle returns the borrowed handle. It must not be used after Release.
func (l *Lease) Handle() engine.Handle {
	return l.handle
}

// Release returns the handle to the manager. Safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		<-l.m.sem
	})
}

// State reports the current state of the repair state machine.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Recoveries reports how many recoveries succeeded in this process.
func (m *Manager) Recoveries() int {
	return int(m.recoveries.Load())
}

// Version reports the version of the open handle, 0 if none is open.
func (m *Manager) Version() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.handle == nil {
		return 0
	}
	return m.handle.Version()
}

func (m *Manager) setState(s State) {
	old := State(m.state.Swap(int32(s)))
	if old != s {
		m.logger.Debug("state change", "from", old.String(), "to", s.String())
	}
}

// Acquire waits for exclusive use of the handle, opening or repairing it as
// needed, and returns it verified. Waiting honors ctx.
func (m *Manager) Acquire(ctx context.Context) (*Lease, error) {
	// select picks randomly among ready cases, so a done ctx could still win sem.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case m.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		<-m.sem
		return nil, &ConnectionError{Kind: ErrClosed}
	}

	if err := m.ensureReady(ctx); err != nil {
		<-m.sem
		return nil, err
	}

	return &Lease{m: m, handle: m.handle}, nil
}

// ensureReady leaves m.handle open with the collection present. Caller holds
// sem and mu.
func (m *Manager) ensureReady(ctx context.Context) error {
	if m.cfg.OpenTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.OpenTimeout)
		defer cancel()
	}

	if m.handle == nil {
		if err := m.open(ctx); err != nil {
			m.setState(StateFailed)
			return err
		}
	}

	m.setState(StateVerifying)
	ok, err := m.handle.HasCollection(ctx, m.cfg.Collection)
	if err != nil {
		m.logger.Error("verifying collection", "error", err)
		m.dropHandle()
		m.setState(StateFailed)
		return &ConnectionError{Kind: ErrOpenFailed, Err: fmt.Errorf("verifying collection: %w", err)}
	}
	if ok {
		m.setState(StateReady)
		return nil
	}

	if err := m.recover(ctx); err != nil {
		m.setState(StateFailed)
		return err
	}
	m.setState(StateReady)
	return nil
}

func (m *Manager) open(ctx context.Context) error {
	m.setState(StateOpening)

	stored, err := m.engine.StoredVersion(ctx)
	if err != nil {
		return openError(fmt.Errorf("reading stored version: %w", err))
	}

	target := max(m.cfg.BaseVersion, stored)
	h, err := m.engine.Open(ctx, target, m.upgrade)
	if err != nil {
		return openError(err)
	}

	m.logger.Info("database opened", "version", target, "stored_version", stored)
	m.handle = h
	return nil
}

// recover handles a collection that is missing despite a matching version:
// reopen one version higher so the upgrade path recreates it, then verify once.
func (m *Manager) recover(ctx context.Context) error {
	m.setState(StateRecovering)

	current := m.handle.Version()
	next := current + 1
	if next-m.cfg.BaseVersion > m.cfg.MaxRecoveries {
		m.dropHandle()
		m.logger.Error("recovery limit reached", "version", current, "base_version", m.cfg.BaseVersion, "max_recoveries", m.cfg.MaxRecoveries)
		return &ConnectionError{
			Kind: ErrSchemaRecoveryFailed,
			Err:  fmt.Errorf("version %d is already %d recoveries above base %d", current, current-m.cfg.BaseVersion, m.cfg.BaseVersion),
		}
	}

	m.logger.Warn("collection missing, recovering", "collection", m.cfg.Collection, "from_version", current, "to_version", next)
	m.dropHandle()

	h, err := m.engine.Open(ctx, next, m.upgrade)
	if err != nil {
		return &ConnectionError{Kind: ErrSchemaRecoveryFailed, Err: err}
	}
	m.handle = h

	m.setState(StateVerifying)
	ok, err := h.HasCollection(ctx, m.cfg.Collection)
	if err == nil && !ok {
		err = fmt.Errorf("collection %q still missing at version %d", m.cfg.Collection, next)
	}
	if err != nil {
		m.dropHandle()
		return &ConnectionError{Kind: ErrSchemaRecoveryFailed, Err: err}
	}

	m.recoveries.Add(1)
	m.logger.Info("recovery complete", "version", next)
	return nil
}

// upgrade creates the collection and its indexes, skipping what already exists.
func (m *Manager) upgrade(ctx context.Context, tx engine.UpgradeTx, oldVersion, newVersion int) error {
	m.logger.Info("schema upgrade", "from", oldVersion, "to", newVersion)

	ok, err := tx.HasCollection(ctx, m.cfg.Collection)
	if err != nil {
		return err
	}
	if !ok {
		if err := tx.CreateCollection(ctx, m.cfg.Collection, record.KeyPathID); err != nil {
			return fmt.Errorf("creating collection: %w", err)
		}
		m.logger.Info("created collection", "collection", m.cfg.Collection)
	}

	for _, idx := range conversationIndexes {
		ok, err := tx.HasIndex(ctx, m.cfg.Collection, idx.Name)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		if err := tx.CreateIndex(ctx, m.cfg.Collection, idx); err != nil {
			return fmt.Errorf("creating index %s: %w", idx.Name, err)
		}
		m.logger.Debug("created index", "index", idx.Name, "key_path", idx.KeyPath)
	}
	return nil
}

func (m *Manager) dropHandle() {
	if m.handle == nil {
		return
	}
	if err := m.handle.Close(); err != nil {
		m.logger.Warn("closing handle", "error", err)
	}
	m.handle = nil
}

// view runs fn against the open handle under the read lock, without taking a
// lease. Used by Inspect, which may run alongside an operation.
func (m *Manager) view(ctx context.Context, fn func(engine.Handle) error) error {
	m.mu.RLock()
	needsOpen := m.handle == nil && !m.closed
	m.mu.RUnlock()

	if needsOpen {
		lease, err := m.Acquire(ctx)
		if err != nil {
			return err
		}
		lease.Release()
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return &ConnectionError{Kind: ErrClosed}
	}
	if m.handle == nil {
		return &ConnectionError{Kind: ErrOpenFailed, Err: errors.New("no open handle")}
	}
	return fn(m.handle)
}

// Close waits for any in-flight lease, then closes the handle.
func (m *Manager) Close() error {
	m.sem <- struct{}{}
	defer func() { <-m.sem }()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	m.setState(StateClosed)

	if m.handle == nil {
		return nil
	}
	err := m.handle.Close()
	m.handle = nil
	if err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	m.logger.Info("database closed")
	return nil
}

func openError(err error) error {
	if errors.Is(err, engine.ErrUnsupported) {
		return &ConnectionError{Kind: ErrUnsupported, Err: err}
	}
	return &ConnectionError{Kind: ErrOpenFailed, Err: err}
}

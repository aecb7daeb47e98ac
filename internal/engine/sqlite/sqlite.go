// ABOUTME: SQLite implementation of the storage engine using modernc.org/sqlite or mattn/go-sqlite3
// ABOUTME: One table per collection, schema version kept in PRAGMA user_version

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/2389/coven-chatstore/internal/engine"
)

// Driver names registered with database/sql.
const (
	DriverModernc = "sqlite"  // pure Go, default
	DriverMattn   = "sqlite3" // requires cgo
)

const memoryPath = ":memory:"

// defaultBusyTimeout is how long SQLite waits on a locked database before SQLITE_BUSY.
const defaultBusyTimeout = 10 * time.Second

// Engine opens SQLite-backed databases.
type Engine struct {
	path        string
	driver      string
	busyTimeout time.Duration
	logger      *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithDriver selects the database/sql driver.
func WithDriver(driver string) Option {
	return func(e *Engine) {
		if driver != "" {
			e.driver = driver
		}
	}
}

// WithBusyTimeout sets the SQLite busy timeout.
func WithBusyTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.busyTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New creates an engine for the database file at path. ":memory:" is accepted
// for throwaway databases; each Open then starts from an empty database.
func New(path string, opts ...Option) (*Engine, error) {
	e := &Engine{
		path:        path,
		driver:      DriverModernc,
		busyTimeout: defaultBusyTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "engine", "engine", "sqlite", "driver", e.driver)

	if path == "" {
		return nil, errors.New("sqlite: path is empty")
	}
	if !slices.Contains(sql.Drivers(), e.driver) {
		return nil, fmt.Errorf("%w: sqlite driver %q is not registered", engine.ErrUnsupported, e.driver)
	}

	return e, nil
}

// Name implements engine.Engine.
func (e *Engine) Name() string {
	return "sqlite/" + e.driver
}

// dsn builds a driver-specific connection string carrying the connection pragmas,
// so every pooled connection gets them.
func (e *Engine) dsn() string {
	ms := e.busyTimeout.Milliseconds()
	if e.driver == DriverMattn {
		return fmt.Sprintf("%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=FULL", e.path, ms)
	}
	return fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)", e.path, ms)
}

func (e *Engine) openDB(ctx context.Context) (*sql.DB, error) {
	if e.path != memoryPath {
		if err := os.MkdirAll(filepath.Dir(e.path), 0o750); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(e.driver, e.dsn())
	if err != nil {
		return nil, classifyOpenError(fmt.Errorf("opening database: %w", err))
	}

	// Each :memory: connection is a separate database.
	if e.path == memoryPath {
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, classifyOpenError(fmt.Errorf("ping sqlite: %w", err))
	}

	return db, nil
}

// classifyOpenError maps a cgo stub build of go-sqlite3 to ErrUnsupported.
func classifyOpenError(err error) error {
	if strings.Contains(err.Error(), "requires cgo") {
		return fmt.Errorf("%w: %w", engine.ErrUnsupported, err)
	}
	return err
}

// StoredVersion implements engine.Engine.
func (e *Engine) StoredVersion(ctx context.Context) (int, error) {
	if e.path == memoryPath {
		return 0, nil
	}
	if _, err := os.Stat(e.path); errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}

	db, err := e.openDB(ctx)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("read user_version: %w", err)
	}
	return version, nil
}

// Open implements engine.Engine.
func (e *Engine) Open(ctx context.Context, version int, upgrade engine.UpgradeFunc) (engine.Handle, error) {
	if version < 1 {
		return nil, fmt.Errorf("sqlite: invalid version %d", version)
	}

	db, err := e.openDB(ctx)
	if err != nil {
		return nil, err
	}

	if err := e.negotiate(ctx, db, version, upgrade); err != nil {
		_ = db.Close()
		return nil, err
	}

	e.logger.Debug("opened database", "path", e.path, "version", version)
	return &handle{db: db, version: version, logger: e.logger}, nil
}

// negotiate runs the version-change transaction: compare, upgrade, persist.
func (e *Engine) negotiate(ctx context.Context, db *sql.DB, version int, upgrade engine.UpgradeFunc) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin version change: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var stored int
	if err := tx.QueryRowContext(ctx, "PRAGMA user_version").Scan(&stored); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}

	switch {
	case version < stored:
		return fmt.Errorf("%w: requested %d, stored %d", engine.ErrVersionTooLow, version, stored)
	case version == stored:
		return nil
	}

	if err := createCatalog(ctx, tx); err != nil {
		return err
	}

	if upgrade != nil {
		e.logger.Info("upgrading schema", "from", stored, "to", version)
		if err := upgrade(ctx, &upgradeTx{tx: tx}, stored, version); err != nil {
			return fmt.Errorf("upgrade %d -> %d: %w", stored, version, err)
		}
	}

	// PRAGMA does not accept bind parameters; version is an int.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		return fmt.Errorf("write user_version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit version change: %w", err)
	}
	return nil
}

// handle is an open SQLite database.
type handle struct {
	db      *sql.DB
	version int
	logger  *slog.Logger
}

func (h *handle) Version() int {
	return h.version
}

func (h *handle) HasCollection(ctx context.Context, name string) (bool, error) {
	return tableExists(ctx, h.db, tableName(name))
}

func (h *handle) Begin(ctx context.Context, writable bool) (engine.Tx, error) {
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &sqlTx{tx: tx, writable: writable, specs: make(map[string]*engine.CollectionSpec)}, nil
}

func (h *handle) Close() error {
	h.logger.Debug("closing database")
	return h.db.Close()
}

// ABOUTME: ConversationStore interface and the engine-backed transaction executor
// ABOUTME: Each operation borrows the handle, runs one transaction, and releases on every path

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/coven-chatstore/internal/engine"
	"github.com/2389/coven-chatstore/internal/engine/bolt"
	"github.com/2389/coven-chatstore/internal/engine/sqlite"
	"github.com/2389/coven-chatstore/internal/record"
)

// Defaults for Options.
const (
	DefaultCollection    = "chats"
	DefaultSchemaVersion = 1
	DefaultMaxRecoveries = 8
)

// Engine names accepted by Options.Engine.
const (
	EngineSQLite = "sqlite"
	EngineBolt   = "bolt"
)

// ConversationStore persists the conversation list.
type ConversationStore interface {
	// ReplaceAll clears the collection and writes records in one transaction.
	ReplaceAll(ctx context.Context, records []record.Conversation) error
	// ReadAll returns every record in ascending id order.
	ReadAll(ctx context.Context) ([]record.Conversation, error)
	// ReadByKey returns the record with id, or found=false.
	ReadByKey(ctx context.Context, id string) (record.Conversation, bool, error)
	// DeleteByKey removes the record if present.
	DeleteByKey(ctx context.Context, id string) error
	Close() error
}

// Options configures Open.
type Options struct {
	Engine        string // "sqlite" or "bolt"
	Driver        string // sqlite only: "sqlite" (modernc) or "sqlite3" (mattn)
	Path          string
	Collection    string
	SchemaVersion int
	MaxRecoveries int
	BusyTimeout   time.Duration
	OpenTimeout   time.Duration
	Logger        *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Engine == "" {
		o.Engine = EngineSQLite
	}
	if o.Collection == "" {
		o.Collection = DefaultCollection
	}
	if o.SchemaVersion < 1 {
		o.SchemaVersion = DefaultSchemaVersion
	}
	if o.MaxRecoveries <= 0 {
		o.MaxRecoveries = DefaultMaxRecoveries
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Store is the engine-backed ConversationStore.
type Store struct {
	manager    *Manager
	engine     engine.Engine
	collection string
	path       string
	logger     *slog.Logger
}

var _ ConversationStore = (*Store)(nil)

// Open builds the configured engine and opens the database once, so an
// unsupported or unopenable database is reported up front.
func Open(ctx context.Context, opts Options) (*Store, error) {
	opts = opts.withDefaults()

	e, err := newEngine(opts)
	if err != nil {
		return nil, openError(err)
	}

	s := New(e, opts)
	lease, err := s.manager.Acquire(ctx)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	lease.Release()
	return s, nil
}

func newEngine(opts Options) (engine.Engine, error) {
	switch opts.Engine {
	case EngineSQLite:
		return sqlite.New(opts.Path,
			sqlite.WithDriver(opts.Driver),
			sqlite.WithBusyTimeout(opts.BusyTimeout),
			sqlite.WithLogger(opts.Logger),
		)
	case EngineBolt:
		return bolt.New(opts.Path,
			bolt.WithTimeout(opts.BusyTimeout),
			bolt.WithLogger(opts.Logger),
		)
	default:
		return nil, fmt.Errorf("%w: unknown engine %q", engine.ErrUnsupported, opts.Engine)
	}
}

// New creates a Store over e. Nothing is opened until the first operation.
func New(e engine.Engine, opts Options) *Store {
	opts = opts.withDefaults()
	return &Store{
		manager: NewManager(e, ManagerConfig{
			Collection:    opts.Collection,
			BaseVersion:   opts.SchemaVersion,
			MaxRecoveries: opts.MaxRecoveries,
			OpenTimeout:   opts.OpenTimeout,
			Logger:        opts.Logger,
		}),
		engine:     e,
		collection: opts.Collection,
		path:       opts.Path,
		logger:     opts.Logger.With("component", "store", "engine", e.Name()),
	}
}

// Manager exposes the connection manager.
func (s *Store) Manager() *Manager {
	return s.manager
}

// Close closes the database, waiting for an in-flight operation first.
func (s *Store) Close() error {
	return s.manager.Close()
}

// run executes fn in one transaction under a lease. The transaction runs to
// completion even if ctx ends first; the caller just stops waiting.
func (s *Store) run(ctx context.Context, op string, kind error, writable bool, fn func(context.Context, engine.Tx) error) error {
	lease, err := s.manager.Acquire(ctx)
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		defer lease.Release()
		done <- s.exec(context.WithoutCancel(ctx), lease.Handle(), op, kind, writable, fn)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		select {
		case err := <-done:
			return err
		default:
		}
		s.logger.Warn("caller stopped waiting, operation continues", "op", op, "error", ctx.Err())
		return ctx.Err()
	}
}

func (s *Store) exec(ctx context.Context, h engine.Handle, op string, kind error, writable bool, fn func(context.Context, engine.Tx) error) error {
	start := time.Now()

	tx, err := h.Begin(ctx, writable)
	if err != nil {
		return &TransactionError{Op: op, Kind: kind, Err: err}
	}

	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn("rollback failed", "op", op, "error", rbErr)
		}
		s.logger.Error("transaction aborted", "op", op, "error", err)
		return &TransactionError{Op: op, Kind: kind, Err: err}
	}

	if err := tx.Commit(); err != nil {
		s.logger.Error("commit failed", "op", op, "error", err)
		return &TransactionError{Op: op, Kind: kind, Err: fmt.Errorf("commit: %w", err)}
	}

	s.logger.Debug("transaction complete", "op", op, "duration", time.Since(start))
	return nil
}

// ReplaceAll implements ConversationStore. The clear finishes before the first
// write, and any failing record aborts the whole batch. Duplicate ids in one
// batch resolve to the last occurrence.
func (s *Store) ReplaceAll(ctx context.Context, records []record.Conversation) error {
	return s.run(ctx, "replaceAll", ErrWriteFailed, true, func(ctx context.Context, tx engine.Tx) error {
		if err := tx.Clear(ctx, s.collection); err != nil {
			return fmt.Errorf("clearing collection: %w", err)
		}
		for i, c := range records {
			data, err := record.Encode(c)
			if err != nil {
				return fmt.Errorf("record %d: %w", i, err)
			}
			if _, err := tx.Put(ctx, s.collection, data); err != nil {
				return fmt.Errorf("record %d (%s): %w", i, c.ID, err)
			}
		}
		s.logger.Debug("replaced collection", "records", len(records))
		return nil
	})
}

// ReadAll implements ConversationStore.
func (s *Store) ReadAll(ctx context.Context) ([]record.Conversation, error) {
	out := []record.Conversation{}
	err := s.run(ctx, "readAll", ErrReadFailed, false, func(ctx context.Context, tx engine.Tx) error {
		values, err := tx.GetAll(ctx, s.collection)
		if err != nil {
			return err
		}
		decoded := make([]record.Conversation, 0, len(values))
		for _, v := range values {
			c, err := record.Decode(v)
			if err != nil {
				return err
			}
			decoded = append(decoded, c)
		}
		out = decoded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReadByKey implements ConversationStore. Absence is not an error.
func (s *Store) ReadByKey(ctx context.Context, id string) (record.Conversation, bool, error) {
	var (
		out   record.Conversation
		found bool
	)
	err := s.run(ctx, "readByKey", ErrReadFailed, false, func(ctx context.Context, tx engine.Tx) error {
		v, err := tx.Get(ctx, s.collection, id)
		if errors.Is(err, engine.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		c, err := record.Decode(v)
		if err != nil {
			return err
		}
		out, found = c, true
		return nil
	})
	if err != nil {
		return record.Conversation{}, false, err
	}
	return out, found, nil
}

// DeleteByKey implements ConversationStore. Deleting an absent id succeeds.
func (s *Store) DeleteByKey(ctx context.Context, id string) error {
	return s.run(ctx, "deleteByKey", ErrDeleteFailed, true, func(ctx context.Context, tx engine.Tx) error {
		return tx.Delete(ctx, s.collection, id)
	})
}

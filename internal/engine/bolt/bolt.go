// ABOUTME: bbolt implementation of the storage engine
// ABOUTME: Version lives in the _meta bucket; collection specs in _catalog as JSON

package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/2389/coven-chatstore/internal/engine"
)

var (
	bucketMeta    = []byte("_meta")
	bucketCatalog = []byte("_catalog")
	keyVersion    = []byte("version")
)

const defaultTimeout = time.Second

func dataBucket(collection string) []byte {
	return []byte("c:" + collection)
}

func indexBucket(collection, index string) []byte {
	return []byte("i:" + collection + ":" + index)
}

// Engine opens bbolt-backed databases.
type Engine struct {
	path    string
	timeout time.Duration
	noSync  bool
	logger  *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithTimeout bounds how long Open waits for the file lock.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithNoSync disables fsync per transaction. Testing only.
func WithNoSync(noSync bool) Option {
	return func(e *Engine) {
		e.noSync = noSync
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

// New creates an engine for the database file at path.
func New(path string, opts ...Option) (*Engine, error) {
	if path == "" {
		return nil, errors.New("bolt: path is empty")
	}
	e := &Engine{
		path:    path,
		timeout: defaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "engine", "engine", "bolt")
	return e, nil
}

// Name implements engine.Engine.
func (e *Engine) Name() string {
	return "bolt"
}

func encodeVersion(v int) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(v))
	return buf
}

func decodeVersion(b []byte) int {
	if len(b) != 8 {
		return 0
	}
	return int(binary.BigEndian.Uint64(b))
}

// StoredVersion implements engine.Engine.
func (e *Engine) StoredVersion(_ context.Context) (int, error) {
	if _, err := os.Stat(e.path); errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}

	db, err := bbolt.Open(e.path, 0o600, &bbolt.Options{Timeout: e.timeout, ReadOnly: true})
	if err != nil {
		return 0, fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	var version int
	err = db.View(func(tx *bbolt.Tx) error {
		if meta := tx.Bucket(bucketMeta); meta != nil {
			version = decodeVersion(meta.Get(keyVersion))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("reading version: %w", err)
	}
	return version, nil
}

// Open implements engine.Engine.
func (e *Engine) Open(ctx context.Context, version int, upgrade engine.UpgradeFunc) (engine.Handle, error) {
	if version < 1 {
		return nil, fmt.Errorf("bolt: invalid version %d", version)
	}

	if err := os.MkdirAll(filepath.Dir(e.path), 0o750); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := bbolt.Open(e.path, 0o600, &bbolt.Options{
		Timeout: e.timeout,
		NoSync:  e.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return fmt.Errorf("creating meta bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists(bucketCatalog); err != nil {
			return fmt.Errorf("creating catalog bucket: %w", err)
		}

		stored := decodeVersion(meta.Get(keyVersion))
		switch {
		case version < stored:
			return fmt.Errorf("%w: requested %d, stored %d", engine.ErrVersionTooLow, version, stored)
		case version == stored:
			return nil
		}

		if upgrade != nil {
			e.logger.Info("upgrading schema", "from", stored, "to", version)
			if err := upgrade(ctx, &upgradeTx{tx: tx}, stored, version); err != nil {
				return fmt.Errorf("upgrade %d -> %d: %w", stored, version, err)
			}
		}
		return meta.Put(keyVersion, encodeVersion(version))
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	e.logger.Debug("opened database", "path", e.path, "version", version)
	return &handle{db: db, version: version, logger: e.logger}, nil
}

type handle struct {
	db      *bbolt.DB
	version int
	logger  *slog.Logger
}

func (h *handle) Version() int {
	return h.version
}

func (h *handle) HasCollection(_ context.Context, name string) (bool, error) {
	var ok bool
	err := h.db.View(func(tx *bbolt.Tx) error {
		ok = tx.Bucket(dataBucket(name)) != nil
		return nil
	})
	return ok, err
}

func (h *handle) Begin(_ context.Context, writable bool) (engine.Tx, error) {
	tx, err := h.db.Begin(writable)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &boltTx{tx: tx, writable: writable}, nil
}

func (h *handle) Close() error {
	h.logger.Debug("closing database")
	return h.db.Close()
}

// loadSpec reads a collection spec from the catalog.
func loadSpec(tx *bbolt.Tx, collection string) (*engine.CollectionSpec, error) {
	if tx.Bucket(dataBucket(collection)) == nil {
		return nil, fmt.Errorf("%w: %s", engine.ErrNoCollection, collection)
	}
	catalog := tx.Bucket(bucketCatalog)
	if catalog == nil {
		return nil, fmt.Errorf("%w: catalog missing", engine.ErrNoCollection)
	}
	raw := catalog.Get([]byte(collection))
	if raw == nil {
		return nil, fmt.Errorf("%w: %s missing from catalog", engine.ErrNoCollection, collection)
	}
	var spec engine.CollectionSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("decoding catalog entry %s: %w", collection, err)
	}
	return &spec, nil
}

func saveSpec(tx *bbolt.Tx, spec *engine.CollectionSpec) error {
	catalog, err := tx.CreateBucketIfNotExists(bucketCatalog)
	if err != nil {
		return fmt.Errorf("creating catalog bucket: %w", err)
	}
	raw, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("encoding catalog entry %s: %w", spec.Name, err)
	}
	return catalog.Put([]byte(spec.Name), raw)
}

type upgradeTx struct {
	tx *bbolt.Tx
}

func (u *upgradeTx) HasCollection(_ context.Context, name string) (bool, error) {
	return u.tx.Bucket(dataBucket(name)) != nil, nil
}

func (u *upgradeTx) CreateCollection(_ context.Context, name, keyPath string) error {
	if err := engine.ValidateName(name); err != nil {
		return err
	}

	if u.tx.Bucket(dataBucket(name)) != nil {
		spec, err := loadSpec(u.tx, name)
		if err != nil && !errors.Is(err, engine.ErrNoCollection) {
			return err
		}
		if spec == nil {
			spec = &engine.CollectionSpec{Name: name}
		}
		spec.KeyPath = keyPath
		return saveSpec(u.tx, spec)
	}

	// Drop index buckets left behind by a torn initialization.
	if old := u.tx.Bucket(bucketCatalog).Get([]byte(name)); old != nil {
		var stale engine.CollectionSpec
		if err := json.Unmarshal(old, &stale); err == nil {
			for _, idx := range stale.Indexes {
				if u.tx.Bucket(indexBucket(name, idx.Name)) != nil {
					if err := u.tx.DeleteBucket(indexBucket(name, idx.Name)); err != nil {
						return fmt.Errorf("dropping stale index %s: %w", idx.Name, err)
					}
				}
			}
		}
	}

	if _, err := u.tx.CreateBucket(dataBucket(name)); err != nil {
		return fmt.Errorf("creating collection %s: %w", name, err)
	}
	return saveSpec(u.tx, &engine.CollectionSpec{Name: name, KeyPath: keyPath})
}

func (u *upgradeTx) HasIndex(_ context.Context, collection, index string) (bool, error) {
	spec, err := loadSpec(u.tx, collection)
	if errors.Is(err, engine.ErrNoCollection) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	for _, idx := range spec.Indexes {
		if idx.Name == index {
			return u.tx.Bucket(indexBucket(collection, index)) != nil, nil
		}
	}
	return false, nil
}

func (u *upgradeTx) CreateIndex(_ context.Context, collection string, idx engine.IndexSpec) error {
	if err := engine.ValidateName(idx.Name); err != nil {
		return err
	}

	spec, err := loadSpec(u.tx, collection)
	if err != nil {
		return err
	}

	if u.tx.Bucket(indexBucket(collection, idx.Name)) != nil {
		if err := u.tx.DeleteBucket(indexBucket(collection, idx.Name)); err != nil {
			return fmt.Errorf("resetting index %s: %w", idx.Name, err)
		}
	}
	ib, err := u.tx.CreateBucket(indexBucket(collection, idx.Name))
	if err != nil {
		return fmt.Errorf("creating index %s: %w", idx.Name, err)
	}

	data := u.tx.Bucket(dataBucket(collection))
	err = data.ForEach(func(k, v []byte) error {
		return addIndexEntry(ib, idx, string(k), v)
	})
	if err != nil {
		return fmt.Errorf("backfilling index %s: %w", idx.Name, err)
	}

	kept := spec.Indexes[:0]
	for _, existing := range spec.Indexes {
		if existing.Name != idx.Name {
			kept = append(kept, existing)
		}
	}
	spec.Indexes = append(kept, idx)
	return saveSpec(u.tx, spec)
}

// ABOUTME: Storage engine abstraction: a versioned, transactional document store
// ABOUTME: Keys and index values are derived from JSON documents by key path

package engine

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	// ErrUnsupported means the host lacks the engine (driver missing, cgo stub build).
	ErrUnsupported = errors.New("storage engine unsupported")

	// ErrVersionTooLow is returned when opening below the persisted schema version.
	ErrVersionTooLow = errors.New("requested version is lower than stored version")

	// ErrNoCollection is returned when a transaction touches a collection that does not exist.
	ErrNoCollection = errors.New("collection does not exist")

	// ErrNoIndex is returned for an unknown index name.
	ErrNoIndex = errors.New("index does not exist")

	// ErrKeyNotFound is returned by Get for an absent key.
	ErrKeyNotFound = errors.New("key not found")

	// ErrInvalidKey is returned when a document has no usable primary key.
	ErrInvalidKey = errors.New("invalid key")

	// ErrReadOnly is returned for writes on a read-only transaction.
	ErrReadOnly = errors.New("transaction is read-only")

	// ErrConstraint is returned when a write would violate a unique index.
	ErrConstraint = errors.New("constraint violation")
)

// IndexSpec describes a secondary index over a collection.
type IndexSpec struct {
	Name    string `json:"name"`
	KeyPath string `json:"key_path"`
	Unique  bool   `json:"unique,omitempty"`
}

// CollectionSpec describes a collection and its secondary indexes.
type CollectionSpec struct {
	Name    string      `json:"name"`
	KeyPath string      `json:"key_path"`
	Indexes []IndexSpec `json:"indexes,omitempty"`
}

// IndexEntry is one row of a secondary index.
type IndexEntry struct {
	Value string
	Key   string
}

// UpgradeFunc runs inside the version-change transaction when a database is
// opened above its stored version.
type UpgradeFunc func(ctx context.Context, tx UpgradeTx, oldVersion, newVersion int) error

// Engine opens versioned databases.
type Engine interface {
	// Name identifies the engine in logs and diagnostics.
	Name() string

	// StoredVersion reports the persisted schema version, 0 if the database does not exist.
	StoredVersion(ctx context.Context) (int, error)

	// Open opens the database at version. If version exceeds the stored version,
	// upgrade runs and the new version is persisted in the same transaction.
	// Opening below the stored version fails with ErrVersionTooLow.
	Open(ctx context.Context, version int, upgrade UpgradeFunc) (Handle, error)
}

// UpgradeTx is the schema surface available during an upgrade.
type UpgradeTx interface {
	HasCollection(ctx context.Context, name string) (bool, error)
	// CreateCollection is idempotent. A collection that is physically absent is
	// created empty with no indexes.
	CreateCollection(ctx context.Context, name, keyPath string) error
	HasIndex(ctx context.Context, collection, index string) (bool, error)
	// CreateIndex is idempotent and backfills existing documents.
	CreateIndex(ctx context.Context, collection string, idx IndexSpec) error
}

// Handle is an open database.
type Handle interface {
	Version() int
	HasCollection(ctx context.Context, name string) (bool, error)
	Begin(ctx context.Context, writable bool) (Tx, error)
	Close() error
}

// Tx is a unit of work. Iteration order is ascending primary key.
type Tx interface {
	Clear(ctx context.Context, collection string) error
	Put(ctx context.Context, collection string, value []byte) (string, error)
	Get(ctx context.Context, collection, key string) ([]byte, error)
	GetAll(ctx context.Context, collection string) ([][]byte, error)
	Delete(ctx context.Context, collection, key string) error
	Count(ctx context.Context, collection string) (int, error)
	Keys(ctx context.Context, collection string) ([]string, error)
	IndexEntries(ctx context.Context, collection, index string) ([]IndexEntry, error)
	Commit() error
	Rollback() error
}

var namePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidateName rejects collection and index names that are not plain identifiers.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("invalid name %q", name)
	}
	return nil
}

// KeyOf extracts the primary key from a JSON document.
func KeyOf(value []byte, keyPath string) (string, error) {
	if !gjson.ValidBytes(value) {
		return "", fmt.Errorf("%w: document is not valid JSON", ErrInvalidKey)
	}
	res := gjson.GetBytes(value, keyPath)
	if res.Type != gjson.String || res.Str == "" {
		return "", fmt.Errorf("%w: %q must be a non-empty string", ErrInvalidKey, keyPath)
	}
	if strings.IndexByte(res.Str, 0) >= 0 {
		return "", fmt.Errorf("%w: %q contains NUL", ErrInvalidKey, keyPath)
	}
	return res.Str, nil
}

// IndexValueOf extracts an index value. Missing and null paths are not indexed.
func IndexValueOf(value []byte, keyPath string) (string, bool) {
	res := gjson.GetBytes(value, keyPath)
	if !res.Exists() || res.Type == gjson.Null {
		return "", false
	}
	return res.String(), true
}

// ValidateIndexValue rejects index values containing NUL, which engines use
// to separate the value from the primary key in index entries.
func ValidateIndexValue(index, value string) error {
	if strings.IndexByte(value, 0) >= 0 {
		return fmt.Errorf("%w: value for index %s contains NUL", ErrInvalidKey, index)
	}
	return nil
}

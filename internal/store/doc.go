// Package store persists the conversation list in an embedded, versioned,
// transactional database.
//
// # Architecture
//
// Three pieces share one database handle:
//
//   - Manager: owns the handle. Opens it lazily, negotiates the schema version,
//     verifies the collection on every Acquire and repairs it when missing.
//   - Store: the transaction executor. Every operation takes a Lease, runs one
//     transaction and releases the lease on every exit path.
//   - Inspect/Check: read-only diagnostics that share the handle under a read
//     lock. They borrow the lease only to open a handle that does not exist yet.
//
// MemoryStore implements the same ConversationStore interface without a
// database. Callers fall back to it when Open fails with ErrUnsupported.
//
// # Schema
//
// One collection (default "chats") keyed by the conversation id, with two
// non-unique secondary indexes derived from each stored document:
//
//	name       name
//	timestamp  lastMessage.timestamp  (absent when lastMessage is null)
//
// # Versions and Recovery
//
// The database opens at max(configured version, stored version), so lowering
// the configured version never loses data. If the collection is missing at a
// matching version (a torn initialization), the manager closes the handle,
// reopens one version higher to rerun the upgrade, and verifies once more. The
// persisted version counts recoveries across restarts; once it would pass
// MaxRecoveries above the configured version, Acquire fails with
// ErrSchemaRecoveryFailed instead of bumping it again.
//
// # Error Handling
//
// Acquisition failures are *ConnectionError with kind ErrUnsupported,
// ErrOpenFailed, ErrSchemaRecoveryFailed or ErrClosed. Operation failures are
// *TransactionError with kind ErrWriteFailed, ErrReadFailed or ErrDeleteFailed.
// Match either with errors.Is. Nothing is retried automatically.
//
// A missing key on ReadByKey and deleting an absent key are successes.
//
// # Timeouts
//
// Operations take a context but cannot be cancelled once started. When ctx
// ends first the caller gets ctx.Err() and the transaction still runs to
// completion before the next operation starts.
//
// # Testing
//
// Use NewMemoryStore() for unit tests of callers, or New with an engine over a
// t.TempDir() path for integration tests.
package store

// Package engine defines the storage engine abstraction used by the store: a
// versioned, transactional document database with secondary indexes.
//
// # Versions
//
// Every database carries an integer schema version. Open at a higher version
// runs the UpgradeFunc inside the same transaction that persists the new
// version, so a failed upgrade leaves both schema and version unchanged.
// Opening below the stored version fails with ErrVersionTooLow.
//
// # Documents and Indexes
//
// Values are JSON documents. The primary key and every index value are read
// from the document by gjson key path on each Put, so an index can never drift
// from the document it describes. A path that is missing or null produces no
// index entry.
//
// Implementations live in the sqlite and bolt subpackages; enginetest holds the
// conformance suite both must pass.
package engine

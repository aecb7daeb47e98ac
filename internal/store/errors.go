// ABOUTME: Typed connection and transaction failures for the conversation store
// ABOUTME: Each carries a sentinel kind and the underlying cause, both reachable via errors.Is

package store

import (
	"errors"
	"fmt"
)

// Connection failure kinds.
var (
	// ErrUnsupported means the host has no usable storage engine. Callers should
	// fall back to ephemeral in-memory state.
	ErrUnsupported = errors.New("storage unsupported")

	// ErrOpenFailed means the engine refused to open. Safe to retry later.
	ErrOpenFailed = errors.New("open failed")

	// ErrSchemaRecoveryFailed means the one-shot recovery did not restore the collection.
	ErrSchemaRecoveryFailed = errors.New("schema recovery failed")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store is closed")
)

// Transaction failure kinds.
var (
	ErrWriteFailed  = errors.New("write failed")
	ErrReadFailed   = errors.New("read failed")
	ErrDeleteFailed = errors.New("delete failed")
)

// ConnectionError is returned when a ready handle could not be acquired.
type ConnectionError struct {
	Kind error
	Err  error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return "connection: " + e.Kind.Error()
	}
	return fmt.Sprintf("connection: %v: %v", e.Kind, e.Err)
}

func (e *ConnectionError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// TransactionError is returned when an operation's unit of work failed. The
// collection is left in its pre-transaction state.
type TransactionError struct {
	Op   string
	Kind error
	Err  error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *TransactionError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

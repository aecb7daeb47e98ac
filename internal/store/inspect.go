// ABOUTME: Read-only diagnostics over the conversation collection
// ABOUTME: Shares the open handle under a read lock instead of waiting for the operation lease

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/coven-chatstore/internal/engine"
)

// Report is a point-in-time view of the store.
type Report struct {
	Engine            string         `json:"engine"`
	Path              string         `json:"path,omitempty"`
	Version           int            `json:"version"`
	State             string         `json:"state"`
	Collection        string         `json:"collection"`
	CollectionPresent bool           `json:"collection_present"`
	Count             int            `json:"count"`
	Keys              []string       `json:"keys"`
	Indexes           map[string]int `json:"indexes"`
	Recoveries        int            `json:"recoveries"`
}

// Inspect reports record count, keys and index sizes. It may run at any time,
// including while an operation is writing.
func (s *Store) Inspect(ctx context.Context) (*Report, error) {
	report := &Report{
		Engine:     s.engine.Name(),
		Path:       s.path,
		Collection: s.collection,
		Keys:       []string{},
		Indexes:    map[string]int{},
	}

	err := s.manager.view(ctx, func(h engine.Handle) error {
		report.Version = h.Version()

		present, err := h.HasCollection(ctx, s.collection)
		if err != nil {
			return &TransactionError{Op: "inspect", Kind: ErrReadFailed, Err: err}
		}
		report.CollectionPresent = present
		if !present {
			return nil
		}

		tx, err := h.Begin(ctx, false)
		if err != nil {
			return &TransactionError{Op: "inspect", Kind: ErrReadFailed, Err: err}
		}
		defer func() { _ = tx.Rollback() }()

		if err := fillReport(ctx, tx, s.collection, report); err != nil {
			return &TransactionError{Op: "inspect", Kind: ErrReadFailed, Err: err}
		}
		return nil
	})

	report.State = s.manager.State().String()
	report.Recoveries = s.manager.Recoveries()
	if err != nil {
		return report, err
	}
	return report, nil
}

func fillReport(ctx context.Context, tx engine.Tx, collection string, report *Report) error {
	count, err := tx.Count(ctx, collection)
	if err != nil {
		return fmt.Errorf("counting: %w", err)
	}
	keys, err := tx.Keys(ctx, collection)
	if err != nil {
		return fmt.Errorf("listing keys: %w", err)
	}
	report.Count = count
	report.Keys = keys

	for _, idx := range conversationIndexes {
		entries, err := tx.IndexEntries(ctx, collection, idx.Name)
		if errors.Is(err, engine.ErrNoIndex) {
			continue
		}
		if err != nil {
			return fmt.Errorf("reading index %s: %w", idx.Name, err)
		}
		report.Indexes[idx.Name] = len(entries)
	}
	return nil
}

// Check returns a one-line health summary, never an error.
func (s *Store) Check(ctx context.Context) string {
	report, err := s.Inspect(ctx)
	if err != nil {
		return Describe(err)
	}
	if !report.CollectionPresent {
		return fmt.Sprintf("DB open, collection %q missing", s.collection)
	}
	return fmt.Sprintf("DB ready, contains %d chats", report.Count)
}

// Describe summarizes an Open or Inspect failure in the same form as Check.
func Describe(err error) string {
	var connErr *ConnectionError
	switch {
	case errors.Is(err, ErrUnsupported):
		return "DB not supported"
	case errors.As(err, &connErr):
		return fmt.Sprintf("DB open error: %v", err)
	default:
		return fmt.Sprintf("DB error counting chats: %v", err)
	}
}

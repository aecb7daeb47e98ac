// ABOUTME: In-memory ConversationStore for ephemeral sessions and tests
// ABOUTME: Same validation, replace atomicity, ordering and absence semantics as Store

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/2389/coven-chatstore/internal/record"
)

// MemoryStore is an in-memory ConversationStore. Records are stored encoded so
// callers never alias stored state.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]byte // keyed by conversation ID
	closed  bool
}

var _ ConversationStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string][]byte),
	}
}

func (m *MemoryStore) checkOpen() error {
	if m.closed {
		return &ConnectionError{Kind: ErrClosed}
	}
	return nil
}

// ReplaceAll implements ConversationStore.
func (m *MemoryStore) ReplaceAll(ctx context.Context, records []record.Conversation) error {
	// Encode the whole batch before touching state so a bad record changes nothing.
	next := make(map[string][]byte, len(records))
	for i, c := range records {
		data, err := record.Encode(c)
		if err != nil {
			return &TransactionError{Op: "replaceAll", Kind: ErrWriteFailed, Err: fmt.Errorf("record %d: %w", i, err)}
		}
		next[c.ID] = data
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkOpen(); err != nil {
		return err
	}
	m.records = next
	return nil
}

// ReadAll implements ConversationStore.
func (m *MemoryStore) ReadAll(ctx context.Context) ([]record.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]record.Conversation, 0, len(ids))
	for _, id := range ids {
		c, err := record.Decode(m.records[id])
		if err != nil {
			return nil, &TransactionError{Op: "readAll", Kind: ErrReadFailed, Err: err}
		}
		out = append(out, c)
	}
	return out, nil
}

// ReadByKey implements ConversationStore.
func (m *MemoryStore) ReadByKey(ctx context.Context, id string) (record.Conversation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.checkOpen(); err != nil {
		return record.Conversation{}, false, err
	}

	data, ok := m.records[id]
	if !ok {
		return record.Conversation{}, false, nil
	}
	c, err := record.Decode(data)
	if err != nil {
		return record.Conversation{}, false, &TransactionError{Op: "readByKey", Kind: ErrReadFailed, Err: err}
	}
	return c, true, nil
}

// DeleteByKey implements ConversationStore.
func (m *MemoryStore) DeleteByKey(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkOpen(); err != nil {
		return err
	}
	delete(m.records, id)
	return nil
}

// Inspect reports the same shape as Store.Inspect.
func (m *MemoryStore) Inspect(ctx context.Context) (*Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state := StateReady
	if m.closed {
		state = StateClosed
	}
	report := &Report{
		Engine:            "memory",
		State:             state.String(),
		Collection:        DefaultCollection,
		CollectionPresent: true,
		Count:             len(m.records),
		Keys:              make([]string, 0, len(m.records)),
		Indexes:           map[string]int{},
	}
	for id := range m.records {
		report.Keys = append(report.Keys, id)
	}
	sort.Strings(report.Keys)
	return report, nil
}

// Close implements ConversationStore.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

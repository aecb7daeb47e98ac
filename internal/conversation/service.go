// ABOUTME: Conversation service holds the working chat list and keeps it persisted
// ABOUTME: Mutations update memory first, then a debounced save replaces the stored set

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-chatstore/internal/autosave"
	"github.com/2389/coven-chatstore/internal/record"
	"github.com/2389/coven-chatstore/internal/store"
)

var (
	// ErrNotFound is returned when a conversation id is not in the working list.
	ErrNotFound = errors.New("conversation not found")

	// ErrEmptyMessage is returned by SendMessage for blank content.
	ErrEmptyMessage = errors.New("message content is empty")
)

// Config tunes a Service.
type Config struct {
	// Fallback is shown when the persisted set cannot be loaded.
	Fallback      []record.Conversation
	QuietInterval time.Duration
	SaveTimeout   time.Duration
	Logger        *slog.Logger
}

// Service is the in-memory conversation list backed by a ConversationStore.
type Service struct {
	mu        sync.RWMutex
	store     store.ConversationStore
	convs     []record.Conversation
	ephemeral bool

	fallback    []record.Conversation
	saveTimeout time.Duration
	saver       *autosave.Debouncer
	logger      *slog.Logger
	now         func() time.Time
}

// New creates a Service. Nothing is read until Load.
func New(st store.ConversationStore, cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.QuietInterval <= 0 {
		cfg.QuietInterval = time.Second
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = 10 * time.Second
	}

	s := &Service{
		store:       st,
		fallback:    cloneAll(cfg.Fallback),
		saveTimeout: cfg.SaveTimeout,
		logger:      cfg.Logger.With("component", "conversation"),
		now:         time.Now,
	}
	s.saver = autosave.New(cfg.QuietInterval, s.save, cfg.Logger)
	return s
}

// Load replaces the working list with the persisted set. When the store
// fails, the fallback set is used and the service becomes ephemeral: changes
// stay in memory and are never written over whatever the store holds.
func (s *Service) Load(ctx context.Context) []record.Conversation {
	convs, err := s.store.ReadAll(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.logger.Warn("loading conversations failed, using fallback set",
			"error", err,
			"fallback", len(s.fallback),
		)
		s.convs = cloneAll(s.fallback)
		s.ephemeral = true
		return cloneAll(s.convs)
	}

	s.logger.Info("loaded conversations", "count", len(convs))
	s.convs = convs
	s.ephemeral = false
	return cloneAll(s.convs)
}

// Ephemeral reports whether the last Load fell back to the in-memory set.
func (s *Service) Ephemeral() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ephemeral
}

// List returns a copy of the working list.
func (s *Service) List() []record.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneAll(s.convs)
}

// Get returns one conversation from the working list.
func (s *Service) Get(id string) (record.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.indexLocked(id); i >= 0 {
		return s.convs[i].Clone(), true
	}
	return record.Conversation{}, false
}

// Upsert replaces the conversation with c's id, or adds c at the top of the
// list. c must be a valid record.
func (s *Service) Upsert(c record.Conversation) error {
	n := record.Normalize(c)
	if err := record.Validate(n); err != nil {
		return err
	}

	s.mu.Lock()
	if i := s.indexLocked(n.ID); i >= 0 {
		s.convs[i] = n
	} else {
		s.convs = append([]record.Conversation{n}, s.convs...)
	}
	s.mu.Unlock()

	s.saver.Trigger()
	return nil
}

// Delete removes a conversation from memory and from the store right away.
// Deleting an unknown id is not an error.
func (s *Service) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	if i := s.indexLocked(id); i >= 0 {
		s.convs = append(s.convs[:i], s.convs[i+1:]...)
	}
	ephemeral := s.ephemeral
	s.mu.Unlock()

	s.saver.Trigger()
	if ephemeral {
		return nil
	}
	if err := s.store.DeleteByKey(ctx, id); err != nil {
		return fmt.Errorf("deleting conversation %q: %w", id, err)
	}
	return nil
}

// SendMessage appends a new sent message from sender to conversation id and
// makes it the conversation's last message.
func (s *Service) SendMessage(id string, sender record.User, content string) (record.Message, error) {
	if strings.TrimSpace(content) == "" {
		return record.Message{}, ErrEmptyMessage
	}

	msg := record.Message{
		ID:        uuid.New().String(),
		Content:   content,
		Sender:    sender,
		Timestamp: s.now().UTC(),
		Status:    record.StatusSent,
	}

	s.mu.Lock()
	i := s.indexLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return record.Message{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	c := s.convs[i].Clone()
	c.Messages = append(c.Messages, msg)
	lm := msg
	c.LastMessage = &lm
	s.convs[i] = c
	s.mu.Unlock()

	s.saver.Trigger()
	return msg, nil
}

// Filter returns conversations whose name contains query (case-insensitive)
// and that carry tag. Empty query or tag matches everything.
func (s *Service) Filter(query, tag string) []record.Conversation {
	q := strings.ToLower(query)

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]record.Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		if q != "" && !strings.Contains(strings.ToLower(c.Name), q) {
			continue
		}
		if tag != "" && !c.HasTag(tag) {
			continue
		}
		out = append(out, c.Clone())
	}
	return out
}

// Save writes the working list now, if anything changed.
func (s *Service) Save(ctx context.Context) error {
	return s.saver.Flush(ctx)
}

// Close flushes pending changes and stops the autosave timer. The store is
// left open; its owner closes it.
func (s *Service) Close(ctx context.Context) error {
	err := s.saver.Flush(ctx)
	s.saver.Stop()
	return err
}

func (s *Service) save(ctx context.Context) error {
	s.mu.RLock()
	if s.ephemeral {
		s.mu.RUnlock()
		s.logger.Debug("skipping save, running on fallback set")
		return nil
	}
	snapshot := cloneAll(s.convs)
	s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, s.saveTimeout)
	defer cancel()

	if err := s.store.ReplaceAll(ctx, snapshot); err != nil {
		return fmt.Errorf("saving %d conversations: %w", len(snapshot), err)
	}
	s.logger.Debug("saved conversations", "count", len(snapshot))
	return nil
}

func (s *Service) indexLocked(id string) int {
	for i := range s.convs {
		if s.convs[i].ID == id {
			return i
		}
	}
	return -1
}

func cloneAll(in []record.Conversation) []record.Conversation {
	out := make([]record.Conversation, len(in))
	for i, c := range in {
		out[i] = c.Clone()
	}
	return out
}

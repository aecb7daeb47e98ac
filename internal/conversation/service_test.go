// ABOUTME: Tests for the conversation service
// ABOUTME: Runs against MemoryStore and a store that refuses every call

package conversation

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chatstore/internal/record"
	"github.com/2389/coven-chatstore/internal/store"
)

// brokenStore reports persistence as unavailable.
type brokenStore struct {
	replaced int
}

func (b *brokenStore) err() error {
	return &store.ConnectionError{Kind: store.ErrUnsupported}
}

func (b *brokenStore) ReplaceAll(context.Context, []record.Conversation) error {
	b.replaced++
	return b.err()
}

func (b *brokenStore) ReadAll(context.Context) ([]record.Conversation, error) {
	return nil, b.err()
}

func (b *brokenStore) ReadByKey(context.Context, string) (record.Conversation, bool, error) {
	return record.Conversation{}, false, b.err()
}

func (b *brokenStore) DeleteByKey(context.Context, string) error { return b.err() }
func (b *brokenStore) Close() error { return nil }

var periskope = record.User{ID: "u-1", Name: "Periskope"}

func sample(id, name string, tags ...string) record.Conversation {
	return record.Conversation{ID: id, Name: name, Tags: tags}
}

func newTestService(t *testing.T, st store.ConversationStore, fallback ...record.Conversation) *Service {
	t.Helper()
	svc := New(st, Config{
		Fallback:      fallback,
		QuietInterval: time.Hour, // tests flush explicitly
		SaveTimeout:   time.Second,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(func() { svc.saver.Stop() })
	return svc
}

func TestLoadReadsPersistedSet(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	require.NoError(t, mem.ReplaceAll(ctx, []record.Conversation{sample("a", "Alpha")}))

	svc := newTestService(t, mem, sample("f", "Fallback"))
	got := svc.Load(ctx)

	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)
	assert.False(t, svc.Ephemeral())
}

func TestLoadFallsBackWhenUnsupported(t *testing.T) {
	ctx := context.Background()
	broken := &brokenStore{}
	svc := newTestService(t, broken, sample("f", "Fallback"))

	got := svc.Load(ctx)
	require.Len(t, got, 1)
	assert.Equal(t, "f", got[0].ID)
	assert.True(t, svc.Ephemeral())

	require.NoError(t, svc.Upsert(sample("g", "New")))
	require.NoError(t, svc.Delete(ctx, "f"))
	require.NoError(t, svc.Save(ctx))
	assert.Equal(t, 0, broken.replaced, "ephemeral service never writes")
	assert.Len(t, svc.List(), 1)
}

func TestUpsertAndSave(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	svc := newTestService(t, mem)
	svc.Load(ctx)

	require.NoError(t, svc.Upsert(sample("a", "Alpha", "work", "work")))
	require.NoError(t, svc.Upsert(sample("b", "Beta")))
	require.NoError(t, svc.Upsert(sample("a", "Alpha renamed")))

	list := svc.List()
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].ID, "new conversations go on top")
	assert.Equal(t, "Alpha renamed", list[1].Name)

	require.NoError(t, svc.Save(ctx))
	stored, err := mem.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "Alpha renamed", stored[0].Name)
}

func TestUpsertRejectsInvalid(t *testing.T) {
	svc := newTestService(t, store.NewMemoryStore())
	err := svc.Upsert(sample("", "nameless"))
	assert.ErrorIs(t, err, record.ErrInvalidRecord)
	assert.Empty(t, svc.List())
}

func TestSendMessage(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	svc := newTestService(t, mem)
	fixed := time.Date(2024, 3, 9, 14, 30, 0, 0, time.FixedZone("IST", 19800))
	svc.now = func() time.Time { return fixed }
	svc.Load(ctx)
	require.NoError(t, svc.Upsert(sample("a", "Alpha")))

	msg, err := svc.SendMessage("a", periskope, "hello")
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, record.StatusSent, msg.Status)
	assert.Equal(t, time.UTC, msg.Timestamp.Location())
	assert.True(t, msg.Timestamp.Equal(fixed))

	second, err := svc.SendMessage("a", periskope, "again")
	require.NoError(t, err)
	assert.NotEqual(t, msg.ID, second.ID)

	c, ok := svc.Get("a")
	require.True(t, ok)
	require.Len(t, c.Messages, 2)
	require.NotNil(t, c.LastMessage)
	assert.Equal(t, second.ID, c.LastMessage.ID)

	require.NoError(t, svc.Save(ctx))
	stored, found, err := mem.ReadByKey(ctx, "a")
	require.NoError(t, err)
	require.True(t, found)
	assert.Len(t, stored.Messages, 2)
	assert.Equal(t, "again", stored.LastMessage.Content)
}

func TestSendMessageErrors(t *testing.T) {
	svc := newTestService(t, store.NewMemoryStore())
	svc.Load(context.Background())

	_, err := svc.SendMessage("missing", periskope, "hi")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, svc.Upsert(sample("a", "Alpha")))
	_, err = svc.SendMessage("a", periskope, "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestDeleteRemovesFromStoreImmediately(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	require.NoError(t, mem.ReplaceAll(ctx, []record.Conversation{sample("a", "A"), sample("b", "B")}))

	svc := newTestService(t, mem)
	svc.Load(ctx)
	require.NoError(t, svc.Delete(ctx, "a"))
	require.NoError(t, svc.Delete(ctx, "a"))

	_, found, err := mem.ReadByKey(ctx, "a")
	require.NoError(t, err)
	assert.False(t, found, "delete does not wait for autosave")
	assert.Len(t, svc.List(), 1)
}

func TestFilter(t *testing.T) {
	svc := newTestService(t, store.NewMemoryStore())
	svc.Load(context.Background())
	require.NoError(t, svc.Upsert(sample("1", "Test El Centro", "demo")))
	require.NoError(t, svc.Upsert(sample("2", "Periskope Team", "internal")))
	require.NoError(t, svc.Upsert(sample("3", "test demo 17", "demo", "signup")))

	assert.Len(t, svc.Filter("", ""), 3)
	assert.Len(t, svc.Filter("TEST", ""), 2)
	assert.Len(t, svc.Filter("", "demo"), 2)

	got := svc.Filter("test", "signup")
	require.Len(t, got, 1)
	assert.Equal(t, "3", got[0].ID)
	assert.Empty(t, svc.Filter("nobody", ""))
}

func TestAutosaveAfterQuietInterval(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	svc := New(mem, Config{
		QuietInterval: 20 * time.Millisecond,
		SaveTimeout:   time.Second,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	defer svc.Close(ctx)
	svc.Load(ctx)

	require.NoError(t, svc.Upsert(sample("a", "Alpha")))
	assert.Eventually(t, func() bool {
		_, found, err := mem.ReadByKey(ctx, "a")
		return err == nil && found
	}, time.Second, 5*time.Millisecond)
}

func TestCloseFlushes(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	svc := newTestService(t, mem)
	svc.Load(ctx)
	require.NoError(t, svc.Upsert(sample("a", "Alpha")))

	require.NoError(t, svc.Close(ctx))
	got, err := mem.ReadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

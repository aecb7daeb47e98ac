// Package conversation manages the working conversation list shown to the user.
//
// # Service
//
// The Service keeps the list in memory and persists it through a
// store.ConversationStore:
//
//	svc := conversation.New(st, conversation.Config{
//	    Fallback:      samples,
//	    QuietInterval: cfg.Autosave.QuietInterval,
//	    SaveTimeout:   cfg.Autosave.SaveTimeout,
//	    Logger:        logger,
//	})
//	chats := svc.Load(ctx)
//	defer svc.Close(ctx)
//
// Key operations:
//
//   - Load(ctx): read the persisted set, falling back to samples on failure
//   - Upsert(c): add or replace a conversation
//   - Delete(ctx, id): remove from memory and from the store immediately
//   - SendMessage(id, sender, content): append a sent message
//   - Filter(query, tag): sidebar search by name and tag
//
// # Persistence
//
// Every mutation triggers an autosave.Debouncer. After the quiet interval
// the whole list is written with ReplaceAll, bounded by SaveTimeout. A save
// that times out on the caller side still completes in the store.
//
// When Load fails (no usable database, open failure) the service runs
// ephemeral: it shows the fallback set and never saves, so a transient
// failure cannot overwrite real data with samples.
package conversation

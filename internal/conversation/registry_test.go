package conversation

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/warrenhq/warren/internal/common/logger"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "warren.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	return store
}

func TestSQLiteStoreUpsertGet(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	when := time.Now().UTC().Truncate(time.Second)
	conv := &Conversation{
		Key:           "telegram:42",
		SessionID:     "sess-1",
		Privileged:    true,
		Active:        true,
		RetryCount:    2,
		LastSuccessAt: &when,
	}
	if err := store.Upsert(ctx, conv); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	got, err := store.Get(ctx, "telegram:42")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.SessionID != "sess-1" || !got.Privileged || got.RetryCount != 2 {
		t.Errorf("unexpected record: %+v", got)
	}
	if got.LastSuccessAt == nil || !got.LastSuccessAt.Equal(when) {
		t.Errorf("last_success_at mismatch: %v", got.LastSuccessAt)
	}

	// Second upsert replaces the mutable columns.
	conv.SessionID = "sess-2"
	conv.RetryCount = 0
	if err := store.Upsert(ctx, conv); err != nil {
		t.Fatalf("second Upsert failed: %v", err)
	}
	got, err = store.Get(ctx, "telegram:42")
	if err != nil {
		t.Fatalf("Get after update failed: %v", err)
	}
	if got.SessionID != "sess-2" || got.RetryCount != 0 {
		t.Errorf("update not applied: %+v", got)
	}
}

func TestRegistryEnsureAndReload(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "warren.db")
	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	ctx := context.Background()

	reg := NewRegistry(store, logger.Default())
	if err := reg.Load(ctx); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	conv, err := reg.Ensure(ctx, "discord:7")
	if err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}
	if !conv.Active || conv.RetryCount != 0 {
		t.Errorf("unexpected new conversation: %+v", conv)
	}

	// Ensure is idempotent.
	again, err := reg.Ensure(ctx, "discord:7")
	if err != nil {
		t.Fatalf("second Ensure failed: %v", err)
	}
	if again.CreatedAt != conv.CreatedAt {
		t.Errorf("Ensure recreated an existing conversation")
	}

	if err := reg.Update(ctx, "discord:7", func(c *Conversation) {
		c.SessionID = "sess-9"
		c.RetryCount = 1
	}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if err := reg.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// A fresh registry over the same database sees the persisted state.
	store2, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	reg2 := NewRegistry(store2, logger.Default())
	if err := reg2.Load(ctx); err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	defer reg2.Close(ctx)

	got, err := reg2.Get("discord:7")
	if err != nil {
		t.Fatalf("Get after reload failed: %v", err)
	}
	if got.SessionID != "sess-9" || got.RetryCount != 1 {
		t.Errorf("persisted state lost: %+v", got)
	}
}

func TestRegistryUpdateUnknownKey(t *testing.T) {
	store := newTestStore(t)
	reg := NewRegistry(store, logger.Default())
	defer reg.Close(context.Background())

	err := reg.Update(context.Background(), "nope", func(c *Conversation) {})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

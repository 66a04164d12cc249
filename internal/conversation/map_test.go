package conversation

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"wxorc/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := store.New(path, 4, 2)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := s.RunMigrations(context.Background()); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMap_PutGetDelete(t *testing.T) {
	s := newTestStore(t)
	m := New(s.Conversations, time.Hour, testLogger())
	ctx := context.Background()
	key := store.ConversationKey{InstanceID: "A", ChatName: "chat", UserID: "u1", PlatformID: "p1"}

	if err := m.Put(ctx, key, "conv-1"); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := m.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "conv-1" {
		t.Fatalf("expected conv-1, got %q", got)
	}

	if err := m.Delete(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, err = m.Get(ctx, key)
	if err != nil {
		t.Fatalf("get after delete: %v", err)
	}
	if got != "" {
		t.Fatalf("expected empty after delete, got %q", got)
	}
}

func TestMap_GetMissFallsThroughToStore(t *testing.T) {
	s := newTestStore(t)
	m := New(s.Conversations, time.Hour, testLogger())
	ctx := context.Background()
	key := store.ConversationKey{InstanceID: "A", ChatName: "chat", UserID: "u1", PlatformID: "p1"}

	if err := s.Conversations.Put(ctx, key, "direct-write"); err != nil {
		t.Fatalf("direct store put: %v", err)
	}

	got, err := m.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "direct-write" {
		t.Fatalf("expected cache miss to fall through to store, got %q", got)
	}
}

func TestMap_StorePurgeOlderThanRemovesStaleEntries(t *testing.T) {
	s := newTestStore(t)
	m := New(s.Conversations, time.Hour, testLogger())
	ctx := context.Background()
	key := store.ConversationKey{InstanceID: "A", ChatName: "chat", UserID: "stale", PlatformID: "p1"}

	if err := m.Put(ctx, key, "conv-stale"); err != nil {
		t.Fatalf("put: %v", err)
	}

	n, err := s.Conversations.PurgeOlderThan(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged row, got %d", n)
	}

	got, err := s.Conversations.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatal("expected entry to be gone after purge")
	}
}

func TestMain(m *testing.M) {
	os.Exit(m.Run())
}

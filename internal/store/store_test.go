package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wxorc-test.db")
	s, err := New(path, 1, 1)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := s.RunMigrations(context.Background()); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMessageStore_InsertDropsSelfEcho(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inserted, err := s.Messages.Insert(ctx, &Message{
		InstanceID: "A", MessageID: "m1", ChatName: "alice", Sender: "self",
		MessageType: "friend", CreateTime: time.Now(),
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if inserted {
		t.Fatal("expected self-echo message to be dropped")
	}
}

func TestMessageStore_InsertIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msg := &Message{InstanceID: "A", MessageID: "m1", ChatName: "alice", Sender: "alice", MessageType: "friend", Content: "hi", CreateTime: time.Now()}

	inserted, err := s.Messages.Insert(ctx, msg)
	if err != nil || !inserted {
		t.Fatalf("first insert: inserted=%v err=%v", inserted, err)
	}

	inserted, err = s.Messages.Insert(ctx, msg)
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if inserted {
		t.Fatal("expected duplicate insert to be a no-op")
	}

	pending, err := s.Messages.ListPending(ctx, 10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected exactly one row, got %d", len(pending))
	}
}

func TestMessageStore_ClaimForDelivery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msg := &Message{InstanceID: "A", MessageID: "m1", ChatName: "alice", Sender: "alice", MessageType: "friend", Content: "hi", CreateTime: time.Now()}
	if _, err := s.Messages.Insert(ctx, msg); err != nil {
		t.Fatalf("insert: %v", err)
	}

	claimed, err := s.Messages.ClaimForDelivery(ctx, "A", "m1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil {
		t.Fatal("expected claim to succeed")
	}

	second, err := s.Messages.ClaimForDelivery(ctx, "A", "m1")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if second != nil {
		t.Fatal("expected second claim to fail (already claimed)")
	}
}

func TestMessageStore_RecordMerge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"m1", "m2", "m3"} {
		if _, err := s.Messages.Insert(ctx, &Message{InstanceID: "A", MessageID: id, ChatName: "alice", Sender: "alice", MessageType: "friend", Content: id, CreateTime: time.Now()}); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}

	if err := s.Messages.RecordMerge(ctx, "A", "m1", []string{"m2", "m3"}); err != nil {
		t.Fatalf("record merge: %v", err)
	}

	pending, err := s.Messages.ListPending(ctx, 10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].MessageID != "m1" {
		t.Fatalf("expected only the merge primary m1 to stay pending (peers skipped), got %+v", pending)
	}
}

func TestListenerStore_UpsertAndTimeoutQuery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Listeners.Upsert(ctx, &Listener{InstanceID: "A", ChatName: "alice", Status: ListenerActive, ManualAdded: false}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	listeners, err := s.Listeners.ListListeners(ctx, ListFilter{InstanceID: "A", Status: ListenerActive})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listeners) != 1 {
		t.Fatalf("expected 1 listener, got %d", len(listeners))
	}

	if err := s.Listeners.SetStatus(ctx, "A", "alice", ListenerInactive); err != nil {
		t.Fatalf("set status: %v", err)
	}
	l, err := s.Listeners.Get(ctx, "A", "alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if l.Status != ListenerInactive {
		t.Fatalf("expected inactive, got %s", l.Status)
	}
}

func TestConversationStore_PutGetDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	k := ConversationKey{InstanceID: "A", ChatName: "alice", UserID: "alice", PlatformID: "openai1"}
	if err := s.Conversations.Put(ctx, k, "conv-1"); err != nil {
		t.Fatalf("put: %v", err)
	}

	entry, err := s.Conversations.Get(ctx, k)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if entry == nil || entry.ConversationID != "conv-1" {
		t.Fatalf("expected conv-1, got %+v", entry)
	}

	if err := s.Conversations.Delete(ctx, k); err != nil {
		t.Fatalf("delete: %v", err)
	}
	entry, err = s.Conversations.Get(ctx, k)
	if err != nil {
		t.Fatalf("get after delete: %v", err)
	}
	if entry != nil {
		t.Fatal("expected nil after delete")
	}
}

func TestRuleStore_ListEnabledOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	low := &Rule{Name: "low", InstanceID: "*", ChatPattern: "*", PlatformID: "p1", Priority: 1, Enabled: true}
	high := &Rule{Name: "high", InstanceID: "*", ChatPattern: "*", PlatformID: "p1", Priority: 10, Enabled: true}
	disabled := &Rule{Name: "off", InstanceID: "*", ChatPattern: "*", PlatformID: "p1", Priority: 99, Enabled: false}

	for _, r := range []*Rule{low, high, disabled} {
		if err := s.Rules.Upsert(ctx, r); err != nil {
			t.Fatalf("upsert rule: %v", err)
		}
	}

	rules, err := s.Rules.ListEnabled(ctx)
	if err != nil {
		t.Fatalf("list enabled: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("expected 2 enabled rules, got %d", len(rules))
	}
	if rules[0].Name != "high" {
		t.Fatalf("expected high-priority rule first, got %s", rules[0].Name)
	}
}

func TestUserID_GroupVsPrivate(t *testing.T) {
	if got := UserID("alice", "alice"); got != "alice" {
		t.Errorf("private chat: got %q", got)
	}
	if got := UserID("grp", "bob"); got != "grp==bob" {
		t.Errorf("group chat: got %q", got)
	}
}

package listener

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"wxorc/internal/ingress"
	"wxorc/internal/metrics"
	"wxorc/internal/store"
	"wxorc/pkg/wxinstance"
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

func writeEnvelope(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"code": 0, "message": "ok", "data": data})
}

func TestTaskA_AutoAddsListenerAndIngestsMessage(t *testing.T) {
	s := newTestStore(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/message/get-next-new":
			writeEnvelope(w, []wxinstance.Message{
				{MessageID: "m1", ChatName: "alice", Sender: "alice", Content: "hi", CreateTime: time.Now()},
			})
		default:
			writeEnvelope(w, nil)
		}
	}))
	defer server.Close()

	instances := wxinstance.NewRegistry(testLogger())
	instances.Add("A", server.URL, "key", 0, 0)
	ing := ingress.New(s.Messages, "downloads", metrics.New(), nil)

	mgr := New(Config{PollInterval: time.Second, HousekeepingInterval: time.Minute, Timeout: 30 * time.Minute, MaxListeners: 30},
		s.Listeners, s.FixedListeners, instances, ing, testLogger(), metrics.New(), nil)

	mgr.taskA(context.Background())

	l, err := s.Listeners.Get(context.Background(), "A", "alice")
	if err != nil {
		t.Fatalf("get listener: %v", err)
	}
	if l == nil {
		t.Fatal("expected listener to be auto-added")
	}
	if l.ManualAdded {
		t.Fatal("expected auto-added listener to have manual_added=false")
	}

	pending, err := s.Messages.ListPending(context.Background(), 10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending message, got %d", len(pending))
	}
}

func TestEnsureListener_RefusesBeyondMaxListeners(t *testing.T) {
	s := newTestStore(t)
	instances := wxinstance.NewRegistry(testLogger())
	ing := ingress.New(s.Messages, "downloads", metrics.New(), nil)
	mgr := New(Config{MaxListeners: 1}, s.Listeners, s.FixedListeners, instances, ing, testLogger(), metrics.New(), nil)
	ctx := context.Background()

	if err := s.Listeners.Upsert(ctx, &store.Listener{InstanceID: "A", ChatName: "existing", Status: store.ListenerActive}); err != nil {
		t.Fatalf("seed listener: %v", err)
	}

	if err := mgr.ensureListener(ctx, "A", "newcomer"); err != nil {
		t.Fatalf("ensureListener: %v", err)
	}

	l, err := s.Listeners.Get(ctx, "A", "newcomer")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if l != nil {
		t.Fatal("expected newcomer listener to be refused at cap")
	}
}

func TestEnsureListener_ResurrectsInactiveAutoListener(t *testing.T) {
	s := newTestStore(t)
	var addCalls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/message/listen/add" {
			addCalls++
		}
		writeEnvelope(w, nil)
	}))
	defer server.Close()

	instances := wxinstance.NewRegistry(testLogger())
	instances.Add("A", server.URL, "key", 0, 0)
	ing := ingress.New(s.Messages, "downloads", metrics.New(), nil)
	mgr := New(Config{MaxListeners: 30}, s.Listeners, s.FixedListeners, instances, ing, testLogger(), metrics.New(), nil)
	ctx := context.Background()

	if err := s.Listeners.Upsert(ctx, &store.Listener{InstanceID: "A", ChatName: "alice", Status: store.ListenerInactive}); err != nil {
		t.Fatalf("seed inactive listener: %v", err)
	}

	if err := mgr.ensureListener(ctx, "A", "alice"); err != nil {
		t.Fatalf("ensureListener: %v", err)
	}

	l, err := s.Listeners.Get(ctx, "A", "alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if l.Status != store.ListenerActive {
		t.Fatalf("expected resurrected listener to be active, got status=%q", l.Status)
	}
	if l.ManualAdded {
		t.Fatal("expected resurrected auto listener to remain manual_added=false")
	}
	if addCalls != 1 {
		t.Fatalf("expected remote AddListener to be called once on resurrection, got %d", addCalls)
	}
	if !mgr.isConnected("A", "alice") {
		t.Fatal("expected listener to be marked connected after successful remote AddListener")
	}
}

func TestTimeoutAutoListeners_InactivatesOnlyAutoListeners(t *testing.T) {
	s := newTestStore(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, nil)
	}))
	defer server.Close()

	instances := wxinstance.NewRegistry(testLogger())
	instances.Add("A", server.URL, "key", 0, 0)
	ing := ingress.New(s.Messages, "downloads", metrics.New(), nil)
	mgr := New(Config{Timeout: time.Minute}, s.Listeners, s.FixedListeners, instances, ing, testLogger(), metrics.New(), nil)
	ctx := context.Background()

	stale := time.Now().Add(-time.Hour)
	if err := s.Listeners.Upsert(ctx, &store.Listener{InstanceID: "A", ChatName: "auto", Status: store.ListenerActive, LastMessageTime: &stale}); err != nil {
		t.Fatalf("seed auto listener: %v", err)
	}
	if err := s.Listeners.Upsert(ctx, &store.Listener{InstanceID: "A", ChatName: "manual", Status: store.ListenerActive, ManualAdded: true, LastMessageTime: &stale}); err != nil {
		t.Fatalf("seed manual listener: %v", err)
	}

	mgr.timeoutAutoListeners(ctx)

	auto, _ := s.Listeners.Get(ctx, "A", "auto")
	if auto.Status != store.ListenerInactive {
		t.Fatalf("expected auto listener to be inactivated, got status=%q", auto.Status)
	}
	manual, _ := s.Listeners.Get(ctx, "A", "manual")
	if manual.Status != store.ListenerActive {
		t.Fatalf("expected manual listener to survive timeout sweep, got status=%q", manual.Status)
	}
}

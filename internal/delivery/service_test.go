package delivery

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

	"wxorc/internal/conversation"
	"wxorc/internal/metrics"
	"wxorc/internal/platform"
	"wxorc/internal/rules"
	"wxorc/internal/store"
	"wxorc/pkg/wxinstance"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

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

// stubPlatform is a minimal platform.Platform for exercising the
// delivery pipeline without real network I/O.
type stubPlatform struct {
	id, kind string
	result   *platform.Result
}

func (p *stubPlatform) ID() string       { return p.id }
func (p *stubPlatform) Name() string     { return p.id }
func (p *stubPlatform) Kind() string     { return p.kind }
func (p *stubPlatform) Init() error      { return nil }
func (p *stubPlatform) Cleanup() error   { return nil }
func (p *stubPlatform) TestConnection(ctx context.Context) error { return nil }
func (p *stubPlatform) ProcessMessage(ctx context.Context, msg *platform.InboundMessage) *platform.Result {
	return p.result
}

func registryWith(p platform.Platform) *platform.Registry {
	reg := platform.NewRegistry()
	reg.RegisterKind(p.Kind(), func(id, name string, config map[string]interface{}) (platform.Platform, error) {
		return p, nil
	})
	_ = reg.Upsert(p.ID(), p.ID(), p.Kind(), nil)
	return reg
}

func newInstanceServer(t *testing.T) (*wxinstance.Registry, *[]string) {
	t.Helper()
	var sent []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/message/send" {
			var body map[string]interface{}
			_ = json.NewDecoder(r.Body).Decode(&body)
			if msg, ok := body["message"].(string); ok {
				sent = append(sent, msg)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"code": 0, "message": "ok"})
	}))
	t.Cleanup(server.Close)

	instances := wxinstance.NewRegistry(testLogger())
	instances.Add("A", server.URL, "key", 0, 0)
	return instances, &sent
}

func TestDeliver_PrivateChatDeliversAndRecordsReply(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Platforms.Upsert(ctx, &store.Platform{PlatformID: "p1", Name: "p1", Kind: "openai", Enabled: true}); err != nil {
		t.Fatalf("seed platform: %v", err)
	}
	engine := rules.New([]store.Rule{{RuleID: 1, InstanceID: "*", ChatPattern: "*", PlatformID: "p1", Priority: 1, Enabled: true}})
	instances, sent := newInstanceServer(t)
	platforms := registryWith(&stubPlatform{id: "p1", kind: "openai", result: &platform.Result{Content: "reply text", ShouldReply: true}})
	conv := conversation.New(s.Conversations, time.Hour, testLogger())

	svc := New(Config{PlatformCallTimeout: 5 * time.Second, AccountingCallTimeout: 5 * time.Second},
		s.Messages, s.Listeners, instances, platforms, s.Platforms, conv, engine, testLogger(), metrics.New(), nil)

	msg := &store.Message{InstanceID: "A", MessageID: "m1", ChatName: "alice", Sender: "alice", Content: "hi", CreateTime: time.Now()}
	if _, err := s.Messages.Insert(ctx, msg); err != nil {
		t.Fatalf("insert message: %v", err)
	}
	claimed, err := s.Messages.ClaimForDelivery(ctx, "A", "m1")
	if err != nil || claimed == nil {
		t.Fatalf("claim: %v claimed=%v", err, claimed)
	}

	svc.deliver(ctx, claimed)

	if len(*sent) != 1 || (*sent)[0] != "reply text" {
		t.Fatalf("expected reply text to be sent once, got %v", *sent)
	}

	var status int
	var reply string
	if err := s.DB().QueryRowContext(ctx, `SELECT delivery_status, reply_content FROM message WHERE instance_id = ? AND message_id = ?`, "A", "m1").Scan(&status, &reply); err != nil {
		t.Fatalf("read delivered message: %v", err)
	}
	if status != store.DeliveryDelivered || reply != "reply text" {
		t.Fatalf("expected delivered status with recorded reply, got status=%d reply=%q", status, reply)
	}
}

func TestDeliver_NoRuleMarksSkipped(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	engine := rules.New(nil)
	instances, _ := newInstanceServer(t)
	platforms := platform.NewRegistry()
	conv := conversation.New(s.Conversations, time.Hour, testLogger())

	svc := New(Config{PlatformCallTimeout: 5 * time.Second, AccountingCallTimeout: 5 * time.Second},
		s.Messages, s.Listeners, instances, platforms, s.Platforms, conv, engine, testLogger(), metrics.New(), nil)

	msg := &store.Message{InstanceID: "A", MessageID: "m1", ChatName: "alice", Sender: "alice", Content: "hi", CreateTime: time.Now()}
	if _, err := s.Messages.Insert(ctx, msg); err != nil {
		t.Fatalf("insert: %v", err)
	}
	claimed, _ := s.Messages.ClaimForDelivery(ctx, "A", "m1")
	svc.deliver(ctx, claimed)

	pending, err := s.Messages.ListPending(ctx, 10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected message to leave pending state, found %d still pending", len(pending))
	}
}

func TestDeliver_OnlyAtMessagesWithoutTokenSkipsNotAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Platforms.Upsert(ctx, &store.Platform{PlatformID: "p1", Name: "p1", Kind: "openai", Enabled: true}); err != nil {
		t.Fatalf("seed platform: %v", err)
	}
	engine := rules.New([]store.Rule{{RuleID: 1, InstanceID: "*", ChatPattern: "*", PlatformID: "p1", Priority: 1, Enabled: true, OnlyAtMessages: true, AtName: "bot"}})
	instances, sent := newInstanceServer(t)
	platforms := registryWith(&stubPlatform{id: "p1", kind: "openai", result: &platform.Result{Content: "reply", ShouldReply: true}})
	conv := conversation.New(s.Conversations, time.Hour, testLogger())

	svc := New(Config{PlatformCallTimeout: 5 * time.Second, AccountingCallTimeout: 5 * time.Second},
		s.Messages, s.Listeners, instances, platforms, s.Platforms, conv, engine, testLogger(), metrics.New(), nil)

	msg := &store.Message{InstanceID: "A", MessageID: "m1", ChatName: "grp", Sender: "bob", Content: "hello", CreateTime: time.Now()}
	if _, err := s.Messages.Insert(ctx, msg); err != nil {
		t.Fatalf("insert: %v", err)
	}
	claimed, _ := s.Messages.ClaimForDelivery(ctx, "A", "m1")
	svc.deliver(ctx, claimed)

	if len(*sent) != 0 {
		t.Fatalf("expected no reply sent without @bot token, got %v", *sent)
	}
}

func TestDeliver_ReplyAtSenderPrefixesGroupReply(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Platforms.Upsert(ctx, &store.Platform{PlatformID: "p1", Name: "p1", Kind: "openai", Enabled: true}); err != nil {
		t.Fatalf("seed platform: %v", err)
	}
	engine := rules.New([]store.Rule{{RuleID: 1, InstanceID: "*", ChatPattern: "*", PlatformID: "p1", Priority: 1, Enabled: true, ReplyAtSender: true}})
	instances, sent := newInstanceServer(t)
	platforms := registryWith(&stubPlatform{id: "p1", kind: "openai", result: &platform.Result{Content: "reply", ShouldReply: true}})
	conv := conversation.New(s.Conversations, time.Hour, testLogger())

	svc := New(Config{PlatformCallTimeout: 5 * time.Second, AccountingCallTimeout: 5 * time.Second},
		s.Messages, s.Listeners, instances, platforms, s.Platforms, conv, engine, testLogger(), metrics.New(), nil)

	msg := &store.Message{InstanceID: "A", MessageID: "m1", ChatName: "grp", Sender: "bob", Content: "hello", CreateTime: time.Now()}
	if _, err := s.Messages.Insert(ctx, msg); err != nil {
		t.Fatalf("insert: %v", err)
	}
	claimed, _ := s.Messages.ClaimForDelivery(ctx, "A", "m1")
	svc.deliver(ctx, claimed)

	if len(*sent) != 1 || (*sent)[0] != "@bob reply" {
		t.Fatalf("expected @bob-prefixed reply, got %v", *sent)
	}
}

package ingress

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

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

func TestAccept_DropsSelfEcho(t *testing.T) {
	s := newTestStore(t)
	in := New(s.Messages, "downloads", metrics.New(), nil)

	ok, err := in.Accept(context.Background(), "A", &wxinstance.Message{
		MessageID: "m1", ChatName: "chat", Sender: "self", Content: "echo", CreateTime: time.Now(),
	})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if ok {
		t.Fatal("expected self-echo message to be dropped")
	}
}

func TestAccept_PersistsAndDedups(t *testing.T) {
	s := newTestStore(t)
	in := New(s.Messages, "downloads", metrics.New(), nil)
	ctx := context.Background()
	raw := &wxinstance.Message{MessageID: "m1", ChatName: "chat", Sender: "alice", Content: "hi", CreateTime: time.Now()}

	ok, err := in.Accept(ctx, "A", raw)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if !ok {
		t.Fatal("expected first insert to report persisted=true")
	}

	ok, err = in.Accept(ctx, "A", raw)
	if err != nil {
		t.Fatalf("accept duplicate: %v", err)
	}
	if ok {
		t.Fatal("expected duplicate insert to report persisted=false")
	}
}

func TestAccept_ResolvesAttachmentLocalPath(t *testing.T) {
	s := newTestStore(t)
	in := New(s.Messages, "downloads", metrics.New(), nil)
	ctx := context.Background()

	ok, err := in.Accept(ctx, "A", &wxinstance.Message{
		MessageID: "m2", ChatName: "chat", Sender: "bob", Content: "[image]",
		FileType: "image", FilePath: "/remote/tmp/pic123.jpg", CreateTime: time.Now(),
	})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if !ok {
		t.Fatal("expected insert to succeed")
	}

	pending, err := s.Messages.ListPending(ctx, 10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending message, got %d", len(pending))
	}
	if pending[0].FileType != store.FileTypeImage {
		t.Fatalf("expected file_type=image, got %q", pending[0].FileType)
	}
	gotDir, gotName := filepath.Split(pending[0].LocalFilePath)
	if filepath.Clean(gotDir) != "downloads" {
		t.Fatalf("unexpected local_file_path dir: %q", pending[0].LocalFilePath)
	}
	if !strings.HasPrefix(gotName, "pic123-") || filepath.Ext(gotName) != ".jpg" {
		t.Fatalf("unexpected local_file_path name: %q", gotName)
	}
}

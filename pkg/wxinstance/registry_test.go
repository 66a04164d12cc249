package wxinstance

import (
	"io"
	"log/slog"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegistry_AddGetHasRemove(t *testing.T) {
	r := NewRegistry(testLogger())

	if r.Has("A") {
		t.Fatal("expected unregistered instance to report Has=false")
	}

	r.Add("A", "http://localhost:5000", "key", 2, 4)
	if !r.Has("A") {
		t.Fatal("expected Has=true after Add")
	}

	c, err := r.Get("A")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c == nil {
		t.Fatal("expected non-nil client")
	}

	r.Remove("A")
	if r.Has("A") {
		t.Fatal("expected Has=false after Remove")
	}
}

func TestRegistry_GetUnknown(t *testing.T) {
	r := NewRegistry(testLogger())
	if _, err := r.Get("nonexistent"); err == nil {
		t.Fatal("expected error for unknown instance")
	}
}

func TestRegistry_ListSorted(t *testing.T) {
	r := NewRegistry(testLogger())
	r.Add("charlie", "http://x", "k", 2, 4)
	r.Add("alpha", "http://x", "k", 2, 4)
	r.Add("bravo", "http://x", "k", 2, 4)

	ids := r.List()
	if len(ids) != 3 || ids[0] != "alpha" || ids[1] != "bravo" || ids[2] != "charlie" {
		t.Fatalf("not sorted: %v", ids)
	}
}

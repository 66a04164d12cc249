package rules

import (
	"testing"

	"wxorc/internal/store"
)

func TestResolve_InstanceAndWildcardScoping(t *testing.T) {
	e := New([]store.Rule{
		{RuleID: 1, InstanceID: "A", ChatPattern: "*", PlatformID: "p1", Priority: 1, Enabled: true},
		{RuleID: 2, InstanceID: "*", ChatPattern: "*", PlatformID: "p2", Priority: 1, Enabled: true},
	})

	got := e.Resolve("B", "anyone", "hi")
	if got == nil || got.PlatformID != "p2" {
		t.Fatalf("expected wildcard instance rule to match instance B, got %+v", got)
	}

	got = e.Resolve("A", "anyone", "hi")
	if got == nil || got.RuleID != 1 {
		t.Fatalf("expected rule_id=1 scoped to instance A to win the equal-priority tie by lower rule_id, got %+v", got)
	}
}

func TestResolve_ChatPatternForms(t *testing.T) {
	e := New([]store.Rule{
		{RuleID: 1, InstanceID: "*", ChatPattern: "regex:^group-\\d+$", PlatformID: "p1", Priority: 1, Enabled: true},
		{RuleID: 2, InstanceID: "*", ChatPattern: "exact-chat", PlatformID: "p2", Priority: 1, Enabled: true},
	})

	if got := e.Resolve("A", "group-42", "hi"); got == nil || got.PlatformID != "p1" {
		t.Fatalf("expected regex pattern to match group-42, got %+v", got)
	}
	if got := e.Resolve("A", "exact-chat", "hi"); got == nil || got.PlatformID != "p2" {
		t.Fatalf("expected exact pattern match, got %+v", got)
	}
	if got := e.Resolve("A", "no-match", "hi"); got != nil {
		t.Fatalf("expected no match, got %+v", got)
	}
}

func TestResolve_OnlyAtMessagesFilter(t *testing.T) {
	e := New([]store.Rule{
		{RuleID: 1, InstanceID: "*", ChatPattern: "*", PlatformID: "p1", Priority: 1, Enabled: true, OnlyAtMessages: true, AtName: "bot"},
	})

	if got := e.Resolve("A", "grp", "hello"); got != nil {
		t.Fatalf("expected no match without @bot token, got %+v", got)
	}
	if got := e.Resolve("A", "grp", "@bot hello"); got == nil {
		t.Fatal("expected match with @bot token present")
	}
	if got := e.Resolve("A", "grp", "@botfoo hello"); got != nil {
		t.Fatalf("expected no match for partial token @botfoo, got %+v", got)
	}
}

func TestResolve_PriorityThenRuleIDTiebreak(t *testing.T) {
	e := New([]store.Rule{
		{RuleID: 5, InstanceID: "*", ChatPattern: "*", PlatformID: "low", Priority: 1, Enabled: true},
		{RuleID: 2, InstanceID: "*", ChatPattern: "*", PlatformID: "tie-a", Priority: 5, Enabled: true},
		{RuleID: 3, InstanceID: "*", ChatPattern: "*", PlatformID: "tie-b", Priority: 5, Enabled: true},
	})

	got := e.Resolve("A", "chat", "hi")
	if got == nil || got.PlatformID != "tie-a" {
		t.Fatalf("expected rule_id=2 to win priority tie over rule_id=3, got %+v", got)
	}
}

func TestResolve_DisabledRulesIgnored(t *testing.T) {
	e := New([]store.Rule{
		{RuleID: 1, InstanceID: "*", ChatPattern: "*", PlatformID: "p1", Priority: 10, Enabled: false},
		{RuleID: 2, InstanceID: "*", ChatPattern: "*", PlatformID: "p2", Priority: 1, Enabled: true},
	})

	got := e.Resolve("A", "chat", "hi")
	if got == nil || got.PlatformID != "p2" {
		t.Fatalf("expected disabled higher-priority rule to be skipped, got %+v", got)
	}
}

func TestResolve_NoMatchReturnsNil(t *testing.T) {
	e := New(nil)
	if got := e.Resolve("A", "chat", "hi"); got != nil {
		t.Fatalf("expected nil for empty rule set, got %+v", got)
	}
}

func TestReload_ReplacesSnapshot(t *testing.T) {
	e := New([]store.Rule{{RuleID: 1, InstanceID: "*", ChatPattern: "*", PlatformID: "old", Priority: 1, Enabled: true}})
	e.Reload([]store.Rule{{RuleID: 2, InstanceID: "*", ChatPattern: "*", PlatformID: "new", Priority: 1, Enabled: true}})

	got := e.Resolve("A", "chat", "hi")
	if got == nil || got.PlatformID != "new" {
		t.Fatalf("expected reloaded snapshot to take effect, got %+v", got)
	}
}

// Package rules implements RuleEngine: a pure function over a snapshot
// of enabled rules that resolves an inbound message to the platform
// that should handle it.
package rules

import (
	"regexp"
	"sort"
	"strings"
	"sync"

	"wxorc/internal/store"
)

// Engine holds the current snapshot of enabled rules, refreshed by the
// caller (typically on a config-reload tick) via Reload. Resolve itself
// performs no I/O — it is a pure function over the snapshot.
type Engine struct {
	mu    sync.RWMutex
	rules []store.Rule
}

// New constructs an Engine with an initial rule snapshot.
func New(initial []store.Rule) *Engine {
	e := &Engine{}
	e.Reload(initial)
	return e
}

// Reload replaces the rule snapshot (RCU pattern: readers never block
// on a writer mid-swap).
func (e *Engine) Reload(rules []store.Rule) {
	sorted := make([]store.Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority > sorted[j].Priority
		}
		return sorted[i].RuleID < sorted[j].RuleID
	})

	e.mu.Lock()
	e.rules = sorted
	e.mu.Unlock()
}

// Resolve selects the winning rule for an inbound message, or nil if
// none match (the caller should then mark the message skipped(no_rule)).
// Whether the message is an @-mention is derived from content itself via
// ContainsAtToken, so no separate is_at_message flag is needed.
func (e *Engine) Resolve(instanceID, chatName, content string) *store.Rule {
	e.mu.RLock()
	candidates := e.rules
	e.mu.RUnlock()

	for i := range candidates {
		r := candidates[i]
		if !r.Enabled {
			continue
		}
		if r.InstanceID != "*" && r.InstanceID != instanceID {
			continue
		}
		if !chatPatternMatches(r.ChatPattern, chatName) {
			continue
		}
		if r.OnlyAtMessages && !ContainsAtToken(content, r.AtName) {
			continue
		}
		out := r
		return &out
	}
	return nil
}

func chatPatternMatches(pattern, chatName string) bool {
	switch {
	case pattern == "*":
		return true
	case strings.HasPrefix(pattern, "regex:"):
		re, err := regexp.Compile(strings.TrimPrefix(pattern, "regex:"))
		if err != nil {
			return false
		}
		return re.MatchString(chatName)
	default:
		return pattern == chatName
	}
}

// ContainsAtToken checks for "@<atName>" as a whole token, matched
// case-sensitively. Also used by DeliveryService to recheck the
// @-filter against merged content.
func ContainsAtToken(content, atName string) bool {
	if atName == "" {
		return false
	}
	target := "@" + atName
	for _, token := range strings.Fields(content) {
		if token == target || strings.TrimRight(token, ",.:;!?，。：；！？") == target {
			return true
		}
	}
	return false
}

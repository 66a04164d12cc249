// Package keyword implements the platform.Platform contract for a
// declarative keyword-matching autoresponder: no network I/O, pure
// in-process matching against a configured rule list.
package keyword

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"wxorc/internal/errs"
	"wxorc/internal/platform"
)

// Rule is one configured keyword->reply mapping.
type Rule struct {
	Keywords      []string
	MatchType     string // exact | contains | fuzzy
	Replies       []string
	IsRandomReply bool
	MinDelay      time.Duration
	MaxDelay      time.Duration
}

// Platform implements platform.Platform for keyword autoresponders.
type Platform struct {
	id, name string
	rules    []Rule
	minDelay time.Duration
	maxDelay time.Duration

	rndMu sync.Mutex
	rnd   *rand.Rand
}

// RegisterOn wires the keyword factory into a platform.Registry.
func RegisterOn(reg *platform.Registry) {
	reg.RegisterKind("keyword", New)
}

// New constructs a keyword platform worker from its config blob. Delays
// are configured in seconds (min_reply_time/max_reply_time); a rule
// may override the platform-wide default.
func New(id, name string, config map[string]interface{}) (platform.Platform, error) {
	minDelay := secondsOrDefault(config["min_reply_time"], 0)
	maxDelay := secondsOrDefault(config["max_reply_time"], 0)
	if maxDelay < minDelay {
		maxDelay = minDelay
	}

	rawRules, _ := config["rules"].([]interface{})
	rules := make([]Rule, 0, len(rawRules))
	for _, raw := range rawRules {
		m, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		isRandom, _ := m["is_random_reply"].(bool)
		r := Rule{
			Keywords:      toStringSlice(m["keywords"]),
			MatchType:     stringOrDefault(m["match_type"], "contains"),
			Replies:       toStringSlice(m["replies"]),
			IsRandomReply: isRandom,
			MinDelay:      secondsOrDefault(m["min_reply_time"], minDelay),
			MaxDelay:      secondsOrDefault(m["max_reply_time"], maxDelay),
		}
		if r.MaxDelay < r.MinDelay {
			r.MaxDelay = r.MinDelay
		}
		if len(r.Keywords) == 0 || len(r.Replies) == 0 {
			continue
		}
		rules = append(rules, r)
	}
	if len(rules) == 0 {
		return nil, errs.ProgrammerError(fmt.Sprintf("keyword platform %s: at least one rule with keywords and replies is required", id), nil)
	}

	return &Platform{
		id: id, name: name, rules: rules, minDelay: minDelay, maxDelay: maxDelay,
		rnd: rand.New(rand.NewSource(1)),
	}, nil
}

func (p *Platform) ID() string                                { return p.id }
func (p *Platform) Name() string                              { return p.name }
func (p *Platform) Kind() string                               { return "keyword" }
func (p *Platform) Init() error                                { return nil }
func (p *Platform) Cleanup() error                             { return nil }
func (p *Platform) TestConnection(ctx context.Context) error   { return nil }

func (p *Platform) ProcessMessage(ctx context.Context, msg *platform.InboundMessage) *platform.Result {
	content := strings.TrimSpace(msg.Content)
	for _, rule := range p.rules {
		if !ruleMatches(rule, content) {
			continue
		}
		reply := rule.Replies[0]
		if rule.IsRandomReply {
			reply = rule.Replies[p.randIntn(len(rule.Replies))]
		}
		delay := p.delayFor(rule)
		if delay > 0 {
			select {
			case <-ctx.Done():
				return &platform.Result{Err: ctx.Err()}
			case <-time.After(delay):
			}
		}
		return &platform.Result{Content: reply, ShouldReply: true}
	}
	return &platform.Result{ShouldReply: false}
}

func ruleMatches(r Rule, content string) bool {
	lowered := strings.ToLower(content)
	for _, kw := range r.Keywords {
		kwLower := strings.ToLower(kw)
		switch r.MatchType {
		case "exact":
			if lowered == kwLower {
				return true
			}
		case "fuzzy":
			if fuzzyMatch(lowered, kwLower) {
				return true
			}
		default: // contains
			if strings.Contains(lowered, kwLower) {
				return true
			}
		}
	}
	return false
}

// fuzzyMatch approves a match when the longest common subsequence of
// a and b covers at least 80% of the longer string's length.
func fuzzyMatch(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	longest := longestCommonSubsequence(a, b)
	maxLen := len([]rune(a))
	if n := len([]rune(b)); n > maxLen {
		maxLen = n
	}
	return float64(longest)/float64(maxLen) >= 0.8
}

func longestCommonSubsequence(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	dp := make([][]int, len(ra)+1)
	for i := range dp {
		dp[i] = make([]int, len(rb)+1)
	}
	for i := 1; i <= len(ra); i++ {
		for j := 1; j <= len(rb); j++ {
			if ra[i-1] == rb[j-1] {
				dp[i][j] = dp[i-1][j-1] + 1
			} else if dp[i-1][j] > dp[i][j-1] {
				dp[i][j] = dp[i-1][j]
			} else {
				dp[i][j] = dp[i][j-1]
			}
		}
	}
	return dp[len(ra)][len(rb)]
}

// randIntn and delayFor serialise access to the platform's shared
// deterministic source: *rand.Rand is not safe for concurrent use, and
// ProcessMessage can be entered by several delivery workers at once.
func (p *Platform) randIntn(n int) int {
	p.rndMu.Lock()
	defer p.rndMu.Unlock()
	return p.rnd.Intn(n)
}

func (p *Platform) delayFor(r Rule) time.Duration {
	if r.MaxDelay <= r.MinDelay {
		return r.MinDelay
	}
	span := r.MaxDelay - r.MinDelay
	p.rndMu.Lock()
	defer p.rndMu.Unlock()
	return r.MinDelay + time.Duration(p.rnd.Int63n(int64(span)))
}

func toStringSlice(v interface{}) []string {
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func stringOrDefault(v interface{}, def string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return def
}

// secondsOrDefault reads a fractional-seconds config value
// (min_reply_time/max_reply_time are seconds, not milliseconds).
func secondsOrDefault(v interface{}, def time.Duration) time.Duration {
	switch n := v.(type) {
	case int:
		return time.Duration(n) * time.Second
	case float64:
		return time.Duration(n * float64(time.Second))
	default:
		return def
	}
}

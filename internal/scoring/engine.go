// Package scoring evaluates message text against the weighted rules of a
// scope merged over the global namespace.
package scoring

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/basket/go-warden/internal/chat"
	"github.com/basket/go-warden/internal/persistence"
)

// Provenance names the namespace that supplied a match's effective weight.
type Provenance string

const (
	ProvenanceScope  Provenance = "scope"
	ProvenanceGlobal Provenance = "global"
)

const defaultCacheSize = 4096

// Match is one rule that hit the scored text.
type Match struct {
	Pattern    string     `json:"pattern"`
	Weight     int        `json:"weight"`
	Provenance Provenance `json:"provenance"`
}

// Result is the ephemeral outcome of scoring one message.
type Result struct {
	TotalWeight int     `json:"total_weight"`
	Matches     []Match `json:"matches"`
}

// IsViolation reports whether the result reaches threshold.
func (r Result) IsViolation(threshold int) bool {
	return r.TotalWeight >= threshold
}

// RuleSource is the read path of the rule store.
type RuleSource interface {
	ListRulesForScope(ctx context.Context, scope chat.Scope) ([]persistence.Rule, error)
}

// Rule is an effective rule after the scope-over-global merge.
type Rule struct {
	Pattern    string
	Weight     int
	Provenance Provenance
}

// matcher is a compiled pattern. re is nil when the pattern is not a valid
// expression and is matched as a literal substring instead.
type matcher struct {
	re      *regexp.Regexp
	literal string
}

func (m matcher) match(text string) bool {
	if m.re != nil {
		return m.re.MatchString(text)
	}
	return strings.Contains(text, m.literal)
}

// Engine scores text. It holds no per-scope state; the compiled pattern
// cache is safe for concurrent use.
type Engine struct {
	rules RuleSource
	cache *lru.Cache[string, matcher]
}

// NewEngine returns an Engine reading rules from src. cacheSize <= 0 uses a
// default.
func NewEngine(src RuleSource, cacheSize int) *Engine {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	cache, _ := lru.New[string, matcher](cacheSize)
	return &Engine{rules: src, cache: cache}
}

// Score loads the global and scope rules and evaluates text against them.
func (e *Engine) Score(ctx context.Context, scope chat.Scope, text string) (Result, error) {
	global, err := e.rules.ListRulesForScope(ctx, chat.GlobalScope)
	if err != nil {
		return Result{}, fmt.Errorf("load global rules: %w", err)
	}
	var local []persistence.Rule
	if !scope.IsGlobal() {
		local, err = e.rules.ListRulesForScope(ctx, scope)
		if err != nil {
			return Result{}, fmt.Errorf("load rules for %s: %w", scope, err)
		}
	}
	return e.Evaluate(text, Merge(global, local)), nil
}

// Evaluate scores text against already merged rules. Each pattern
// contributes its weight at most once.
func (e *Engine) Evaluate(text string, rules []Rule) Result {
	res := Result{Matches: []Match{}}
	if text == "" {
		return res
	}
	for _, r := range rules {
		if !e.compile(r.Pattern).match(text) {
			continue
		}
		res.TotalWeight += r.Weight
		res.Matches = append(res.Matches, Match{Pattern: r.Pattern, Weight: r.Weight, Provenance: r.Provenance})
	}
	return res
}

// compile folds pattern the way message text is folded, so a full-width
// pattern such as "Ｖ信" still meets its own text after normalisation. The
// cache is keyed by the stored pattern.
func (e *Engine) compile(pattern string) matcher {
	if m, ok := e.cache.Get(pattern); ok {
		return m
	}
	folded := Normalize(pattern)
	if folded == "" {
		folded = pattern
	}
	m := matcher{literal: folded}
	if re, err := regexp.Compile(folded); err == nil {
		m.re = re
	}
	e.cache.Add(pattern, m)
	return m
}

// Merge combines global and scope rules keyed by pattern. A scope rule
// replaces a global rule with the same pattern. The result is sorted by
// pattern.
func Merge(global, local []persistence.Rule) []Rule {
	merged := make(map[string]Rule, len(global)+len(local))
	for _, r := range global {
		merged[r.Pattern] = Rule{Pattern: r.Pattern, Weight: r.Weight, Provenance: ProvenanceGlobal}
	}
	for _, r := range local {
		merged[r.Pattern] = Rule{Pattern: r.Pattern, Weight: r.Weight, Provenance: ProvenanceScope}
	}
	out := make([]Rule, 0, len(merged))
	for _, r := range merged {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pattern < out[j].Pattern })
	return out
}

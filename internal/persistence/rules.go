package persistence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/basket/go-warden/internal/chat"
)

// Rule is a weighted text pattern stored under a scope.
type Rule struct {
	Scope     chat.Scope `json:"scope"`
	Pattern   string     `json:"pattern"`
	Weight    int        `json:"weight"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// UpsertRule stores pattern under scope, replacing the weight of an existing
// entry. Weight 0 is legal.
func (s *Store) UpsertRule(ctx context.Context, scope chat.Scope, pattern string, weight int) error {
	if weight < 0 {
		return fmt.Errorf("upsert rule %q: %w", pattern, ErrInvalidWeight)
	}
	if strings.TrimSpace(pattern) == "" {
		return fmt.Errorf("upsert rule: %w", ErrInvalidPattern)
	}
	return retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO rules (scope, pattern, weight, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(scope, pattern) DO UPDATE SET
				weight = excluded.weight,
				updated_at = excluded.updated_at;
		`, string(scope), pattern, weight, s.now())
		if err != nil {
			return fmt.Errorf("upsert rule %q: %w", pattern, err)
		}
		return nil
	})
}

// DeleteRule removes pattern from scope. Returns ErrNotFound when absent.
func (s *Store) DeleteRule(ctx context.Context, scope chat.Scope, pattern string) error {
	var affected int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM rules WHERE scope = ? AND pattern = ?;`, string(scope), pattern)
		if err != nil {
			return fmt.Errorf("delete rule %q: %w", pattern, err)
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("delete rule %q: %w", pattern, ErrNotFound)
	}
	return nil
}

// ListRulesForScope returns only the rules literally stored under scope; it
// does not merge in the global namespace.
func (s *Store) ListRulesForScope(ctx context.Context, scope chat.Scope) ([]Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT scope, pattern, weight, updated_at
		FROM rules WHERE scope = ?
		ORDER BY pattern;
	`, string(scope))
	if err != nil {
		return nil, fmt.Errorf("list rules for %s: %w", scope, err)
	}
	defer rows.Close()

	var out []Rule
	for rows.Next() {
		var r Rule
		var sc string
		if err := rows.Scan(&sc, &r.Pattern, &r.Weight, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		r.Scope = chat.Scope(sc)
		out = append(out, r)
	}
	return out, rows.Err()
}

// CopyRules upserts every rule of from into to and returns how many
// upserts succeeded. Individual failures are skipped, not returned.
func (s *Store) CopyRules(ctx context.Context, from, to chat.Scope) (copied, total int, err error) {
	rules, err := s.ListRulesForScope(ctx, from)
	if err != nil {
		return 0, 0, err
	}
	for _, r := range rules {
		if ctx.Err() != nil {
			break
		}
		if err := s.UpsertRule(ctx, to, r.Pattern, r.Weight); err != nil {
			continue
		}
		copied++
	}
	return copied, len(rules), nil
}

// RuleStats summarises the rules table for operators.
type RuleStats struct {
	ScopesWithRules int          `json:"scopes_with_rules"`
	ScopedRules     int          `json:"scoped_rules"`
	GlobalRules     int          `json:"global_rules"`
	Sanctions       int          `json:"sanctions"`
	RulesByScope    []ScopeCount `json:"rules_by_scope"`
}

// ScopeCount pairs a scope with a row count.
type ScopeCount struct {
	Scope chat.Scope `json:"scope"`
	Count int        `json:"count"`
}

// Stats returns global rule and sanction counts.
func (s *Store) Stats(ctx context.Context) (RuleStats, error) {
	var st RuleStats
	global := string(chat.GlobalScope)
	queries := []struct {
		q    string
		dest *int
		args []any
	}{
		{`SELECT COUNT(DISTINCT scope) FROM rules WHERE scope != ?;`, &st.ScopesWithRules, []any{global}},
		{`SELECT COUNT(*) FROM rules WHERE scope != ?;`, &st.ScopedRules, []any{global}},
		{`SELECT COUNT(*) FROM rules WHERE scope = ?;`, &st.GlobalRules, []any{global}},
		{`SELECT COUNT(*) FROM sanctions;`, &st.Sanctions, nil},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.q, q.args...).Scan(q.dest); err != nil {
			return st, fmt.Errorf("rule stats: %w", err)
		}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT scope, COUNT(*) FROM rules WHERE scope != ?
		GROUP BY scope ORDER BY COUNT(*) DESC, scope;
	`, global)
	if err != nil {
		return st, fmt.Errorf("rule stats by scope: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var sc ScopeCount
		var scope string
		if err := rows.Scan(&scope, &sc.Count); err != nil {
			return st, fmt.Errorf("scan scope count: %w", err)
		}
		sc.Scope = chat.Scope(scope)
		st.RulesByScope = append(st.RulesByScope, sc)
	}
	return st, rows.Err()
}

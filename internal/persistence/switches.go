package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/basket/go-warden/internal/chat"
)

// ModerationSwitch reports whether moderation is switched on for scope.
// found is false when no operator has toggled the scope yet.
func (s *Store) ModerationSwitch(ctx context.Context, scope chat.Scope) (enabled, found bool, err error) {
	var v int
	err = s.db.QueryRowContext(ctx, `SELECT enabled FROM switches WHERE scope = ?;`, string(scope)).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("read switch %s: %w", scope, err)
	}
	return v == 1, true, nil
}

// SetModerationSwitch persists the switch state for scope.
func (s *Store) SetModerationSwitch(ctx context.Context, scope chat.Scope, enabled bool) error {
	v := 0
	if enabled {
		v = 1
	}
	return retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO switches (scope, enabled, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(scope) DO UPDATE SET enabled = excluded.enabled, updated_at = excluded.updated_at;
		`, string(scope), v, s.now())
		if err != nil {
			return fmt.Errorf("write switch %s: %w", scope, err)
		}
		return nil
	})
}

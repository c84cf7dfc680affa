package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/go-warden/internal/chat"
)

// SanctionStatus is the durable moderation state of a (scope, user) pair.
type SanctionStatus string

const (
	// SanctionNormal is implied by the absence of a record.
	SanctionNormal     SanctionStatus = "normal"
	SanctionSanctioned SanctionStatus = "sanctioned"
	SanctionLifted     SanctionStatus = "lifted"
	// SanctionRemoved only appears in history; the record itself is deleted.
	SanctionRemoved SanctionStatus = "removed"
)

// SanctionRecord is a row of the sanctions table.
type SanctionRecord struct {
	Scope     chat.Scope     `json:"scope"`
	User      chat.UserID    `json:"user_id"`
	Status    SanctionStatus `json:"status"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// SanctionEvent is one status change in the append-only history.
type SanctionEvent struct {
	EventID   int64          `json:"event_id"`
	Scope     chat.Scope     `json:"scope"`
	User      chat.UserID    `json:"user_id"`
	From      SanctionStatus `json:"status_from"`
	To        SanctionStatus `json:"status_to"`
	CreatedAt time.Time      `json:"created_at"`
}

// GetSanction returns the current status, SanctionNormal when absent.
func (s *Store) GetSanction(ctx context.Context, scope chat.Scope, user chat.UserID) (SanctionStatus, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM sanctions WHERE scope = ? AND user_id = ?;`,
		string(scope), string(user)).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return SanctionNormal, nil
	}
	if err != nil {
		return "", fmt.Errorf("get sanction %s/%s: %w", scope, user, err)
	}
	return SanctionStatus(status), nil
}

// SetSanctioned marks user as sanctioned in scope. Repeating it is a no-op.
func (s *Store) SetSanctioned(ctx context.Context, scope chat.Scope, user chat.UserID) error {
	return s.transition(ctx, scope, user, SanctionSanctioned)
}

// LiftSanction marks user as lifted. Lifted users are scored like normal users.
func (s *Store) LiftSanction(ctx context.Context, scope chat.Scope, user chat.UserID) error {
	return s.transition(ctx, scope, user, SanctionLifted)
}

// RemoveSanction deletes the record after a kick or departure. History is kept.
func (s *Store) RemoveSanction(ctx context.Context, scope chat.Scope, user chat.UserID) error {
	return s.transition(ctx, scope, user, SanctionRemoved)
}

func (s *Store) transition(ctx context.Context, scope chat.Scope, user chat.UserID, to SanctionStatus) error {
	return retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin sanction tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		from := SanctionNormal
		var current string
		err = tx.QueryRowContext(ctx, `SELECT status FROM sanctions WHERE scope = ? AND user_id = ?;`,
			string(scope), string(user)).Scan(&current)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("read sanction %s/%s: %w", scope, user, err)
		default:
			from = SanctionStatus(current)
		}

		if from == to || (to == SanctionRemoved && from == SanctionNormal) {
			return nil
		}

		now := s.now()
		if to == SanctionRemoved {
			if _, err := tx.ExecContext(ctx, `DELETE FROM sanctions WHERE scope = ? AND user_id = ?;`,
				string(scope), string(user)); err != nil {
				return fmt.Errorf("delete sanction %s/%s: %w", scope, user, err)
			}
		} else {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO sanctions (scope, user_id, status, updated_at)
				VALUES (?, ?, ?, ?)
				ON CONFLICT(scope, user_id) DO UPDATE SET
					status = excluded.status,
					updated_at = excluded.updated_at;
			`, string(scope), string(user), string(to), now); err != nil {
				return fmt.Errorf("write sanction %s/%s: %w", scope, user, err)
			}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sanction_events (scope, user_id, status_from, status_to, created_at)
			VALUES (?, ?, ?, ?, ?);
		`, string(scope), string(user), string(from), string(to), now); err != nil {
			return fmt.Errorf("append sanction event: %w", err)
		}
		return tx.Commit()
	})
}

// ListSanctions returns the records of scope, newest first.
func (s *Store) ListSanctions(ctx context.Context, scope chat.Scope) ([]SanctionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT scope, user_id, status, updated_at FROM sanctions
		WHERE scope = ? ORDER BY updated_at DESC, user_id;
	`, string(scope))
	if err != nil {
		return nil, fmt.Errorf("list sanctions: %w", err)
	}
	defer rows.Close()

	var out []SanctionRecord
	for rows.Next() {
		var r SanctionRecord
		var sc, u, st string
		if err := rows.Scan(&sc, &u, &st, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan sanction: %w", err)
		}
		r.Scope, r.User, r.Status = chat.Scope(sc), chat.UserID(u), SanctionStatus(st)
		out = append(out, r)
	}
	return out, rows.Err()
}

// SanctionHistory returns the status changes of one user, oldest first.
func (s *Store) SanctionHistory(ctx context.Context, scope chat.Scope, user chat.UserID) ([]SanctionEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, scope, user_id, status_from, status_to, created_at
		FROM sanction_events WHERE scope = ? AND user_id = ?
		ORDER BY event_id;
	`, string(scope), string(user))
	if err != nil {
		return nil, fmt.Errorf("sanction history: %w", err)
	}
	defer rows.Close()

	var out []SanctionEvent
	for rows.Next() {
		var ev SanctionEvent
		var sc, u, from, to string
		if err := rows.Scan(&ev.EventID, &sc, &u, &from, &to, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan sanction event: %w", err)
		}
		ev.Scope, ev.User = chat.Scope(sc), chat.UserID(u)
		ev.From, ev.To = SanctionStatus(from), SanctionStatus(to)
		out = append(out, ev)
	}
	return out, rows.Err()
}

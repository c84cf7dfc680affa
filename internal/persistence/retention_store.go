package persistence

import (
	"context"
	"fmt"
)

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedAuditLogs      int64 `json:"purged_audit_logs"`
	PurgedSanctionEvents int64 `json:"purged_sanction_events"`
}

// RunRetention deletes history older than the configured windows. A window
// of 0 keeps rows forever. The job is idempotent.
func (s *Store) RunRetention(ctx context.Context, auditLogDays, sanctionEventDays int) (RetentionResult, error) {
	var result RetentionResult

	if auditLogDays > 0 {
		cutoff := s.now().AddDate(0, 0, -auditLogDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge audit_log: %w", err)
		}
		result.PurgedAuditLogs, _ = res.RowsAffected()
	}

	if sanctionEventDays > 0 {
		cutoff := s.now().AddDate(0, 0, -sanctionEventDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM sanction_events WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge sanction_events: %w", err)
		}
		result.PurgedSanctionEvents, _ = res.RowsAffected()
	}

	return result, nil
}

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ActivityLog is one append-only admin action record.
type ActivityLog struct {
	ID        int64
	RequestID sql.NullString
	Actor     sql.NullString
	Action    string
	Target    sql.NullString
	Detail    sql.NullString
	CreatedAt time.Time
}

// ExecutionLog is one append-only tool invocation record. Args arrive
// already redacted, result and stdout already truncated.
type ExecutionLog struct {
	ID         int64
	RequestID  sql.NullString
	ToolName   string
	InputArgs  sql.NullString
	Result     sql.NullString
	Stdout     sql.NullString
	Error      sql.NullString
	ErrorKind  sql.NullString
	Success    bool
	DurationMS int64
	ExecutedBy sql.NullString
	CreatedAt  time.Time
}

// InsertActivityLog appends one activity record.
func (s *Store) InsertActivityLog(ctx context.Context, l *ActivityLog) error {
	l.CreatedAt = time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activity_logs (request_id, actor, action, target, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, l.RequestID, l.Actor, l.Action, l.Target, l.Detail, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert activity log: %w", err)
	}
	return nil
}

// InsertExecutionLog appends one execution record.
func (s *Store) InsertExecutionLog(ctx context.Context, l *ExecutionLog) error {
	l.CreatedAt = time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_execution_logs (request_id, tool_name, input_args, result, stdout,
		    error, error_kind, success, duration_ms, executed_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, l.RequestID, l.ToolName, l.InputArgs, l.Result, l.Stdout,
		l.Error, l.ErrorKind, l.Success, l.DurationMS, l.ExecutedBy, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert execution log: %w", err)
	}
	return nil
}

// ListRecentExecutions returns the newest execution logs up to limit.
func (s *Store) ListRecentExecutions(ctx context.Context, limit int) ([]*ExecutionLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, tool_name, input_args, result, stdout, error, error_kind,
		       success, duration_ms, executed_by, created_at
		FROM tool_execution_logs ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list execution logs: %w", err)
	}
	defer rows.Close()

	var out []*ExecutionLog
	for rows.Next() {
		l := &ExecutionLog{}
		if err := rows.Scan(&l.ID, &l.RequestID, &l.ToolName, &l.InputArgs, &l.Result,
			&l.Stdout, &l.Error, &l.ErrorKind, &l.Success, &l.DurationMS,
			&l.ExecutedBy, &l.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ListRecentActivity returns the newest activity logs up to limit.
func (s *Store) ListRecentActivity(ctx context.Context, limit int) ([]*ActivityLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, actor, action, target, detail, created_at
		FROM activity_logs ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list activity logs: %w", err)
	}
	defer rows.Close()

	var out []*ActivityLog
	for rows.Next() {
		l := &ActivityLog{}
		if err := rows.Scan(&l.ID, &l.RequestID, &l.Actor, &l.Action,
			&l.Target, &l.Detail, &l.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// PruneLogs deletes log rows older than cutoff from both streams and
// reports the total removed.
func (s *Store) PruneLogs(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	for _, table := range []string{"activity_logs", "tool_execution_logs"} {
		res, err := s.db.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE created_at < ?", table), cutoff)
		if err != nil {
			return total, fmt.Errorf("failed to prune %s: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

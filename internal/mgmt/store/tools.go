package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Approval states for tools.
const (
	ApprovalDraft         = "draft"
	ApprovalPendingReview = "pending_review"
	ApprovalApproved      = "approved"
	ApprovalRejected      = "rejected"
)

// Change sources recorded on tool versions.
const (
	ChangeCreate   = "create"
	ChangeEdit     = "edit"
	ChangeRollback = "rollback"
	ChangeImport   = "import"
)

// Tool is one callable tool owned by a server.
type Tool struct {
	ID               string
	ServerID         string
	Name             string
	Description      string
	ToolType         string
	PythonCode       sql.NullString
	InputSchema      sql.NullString
	Enabled          bool
	TimeoutMS        int
	CurrentVersion   int64
	ApprovalStatus   string
	ApprovedAt       sql.NullTime
	ApprovedBy       sql.NullString
	ExternalSourceID sql.NullString
	ExternalToolName sql.NullString
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ToolVersion is one immutable snapshot of a tool's code and schema.
type ToolVersion struct {
	ID           string
	ToolID       string
	Version      int64
	PythonCode   sql.NullString
	InputSchema  sql.NullString
	ChangeSource string
	CreatedBy    sql.NullString
	CreatedAt    time.Time
}

// CreateTool inserts a tool plus its version-1 snapshot in one transaction.
func (s *Store) CreateTool(ctx context.Context, t *Tool, createdBy string) error {
	return s.CreateToolFrom(ctx, t, createdBy, ChangeCreate)
}

// CreateToolFrom is CreateTool with an explicit change source for the
// version-1 snapshot, used by the import path.
func (s *Store) CreateToolFrom(ctx context.Context, t *Tool, createdBy, changeSource string) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.TimeoutMS <= 0 {
		t.TimeoutMS = 30000
	}
	if t.ApprovalStatus == "" {
		t.ApprovalStatus = ApprovalDraft
	}
	t.CurrentVersion = 1
	t.CreatedAt = time.Now()
	t.UpdatedAt = t.CreatedAt

	return s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tools (id, server_id, name, description, tool_type, python_code,
			                   input_schema, enabled, timeout_ms, current_version,
			                   approval_status, external_source_id, external_tool_name,
			                   created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, t.ID, t.ServerID, t.Name, t.Description, t.ToolType, t.PythonCode,
			t.InputSchema, t.Enabled, t.TimeoutMS, t.CurrentVersion,
			t.ApprovalStatus, t.ExternalSourceID, t.ExternalToolName,
			t.CreatedAt, t.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to create tool: %w", err)
		}
		return insertToolVersion(ctx, tx, t, 1, changeSource, createdBy)
	})
}

// GetTool retrieves a tool by ID.
func (s *Store) GetTool(ctx context.Context, id string) (*Tool, error) {
	return scanTool(s.db.QueryRowContext(ctx, toolSelect+" WHERE id = ?", id))
}

// GetToolByName retrieves a tool by its owning server and name.
func (s *Store) GetToolByName(ctx context.Context, serverID, name string) (*Tool, error) {
	return scanTool(s.db.QueryRowContext(ctx, toolSelect+" WHERE server_id = ? AND name = ?", serverID, name))
}

// ListTools returns every tool of one server ordered by name.
func (s *Store) ListTools(ctx context.Context, serverID string) ([]*Tool, error) {
	rows, err := s.db.QueryContext(ctx, toolSelect+" WHERE server_id = ? ORDER BY name", serverID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}
	defer rows.Close()
	return collectTools(rows)
}

// ListToolsPending returns every tool awaiting review, across servers.
func (s *Store) ListToolsPending(ctx context.Context) ([]*Tool, error) {
	rows, err := s.db.QueryContext(ctx,
		toolSelect+" WHERE approval_status IN (?, ?) ORDER BY updated_at",
		ApprovalDraft, ApprovalPendingReview)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending tools: %w", err)
	}
	defer rows.Close()
	return collectTools(rows)
}

// UpdateToolCode replaces the tool's code and schema, bumping the version
// and recording a snapshot. Unless autoApprove is set, an approved tool
// falls back to pending_review so the change is re-examined.
func (s *Store) UpdateToolCode(ctx context.Context, toolID, code, schema, changeSource, actor string, autoApprove bool) (*Tool, error) {
	var updated *Tool
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		t, err := scanTool(tx.QueryRowContext(ctx, toolSelect+" WHERE id = ?", toolID))
		if err != nil {
			return err
		}

		t.CurrentVersion++
		t.PythonCode = sql.NullString{String: code, Valid: true}
		t.InputSchema = sql.NullString{String: schema, Valid: schema != ""}
		t.UpdatedAt = time.Now()
		if t.ApprovalStatus == ApprovalApproved && !autoApprove {
			t.ApprovalStatus = ApprovalPendingReview
			t.ApprovedAt = sql.NullTime{}
			t.ApprovedBy = sql.NullString{}
		}
		if autoApprove {
			t.ApprovalStatus = ApprovalApproved
			t.ApprovedAt = sql.NullTime{Time: t.UpdatedAt, Valid: true}
			t.ApprovedBy = sql.NullString{String: actor, Valid: actor != ""}
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE tools
			SET python_code = ?, input_schema = ?, current_version = ?,
			    approval_status = ?, approved_at = ?, approved_by = ?, updated_at = ?
			WHERE id = ?
		`, t.PythonCode, t.InputSchema, t.CurrentVersion,
			t.ApprovalStatus, t.ApprovedAt, t.ApprovedBy, t.UpdatedAt, t.ID)
		if err != nil {
			return fmt.Errorf("failed to update tool: %w", err)
		}
		if err := insertToolVersion(ctx, tx, t, t.CurrentVersion, changeSource, actor); err != nil {
			return err
		}
		updated = t
		return nil
	})
	return updated, err
}

// RollbackTool restores the code and schema of a prior version as a new
// version row with change_source rollback. Approval resets like any edit.
func (s *Store) RollbackTool(ctx context.Context, toolID string, toVersion int64, actor string, autoApprove bool) (*Tool, error) {
	var prior ToolVersion
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tool_id, version, python_code, input_schema, change_source, created_by, created_at
		FROM tool_versions WHERE tool_id = ? AND version = ?
	`, toolID, toVersion).Scan(&prior.ID, &prior.ToolID, &prior.Version,
		&prior.PythonCode, &prior.InputSchema, &prior.ChangeSource, &prior.CreatedBy, &prior.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tool version %d: %w", toVersion, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load tool version: %w", err)
	}
	return s.UpdateToolCode(ctx, toolID, prior.PythonCode.String, prior.InputSchema.String, ChangeRollback, actor, autoApprove)
}

// SetToolApproval transitions the tool's approval state.
func (s *Store) SetToolApproval(ctx context.Context, toolID, status, actor string) error {
	now := time.Now()
	approvedAt := sql.NullTime{}
	approvedBy := sql.NullString{}
	if status == ApprovalApproved {
		approvedAt = sql.NullTime{Time: now, Valid: true}
		approvedBy = sql.NullString{String: actor, Valid: actor != ""}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tools SET approval_status = ?, approved_at = ?, approved_by = ?, updated_at = ?
		WHERE id = ?
	`, status, approvedAt, approvedBy, now, toolID)
	if err != nil {
		return fmt.Errorf("failed to set tool approval: %w", err)
	}
	return requireRow(res, "tool")
}

// SetToolEnabled flips a tool's enabled flag.
func (s *Store) SetToolEnabled(ctx context.Context, toolID string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE tools SET enabled = ?, updated_at = ? WHERE id = ?", enabled, time.Now(), toolID)
	if err != nil {
		return fmt.Errorf("failed to set tool enabled: %w", err)
	}
	return requireRow(res, "tool")
}

// DeleteTool removes a tool and its version history.
func (s *Store) DeleteTool(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM tools WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete tool: %w", err)
	}
	return requireRow(res, "tool")
}

// ListToolVersions returns a tool's version history, newest first.
func (s *Store) ListToolVersions(ctx context.Context, toolID string) ([]*ToolVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tool_id, version, python_code, input_schema, change_source, created_by, created_at
		FROM tool_versions WHERE tool_id = ? ORDER BY version DESC
	`, toolID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tool versions: %w", err)
	}
	defer rows.Close()

	var out []*ToolVersion
	for rows.Next() {
		v := &ToolVersion{}
		if err := rows.Scan(&v.ID, &v.ToolID, &v.Version, &v.PythonCode,
			&v.InputSchema, &v.ChangeSource, &v.CreatedBy, &v.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func insertToolVersion(ctx context.Context, tx *sql.Tx, t *Tool, version int64, source, actor string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tool_versions (id, tool_id, version, python_code, input_schema, change_source, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, uuid.NewString(), t.ID, version, t.PythonCode, t.InputSchema, source,
		sql.NullString{String: actor, Valid: actor != ""}, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record tool version: %w", err)
	}
	return nil
}

const toolSelect = `
	SELECT id, server_id, name, description, tool_type, python_code, input_schema,
	       enabled, timeout_ms, current_version, approval_status, approved_at,
	       approved_by, external_source_id, external_tool_name, created_at, updated_at
	FROM tools`

func scanTool(row rowScanner) (*Tool, error) {
	t := &Tool{}
	err := row.Scan(&t.ID, &t.ServerID, &t.Name, &t.Description, &t.ToolType,
		&t.PythonCode, &t.InputSchema, &t.Enabled, &t.TimeoutMS, &t.CurrentVersion,
		&t.ApprovalStatus, &t.ApprovedAt, &t.ApprovedBy, &t.ExternalSourceID,
		&t.ExternalToolName, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tool: %w", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func collectTools(rows *sql.Rows) ([]*Tool, error) {
	var out []*Tool
	for rows.Next() {
		t, err := scanTool(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

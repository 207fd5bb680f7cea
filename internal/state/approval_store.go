package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ApprovalStatus is terminal once it leaves pending.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

type Approval struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"session_id"`
	TaskID     string         `json:"task_id,omitempty"`
	Action     string         `json:"action"`
	ToolName   string         `json:"tool_name,omitempty"`
	RiskTags   []string       `json:"risk_tags,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Status     ApprovalStatus `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty"`
}

type ApprovalStore struct {
	db    *sql.DB
	nowFn func() time.Time
}

func NewApprovalStore(db *sql.DB, opts ...StoreOption) *ApprovalStore {
	s := &ApprovalStore{db: db, nowFn: defaultNow}
	for _, opt := range opts {
		opt(&s.nowFn)
	}
	return s
}

func (s *ApprovalStore) Create(ctx context.Context, approval Approval) (Approval, error) {
	if strings.TrimSpace(approval.ID) == "" {
		return Approval{}, fmt.Errorf("approval id is required")
	}
	if strings.TrimSpace(approval.SessionID) == "" {
		return Approval{}, fmt.Errorf("session id is required")
	}
	if approval.Status == "" {
		approval.Status = ApprovalPending
	}
	approval.CreatedAt = s.nowFn()
	tagsJSON, err := encodeJSON(approval.RiskTags)
	if err != nil {
		return Approval{}, fmt.Errorf("encode risk tags: %w", err)
	}
	err = execWithRetry(ctx, s.db, `
		INSERT INTO approvals (id, session_id, task_id, action, tool_name, risk_tags, reason, status, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
	`, approval.ID, approval.SessionID, nullString(approval.TaskID), approval.Action, nullString(approval.ToolName),
		tagsJSON, nullString(approval.Reason), approval.Status, formatTime(approval.CreatedAt))
	if err != nil {
		return Approval{}, fmt.Errorf("insert approval: %w", err)
	}
	return approval, nil
}

func (s *ApprovalStore) GetByID(ctx context.Context, approvalID string) (Approval, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, task_id, action, tool_name, risk_tags, reason, status, created_at, resolved_at
		FROM approvals WHERE id = ?
	`, approvalID)
	approval, err := scanApproval(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Approval{}, false, nil
		}
		return Approval{}, false, fmt.Errorf("load approval: %w", err)
	}
	return approval, true, nil
}

// Update applies mutate in a transaction, retrying on a busy database, and
// returns the updated record, or ok=false when absent.
func (s *ApprovalStore) Update(ctx context.Context, approvalID string, mutate func(*Approval)) (Approval, bool, error) {
	var approval Approval
	var found bool
	err := withTxRetry(ctx, s.db, func(tx *sql.Tx) error {
		approval, found = Approval{}, false
		row := tx.QueryRowContext(ctx, `
			SELECT id, session_id, task_id, action, tool_name, risk_tags, reason, status, created_at, resolved_at
			FROM approvals WHERE id = ?
		`, approvalID)
		current, err := scanApproval(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("load approval for update: %w", err)
		}

		mutate(&current)

		tagsJSON, err := encodeJSON(current.RiskTags)
		if err != nil {
			return fmt.Errorf("encode risk tags: %w", err)
		}
		var resolvedAt any
		if current.ResolvedAt != nil {
			resolvedAt = formatTime(*current.ResolvedAt)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE approvals SET action = ?, tool_name = ?, risk_tags = ?, reason = ?, status = ?, resolved_at = ?
			WHERE id = ?
		`, current.Action, nullString(current.ToolName), tagsJSON, nullString(current.Reason),
			current.Status, resolvedAt, current.ID); err != nil {
			return fmt.Errorf("update approval: %w", err)
		}
		approval, found = current, true
		return nil
	})
	if err != nil {
		return Approval{}, false, err
	}
	return approval, found, nil
}

func (s *ApprovalStore) ListPending(ctx context.Context, sessionID string, limit int) ([]Approval, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, session_id, task_id, action, tool_name, risk_tags, reason, status, created_at, resolved_at
		FROM approvals WHERE status = ?
	`
	args := []any{ApprovalPending}
	if sessionID != "" {
		query += " AND session_id = ?"
		args = append(args, sessionID)
	}
	query += " ORDER BY created_at ASC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	defer rows.Close()

	var out []Approval
	for rows.Next() {
		approval, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		out = append(out, approval)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate approvals: %w", err)
	}
	return out, nil
}

func scanApproval(row rowScanner) (Approval, error) {
	var approval Approval
	var taskID, toolName, tagsStr, reason, resolvedAtStr sql.NullString
	var createdAtStr string
	if err := row.Scan(&approval.ID, &approval.SessionID, &taskID, &approval.Action, &toolName,
		&tagsStr, &reason, &approval.Status, &createdAtStr, &resolvedAtStr); err != nil {
		return Approval{}, err
	}
	approval.TaskID = taskID.String
	approval.ToolName = toolName.String
	approval.RiskTags = decodeJSONStrings(tagsStr.String)
	approval.Reason = reason.String
	approval.CreatedAt = parseTime(createdAtStr)
	if resolvedAtStr.Valid && resolvedAtStr.String != "" {
		t := parseTime(resolvedAtStr.String)
		approval.ResolvedAt = &t
	}
	return approval, nil
}

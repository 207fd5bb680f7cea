package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// AuditEntry is an append-only trail record. Entries are never mutated.
type AuditEntry struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"session_id"`
	TaskID     string         `json:"task_id,omitempty"`
	ApprovalID string         `json:"approval_id,omitempty"`
	Action     string         `json:"action"`
	Detail     map[string]any `json:"detail,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

type AuditStore struct {
	db    *sql.DB
	nowFn func() time.Time
}

func NewAuditStore(db *sql.DB, opts ...StoreOption) *AuditStore {
	s := &AuditStore{db: db, nowFn: defaultNow}
	for _, opt := range opts {
		opt(&s.nowFn)
	}
	return s
}

func (s *AuditStore) Append(ctx context.Context, entry AuditEntry) (AuditEntry, error) {
	if entry.SessionID == "" {
		return AuditEntry{}, fmt.Errorf("session id is required")
	}
	if entry.Action == "" {
		return AuditEntry{}, fmt.Errorf("action is required")
	}
	entry.ID = ulid.Make().String()
	entry.CreatedAt = s.nowFn()
	detailJSON, err := encodeJSON(entry.Detail)
	if err != nil {
		return AuditEntry{}, fmt.Errorf("encode detail: %w", err)
	}
	err = execWithRetry(ctx, s.db, `
		INSERT INTO audit_log (id, session_id, task_id, approval_id, action, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.SessionID, nullString(entry.TaskID), nullString(entry.ApprovalID),
		entry.Action, detailJSON, formatTime(entry.CreatedAt))
	if err != nil {
		return AuditEntry{}, fmt.Errorf("insert audit entry: %w", err)
	}
	return entry, nil
}

func (s *AuditStore) ListRecent(ctx context.Context, sessionID string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, session_id, task_id, approval_id, action, detail, created_at FROM audit_log`
	var args []any
	if sessionID != "" {
		query += " WHERE session_id = ?"
		args = append(args, sessionID)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var entry AuditEntry
		var taskID, approvalID, detailStr sql.NullString
		var createdAtStr string
		if err := rows.Scan(&entry.ID, &entry.SessionID, &taskID, &approvalID, &entry.Action, &detailStr, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entry.TaskID = taskID.String
		entry.ApprovalID = approvalID.String
		entry.Detail = decodeJSONMap(detailStr.String)
		entry.CreatedAt = parseTime(createdAtStr)
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return out, nil
}

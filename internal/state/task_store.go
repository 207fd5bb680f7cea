package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// TaskStatus is the task lifecycle state. Transitions are enforced by the
// orchestrator, not here; the store applies whatever mutation it is handed.
type TaskStatus string

const (
	TaskQueued               TaskStatus = "queued"
	TaskPlanning             TaskStatus = "planning"
	TaskReady                TaskStatus = "ready"
	TaskRunning              TaskStatus = "running"
	TaskAwaitingConfirmation TaskStatus = "awaiting_confirmation"
	TaskCompleted            TaskStatus = "completed"
	TaskFailed               TaskStatus = "failed"
	TaskCancelled            TaskStatus = "cancelled"
)

// IsTerminalTaskStatus reports whether a task can no longer change state.
func IsTerminalTaskStatus(status TaskStatus) bool {
	switch status {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

type Task struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Status    TaskStatus     `json:"status"`
	Prompt    string         `json:"prompt"`
	Title     string         `json:"title,omitempty"`
	ModelID   string         `json:"model_id,omitempty"`
	Provider  string         `json:"provider,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Error     string         `json:"error,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

type TaskFilter struct {
	SessionID string
	Status    TaskStatus
	Limit     int
}

type TaskStore struct {
	db    *sql.DB
	nowFn func() time.Time
}

func NewTaskStore(db *sql.DB, opts ...StoreOption) *TaskStore {
	s := &TaskStore{db: db, nowFn: defaultNow}
	for _, opt := range opts {
		opt(&s.nowFn)
	}
	return s
}

func (s *TaskStore) Create(ctx context.Context, task Task) (Task, error) {
	if strings.TrimSpace(task.ID) == "" {
		return Task{}, fmt.Errorf("task id is required")
	}
	if strings.TrimSpace(task.SessionID) == "" {
		return Task{}, fmt.Errorf("session id is required")
	}
	if task.Status == "" {
		task.Status = TaskQueued
	}
	now := s.nowFn()
	task.CreatedAt = now
	task.UpdatedAt = now
	metadataJSON, err := encodeJSON(task.Metadata)
	if err != nil {
		return Task{}, fmt.Errorf("encode metadata: %w", err)
	}
	err = execWithRetry(ctx, s.db, `
		INSERT INTO tasks (id, session_id, status, prompt, title, model_id, provider, metadata, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.SessionID, task.Status, task.Prompt, nullString(task.Title), nullString(task.ModelID),
		nullString(task.Provider), metadataJSON, nullString(task.Error), formatTime(now), formatTime(now))
	if err != nil {
		return Task{}, fmt.Errorf("insert task: %w", err)
	}
	return task, nil
}

func (s *TaskStore) GetByID(ctx context.Context, taskID string) (Task, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, status, prompt, title, model_id, provider, metadata, error, created_at, updated_at
		FROM tasks WHERE id = ?
	`, taskID)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Task{}, false, nil
		}
		return Task{}, false, fmt.Errorf("load task: %w", err)
	}
	return task, true, nil
}

// Update applies mutate to the current record in a transaction, retrying on
// a busy database, and returns the updated record. Returns ok=false when the
// task is absent. This is the only mutation primitive exposed to the
// orchestrator.
func (s *TaskStore) Update(ctx context.Context, taskID string, mutate func(*Task)) (Task, bool, error) {
	var task Task
	var found bool
	err := withTxRetry(ctx, s.db, func(tx *sql.Tx) error {
		task, found = Task{}, false
		row := tx.QueryRowContext(ctx, `
			SELECT id, session_id, status, prompt, title, model_id, provider, metadata, error, created_at, updated_at
			FROM tasks WHERE id = ?
		`, taskID)
		current, err := scanTask(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("load task for update: %w", err)
		}

		mutate(&current)
		current.UpdatedAt = s.nowFn()

		metadataJSON, err := encodeJSON(current.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, title = ?, model_id = ?, provider = ?, metadata = ?, error = ?, updated_at = ?
			WHERE id = ?
		`, current.Status, nullString(current.Title), nullString(current.ModelID), nullString(current.Provider),
			metadataJSON, nullString(current.Error), formatTime(current.UpdatedAt), current.ID); err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		task, found = current, true
		return nil
	})
	if err != nil {
		return Task{}, false, err
	}
	return task, found, nil
}

func (s *TaskStore) List(ctx context.Context, filter TaskFilter) ([]Task, error) {
	query := `SELECT id, session_id, status, prompt, title, model_id, provider, metadata, error, created_at, updated_at FROM tasks`
	var clauses []string
	var args []any
	if filter.SessionID != "" {
		clauses = append(clauses, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, filter.Status)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC"
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(" LIMIT %d", limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (Task, error) {
	var task Task
	var title, modelID, provider, metadataStr, errStr sql.NullString
	var createdAtStr, updatedAtStr string
	if err := row.Scan(&task.ID, &task.SessionID, &task.Status, &task.Prompt, &title, &modelID,
		&provider, &metadataStr, &errStr, &createdAtStr, &updatedAtStr); err != nil {
		return Task{}, err
	}
	task.Title = title.String
	task.ModelID = modelID.String
	task.Provider = provider.String
	task.Metadata = decodeJSONMap(metadataStr.String)
	task.Error = errStr.String
	task.CreatedAt = parseTime(createdAtStr)
	task.UpdatedAt = parseTime(updatedAtStr)
	return task, nil
}

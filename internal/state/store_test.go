package state

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *TaskStore {
	t.Helper()
	return NewTaskStore(openDB(t))
}

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestTaskStoreCreateAndGet(t *testing.T) {
	tasks := openTestDB(t)
	ctx := context.Background()

	created, err := tasks.Create(ctx, Task{
		ID:        "t1",
		SessionID: "s1",
		Status:    TaskQueued,
		Prompt:    "do a thing",
		Metadata:  map[string]any{"plan": []any{"step one"}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.CreatedAt.IsZero() || created.UpdatedAt.IsZero() {
		t.Fatalf("timestamps not set: %+v", created)
	}

	got, ok, err := tasks.GetByID(ctx, "t1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Prompt != "do a thing" || got.Status != TaskQueued {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.Metadata == nil {
		t.Fatalf("metadata lost on round trip")
	}

	if _, ok, _ := tasks.GetByID(ctx, "missing"); ok {
		t.Fatalf("missing task should not be found")
	}
}

func TestTaskStoreUpdateMutator(t *testing.T) {
	db := openDB(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tasks := NewTaskStore(db, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	if _, err := tasks.Create(ctx, Task{ID: "t1", SessionID: "s1", Status: TaskQueued, Prompt: "p"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	now = now.Add(time.Minute)
	updated, ok, err := tasks.Update(ctx, "t1", func(task *Task) {
		task.Status = TaskRunning
		task.Error = ""
	})
	if err != nil || !ok {
		t.Fatalf("update: ok=%v err=%v", ok, err)
	}
	if updated.Status != TaskRunning {
		t.Fatalf("mutation not applied: %+v", updated)
	}
	if !updated.UpdatedAt.Equal(now) {
		t.Fatalf("updated_at not advanced: %v", updated.UpdatedAt)
	}

	if _, ok, err := tasks.Update(ctx, "missing", func(*Task) {}); err != nil || ok {
		t.Fatalf("updating a missing task should report not found, ok=%v err=%v", ok, err)
	}
}

func TestTaskStoreListFilters(t *testing.T) {
	tasks := openTestDB(t)
	ctx := context.Background()

	seed := []Task{
		{ID: "t1", SessionID: "s1", Status: TaskQueued, Prompt: "a"},
		{ID: "t2", SessionID: "s1", Status: TaskCompleted, Prompt: "b"},
		{ID: "t3", SessionID: "s2", Status: TaskQueued, Prompt: "c"},
	}
	for _, task := range seed {
		if _, err := tasks.Create(ctx, task); err != nil {
			t.Fatalf("create %s: %v", task.ID, err)
		}
	}

	bySession, err := tasks.List(ctx, TaskFilter{SessionID: "s1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(bySession) != 2 {
		t.Fatalf("expected 2 tasks for s1, got %d", len(bySession))
	}

	byStatus, err := tasks.List(ctx, TaskFilter{SessionID: "s1", Status: TaskCompleted})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(byStatus) != 1 || byStatus[0].ID != "t2" {
		t.Fatalf("status filter broken: %+v", byStatus)
	}

	limited, err := tasks.List(ctx, TaskFilter{Limit: 1})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("limit ignored, got %d", len(limited))
	}
}

func TestApprovalStoreLifecycle(t *testing.T) {
	db := openDB(t)
	approvals := NewApprovalStore(db)
	ctx := context.Background()

	created, err := approvals.Create(ctx, Approval{
		ID:        "appr-1",
		SessionID: "s1",
		TaskID:    "t1",
		Action:    "delete 3 drafts",
		ToolName:  "mail_delete",
		RiskTags:  []string{"delete", "batch"},
		Status:    ApprovalPending,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Status != ApprovalPending {
		t.Fatalf("expected pending, got %s", created.Status)
	}

	pending, err := approvals.ListPending(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "appr-1" {
		t.Fatalf("pending list wrong: %+v", pending)
	}
	if len(pending[0].RiskTags) != 2 {
		t.Fatalf("risk tags lost on round trip: %+v", pending[0])
	}

	resolvedAt := time.Now().UTC()
	resolved, ok, err := approvals.Update(ctx, "appr-1", func(a *Approval) {
		a.Status = ApprovalApproved
		a.ResolvedAt = &resolvedAt
	})
	if err != nil || !ok {
		t.Fatalf("update: ok=%v err=%v", ok, err)
	}
	if resolved.Status != ApprovalApproved || resolved.ResolvedAt == nil {
		t.Fatalf("resolution not persisted: %+v", resolved)
	}

	pending, err = approvals.ListPending(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("resolved approval still pending")
	}
}

func TestSessionStoreGetOrCreateAndUpdate(t *testing.T) {
	db := openDB(t)
	sessions := NewSessionStore(db)
	ctx := context.Background()

	first, err := sessions.GetOrCreate(ctx, "s1", Session{Mode: "default", ModelID: "m1"})
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if first.ID != "s1" || first.Mode != "default" {
		t.Fatalf("defaults not applied: %+v", first)
	}

	again, err := sessions.GetOrCreate(ctx, "s1", Session{Mode: "other"})
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if again.Mode != "default" {
		t.Fatalf("existing session overwritten: %+v", again)
	}

	updated, ok, err := sessions.Update(ctx, "s1", func(s *Session) {
		s.Mode = "focused"
		s.Usage = map[string]any{"total_tokens": float64(120)}
	})
	if err != nil || !ok {
		t.Fatalf("update: ok=%v err=%v", ok, err)
	}
	if updated.Mode != "focused" || updated.Usage == nil {
		t.Fatalf("update not persisted: %+v", updated)
	}

	got, ok, err := sessions.GetByID(ctx, "s1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Usage["total_tokens"] != float64(120) {
		t.Fatalf("usage lost on round trip: %+v", got.Usage)
	}
}

func TestAuditStoreAppendAndListRecent(t *testing.T) {
	db := openDB(t)
	audit := NewAuditStore(db)
	ctx := context.Background()

	for _, action := range []string{"approval_requested", "approval_resolved"} {
		if _, err := audit.Append(ctx, AuditEntry{
			SessionID:  "s1",
			TaskID:     "t1",
			ApprovalID: "appr-1",
			Action:     action,
		}); err != nil {
			t.Fatalf("append %s: %v", action, err)
		}
	}
	if _, err := audit.Append(ctx, AuditEntry{SessionID: "s2", Action: "approval_requested"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	entries, err := audit.ListRecent(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries for s1, got %d", len(entries))
	}
	// Newest first.
	if entries[0].Action != "approval_resolved" {
		t.Fatalf("expected newest first, got %s", entries[0].Action)
	}

	if _, err := audit.Append(ctx, AuditEntry{Action: "x"}); err == nil {
		t.Fatalf("append without session should fail")
	}
}

// TestUpdatesSurviveConcurrentWriters hammers one database from several
// goroutines the way the orchestrator's write queue and the approval
// coordinator do in production. Busy retries must absorb the contention.
func TestUpdatesSurviveConcurrentWriters(t *testing.T) {
	db := openDB(t)
	tasks := NewTaskStore(db)
	sessions := NewSessionStore(db)
	approvals := NewApprovalStore(db)
	ctx := context.Background()

	if _, err := sessions.Create(ctx, Session{ID: "s1"}); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("a%d", i)
		if _, err := approvals.Create(ctx, Approval{ID: id, SessionID: "s1", Action: "tool_use"}); err != nil {
			t.Fatalf("seed approval: %v", err)
		}
	}

	errCh := make(chan error, 64)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 30; i++ {
			if _, err := tasks.Create(ctx, Task{ID: fmt.Sprintf("t%d", i), SessionID: "s1", Prompt: "p"}); err != nil {
				errCh <- err
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 30; i++ {
			if _, _, err := sessions.Update(ctx, "s1", func(s *Session) {
				s.Usage = map[string]any{"total_tokens": float64(i)}
			}); err != nil {
				errCh <- err
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		now := time.Now().UTC()
		for i := 0; i < 10; i++ {
			id := fmt.Sprintf("a%d", i)
			if _, ok, err := approvals.Update(ctx, id, func(a *Approval) {
				a.Status = ApprovalApproved
				a.ResolvedAt = &now
			}); err != nil || !ok {
				errCh <- fmt.Errorf("resolve %s: ok=%v err=%v", id, ok, err)
			}
		}
	}()

	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Errorf("concurrent update failed: %v", err)
	}

	pending, err := approvals.ListPending(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected all approvals resolved, %d still pending", len(pending))
	}
}

package orchestrator

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/coworklabs/coworkd/internal/hub"
	"github.com/coworklabs/coworkd/internal/schema"
	"github.com/coworklabs/coworkd/internal/state"
	"github.com/coworklabs/coworkd/internal/testutil"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *hub.Hub, *state.SessionStore, func()) {
	t.Helper()
	db, closeFn := testutil.OpenTestDB(t)
	tasks := state.NewTaskStore(db)
	sessions := state.NewSessionStore(db)
	h := hub.New()
	o := New(tasks, sessions, h, slog.Default())
	return o, h, sessions, func() {
		o.Close()
		closeFn()
	}
}

func mustCreateTask(t *testing.T, o *Orchestrator, sessionID, taskID string) state.Task {
	t.Helper()
	task, err := o.CreateTask(context.Background(), state.Task{
		ID:        taskID,
		SessionID: sessionID,
		Prompt:    "do the thing",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func nextEvent(t *testing.T, ch <-chan hub.Event) hub.Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for event")
		return hub.Event{}
	}
}

func expectNoEvent(t *testing.T, ch <-chan hub.Event) {
	t.Helper()
	select {
	case evt := <-ch:
		t.Fatalf("unexpected event %s", evt.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCreateTaskPublishesCreated(t *testing.T) {
	o, h, _, closeFn := newTestOrchestrator(t)
	defer closeFn()

	events, cancel := h.Subscribe("s1")
	defer cancel()

	task := mustCreateTask(t, o, "s1", "t1")
	if task.Status != state.TaskQueued {
		t.Fatalf("expected queued, got %s", task.Status)
	}

	evt := nextEvent(t, events)
	if evt.Type != schema.EventTaskCreated {
		t.Fatalf("expected task.created, got %s", evt.Type)
	}
	if schema.GetString(evt.Data, "task_id") != "t1" {
		t.Fatalf("expected task id in payload")
	}
}

func TestUpdateTaskStatusGuardDropsStaleTransitions(t *testing.T) {
	o, h, _, closeFn := newTestOrchestrator(t)
	defer closeFn()
	ctx := context.Background()

	mustCreateTask(t, o, "s1", "t1")
	if _, changed, err := o.UpdateTaskStatus(ctx, "t1", state.TaskCompleted); err != nil || !changed {
		t.Fatalf("expected unguarded completion to apply: changed=%v err=%v", changed, err)
	}

	events, cancel := h.Subscribe("s1")
	defer cancel()

	// running is not allowed from completed; the update is silently dropped.
	task, changed, err := o.UpdateTaskStatus(ctx, "t1", state.TaskRunning,
		state.TaskQueued, state.TaskPlanning, state.TaskReady)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if changed {
		t.Fatalf("expected stale transition dropped")
	}
	if task.Status != state.TaskCompleted {
		t.Fatalf("expected status preserved, got %s", task.Status)
	}
	expectNoEvent(t, events)
}

func TestHandleTaskEventRunningIsIdempotent(t *testing.T) {
	o, h, _, closeFn := newTestOrchestrator(t)
	defer closeFn()
	ctx := context.Background()

	mustCreateTask(t, o, "s1", "t1")
	events, cancel := h.Subscribe("s1")
	defer cancel()

	o.HandleTaskEvent(ctx, "s1", TaskEvent{Type: schema.TaskSignalRunning, TaskID: "t1"})
	evt := nextEvent(t, events)
	if evt.Type != schema.EventTaskUpdated || schema.GetString(evt.Data, "status") != "running" {
		t.Fatalf("expected running task.updated, got %s %v", evt.Type, evt.Data)
	}

	// A second identical signal changes nothing and republishes nothing.
	o.HandleTaskEvent(ctx, "s1", TaskEvent{Type: schema.TaskSignalRunning, TaskID: "t1"})
	expectNoEvent(t, events)
}

func TestHandleTaskEventFailedRecordsError(t *testing.T) {
	o, _, _, closeFn := newTestOrchestrator(t)
	defer closeFn()
	ctx := context.Background()

	mustCreateTask(t, o, "s1", "t1")
	o.HandleTaskEvent(ctx, "s1", TaskEvent{
		Type:    schema.TaskSignalFailed,
		TaskID:  "t1",
		Payload: map[string]any{"error": "provider exploded"},
	})

	task, ok, err := o.GetTask(ctx, "t1")
	if err != nil || !ok {
		t.Fatalf("get task: %v ok=%v", err, ok)
	}
	if task.Status != state.TaskFailed || task.Error != "provider exploded" {
		t.Fatalf("expected failed with error, got %s %q", task.Status, task.Error)
	}
}

func TestHandleTaskEventCompletedEmitsArtifacts(t *testing.T) {
	o, h, _, closeFn := newTestOrchestrator(t)
	defer closeFn()
	ctx := context.Background()

	mustCreateTask(t, o, "s1", "t1")
	o.HandleAgentEvent(ctx, "s1", "t1", AgentEvent{
		Type:    schema.SignalPlanCreated,
		Payload: map[string]any{"plan": map[string]any{"steps": []any{"a", "b"}}},
	})

	events, cancel := h.Subscribe("s1")
	defer cancel()

	o.HandleTaskEvent(ctx, "s1", TaskEvent{Type: schema.TaskSignalCompleted, TaskID: "t1"})

	var sawUpdated, sawArtifact bool
	for i := 0; i < 2; i++ {
		evt := nextEvent(t, events)
		switch evt.Type {
		case schema.EventTaskUpdated:
			sawUpdated = true
		case schema.EventArtifact:
			sawArtifact = true
		}
	}
	if !sawUpdated || !sawArtifact {
		t.Fatalf("expected task.updated and task.artifact, got updated=%v artifact=%v", sawUpdated, sawArtifact)
	}
}

func TestHandleAgentEventConfirmationFlow(t *testing.T) {
	o, h, _, closeFn := newTestOrchestrator(t)
	defer closeFn()
	ctx := context.Background()

	mustCreateTask(t, o, "s1", "t1")
	o.HandleTaskEvent(ctx, "s1", TaskEvent{Type: schema.TaskSignalRunning, TaskID: "t1"})

	events, cancel := h.Subscribe("s1")
	defer cancel()

	o.HandleAgentEvent(ctx, "s1", "t1", AgentEvent{Type: schema.SignalConfirmationRequired})
	evt := nextEvent(t, events)
	if schema.GetString(evt.Data, "status") != "awaiting_confirmation" {
		t.Fatalf("expected awaiting_confirmation, got %v", evt.Data)
	}

	o.HandleAgentEvent(ctx, "s1", "t1", AgentEvent{Type: schema.SignalConfirmationReceived})
	evt = nextEvent(t, events)
	if schema.GetString(evt.Data, "status") != "running" {
		t.Fatalf("expected running, got %v", evt.Data)
	}
}

func TestConfirmationRequiredNeverLeavesTerminalState(t *testing.T) {
	o, h, _, closeFn := newTestOrchestrator(t)
	defer closeFn()
	ctx := context.Background()

	mustCreateTask(t, o, "s1", "t1")
	o.HandleTaskEvent(ctx, "s1", TaskEvent{Type: schema.TaskSignalCancelled, TaskID: "t1"})

	events, cancel := h.Subscribe("s1")
	defer cancel()

	o.HandleAgentEvent(ctx, "s1", "t1", AgentEvent{Type: schema.SignalConfirmationRequired})
	expectNoEvent(t, events)

	task, _, _ := o.GetTask(ctx, "t1")
	if task.Status != state.TaskCancelled {
		t.Fatalf("expected cancelled preserved, got %s", task.Status)
	}
}

func TestPlanCreatedMovesTaskToPlanning(t *testing.T) {
	o, h, _, closeFn := newTestOrchestrator(t)
	defer closeFn()
	ctx := context.Background()

	mustCreateTask(t, o, "s1", "t1")
	events, cancel := h.Subscribe("s1")
	defer cancel()

	o.HandleAgentEvent(ctx, "s1", "t1", AgentEvent{
		Type:    schema.SignalPlanCreated,
		Payload: map[string]any{"plan": map[string]any{"steps": []any{"survey"}}},
	})

	var types []string
	for i := 0; i < 3; i++ {
		types = append(types, nextEvent(t, events).Type)
	}
	want := map[string]bool{
		schema.EventTaskUpdated: false,
		schema.EventPlanCreated: false,
		schema.EventArtifact:    false,
	}
	for _, typ := range types {
		want[typ] = true
	}
	for typ, seen := range want {
		if !seen {
			t.Fatalf("missing event %s in %v", typ, types)
		}
	}

	task, _, _ := o.GetTask(ctx, "t1")
	if task.Status != state.TaskPlanning {
		t.Fatalf("expected planning, got %s", task.Status)
	}
	if schema.GetMap(task.Metadata, "plan") == nil {
		t.Fatalf("expected plan persisted in metadata")
	}
}

func TestPlanCreatedDroppedFromRunning(t *testing.T) {
	o, h, _, closeFn := newTestOrchestrator(t)
	defer closeFn()
	ctx := context.Background()

	mustCreateTask(t, o, "s1", "t1")
	o.HandleTaskEvent(ctx, "s1", TaskEvent{Type: schema.TaskSignalRunning, TaskID: "t1"})

	events, cancel := h.Subscribe("s1")
	defer cancel()

	o.HandleAgentEvent(ctx, "s1", "t1", AgentEvent{
		Type:    schema.SignalPlanCreated,
		Payload: map[string]any{"plan": map[string]any{"steps": []any{"late"}}},
	})
	expectNoEvent(t, events)
}

func TestUsageUpdateMergesSessionAndTaskCounters(t *testing.T) {
	o, h, sessions, closeFn := newTestOrchestrator(t)
	defer closeFn()
	ctx := context.Background()

	if _, err := sessions.Create(ctx, state.Session{ID: "s1"}); err != nil {
		t.Fatalf("create session: %v", err)
	}
	mustCreateTask(t, o, "s1", "t1")

	events, cancel := h.Subscribe("s1")
	defer cancel()

	for i := 0; i < 2; i++ {
		o.HandleAgentEvent(ctx, "s1", "t1", AgentEvent{
			Type:    schema.SignalUsageUpdate,
			Payload: map[string]any{"input_tokens": 100, "output_tokens": 50},
		})
		nextEvent(t, events)
	}

	session, ok, err := sessions.GetByID(ctx, "s1")
	if err != nil || !ok {
		t.Fatalf("get session: %v ok=%v", err, ok)
	}
	total := schema.UsageFromPayload(session.Usage)
	if total.InputTokens != 200 || total.OutputTokens != 100 || total.TotalTokens != 300 {
		t.Fatalf("unexpected session totals: %+v", total)
	}

	task, _, _ := o.GetTask(ctx, "t1")
	taskTotal := schema.UsageFromPayload(schema.GetMap(task.Metadata, "usage"))
	if taskTotal.TotalTokens != 300 {
		t.Fatalf("unexpected task totals: %+v", taskTotal)
	}
	if _, ok := task.Metadata["cost"]; !ok {
		t.Fatalf("expected cost recorded on task")
	}
}

func TestMalformedPayloadsAreIgnored(t *testing.T) {
	o, h, _, closeFn := newTestOrchestrator(t)
	defer closeFn()
	ctx := context.Background()

	mustCreateTask(t, o, "s1", "t1")
	events, cancel := h.Subscribe("s1")
	defer cancel()

	// plan:created without a plan map, usage without counters, and an
	// unknown signal type all drop without panicking or publishing.
	o.HandleAgentEvent(ctx, "s1", "t1", AgentEvent{Type: schema.SignalPlanCreated, Payload: map[string]any{"plan": "not-a-map"}})
	o.HandleAgentEvent(ctx, "s1", "t1", AgentEvent{Type: schema.SignalUsageUpdate, Payload: map[string]any{"input_tokens": "many"}})
	o.HandleAgentEvent(ctx, "s1", "t1", AgentEvent{Type: "mystery:signal"})
	o.HandleTaskEvent(ctx, "s1", TaskEvent{Type: schema.TaskSignalRunning})

	expectNoEvent(t, events)
}

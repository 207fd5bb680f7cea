package orchestrator

import (
	"context"
	"strings"

	"github.com/coworklabs/coworkd/internal/schema"
	"github.com/coworklabs/coworkd/internal/state"
)

// LiveStatuses is the allow-list for transitions that may land from any
// still-live state.
var LiveStatuses = []state.TaskStatus{
	state.TaskQueued,
	state.TaskPlanning,
	state.TaskReady,
	state.TaskRunning,
	state.TaskAwaitingConfirmation,
}

// HandleTaskEvent dispatches a coarse lifecycle signal to a guarded status
// update. Unknown or malformed signals are dropped; handlers never return
// an error upward because a stale signal is not a fault.
func (o *Orchestrator) HandleTaskEvent(ctx context.Context, sessionID string, evt TaskEvent) {
	if strings.TrimSpace(evt.TaskID) == "" {
		return
	}
	switch evt.Type {
	case schema.TaskSignalQueued:
		// Tasks are created queued; a late queued signal is a no-op.
		_, _, _ = o.UpdateTaskStatus(ctx, evt.TaskID, state.TaskQueued, state.TaskQueued)
	case schema.TaskSignalRunning:
		_, _, _ = o.UpdateTaskStatus(ctx, evt.TaskID, state.TaskRunning,
			state.TaskQueued, state.TaskPlanning, state.TaskReady, state.TaskAwaitingConfirmation)
	case schema.TaskSignalCompleted:
		_, changed, err := o.UpdateTaskStatus(ctx, evt.TaskID, state.TaskCompleted, LiveStatuses...)
		if err != nil {
			o.logger.Warn("complete task failed", "task_id", evt.TaskID, "error", err)
			return
		}
		if changed {
			o.publishCompletionArtifacts(ctx, sessionID, evt.TaskID)
		}
	case schema.TaskSignalFailed:
		reason := schema.GetString(evt.Payload, "error")
		_, _, err := o.applyTaskUpdate(ctx, evt.TaskID, state.TaskFailed, LiveStatuses, func(t *state.Task) {
			t.Error = reason
		})
		if err != nil {
			o.logger.Warn("fail task failed", "task_id", evt.TaskID, "error", err)
		}
	case schema.TaskSignalCancelled:
		_, _, _ = o.UpdateTaskStatus(ctx, evt.TaskID, state.TaskCancelled, LiveStatuses...)
	default:
		o.logger.Debug("unknown task signal", "type", evt.Type, "task_id", evt.TaskID)
	}
}

func (o *Orchestrator) publishCompletionArtifacts(ctx context.Context, sessionID, taskID string) {
	task, ok, err := o.tasks.GetByID(ctx, taskID)
	if err != nil || !ok {
		return
	}
	artifacts, err := o.artifacts.CompletionArtifacts(ctx, task)
	if err != nil {
		o.logger.Warn("artifact generation failed", "task_id", taskID, "error", err)
		return
	}
	for _, artifact := range artifacts {
		o.hub.Publish(sessionID, schema.EventArtifact, artifact.Payload())
	}
}

// HandleAgentEvent dispatches a fine-grained agent signal. activeTaskID
// names the session's current task; signals carrying their own task id win.
// Malformed payloads are ignored defensively.
func (o *Orchestrator) HandleAgentEvent(ctx context.Context, sessionID, activeTaskID string, evt AgentEvent) {
	taskID := evt.TaskID
	if taskID == "" {
		taskID = activeTaskID
	}

	switch evt.Type {
	case schema.SignalThinking:
		o.hub.Publish(sessionID, schema.EventAgentThinking, map[string]any{
			"task_id": taskID,
			"text":    schema.GetString(evt.Payload, "text"),
		})

	case schema.SignalToolCalling:
		tool := schema.GetString(evt.Payload, "tool")
		o.hub.Publish(sessionID, schema.EventToolCalling, map[string]any{
			"task_id":  taskID,
			"tool":     tool,
			"activity": activityLabel(tool, "calling"),
		})

	case schema.SignalToolResult:
		tool := schema.GetString(evt.Payload, "tool")
		payload := map[string]any{
			"task_id":  taskID,
			"tool":     tool,
			"activity": activityLabel(tool, "finished"),
		}
		if errMsg := schema.GetString(evt.Payload, "error"); errMsg != "" {
			payload["error"] = errMsg
		}
		if duration, ok := schema.GetNumber(evt.Payload, "duration_ms"); ok {
			payload["duration_ms"] = duration
		}
		o.hub.Publish(sessionID, schema.EventToolResult, payload)

	case schema.SignalUsageUpdate:
		o.handleUsageUpdate(ctx, sessionID, taskID, evt.Payload)

	case schema.SignalPlanCreated:
		o.handlePlanCreated(ctx, sessionID, taskID, evt.Payload)

	case schema.SignalConfirmationRequired:
		_, _, _ = o.UpdateTaskStatus(ctx, taskID, state.TaskAwaitingConfirmation, LiveStatuses...)

	case schema.SignalConfirmationReceived:
		_, _, _ = o.UpdateTaskStatus(ctx, taskID, state.TaskRunning, state.TaskAwaitingConfirmation)

	case schema.SignalError:
		reason := schema.GetString(evt.Payload, "error")
		_, _, err := o.applyTaskUpdate(ctx, taskID, state.TaskFailed, LiveStatuses, func(t *state.Task) {
			t.Error = reason
		})
		if err != nil {
			o.logger.Warn("mark task failed", "task_id", taskID, "error", err)
		}

	default:
		o.logger.Debug("unknown agent signal", "type", evt.Type, "task_id", taskID)
	}
}

func (o *Orchestrator) handleUsageUpdate(ctx context.Context, sessionID, taskID string, payload map[string]any) {
	delta := schema.UsageFromPayload(payload)
	if delta == (schema.Usage{}) {
		return
	}

	var sessionTotal schema.Usage
	o.submit(func() {
		session, ok, err := o.sessions.Update(ctx, sessionID, func(s *state.Session) {
			total := schema.UsageFromPayload(s.Usage)
			total.Add(delta)
			s.Usage = total.ToPayload()
		})
		if err != nil || !ok {
			return
		}
		sessionTotal = schema.UsageFromPayload(session.Usage)

		if taskID != "" {
			_, _, _ = o.tasks.Update(ctx, taskID, func(t *state.Task) {
				if t.Metadata == nil {
					t.Metadata = map[string]any{}
				}
				total := schema.UsageFromPayload(schema.GetMap(t.Metadata, "usage"))
				total.Add(delta)
				t.Metadata["usage"] = total.ToPayload()
				t.Metadata["cost"] = o.costs.Cost(t.ModelID, total)
			})
		}
	})

	eventPayload := sessionTotal.ToPayload()
	eventPayload["task_id"] = taskID
	o.hub.Publish(sessionID, schema.EventUsageUpdated, eventPayload)
}

func (o *Orchestrator) handlePlanCreated(ctx context.Context, sessionID, taskID string, payload map[string]any) {
	plan := schema.GetMap(payload, "plan")
	if plan == nil {
		return
	}

	task, _, err := o.applyTaskUpdate(ctx, taskID, state.TaskPlanning,
		[]state.TaskStatus{state.TaskQueued, state.TaskPlanning, state.TaskReady},
		func(t *state.Task) {
			if t.Metadata == nil {
				t.Metadata = map[string]any{}
			}
			t.Metadata["plan"] = plan
		})
	if err != nil {
		o.logger.Warn("persist plan", "task_id", taskID, "error", err)
		return
	}
	if task.ID == "" || task.Status != state.TaskPlanning {
		// Task gone or the transition was dropped as stale.
		return
	}

	artifact, err := o.artifacts.PlanArtifact(ctx, task, plan)
	if err != nil {
		o.logger.Warn("plan artifact", "task_id", taskID, "error", err)
		return
	}
	o.hub.Publish(sessionID, schema.EventPlanCreated, map[string]any{
		"task_id": taskID,
		"plan":    plan,
	})
	o.hub.Publish(sessionID, schema.EventArtifact, artifact.Payload())
}

// activityLabel turns "fs.remove" into "fs remove calling" style labels for
// live activity feeds.
func activityLabel(tool, verb string) string {
	tool = strings.TrimSpace(tool)
	if tool == "" {
		return "tool " + verb
	}
	label := strings.NewReplacer(".", " ", "_", " ", "-", " ").Replace(tool)
	return label + " " + verb
}

// Package agent provides the local agent runtime: a deterministic,
// provider-free executor that turns a prompt into a plan of tool steps and
// walks them, emitting the same event streams a model-backed runtime would.
// It is the default runtime wired by the server and the workhorse for
// development and tests.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coworklabs/coworkd/internal/orchestrator"
	"github.com/coworklabs/coworkd/internal/runtime"
	"github.com/coworklabs/coworkd/internal/schema"
)

type step struct {
	Title    string
	Tool     string
	RiskTags []string
}

type taskRun struct {
	done   chan struct{}
	result runtime.TaskResult
}

// Runtime walks prompts step by step on a background goroutine per task.
type Runtime struct {
	sessionID string
	settings  runtime.Settings
	logger    *slog.Logger
	stepDelay time.Duration

	mu        sync.Mutex
	confirm   runtime.ConfirmationHandler
	taskSubs  map[int]func(orchestrator.TaskEvent)
	agentSubs map[int]func(orchestrator.AgentEvent)
	subSeq    int
	runs      map[string]*taskRun
	stopped   chan struct{}
	stopOnce  sync.Once
}

type Option func(*Runtime)

// WithStepDelay sets the pause between plan steps.
func WithStepDelay(d time.Duration) Option {
	return func(r *Runtime) { r.stepDelay = d }
}

func New(sessionID string, settings runtime.Settings, logger *slog.Logger, opts ...Option) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runtime{
		sessionID: sessionID,
		settings:  settings,
		logger:    logger.With("component", "agent", "session", sessionID),
		stepDelay: 2 * time.Millisecond,
		taskSubs:  make(map[int]func(orchestrator.TaskEvent)),
		agentSubs: make(map[int]func(orchestrator.AgentEvent)),
		runs:      make(map[string]*taskRun),
		stopped:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Factory adapts the local runtime to the manager's construction hook.
func Factory(logger *slog.Logger, opts ...Option) runtime.Factory {
	return func(ctx context.Context, sessionID string, settings runtime.Settings) (runtime.AgentRuntime, error) {
		return New(sessionID, settings, logger, opts...), nil
	}
}

func (r *Runtime) EnqueueTask(ctx context.Context, taskID, prompt, title string) error {
	select {
	case <-r.stopped:
		return fmt.Errorf("agent runtime for session %s is closed", r.sessionID)
	default:
	}

	run := &taskRun{done: make(chan struct{})}
	r.mu.Lock()
	r.runs[taskID] = run
	r.mu.Unlock()

	go r.execute(taskID, prompt, run)
	return nil
}

func (r *Runtime) WaitForTask(ctx context.Context, taskID string) (runtime.TaskResult, error) {
	r.mu.Lock()
	run, ok := r.runs[taskID]
	r.mu.Unlock()
	if !ok {
		return runtime.TaskResult{}, fmt.Errorf("unknown task %s", taskID)
	}
	select {
	case <-run.done:
		return run.result, nil
	case <-ctx.Done():
		return runtime.TaskResult{}, ctx.Err()
	}
}

func (r *Runtime) OnTaskEvents(handler func(orchestrator.TaskEvent)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subSeq++
	id := r.subSeq
	r.taskSubs[id] = handler
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.taskSubs, id)
	}
}

func (r *Runtime) OnAgentEvents(handler func(orchestrator.AgentEvent)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subSeq++
	id := r.subSeq
	r.agentSubs[id] = handler
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.agentSubs, id)
	}
}

func (r *Runtime) SetConfirmationHandler(fn runtime.ConfirmationHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.confirm = fn
}

func (r *Runtime) Close() {
	r.stopOnce.Do(func() { close(r.stopped) })
}

func (r *Runtime) execute(taskID, prompt string, run *taskRun) {
	defer close(run.done)

	steps := buildPlan(prompt)
	r.emitAgent(orchestrator.AgentEvent{
		Type:   schema.SignalPlanCreated,
		TaskID: taskID,
		// The orchestrator persists the nested "plan" map to task metadata.
		Payload: map[string]any{"plan": map[string]any{"steps": stepTitles(steps)}},
	})
	r.emitTask(orchestrator.TaskEvent{Type: schema.TaskSignalRunning, TaskID: taskID})

	promptTokens := int64(len(prompt)/4 + 16)
	for i, st := range steps {
		if r.isStopped() {
			r.finish(taskID, run, runtime.TaskResult{TaskID: taskID, Status: "cancelled"},
				orchestrator.TaskEvent{Type: schema.TaskSignalCancelled, TaskID: taskID})
			return
		}

		r.emitAgent(orchestrator.AgentEvent{
			Type:    schema.SignalThinking,
			TaskID:  taskID,
			Payload: map[string]any{"text": fmt.Sprintf("step %d of %d: %s", i+1, len(steps), st.Title)},
		})

		if len(st.RiskTags) > 0 {
			if !r.askConfirmation(taskID, st) {
				r.emitAgent(orchestrator.AgentEvent{
					Type:    schema.SignalError,
					TaskID:  taskID,
					Payload: map[string]any{"error": fmt.Sprintf("step %q was not approved", st.Title)},
				})
				r.finish(taskID, run, runtime.TaskResult{
					TaskID: taskID,
					Status: "failed",
					Err:    fmt.Errorf("step %q was not approved", st.Title),
				}, orchestrator.TaskEvent{
					Type:    schema.TaskSignalFailed,
					TaskID:  taskID,
					Payload: map[string]any{"error": fmt.Sprintf("step %q was not approved", st.Title)},
				})
				return
			}
		}

		started := time.Now()
		r.emitAgent(orchestrator.AgentEvent{
			Type:    schema.SignalToolCalling,
			TaskID:  taskID,
			Payload: map[string]any{"tool": st.Tool},
		})
		time.Sleep(r.stepDelay)
		r.emitAgent(orchestrator.AgentEvent{
			Type:   schema.SignalToolResult,
			TaskID: taskID,
			Payload: map[string]any{
				"tool":        st.Tool,
				"duration_ms": float64(time.Since(started).Milliseconds()),
			},
		})

		// Each update is a delta; the orchestrator accumulates. The prompt
		// tokens are charged once, with the first step.
		delta := schema.Usage{OutputTokens: int64(24 + len(st.Title))}
		if i == 0 {
			delta.InputTokens = promptTokens
		}
		r.emitAgent(orchestrator.AgentEvent{
			Type:    schema.SignalUsageUpdate,
			TaskID:  taskID,
			Payload: usagePayload(delta),
		})
	}

	output := map[string]any{
		"summary": fmt.Sprintf("completed %d steps", len(steps)),
		"steps":   stepTitles(steps),
	}
	r.finish(taskID, run, runtime.TaskResult{TaskID: taskID, Status: "completed", Output: output},
		orchestrator.TaskEvent{Type: schema.TaskSignalCompleted, TaskID: taskID, Payload: output})
}

func (r *Runtime) finish(taskID string, run *taskRun, result runtime.TaskResult, evt orchestrator.TaskEvent) {
	r.mu.Lock()
	run.result = result
	r.mu.Unlock()
	r.emitTask(evt)
}

func (r *Runtime) askConfirmation(taskID string, st step) bool {
	r.mu.Lock()
	fn := r.confirm
	r.mu.Unlock()
	if fn == nil {
		// No gate installed: risky steps fail closed.
		return false
	}
	return fn(context.Background(), runtime.ConfirmationRequest{
		TaskID:      taskID,
		Description: st.Title,
		ToolName:    st.Tool,
		RiskTags:    st.RiskTags,
		Reason:      fmt.Sprintf("tool %s performs a guarded action", st.Tool),
	})
}

func (r *Runtime) isStopped() bool {
	select {
	case <-r.stopped:
		return true
	default:
		return false
	}
}

func (r *Runtime) emitTask(evt orchestrator.TaskEvent) {
	r.mu.Lock()
	subs := make([]func(orchestrator.TaskEvent), 0, len(r.taskSubs))
	for _, fn := range r.taskSubs {
		subs = append(subs, fn)
	}
	r.mu.Unlock()
	for _, fn := range subs {
		fn(evt)
	}
}

func (r *Runtime) emitAgent(evt orchestrator.AgentEvent) {
	r.mu.Lock()
	subs := make([]func(orchestrator.AgentEvent), 0, len(r.agentSubs))
	for _, fn := range r.agentSubs {
		subs = append(subs, fn)
	}
	r.mu.Unlock()
	for _, fn := range subs {
		fn(evt)
	}
}

func usagePayload(u schema.Usage) map[string]any {
	return map[string]any{
		"input_tokens":  float64(u.InputTokens),
		"output_tokens": float64(u.OutputTokens),
	}
}

func stepTitles(steps []step) []string {
	titles := make([]string, len(steps))
	for i, st := range steps {
		titles[i] = st.Title
	}
	return titles
}

// verbTools maps a leading verb to the tool a step will report and the risk
// tags that gate it. Unlisted verbs run as ungated workspace notes.
var verbTools = map[string]struct {
	tool string
	tags []string
}{
	"summarize": {tool: "notes_summarize"},
	"draft":     {tool: "mail_draft"},
	"read":      {tool: "mail_read"},
	"list":      {tool: "workspace_list"},
	"search":    {tool: "web_search", tags: []string{"network"}},
	"fetch":     {tool: "web_fetch", tags: []string{"network"}},
	"send":      {tool: "mail_send", tags: []string{"network"}},
	"sync":      {tool: "connector_sync", tags: []string{"connector", "network"}},
	"delete":    {tool: "workspace_delete", tags: []string{"delete"}},
	"remove":    {tool: "workspace_delete", tags: []string{"delete"}},
	"purge":     {tool: "workspace_delete", tags: []string{"delete", "batch"}},
	"overwrite": {tool: "workspace_write", tags: []string{"overwrite"}},
	"replace":   {tool: "workspace_write", tags: []string{"overwrite"}},
}

// buildPlan splits a prompt into sequential steps on clause boundaries and
// assigns each a tool by its leading verb.
func buildPlan(prompt string) []step {
	clauses := splitClauses(prompt)
	if len(clauses) == 0 {
		clauses = []string{prompt}
	}
	steps := make([]step, 0, len(clauses))
	for _, clause := range clauses {
		verb := leadingVerb(clause)
		spec, ok := verbTools[verb]
		if !ok {
			spec.tool = "workspace_note"
		}
		steps = append(steps, step{
			Title:    clause,
			Tool:     spec.tool,
			RiskTags: spec.tags,
		})
	}
	return steps
}

func splitClauses(prompt string) []string {
	normalized := prompt
	for _, sep := range []string{" and then ", " then ", " and ", ";", ","} {
		normalized = strings.ReplaceAll(normalized, sep, "\n")
	}
	var clauses []string
	for _, part := range strings.Split(normalized, "\n") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			clauses = append(clauses, trimmed)
		}
	}
	return clauses
}

func leadingVerb(clause string) string {
	fields := strings.Fields(strings.ToLower(clause))
	if len(fields) == 0 {
		return ""
	}
	return strings.Trim(fields[0], ".!?")
}

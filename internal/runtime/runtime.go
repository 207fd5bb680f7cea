// Package runtime owns one live agent runtime per session and presents a
// simple submit/await/resolve surface. Both the runtime's coarse lifecycle
// stream and its fine agent stream funnel into one strictly ordered
// per-session processing queue.
package runtime

import (
	"context"

	"github.com/coworklabs/coworkd/internal/orchestrator"
)

// ConfirmationRequest is a runtime asking whether a gated tool action may
// proceed.
type ConfirmationRequest struct {
	TaskID      string
	Description string
	ToolName    string
	RiskTags    []string
	Reason      string
}

// ConfirmationHandler answers a confirmation request. It may block for as
// long as the approval flow allows; the runtime's step is parked until it
// returns.
type ConfirmationHandler func(ctx context.Context, req ConfirmationRequest) bool

// TaskResult is a runtime's terminal report for one task.
type TaskResult struct {
	TaskID string
	Status string
	Output map[string]any
	Err    error
}

// AgentRuntime is the collaborator contract for a live agent loop. The
// manager never looks inside: it submits prompts, awaits completion, and
// taps the two event streams.
type AgentRuntime interface {
	// EnqueueTask hands the runtime a prompt to execute under taskID. The
	// caller has already persisted the task record, so events for taskID
	// may start immediately. Execution continues in the background.
	EnqueueTask(ctx context.Context, taskID, prompt, title string) error

	// WaitForTask blocks until the runtime finishes the task.
	WaitForTask(ctx context.Context, taskID string) (TaskResult, error)

	// OnTaskEvents registers a listener for coarse lifecycle signals.
	// The returned cancel detaches it and is idempotent.
	OnTaskEvents(handler func(orchestrator.TaskEvent)) (cancel func())

	// OnAgentEvents registers a listener for fine-grained agent signals.
	OnAgentEvents(handler func(orchestrator.AgentEvent)) (cancel func())

	// SetConfirmationHandler installs the gate consulted before risky
	// tool actions.
	SetConfirmationHandler(fn ConfirmationHandler)

	// Close releases the runtime. In-flight work is not cancelled; its
	// events simply stop being observed once listeners detach.
	Close()
}

// Settings resolve how a session's runtime is constructed.
type Settings struct {
	Mode     string
	ModelID  string
	Provider string
}

// Factory constructs a runtime for a session. Provider and model selection
// live behind this boundary.
type Factory func(ctx context.Context, sessionID string, settings Settings) (AgentRuntime, error)

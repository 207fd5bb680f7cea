package schema

// Hub event types published to session subscribers.
const (
	EventTaskCreated      = "task.created"
	EventTaskUpdated      = "task.updated"
	EventArtifact         = "task.artifact"
	EventAgentThinking    = "agent.thinking"
	EventToolCalling      = "tool.calling"
	EventToolResult       = "tool.result"
	EventUsageUpdated     = "usage.updated"
	EventPlanCreated      = "plan.created"
	EventApprovalRequired = "approval.required"
	EventApprovalResolved = "approval.resolved"
)

// Agent signal types emitted by a session runtime on its fine-grained
// stream. The orchestrator translates these into task updates and hub
// events.
const (
	SignalThinking             = "thinking"
	SignalToolCalling          = "tool:calling"
	SignalToolResult           = "tool:result"
	SignalUsageUpdate          = "usage:update"
	SignalPlanCreated          = "plan:created"
	SignalConfirmationRequired = "confirmation:required"
	SignalConfirmationReceived = "confirmation:received"
	SignalError                = "error"
)

// Coarse task lifecycle signal types emitted by a session runtime.
const (
	TaskSignalQueued    = "task.queued"
	TaskSignalRunning   = "task.running"
	TaskSignalCompleted = "task.completed"
	TaskSignalFailed    = "task.failed"
	TaskSignalCancelled = "task.cancelled"
)

// Audit actions recorded by the approval coordinator.
const (
	AuditApprovalRequested = "approval_requested"
	AuditApprovalResolved  = "approval_resolved"
)

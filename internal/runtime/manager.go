package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coworklabs/coworkd/internal/approval"
	"github.com/coworklabs/coworkd/internal/idgen"
	"github.com/coworklabs/coworkd/internal/orchestrator"
	"github.com/coworklabs/coworkd/internal/schema"
	"github.com/coworklabs/coworkd/internal/state"
)

// Phase tracks where a session runtime is in its lifecycle.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseStarting Phase = "starting"
	PhaseRunning  Phase = "running"
	PhaseDraining Phase = "draining"
	PhaseStopped  Phase = "stopped"
)

// ErrNoPrompt is returned when a task submission carries an empty prompt.
var ErrNoPrompt = errors.New("runtime: prompt is required")

// ErrSessionBusy is returned for operations that need an idle session while
// a task is still active.
var ErrSessionBusy = errors.New("runtime: session has an active task")

const eventQueueBuffer = 128

// TaskRequest is a prompt submission against a session.
type TaskRequest struct {
	Prompt  string
	Title   string
	ModelID string
}

type sessionEntry struct {
	sessionID    string
	phase        Phase
	settings     Settings
	runtime      AgentRuntime
	queue        *workQueue
	activeTaskID string
	cancelTask   func()
	cancelAgent  func()
}

// Manager owns the per-session runtime lifecycle: it constructs runtimes on
// demand, funnels their event streams through one serialized queue per
// session, gates risky tool actions through the approval coordinator, and
// tears runtimes down when a session changes shape.
type Manager struct {
	factory  Factory
	orch     *orchestrator.Orchestrator
	sessions *state.SessionStore
	approver *approval.Coordinator
	logger   *slog.Logger
	defaults Settings

	mu           sync.Mutex
	entries      map[string]*sessionEntry
	taskSessions map[string]string
}

func NewManager(factory Factory, orch *orchestrator.Orchestrator, sessions *state.SessionStore, approver *approval.Coordinator, defaults Settings, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if defaults.Mode == "" {
		defaults.Mode = "default"
	}
	return &Manager{
		factory:      factory,
		orch:         orch,
		sessions:     sessions,
		approver:     approver,
		logger:       logger.With("component", "runtime"),
		defaults:     defaults,
		entries:      make(map[string]*sessionEntry),
		taskSessions: make(map[string]string),
	}
}

// StartSessionRuntime ensures a live runtime exists for the session and
// returns its resolved settings. Starting an already-running session is a
// no-op unless the requested model differs and the session is idle, in
// which case the runtime is rebuilt.
func (m *Manager) StartSessionRuntime(ctx context.Context, sessionID string, requested Settings) (Settings, error) {
	entry, err := m.ensureEntry(ctx, sessionID, requested)
	if err != nil {
		return Settings{}, err
	}
	return entry.settings, nil
}

func (m *Manager) ensureEntry(ctx context.Context, sessionID string, requested Settings) (*sessionEntry, error) {
	m.mu.Lock()
	if entry, ok := m.entries[sessionID]; ok {
		if requested.ModelID == "" || requested.ModelID == entry.settings.ModelID {
			m.mu.Unlock()
			return entry, nil
		}
		if entry.activeTaskID != "" {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: cannot switch model mid-task", ErrSessionBusy)
		}
		m.teardownLocked(entry)
	}
	m.mu.Unlock()

	// Store round-trips and the factory run off the lock; only the map
	// publish below is serialized.
	session, err := m.sessions.GetOrCreate(ctx, sessionID, state.Session{
		Mode:     m.defaults.Mode,
		ModelID:  m.defaults.ModelID,
		Provider: m.defaults.Provider,
	})
	if err != nil {
		return nil, fmt.Errorf("resolve session: %w", err)
	}

	settings := Settings{Mode: session.Mode, ModelID: session.ModelID, Provider: session.Provider}
	if settings.Mode == "" {
		settings.Mode = m.defaults.Mode
	}
	if requested.ModelID != "" {
		settings.ModelID = requested.ModelID
	}
	if settings.ModelID == "" {
		settings.ModelID = m.defaults.ModelID
	}
	if requested.Provider != "" {
		settings.Provider = requested.Provider
	}
	if settings.Provider == "" {
		settings.Provider = m.defaults.Provider
	}
	if settings.ModelID != session.ModelID || settings.Provider != session.Provider {
		if _, _, err := m.sessions.Update(ctx, sessionID, func(s *state.Session) {
			s.ModelID = settings.ModelID
			s.Provider = settings.Provider
		}); err != nil {
			return nil, fmt.Errorf("persist session settings: %w", err)
		}
	}

	entry := &sessionEntry{
		sessionID: sessionID,
		phase:     PhaseStarting,
		settings:  settings,
		queue:     newWorkQueue(m.logger.With("session", sessionID), eventQueueBuffer),
	}

	rt, err := m.factory(ctx, sessionID, settings)
	if err != nil {
		entry.queue.close()
		return nil, fmt.Errorf("construct runtime: %w", err)
	}
	entry.runtime = rt

	rt.SetConfirmationHandler(m.confirmationHandler(sessionID))
	entry.cancelTask = rt.OnTaskEvents(func(evt orchestrator.TaskEvent) {
		entry.queue.enqueue(func() {
			m.orch.HandleTaskEvent(context.Background(), sessionID, evt)
			if isTerminalSignal(evt.Type) {
				m.clearActive(sessionID, evt.TaskID)
			}
		})
	})
	entry.cancelAgent = rt.OnAgentEvents(func(evt orchestrator.AgentEvent) {
		entry.queue.enqueue(func() {
			m.orch.HandleAgentEvent(context.Background(), sessionID, m.ActiveTask(sessionID), evt)
		})
	})

	entry.phase = PhaseRunning

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.entries[sessionID]; ok {
		// Lost a concurrent start; keep the winner's runtime.
		entry.cancelTask()
		entry.cancelAgent()
		entry.queue.close()
		rt.Close()
		return existing, nil
	}
	m.entries[sessionID] = entry
	m.logger.Info("session runtime started", "session", sessionID, "model", settings.ModelID, "mode", settings.Mode)
	return entry, nil
}

// confirmationHandler is installed on each runtime. It runs on the
// runtime's goroutine and blocks that task until the approval resolves.
func (m *Manager) confirmationHandler(sessionID string) ConfirmationHandler {
	return func(ctx context.Context, req ConfirmationRequest) bool {
		taskID := req.TaskID
		if taskID == "" {
			taskID = m.ActiveTask(sessionID)
		}
		if taskID != "" {
			m.applyOrdered(sessionID, taskID, state.TaskAwaitingConfirmation, orchestrator.LiveStatuses)
		}
		approved, err := m.approver.RequestApproval(ctx, approval.Request{
			SessionID:   sessionID,
			TaskID:      taskID,
			Description: req.Description,
			ToolName:    req.ToolName,
			RiskTags:    req.RiskTags,
			Reason:      req.Reason,
		})
		if err != nil {
			m.logger.Error("approval request failed", "session", sessionID, "task", taskID, "err", err)
			return false
		}
		if approved && taskID != "" {
			m.applyOrdered(sessionID, taskID, state.TaskRunning, []state.TaskStatus{state.TaskAwaitingConfirmation})
		}
		return approved
	}
}

// applyOrdered funnels a confirmation-driven status change through the
// session's event queue so it lands in order with the runtime's own
// emissions. Falls back to a direct write when the queue is gone.
func (m *Manager) applyOrdered(sessionID, taskID string, status state.TaskStatus, allowedFrom []state.TaskStatus) {
	m.mu.Lock()
	entry, ok := m.entries[sessionID]
	m.mu.Unlock()
	apply := func() {
		_, _, _ = m.orch.UpdateTaskStatus(context.Background(), taskID, status, allowedFrom...)
	}
	if ok && entry.queue.enqueue(apply) {
		return
	}
	apply()
}

// EnqueueTask submits a prompt to the session's runtime and persists the
// task record. It returns immediately; execution continues in the
// background and can be observed via WaitForTask or the event hub.
func (m *Manager) EnqueueTask(ctx context.Context, sessionID string, req TaskRequest) (state.Task, error) {
	if req.Prompt == "" {
		return state.Task{}, ErrNoPrompt
	}
	entry, err := m.ensureEntry(ctx, sessionID, Settings{ModelID: req.ModelID})
	if err != nil {
		return state.Task{}, err
	}

	// The record is persisted and tracked before the runtime sees the
	// task, so even its earliest emissions find an existing row.
	taskID := idgen.NewPrefixed("task")
	task, err := m.orch.CreateTask(ctx, state.Task{
		ID:        taskID,
		SessionID: sessionID,
		Prompt:    req.Prompt,
		Title:     req.Title,
		ModelID:   entry.settings.ModelID,
		Provider:  entry.settings.Provider,
	})
	if err != nil {
		return state.Task{}, err
	}

	m.mu.Lock()
	entry.activeTaskID = taskID
	m.taskSessions[taskID] = sessionID
	m.mu.Unlock()

	if err := entry.runtime.EnqueueTask(ctx, taskID, req.Prompt, req.Title); err != nil {
		m.clearActive(sessionID, taskID)
		_, _, _ = m.orch.UpdateTaskStatus(ctx, taskID, state.TaskFailed, orchestrator.LiveStatuses...)
		return state.Task{}, fmt.Errorf("enqueue task: %w", err)
	}
	return task, nil
}

// WaitForTask blocks until the task finishes and all of its queued events
// have been applied, then returns the settled record. For tasks with no
// live runtime it returns whatever the store holds.
func (m *Manager) WaitForTask(ctx context.Context, taskID string) (state.Task, error) {
	m.mu.Lock()
	sessionID, tracked := m.taskSessions[taskID]
	var entry *sessionEntry
	if tracked {
		entry = m.entries[sessionID]
	}
	m.mu.Unlock()

	if entry != nil {
		if _, err := entry.runtime.WaitForTask(ctx, taskID); err != nil {
			return state.Task{}, fmt.Errorf("wait for task %s: %w", taskID, err)
		}
		// Join behind the terminal event so the returned record reflects it.
		if err := entry.queue.join(ctx); err != nil {
			return state.Task{}, err
		}
	}

	task, ok, err := m.orch.GetTask(ctx, taskID)
	if err != nil {
		return state.Task{}, err
	}
	if !ok {
		return state.Task{}, fmt.Errorf("task %s not found", taskID)
	}
	return task, nil
}

// UpdateSessionMode persists a session's mode. An idle runtime is torn down
// so the next submission rebuilds it with the new mode; a busy session's
// runtime keeps running with its old mode until it drains.
func (m *Manager) UpdateSessionMode(ctx context.Context, sessionID, mode string) (state.Session, error) {
	if _, err := m.sessions.GetOrCreate(ctx, sessionID, state.Session{
		Mode:     m.defaults.Mode,
		ModelID:  m.defaults.ModelID,
		Provider: m.defaults.Provider,
	}); err != nil {
		return state.Session{}, err
	}
	session, _, err := m.sessions.Update(ctx, sessionID, func(s *state.Session) {
		s.Mode = mode
	})
	if err != nil {
		return state.Session{}, err
	}

	m.mu.Lock()
	if entry, ok := m.entries[sessionID]; ok && entry.activeTaskID == "" {
		m.teardownLocked(entry)
	}
	m.mu.Unlock()
	return session, nil
}

// StopSessionRuntime tears down a session's runtime if one is live. Pending
// approvals for the session are force-rejected so no waiter is stranded.
func (m *Manager) StopSessionRuntime(sessionID string) {
	m.mu.Lock()
	entry, ok := m.entries[sessionID]
	if ok {
		m.teardownLocked(entry)
	}
	m.mu.Unlock()
}

// Shutdown stops every live session runtime.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	for _, entry := range m.entries {
		m.teardownLocked(entry)
	}
	m.mu.Unlock()
}

// teardownLocked detaches listeners, drains the event queue, closes the
// runtime, and rejects any approvals still waiting on a human. Callers hold
// m.mu.
func (m *Manager) teardownLocked(entry *sessionEntry) {
	entry.phase = PhaseDraining
	if entry.cancelTask != nil {
		entry.cancelTask()
	}
	if entry.cancelAgent != nil {
		entry.cancelAgent()
	}
	entry.queue.close()
	if entry.runtime != nil {
		entry.runtime.Close()
	}
	if n := m.approver.RejectPending(context.Background(), entry.sessionID); n > 0 {
		m.logger.Info("rejected pending approvals on teardown", "session", entry.sessionID, "count", n)
	}
	entry.phase = PhaseStopped
	delete(m.entries, entry.sessionID)
	for taskID, sessionID := range m.taskSessions {
		if sessionID == entry.sessionID {
			delete(m.taskSessions, taskID)
		}
	}
	m.logger.Info("session runtime stopped", "session", entry.sessionID)
}

// ActiveTask returns the session's in-flight task id, or empty.
func (m *Manager) ActiveTask(sessionID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.entries[sessionID]; ok {
		return entry.activeTaskID
	}
	return ""
}

// SessionPhase reports the lifecycle phase for a session's runtime.
func (m *Manager) SessionPhase(sessionID string) Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.entries[sessionID]; ok {
		return entry.phase
	}
	return PhaseIdle
}

// clearActive drops the task from tracking once it settles. Later waiters
// fall through to the store, which already holds the terminal record.
func (m *Manager) clearActive(sessionID, taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.taskSessions, taskID)
	if entry, ok := m.entries[sessionID]; ok && entry.activeTaskID == taskID {
		entry.activeTaskID = ""
	}
}

func isTerminalSignal(signal string) bool {
	switch signal {
	case schema.TaskSignalCompleted, schema.TaskSignalFailed, schema.TaskSignalCancelled:
		return true
	}
	return false
}

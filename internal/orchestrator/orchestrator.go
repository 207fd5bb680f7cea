// Package orchestrator owns task records: it enforces the task status state
// machine, serializes persistence writes, and translates agent signals into
// task updates and published hub events. It is the sole writer of tasks.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/coworklabs/coworkd/internal/hub"
	"github.com/coworklabs/coworkd/internal/schema"
	"github.com/coworklabs/coworkd/internal/state"
)

// TaskEvent is a coarse lifecycle signal from a session runtime.
type TaskEvent struct {
	Type    string         `json:"type"`
	TaskID  string         `json:"task_id"`
	Payload map[string]any `json:"payload,omitempty"`
}

// AgentEvent is a fine-grained signal from a session runtime's agent loop.
type AgentEvent struct {
	Type    string         `json:"type"`
	TaskID  string         `json:"task_id,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

type Orchestrator struct {
	tasks     *state.TaskStore
	sessions  *state.SessionStore
	hub       *hub.Hub
	artifacts ArtifactGenerator
	costs     CostModel
	logger    *slog.Logger

	// All persistence funnels through one worker so read-modify-write
	// updates against the same record never race.
	writeQ    chan writeJob
	closeOnce sync.Once
	done      chan struct{}
}

type writeJob struct {
	fn   func()
	done chan struct{}
}

type Option func(*Orchestrator)

func WithArtifactGenerator(gen ArtifactGenerator) Option {
	return func(o *Orchestrator) {
		if gen != nil {
			o.artifacts = gen
		}
	}
}

func WithCostModel(model CostModel) Option {
	return func(o *Orchestrator) {
		if model != nil {
			o.costs = model
		}
	}
}

func New(tasks *state.TaskStore, sessions *state.SessionStore, h *hub.Hub, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		tasks:     tasks,
		sessions:  sessions,
		hub:       h,
		artifacts: planArtifacts{},
		costs:     FlatCostModel{PerThousandTokens: 0.002},
		logger:    logger.With("component", "orchestrator"),
		writeQ:    make(chan writeJob, 64),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	go o.writeLoop()
	return o
}

func (o *Orchestrator) writeLoop() {
	for {
		select {
		case job := <-o.writeQ:
			job.fn()
			close(job.done)
		case <-o.done:
			// Drain whatever was already queued before shutdown.
			for {
				select {
				case job := <-o.writeQ:
					job.fn()
					close(job.done)
				default:
					return
				}
			}
		}
	}
}

// submit runs fn on the write worker and waits for it to finish, so every
// caller observes its own write applied and writes apply in FIFO order.
func (o *Orchestrator) submit(fn func()) {
	job := writeJob{fn: fn, done: make(chan struct{})}
	select {
	case o.writeQ <- job:
		<-job.done
	case <-o.done:
		// Shut down; apply inline to not lose the mutation.
		fn()
	}
}

func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() { close(o.done) })
}

// CreateTask persists a new task in queued status and publishes a
// "task.created" event.
func (o *Orchestrator) CreateTask(ctx context.Context, task state.Task) (state.Task, error) {
	if strings.TrimSpace(task.ID) == "" {
		return state.Task{}, fmt.Errorf("task id is required")
	}
	task.Status = state.TaskQueued
	var created state.Task
	var err error
	o.submit(func() {
		created, err = o.tasks.Create(ctx, task)
	})
	if err != nil {
		return state.Task{}, err
	}
	o.hub.Publish(created.SessionID, schema.EventTaskCreated, taskPayload(created))
	return created, nil
}

// GetTask reads a task without going through the write queue.
func (o *Orchestrator) GetTask(ctx context.Context, taskID string) (state.Task, bool, error) {
	return o.tasks.GetByID(ctx, taskID)
}

// ListTasks reads tasks matching the filter.
func (o *Orchestrator) ListTasks(ctx context.Context, filter state.TaskFilter) ([]state.Task, error) {
	return o.tasks.List(ctx, filter)
}

// UpdateTaskStatus applies a guarded transition: the update lands only if
// the task's current status is in allowedFrom (an empty list means any
// prior state). A stale update is silently dropped; an update that does not
// actually change the status writes nothing and publishes nothing. On a
// real change a "task.updated" event is published with the task's public
// fields. The bool result reports whether the status changed.
func (o *Orchestrator) UpdateTaskStatus(ctx context.Context, taskID string, status state.TaskStatus, allowedFrom ...state.TaskStatus) (state.Task, bool, error) {
	return o.applyTaskUpdate(ctx, taskID, status, allowedFrom, nil)
}

func (o *Orchestrator) applyTaskUpdate(ctx context.Context, taskID string, status state.TaskStatus, allowedFrom []state.TaskStatus, extra func(*state.Task)) (state.Task, bool, error) {
	var (
		task    state.Task
		changed bool
		err     error
	)
	o.submit(func() {
		var ok bool
		task, ok, err = o.tasks.GetByID(ctx, taskID)
		if err != nil || !ok {
			return
		}
		if len(allowedFrom) > 0 && !statusIn(task.Status, allowedFrom) {
			// Stale or out-of-order signal; drop without a write.
			return
		}
		if task.Status == status && extra == nil {
			return
		}
		changed = task.Status != status
		task, ok, err = o.tasks.Update(ctx, taskID, func(t *state.Task) {
			t.Status = status
			if extra != nil {
				extra(t)
			}
		})
		if !ok {
			changed = false
		}
	})
	if err != nil {
		return state.Task{}, false, err
	}
	if changed {
		o.hub.Publish(task.SessionID, schema.EventTaskUpdated, taskPayload(task))
	}
	return task, changed, nil
}

func statusIn(status state.TaskStatus, set []state.TaskStatus) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}

func taskPayload(task state.Task) map[string]any {
	payload := map[string]any{
		"task_id":    task.ID,
		"session_id": task.SessionID,
		"status":     string(task.Status),
	}
	if task.Title != "" {
		payload["title"] = task.Title
	}
	if task.ModelID != "" {
		payload["model_id"] = task.ModelID
	}
	if task.Error != "" {
		payload["error"] = task.Error
	}
	return payload
}

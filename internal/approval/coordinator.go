package approval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/coworklabs/coworkd/internal/hub"
	"github.com/coworklabs/coworkd/internal/idgen"
	"github.com/coworklabs/coworkd/internal/schema"
	"github.com/coworklabs/coworkd/internal/state"
)

// Request describes a gated tool action awaiting a human decision.
type Request struct {
	SessionID   string
	TaskID      string
	Description string
	ToolName    string
	RiskTags    []string
	Reason      string
}

// Coordinator turns a blocking "may I do this?" question into a durable,
// auditable, human-resolvable approval record.
type Coordinator struct {
	approvals *state.ApprovalStore
	audit     *state.AuditStore
	hub       *hub.Hub
	broker    *Broker
	logger    *slog.Logger
	timeout   time.Duration
}

type CoordinatorOption func(*Coordinator)

func WithRequestTimeout(timeout time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

func NewCoordinator(approvals *state.ApprovalStore, audit *state.AuditStore, h *hub.Hub, broker *Broker, logger *slog.Logger, opts ...CoordinatorOption) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		approvals: approvals,
		audit:     audit,
		hub:       h,
		broker:    broker,
		logger:    logger.With("component", "approval"),
		timeout:   DefaultTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// RequestApproval persists a pending approval, announces it, and blocks
// until a decision arrives or the timeout fires. When the broker's timeout
// fired without anyone resolving the record, the coordinator finalizes the
// persisted record itself so durable state always reflects the outcome.
// Returns true only for an explicit or cached "approved".
func (c *Coordinator) RequestApproval(ctx context.Context, req Request) (bool, error) {
	if strings.TrimSpace(req.SessionID) == "" {
		return false, fmt.Errorf("session id is required")
	}
	if strings.TrimSpace(req.Description) == "" {
		return false, fmt.Errorf("description is required")
	}

	tags := schema.NormalizeRiskTags(req.RiskTags)
	approval, err := c.approvals.Create(ctx, state.Approval{
		ID:        idgen.NewPrefixed("appr"),
		SessionID: req.SessionID,
		TaskID:    req.TaskID,
		Action:    req.Description,
		ToolName:  req.ToolName,
		RiskTags:  schema.RiskTagStrings(tags),
		Reason:    req.Reason,
		Status:    state.ApprovalPending,
	})
	if err != nil {
		return false, fmt.Errorf("persist approval: %w", err)
	}

	c.hub.Publish(req.SessionID, schema.EventApprovalRequired, approvalPayload(approval))
	if _, err := c.audit.Append(ctx, state.AuditEntry{
		SessionID:  req.SessionID,
		TaskID:     req.TaskID,
		ApprovalID: approval.ID,
		Action:     schema.AuditApprovalRequested,
		Detail:     map[string]any{"tool": req.ToolName, "risk_tags": approval.RiskTags},
	}); err != nil {
		c.logger.Warn("audit approval_requested failed", "approval_id", approval.ID, "error", err)
	}

	decision := c.broker.WaitForDecision(ctx, approval.ID, c.timeout)

	// If the record is still pending, the broker timed out (or the wait was
	// cancelled) without an external resolver; reconcile durable state with
	// the ephemeral fail-safe.
	current, ok, err := c.approvals.GetByID(ctx, approval.ID)
	if err != nil {
		return false, fmt.Errorf("reload approval: %w", err)
	}
	if ok && current.Status == state.ApprovalPending {
		finalized, _, err := c.approvals.Update(ctx, approval.ID, func(a *state.Approval) {
			a.Status = decisionStatus(decision)
			now := time.Now().UTC()
			a.ResolvedAt = &now
		})
		if err != nil {
			return false, fmt.Errorf("finalize approval: %w", err)
		}
		payload := approvalPayload(finalized)
		payload["timeout"] = true
		c.hub.Publish(req.SessionID, schema.EventApprovalResolved, payload)
	}

	if _, err := c.audit.Append(ctx, state.AuditEntry{
		SessionID:  req.SessionID,
		TaskID:     req.TaskID,
		ApprovalID: approval.ID,
		Action:     schema.AuditApprovalResolved,
		Detail:     map[string]any{"decision": string(decision)},
	}); err != nil {
		c.logger.Warn("audit approval_resolved failed", "approval_id", approval.ID, "error", err)
	}

	return decision == DecisionApproved, nil
}

// ResolveApproval records a human decision. The persisted record is updated
// before the broker is notified so any reader observing the broker's
// resolution already sees the terminal record. Returns nil when the
// approval does not exist; an already-resolved approval is returned
// unchanged (resolution is one-shot).
func (c *Coordinator) ResolveApproval(ctx context.Context, approvalID string, status state.ApprovalStatus) (*state.Approval, error) {
	if status != state.ApprovalApproved && status != state.ApprovalRejected {
		return nil, fmt.Errorf("status must be approved or rejected, got %q", status)
	}

	current, ok, err := c.approvals.GetByID(ctx, approvalID)
	if err != nil {
		return nil, fmt.Errorf("load approval: %w", err)
	}
	if !ok {
		return nil, nil
	}
	if current.Status != state.ApprovalPending {
		return &current, nil
	}

	updated, ok, err := c.approvals.Update(ctx, approvalID, func(a *state.Approval) {
		a.Status = status
		now := time.Now().UTC()
		a.ResolvedAt = &now
	})
	if err != nil {
		return nil, fmt.Errorf("resolve approval: %w", err)
	}
	if !ok {
		return nil, nil
	}

	c.hub.Publish(updated.SessionID, schema.EventApprovalResolved, approvalPayload(updated))
	c.broker.Resolve(approvalID, statusDecision(status))
	return &updated, nil
}

// RejectPending force-rejects every outstanding approval for a session.
// Called on runtime teardown so no wait stays parked against a runtime
// that no longer exists. Returns how many approvals were rejected.
func (c *Coordinator) RejectPending(ctx context.Context, sessionID string) int {
	pending, err := c.approvals.ListPending(ctx, sessionID, 0)
	if err != nil {
		c.logger.Warn("list pending approvals failed", "session_id", sessionID, "error", err)
		return 0
	}
	rejected := 0
	for _, approval := range pending {
		if _, err := c.ResolveApproval(ctx, approval.ID, state.ApprovalRejected); err != nil {
			c.logger.Warn("force-reject failed", "approval_id", approval.ID, "error", err)
			continue
		}
		rejected++
	}
	return rejected
}

// PendingDecisions reports how many approval waits are currently blocked on
// a decision.
func (c *Coordinator) PendingDecisions() int {
	return c.broker.PendingCount()
}

func approvalPayload(a state.Approval) map[string]any {
	payload := map[string]any{
		"approval_id": a.ID,
		"action":      a.Action,
		"status":      string(a.Status),
	}
	if a.TaskID != "" {
		payload["task_id"] = a.TaskID
	}
	if a.ToolName != "" {
		payload["tool"] = a.ToolName
	}
	if len(a.RiskTags) > 0 {
		payload["risk_tags"] = a.RiskTags
	}
	if a.Reason != "" {
		payload["reason"] = a.Reason
	}
	return payload
}

func decisionStatus(d Decision) state.ApprovalStatus {
	if d == DecisionApproved {
		return state.ApprovalApproved
	}
	return state.ApprovalRejected
}

func statusDecision(s state.ApprovalStatus) Decision {
	if s == state.ApprovalApproved {
		return DecisionApproved
	}
	return DecisionRejected
}

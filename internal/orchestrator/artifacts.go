package orchestrator

import (
	"context"

	"github.com/coworklabs/coworkd/internal/idgen"
	"github.com/coworklabs/coworkd/internal/schema"
	"github.com/coworklabs/coworkd/internal/state"
)

// Artifact is a produced output attached to a task. Durable artifact
// storage is a collaborator concern; the orchestrator only republishes what
// the generator returns.
type Artifact struct {
	ID     string         `json:"id"`
	TaskID string         `json:"task_id"`
	Kind   string         `json:"kind"`
	Name   string         `json:"name,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

func (a Artifact) Payload() map[string]any {
	payload := map[string]any{
		"artifact_id": a.ID,
		"task_id":     a.TaskID,
		"kind":        a.Kind,
	}
	if a.Name != "" {
		payload["name"] = a.Name
	}
	if a.Data != nil {
		payload["data"] = a.Data
	}
	return payload
}

// ArtifactGenerator produces artifacts for plans and completed tasks.
type ArtifactGenerator interface {
	PlanArtifact(ctx context.Context, task state.Task, plan map[string]any) (Artifact, error)
	CompletionArtifacts(ctx context.Context, task state.Task) ([]Artifact, error)
}

// planArtifacts is the built-in generator: plans become plan artifacts and
// a completed task's recorded plan is re-emitted as its summary artifact.
type planArtifacts struct{}

func (planArtifacts) PlanArtifact(_ context.Context, task state.Task, plan map[string]any) (Artifact, error) {
	return Artifact{
		ID:     idgen.NewPrefixed("art"),
		TaskID: task.ID,
		Kind:   "plan",
		Name:   task.Title,
		Data:   plan,
	}, nil
}

func (planArtifacts) CompletionArtifacts(_ context.Context, task state.Task) ([]Artifact, error) {
	plan := schema.GetMap(task.Metadata, "plan")
	if plan == nil {
		return nil, nil
	}
	return []Artifact{{
		ID:     idgen.NewPrefixed("art"),
		TaskID: task.ID,
		Kind:   "summary",
		Name:   task.Title,
		Data:   plan,
	}}, nil
}

// CostModel prices token usage. Real accounting is a collaborator concern.
type CostModel interface {
	Cost(modelID string, usage schema.Usage) float64
}

// FlatCostModel charges one rate per thousand tokens regardless of model.
type FlatCostModel struct {
	PerThousandTokens float64
}

func (m FlatCostModel) Cost(_ string, usage schema.Usage) float64 {
	return float64(usage.TotalTokens) / 1000 * m.PerThousandTokens
}

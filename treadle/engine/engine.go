package engine

import (
	"context"
	"time"

	"treadle.dev/core/treadle/models"
	"treadle.dev/core/treadle/secrets"
	"treadle.dev/core/workflow"
)

// Engine executes workflows. The runner drives it: InitWorkflow turns
// a compiled workflow into runtime steps, SetupWorkflow provisions
// backing resources, RunStep executes one step, DestroyWorkflow tears
// everything down.
type Engine interface {
	InitWorkflow(cw workflow.CompiledWorkflow, p *models.Pipeline) (*models.Workflow, error)
	SetupWorkflow(ctx context.Context, wid models.WorkflowId, wf *models.Workflow) error
	WorkflowTimeout() time.Duration
	DestroyWorkflow(ctx context.Context, wid models.WorkflowId) error
	RunStep(ctx context.Context, wid models.WorkflowId, wf *models.Workflow, idx int, secrets []secrets.UnlockedSecret, wfLogger *models.WorkflowLogger) error
}

package models

import (
	"context"
	"time"

	"tangled.sh/tangled.sh/gate/runner/secrets"
	"tangled.sh/tangled.sh/gate/workflow"
)

type Engine interface {
	InitWorkflow(wf workflow.Workflow, trigger workflow.TriggerMetadata) (*Workflow, error)
	SetupWorkflow(ctx context.Context, wid WorkflowId, wf *Workflow) error
	WorkflowTimeout() time.Duration
	DestroyWorkflow(ctx context.Context, wid WorkflowId) error
	// RunStep returns nil when the step exited 0, an *engine.ExitError
	// for any other exit code, and any other error for infrastructure
	// failures.
	RunStep(ctx context.Context, wid WorkflowId, w *Workflow, idx int, secrets []secrets.UnlockedSecret, wfLogger *WorkflowLogger) error
}

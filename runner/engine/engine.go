package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"tangled.sh/tangled.sh/gate/runner/db"
	"tangled.sh/tangled.sh/gate/runner/models"
	"tangled.sh/tangled.sh/gate/runner/notifier"
	"tangled.sh/tangled.sh/gate/runner/secrets"
	"tangled.sh/tangled.sh/gate/telemetry"
)

// Runner drives the workflows of a pipeline through their engines. The
// database, notifier and vault are optional; a one-shot CLI run goes
// without them.
type Runner struct {
	l       *slog.Logger
	db      *db.DB
	n       *notifier.Notifier
	vault   secrets.Manager
	logDir  string
	metrics *telemetry.StepMetrics
	tracer  oteltrace.Tracer
}

type Opt func(*Runner)

func WithDB(d *db.DB, n *notifier.Notifier) Opt {
	return func(r *Runner) {
		r.db = d
		r.n = n
	}
}

func WithVault(v secrets.Manager) Opt {
	return func(r *Runner) {
		r.vault = v
	}
}

// WithLogDir enables JSONL step logs under dir.
func WithLogDir(dir string) Opt {
	return func(r *Runner) {
		r.logDir = dir
	}
}

func NewRunner(l *slog.Logger, opts ...Opt) *Runner {
	r := &Runner{
		l:      l,
		tracer: otel.Tracer("gate/engine"),
	}
	if m, err := telemetry.NewStepMetrics(otel.Meter("gate/engine")); err == nil {
		r.metrics = m
	} else {
		l.Warn("step metrics disabled", "error", err)
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// StartWorkflows runs every workflow of the pipeline in parallel and waits
// for all of them. Each workflow runs its steps in order. A failing workflow
// never cancels its siblings.
func (r *Runner) StartWorkflows(ctx context.Context, pipeline *models.Pipeline, pipelineId models.PipelineId) models.PipelineResult {
	l := r.l.With("pipeline", pipelineId)
	l.Info("starting all workflows in parallel")

	allSecrets := r.secretsFor(ctx, pipeline)

	var (
		mu      sync.Mutex
		results []models.WorkflowResult
	)

	var eg errgroup.Group
	for eng, wfs := range pipeline.Workflows {
		workflowTimeout := eng.WorkflowTimeout()
		l.Debug("using workflow timeout", "timeout", workflowTimeout)

		for _, w := range wfs {
			eg.Go(func() error {
				wid := models.WorkflowId{
					PipelineId: pipelineId,
					Name:       w.Name,
				}
				res := r.runWorkflow(ctx, eng, wid, w, workflowTimeout, allSecrets)

				mu.Lock()
				results = append(results, res)
				mu.Unlock()

				if !res.Passed() {
					return fmt.Errorf("%s: %w", w.Name, ErrWorkflowFailed)
				}
				return nil
			})
		}
	}

	if err := eg.Wait(); err != nil {
		l.Error("one or more workflows failed", "error", err)
	} else {
		l.Info("successfully ran full pipeline")
	}

	slices.SortFunc(results, func(a, b models.WorkflowResult) int {
		return strings.Compare(a.Id.Name, b.Id.Name)
	})

	return models.PipelineResult{Id: pipelineId, Workflows: results}
}

func (r *Runner) secretsFor(ctx context.Context, pipeline *models.Pipeline) []secrets.UnlockedSecret {
	repo := pipeline.Trigger.Repo
	if r.vault == nil || repo == nil || repo.Name == "" {
		return nil
	}

	res, err := r.vault.GetSecretsUnlocked(ctx, secrets.Repo(repo.Name))
	if err != nil {
		r.l.Warn("failed to load secrets, continuing without them", "repo", repo.Name, "error", err)
		return nil
	}
	return res
}

func (r *Runner) runWorkflow(
	ctx context.Context,
	eng models.Engine,
	wid models.WorkflowId,
	w models.Workflow,
	timeout time.Duration,
	allSecrets []secrets.UnlockedSecret,
) models.WorkflowResult {
	l := r.l.With("workflow", wid.Name)
	start := time.Now()

	ctx, span := r.tracer.Start(ctx, "workflow", oteltrace.WithAttributes(
		attribute.String("pipeline", wid.PipelineId.String()),
		attribute.String("workflow", wid.Name),
		attribute.Int("steps", len(w.Steps)),
	))
	defer span.End()

	res := models.WorkflowResult{
		Id:         wid,
		FailedStep: -1,
		Steps:      make([]models.StepResult, 0, len(w.Steps)),
	}
	finish := func() models.WorkflowResult {
		res.Duration = time.Since(start)
		span.SetAttributes(attribute.String("status", string(res.Status)))
		if !res.Passed() {
			span.SetStatus(codes.Error, res.Error)
		}
		return res
	}

	r.status(l, wid, models.StatusKindRunning, "", 0, "")

	// cleanup runs even after the workflow context expires
	cleanupCtx := context.WithoutCancel(ctx)

	if err := eng.SetupWorkflow(ctx, wid, &w); err != nil {
		l.Error("setting up workflow", "error", err)
		if destroyErr := eng.DestroyWorkflow(cleanupCtx, wid); destroyErr != nil {
			l.Error("failed to destroy workflow after setup failure", "error", destroyErr)
		}

		res.Status = models.StatusKindFailed
		res.Error = fmt.Sprintf("setting up workflow: %s", err)
		for idx, step := range w.Steps {
			res.Steps = append(res.Steps, skippedResult(idx, step))
		}
		r.status(l, wid, res.Status, res.Error, -1, "")
		return finish()
	}
	defer func() {
		if err := eng.DestroyWorkflow(cleanupCtx, wid); err != nil {
			l.Error("failed to destroy workflow", "error", err)
		}
	}()

	var wfLogger *models.WorkflowLogger
	if r.logDir != "" {
		var err error
		wfLogger, err = models.NewWorkflowLogger(r.logDir, wid)
		if err != nil {
			l.Warn("failed to setup step logger; logs will not be persisted", "error", err)
			wfLogger = nil
		} else {
			defer wfLogger.Close()
		}
	}

	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stopped := false
	for idx, step := range w.Steps {
		if stopped {
			sr := skippedResult(idx, step)
			res.Steps = append(res.Steps, sr)
			_ = wfLogger.WriteResult(step, sr)
			continue
		}

		sl := l.With("step", step.Name(), "index", idx)
		sl.Info("running step", "kind", step.Kind(), "policy", step.Policy())
		_, _ = wfLogger.ControlWriter(idx, step, models.StepStatusStart).Write([]byte(step.Name()))

		stepStart := time.Now()
		err := eng.RunStep(stepCtx, wid, &w, idx, allSecrets, wfLogger)

		sr := models.StepResult{
			Index:    idx,
			Name:     step.Name(),
			Kind:     step.Kind(),
			Policy:   step.Policy(),
			Outcome:  models.StepOutcomeSuccess,
			Duration: time.Since(stepStart),
		}

		code, isExit := AsExitError(err)
		switch {
		case err == nil:
			sl.Info("step passed", "duration", sr.Duration)

		case errors.Is(err, ErrTimedOut) || (errors.Is(stepCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil):
			sr.Outcome = models.StepOutcomeFailed
			sr.ExitCode = -1
			sr.Error = ErrTimedOut.Error()
			sl.Error("workflow timed out", "timeout", timeout)

			stopped = true
			res.Status = models.StatusKindTimeout
			res.Error = fmt.Sprintf("step %q: %s after %s", step.Name(), ErrTimedOut, timeout)

		case ctx.Err() != nil:
			sr.Outcome = models.StepOutcomeFailed
			sr.ExitCode = -1
			sr.Error = ctx.Err().Error()
			sl.Warn("workflow cancelled", "error", ctx.Err())

			stopped = true
			res.Status = models.StatusKindCancelled
			res.Error = fmt.Sprintf("step %q: %s", step.Name(), ctx.Err())

		case isExit && step.Policy() == models.PolicySuppressed:
			sr.Outcome = models.StepOutcomeSuppressed
			sr.ExitCode = code
			sr.Error = err.Error()
			sl.Warn("step failed, failure suppressed", "exit_code", code)

		case isExit:
			sr.Outcome = models.StepOutcomeFailed
			sr.ExitCode = code
			sr.Error = err.Error()
			sl.Error("step failed", "exit_code", code)

			stopped = true
			res.Status = models.StatusKindFailed
			res.Error = fmt.Sprintf("step %q %s", step.Name(), err)

		default:
			// not a quality finding, so the step's policy does not apply
			sr.Outcome = models.StepOutcomeFailed
			sr.ExitCode = -1
			sr.Error = err.Error()
			sl.Error("step errored", "error", err)

			stopped = true
			res.Status = models.StatusKindFailed
			res.Error = fmt.Sprintf("step %q: %s", step.Name(), err)
		}

		res.Steps = append(res.Steps, sr)
		if stopped {
			res.FailedStep = idx
		}
		if err := wfLogger.WriteResult(step, sr); err != nil {
			sl.Warn("failed to write step result", "error", err)
		}
		r.metrics.Record(ctx, wid.Name, sr.Name, string(sr.Policy), string(sr.Outcome), sr.Duration)
	}

	if !stopped {
		res.Status = models.StatusKindSuccess
		if n := len(res.Suppressed()); n > 0 {
			l.Warn("workflow passed with suppressed failures", "suppressed", n)
		}
	}

	var failedName string
	exitCode := int64(-1)
	if res.FailedStep >= 0 {
		failedName = res.Steps[res.FailedStep].Name
		exitCode = int64(res.Steps[res.FailedStep].ExitCode)
	}
	r.status(l, wid, res.Status, res.Error, exitCode, failedName)

	return finish()
}

func skippedResult(idx int, step models.Step) models.StepResult {
	return models.StepResult{
		Index:   idx,
		Name:    step.Name(),
		Kind:    step.Kind(),
		Policy:  step.Policy(),
		Outcome: models.StepOutcomeSkipped,
	}
}

// status records a status event when a database is attached.
func (r *Runner) status(l *slog.Logger, wid models.WorkflowId, kind models.StatusKind, msg string, exitCode int64, step string) {
	if r.db == nil {
		return
	}

	var err error
	switch kind {
	case models.StatusKindPending:
		err = r.db.StatusPending(wid, r.n)
	case models.StatusKindRunning:
		err = r.db.StatusRunning(wid, r.n)
	case models.StatusKindSuccess:
		err = r.db.StatusSuccess(wid, r.n)
	case models.StatusKindFailed:
		err = r.db.StatusFailed(wid, msg, exitCode, step, r.n)
	case models.StatusKindTimeout:
		err = r.db.StatusTimeout(wid, step, r.n)
	case models.StatusKindCancelled:
		err = r.db.StatusCancelled(wid, msg, r.n)
	}
	if err != nil {
		l.Error("failed to record workflow status", "status", kind, "error", err)
	}
}

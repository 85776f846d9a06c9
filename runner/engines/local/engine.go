// Package local runs workflow steps directly on the host, each step a bash
// process inside a throwaway workspace.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"tangled.sh/tangled.sh/gate/log"
	"tangled.sh/tangled.sh/gate/runner/config"
	"tangled.sh/tangled.sh/gate/runner/engine"
	"tangled.sh/tangled.sh/gate/runner/models"
	"tangled.sh/tangled.sh/gate/runner/secrets"
	"tangled.sh/tangled.sh/gate/workflow"
)

// host variables a step inherits; everything else comes from the workflow
var passthroughEnv = []string{
	"LANG",
	"LC_ALL",
	"TZ",
	"TMPDIR",
	"SSL_CERT_FILE",
	"HTTP_PROXY",
	"HTTPS_PROXY",
	"NO_PROXY",
	"PIP_INDEX_URL",
}

type Engine struct {
	l      *slog.Logger
	cfg    *config.Config
	output io.Writer

	mu         sync.Mutex
	workspaces map[string]workspace
}

// a workspace holds the checked out source in src and the interpreter
// environment next to it, so linters walking src never see the venv
type workspace struct {
	root string
}

func (w workspace) src() string  { return filepath.Join(w.root, "src") }
func (w workspace) venv() string { return filepath.Join(w.root, "venv") }
func (w workspace) home() string { return filepath.Join(w.root, "home") }

type addlFields struct {
	env map[string]string
}

type Opt func(*Engine)

// WithOutput mirrors every step's output to w, in addition to the workflow
// log.
func WithOutput(w io.Writer) Opt {
	return func(e *Engine) {
		e.output = w
	}
}

func New(ctx context.Context, cfg *config.Config, opts ...Opt) (*Engine, error) {
	shell := cfg.Pipelines.Shell
	if _, err := exec.LookPath(shell); err != nil {
		return nil, fmt.Errorf("shell %q not found: %w", shell, err)
	}

	e := &Engine{
		l:          log.FromContext(ctx).With("engine", "local"),
		cfg:        cfg,
		workspaces: make(map[string]workspace),
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

func (e *Engine) InitWorkflow(wf workflow.Workflow, tr workflow.TriggerMetadata) (*models.Workflow, error) {
	steps, err := models.BuildSteps(wf, tr, pythonSetupStep(wf.Setup.Python))
	if err != nil {
		return nil, err
	}

	return &models.Workflow{
		Name:  wf.Name,
		Steps: steps,
		Data:  addlFields{env: wf.Environment},
	}, nil
}

// the venv is created from the pinned interpreter when the host has it,
// and from python3 otherwise
func pythonSetupStep(version string) models.CommandStep {
	if version == "" {
		return models.CommandStep{}
	}
	py := "python" + version
	return models.NewSystemStep(
		fmt.Sprintf("Set up Python %s", version),
		nil,
		fmt.Sprintf(`PY=$(command -v %s || command -v python3) || { echo 'no python interpreter found' >&2; exit 1; }`, py),
		fmt.Sprintf(`"$PY" -c 'import sys; v="%%d.%%d" %% sys.version_info[:2]; print("using python", v); v == %q or print("warning: wanted python %s", file=sys.stderr)'`, version, version),
		`"$PY" -m venv "$GATE_VENV"`,
	)
}

func (e *Engine) WorkflowTimeout() time.Duration {
	return e.cfg.Pipelines.Timeout()
}

func (e *Engine) SetupWorkflow(ctx context.Context, wid models.WorkflowId, wf *models.Workflow) error {
	e.l.Info("setting up workflow", "workflow", wid)

	base := e.cfg.Pipelines.WorkspaceDir
	if base != "" {
		if err := os.MkdirAll(base, 0o755); err != nil {
			return fmt.Errorf("creating workspace base: %w", err)
		}
	}

	root, err := os.MkdirTemp(base, "gate-"+wid.String()+"-")
	if err != nil {
		return fmt.Errorf("creating workspace: %w", err)
	}

	ws := workspace{root: root}
	for _, dir := range []string{ws.src(), ws.home()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			os.RemoveAll(root)
			return fmt.Errorf("creating workspace: %w", err)
		}
	}

	e.mu.Lock()
	e.workspaces[wid.String()] = ws
	e.mu.Unlock()

	return nil
}

func (e *Engine) workspace(wid models.WorkflowId) (workspace, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ws, ok := e.workspaces[wid.String()]
	return ws, ok
}

func (e *Engine) RunStep(ctx context.Context, wid models.WorkflowId, w *models.Workflow, idx int, secrets []secrets.UnlockedSecret, wfLogger *models.WorkflowLogger) error {
	ws, ok := e.workspace(wid)
	if !ok {
		return fmt.Errorf("workflow %s has no workspace", wid)
	}

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return engine.ErrTimedOut
		}
		return ctx.Err()
	default:
	}

	step := w.Steps[idx]
	envs := e.stepEnv(ws, w, step, secrets)
	e.l.Debug("envs for step", "step", step.Name(), "count", len(envs))

	cmd := exec.CommandContext(ctx, e.cfg.Pipelines.Shell, "-c", step.Command())
	cmd.Dir = ws.src()
	cmd.Env = envs.Slice()
	cmd.WaitDelay = 5 * time.Second
	setProcessGroup(cmd)

	stdout := wfLogger.DataWriter(idx, "stdout")
	stderr := wfLogger.DataWriter(idx, "stderr")
	cmd.Stdout = e.tee(stdout)
	cmd.Stderr = e.tee(stderr)

	e.l.Info("starting step", "workflow", wid, "step", step.Name())
	err := cmd.Run()
	stdout.Close()
	stderr.Close()

	if err == nil {
		return nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		e.l.Warn("step interrupted; process group killed", "step", step.Name(), "error", ctxErr)
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return engine.ErrTimedOut
		}
		return ctxErr
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			code = 128 + int(status.Signal())
		}
		return &engine.ExitError{Code: code}
	}
	return fmt.Errorf("running step: %w", err)
}

func (e *Engine) tee(w io.Writer) io.Writer {
	if e.output == nil {
		return engine.StripANSI(w)
	}
	return io.MultiWriter(engine.StripANSI(w), e.output)
}

// stepEnv layers, lowest precedence first: inherited host variables, the
// workspace, the workflow, secrets, then the step's own environment.
func (e *Engine) stepEnv(ws workspace, w *models.Workflow, step models.Step, secrets []secrets.UnlockedSecret) engine.EnvVars {
	var envs engine.EnvVars
	for _, k := range passthroughEnv {
		if v, ok := os.LookupEnv(k); ok {
			envs.AddEnv(k, v)
		}
	}

	envs.AddEnv("PATH", filepath.Join(ws.venv(), "bin")+string(os.PathListSeparator)+os.Getenv("PATH"))
	envs.AddEnv("HOME", ws.home())
	envs.AddEnv("GATE_WORKSPACE", ws.src())
	envs.AddEnv("GATE_VENV", ws.venv())
	envs.AddEnv("CI", "true")
	envs.AddEnv("TERM", "dumb")
	envs.AddEnv("NO_COLOR", "1")
	if _, err := os.Stat(ws.venv()); err == nil {
		envs.AddEnv("VIRTUAL_ENV", ws.venv())
	}

	if addl, ok := w.Data.(addlFields); ok {
		envs.Append(engine.ConstructEnvs(addl.env))
	}
	envs.Append(engine.SecretEnvs(secrets))
	if es, ok := step.(models.EnvironmentStep); ok {
		envs.Append(engine.ConstructEnvs(es.Environment()))
	}

	return envs
}

func (e *Engine) DestroyWorkflow(ctx context.Context, wid models.WorkflowId) error {
	e.mu.Lock()
	ws, ok := e.workspaces[wid.String()]
	delete(e.workspaces, wid.String())
	e.mu.Unlock()

	if !ok {
		return nil
	}
	if e.cfg.Pipelines.KeepWorkspace {
		e.l.Info("keeping workspace", "workflow", wid, "path", ws.root)
		return nil
	}
	return os.RemoveAll(ws.root)
}

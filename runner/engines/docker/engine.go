// Package docker runs each workflow step in its own container. Steps of a
// workflow share a workspace volume, a virtualenv volume and a network.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"tangled.sh/tangled.sh/gate/log"
	"tangled.sh/tangled.sh/gate/runner/config"
	"tangled.sh/tangled.sh/gate/runner/engine"
	"tangled.sh/tangled.sh/gate/runner/models"
	"tangled.sh/tangled.sh/gate/runner/secrets"
	"tangled.sh/tangled.sh/gate/workflow"
)

const (
	workspaceDir = "/gate/workspace"
	venvDir      = "/gate/venv"
	sourceDir    = "/gate/source"

	defaultPath = venvDir + "/bin:/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
)

type cleanupFunc func(context.Context) error

type Engine struct {
	docker client.APIClient
	l      *slog.Logger
	cfg    *config.Config

	pullAttempts uint
	pullDelay    time.Duration

	cleanupMu sync.Mutex
	cleanup   map[string][]cleanupFunc
}

type addlFields struct {
	image string
	env   map[string]string
	// host directory bind mounted read-only at sourceDir, if any
	source string
}

func New(ctx context.Context, cfg *config.Config) (*Engine, error) {
	dcli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}

	return newEngine(ctx, dcli, cfg), nil
}

func newEngine(ctx context.Context, dcli client.APIClient, cfg *config.Config) *Engine {
	return &Engine{
		docker:       dcli,
		l:            log.FromContext(ctx).With("engine", "docker"),
		cfg:          cfg,
		pullAttempts: 4,
		pullDelay:    2 * time.Second,
		cleanup:      make(map[string][]cleanupFunc),
	}
}

func (e *Engine) InitWorkflow(wf workflow.Workflow, tr workflow.TriggerMetadata) (*models.Workflow, error) {
	addl := addlFields{
		image: workflowImage(wf, e.cfg.Pipelines.DockerImage),
		env:   wf.Environment,
	}

	// a local source tree is only reachable through a bind mount
	if tr.Repo != nil && tr.Repo.CloneURL == "" && tr.Repo.Path != "" {
		repo := *tr.Repo
		addl.source = repo.Path
		repo.Path = sourceDir
		tr.Repo = &repo
	}

	steps, err := models.BuildSteps(wf, tr, pythonSetupStep(wf.Setup.Python))
	if err != nil {
		return nil, err
	}

	return &models.Workflow{
		Name:  wf.Name,
		Steps: steps,
		Data:  addl,
	}, nil
}

// workflowImage picks, in order: the configured override, the workflow's
// own image, the official image of the pinned python, python:3.
func workflowImage(wf workflow.Workflow, override string) string {
	switch {
	case override != "":
		return override
	case wf.Image != "":
		return wf.Image
	case wf.Setup.Python != "":
		return "python:" + wf.Setup.Python
	default:
		return "python:3"
	}
}

// the image already carries the interpreter; the step only checks it and
// creates the shared virtualenv
func pythonSetupStep(version string) models.CommandStep {
	if version == "" {
		return models.CommandStep{}
	}
	return models.NewSystemStep(
		fmt.Sprintf("Set up Python %s", version),
		nil,
		fmt.Sprintf(`python3 -c 'import sys; v="%%d.%%d" %% sys.version_info[:2]; print("using python", v); sys.exit(0 if v == %q else "python " + v + " does not match %s")'`, version, version),
		fmt.Sprintf("test -x %s/bin/python || python3 -m venv %s", venvDir, venvDir),
	)
}

func (e *Engine) WorkflowTimeout() time.Duration {
	return e.cfg.Pipelines.Timeout()
}

// SetupWorkflow creates the workflow's network and volumes and pulls its
// image. Everything created here is released by DestroyWorkflow.
func (e *Engine) SetupWorkflow(ctx context.Context, wid models.WorkflowId, wf *models.Workflow) error {
	e.l.Info("setting up workflow", "workflow", wid)

	for _, name := range []string{workspaceVolume(wid), venvVolume(wid)} {
		_, err := e.docker.VolumeCreate(ctx, volume.CreateOptions{
			Name:   name,
			Driver: "local",
		})
		if err != nil {
			return err
		}
		e.registerCleanup(wid, func(ctx context.Context) error {
			return e.docker.VolumeRemove(ctx, name, true)
		})
	}

	_, err := e.docker.NetworkCreate(ctx, networkName(wid), network.CreateOptions{
		Driver: "bridge",
	})
	if err != nil {
		return err
	}
	e.registerCleanup(wid, func(ctx context.Context) error {
		return e.docker.NetworkRemove(ctx, networkName(wid))
	})

	addl := wf.Data.(addlFields)
	if err := e.pullImage(ctx, addl.image); err != nil {
		e.l.Error("workflow image pull failed", "image", addl.image, "workflow", wid, "error", err)
		return err
	}

	return nil
}

// pullImage retries transient registry failures with exponential backoff.
func (e *Engine) pullImage(ctx context.Context, ref string) error {
	return retry.Do(
		func() error {
			reader, err := e.docker.ImagePull(ctx, ref, image.PullOptions{})
			if err != nil {
				return err
			}
			defer reader.Close()

			// the pull only completes once the progress stream is drained
			_, err = io.Copy(io.Discard, reader)
			return err
		},
		retry.Attempts(e.pullAttempts),
		retry.Delay(e.pullDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			e.l.Warn("image pull failed, retrying", "image", ref, "attempt", n+1, "error", err)
		}),
		retry.RetryIf(func(err error) bool {
			return !errdefsNotFound(err)
		}),
	)
}

func (e *Engine) RunStep(ctx context.Context, wid models.WorkflowId, w *models.Workflow, idx int, secrets []secrets.UnlockedSecret, wfLogger *models.WorkflowLogger) error {
	addl := w.Data.(addlFields)
	step := w.Steps[idx]

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return engine.ErrTimedOut
		}
		return ctx.Err()
	default:
	}

	envs := stepEnv(addl, step, secrets)
	e.l.Debug("envs for step", "step", step.Name(), "count", len(envs))

	resp, err := e.docker.ContainerCreate(ctx, &container.Config{
		Image:      addl.image,
		Cmd:        []string{"bash", "-c", step.Command()},
		WorkingDir: workspaceDir,
		Tty:        false,
		Hostname:   "gate",
		Env:        envs.Slice(),
	}, hostConfig(wid, addl.source), nil, nil, "")
	if err != nil {
		return fmt.Errorf("creating container: %w", err)
	}
	defer e.DestroyStep(context.WithoutCancel(ctx), resp.ID)

	err = e.docker.NetworkConnect(ctx, networkName(wid), resp.ID, nil)
	if err != nil {
		return fmt.Errorf("connecting network: %w", err)
	}

	err = e.docker.ContainerStart(ctx, resp.ID, container.StartOptions{})
	if err != nil {
		return fmt.Errorf("starting container: %w", err)
	}
	e.l.Info("started container", "name", resp.ID, "step", step.Name())

	tailDone := make(chan error, 1)
	go func() {
		tailDone <- e.tailStep(ctx, wfLogger, resp.ID, idx)
	}()

	waitDone := make(chan struct{})
	var state *container.State
	var waitErr error

	go func() {
		defer close(waitDone)
		state, waitErr = e.WaitStep(ctx, resp.ID)
	}()

	select {
	case <-waitDone:
		if err := <-tailDone; err != nil {
			e.l.Warn("failed to tail step logs", "step", step.Name(), "error", err)
		}

	case <-ctx.Done():
		e.l.Warn("step interrupted; killing container", "container", resp.ID, "step", step.Name())
		if err := e.DestroyStep(context.WithoutCancel(ctx), resp.ID); err != nil {
			e.l.Error("failed to destroy step", "container", resp.ID, "error", err)
		}

		<-waitDone
		<-tailDone

		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return engine.ErrTimedOut
		}
		return ctx.Err()
	}

	if waitErr != nil {
		return waitErr
	}

	if state.OOMKilled {
		e.l.Error("step was oom killed", "workflow", wid, "step", step.Name())
		return engine.ErrOOMKilled
	}
	if state.ExitCode != 0 {
		return &engine.ExitError{Code: state.ExitCode}
	}

	return nil
}

func stepEnv(addl addlFields, step models.Step, secrets []secrets.UnlockedSecret) engine.EnvVars {
	var envs engine.EnvVars
	envs.AddEnv("PATH", defaultPath)
	envs.AddEnv("HOME", workspaceDir)
	envs.AddEnv("VIRTUAL_ENV", venvDir)
	envs.AddEnv("GATE_WORKSPACE", workspaceDir)
	envs.AddEnv("GATE_VENV", venvDir)
	envs.AddEnv("CI", "true")
	envs.AddEnv("NO_COLOR", "1")

	envs.Append(engine.ConstructEnvs(addl.env))
	envs.Append(engine.SecretEnvs(secrets))
	if es, ok := step.(models.EnvironmentStep); ok {
		envs.Append(engine.ConstructEnvs(es.Environment()))
	}
	return envs
}

func (e *Engine) WaitStep(ctx context.Context, containerID string) (*container.State, error) {
	wait, errCh := e.docker.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return nil, err
		}
	case <-wait:
	}

	info, err := e.docker.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, err
	}

	return info.State, nil
}

func (e *Engine) tailStep(ctx context.Context, wfLogger *models.WorkflowLogger, containerID string, stepIdx int) error {
	if wfLogger == nil {
		return nil
	}

	logs, err := e.docker.ContainerLogs(ctx, containerID, container.LogsOptions{
		Follow:     true,
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return err
	}
	defer logs.Close()

	stdout := wfLogger.DataWriter(stepIdx, "stdout")
	stderr := wfLogger.DataWriter(stepIdx, "stderr")
	defer stdout.Close()
	defer stderr.Close()

	_, err = stdcopy.StdCopy(engine.StripANSI(stdout), engine.StripANSI(stderr), logs)
	if err != nil && err != io.EOF && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("failed to copy logs: %w", err)
	}

	return nil
}

func (e *Engine) DestroyStep(ctx context.Context, containerID string) error {
	err := e.docker.ContainerKill(ctx, containerID, "9") // SIGKILL
	if err != nil && !isErrContainerNotFoundOrNotRunning(err) {
		return err
	}

	if err := e.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{
		RemoveVolumes: true,
		Force:         true,
	}); err != nil && !isErrContainerNotFoundOrNotRunning(err) && !strings.Contains(err.Error(), "is already in progress") {
		return err
	}

	return nil
}

func (e *Engine) DestroyWorkflow(ctx context.Context, wid models.WorkflowId) error {
	e.cleanupMu.Lock()
	key := wid.String()

	fns := e.cleanup[key]
	delete(e.cleanup, key)
	e.cleanupMu.Unlock()

	// network before volumes, the reverse of creation
	for i := len(fns) - 1; i >= 0; i-- {
		if err := fns[i](ctx); err != nil {
			e.l.Error("failed to cleanup workflow resource", "workflow", wid, "error", err)
		}
	}
	return nil
}

func (e *Engine) registerCleanup(wid models.WorkflowId, fn cleanupFunc) {
	e.cleanupMu.Lock()
	defer e.cleanupMu.Unlock()

	key := wid.String()
	e.cleanup[key] = append(e.cleanup[key], fn)
}

func workspaceVolume(wid models.WorkflowId) string {
	return fmt.Sprintf("gate-workspace-%s", wid)
}

func venvVolume(wid models.WorkflowId) string {
	return fmt.Sprintf("gate-venv-%s", wid)
}

func networkName(wid models.WorkflowId) string {
	return fmt.Sprintf("gate-network-%s", wid)
}

func hostConfig(wid models.WorkflowId, source string) *container.HostConfig {
	mounts := []mount.Mount{
		{
			Type:   mount.TypeVolume,
			Source: workspaceVolume(wid),
			Target: workspaceDir,
		},
		{
			Type:   mount.TypeVolume,
			Source: venvVolume(wid),
			Target: venvDir,
		},
		{
			Type:   mount.TypeTmpfs,
			Target: "/tmp",
			TmpfsOptions: &mount.TmpfsOptions{
				Mode: 0o1777, // world-writeable sticky bit
				Options: [][]string{
					{"exec"},
				},
			},
		},
	}
	if source != "" {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   source,
			Target:   sourceDir,
			ReadOnly: true,
		})
	}

	return &container.HostConfig{
		Mounts:      mounts,
		CapDrop:     []string{"ALL"},
		CapAdd:      []string{"CAP_DAC_OVERRIDE", "CAP_CHOWN", "CAP_FOWNER"},
		SecurityOpt: []string{"no-new-privileges"},
		ExtraHosts:  []string{"host.docker.internal:host-gateway"},
	}
}

func errdefsNotFound(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "manifest unknown") || strings.Contains(err.Error(), "not found: manifest"))
}

// thanks woodpecker
func isErrContainerNotFoundOrNotRunning(err error) bool {
	// Error response from daemon: Cannot kill container: ...: No such container: ...
	// Error response from daemon: Cannot kill container: ...: Container ... is not running"
	// Error response from podman daemon: can only kill running containers. ... is in state exited
	// Error: No such container: ...
	return err != nil && (strings.Contains(err.Error(), "No such container") || strings.Contains(err.Error(), "is not running") || strings.Contains(err.Error(), "can only kill running containers"))
}

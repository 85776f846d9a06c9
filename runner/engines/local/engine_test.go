package local

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tangled.sh/tangled.sh/gate/runner/config"
	"tangled.sh/tangled.sh/gate/runner/engine"
	"tangled.sh/tangled.sh/gate/runner/models"
	"tangled.sh/tangled.sh/gate/runner/secrets"
	"tangled.sh/tangled.sh/gate/workflow"
)

func testConfig(t *testing.T) *config.Config {
	return &config.Config{Pipelines: config.Pipelines{
		Shell:           "bash",
		WorkspaceDir:    t.TempDir(),
		WorkflowTimeout: "1m",
	}}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(context.Background(), testConfig(t))
	require.NoError(t, err)
	return e
}

var testWid = models.WorkflowId{
	PipelineId: models.PipelineId{Source: "local", Rkey: "3lxyz"},
	Name:       "unit",
}

// setup initialises and sets up a workflow, and tears it down after the test
func setup(t *testing.T, e *Engine, wf workflow.Workflow, tr workflow.TriggerMetadata) *models.Workflow {
	t.Helper()
	w, err := e.InitWorkflow(wf, tr)
	require.NoError(t, err)
	require.NoError(t, e.SetupWorkflow(context.Background(), testWid, w))
	t.Cleanup(func() { e.DestroyWorkflow(context.Background(), testWid) })
	return w
}

func steps(cmds ...string) []workflow.Step {
	var out []workflow.Step
	for i, c := range cmds {
		out = append(out, workflow.Step{Name: "step" + string(rune('a'+i)), Command: c})
	}
	return out
}

func TestRunStepExitCodes(t *testing.T) {
	e := newTestEngine(t)
	w := setup(t, e, workflow.Workflow{
		Name:      "unit",
		CloneOpts: workflow.CloneOpts{Skip: true},
		Steps:     steps("echo ok", "exit 3", "kill -TERM $$"),
	}, workflow.NewManualTrigger(nil))

	ctx := context.Background()
	assert.NoError(t, e.RunStep(ctx, testWid, w, 0, nil, nil))

	code, ok := engine.AsExitError(e.RunStep(ctx, testWid, w, 1, nil, nil))
	assert.True(t, ok)
	assert.Equal(t, 3, code)

	code, ok = engine.AsExitError(e.RunStep(ctx, testWid, w, 2, nil, nil))
	assert.True(t, ok)
	assert.Equal(t, 143, code)
}

func TestSystemStepStopsAtFirstFailure(t *testing.T) {
	e := newTestEngine(t)
	w := setup(t, e, workflow.Workflow{
		Name:      "unit",
		CloneOpts: workflow.CloneOpts{Skip: true},
	}, workflow.NewManualTrigger(nil))
	w.Steps = append(w.Steps,
		models.NewSystemStep("chained", nil, "false", "true"),
		models.NewSystemStep("chained ok", nil, "true", "test -d ."),
	)

	ctx := context.Background()
	code, ok := engine.AsExitError(e.RunStep(ctx, testWid, w, len(w.Steps)-2, nil, nil))
	assert.True(t, ok)
	assert.Equal(t, 1, code)
	assert.NoError(t, e.RunStep(ctx, testWid, w, len(w.Steps)-1, nil, nil))
}

func TestFailedCommandSkipsRestOfStep(t *testing.T) {
	e := newTestEngine(t)
	w := setup(t, e, workflow.Workflow{
		Name:      "unit",
		CloneOpts: workflow.CloneOpts{Skip: true},
	}, workflow.NewManualTrigger(nil))
	w.Steps = append(w.Steps, models.NewSystemStep("setup", nil, "exit 4", `touch "$GATE_WORKSPACE/reached"`))

	code, ok := engine.AsExitError(e.RunStep(context.Background(), testWid, w, len(w.Steps)-1, nil, nil))
	assert.True(t, ok)
	assert.Equal(t, 4, code)

	ws, _ := e.workspace(testWid)
	assert.NoFileExists(t, filepath.Join(ws.src(), "reached"))
}

func TestRunStepEnvironment(t *testing.T) {
	e := newTestEngine(t)
	w := setup(t, e, workflow.Workflow{
		Name:        "unit",
		CloneOpts:   workflow.CloneOpts{Skip: true},
		Environment: map[string]string{"FROM_WORKFLOW": "wf", "OVERRIDE": "workflow"},
		Steps: []workflow.Step{{
			Name:        "env",
			Command:     `test "$FROM_WORKFLOW" = wf && test "$OVERRIDE" = step && test "$TOKEN" = s3cret && test "$CI" = true && test "$(pwd -P)" = "$(cd "$GATE_WORKSPACE" && pwd -P)"`,
			Environment: map[string]string{"OVERRIDE": "step"},
		}},
	}, workflow.NewManualTrigger(nil))

	vault := []secrets.UnlockedSecret{{Key: "TOKEN", Value: "s3cret"}}
	assert.NoError(t, e.RunStep(context.Background(), testWid, w, 0, vault, nil))
}

func TestRunStepTimeoutKillsProcessGroup(t *testing.T) {
	e := newTestEngine(t)
	w := setup(t, e, workflow.Workflow{
		Name:      "unit",
		CloneOpts: workflow.CloneOpts{Skip: true},
		Steps:     steps("sleep 30 & sleep 30; wait"),
	}, workflow.NewManualTrigger(nil))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := e.RunStep(ctx, testWid, w, 0, nil, nil)
	assert.ErrorIs(t, err, engine.ErrTimedOut)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestCopySourceTree(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "app.py"), []byte("print('hi')\n"), 0o644))

	tr := workflow.NewManualTrigger(nil)
	tr.Repo = &workflow.TriggerRepo{Name: "acme/app", Path: src}

	e := newTestEngine(t)
	w := setup(t, e, workflow.Workflow{
		Name:  "unit",
		Steps: steps("test -f app.py"),
	}, tr)

	require.Len(t, w.Steps, 2)
	assert.Equal(t, "Copy source tree into workspace", w.Steps[0].Name())

	ctx := context.Background()
	assert.NoError(t, e.RunStep(ctx, testWid, w, 0, nil, nil))
	assert.NoError(t, e.RunStep(ctx, testWid, w, 1, nil, nil))
}

func TestStepOutputIsLogged(t *testing.T) {
	e := newTestEngine(t)
	w := setup(t, e, workflow.Workflow{
		Name:      "unit",
		CloneOpts: workflow.CloneOpts{Skip: true},
		Steps:     steps(`printf '\033[31mred\033[0m\n'; echo oops >&2`),
	}, workflow.NewManualTrigger(nil))

	logDir := t.TempDir()
	wfLogger, err := models.NewWorkflowLogger(logDir, testWid)
	require.NoError(t, err)

	require.NoError(t, e.RunStep(context.Background(), testWid, w, 0, nil, wfLogger))
	require.NoError(t, wfLogger.Close())

	f, err := models.OpenLogFile(logDir, testWid)
	require.NoError(t, err)
	defer f.Close()
	lines, err := models.ReadLogLines(f)
	require.NoError(t, err)

	byStream := map[string]string{}
	for _, l := range lines {
		byStream[l.Stream] += l.Content
	}
	assert.Equal(t, "red", byStream["stdout"])
	assert.Equal(t, "oops", byStream["stderr"])
}

func TestDestroyWorkflowRemovesWorkspace(t *testing.T) {
	e := newTestEngine(t)
	w, err := e.InitWorkflow(workflow.Workflow{Name: "unit", CloneOpts: workflow.CloneOpts{Skip: true}}, workflow.NewManualTrigger(nil))
	require.NoError(t, err)
	require.NoError(t, e.SetupWorkflow(context.Background(), testWid, w))

	ws, ok := e.workspace(testWid)
	require.True(t, ok)
	assert.DirExists(t, ws.src())
	assert.True(t, strings.HasPrefix(filepath.Base(ws.root), "gate-local-3lxyz-unit-"))

	require.NoError(t, e.DestroyWorkflow(context.Background(), testWid))
	assert.NoDirExists(t, ws.root)

	err = e.RunStep(context.Background(), testWid, w, 0, nil, nil)
	assert.Error(t, err)
}

func TestPythonSetupStep(t *testing.T) {
	assert.True(t, pythonSetupStep("").IsZero())

	s := pythonSetupStep("3.9")
	assert.Equal(t, "Set up Python 3.9", s.Name())
	assert.Equal(t, models.StepKindSystem, s.Kind())
	assert.Contains(t, s.Command(), "command -v python3.9 || command -v python3")
	assert.Contains(t, s.Command(), `-m venv "$GATE_VENV"`)
}

// a small quality gate run end to end through the runner
func TestRunnerWithLocalEngine(t *testing.T) {
	e := newTestEngine(t)
	tr := workflow.NewManualTrigger(nil)

	w, err := e.InitWorkflow(workflow.Workflow{
		Name:      "gate",
		CloneOpts: workflow.CloneOpts{Skip: true},
		Steps: []workflow.Step{
			{Name: "format", Command: "exit 1", ContinueOnError: true},
			{Name: "lint", Command: "exit 2"},
			{Name: "tests", Command: "touch ran"},
		},
	}, tr)
	require.NoError(t, err)

	p := &models.Pipeline{Trigger: tr, Workflows: map[models.Engine][]models.Workflow{e: {*w}}}
	res := engine.NewRunner(e.l).StartWorkflows(context.Background(), p, testWid.PipelineId)

	require.Len(t, res.Workflows, 1)
	wr := res.Workflows[0]
	assert.False(t, res.Passed())
	assert.Equal(t, []models.StepOutcome{
		models.StepOutcomeSuppressed,
		models.StepOutcomeFailed,
		models.StepOutcomeSkipped,
	}, []models.StepOutcome{wr.Steps[0].Outcome, wr.Steps[1].Outcome, wr.Steps[2].Outcome})
	assert.Equal(t, 2, wr.Steps[1].ExitCode)
}

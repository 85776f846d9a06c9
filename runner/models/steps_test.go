package models

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"tangled.sh/tangled.sh/gate/workflow"
)

var remote = &workflow.TriggerRepo{
	Name:     "my-repo",
	CloneURL: "https://example.com/acme/my-repo",
}

func TestBuildCloneStep_PushTrigger(t *testing.T) {
	tr := workflow.NewPushTrigger("refs/heads/main", "def456", "abc123")
	tr.Repo = remote

	step := BuildCloneStep(workflow.Workflow{CloneOpts: workflow.CloneOpts{Depth: 1}}, tr)

	assert.Equal(t, StepKindSystem, step.Kind())
	assert.Equal(t, PolicyFatal, step.Policy())
	assert.Equal(t, "Clone repository into workspace", step.Name())
	assert.Len(t, step.Commands(), 4)

	allCmds := strings.Join(step.Commands(), " ")
	assert.Contains(t, allCmds, "git init")
	assert.Contains(t, allCmds, "git remote add origin https://example.com/acme/my-repo")
	assert.Contains(t, allCmds, "git fetch --depth=1 origin abc123")
	assert.Contains(t, allCmds, "checkout -q FETCH_HEAD")
}

func TestBuildCloneStep_PullRequestTrigger(t *testing.T) {
	tr := workflow.NewPullRequestTrigger("feature-branch", "main", "pr-sha-789")
	tr.Repo = remote

	step := BuildCloneStep(workflow.Workflow{}, tr)
	assert.Contains(t, step.Command(), "pr-sha-789")
}

func TestBuildCloneStep_ManualTriggerFetchesDefaultBranch(t *testing.T) {
	tr := workflow.NewManualTrigger(nil)
	tr.Repo = &workflow.TriggerRepo{CloneURL: remote.CloneURL, DefaultBranch: "trunk"}

	step := BuildCloneStep(workflow.Workflow{}, tr)
	assert.Contains(t, step.Command(), "git fetch --depth=1 origin trunk")
}

func TestBuildCloneStep_SkipFlag(t *testing.T) {
	tr := workflow.NewPushTrigger("refs/heads/main", "", "abc123")
	tr.Repo = remote

	step := BuildCloneStep(workflow.Workflow{CloneOpts: workflow.CloneOpts{Skip: true}}, tr)
	assert.True(t, step.IsZero())
	assert.Empty(t, step.Commands())
}

func TestBuildCloneStep_DepthAndSubmodules(t *testing.T) {
	tr := workflow.NewPushTrigger("refs/heads/main", "", "abc123")
	tr.Repo = remote

	step := BuildCloneStep(workflow.Workflow{CloneOpts: workflow.CloneOpts{Depth: 10, IncludeSubmodules: true}}, tr)
	assert.Contains(t, step.Command(), "--depth=10")
	assert.Contains(t, step.Command(), "--recurse-submodules=yes")
}

func TestBuildCloneStep_LocalPath(t *testing.T) {
	tr := workflow.NewManualTrigger(nil)
	tr.Repo = &workflow.TriggerRepo{Path: "/src/my project/"}

	step := BuildCloneStep(workflow.Workflow{}, tr)
	assert.Equal(t, "Copy source tree into workspace", step.Name())
	assert.Equal(t, "cp -a '/src/my project'/. .", step.Command())
}

func TestBuildCloneStep_NoSource(t *testing.T) {
	step := BuildCloneStep(workflow.Workflow{}, workflow.NewManualTrigger(nil))
	assert.Equal(t, "Verify workspace", step.Name())
	assert.False(t, step.IsZero())
}

func TestBuildCloneStep_NilPushData(t *testing.T) {
	tr := workflow.TriggerMetadata{Kind: workflow.TriggerKindPush, Repo: remote}

	step := BuildCloneStep(workflow.Workflow{}, tr)
	assert.Contains(t, step.Name(), "error")
	assert.Contains(t, step.Command(), "Failed to get clone info")
	assert.Contains(t, step.Command(), "exit 1")
}

func TestBuildCloneStep_UnknownTriggerKind(t *testing.T) {
	tr := workflow.TriggerMetadata{Kind: "unknown_trigger", Repo: remote}

	step := BuildCloneStep(workflow.Workflow{}, tr)
	assert.Contains(t, step.Name(), "error")
	assert.Contains(t, step.Command(), "unknown trigger kind")
}

func TestBuildDependencyStep(t *testing.T) {
	step, err := BuildDependencyStep(workflow.Dependencies{
		"pip": {"black", "flake8>=6"},
		"apt": {"git"},
	})
	assert.NoError(t, err)
	assert.Equal(t, []string{
		"apt-get install -y --no-install-recommends git",
		"python -m pip install --disable-pip-version-check black 'flake8>=6'",
	}, step.Commands())
	assert.Equal(t, PolicyFatal, step.Policy())
	assert.True(t, strings.HasPrefix(step.Command(), "set -e\napt-get install"))

	empty, err := BuildDependencyStep(nil)
	assert.NoError(t, err)
	assert.True(t, empty.IsZero())

	_, err = BuildDependencyStep(workflow.Dependencies{"cargo": {"ripgrep"}})
	assert.Error(t, err)
}

func TestCommandStepScript(t *testing.T) {
	assert.Equal(t, "pytest .", NewUserStep(workflow.Step{Command: "pytest ."}).Command())
	assert.Equal(t, "set -e\nfalse\ntrue", NewSystemStep("chained", nil, "false", "true").Command())
}

func TestNewUserStepPolicy(t *testing.T) {
	assert.Equal(t, PolicyFatal, NewUserStep(workflow.Step{Name: "a", Command: "true"}).Policy())
	assert.Equal(t, PolicySuppressed, NewUserStep(workflow.Step{Name: "b", Command: "true", ContinueOnError: true}).Policy())
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "abc123", ShellQuote("abc123"))
	assert.Equal(t, "''", ShellQuote(""))
	assert.Equal(t, `'it'\''s'`, ShellQuote("it's"))
	assert.Equal(t, "'a b'", ShellQuote("a b"))
}

func TestBuildSteps_DefaultWorkflowLayout(t *testing.T) {
	tr := workflow.NewPushTrigger("refs/heads/main", "", "abc123")
	tr.Repo = remote

	setup := NewSystemStep("Set up Python 3.9", nil, "python --version")
	steps, err := BuildSteps(workflow.Default(), tr, setup)
	assert.NoError(t, err)
	assert.Len(t, steps, 14)

	assert.Equal(t, "Clone repository into workspace", steps[0].Name())
	assert.Equal(t, "Set up Python 3.9", steps[1].Name())
	assert.Equal(t, "Install dependencies", steps[2].Name())
	for _, s := range steps[:3] {
		assert.Equal(t, StepKindSystem, s.Kind())
		assert.Equal(t, PolicyFatal, s.Policy())
	}

	// steps 4 to 14, as numbered by the quality gate table
	want := []struct {
		name   string
		policy FailurePolicy
	}{
		{"bandit", PolicyFatal},
		{"black", PolicySuppressed},
		{"codespell", PolicyFatal},
		{"flake8 (errors)", PolicyFatal},
		{"flake8 (advisory)", PolicyFatal},
		{"isort", PolicySuppressed},
		{"install requirements", PolicyFatal},
		{"mypy", PolicySuppressed},
		{"pytest", PolicySuppressed},
		{"pyupgrade", PolicySuppressed},
		{"safety", PolicySuppressed},
	}
	for i, w := range want {
		s := steps[i+3]
		assert.Equal(t, w.name, s.Name(), "step %d", i+4)
		assert.Equal(t, w.policy, s.Policy(), "step %d", i+4)
		assert.Equal(t, StepKindUser, s.Kind())
	}
	assert.Contains(t, steps[7].Command(), "--exit-zero")
}

func TestBuildSteps_OmitsEmptySystemSteps(t *testing.T) {
	wf := workflow.Workflow{
		CloneOpts: workflow.CloneOpts{Skip: true},
		Steps:     []workflow.Step{{Name: "only", Command: "true"}},
	}
	steps, err := BuildSteps(wf, workflow.NewManualTrigger(nil), CommandStep{})
	assert.NoError(t, err)
	assert.Len(t, steps, 1)
	assert.Equal(t, "only", steps[0].Name())

	wf.Dependencies = workflow.Dependencies{"brew": {"x"}}
	_, err = BuildSteps(wf, workflow.NewManualTrigger(nil), CommandStep{})
	assert.Error(t, err)
}

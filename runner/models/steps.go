package models

import (
	"fmt"
	"strings"

	"tangled.sh/tangled.sh/gate/workflow"
)

// CommandStep is a shell step, either injected by the runner or copied out
// of a workflow definition.
type CommandStep struct {
	name        string
	kind        StepKind
	policy      FailurePolicy
	commands    []string
	environment map[string]string
}

func (s CommandStep) Name() string {
	return s.name
}

func (s CommandStep) Commands() []string {
	return s.commands
}

// Command is the script handed to bash. A step made of several commands
// stops at the first one that fails, so its exit code is that command's.
func (s CommandStep) Command() string {
	if len(s.commands) == 1 {
		return s.commands[0]
	}
	return "set -e\n" + strings.Join(s.commands, "\n")
}

func (s CommandStep) Kind() StepKind {
	return s.kind
}

func (s CommandStep) Policy() FailurePolicy {
	if s.policy == "" {
		return PolicyFatal
	}
	return s.policy
}

func (s CommandStep) Environment() map[string]string {
	return s.environment
}

// IsZero reports whether the builder produced no step at all.
func (s CommandStep) IsZero() bool {
	return s.name == "" && len(s.commands) == 0
}

func NewSystemStep(name string, env map[string]string, commands ...string) CommandStep {
	return CommandStep{
		name:        name,
		kind:        StepKindSystem,
		policy:      PolicyFatal,
		commands:    commands,
		environment: env,
	}
}

func NewUserStep(s workflow.Step) CommandStep {
	return CommandStep{
		name:        s.Name,
		kind:        StepKindUser,
		policy:      PolicyFor(s.ContinueOnError),
		commands:    []string{s.Command},
		environment: s.Environment,
	}
}

// Steps with an environment of their own expose it through this interface.
type EnvironmentStep interface {
	Step
	Environment() map[string]string
}

// BuildCloneStep generates the commands that populate the workspace with
// the source tree the trigger refers to. The caller must run them with the
// workspace as the working directory.
//
// Remote repositories are fetched at the trigger's commit:
//   - git init
//   - git remote add origin <url>
//   - git fetch --depth=<d> [--recurse-submodules=yes] origin <sha>
//   - git checkout FETCH_HEAD
//
// Local source trees are copied in. With neither, the step only checks that
// the workspace is not empty.
func BuildCloneStep(wf workflow.Workflow, tr workflow.TriggerMetadata) CloneStep {
	if wf.CloneOpts.Skip {
		return CloneStep{}
	}

	commitSHA, err := tr.CommitSHA()
	if err != nil {
		return CloneStep{NewSystemStep(
			"Clone repository into workspace (error)",
			nil,
			fmt.Sprintf("echo %s >&2 && exit 1", ShellQuote("Failed to get clone info: "+err.Error())),
		)}
	}

	switch {
	case tr.Repo != nil && tr.Repo.CloneURL != "":
		ref := commitSHA
		if ref == "" {
			ref = tr.Repo.DefaultBranch
		}
		fetchArgs := buildFetchArgs(wf.CloneOpts, ref)
		return CloneStep{NewSystemStep(
			"Clone repository into workspace",
			nil,
			"git init -q",
			fmt.Sprintf("git remote add origin %s", ShellQuote(tr.Repo.CloneURL)),
			fmt.Sprintf("git fetch %s", strings.Join(fetchArgs, " ")),
			"git -c advice.detachedHead=false checkout -q FETCH_HEAD",
		)}

	case tr.Repo != nil && tr.Repo.Path != "":
		return CloneStep{NewSystemStep(
			"Copy source tree into workspace",
			nil,
			fmt.Sprintf("cp -a %s/. .", ShellQuote(strings.TrimRight(tr.Repo.Path, "/"))),
		)}
	}

	return CloneStep{NewSystemStep(
		"Verify workspace",
		nil,
		`test -n "$(ls -A)" || { echo 'workspace is empty and no source was given' >&2; exit 1; }`,
	)}
}

type CloneStep struct {
	CommandStep
}

// buildFetchArgs constructs the arguments for git fetch based on clone options
func buildFetchArgs(clone workflow.CloneOpts, ref string) []string {
	args := []string{}

	// default to a shallow clone
	depth := clone.Depth
	if depth <= 0 {
		depth = 1
	}
	args = append(args, fmt.Sprintf("--depth=%d", depth))

	if clone.IncludeSubmodules {
		args = append(args, "--recurse-submodules=yes")
	}

	args = append(args, "origin")
	if ref != "" {
		args = append(args, ShellQuote(ref))
	}

	return args
}

var installers = map[string]string{
	"pip": "python -m pip install --disable-pip-version-check",
	"apt": "apt-get install -y --no-install-recommends",
}

// BuildDependencyStep installs every declared dependency in one step. The
// step is zero when there is nothing to install.
func BuildDependencyStep(deps workflow.Dependencies) (CommandStep, error) {
	var commands []string
	for _, installer := range deps.Sorted() {
		packages := deps[installer]
		if len(packages) == 0 {
			continue
		}
		base, ok := installers[installer]
		if !ok {
			return CommandStep{}, fmt.Errorf("unknown dependency installer %q", installer)
		}
		quoted := make([]string, len(packages))
		for i, p := range packages {
			quoted[i] = ShellQuote(p)
		}
		commands = append(commands, fmt.Sprintf("%s %s", base, strings.Join(quoted, " ")))
	}

	if len(commands) == 0 {
		return CommandStep{}, nil
	}

	return NewSystemStep("Install dependencies", map[string]string{
		"PIP_NO_INPUT":    "1",
		"DEBIAN_FRONTEND": "noninteractive",
	}, commands...), nil
}

// ShellQuote wraps s in single quotes for bash.
func ShellQuote(s string) string {
	if s != "" && strings.Trim(s, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789-_./:=@+,") == "" {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// BuildSteps lays out a workflow in execution order: clone, interpreter
// setup, dependency installation, then the user's steps. Any of the three
// system steps is left out when it has nothing to do; a zero setup step
// means the engine needs none.
func BuildSteps(wf workflow.Workflow, tr workflow.TriggerMetadata, setup CommandStep) ([]Step, error) {
	var steps []Step

	if clone := BuildCloneStep(wf, tr); !clone.IsZero() {
		steps = append(steps, clone)
	}
	if !setup.IsZero() {
		steps = append(steps, setup)
	}

	deps, err := BuildDependencyStep(wf.Dependencies)
	if err != nil {
		return nil, err
	}
	if !deps.IsZero() {
		steps = append(steps, deps)
	}

	for _, s := range wf.Steps {
		steps = append(steps, NewUserStep(s))
	}

	return steps, nil
}

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/urfave/cli/v3"
	"tangled.sh/tangled.sh/gate/log"
	"tangled.sh/tangled.sh/gate/runner/config"
	"tangled.sh/tangled.sh/gate/runner/engine"
	"tangled.sh/tangled.sh/gate/runner/engines/docker"
	"tangled.sh/tangled.sh/gate/runner/engines/local"
	"tangled.sh/tangled.sh/gate/runner/models"
	"tangled.sh/tangled.sh/gate/runner/secrets"
	"tangled.sh/tangled.sh/gate/tid"
	"tangled.sh/tangled.sh/gate/workflow"
)

const (
	exitFailed = 1
	exitUsage  = 2
)

func runCommand() *cli.Command {
	return &cli.Command{
		Name:   "run",
		Usage:  "run the quality gate once against a local source tree",
		Action: run,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "dir",
				Usage: "source tree to check",
				Value: ".",
			},
			&cli.StringSliceFlag{
				Name:  "workflow",
				Usage: "workflow file to run; defaults to the workflow directory, then the built-in gate",
			},
			&cli.StringFlag{
				Name:  "event",
				Usage: "push, pull_request or manual",
				Value: string(workflow.TriggerKindPush),
			},
			&cli.StringFlag{
				Name:  "ref",
				Usage: "ref the event is for; detected from the repository when empty",
			},
			&cli.StringFlag{
				Name:  "target",
				Usage: "target branch of a pull_request event",
				Value: "main",
			},
			&cli.StringSliceFlag{
				Name:  "input",
				Usage: "KEY=VALUE input of a manual event",
			},
			&cli.StringFlag{
				Name:  "engine",
				Usage: "local or docker, overrides GATE_PIPELINES_ENGINE",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "per-workflow timeout, overrides GATE_PIPELINES_WORKFLOW_TIMEOUT",
			},
			&cli.StringFlag{
				Name:  "log-dir",
				Usage: "write JSON step logs here",
			},
			&cli.StringSliceFlag{
				Name:  "secret",
				Usage: "pass the host variable KEY to every step",
			},
			&cli.BoolFlag{
				Name:    "quiet",
				Aliases: []string{"q"},
				Usage:   "do not mirror step output",
			},
		},
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	l := log.FromContext(ctx)
	out := cmd.Root().Writer

	cfg, err := config.Load(ctx)
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to load config: %s", err), exitUsage)
	}
	if v := cmd.String("engine"); v != "" {
		cfg.Pipelines.Engine = v
	}
	if v := cmd.Duration("timeout"); v > 0 {
		cfg.Pipelines.WorkflowTimeout = v.String()
	}
	cfg.Pipelines.LogDir = cmd.String("log-dir")

	dir, err := filepath.Abs(cmd.String("dir"))
	if err != nil {
		return cli.Exit(err.Error(), exitUsage)
	}
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		return cli.Exit(fmt.Sprintf("%s is not a directory", dir), exitUsage)
	}

	trigger, err := buildTrigger(cmd, dir)
	if err != nil {
		return cli.Exit(err.Error(), exitUsage)
	}

	raw, err := loadWorkflows(cmd.StringSlice("workflow"), dir, cfg.Pipelines.WorkflowDir)
	if err != nil {
		return cli.Exit(err.Error(), exitUsage)
	}

	compiler := workflow.Compiler{
		Trigger:       trigger,
		DefaultEngine: cfg.Pipelines.Engine,
	}
	compiled := compiler.Compile(compiler.Parse(raw))
	printDiagnostics(cmd.Root().ErrWriter, compiler.Diagnostics)
	if compiler.Diagnostics.IsErr() {
		return cli.Exit("workflows failed to compile", exitUsage)
	}
	if len(compiled.Workflows) == 0 {
		fmt.Fprintf(out, "no workflow matched %s\n", trigger.Kind)
		return nil
	}

	var mirror io.Writer
	if !cmd.Bool("quiet") {
		mirror = out
	}
	engs, err := setupEngines(ctx, cfg, compiled, mirror)
	if err != nil {
		return cli.Exit(err.Error(), exitUsage)
	}

	pipeline := &models.Pipeline{
		Trigger:   trigger,
		Workflows: make(map[models.Engine][]models.Workflow),
	}
	for _, cw := range compiled.Workflows {
		eng := engs[cw.Engine]
		mw, err := eng.InitWorkflow(cw, trigger)
		if err != nil {
			return cli.Exit(fmt.Sprintf("workflow %s: %s", cw.Name, err), exitUsage)
		}
		pipeline.Workflows[eng] = append(pipeline.Workflows[eng], *mw)
	}

	opts := []engine.Opt{engine.WithLogDir(cfg.Pipelines.LogDir)}
	if keys := cmd.StringSlice("secret"); len(keys) > 0 {
		vault, err := hostSecrets(keys)
		if err != nil {
			return cli.Exit(err.Error(), exitUsage)
		}
		opts = append(opts, engine.WithVault(vault))
	}
	r := engine.NewRunner(log.SubLogger(l, "engine"), opts...)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	pipelineId := models.PipelineId{Source: "local", Rkey: tid.TID()}
	res := r.StartWorkflows(ctx, pipeline, pipelineId)

	printSummary(out, res, cfg.Pipelines.LogDir)

	if !res.Passed() {
		return cli.Exit("", exitFailed)
	}
	return nil
}

func buildTrigger(cmd *cli.Command, dir string) (workflow.TriggerMetadata, error) {
	ref, sha := cmd.String("ref"), ""
	if head, err := repoHead(dir); err == nil {
		sha = head.Hash().String()
		if ref == "" && head.Name().IsBranch() {
			ref = head.Name().String()
		}
	}
	if ref == "" {
		ref = plumbing.NewBranchReferenceName("main").String()
	}
	if !strings.HasPrefix(ref, "refs/") {
		ref = plumbing.NewBranchReferenceName(ref).String()
	}

	var tr workflow.TriggerMetadata
	switch kind := workflow.TriggerKind(cmd.String("event")); kind {
	case workflow.TriggerKindPush:
		tr = workflow.NewPushTrigger(ref, "", sha)
	case workflow.TriggerKindPullRequest:
		tr = workflow.NewPullRequestTrigger(plumbing.ReferenceName(ref).Short(), cmd.String("target"), sha)
	case workflow.TriggerKindManual:
		inputs := make(map[string]string)
		for _, kv := range cmd.StringSlice("input") {
			k, v, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				return tr, fmt.Errorf("input %q is not KEY=VALUE", kv)
			}
			inputs[k] = v
		}
		tr = workflow.NewManualTrigger(inputs)
	default:
		return tr, fmt.Errorf("unknown event %q", kind)
	}

	tr.Repo = &workflow.TriggerRepo{
		Name: filepath.Base(dir),
		Path: dir,
	}
	return tr, nil
}

func repoHead(dir string) (*plumbing.Reference, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, err
	}
	return repo.Head()
}

// loadWorkflows reads explicit files when given, and the workflow directory
// of the source tree otherwise.
func loadWorkflows(files []string, dir, workflowDir string) (workflow.RawPipeline, error) {
	if len(files) == 0 {
		if !filepath.IsAbs(workflowDir) {
			workflowDir = filepath.Join(dir, workflowDir)
		}
		return workflow.LoadDir(workflowDir)
	}

	var raw workflow.RawPipeline
	for _, f := range files {
		contents, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("reading workflow: %w", err)
		}
		raw = append(raw, workflow.RawWorkflow{Name: filepath.Base(f), Contents: contents})
	}
	return raw, nil
}

// setupEngines builds only the engines the compiled workflows ask for.
func setupEngines(ctx context.Context, cfg *config.Config, compiled workflow.CompiledPipeline, mirror io.Writer) (map[string]models.Engine, error) {
	engs := make(map[string]models.Engine)
	for _, cw := range compiled.Workflows {
		if _, ok := engs[cw.Engine]; ok {
			continue
		}

		var (
			eng models.Engine
			err error
		)
		switch cw.Engine {
		case "local":
			var opts []local.Opt
			if mirror != nil {
				opts = append(opts, local.WithOutput(mirror))
			}
			eng, err = local.New(ctx, cfg, opts...)
		case "docker":
			eng, err = docker.New(ctx, cfg)
		default:
			return nil, fmt.Errorf("workflow %s: unknown engine %q", cw.Name, cw.Engine)
		}
		if err != nil {
			return nil, fmt.Errorf("setting up %s engine: %w", cw.Engine, err)
		}
		engs[cw.Engine] = eng
	}
	return engs, nil
}

func hostSecrets(keys []string) (*secrets.StaticManager, error) {
	values := make(map[string]string, len(keys))
	for _, k := range keys {
		v, ok := os.LookupEnv(k)
		if !ok {
			return nil, fmt.Errorf("secret %s is not set in the environment", k)
		}
		values[k] = v
	}
	return secrets.NewStaticManager(values)
}

func printDiagnostics(w io.Writer, d workflow.Diagnostics) {
	for _, e := range d.Errors {
		fmt.Fprintln(w, e.String())
	}
	for _, wr := range d.Warnings {
		fmt.Fprintln(w, wr.String())
	}
}

var outcomeMarks = map[models.StepOutcome]string{
	models.StepOutcomeSuccess:    "ok",
	models.StepOutcomeFailed:     "FAIL",
	models.StepOutcomeSuppressed: "warn",
	models.StepOutcomeSkipped:    "skip",
}

// humanDuration keeps sub-second steps in milliseconds, shows seconds with one
// decimal and rounds anything longer to the second.
func humanDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return d.Round(time.Millisecond).String()
	case d < time.Minute:
		return humanize.FtoaWithDigits(d.Seconds(), 1) + "s"
	default:
		return d.Round(time.Second).String()
	}
}

func printSummary(w io.Writer, res models.PipelineResult, logDir string) {
	for _, wr := range res.Workflows {
		fmt.Fprintf(w, "\n%s: %s in %s\n", wr.Id.Name, wr.Status, humanDuration(wr.Duration))
		for _, s := range wr.Steps {
			line := fmt.Sprintf("  %-4s  %-45s  %-10s", outcomeMarks[s.Outcome], s.Name, s.Policy)
			switch s.Outcome {
			case models.StepOutcomeSkipped:
			case models.StepOutcomeSuccess:
				line += "  " + humanDuration(s.Duration)
			default:
				line += fmt.Sprintf("  %s  exit %d", humanDuration(s.Duration), s.ExitCode)
			}
			fmt.Fprintln(w, strings.TrimRight(line, " "))
		}

		if suppressed := wr.Suppressed(); len(suppressed) > 0 {
			fmt.Fprintf(w, "  %d suppressed failure(s)\n", len(suppressed))
		}
		if wr.Error != "" {
			fmt.Fprintf(w, "  error: %s\n", wr.Error)
		}
		if logDir != "" {
			path := models.LogFilePath(logDir, wr.Id)
			if fi, err := os.Stat(path); err == nil {
				fmt.Fprintf(w, "  log: %s (%s)\n", path, humanize.Bytes(uint64(fi.Size())))
			}
		}
	}

	if res.Passed() {
		fmt.Fprintln(w, "\ngate passed")
	} else {
		fmt.Fprintln(w, "\ngate failed")
	}
}

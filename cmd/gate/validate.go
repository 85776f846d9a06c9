package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"tangled.sh/tangled.sh/gate/workflow"
)

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "parse and compile workflow files, printing diagnostics",
		ArgsUsage: "[FILE...]",
		Action:    validate,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "event",
				Usage: "compile against this event kind",
				Value: string(workflow.TriggerKindPush),
			},
			&cli.StringFlag{
				Name:  "ref",
				Usage: "ref of the event",
				Value: "refs/heads/main",
			},
		},
	}
}

// validate reports every error and warning, and exits 2 when any workflow
// would be rejected. With no files it checks the built-in workflow.
func validate(ctx context.Context, cmd *cli.Command) error {
	out := cmd.Root().Writer

	var raw workflow.RawPipeline
	if cmd.Args().Len() == 0 {
		raw = workflow.RawPipeline{workflow.DefaultRaw()}
	}
	for _, f := range cmd.Args().Slice() {
		contents, err := os.ReadFile(f)
		if err != nil {
			return cli.Exit(fmt.Sprintf("reading workflow: %s", err), exitUsage)
		}
		raw = append(raw, workflow.RawWorkflow{Name: filepath.Base(f), Contents: contents})
	}

	var trigger workflow.TriggerMetadata
	switch kind := workflow.TriggerKind(cmd.String("event")); kind {
	case workflow.TriggerKindPush:
		trigger = workflow.NewPushTrigger(cmd.String("ref"), "", "")
	case workflow.TriggerKindPullRequest:
		trigger = workflow.NewPullRequestTrigger("feature", cmd.String("ref"), "")
	case workflow.TriggerKindManual:
		trigger = workflow.NewManualTrigger(nil)
	default:
		return cli.Exit(fmt.Sprintf("unknown event %q", kind), exitUsage)
	}

	compiler := workflow.Compiler{
		Trigger:       trigger,
		DefaultEngine: "local",
	}
	compiled := compiler.Compile(compiler.Parse(raw))
	printDiagnostics(out, compiler.Diagnostics)

	if compiler.Diagnostics.IsErr() {
		return cli.Exit("", exitUsage)
	}
	for _, w := range compiled.Workflows {
		fmt.Fprintf(out, "ok: %s (%d steps, engine %s)\n", w.Name, len(w.Steps), w.Engine)
	}
	return nil
}

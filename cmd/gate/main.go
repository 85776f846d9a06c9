package main

import (
	"context"
	"fmt"
	"os"

	"github.com/carlmjohnson/versioninfo"
	"github.com/urfave/cli/v3"
	"tangled.sh/tangled.sh/gate/log"
	"tangled.sh/tangled.sh/gate/runner"
)

func main() {
	cmd := newApp()

	ctx := context.Background()
	if err := cmd.Run(ctx, os.Args); err != nil {
		log.New("gate").Error(err.Error())
		os.Exit(2)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:    "gate",
		Usage:   "sequential quality gate runner for python projects",
		Version: versioninfo.Short(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "debug, info, warn or error",
				Value:   "info",
				Sources: cli.EnvVars("GATE_LOG_LEVEL"),
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "shorthand for --log-level debug",
			},
		},
		Before: configureLogging,
		Commands: []*cli.Command{
			runCommand(),
			validateCommand(),
			runner.Command(),
			watchCommand(),
			versionCommand(),
		},
	}
}

func configureLogging(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	level := log.ParseLevel(cmd.String("log-level"))
	if cmd.Bool("verbose") {
		level = log.ParseLevel("debug")
	}
	log.Configure(log.Options{Writer: cmd.Root().ErrWriter, Level: level})

	return log.IntoContext(ctx, log.New("gate")), nil
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "print the version",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			_, err := fmt.Fprintf(cmd.Root().Writer, "gate %s (%s)\n", versioninfo.Short(), versioninfo.LastCommit.Format("2006-01-02"))
			return err
		},
	}
}

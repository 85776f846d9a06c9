package runner

import (
	"context"
	"fmt"

	"github.com/carlmjohnson/versioninfo"
	"github.com/urfave/cli/v3"
	"tangled.sh/tangled.sh/gate/log"
	"tangled.sh/tangled.sh/gate/runner/config"
)

func Command() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "run a gate server",
		Action: serve,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen",
				Usage: "address to listen on, overrides GATE_SERVER_LISTEN_ADDR",
			},
			&cli.StringFlag{
				Name:  "engine",
				Usage: "default engine, overrides GATE_PIPELINES_ENGINE",
			},
		},
		Description: `
Environment variables:
	GATE_SERVER_LISTEN_ADDR          (default: 0.0.0.0:6555)
	GATE_SERVER_HOSTNAME             (default: localhost)
	GATE_SERVER_DB_PATH              (default: gate.db)
	GATE_SERVER_DEV                  (default: false)
	GATE_SERVER_TRIGGER_SECRET       (bearer token for POST /trigger)
	GATE_SERVER_QUEUE_SIZE           (default: 100)
	GATE_SERVER_QUEUE_WORKERS        (default: 2)
	GATE_SERVER_SECRETS_PROVIDER     (sqlite or openbao, default: sqlite)
	GATE_SERVER_SECRETS_OPENBAO_ADDR
	GATE_SERVER_SECRETS_OPENBAO_ROLE_ID
	GATE_SERVER_SECRETS_OPENBAO_SECRET_ID
	GATE_SERVER_SECRETS_OPENBAO_MOUNT (default: gate)
	GATE_PIPELINES_ENGINE            (local or docker, default: local)
	GATE_PIPELINES_WORKFLOW_DIR      (default: .gate/workflows)
	GATE_PIPELINES_WORKFLOW_TIMEOUT  (default: 30m)
	GATE_PIPELINES_LOG_DIR           (default: /var/log/gate)
	GATE_PIPELINES_WORKSPACE_DIR
	GATE_PIPELINES_KEEP_WORKSPACE    (default: false)
	GATE_PIPELINES_DOCKER_IMAGE
	GATE_TELEMETRY_ENABLED           (default: false)
	GATE_TELEMETRY_METRIC_INTERVAL   (default: 10s)
`,
	}
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to load config: %s", err), 2)
	}
	if v := cmd.String("listen"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := cmd.String("engine"); v != "" {
		cfg.Pipelines.Engine = v
	}

	if cfg.Server.Dev {
		log.FromContext(ctx).Info("running in dev mode")
	}

	return Run(ctx, cfg, versioninfo.Short())
}

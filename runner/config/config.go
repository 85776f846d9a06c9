package config

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Server struct {
	ListenAddr    string  `env:"LISTEN_ADDR, default=0.0.0.0:6555"`
	Hostname      string  `env:"HOSTNAME, default=localhost"`
	DBPath        string  `env:"DB_PATH, default=gate.db"`
	Dev           bool    `env:"DEV, default=false"`
	TriggerSecret string  `env:"TRIGGER_SECRET"`
	QueueSize     int     `env:"QUEUE_SIZE, default=100"`
	QueueWorkers  int     `env:"QUEUE_WORKERS, default=2"`
	Secrets       Secrets `env:",prefix=SECRETS_"`
}

type Secrets struct {
	Provider string        `env:"PROVIDER, default=sqlite"`
	OpenBao  OpenBaoConfig `env:",prefix=OPENBAO_"`
}

type OpenBaoConfig struct {
	Addr     string `env:"ADDR"`
	RoleID   string `env:"ROLE_ID"`
	SecretID string `env:"SECRET_ID"`
	Mount    string `env:"MOUNT, default=gate"`
}

type Pipelines struct {
	Engine          string `env:"ENGINE, default=local"`
	WorkflowDir     string `env:"WORKFLOW_DIR, default=.gate/workflows"`
	WorkflowTimeout string `env:"WORKFLOW_TIMEOUT, default=30m"`
	LogDir          string `env:"LOG_DIR, default=/var/log/gate"`
	WorkspaceDir    string `env:"WORKSPACE_DIR"`
	KeepWorkspace   bool   `env:"KEEP_WORKSPACE, default=false"`
	DockerImage     string `env:"DOCKER_IMAGE"`
	Shell           string `env:"SHELL_PATH, default=bash"`
}

// Timeout parses WorkflowTimeout, falling back to 30 minutes.
func (p Pipelines) Timeout() time.Duration {
	d, err := time.ParseDuration(p.WorkflowTimeout)
	if err != nil || d <= 0 {
		return 30 * time.Minute
	}
	return d
}

type Telemetry struct {
	Enabled        bool          `env:"ENABLED, default=false"`
	MetricInterval time.Duration `env:"METRIC_INTERVAL, default=10s"`
}

type Log struct {
	Level string `env:"LEVEL, default=info"`
}

type Config struct {
	Server    Server    `env:",prefix=GATE_SERVER_"`
	Pipelines Pipelines `env:",prefix=GATE_PIPELINES_"`
	Telemetry Telemetry `env:",prefix=GATE_TELEMETRY_"`
	Log       Log       `env:",prefix=GATE_LOG_"`
}

func Load(ctx context.Context) (*Config, error) {
	return LoadFrom(ctx, envconfig.OsLookuper())
}

// LoadFrom is Load with an explicit source of variables.
func LoadFrom(ctx context.Context, l envconfig.Lookuper) (*Config, error) {
	var cfg Config
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: l,
	})
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

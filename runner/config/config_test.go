package config

import (
	"context"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFrom(context.Background(), envconfig.MapLookuper(map[string]string{}))
	assert.NoError(t, err)

	assert.Equal(t, "0.0.0.0:6555", cfg.Server.ListenAddr)
	assert.Equal(t, "gate.db", cfg.Server.DBPath)
	assert.Equal(t, "sqlite", cfg.Server.Secrets.Provider)
	assert.Equal(t, "gate", cfg.Server.Secrets.OpenBao.Mount)
	assert.Equal(t, "local", cfg.Pipelines.Engine)
	assert.Equal(t, 30*time.Minute, cfg.Pipelines.Timeout())
	assert.False(t, cfg.Telemetry.Enabled)
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := LoadFrom(context.Background(), envconfig.MapLookuper(map[string]string{
		"GATE_SERVER_LISTEN_ADDR":         "127.0.0.1:9000",
		"GATE_PIPELINES_ENGINE":           "docker",
		"GATE_PIPELINES_WORKFLOW_TIMEOUT": "90s",
		"GATE_SERVER_SECRETS_PROVIDER":    "openbao",
		"GATE_SERVER_SECRETS_OPENBAO_ADDR": "http://bao:8200",
	}))
	assert.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Server.ListenAddr)
	assert.Equal(t, "docker", cfg.Pipelines.Engine)
	assert.Equal(t, 90*time.Second, cfg.Pipelines.Timeout())
	assert.Equal(t, "openbao", cfg.Server.Secrets.Provider)
	assert.Equal(t, "http://bao:8200", cfg.Server.Secrets.OpenBao.Addr)
}

func TestTimeoutFallback(t *testing.T) {
	p := Pipelines{WorkflowTimeout: "soon"}
	assert.Equal(t, 30*time.Minute, p.Timeout())
}

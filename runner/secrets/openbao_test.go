package secrets

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewOpenBaoManager(t *testing.T) {
	tests := []struct {
		name          string
		address       string
		roleID        string
		secretID      string
		errorContains string
	}{
		{
			name:          "empty address",
			roleID:        "role",
			secretID:      "secret",
			errorContains: "address cannot be empty",
		},
		{
			name:          "empty role_id",
			address:       "http://localhost:8200",
			secretID:      "secret",
			errorContains: "role_id cannot be empty",
		},
		{
			name:          "empty secret_id",
			address:       "http://localhost:8200",
			roleID:        "role",
			errorContains: "secret_id cannot be empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
			manager, err := NewOpenBaoManager(tt.address, tt.roleID, tt.secretID, logger)
			assert.Error(t, err)
			assert.Nil(t, manager)
			assert.Contains(t, err.Error(), tt.errorContains)
		})
	}
}

func TestOpenBaoManager_PathBuilding(t *testing.T) {
	manager := &OpenBaoManager{mountPath: "gate"}

	tests := []struct {
		repo     Repo
		key      string
		expected string
	}{
		{"acme/app", "API_KEY", "repos/acme_app/API_KEY"},
		{"git.example.com/acme/app.py", "TOKEN", "repos/git_example_com_acme_app_py/TOKEN"},
		{"host:8080/repo", "K", "repos/host_8080_repo/K"},
	}

	for _, tt := range tests {
		t.Run(string(tt.repo), func(t *testing.T) {
			assert.Equal(t, tt.expected, manager.buildSecretPath(tt.repo, tt.key))
		})
	}
}

func TestWithMountPath(t *testing.T) {
	manager := &OpenBaoManager{mountPath: "default"}
	WithMountPath("custom-mount")(manager)
	assert.Equal(t, "custom-mount", manager.mountPath)
}

func TestOpenBaoManager_Stop(t *testing.T) {
	manager := &OpenBaoManager{stopCh: make(chan struct{})}

	var stopper Stopper = manager
	assert.NotPanics(t, stopper.Stop)
	assert.NotPanics(t, stopper.Stop, "stopping twice")

	select {
	case <-manager.stopCh:
	default:
		t.Error("expected stop channel to be closed after Stop()")
	}
}

func TestDecodeSecret(t *testing.T) {
	s, ok := decodeSecret(map[string]any{
		"value":      "v",
		"key":        "REAL_KEY",
		"created_by": "alice",
		"created_at": "2024-05-01T10:00:00Z",
	}, "acme/app", "path_key")
	assert.True(t, ok)
	assert.Equal(t, "REAL_KEY", s.Key)
	assert.Equal(t, "v", s.Value)
	assert.Equal(t, "alice", s.CreatedBy)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), s.CreatedAt)

	s, ok = decodeSecret(map[string]any{"value": "v"}, "acme/app", "path_key")
	assert.True(t, ok)
	assert.Equal(t, "path_key", s.Key)
	assert.True(t, s.CreatedAt.IsZero())

	_, ok = decodeSecret(map[string]any{"key": "K"}, "acme/app", "K")
	assert.False(t, ok)
}

func TestTokenTTL(t *testing.T) {
	n, ok := tokenTTL(float64(120))
	assert.True(t, ok)
	assert.EqualValues(t, 120, n)

	_, ok = tokenTTL("soon")
	assert.False(t, ok)
}

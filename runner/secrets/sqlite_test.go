package secrets

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestManager(t *testing.T, opts ...SqliteManagerOpt) *SqliteManager {
	t.Helper()
	manager, err := NewSQLiteManager(filepath.Join(t.TempDir(), "secrets.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })
	return manager
}

func createTestSecret(repo, key, value, createdBy string) UnlockedSecret {
	return UnlockedSecret{
		Key:       key,
		Value:     value,
		Repo:      Repo(repo),
		CreatedBy: createdBy,
	}
}

func TestNewSQLiteManager(t *testing.T) {
	tests := []struct {
		name        string
		opts        []SqliteManagerOpt
		expectTable string
	}{
		{
			name:        "default table name",
			expectTable: "secrets",
		},
		{
			name:        "custom table name",
			opts:        []SqliteManagerOpt{WithTableName("custom_secrets")},
			expectTable: "custom_secrets",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager := createTestManager(t, tt.opts...)
			assert.Equal(t, tt.expectTable, manager.tableName)
		})
	}

	t.Run("invalid database path", func(t *testing.T) {
		_, err := NewSQLiteManager("/invalid/path/to/database.db")
		assert.Error(t, err)
	})
}

func TestSqliteManager_AddSecret(t *testing.T) {
	ctx := context.Background()
	manager := createTestManager(t)

	err := manager.AddSecret(ctx, createTestSecret("acme/app", "API_KEY", "one", "alice"))
	assert.NoError(t, err)

	err = manager.AddSecret(ctx, createTestSecret("acme/app", "API_KEY", "two", "alice"))
	assert.ErrorIs(t, err, ErrKeyAlreadyPresent)

	err = manager.AddSecret(ctx, createTestSecret("acme/other", "API_KEY", "three", "alice"))
	assert.NoError(t, err, "same key in another repo")

	err = manager.AddSecret(ctx, createTestSecret("acme/app", "1BAD-KEY", "x", "alice"))
	assert.ErrorIs(t, err, ErrInvalidKeyIdent)
}

func TestSqliteManager_RemoveSecret(t *testing.T) {
	ctx := context.Background()
	manager := createTestManager(t)

	require.NoError(t, manager.AddSecret(ctx, createTestSecret("acme/app", "TOKEN", "v", "bob")))

	err := manager.RemoveSecret(ctx, Secret[any]{Key: "TOKEN", Repo: "acme/app"})
	assert.NoError(t, err)

	err = manager.RemoveSecret(ctx, Secret[any]{Key: "TOKEN", Repo: "acme/app"})
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestSqliteManager_GetSecrets(t *testing.T) {
	ctx := context.Background()
	manager := createTestManager(t)

	require.NoError(t, manager.AddSecret(ctx, createTestSecret("acme/app", "ZETA", "z", "bob")))
	require.NoError(t, manager.AddSecret(ctx, createTestSecret("acme/app", "ALPHA", "a", "bob")))
	require.NoError(t, manager.AddSecret(ctx, createTestSecret("acme/other", "BETA", "b", "bob")))

	unlocked, err := manager.GetSecretsUnlocked(ctx, "acme/app")
	require.NoError(t, err)
	require.Len(t, unlocked, 2)
	assert.Equal(t, "ALPHA", unlocked[0].Key)
	assert.Equal(t, "a", unlocked[0].Value)
	assert.Equal(t, "bob", unlocked[0].CreatedBy)
	assert.False(t, unlocked[0].CreatedAt.IsZero())
	assert.Equal(t, "ZETA", unlocked[1].Key)

	locked, err := manager.GetSecretsLocked(ctx, "acme/app")
	require.NoError(t, err)
	require.Len(t, locked, 2)
	assert.Equal(t, "ALPHA", locked[0].Key)
	assert.Equal(t, Repo("acme/app"), locked[0].Repo)

	none, err := manager.GetSecretsUnlocked(ctx, "acme/missing")
	assert.NoError(t, err)
	assert.Empty(t, none)
}

func TestValidateKey(t *testing.T) {
	for _, k := range []string{"A", "_x", "API_KEY_2"} {
		assert.NoError(t, ValidateKey(k), k)
	}
	for _, k := range []string{"", "2FA", "with-dash", "sp ace"} {
		assert.ErrorIs(t, ValidateKey(k), ErrInvalidKeyIdent, k)
	}
}

func TestStaticManager(t *testing.T) {
	ctx := context.Background()

	_, err := NewStaticManager(map[string]string{"bad-key": "x"})
	assert.ErrorIs(t, err, ErrInvalidKeyIdent)

	m, err := NewStaticManager(map[string]string{"PYPI_TOKEN": "t"})
	require.NoError(t, err)

	got, err := m.GetSecretsUnlocked(ctx, "any/repo")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "t", got[0].Value)
	assert.Equal(t, Repo("any/repo"), got[0].Repo)

	assert.ErrorIs(t, m.AddSecret(ctx, UnlockedSecret{Key: "PYPI_TOKEN"}), ErrKeyAlreadyPresent)
	assert.NoError(t, m.RemoveSecret(ctx, Secret[any]{Key: "PYPI_TOKEN"}))
	assert.ErrorIs(t, m.RemoveSecret(ctx, Secret[any]{Key: "PYPI_TOKEN"}), ErrKeyNotFound)
}

// Package secrets stores per-repository secrets that are handed to workflow
// steps as environment variables.
package secrets

import (
	"context"
	"errors"
	"regexp"
	"time"
)

// Repo names the repository a secret is scoped to, as it appears in
// trigger metadata.
type Repo string

type Secret[T any] struct {
	Key       string
	Value     T
	Repo      Repo
	CreatedAt time.Time
	CreatedBy string
}

// LockedSecret carries everything but the value; safe to list.
type LockedSecret = Secret[struct{}]

// UnlockedSecret holds the plaintext value. Only the engine should see it.
type UnlockedSecret = Secret[string]

type Manager interface {
	AddSecret(ctx context.Context, secret UnlockedSecret) error
	RemoveSecret(ctx context.Context, secret Secret[any]) error
	GetSecretsLocked(ctx context.Context, repo Repo) ([]LockedSecret, error)
	GetSecretsUnlocked(ctx context.Context, repo Repo) ([]UnlockedSecret, error)
}

// Stopper is implemented by managers running background work.
type Stopper interface {
	Stop()
}

var (
	ErrKeyAlreadyPresent = errors.New("key already present")
	ErrInvalidKeyIdent   = errors.New("key is not a valid identifier")
	ErrKeyNotFound       = errors.New("key not found")
)

var (
	_ Manager = (*SqliteManager)(nil)
	_ Manager = (*OpenBaoManager)(nil)
	_ Manager = (*StaticManager)(nil)
)

// keys become environment variable names, so they follow shell identifier
// rules
var keyIdent = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func ValidateKey(key string) error {
	if !keyIdent.MatchString(key) {
		return ErrInvalidKeyIdent
	}
	return nil
}

func lock(u UnlockedSecret) LockedSecret {
	return LockedSecret{
		Key:       u.Key,
		Repo:      u.Repo,
		CreatedAt: u.CreatedAt,
		CreatedBy: u.CreatedBy,
	}
}

func lockAll(us []UnlockedSecret) []LockedSecret {
	out := make([]LockedSecret, 0, len(us))
	for _, u := range us {
		out = append(out, lock(u))
	}
	return out
}

package secrets

import (
	"context"
	"maps"
	"slices"
	"time"
)

// StaticManager serves a fixed set of secrets to every repository. The CLI
// uses it to pass selected host environment variables into a run.
type StaticManager struct {
	values map[string]string
}

func NewStaticManager(values map[string]string) (*StaticManager, error) {
	for k := range values {
		if err := ValidateKey(k); err != nil {
			return nil, err
		}
	}
	return &StaticManager{values: values}, nil
}

func (s *StaticManager) AddSecret(_ context.Context, secret UnlockedSecret) error {
	if err := ValidateKey(secret.Key); err != nil {
		return err
	}
	if _, ok := s.values[secret.Key]; ok {
		return ErrKeyAlreadyPresent
	}
	if s.values == nil {
		s.values = make(map[string]string)
	}
	s.values[secret.Key] = secret.Value
	return nil
}

func (s *StaticManager) RemoveSecret(_ context.Context, secret Secret[any]) error {
	if _, ok := s.values[secret.Key]; !ok {
		return ErrKeyNotFound
	}
	delete(s.values, secret.Key)
	return nil
}

func (s *StaticManager) GetSecretsLocked(ctx context.Context, repo Repo) ([]LockedSecret, error) {
	unlocked, _ := s.GetSecretsUnlocked(ctx, repo)
	return lockAll(unlocked), nil
}

func (s *StaticManager) GetSecretsUnlocked(_ context.Context, repo Repo) ([]UnlockedSecret, error) {
	now := time.Now()
	out := make([]UnlockedSecret, 0, len(s.values))
	for _, k := range slices.Sorted(maps.Keys(s.values)) {
		out = append(out, UnlockedSecret{Key: k, Value: s.values[k], Repo: repo, CreatedAt: now, CreatedBy: "static"})
	}
	return out, nil
}

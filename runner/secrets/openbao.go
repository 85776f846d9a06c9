package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	vault "github.com/openbao/openbao/api/v2"
)

const (
	renewCheckInterval = 30 * time.Second
	// renew once the token has less than this left
	renewThreshold = 5 * time.Minute
	renewIncrement = time.Hour
)

// OpenBaoManager stores secrets in an OpenBao KV v2 mount, one entry per
// repo and key under repos/<flattened repo>/<key>. It logs in with AppRole
// and keeps its token alive in the background until Stop.
type OpenBaoManager struct {
	client    *vault.Client
	mountPath string
	roleID    string
	secretID  string
	logger    *slog.Logger

	// held for writing while the token is being replaced
	tokenMu sync.RWMutex
	stopCh  chan struct{}
	once    sync.Once
}

type OpenBaoManagerOpt func(*OpenBaoManager)

func WithMountPath(mountPath string) OpenBaoManagerOpt {
	return func(v *OpenBaoManager) {
		v.mountPath = mountPath
	}
}

func NewOpenBaoManager(address, roleID, secretID string, logger *slog.Logger, opts ...OpenBaoManagerOpt) (*OpenBaoManager, error) {
	switch {
	case address == "":
		return nil, errors.New("address cannot be empty")
	case roleID == "":
		return nil, errors.New("role_id cannot be empty")
	case secretID == "":
		return nil, errors.New("secret_id cannot be empty")
	}

	cfg := vault.DefaultConfig()
	cfg.Address = address
	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create openbao client: %w", err)
	}

	v := &OpenBaoManager{
		client:    client,
		mountPath: "gate",
		roleID:    roleID,
		secretID:  secretID,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
	for _, o := range opts {
		o(v)
	}

	if err := v.login(); err != nil {
		return nil, err
	}
	go v.keepTokenAlive()

	return v, nil
}

func (v *OpenBaoManager) login() error {
	resp, err := v.client.Logical().Write("auth/approle/login", map[string]any{
		"role_id":   v.roleID,
		"secret_id": v.secretID,
	})
	if err != nil {
		return fmt.Errorf("approle login: %w", err)
	}
	if resp == nil || resp.Auth == nil {
		return errors.New("approle login returned no auth info")
	}

	v.client.SetToken(resp.Auth.ClientToken)
	return nil
}

func (v *OpenBaoManager) Stop() {
	v.once.Do(func() { close(v.stopCh) })
}

func (v *OpenBaoManager) keepTokenAlive() {
	ticker := time.NewTicker(renewCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-v.stopCh:
			return
		case <-ticker.C:
			if err := v.refreshToken(); err != nil {
				v.logger.Error("openbao token refresh failed", "error", err)
			}
		}
	}
}

// refreshToken renews a token that is about to expire, and logs in from
// scratch when the token is gone or cannot be renewed.
func (v *OpenBaoManager) refreshToken() error {
	v.tokenMu.Lock()
	defer v.tokenMu.Unlock()

	self, err := v.client.Auth().Token().LookupSelf()
	if err != nil || self == nil || self.Data == nil {
		v.logger.Warn("token lookup failed, logging in again", "error", err)
		return v.login()
	}

	ttl, ok := tokenTTL(self.Data["ttl"])
	if !ok {
		return v.login()
	}
	if time.Duration(ttl)*time.Second >= renewThreshold {
		return nil
	}

	renewed, err := v.client.Auth().Token().RenewSelf(int(renewIncrement.Seconds()))
	if err != nil || renewed == nil || renewed.Auth == nil {
		v.logger.Warn("token renewal failed, logging in again", "error", err)
		return v.login()
	}
	v.logger.Debug("token renewed", "ttl_seconds", renewed.Auth.LeaseDuration)
	return nil
}

// the ttl comes back as a json.Number or a float depending on the decoder
func tokenTTL(raw any) (int64, bool) {
	switch t := raw.(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	case float64:
		return int64(t), true
	case interface{ Int64() (int64, error) }:
		n, err := t.Int64()
		return n, err == nil
	}
	return 0, false
}

func (v *OpenBaoManager) kv() *vault.KVv2 {
	return v.client.KVv2(v.mountPath)
}

// exists reports whether a secret is stored at p; lookup failures other
// than "not found" are returned as errors.
func (v *OpenBaoManager) exists(ctx context.Context, p string) (bool, error) {
	_, err := v.kv().Get(ctx, p)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, vault.ErrSecretNotFound):
		return false, nil
	}
	return false, err
}

func (v *OpenBaoManager) AddSecret(ctx context.Context, secret UnlockedSecret) error {
	if err := ValidateKey(secret.Key); err != nil {
		return err
	}

	v.tokenMu.RLock()
	defer v.tokenMu.RUnlock()

	p := v.buildSecretPath(secret.Repo, secret.Key)
	if ok, err := v.exists(ctx, p); err != nil {
		return fmt.Errorf("failed to look up secret: %w", err)
	} else if ok {
		return ErrKeyAlreadyPresent
	}

	created := secret.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := v.kv().Put(ctx, p, map[string]any{
		"key":        secret.Key,
		"value":      secret.Value,
		"repo":       string(secret.Repo),
		"created_at": created.UTC().Format(time.RFC3339),
		"created_by": secret.CreatedBy,
	})
	if err != nil {
		return fmt.Errorf("failed to store secret: %w", err)
	}
	return nil
}

func (v *OpenBaoManager) RemoveSecret(ctx context.Context, secret Secret[any]) error {
	v.tokenMu.RLock()
	defer v.tokenMu.RUnlock()

	p := v.buildSecretPath(secret.Repo, secret.Key)
	if ok, err := v.exists(ctx, p); err != nil {
		return fmt.Errorf("failed to look up secret: %w", err)
	} else if !ok {
		return ErrKeyNotFound
	}

	// metadata too, so the key no longer shows up in listings
	if err := v.kv().DeleteMetadata(ctx, p); err != nil {
		return fmt.Errorf("failed to delete secret: %w", err)
	}
	return nil
}

func (v *OpenBaoManager) GetSecretsLocked(ctx context.Context, repo Repo) ([]LockedSecret, error) {
	us, err := v.GetSecretsUnlocked(ctx, repo)
	if err != nil {
		return nil, err
	}
	return lockAll(us), nil
}

func (v *OpenBaoManager) GetSecretsUnlocked(ctx context.Context, repo Repo) ([]UnlockedSecret, error) {
	v.tokenMu.RLock()
	defer v.tokenMu.RUnlock()

	repoPath := v.buildRepoPath(repo)
	list, err := v.client.Logical().ListWithContext(ctx, path.Join(v.mountPath, "metadata", repoPath))
	if err != nil {
		return nil, fmt.Errorf("failed to list secrets: %w", err)
	}
	// a repo without secrets lists as nothing at all
	if list == nil || list.Data == nil {
		return []UnlockedSecret{}, nil
	}
	keys, _ := list.Data["keys"].([]any)

	out := make([]UnlockedSecret, 0, len(keys))
	for _, k := range keys {
		key, ok := k.(string)
		if !ok || strings.HasSuffix(key, "/") {
			continue
		}

		entry, err := v.kv().Get(ctx, path.Join(repoPath, key))
		if err != nil {
			if errors.Is(err, vault.ErrSecretNotFound) {
				continue
			}
			return nil, fmt.Errorf("failed to read secret %s: %w", key, err)
		}
		if entry == nil {
			continue
		}
		if s, ok := decodeSecret(entry.Data, repo, key); ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// decodeSecret turns a KV entry back into a secret. Entries without a
// string value are skipped.
func decodeSecret(data map[string]any, repo Repo, fallbackKey string) (UnlockedSecret, bool) {
	value, ok := data["value"].(string)
	if !ok {
		return UnlockedSecret{}, false
	}

	s := UnlockedSecret{
		Key:   fallbackKey,
		Value: value,
		Repo:  repo,
	}
	if key, ok := data["key"].(string); ok && key != "" {
		s.Key = key
	}
	s.CreatedBy, _ = data["created_by"].(string)
	if at, ok := data["created_at"].(string); ok {
		s.CreatedAt, _ = time.Parse(time.RFC3339, at)
	}
	return s, true
}

var repoPathReplacer = strings.NewReplacer("/", "_", ":", "_", ".", "_")

// buildRepoPath flattens a repository name into a single path segment.
func (v *OpenBaoManager) buildRepoPath(repo Repo) string {
	return path.Join("repos", repoPathReplacer.Replace(string(repo)))
}

func (v *OpenBaoManager) buildSecretPath(repo Repo, key string) string {
	return path.Join(v.buildRepoPath(repo), key)
}

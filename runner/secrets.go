package runner

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"tangled.sh/tangled.sh/gate/runner/secrets"
)

type secretRequest struct {
	Repo  string `json:"repo"`
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

type SecretView struct {
	Repo      string `json:"repo"`
	Key       string `json:"key"`
	CreatedAt string `json:"created_at"`
	CreatedBy string `json:"created_by"`
}

func (s *Server) decodeSecret(w http.ResponseWriter, r *http.Request) (secretRequest, bool) {
	var req secretRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %s", err))
		return req, false
	}
	if req.Repo == "" {
		writeError(w, http.StatusBadRequest, "repo is required")
		return req, false
	}
	if err := secrets.ValidateKey(req.Key); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return req, false
	}
	return req, true
}

func (s *Server) AddSecret(w http.ResponseWriter, r *http.Request) {
	l := s.l.With("handler", "AddSecret")

	req, ok := s.decodeSecret(w, r)
	if !ok {
		return
	}

	err := s.vault.AddSecret(r.Context(), secrets.UnlockedSecret{
		Repo:      secrets.Repo(req.Repo),
		Key:       req.Key,
		Value:     req.Value,
		CreatedAt: time.Now(),
		CreatedBy: r.RemoteAddr,
	})
	switch {
	case errors.Is(err, secrets.ErrKeyAlreadyPresent):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		l.Error("failed to add secret to vault", "repo", req.Repo, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to add secret")
		return
	}

	l.Info("added secret", "repo", req.Repo, "key", req.Key)
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) RemoveSecret(w http.ResponseWriter, r *http.Request) {
	l := s.l.With("handler", "RemoveSecret")

	req, ok := s.decodeSecret(w, r)
	if !ok {
		return
	}

	err := s.vault.RemoveSecret(r.Context(), secrets.Secret[any]{
		Repo: secrets.Repo(req.Repo),
		Key:  req.Key,
	})
	switch {
	case errors.Is(err, secrets.ErrKeyNotFound):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		l.Error("failed to remove secret from vault", "repo", req.Repo, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to remove secret")
		return
	}

	l.Info("removed secret", "repo", req.Repo, "key", req.Key)
	w.WriteHeader(http.StatusNoContent)
}

// ListSecrets never returns values.
func (s *Server) ListSecrets(w http.ResponseWriter, r *http.Request) {
	l := s.l.With("handler", "ListSecrets")

	repo := r.URL.Query().Get("repo")
	if repo == "" {
		writeError(w, http.StatusBadRequest, "repo is required")
		return
	}

	ls, err := s.vault.GetSecretsLocked(r.Context(), secrets.Repo(repo))
	if err != nil {
		l.Error("failed to get secrets from vault", "repo", repo, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to list secrets")
		return
	}

	out := make([]SecretView, 0, len(ls))
	for _, sec := range ls {
		out = append(out, SecretView{
			Repo:      string(sec.Repo),
			Key:       sec.Key,
			CreatedAt: sec.CreatedAt.Format(time.RFC3339),
			CreatedBy: sec.CreatedBy,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

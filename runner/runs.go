package runner

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"tangled.sh/tangled.sh/gate/runner/db"
	"tangled.sh/tangled.sh/gate/runner/models"
)

type RunView struct {
	db.Run
	Statuses map[string]models.WorkflowStatus `json:"statuses"`
}

// finished reports whether every workflow of the run has reached a final
// status, after which the view no longer changes.
func (v RunView) finished() bool {
	if len(v.Statuses) < len(v.Workflows) {
		return false
	}
	for _, st := range v.Statuses {
		if !st.Status.IsFinish() {
			return false
		}
	}
	return true
}

func (s *Server) runView(run db.Run) (RunView, error) {
	statuses, err := s.db.RunStatuses(run)
	if err != nil {
		return RunView{}, err
	}
	return RunView{Run: run, Statuses: statuses}, nil
}

type ListRunsResponse struct {
	Runs []RunView `json:"runs"`
	// pass back as ?cursor= for the next page; empty on the last one
	Cursor string `json:"cursor,omitempty"`
}

func (s *Server) ListRuns(w http.ResponseWriter, r *http.Request) {
	l := s.l.With("handler", "ListRuns")

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	cursor := r.URL.Query().Get("cursor")

	runs, err := s.db.ListRuns(cursor, limit)
	if err != nil {
		l.Error("failed to list runs", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	resp := ListRunsResponse{Runs: make([]RunView, 0, len(runs))}
	for _, run := range runs {
		view, err := s.runView(run)
		if err != nil {
			l.Error("failed to get run statuses", "rkey", run.Id.Rkey, "err", err)
			writeError(w, http.StatusInternalServerError, "failed to list runs")
			return
		}
		resp.Runs = append(resp.Runs, view)
	}
	if len(runs) > 0 && len(runs) == min(limit, 100) {
		resp.Cursor = runs[len(runs)-1].Id.Rkey
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) GetRun(w http.ResponseWriter, r *http.Request) {
	rkey := chi.URLParam(r, "rkey")
	l := s.l.With("handler", "GetRun", "rkey", rkey)

	if s.runCache != nil {
		if v, ok := s.runCache.Get(rkey); ok {
			writeJSON(w, http.StatusOK, v)
			return
		}
	}

	run, err := s.db.GetRun(rkey)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "no such run")
		return
	} else if err != nil {
		l.Error("failed to get run", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	view, err := s.runView(run)
	if err != nil {
		l.Error("failed to get run statuses", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}
	if s.runCache != nil && view.finished() {
		s.runCache.Set(rkey, view, 1)
	}

	writeJSON(w, http.StatusOK, view)
}

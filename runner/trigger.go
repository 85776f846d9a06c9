package runner

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/attribute"

	"tangled.sh/tangled.sh/gate/runner/models"
	"tangled.sh/tangled.sh/gate/runner/queue"
	"tangled.sh/tangled.sh/gate/tid"
	"tangled.sh/tangled.sh/gate/workflow"
)

type TriggerRequest struct {
	Trigger workflow.TriggerMetadata `json:"trigger"`
	// workflows to run instead of the server's workflow directory
	Workflows []InlineWorkflow `json:"workflows,omitempty"`
}

type InlineWorkflow struct {
	Name     string `json:"name"`
	Contents string `json:"contents"`
}

type TriggerResponse struct {
	Rkey      string   `json:"rkey,omitempty"`
	Workflows []string `json:"workflows"`
	Warnings  []string `json:"warnings,omitempty"`
}

func (s *Server) Trigger(w http.ResponseWriter, r *http.Request) {
	l := s.l.With("handler", "Trigger")

	var req TriggerRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %s", err))
		return
	}
	if err := req.Trigger.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid trigger: %s", err))
		return
	}

	attrs := []attribute.KeyValue{attribute.String("trigger.kind", string(req.Trigger.Kind))}
	if req.Trigger.Repo != nil {
		attrs = append(attrs, attribute.String("trigger.repo", req.Trigger.Repo.Name))
	}
	_, span := s.tel.TraceStart(r.Context(), "trigger", attrs...)
	defer span.End()

	raw, err := s.rawPipeline(req)
	if err != nil {
		l.Error("failed to load workflows", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load workflows")
		return
	}

	compiler := workflow.Compiler{
		Trigger:       req.Trigger,
		DefaultEngine: s.cfg.Pipelines.Engine,
	}
	compiled := compiler.Compile(compiler.Parse(raw))

	var warnings []string
	for _, wr := range compiler.Diagnostics.Warnings {
		warnings = append(warnings, wr.String())
	}
	if compiler.Diagnostics.IsErr() {
		var errs []string
		for _, e := range compiler.Diagnostics.Errors {
			errs = append(errs, e.String())
		}
		writeError(w, http.StatusUnprocessableEntity, "workflows failed to compile", errs...)
		return
	}

	if len(compiled.Workflows) == 0 {
		l.Info("no workflow matched trigger", "kind", req.Trigger.Kind)
		writeJSON(w, http.StatusOK, TriggerResponse{Workflows: []string{}, Warnings: warnings})
		return
	}

	pipeline := &models.Pipeline{
		Trigger:   req.Trigger,
		Workflows: make(map[models.Engine][]models.Workflow),
	}
	var names []string
	for _, cw := range compiled.Workflows {
		eng, ok := s.engs[cw.Engine]
		if !ok {
			writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("workflow %s: engine %q is not available", cw.Name, cw.Engine))
			return
		}
		mw, err := eng.InitWorkflow(cw, req.Trigger)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("workflow %s: %s", cw.Name, err))
			return
		}
		pipeline.Workflows[eng] = append(pipeline.Workflows[eng], *mw)
		names = append(names, cw.Name)
	}

	pipelineId := models.PipelineId{
		Source: s.cfg.Server.Hostname,
		Rkey:   tid.TID(),
	}
	l = l.With("pipeline", pipelineId)

	if err := s.db.CreateRun(pipelineId, req.Trigger, names); err != nil {
		l.Error("failed to record run", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to record run")
		return
	}
	for _, name := range names {
		wid := models.WorkflowId{PipelineId: pipelineId, Name: name}
		if err := s.db.StatusPending(wid, s.n); err != nil {
			l.Error("failed to mark workflow pending", "workflow", name, "error", err)
		}
	}

	ok := s.jq.Enqueue(queue.Job{
		Run: func() error {
			res := s.run.StartWorkflows(s.baseCtx, pipeline, pipelineId)
			if !res.Passed() {
				return fmt.Errorf("pipeline %s did not pass", pipelineId)
			}
			return nil
		},
		OnFail: func(jobError error) {
			l.Info("pipeline finished", "result", jobError)
		},
	})
	if !ok {
		l.Error("failed to enqueue pipeline: queue is full")
		for _, name := range names {
			wid := models.WorkflowId{PipelineId: pipelineId, Name: name}
			_ = s.db.StatusCancelled(wid, "job queue is full", s.n)
		}
		writeError(w, http.StatusServiceUnavailable, "job queue is full")
		return
	}

	l.Info("pipeline enqueued", "workflows", names)
	writeJSON(w, http.StatusAccepted, TriggerResponse{
		Rkey:      pipelineId.Rkey,
		Workflows: names,
		Warnings:  warnings,
	})
}

func (s *Server) rawPipeline(req TriggerRequest) (workflow.RawPipeline, error) {
	if len(req.Workflows) == 0 {
		return workflow.LoadDir(s.cfg.Pipelines.WorkflowDir)
	}

	raw := make(workflow.RawPipeline, 0, len(req.Workflows))
	for i, iw := range req.Workflows {
		name := iw.Name
		if name == "" {
			name = fmt.Sprintf("workflow-%d", i)
		}
		raw = append(raw, workflow.RawWorkflow{Name: name, Contents: []byte(iw.Contents)})
	}
	return raw, nil
}

package workflow

import (
	"cmp"
	"fmt"
	"os"
	"path/filepath"
	"slices"
)

type RawWorkflow struct {
	Name     string
	Contents []byte
}

type RawPipeline = []RawWorkflow

// CompiledPipeline is what runners accept: the trigger plus every workflow
// that matched it.
type CompiledPipeline struct {
	Trigger   TriggerMetadata
	Workflows []Workflow
}

// Compiler turns raw workflow files into a CompiledPipeline for one
// trigger, recording problems in Diagnostics instead of stopping at the
// first one.
type Compiler struct {
	Trigger TriggerMetadata
	// DefaultEngine is used by workflows that do not name one.
	DefaultEngine string
	Diagnostics   Diagnostics
}

// ReadDir loads every *.yml and *.yaml file in dir, sorted by name. Each
// workflow is named after its file.
func ReadDir(dir string) (RawPipeline, error) {
	var raw RawPipeline
	for _, ext := range []string{"yml", "yaml"} {
		matches, err := filepath.Glob(filepath.Join(dir, "*."+ext))
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			b, err := os.ReadFile(m)
			if err != nil {
				return nil, fmt.Errorf("reading workflow %s: %w", m, err)
			}
			raw = append(raw, RawWorkflow{Name: filepath.Base(m), Contents: b})
		}
	}
	slices.SortFunc(raw, func(a, b RawWorkflow) int { return cmp.Compare(a.Name, b.Name) })
	return raw, nil
}

// Parse decodes each raw workflow. Files that fail to parse are reported
// and left out.
func (c *Compiler) Parse(p RawPipeline) Pipeline {
	var out Pipeline
	for _, raw := range p {
		wf, err := FromFile(raw.Name, raw.Contents)
		if err != nil {
			c.Diagnostics.AddError(raw.Name, err)
			continue
		}
		out = append(out, wf)
	}
	return out
}

// Compile keeps the workflows that match the trigger and pass validation.
// Every workflow after the first one with a given name is an error.
func (c *Compiler) Compile(p Pipeline) CompiledPipeline {
	cp := CompiledPipeline{Trigger: c.Trigger}
	seen := make(map[string]bool, len(p))
	for _, wf := range p {
		if seen[wf.Name] {
			c.Diagnostics.AddError(wf.Name, DuplicateWorkflow)
			continue
		}
		seen[wf.Name] = true

		if cw, ok := c.compileWorkflow(wf); ok {
			cp.Workflows = append(cp.Workflows, cw)
		}
	}
	return cp
}

func (c *Compiler) compileWorkflow(w Workflow) (Workflow, bool) {
	matched, err := w.Match(c.Trigger)
	switch {
	case err != nil:
		c.Diagnostics.AddError(w.Name, fmt.Errorf("failed to execute workflow: %w", err))
		return w, false
	case !matched:
		c.Diagnostics.AddWarning(w.Name, WorkflowSkipped, fmt.Sprintf("did not match trigger %s", c.Trigger.Kind))
		return w, false
	}

	c.checkCloneOpts(w)

	if w.Engine == "" {
		w.Engine = c.DefaultEngine
	}
	if w.Engine == "" {
		c.Diagnostics.AddError(w.Name, MissingEngine)
		return w, false
	}

	if !c.checkSteps(w) {
		return w, false
	}
	return w, true
}

// checkSteps reports false when the workflow cannot run at all. Duplicate
// step names only warn, since steps run by position.
func (c *Compiler) checkSteps(w Workflow) bool {
	if len(w.Steps) == 0 {
		c.Diagnostics.AddError(w.Name, MissingSteps)
		return false
	}

	names := make(map[string]bool, len(w.Steps))
	for i, s := range w.Steps {
		if s.Command == "" {
			c.Diagnostics.AddError(fmt.Sprintf("%s: steps[%d]", w.Name, i), MissingCommand)
			return false
		}
		if s.Name == "" {
			continue
		}
		if names[s.Name] {
			c.Diagnostics.AddWarning(w.Name, InvalidConfiguration, fmt.Sprintf("duplicate step name %q", s.Name))
		}
		names[s.Name] = true
	}
	return true
}

func (c *Compiler) checkCloneOpts(w Workflow) {
	if !w.CloneOpts.Skip {
		return
	}
	if w.CloneOpts.IncludeSubmodules {
		c.Diagnostics.AddWarning(w.Name, InvalidConfiguration, "cannot apply `clone.skip` and `clone.submodules`")
	}
	if w.CloneOpts.Depth > 0 {
		c.Diagnostics.AddWarning(w.Name, InvalidConfiguration, "cannot apply `clone.skip` and `clone.depth`")
	}
}

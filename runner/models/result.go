package models

import "time"

type StepOutcome string

const (
	StepOutcomeSuccess StepOutcome = "success"
	// a fatal step exited non-zero
	StepOutcomeFailed StepOutcome = "failed"
	// a suppressed step exited non-zero
	StepOutcomeSuppressed StepOutcome = "suppressed"
	// the step never ran because an earlier fatal step failed
	StepOutcomeSkipped StepOutcome = "skipped"
)

type StepResult struct {
	Index    int           `json:"index"`
	Name     string        `json:"name"`
	Kind     StepKind      `json:"kind"`
	Policy   FailurePolicy `json:"policy"`
	Outcome  StepOutcome   `json:"outcome"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

type WorkflowResult struct {
	Id     WorkflowId   `json:"id"`
	Status StatusKind   `json:"status"`
	Steps  []StepResult `json:"steps"`
	// index into Steps of the step that ended the workflow, -1 if none
	FailedStep int           `json:"failed_step"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
}

func (r WorkflowResult) Passed() bool {
	return r.Status == StatusKindSuccess
}

// Suppressed lists the steps whose failures were ignored.
func (r WorkflowResult) Suppressed() []StepResult {
	var out []StepResult
	for _, s := range r.Steps {
		if s.Outcome == StepOutcomeSuppressed {
			out = append(out, s)
		}
	}
	return out
}

type PipelineResult struct {
	Id        PipelineId       `json:"id"`
	Workflows []WorkflowResult `json:"workflows"`
}

// Passed is the logical AND of every workflow's fatal steps.
func (p PipelineResult) Passed() bool {
	for _, w := range p.Workflows {
		if !w.Passed() {
			return false
		}
	}
	return true
}

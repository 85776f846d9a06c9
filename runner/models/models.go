package models

import (
	"fmt"
	"regexp"
	"time"
)

var (
	re = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)
)

// PipelineId identifies one triggered run: the source that produced the
// trigger (a hostname, or "local" for CLI runs) and a record key.
type PipelineId struct {
	Source string `json:"source"`
	Rkey   string `json:"rkey"`
}

func (p PipelineId) String() string {
	return fmt.Sprintf("%s/%s", p.Source, p.Rkey)
}

type WorkflowId struct {
	PipelineId
	Name string `json:"name"`
}

// String is safe to use as a file or volume name.
func (wid WorkflowId) String() string {
	return fmt.Sprintf("%s-%s-%s", normalize(wid.Source), wid.Rkey, normalize(wid.Name))
}

func normalize(name string) string {
	normalized := re.ReplaceAllString(name, "-")
	return normalized
}

type StatusKind string

var (
	StatusKindPending   StatusKind = "pending"
	StatusKindRunning   StatusKind = "running"
	StatusKindFailed    StatusKind = "failed"
	StatusKindTimeout   StatusKind = "timeout"
	StatusKindCancelled StatusKind = "cancelled"
	StatusKindSuccess   StatusKind = "success"

	StartStates [2]StatusKind = [2]StatusKind{
		StatusKindPending,
		StatusKindRunning,
	}
	FinishStates [4]StatusKind = [4]StatusKind{
		StatusKindCancelled,
		StatusKindFailed,
		StatusKindSuccess,
		StatusKindTimeout,
	}
)

func (s StatusKind) IsStart() bool {
	for _, state := range StartStates {
		if s == state {
			return true
		}
	}
	return false
}

func (s StatusKind) IsFinish() bool {
	for _, state := range FinishStates {
		if s == state {
			return true
		}
	}
	return false
}

// WorkflowStatus is the payload of a status event.
type WorkflowStatus struct {
	Pipeline  string     `json:"pipeline"`
	Workflow  string     `json:"workflow"`
	Status    StatusKind `json:"status"`
	CreatedAt string     `json:"createdAt"`
	Error     *string    `json:"error,omitempty"`
	ExitCode  *int64     `json:"exitCode,omitempty"`
	// set when a workflow ends on a step
	Step *string `json:"step,omitempty"`
}

type LogKind string

var (
	// step log data
	LogKindData LogKind = "data"
	// indicates start/end of a step
	LogKindControl LogKind = "control"
)

type StepStatus string

var (
	StepStatusStart StepStatus = "start"
	StepStatusEnd   StepStatus = "end"
)

type LogLine struct {
	Kind    LogKind   `json:"kind"`
	Content string    `json:"content"`
	Time    time.Time `json:"time"`
	StepId  int       `json:"step_id"`

	// fields if kind is "data"
	Stream string `json:"stream,omitempty"`

	// fields if kind is "control"
	StepStatus  StepStatus    `json:"step_status,omitempty"`
	StepKind    StepKind      `json:"step_kind,omitempty"`
	StepPolicy  FailurePolicy `json:"step_policy,omitempty"`
	StepCommand string        `json:"step_command,omitempty"`
	Outcome     StepOutcome   `json:"outcome,omitempty"`
	ExitCode    *int          `json:"exit_code,omitempty"`
}

func NewDataLogLine(idx int, content, stream string) LogLine {
	return LogLine{
		Kind:    LogKindData,
		Time:    time.Now(),
		Content: content,
		StepId:  idx,
		Stream:  stream,
	}
}

func NewControlLogLine(idx int, step Step, status StepStatus) LogLine {
	return LogLine{
		Kind:        LogKindControl,
		Time:        time.Now(),
		Content:     step.Name(),
		StepId:      idx,
		StepStatus:  status,
		StepKind:    step.Kind(),
		StepPolicy:  step.Policy(),
		StepCommand: step.Command(),
	}
}

// NewResultLogLine closes a step in the log with its outcome.
func NewResultLogLine(step Step, res StepResult) LogLine {
	l := NewControlLogLine(res.Index, step, StepStatusEnd)
	l.Outcome = res.Outcome
	if res.Outcome != StepOutcomeSkipped {
		code := res.ExitCode
		l.ExitCode = &code
	}
	return l
}

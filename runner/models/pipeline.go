package models

import "tangled.sh/tangled.sh/gate/workflow"

type Pipeline struct {
	Trigger   workflow.TriggerMetadata
	Workflows map[Engine][]Workflow
}

type Step interface {
	Name() string
	Command() string
	Kind() StepKind
	Policy() FailurePolicy
}

type StepKind string

const (
	// steps injected by the CI runner
	StepKindSystem StepKind = "system"
	// steps defined by the user in the original pipeline
	StepKindUser StepKind = "user"
)

// FailurePolicy decides what a non-zero exit of a step means for the run.
type FailurePolicy string

const (
	// a non-zero exit aborts the remaining steps and fails the workflow
	PolicyFatal FailurePolicy = "fatal"
	// a non-zero exit is recorded and logged, and the workflow carries on
	PolicySuppressed FailurePolicy = "suppressed"
)

func PolicyFor(continueOnError bool) FailurePolicy {
	if continueOnError {
		return PolicySuppressed
	}
	return PolicyFatal
}

type Workflow struct {
	Steps []Step
	Name  string
	Data  any
}

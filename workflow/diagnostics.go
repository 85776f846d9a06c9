package workflow

import (
	"errors"
	"fmt"
)

// Diagnostics collects what went wrong while parsing and compiling a
// pipeline. Errors drop the offending workflow; warnings do not.
type Diagnostics struct {
	Errors   []Error
	Warnings []Warning
}

type Error struct {
	Path  string
	Error error
}

func (e Error) String() string {
	return fmt.Sprintf("error: %s: %v", e.Path, e.Error)
}

type Warning struct {
	Path   string
	Type   WarningKind
	Reason string
}

func (w Warning) String() string {
	return fmt.Sprintf("warning: %s: %s: %s", w.Path, w.Type, w.Reason)
}

type WarningKind string

const (
	WorkflowSkipped      WarningKind = "workflow skipped"
	InvalidConfiguration WarningKind = "invalid configuration"
)

var (
	MissingEngine  = errors.New("missing engine")
	MissingSteps   = errors.New("workflow has no steps")
	MissingCommand = errors.New("step has no command")

	// workflow names key logs, statuses and workspaces within a run
	DuplicateWorkflow = errors.New("another workflow has the same name")
)

func (d *Diagnostics) AddError(path string, err error) {
	d.Errors = append(d.Errors, Error{Path: path, Error: err})
}

func (d *Diagnostics) AddWarning(path string, kind WarningKind, reason string) {
	d.Warnings = append(d.Warnings, Warning{Path: path, Type: kind, Reason: reason})
}

func (d *Diagnostics) Combine(o Diagnostics) {
	d.Errors = append(d.Errors, o.Errors...)
	d.Warnings = append(d.Warnings, o.Warnings...)
}

func (d Diagnostics) IsErr() bool   { return len(d.Errors) > 0 }
func (d Diagnostics) IsEmpty() bool { return !d.IsErr() && len(d.Warnings) == 0 }

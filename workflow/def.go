package workflow

import (
	"fmt"
	"maps"
	"slices"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// A trigger (push, pull request or manual run) starts a pipeline made of
// every workflow file that matches it, e.g. .gate/workflows/lint.yml.
// Workflows of a pipeline run side by side; the steps of one workflow run
// in order.

type (
	Pipeline []Workflow

	// this is simply a structural representation of the workflow file
	Workflow struct {
		Name         string            `yaml:"-"` // name of the workflow file
		When         []Constraint      `yaml:"when"`
		Engine       string            `yaml:"engine"`
		Image        string            `yaml:"image"`
		Setup        Setup             `yaml:"setup"`
		Dependencies Dependencies      `yaml:"dependencies"`
		Steps        []Step            `yaml:"steps"`
		Environment  map[string]string `yaml:"environment"`
		CloneOpts    CloneOpts         `yaml:"clone"`
	}

	Constraint struct {
		Event  StringList `yaml:"event"`
		Branch StringList `yaml:"branch"` // optional; glob patterns, empty matches any branch
	}

	// Setup pins the toolchain a workflow runs with.
	Setup struct {
		Python string `yaml:"python"`
	}

	// Dependencies maps an installer (e.g. "pip") to the packages it installs
	// before the user steps run.
	Dependencies map[string][]string

	CloneOpts struct {
		Skip              bool `yaml:"skip"`
		Depth             int  `yaml:"depth"`
		IncludeSubmodules bool `yaml:"submodules"`
	}

	Step struct {
		Name            string            `yaml:"name"`
		Command         string            `yaml:"command"`
		Environment     map[string]string `yaml:"environment"`
		ContinueOnError bool              `yaml:"continue_on_error"`
	}

	StringList []string
)

// FromFile decodes one workflow file; name is usually its base name.
func FromFile(name string, contents []byte) (Workflow, error) {
	wf := Workflow{Name: name}
	if err := yaml.Unmarshal(contents, &wf); err != nil {
		return Workflow{}, err
	}
	wf.Name = name
	return wf, nil
}

// Match reports whether any of the workflow's constraints accept the trigger.
// Manual triggers and workflows without constraints always match.
func (w *Workflow) Match(trigger TriggerMetadata) (bool, error) {
	if trigger.Kind == TriggerKindManual || len(w.When) == 0 {
		return true, nil
	}

	for _, c := range w.When {
		ok, err := c.Match(trigger)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}

	return false, nil
}

func (c *Constraint) Match(trigger TriggerMetadata) (bool, error) {
	if trigger.Kind == TriggerKindManual {
		return true, nil
	}

	if !c.MatchEvent(trigger.Kind) {
		return false, nil
	}

	if len(c.Branch) == 0 {
		return true, nil
	}

	branch, ok := trigger.Branch()
	if !ok {
		return false, nil
	}
	return c.MatchBranch(branch)
}

func (c *Constraint) MatchBranch(branch string) (bool, error) {
	for _, pattern := range c.Branch {
		if !doublestar.ValidatePattern(pattern) {
			return false, fmt.Errorf("invalid branch pattern %q", pattern)
		}
		ok, err := doublestar.Match(pattern, branch)
		if err != nil {
			return false, fmt.Errorf("invalid branch pattern %q: %w", pattern, err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (c *Constraint) MatchEvent(event TriggerKind) bool {
	return slices.Contains(c.Event, string(event))
}

// UnmarshalYAML accepts either a single string or a sequence of strings.
func (s *StringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			*s = nil
			return nil
		}
		*s = StringList{node.Value}
		return nil
	case yaml.SequenceNode:
		out := make(StringList, 0, len(node.Content))
		for _, item := range node.Content {
			if item.Kind != yaml.ScalarNode || item.Tag != "!!str" {
				return fmt.Errorf("line %d: expected a string, got %s", item.Line, item.Tag)
			}
			out = append(out, item.Value)
		}
		*s = out
		return nil
	}
	return fmt.Errorf("line %d: expected a string or a list of strings", node.Line)
}

// Sorted returns installers in a stable order so generated commands are
// reproducible.
func (d Dependencies) Sorted() []string {
	return slices.Sorted(maps.Keys(d))
}

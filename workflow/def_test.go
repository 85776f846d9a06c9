package workflow

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUnmarshalWorkflow(t *testing.T) {
	yamlData := `
when:
  - event: ["push", "pull_request"]
    branch: ["main", "develop"]

steps:
  - name: lint
    command: flake8 .
  - name: fmt
    command: black --check .
    continue_on_error: true`

	wf, err := FromFile("test.yml", []byte(yamlData))
	assert.NoError(t, err, "YAML should unmarshal without error")

	assert.Len(t, wf.When, 1, "Should have one constraint")
	assert.ElementsMatch(t, []string{"main", "develop"}, wf.When[0].Branch)
	assert.ElementsMatch(t, []string{"push", "pull_request"}, wf.When[0].Event)

	assert.Len(t, wf.Steps, 2)
	assert.False(t, wf.Steps[0].ContinueOnError)
	assert.True(t, wf.Steps[1].ContinueOnError)

	assert.False(t, wf.CloneOpts.Skip, "Skip should default to false")
}

func TestUnmarshalCloneSkip(t *testing.T) {
	yamlData := `
when:
  - event: pull_request

clone:
  skip: true
`

	wf, err := FromFile("test.yml", []byte(yamlData))
	assert.NoError(t, err)

	assert.ElementsMatch(t, []string{"pull_request"}, wf.When[0].Event)

	assert.True(t, wf.CloneOpts.Skip, "Skip should be true")
}

func TestUnmarshalStringListRejectsNonStrings(t *testing.T) {
	_, err := FromFile("bad.yml", []byte(`
when:
  - event: [push, {nested: map}]
`))
	assert.Error(t, err)
}

func TestConstraintMatch(t *testing.T) {
	sha := strings.Repeat("f", 40)

	tests := []struct {
		name       string
		constraint Constraint
		trigger    TriggerMetadata
		want       bool
	}{
		{
			name:       "push without branch filter",
			constraint: Constraint{Event: []string{"push"}},
			trigger:    NewPushTrigger("refs/heads/anything", "", sha),
			want:       true,
		},
		{
			name:       "pull request without branch filter",
			constraint: Constraint{Event: []string{"push", "pull_request"}},
			trigger:    NewPullRequestTrigger("feature", "main", sha),
			want:       true,
		},
		{
			name:       "event mismatch",
			constraint: Constraint{Event: []string{"push"}},
			trigger:    NewPullRequestTrigger("feature", "main", sha),
			want:       false,
		},
		{
			name:       "branch glob",
			constraint: Constraint{Event: []string{"push"}, Branch: []string{"release/*"}},
			trigger:    NewPushTrigger("refs/heads/release/1.2", "", sha),
			want:       true,
		},
		{
			name:       "pull request matches target branch",
			constraint: Constraint{Event: []string{"pull_request"}, Branch: []string{"main"}},
			trigger:    NewPullRequestTrigger("main", "develop", sha),
			want:       false,
		},
		{
			name:       "tag push does not match branch filter",
			constraint: Constraint{Event: []string{"push"}, Branch: []string{"*"}},
			trigger:    NewPushTrigger("refs/tags/v1.0.0", "", sha),
			want:       false,
		},
		{
			name:       "manual always matches",
			constraint: Constraint{Event: []string{"push"}, Branch: []string{"main"}},
			trigger:    NewManualTrigger(nil),
			want:       true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.constraint.Match(tt.trigger)
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConstraintInvalidPattern(t *testing.T) {
	c := Constraint{Event: []string{"push"}, Branch: []string{"[unterminated"}}
	_, err := c.Match(NewPushTrigger("refs/heads/main", "", ""))
	assert.Error(t, err)
}

func TestTriggerValidate(t *testing.T) {
	assert.NoError(t, NewPushTrigger("refs/heads/main", "", "abc").Validate())
	assert.Error(t, TriggerMetadata{Kind: TriggerKindPush}.Validate())
	assert.Error(t, TriggerMetadata{Kind: TriggerKindPullRequest}.Validate())
	assert.Error(t, TriggerMetadata{Kind: "tag"}.Validate())

	sha, err := NewPullRequestTrigger("a", "b", "cafe").CommitSHA()
	assert.NoError(t, err)
	assert.Equal(t, "cafe", sha)
}

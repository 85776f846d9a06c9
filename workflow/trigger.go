package workflow

import (
	"fmt"

	"github.com/go-git/go-git/v5/plumbing"
)

type TriggerKind string

const (
	TriggerKindPush        TriggerKind = "push"
	TriggerKindPullRequest TriggerKind = "pull_request"
	TriggerKindManual      TriggerKind = "manual"
)

func (k TriggerKind) Valid() bool {
	switch k {
	case TriggerKindPush, TriggerKindPullRequest, TriggerKindManual:
		return true
	}
	return false
}

type (
	TriggerMetadata struct {
		Kind        TriggerKind         `json:"kind"`
		Push        *PushTriggerData    `json:"push,omitempty"`
		PullRequest *PullRequestTrigger `json:"pull_request,omitempty"`
		Manual      *ManualTriggerData  `json:"manual,omitempty"`
		Repo        *TriggerRepo        `json:"repo,omitempty"`
	}

	PushTriggerData struct {
		Ref    string `json:"ref"`
		OldSha string `json:"old_sha"`
		NewSha string `json:"new_sha"`
	}

	PullRequestTrigger struct {
		SourceBranch string `json:"source_branch"`
		TargetBranch string `json:"target_branch"`
		SourceSha    string `json:"source_sha"`
		Action       string `json:"action"`
	}

	ManualTriggerData struct {
		Inputs map[string]string `json:"inputs,omitempty"`
	}

	// TriggerRepo locates the source tree to check out. CloneURL takes
	// precedence over Path; a trigger with neither runs against whatever the
	// engine's workspace already holds.
	TriggerRepo struct {
		Name          string `json:"name"`
		CloneURL      string `json:"clone_url,omitempty"`
		Path          string `json:"path,omitempty"`
		DefaultBranch string `json:"default_branch,omitempty"`
	}
)

// Validate checks that the payload matching the trigger kind is present.
func (t TriggerMetadata) Validate() error {
	switch t.Kind {
	case TriggerKindPush:
		if t.Push == nil {
			return fmt.Errorf("push trigger metadata is nil")
		}
	case TriggerKindPullRequest:
		if t.PullRequest == nil {
			return fmt.Errorf("pull request trigger metadata is nil")
		}
	case TriggerKindManual:
	default:
		return fmt.Errorf("unknown trigger kind: %s", t.Kind)
	}
	return nil
}

// CommitSHA returns the commit the trigger refers to, if any.
func (t TriggerMetadata) CommitSHA() (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}
	switch t.Kind {
	case TriggerKindPush:
		return t.Push.NewSha, nil
	case TriggerKindPullRequest:
		return t.PullRequest.SourceSha, nil
	}
	return "", nil
}

// Branch returns the branch a trigger applies to: the pushed branch, or the
// target branch of a pull request. Tag pushes have no branch.
func (t TriggerMetadata) Branch() (string, bool) {
	switch {
	case t.Push != nil:
		ref := plumbing.ReferenceName(t.Push.Ref)
		if ref.IsBranch() {
			return ref.Short(), true
		}
		return "", false
	case t.PullRequest != nil:
		return t.PullRequest.TargetBranch, true
	case t.Repo != nil && t.Repo.DefaultBranch != "":
		return t.Repo.DefaultBranch, true
	}
	return "", false
}

func NewPushTrigger(ref, oldSha, newSha string) TriggerMetadata {
	return TriggerMetadata{
		Kind: TriggerKindPush,
		Push: &PushTriggerData{Ref: ref, OldSha: oldSha, NewSha: newSha},
	}
}

func NewPullRequestTrigger(source, target, sha string) TriggerMetadata {
	return TriggerMetadata{
		Kind: TriggerKindPullRequest,
		PullRequest: &PullRequestTrigger{
			SourceBranch: source,
			TargetBranch: target,
			SourceSha:    sha,
			Action:       "opened",
		},
	}
}

func NewManualTrigger(inputs map[string]string) TriggerMetadata {
	return TriggerMetadata{
		Kind:   TriggerKindManual,
		Manual: &ManualTriggerData{Inputs: inputs},
	}
}

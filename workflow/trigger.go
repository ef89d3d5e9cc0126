package workflow

import "fmt"

type TriggerKind string

const (
	TriggerKindPush        TriggerKind = "push"
	TriggerKindPullRequest TriggerKind = "pull_request"
	TriggerKindManual      TriggerKind = "manual"
)

// TriggerMetadata describes the event that started a pipeline. Exactly
// one of Push, PullRequest and Manual is set, matching Kind.
type TriggerMetadata struct {
	Kind        TriggerKind             `json:"kind"`
	Repo        *TriggerRepo            `json:"repo"`
	Push        *PushTriggerData        `json:"push,omitempty"`
	PullRequest *PullRequestTriggerData `json:"pull_request,omitempty"`
	Manual      *ManualTriggerData      `json:"manual,omitempty"`
}

type TriggerRepo struct {
	Name          string `json:"name"`
	CloneURL      string `json:"clone_url"`
	DefaultBranch string `json:"default_branch"`
}

type PushTriggerData struct {
	Ref    string `json:"ref"`
	OldSha string `json:"old_sha"`
	NewSha string `json:"new_sha"`
}

type PullRequestTriggerData struct {
	SourceBranch string `json:"source_branch"`
	TargetBranch string `json:"target_branch"`
	SourceSha    string `json:"source_sha"`
}

type ManualTriggerData struct {
	Ref string `json:"ref,omitempty"` // defaults to the repo's default branch
}

// Sha returns the commit the trigger points at, or "" for manual
// triggers without one.
func (t *TriggerMetadata) Sha() string {
	switch t.Kind {
	case TriggerKindPush:
		if t.Push != nil {
			return t.Push.NewSha
		}
	case TriggerKindPullRequest:
		if t.PullRequest != nil {
			return t.PullRequest.SourceSha
		}
	}
	return ""
}

// Ref returns the ref to check out for this trigger.
func (t *TriggerMetadata) Ref() string {
	switch t.Kind {
	case TriggerKindPush:
		if t.Push != nil {
			return t.Push.Ref
		}
	case TriggerKindPullRequest:
		if t.PullRequest != nil {
			return t.PullRequest.SourceBranch
		}
	case TriggerKindManual:
		if t.Manual != nil && t.Manual.Ref != "" {
			return t.Manual.Ref
		}
		if t.Repo != nil {
			return t.Repo.DefaultBranch
		}
	}
	return ""
}

// Validate checks that the trigger is internally consistent.
func (t *TriggerMetadata) Validate() error {
	if t.Repo == nil {
		return fmt.Errorf("no repo data found")
	}
	if t.Repo.Name == "" || t.Repo.CloneURL == "" {
		return fmt.Errorf("repo name and clone url are required")
	}

	switch t.Kind {
	case TriggerKindPush:
		if t.Push == nil {
			return fmt.Errorf("push trigger without push data")
		}
	case TriggerKindPullRequest:
		if t.PullRequest == nil {
			return fmt.Errorf("pull_request trigger without pull request data")
		}
	case TriggerKindManual:
		if t.Manual == nil {
			return fmt.Errorf("manual trigger without manual data")
		}
	default:
		return fmt.Errorf("unknown trigger kind: %q", t.Kind)
	}

	return nil
}

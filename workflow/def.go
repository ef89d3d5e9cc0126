package workflow

import (
	"errors"
	"fmt"
	"slices"

	"github.com/go-git/go-git/v5/plumbing"
	"gopkg.in/yaml.v3"
)

// - a trigger on a repo (push, pull_request or manual) starts a "Pipeline"
// - a repo could consist of several workflow files
//   * .treadle/workflows/test.yml
//   * .treadle/workflows/lint.yml
// - therefore a pipeline consists of several workflows, these execute in parallel
// - each workflow consists of some execution steps, these execute serially

type (
	Pipeline []Workflow

	// structural representation of a single workflow file
	Workflow struct {
		Name        string            `yaml:"-"` // name of the workflow file
		When        []Constraint      `yaml:"when"`
		Image       string            `yaml:"image"`
		Environment map[string]string `yaml:"environment"`
		CloneOpts   CloneOpts         `yaml:"clone"`
		Cache       *Cache            `yaml:"cache"`
		Steps       []Step            `yaml:"steps"`
	}

	Constraint struct {
		Event  StringList `yaml:"event"`
		Branch StringList `yaml:"branch"` // optional; filters push refs and PR target branches
	}

	CloneOpts struct {
		Skip              bool `yaml:"skip"`
		Depth             int  `yaml:"depth"`
		IncludeSubmodules bool `yaml:"submodules"`
	}

	// Cache declares a keyed dependency cache. Key and RestoreKeys are
	// templates (see RenderKey); Paths are workspace-relative.
	Cache struct {
		Key         string     `yaml:"key"`
		RestoreKeys StringList `yaml:"restore_keys"`
		Paths       StringList `yaml:"paths"`
	}

	Step struct {
		Name        string            `yaml:"name"`
		Command     string            `yaml:"command"`
		Environment map[string]string `yaml:"environment"`
	}

	StringList []string
)

// WorkflowDir is where workflow files live inside a repository.
const WorkflowDir = ".treadle/workflows"

func FromFile(name string, contents []byte) (Workflow, error) {
	var wf Workflow

	err := yaml.Unmarshal(contents, &wf)
	if err != nil {
		return wf, err
	}

	wf.Name = name

	return wf, nil
}

// if any of the constraints on a workflow is true, return true
func (w *Workflow) Match(trigger TriggerMetadata) bool {
	// manual triggers always run the workflow
	if trigger.Manual != nil {
		return true
	}

	// if not manual, run through the constraint list and see if any one matches
	for _, c := range w.When {
		if c.Match(trigger) {
			return true
		}
	}

	// no constraints, always run this workflow
	if len(w.When) == 0 {
		return true
	}

	return false
}

func (c *Constraint) Match(trigger TriggerMetadata) bool {
	match := true

	// manual triggers always pass this constraint
	if trigger.Manual != nil {
		return true
	}

	// apply event constraints
	match = match && c.MatchEvent(string(trigger.Kind))

	// apply branch constraints for PRs
	if trigger.PullRequest != nil {
		match = match && c.MatchBranch(trigger.PullRequest.TargetBranch)
	}

	// apply ref constraints for pushes
	if trigger.Push != nil {
		match = match && c.MatchRef(trigger.Push.Ref)
	}

	return match
}

// an empty branch list places no constraint on the branch
func (c *Constraint) MatchBranch(branch string) bool {
	if len(c.Branch) == 0 {
		return true
	}
	return slices.Contains(c.Branch, branch)
}

func (c *Constraint) MatchRef(ref string) bool {
	refName := plumbing.ReferenceName(ref)
	if refName.IsBranch() {
		return c.MatchBranch(refName.Short())
	}
	return false
}

func (c *Constraint) MatchEvent(event string) bool {
	return slices.Contains(c.Event, event)
}

// Custom unmarshaller for StringList
func (s *StringList) UnmarshalYAML(unmarshal func(any) error) error {
	var stringType string
	if err := unmarshal(&stringType); err == nil {
		*s = []string{stringType}
		return nil
	}

	var sliceType []any
	if err := unmarshal(&sliceType); err == nil {

		if sliceType == nil {
			*s = nil
			return nil
		}

		parts := make([]string, len(sliceType))
		for k, v := range sliceType {
			if sv, ok := v.(string); ok {
				parts[k] = sv
			} else {
				return fmt.Errorf("cannot unmarshal '%v' of type %T into a string value", v, v)
			}
		}

		*s = parts
		return nil
	}

	return errors.New("failed to unmarshal StringOrSlice")
}

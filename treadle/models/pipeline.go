package models

import "treadle.dev/core/workflow"

// Pipeline is the unit of execution handed to an engine: the compiled
// workflows for one trigger.
type Pipeline struct {
	Id       PipelineId
	Trigger  workflow.TriggerMetadata
	Compiled workflow.Compiled
}

func (p *Pipeline) RepoName() string {
	if p.Trigger.Repo != nil {
		return p.Trigger.Repo.Name
	}
	return ""
}

type Step interface {
	Name() string
	Command() string
	Kind() StepKind
}

type StepKind int

const (
	// steps injected by the CI runner
	StepKindSystem StepKind = iota
	// steps defined by the user in the original pipeline
	StepKindUser
	// cache restore/save steps; these get the cache dir mounted
	StepKindCacheRestore
	StepKindCacheSave
)

// Workflow is the runtime form of a compiled workflow: system steps
// prepended, engine-specific extras tucked into Data.
type Workflow struct {
	Name  string
	Steps []Step
	Data  any
}

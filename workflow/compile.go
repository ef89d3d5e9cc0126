package workflow

import (
	"errors"
	"fmt"
)

type RawWorkflow struct {
	Name     string
	Contents []byte
}

type RawPipeline = []RawWorkflow

// Compiler turns a repository's workflow files into the set of
// workflows a runner executes for a given trigger, collecting
// per-file diagnostics along the way.
type Compiler struct {
	Trigger     TriggerMetadata
	Keys        KeyContext
	Diagnostics Diagnostics
}

type Diagnostics struct {
	Errors   []Error
	Warnings []Warning
}

func (d *Diagnostics) IsEmpty() bool {
	return len(d.Errors) == 0 && len(d.Warnings) == 0
}

func (d *Diagnostics) Combine(o Diagnostics) {
	d.Errors = append(d.Errors, o.Errors...)
	d.Warnings = append(d.Warnings, o.Warnings...)
}

func (d *Diagnostics) AddWarning(path string, kind WarningKind, reason string) {
	d.Warnings = append(d.Warnings, Warning{path, kind, reason})
}

func (d *Diagnostics) AddError(path string, err error) {
	d.Errors = append(d.Errors, Error{path, err})
}

func (d Diagnostics) IsErr() bool {
	return len(d.Errors) != 0
}

type Error struct {
	Path  string
	Error error
}

func (e Error) String() string {
	return fmt.Sprintf("error: %s: %s", e.Path, e.Error.Error())
}

type Warning struct {
	Path   string
	Type   WarningKind
	Reason string
}

func (w Warning) String() string {
	return fmt.Sprintf("warning: %s: %s: %s", w.Path, w.Type, w.Reason)
}

var (
	MissingSteps error = errors.New("workflow has no steps")
)

type WarningKind string

var (
	WorkflowSkipped      WarningKind = "workflow skipped"
	InvalidConfiguration WarningKind = "invalid configuration"
)

// CompiledWorkflow is a matched workflow with its cache key templates
// rendered against the triggering commit's tree.
type CompiledWorkflow struct {
	Workflow

	CacheKey    string
	RestoreKeys []string
}

type Compiled struct {
	Trigger   TriggerMetadata
	Workflows []CompiledWorkflow
}

func (compiler *Compiler) Parse(p RawPipeline) Pipeline {
	var pp Pipeline

	for _, w := range p {
		wf, err := FromFile(w.Name, w.Contents)
		if err != nil {
			compiler.Diagnostics.AddError(w.Name, err)
			continue
		}

		pp = append(pp, wf)
	}

	return pp
}

// Compile converts a repository's workflow files into the fully
// compiled pipeline that runners accept.
func (compiler *Compiler) Compile(p Pipeline) Compiled {
	cp := Compiled{
		Trigger: compiler.Trigger,
	}

	for _, wf := range p {
		cw := compiler.compileWorkflow(wf)

		if cw == nil {
			continue
		}

		cp.Workflows = append(cp.Workflows, *cw)
	}

	return cp
}

func (compiler *Compiler) compileWorkflow(w Workflow) *CompiledWorkflow {
	if !w.Match(compiler.Trigger) {
		compiler.Diagnostics.AddWarning(
			w.Name,
			WorkflowSkipped,
			fmt.Sprintf("did not match trigger %s", compiler.Trigger.Kind),
		)
		return nil
	}

	if len(w.Steps) == 0 {
		compiler.Diagnostics.AddError(w.Name, MissingSteps)
		return nil
	}

	compiler.analyzeCloneOptions(w)

	cw := &CompiledWorkflow{Workflow: w}

	if w.Cache != nil {
		if err := compiler.compileCache(w, cw); err != nil {
			compiler.Diagnostics.AddError(w.Name, err)
			return nil
		}
	}

	return cw
}

func (compiler *Compiler) compileCache(w Workflow, cw *CompiledWorkflow) error {
	if w.Cache.Key == "" {
		return errors.New("cache section requires a key")
	}

	if len(w.Cache.Paths) == 0 {
		compiler.Diagnostics.AddWarning(
			w.Name,
			InvalidConfiguration,
			"cache has no paths; nothing will be saved",
		)
	}

	key, err := compiler.Keys.RenderKey(w.Cache.Key)
	if err != nil {
		return fmt.Errorf("rendering cache key: %w", err)
	}
	cw.CacheKey = key

	for _, rk := range w.Cache.RestoreKeys {
		rendered, err := compiler.Keys.RenderKey(rk)
		if err != nil {
			return fmt.Errorf("rendering restore key: %w", err)
		}
		cw.RestoreKeys = append(cw.RestoreKeys, rendered)
	}

	return nil
}

func (compiler *Compiler) analyzeCloneOptions(w Workflow) {
	if w.CloneOpts.Skip && w.CloneOpts.IncludeSubmodules {
		compiler.Diagnostics.AddWarning(
			w.Name,
			InvalidConfiguration,
			"cannot apply `clone.skip` and `clone.submodules`",
		)
	}

	if w.CloneOpts.Skip && w.CloneOpts.Depth > 0 {
		compiler.Diagnostics.AddWarning(
			w.Name,
			InvalidConfiguration,
			"cannot apply `clone.skip` and `clone.depth`",
		)
	}
}

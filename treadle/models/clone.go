package models

import (
	"fmt"
	"strings"

	"treadle.dev/core/workflow"
)

type CloneStep struct {
	name     string
	kind     StepKind
	commands []string
}

func (s CloneStep) Name() string {
	return s.name
}

func (s CloneStep) Commands() []string {
	return s.commands
}

func (s CloneStep) Command() string {
	return strings.Join(s.commands, "\n")
}

func (s CloneStep) Kind() StepKind {
	return s.kind
}

// BuildCloneStep generates git clone commands. The caller must ensure
// the current working directory is set to the desired workspace
// directory before executing these commands.
//
// The generated commands are:
// - git init
// - git remote add origin <url>
// - git fetch --depth=<d> --recurse-submodules=<yes|no> <ref-or-sha>
// - git checkout FETCH_HEAD
//
// Supports all trigger types (push, PR, manual) and clone options.
func BuildCloneStep(cw workflow.CompiledWorkflow, tr workflow.TriggerMetadata) (CloneStep, error) {
	if cw.CloneOpts.Skip {
		return CloneStep{}, nil
	}

	if tr.Repo == nil || tr.Repo.CloneURL == "" {
		return CloneStep{}, fmt.Errorf("trigger carries no clone url")
	}

	// prefer the exact commit; fall back to the ref for manual runs
	target := tr.Sha()
	if target == "" {
		target = tr.Ref()
	}
	if target == "" {
		return CloneStep{}, fmt.Errorf("trigger resolves to neither a commit nor a ref")
	}

	fetchArgs := buildFetchArgs(cw.CloneOpts, target)

	return CloneStep{
		kind: StepKindSystem,
		name: "Clone repository into workspace",
		commands: []string{
			"git init",
			fmt.Sprintf("git remote add origin %s", tr.Repo.CloneURL),
			fmt.Sprintf("git fetch %s", strings.Join(fetchArgs, " ")),
			"git checkout --progress --force FETCH_HEAD",
		},
	}, nil
}

func buildFetchArgs(clone workflow.CloneOpts, target string) []string {
	var args []string

	// default clone depth is 1
	depth := 1
	if clone.Depth > 1 {
		depth = clone.Depth
	}
	args = append(args, fmt.Sprintf("--depth=%d", depth))

	if clone.IncludeSubmodules {
		args = append(args, "--recurse-submodules=yes")
	}

	args = append(args, "origin", target)

	return args
}

// IsZero reports whether the step was elided (clone.skip).
func (s CloneStep) IsZero() bool {
	return len(s.commands) == 0
}

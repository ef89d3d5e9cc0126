package models

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"treadle.dev/core/workflow"
)

func pushTrigger() workflow.TriggerMetadata {
	return workflow.TriggerMetadata{
		Kind: workflow.TriggerKindPush,
		Repo: &workflow.TriggerRepo{
			Name:          "acme/widgets",
			CloneURL:      "https://git.example.com/acme/widgets",
			DefaultBranch: "main",
		},
		Push: &workflow.PushTriggerData{
			Ref:    "refs/heads/main",
			OldSha: strings.Repeat("0", 40),
			NewSha: strings.Repeat("a", 40),
		},
	}
}

func TestBuildCloneStep_Push(t *testing.T) {
	step, err := BuildCloneStep(workflow.CompiledWorkflow{}, pushTrigger())
	require.NoError(t, err)
	require.False(t, step.IsZero())

	assert.Equal(t, StepKindSystem, step.Kind())
	cmds := step.Commands()
	require.Len(t, cmds, 4)
	assert.Equal(t, "git init", cmds[0])
	assert.Equal(t, "git remote add origin https://git.example.com/acme/widgets", cmds[1])
	assert.Equal(t, "git fetch --depth=1 origin "+strings.Repeat("a", 40), cmds[2])
	assert.Equal(t, "git checkout --progress --force FETCH_HEAD", cmds[3])
}

func TestBuildCloneStep_PullRequest(t *testing.T) {
	tr := workflow.TriggerMetadata{
		Kind: workflow.TriggerKindPullRequest,
		Repo: pushTrigger().Repo,
		PullRequest: &workflow.PullRequestTriggerData{
			SourceBranch: "feature",
			TargetBranch: "main",
			SourceSha:    strings.Repeat("b", 40),
		},
	}

	step, err := BuildCloneStep(workflow.CompiledWorkflow{}, tr)
	require.NoError(t, err)
	assert.Contains(t, step.Command(), "git fetch --depth=1 origin "+strings.Repeat("b", 40))
}

func TestBuildCloneStep_ManualUsesDefaultBranch(t *testing.T) {
	tr := workflow.TriggerMetadata{
		Kind:   workflow.TriggerKindManual,
		Repo:   pushTrigger().Repo,
		Manual: &workflow.ManualTriggerData{},
	}

	step, err := BuildCloneStep(workflow.CompiledWorkflow{}, tr)
	require.NoError(t, err)
	assert.Contains(t, step.Command(), "git fetch --depth=1 origin main")
}

func TestBuildCloneStep_Options(t *testing.T) {
	cw := workflow.CompiledWorkflow{
		Workflow: workflow.Workflow{
			CloneOpts: workflow.CloneOpts{
				Depth:             50,
				IncludeSubmodules: true,
			},
		},
	}

	step, err := BuildCloneStep(cw, pushTrigger())
	require.NoError(t, err)
	assert.Contains(t, step.Command(), "--depth=50")
	assert.Contains(t, step.Command(), "--recurse-submodules=yes")
}

func TestBuildCloneStep_Skip(t *testing.T) {
	cw := workflow.CompiledWorkflow{
		Workflow: workflow.Workflow{
			CloneOpts: workflow.CloneOpts{Skip: true},
		},
	}

	step, err := BuildCloneStep(cw, pushTrigger())
	require.NoError(t, err)
	assert.True(t, step.IsZero())
}

func TestBuildCloneStep_NoCloneURL(t *testing.T) {
	tr := pushTrigger()
	tr.Repo = &workflow.TriggerRepo{Name: "acme/widgets"}

	_, err := BuildCloneStep(workflow.CompiledWorkflow{}, tr)
	assert.Error(t, err)
}

func TestWorkflowIdString(t *testing.T) {
	wid := WorkflowId{
		PipelineId: "0b5cd66d-3bf9-4f8e-9053-2acbbe48070c",
		Name:       ".treadle/workflows/build.yml",
	}

	s := wid.String()
	assert.Equal(t, "0b5cd66d-3bf9-4f8e-9053-2acbbe48070c-.treadle-workflows-build.yml", s)
	assert.NotContains(t, s, "/")
}

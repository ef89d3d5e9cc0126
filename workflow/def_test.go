package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cargoWorkflow = `
when:
  - event: [push, pull_request]
    branch: main
image: docker.io/library/rust:1.79
environment:
  CARGO_TERM_COLOR: always
cache:
  key: '{os}-cargo-{checksum "**/Cargo.lock"}'
  restore_keys:
    - '{os}-cargo-'
  paths:
    - target
steps:
  - name: Build
    command: cargo build --verbose
  - name: Check formatting
    command: cargo fmt --check
  - name: Lint
    command: cargo clippy -- -D warnings
  - name: Run tests
    command: cargo test --verbose
`

func TestFromFile(t *testing.T) {
	wf, err := FromFile("build.yml", []byte(cargoWorkflow))
	require.NoError(t, err)

	assert.Equal(t, "build.yml", wf.Name)
	assert.Equal(t, "docker.io/library/rust:1.79", wf.Image)
	assert.Equal(t, "always", wf.Environment["CARGO_TERM_COLOR"])

	require.Len(t, wf.When, 1)
	assert.Equal(t, StringList{"push", "pull_request"}, wf.When[0].Event)
	assert.Equal(t, StringList{"main"}, wf.When[0].Branch)

	require.NotNil(t, wf.Cache)
	assert.Equal(t, `{os}-cargo-{checksum "**/Cargo.lock"}`, wf.Cache.Key)
	assert.Equal(t, StringList{"{os}-cargo-"}, wf.Cache.RestoreKeys)
	assert.Equal(t, StringList{"target"}, wf.Cache.Paths)

	// step order is the file order
	require.Len(t, wf.Steps, 4)
	assert.Equal(t, "Build", wf.Steps[0].Name)
	assert.Equal(t, "Check formatting", wf.Steps[1].Name)
	assert.Equal(t, "Lint", wf.Steps[2].Name)
	assert.Equal(t, "Run tests", wf.Steps[3].Name)
}

func TestStringList_Unmarshal(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want StringList
	}{
		{
			name: "scalar",
			yaml: "when:\n  - event: push\n",
			want: StringList{"push"},
		},
		{
			name: "list",
			yaml: "when:\n  - event: [push, pull_request]\n",
			want: StringList{"push", "pull_request"},
		},
		{
			name: "absent",
			yaml: "when:\n  - branch: main\n",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wf, err := FromFile("x.yml", []byte(tt.yaml))
			require.NoError(t, err)
			require.Len(t, wf.When, 1)
			assert.Equal(t, tt.want, wf.When[0].Event)
		})
	}
}

func TestStringList_UnmarshalRejectsNonStrings(t *testing.T) {
	_, err := FromFile("x.yml", []byte("when:\n  - event: [push, 42]\n"))
	assert.Error(t, err)
}

func TestMatch(t *testing.T) {
	push := func(ref string) TriggerMetadata {
		return TriggerMetadata{
			Kind: TriggerKindPush,
			Push: &PushTriggerData{Ref: ref},
		}
	}

	tests := []struct {
		name    string
		when    []Constraint
		trigger TriggerMetadata
		want    bool
	}{
		{
			name:    "no constraints always runs",
			when:    nil,
			trigger: push("refs/heads/main"),
			want:    true,
		},
		{
			name:    "branch filter matches",
			when:    []Constraint{{Event: StringList{"push"}, Branch: StringList{"main"}}},
			trigger: push("refs/heads/main"),
			want:    true,
		},
		{
			name:    "branch filter rejects",
			when:    []Constraint{{Event: StringList{"push"}, Branch: StringList{"main"}}},
			trigger: push("refs/heads/feature"),
			want:    false,
		},
		{
			name:    "tag refs never match branch constraints",
			when:    []Constraint{{Event: StringList{"push"}, Branch: StringList{"v1.0"}}},
			trigger: push("refs/tags/v1.0"),
			want:    false,
		},
		{
			name:    "event-only constraint matches any branch",
			when:    []Constraint{{Event: StringList{"push"}}},
			trigger: push("refs/heads/feature"),
			want:    true,
		},
		{
			name: "pull request target branch",
			when: []Constraint{{Event: StringList{"pull_request"}, Branch: StringList{"main"}}},
			trigger: TriggerMetadata{
				Kind:        TriggerKindPullRequest,
				PullRequest: &PullRequestTriggerData{SourceBranch: "feature", TargetBranch: "main"},
			},
			want: true,
		},
		{
			name:    "event mismatch",
			when:    []Constraint{{Event: StringList{"pull_request"}}},
			trigger: push("refs/heads/main"),
			want:    false,
		},
		{
			name: "manual bypasses constraints",
			when: []Constraint{{Event: StringList{"push"}, Branch: StringList{"main"}}},
			trigger: TriggerMetadata{
				Kind:   TriggerKindManual,
				Manual: &ManualTriggerData{},
			},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wf := Workflow{When: tt.when}
			assert.Equal(t, tt.want, wf.Match(tt.trigger))
		})
	}
}

func TestTriggerValidate(t *testing.T) {
	repo := &TriggerRepo{Name: "acme/widgets", CloneURL: "https://git.example.com/acme/widgets"}

	assert.Error(t, (&TriggerMetadata{Kind: TriggerKindPush}).Validate())
	assert.Error(t, (&TriggerMetadata{Kind: TriggerKindPush, Repo: repo}).Validate())
	assert.Error(t, (&TriggerMetadata{Kind: "schedule", Repo: repo}).Validate())

	ok := TriggerMetadata{
		Kind: TriggerKindPush,
		Repo: repo,
		Push: &PushTriggerData{Ref: "refs/heads/main"},
	}
	assert.NoError(t, ok.Validate())
}

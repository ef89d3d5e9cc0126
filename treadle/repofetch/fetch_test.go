package repofetch

import (
	"io/fs"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"treadle.dev/core/workflow"
)

func TestWorkflowsSortedAndFiltered(t *testing.T) {
	wt := memfs.New()
	files := map[string]string{
		".treadle/workflows/test.yml":  "steps:\n  - command: cargo test\n",
		".treadle/workflows/build.yml": "steps:\n  - command: cargo build\n",
		".treadle/workflows/notes.txt": "not a workflow",
		"README.md":                    "hello",
	}
	for name, contents := range files {
		require.NoError(t, util.WriteFile(wt, name, []byte(contents), 0644))
	}

	r := &Repo{worktree: wt}

	raw, err := r.Workflows()
	require.NoError(t, err)
	require.Len(t, raw, 2)
	assert.Equal(t, "build.yml", raw[0].Name)
	assert.Equal(t, "test.yml", raw[1].Name)
	assert.Contains(t, string(raw[0].Contents), "cargo build")
}

func TestWorkflowsMissingDir(t *testing.T) {
	r := &Repo{worktree: memfs.New()}

	raw, err := r.Workflows()
	require.NoError(t, err)
	assert.Empty(t, raw)
}

func TestFSRendersCacheKeys(t *testing.T) {
	wt := memfs.New()
	require.NoError(t, util.WriteFile(wt, "Cargo.lock", []byte("lockfile"), 0644))

	r := &Repo{worktree: wt}

	contents, err := fs.ReadFile(r.FS(), "Cargo.lock")
	require.NoError(t, err)
	assert.Equal(t, "lockfile", string(contents))

	keys := workflow.KeyContext{OS: "linux", FS: r.FS()}
	key, err := keys.RenderKey(`{os}-cargo-{checksum "**/Cargo.lock"}`)
	require.NoError(t, err)
	assert.Regexp(t, `^linux-cargo-[0-9a-f]{64}$`, key)
}

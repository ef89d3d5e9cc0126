// Package repofetch materializes a repository tree at the commit a
// trigger points to, without touching disk. The tree feeds workflow
// discovery and cache key rendering; the real build clone happens
// inside the workflow container.
package repofetch

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"path"
	"sort"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/helper/iofs"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/storage/memory"

	"treadle.dev/core/workflow"
)

type Repo struct {
	worktree billy.Filesystem
}

// Fetch clones the repository behind a trigger into memory and checks
// out the triggering commit. The clone is shallow; if the commit is
// not reachable from the shallow history the tree stays at the fetched
// ref's head, which is close enough for workflow discovery.
func Fetch(ctx context.Context, trigger workflow.TriggerMetadata) (*Repo, error) {
	if trigger.Repo == nil || trigger.Repo.CloneURL == "" {
		return nil, fmt.Errorf("trigger has no clone url")
	}

	opts := &git.CloneOptions{
		URL:   trigger.Repo.CloneURL,
		Depth: 1,
	}

	ref := trigger.Ref()
	if ref != "" {
		refName := plumbing.ReferenceName(ref)
		if !refName.IsBranch() && !refName.IsTag() {
			refName = plumbing.NewBranchReferenceName(ref)
		}
		opts.ReferenceName = refName
		opts.SingleBranch = true
	}

	worktree := memfs.New()
	repo, err := git.CloneContext(ctx, memory.NewStorage(), worktree, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to clone %s: %w", trigger.Repo.CloneURL, err)
	}

	if sha := trigger.Sha(); sha != "" {
		wt, err := repo.Worktree()
		if err != nil {
			return nil, err
		}
		// best effort: a shallow clone may not contain the commit
		_ = wt.Checkout(&git.CheckoutOptions{
			Hash:  plumbing.NewHash(sha),
			Force: true,
		})
	}

	return &Repo{worktree: worktree}, nil
}

// FS exposes the checked-out tree for cache key rendering.
func (r *Repo) FS() fs.FS {
	return iofs.New(r.worktree)
}

// Workflows reads every .yml/.yaml file under the workflow dir, in
// name order. A repo without a workflow dir yields an empty pipeline.
func (r *Repo) Workflows() (workflow.RawPipeline, error) {
	entries, err := r.worktree.ReadDir(workflow.WorkflowDir)
	if err != nil {
		return nil, nil
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	var raw workflow.RawPipeline
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch path.Ext(e.Name()) {
		case ".yml", ".yaml":
		default:
			continue
		}

		fpath := path.Join(workflow.WorkflowDir, e.Name())
		f, err := r.worktree.Open(fpath)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", fpath, err)
		}

		contents, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", fpath, err)
		}

		raw = append(raw, workflow.RawWorkflow{
			Name:     e.Name(),
			Contents: contents,
		})
	}

	return raw, nil
}

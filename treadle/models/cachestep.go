package models

import (
	"fmt"
	"strings"
)

// container-side mount point for the host cache dir
const CacheMountDir = "/treadle/cache"

type cacheStep struct {
	name     string
	kind     StepKind
	commands []string
}

func (c cacheStep) Name() string {
	return c.name
}

func (c cacheStep) Command() string {
	return strings.Join(c.commands, "\n")
}

func (c cacheStep) Kind() StepKind {
	return c.kind
}

// BuildCacheRestoreStep unpacks a resolved cache blob into the
// workspace. An empty blob name yields a step that just reports the
// miss, so the log always shows whether the cache hit.
//
// Tarballs are written and read with -P: absolute paths restore to
// their absolute location, relative paths resolve against the step's
// working directory.
func BuildCacheRestoreStep(key, blob string) Step {
	var commands []string
	if blob != "" {
		commands = []string{
			fmt.Sprintf("echo restoring cache for key %q", key),
			fmt.Sprintf("tar -xzPf %s/blobs/%s", CacheMountDir, blob),
		}
	} else {
		commands = []string{
			fmt.Sprintf("echo no cache entry for key %q", key),
		}
	}

	return cacheStep{
		name:     "restore cache",
		kind:     StepKindCacheRestore,
		commands: commands,
	}
}

// BuildCacheSaveStep packs the cached paths into a staged tarball for
// the host to commit after the workflow succeeds. Paths are passed to
// the shell unquoted so ~ and globs expand.
func BuildCacheSaveStep(key, stageName string, paths []string) Step {
	commands := []string{
		fmt.Sprintf("echo saving cache for key %q", key),
		fmt.Sprintf("tar -czPf %s/staging/%s --ignore-failed-read %s",
			CacheMountDir, stageName, strings.Join(paths, " ")),
	}

	return cacheStep{
		name:     "save cache",
		kind:     StepKindCacheSave,
		commands: commands,
	}
}

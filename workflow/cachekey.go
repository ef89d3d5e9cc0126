package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"regexp"
	"runtime"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// Cache keys are rendered from a small template syntax:
//
//	{os}                  the runner's operating system
//	{checksum "glob"}     hex digest over all files matching glob
//
// e.g. `{os}-cargo-{checksum "**/Cargo.lock"}`. Restore keys use the
// same syntax and are usually prefixes of the primary key.

var placeholderRe = regexp.MustCompile(`\{\s*([a-z]+)(?:\s+"([^"]*)")?\s*\}`)

// KeyContext supplies the values placeholders render to. FS is the
// repository tree at the triggering commit; it may be nil when no
// checksum placeholders are in play.
type KeyContext struct {
	OS string
	FS fs.FS
}

func NewKeyContext(fsys fs.FS) KeyContext {
	return KeyContext{
		OS: runtime.GOOS,
		FS: fsys,
	}
}

// RenderKey expands all placeholders in tmpl. An unknown placeholder,
// a checksum over a bad glob, or a checksum with no matching files is
// an error: a silently empty segment would make the key collide across
// unrelated dependency sets.
func (kc KeyContext) RenderKey(tmpl string) (string, error) {
	var renderErr error

	rendered := placeholderRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		groups := placeholderRe.FindStringSubmatch(m)
		name, arg := groups[1], groups[2]

		switch name {
		case "os":
			return kc.OS
		case "checksum":
			sum, err := kc.checksum(arg)
			if err != nil && renderErr == nil {
				renderErr = err
			}
			return sum
		default:
			if renderErr == nil {
				renderErr = fmt.Errorf("unknown placeholder %q in cache key", name)
			}
			return ""
		}
	})

	if renderErr != nil {
		return "", renderErr
	}

	return rendered, nil
}

// checksum digests every file matching the glob, in path order, into a
// single sha256 sum.
func (kc KeyContext) checksum(glob string) (string, error) {
	if glob == "" {
		return "", fmt.Errorf("checksum placeholder requires a glob argument")
	}
	if kc.FS == nil {
		return "", fmt.Errorf("checksum %q: no repository tree available", glob)
	}

	matches, err := doublestar.Glob(kc.FS, glob)
	if err != nil {
		return "", fmt.Errorf("checksum %q: %w", glob, err)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("checksum %q: no files match", glob)
	}

	sort.Strings(matches)

	h := sha256.New()
	for _, m := range matches {
		f, err := kc.FS.Open(m)
		if err != nil {
			return "", fmt.Errorf("checksum %q: %w", glob, err)
		}

		info, err := f.Stat()
		if err == nil && info.IsDir() {
			f.Close()
			continue
		}

		io.WriteString(h, m)
		if _, err := io.Copy(h, f); err != nil {
			f.Close()
			return "", fmt.Errorf("checksum %q: %w", glob, err)
		}
		f.Close()
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

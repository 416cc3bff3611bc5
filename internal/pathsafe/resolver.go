// Package pathsafe maps client-supplied relative paths onto the served root
// and rejects anything that would land outside it.
package pathsafe

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fruitsalade/webfm/internal/failure"
)

// Resolver confines paths to a single canonical root directory.
type Resolver struct {
	root string
}

// NewResolver canonicalizes root (absolute, symlinks evaluated) and checks that
// it is a directory.
func NewResolver(root string) (*Resolver, error) {
	if root == "" {
		return nil, fmt.Errorf("root path is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("absolute root %s: %w", root, err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve root %s: %w", root, err)
	}
	info, err := os.Stat(real)
	if err != nil {
		return nil, fmt.Errorf("stat root %s: %w", real, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", real)
	}
	return &Resolver{root: filepath.Clean(real)}, nil
}

// Root returns the canonical root directory.
func (r *Resolver) Root() string { return r.root }

// Normalize cleans a client path: NUL bytes are dropped, backslashes become
// slashes and surrounding whitespace and slashes are trimmed.
func Normalize(rel string) string {
	rel = strings.ReplaceAll(rel, "\x00", "")
	rel = strings.ReplaceAll(rel, `\`, "/")
	rel = strings.TrimSpace(rel)
	return strings.Trim(rel, "/")
}

// Resolve returns the canonical absolute path for rel. Existing paths are fully
// canonicalized; for paths that do not exist yet the deepest existing ancestor
// is canonicalized and the missing tail joined onto it. The result must be the
// root or lie under it, otherwise a Forbidden error is returned.
func (r *Resolver) Resolve(rel string) (string, error) {
	raw := strings.ReplaceAll(strings.ReplaceAll(rel, "\x00", ""), `\`, "/")
	if filepath.IsAbs(raw) && r.contains(filepath.Clean(raw)) {
		// Already-resolved absolute paths map onto themselves.
		return r.canonical(filepath.Clean(raw))
	}

	candidate := filepath.Join(r.root, filepath.FromSlash(Normalize(rel)))
	return r.canonical(candidate)
}

// Join resolves name inside the already-resolved directory dir. name must be a
// single path element.
func (r *Resolver) Join(dir, name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", failure.Validation("Invalid name.")
	}
	return r.canonical(filepath.Join(dir, name))
}

// Child returns dir/name without following a symlink in the final element, so
// mutations act on a link rather than its target. dir must already be resolved.
func (r *Resolver) Child(dir, name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", failure.Validation("Invalid name.")
	}
	if !r.contains(dir) {
		return "", failure.Forbidden("Forbidden path.")
	}
	return filepath.Join(dir, name), nil
}

// Rel converts an absolute path under the root back to its slash-separated
// relative form ("" for the root itself).
func (r *Resolver) Rel(abs string) (string, error) {
	if !r.contains(abs) {
		return "", failure.Forbidden("Forbidden path.")
	}
	rel, err := filepath.Rel(r.root, abs)
	if err != nil {
		return "", failure.Forbidden("Forbidden path.")
	}
	if rel == "." {
		return "", nil
	}
	return filepath.ToSlash(rel), nil
}

// Within reports whether child equals parent or lies under it. Both sides are
// compared with a trailing separator so "foo" never matches "foobar".
func Within(parent, child string) bool {
	p := strings.TrimRight(filepath.Clean(parent), string(filepath.Separator)) + string(filepath.Separator)
	c := strings.TrimRight(filepath.Clean(child), string(filepath.Separator)) + string(filepath.Separator)
	return strings.HasPrefix(c, p)
}

func (r *Resolver) contains(p string) bool {
	return Within(r.root, p)
}

func (r *Resolver) canonical(candidate string) (string, error) {
	real, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) && !isNotDir(err) {
			return "", failure.IO("Cannot resolve path.", err)
		}
		real, err = r.canonicalMissing(candidate)
		if err != nil {
			return "", err
		}
	}
	real = filepath.Clean(real)
	if !r.contains(real) {
		return "", failure.Forbidden("Forbidden path.")
	}
	return real, nil
}

// canonicalMissing walks up from candidate until an existing ancestor is found,
// canonicalizes it and re-attaches the missing components.
func (r *Resolver) canonicalMissing(candidate string) (string, error) {
	var tail []string
	cur := candidate
	for {
		parent := filepath.Dir(cur)
		tail = append(tail, filepath.Base(cur))
		if parent == cur {
			return "", failure.Forbidden("Forbidden path.")
		}
		real, err := filepath.EvalSymlinks(parent)
		if err == nil {
			for i := len(tail) - 1; i >= 0; i-- {
				real = filepath.Join(real, tail[i])
			}
			return real, nil
		}
		if !errors.Is(err, fs.ErrNotExist) && !isNotDir(err) {
			return "", failure.IO("Cannot resolve path.", err)
		}
		cur = parent
	}
}

func isNotDir(err error) bool {
	return errors.Is(err, syscall.ENOTDIR)
}

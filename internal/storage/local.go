// Package storage performs the filesystem mechanics behind file operations:
// atomic writes into the tree, no-replace renames and bottom-up removal.
// Callers pass absolute paths that have already been resolved inside the root.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// ErrTooLarge is returned by Put when the body exceeds the limit.
var ErrTooLarge = errors.New("content exceeds size limit")

const tempPattern = ".webfm-*.tmp"

// Config holds local filesystem settings.
type Config struct {
	RootPath   string
	CreateRoot bool
}

// Local writes into a directory tree on the local filesystem.
type Local struct {
	rootPath string
}

// New checks that the root exists, creating it when allowed.
func New(cfg Config) (*Local, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root_path is required")
	}

	info, err := os.Stat(cfg.RootPath)
	if err != nil {
		if os.IsNotExist(err) && cfg.CreateRoot {
			if mkErr := os.MkdirAll(cfg.RootPath, 0o755); mkErr != nil {
				return nil, fmt.Errorf("create root path %s: %w", cfg.RootPath, mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat root path %s: %w", cfg.RootPath, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", cfg.RootPath)
	}

	return &Local{rootPath: cfg.RootPath}, nil
}

// Root returns the configured root path as given.
func (l *Local) Root() string { return l.rootPath }

// Put copies body into path through a temp file in the same directory. At
// most limit bytes are accepted; a longer body fails with ErrTooLarge and
// leaves nothing behind. Without overwrite an existing path fails with an
// error matching fs.ErrExist, and the check and the write are one atomic link.
// It returns the number of bytes written.
func (l *Local) Put(ctx context.Context, path string, body io.Reader, limit int64, overwrite bool) (int64, error) {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return 0, fmt.Errorf("create temp for %s: %w", filepath.Base(path), err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	n, err := io.Copy(tmp, io.LimitReader(&ctxReader{ctx: ctx, r: body}, limit+1))
	if err != nil {
		tmp.Close()
		cleanup()
		return 0, fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if n > limit {
		tmp.Close()
		cleanup()
		return 0, ErrTooLarge
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		cleanup()
		return 0, fmt.Errorf("chmod temp for %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return 0, fmt.Errorf("close temp for %s: %w", filepath.Base(path), err)
	}

	if overwrite {
		if err := os.Rename(tmpName, path); err != nil {
			cleanup()
			return 0, fmt.Errorf("rename temp to %s: %w", filepath.Base(path), err)
		}
		return n, nil
	}

	// The link fails if path exists; the temp name is dropped either way.
	err = os.Link(tmpName, path)
	cleanup()
	if err != nil {
		return 0, fmt.Errorf("link temp to %s: %w", filepath.Base(path), err)
	}
	return n, nil
}

// Rename moves oldpath to newpath and fails with an error matching
// fs.ErrExist if newpath is already taken.
func (l *Local) Rename(oldpath, newpath string) error {
	return renameNoReplace(oldpath, newpath)
}

// Mkdir creates a single directory.
func (l *Local) Mkdir(path string) error {
	return os.Mkdir(path, 0o775)
}

// MkdirAll creates path and any missing parents.
func (l *Local) MkdirAll(path string) error {
	return os.MkdirAll(path, 0o775)
}

type removal struct {
	path     string
	expanded bool
}

// RemoveTree deletes path. Directories are emptied bottom-up and symlinks
// are removed without being followed. The first failure stops the walk;
// whatever was already removed stays removed.
func (l *Local) RemoveTree(ctx context.Context, path string) error {
	stack := []removal{{path: path}}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if !top.expanded {
			info, err := os.Lstat(top.path)
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) && top.path != path {
					continue
				}
				return fmt.Errorf("stat %s: %w", filepath.Base(top.path), err)
			}
			if info.IsDir() {
				entries, err := os.ReadDir(top.path)
				if err != nil {
					return fmt.Errorf("read %s: %w", filepath.Base(top.path), err)
				}
				stack = append(stack, removal{path: top.path, expanded: true})
				for _, e := range entries {
					stack = append(stack, removal{path: filepath.Join(top.path, e.Name())})
				}
				continue
			}
		}

		if err := os.Remove(top.path); err != nil {
			return fmt.Errorf("remove %s: %w", filepath.Base(top.path), err)
		}
	}
	return nil
}

// ctxReader stops a copy once its context is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

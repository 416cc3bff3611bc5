// Package listing builds directory listings: it walks one or more levels of
// the tree, filters entries through the classifier and sorts the result.
package listing

import (
	"context"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/cases"

	"github.com/fruitsalade/webfm/internal/classify"
	"github.com/fruitsalade/webfm/internal/logging"
	"github.com/fruitsalade/webfm/internal/metrics"
	"github.com/fruitsalade/webfm/internal/pathsafe"
)

// Entry is one listed file or directory. Parent is the slash-separated
// directory relative to the root that contains it.
type Entry struct {
	Name            string
	IsDir           bool
	ModTime         time.Time
	Size            int64
	Parent          string
	PreviewEligible bool

	seq int
}

// RelPath is the entry's path relative to the root.
func (e Entry) RelPath() string {
	if e.Parent == "" {
		return e.Name
	}
	return e.Parent + "/" + e.Name
}

// Options controls a scan.
type Options struct {
	Query     string
	Recursive bool
	MaxDepth  int
}

// Result holds the directories and files collected by a scan.
type Result struct {
	Dirs  []Entry
	Files []Entry
}

// Len returns the number of collected entries.
func (r *Result) Len() int { return len(r.Dirs) + len(r.Files) }

// Scanner walks directories that have already been resolved inside the root.
type Scanner struct {
	resolver   *pathsafe.Resolver
	classifier *classify.Classifier
}

// NewScanner creates a Scanner. Symlinked entries are checked against r so a
// link pointing out of the root is never listed.
func NewScanner(r *pathsafe.Resolver, c *classify.Classifier) *Scanner {
	return &Scanner{resolver: r, classifier: c}
}

type frame struct {
	abs     string
	rel     string
	depth   int
	entries []os.DirEntry
	next    int
}

// Scan lists absDir (whose root-relative form is relDir). With Recursive set
// and MaxDepth > 0 it descends depth-first, each level consuming one unit of
// depth. Directories are descended into whether or not their own name matches
// the query, but only matching names are collected. Unreadable directories are
// skipped. Cancelling ctx stops the walk and returns what was collected.
func (s *Scanner) Scan(ctx context.Context, absDir, relDir string, opts Options) Result {
	start := time.Now()
	var res Result
	// Casers carry state, so each scan gets its own.
	fold := cases.Fold()
	needle := ""
	if q := strings.TrimSpace(opts.Query); q != "" {
		needle = fold.String(q)
	}
	seq := 0

	root, ok := s.open(absDir, relDir, opts.MaxDepth)
	if !ok {
		return res
	}
	stack := []*frame{root}

	for len(stack) > 0 {
		if ctx.Err() != nil {
			break
		}
		top := stack[len(stack)-1]
		if top.next >= len(top.entries) {
			stack = stack[:len(stack)-1]
			continue
		}
		de := top.entries[top.next]
		top.next++

		name := de.Name()
		if s.classifier.IsHidden(name) {
			continue
		}

		p := filepath.Join(top.abs, name)
		if de.Type()&fs.ModeSymlink != 0 {
			if _, err := s.resolver.Resolve(p); err != nil {
				continue
			}
		}
		info, err := os.Stat(p)
		if err != nil {
			// Dangling links and entries that vanished mid-scan are skipped.
			continue
		}
		matches := needle == "" || strings.Contains(fold.String(name), needle)

		if info.IsDir() {
			if matches {
				res.Dirs = append(res.Dirs, Entry{
					Name:    name,
					IsDir:   true,
					ModTime: info.ModTime(),
					Parent:  top.rel,
					seq:     seq,
				})
				seq++
			}
			// Linked directories are listed but never walked, which keeps the
			// traversal free of cycles.
			if opts.Recursive && top.depth > 0 && de.Type()&fs.ModeSymlink == 0 {
				if child, ok := s.open(p, path.Join(top.rel, name), top.depth-1); ok {
					stack = append(stack, child)
				}
			}
			continue
		}

		if !matches {
			continue
		}
		cl := s.classifier.Classify(name, info.Size(), false)
		if cl.Dangerous {
			continue
		}
		res.Files = append(res.Files, Entry{
			Name:            name,
			ModTime:         info.ModTime(),
			Size:            info.Size(),
			Parent:          top.rel,
			PreviewEligible: cl.PreviewEligible,
			seq:             seq,
		})
		seq++
	}

	metrics.RecordScan(res.Len(), time.Since(start))
	return res
}

func (s *Scanner) open(abs, rel string, depth int) (*frame, bool) {
	entries, err := os.ReadDir(abs)
	if err != nil {
		logging.Debug("skipping unreadable directory", zap.String("dir", rel), zap.Error(err))
		return nil, false
	}
	return &frame{abs: abs, rel: strings.Trim(rel, "/"), depth: depth, entries: entries}, true
}

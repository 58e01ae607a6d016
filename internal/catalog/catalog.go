// Package catalog enumerates the files under the exposed data folder
// whose extension is on the allow list.
//
// Symbolic links are never followed: a link to a file is not a regular
// file and is left out, and a link to a directory is not descended into.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/filegate/internal/logging"
	"github.com/fruitsalade/filegate/internal/metrics"
)

// ErrRootNotFound is returned by Stat when the data folder is missing,
// is not a directory or cannot be listed.
var ErrRootNotFound = errors.New("data folder not found")

// Entry is one eligible file, snapshotted at enumeration time.
type Entry struct {
	AbsolutePath string
	RelativePath string // slash-separated, relative to the root
	Name         string
	Size         int64
	ModTime      time.Time
}

// Catalog lists eligible files under a root directory. Every call walks
// the tree again; nothing is cached between calls.
type Catalog struct {
	root string
	exts map[string]struct{}
}

// New creates a Catalog for root. Extensions are matched
// case-insensitively and should include the leading dot.
func New(root string, allowedExtensions []string) *Catalog {
	exts := make(map[string]struct{}, len(allowedExtensions))
	for _, ext := range allowedExtensions {
		exts[strings.ToLower(ext)] = struct{}{}
	}
	return &Catalog{
		root: filepath.Clean(root),
		exts: exts,
	}
}

// Root returns the configured root directory.
func (c *Catalog) Root() string {
	return c.root
}

// Resolve maps a slash-separated relative path back to a filesystem path
// under root. It fails for paths that would escape root.
func Resolve(root, rel string) (string, bool) {
	local := filepath.FromSlash(rel)
	if rel == "" || !filepath.IsLocal(local) {
		return "", false
	}
	return filepath.Join(root, local), true
}

// Allowed reports whether name carries an allowed extension.
func (c *Catalog) Allowed(name string) bool {
	_, ok := c.exts[strings.ToLower(filepath.Ext(name))]
	return ok
}

// Stat checks that the root exists, is a directory and can be listed. The
// returned error wraps ErrRootNotFound and names the configured path.
func (c *Catalog) Stat() error {
	info, err := os.Stat(c.root)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrRootNotFound, c.root)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrRootNotFound, c.root)
	}
	dir, err := os.Open(c.root)
	if err != nil {
		return fmt.Errorf("%w: %s is not readable: %v", ErrRootNotFound, c.root, err)
	}
	defer dir.Close()
	if _, err := dir.ReadDir(1); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %s is not readable: %v", ErrRootNotFound, c.root, err)
	}
	return nil
}

// Walk lazily yields eligible entries in traversal order. A missing or
// unreadable root is logged and yields nothing. Unreadable subdirectories are logged and skipped; the
// only error ever yielded is the context's, after which iteration stops.
func (c *Catalog) Walk(ctx context.Context) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		if err := c.Stat(); err != nil {
			logging.Warn("catalog: data folder unavailable", zap.Error(err))
			return
		}
		// The root itself may be a symlink; links below it are not followed.
		root := c.root
		if resolved, err := filepath.EvalSymlinks(root); err == nil {
			root = resolved
		}

		stopped := errors.New("stopped")
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if err != nil {
				if path == root {
					logging.Warn("catalog: cannot read data folder",
						zap.String("path", c.root), zap.Error(err))
					return fs.SkipAll
				}
				logging.Warn("catalog: skipping unreadable path",
					zap.String("path", path), zap.Error(err))
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() || !c.Allowed(d.Name()) {
				return nil
			}

			entry, ok := entryFor(root, path, d)
			if !ok {
				return nil
			}
			if !yield(entry, nil) {
				return stopped
			}
			return nil
		})
		if err != nil && !errors.Is(err, stopped) {
			yield(Entry{}, err)
		}
	}
}

func entryFor(root, path string, d fs.DirEntry) (Entry, bool) {
	rel, ok := RelativeTo(root, path)
	if !ok {
		return Entry{}, false
	}
	info, err := d.Info()
	if err != nil {
		// Removed between readdir and stat.
		logging.Debug("catalog: file vanished during walk", zap.String("path", path))
		return Entry{}, false
	}
	return Entry{
		AbsolutePath: path,
		RelativePath: rel,
		Name:         d.Name(),
		Size:         info.Size(),
		ModTime:      info.ModTime(),
	}, true
}

// RelativeTo converts a path under root into the slash-separated relative
// form used as archive member names. It fails for paths that would
// escape root.
func RelativeTo(root, path string) (string, bool) {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." || !filepath.IsLocal(rel) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// List materializes Walk and sorts the result by relative path. A missing
// root yields an empty, non-nil slice.
func (c *Catalog) List(ctx context.Context) ([]Entry, error) {
	start := time.Now()
	entries := []Entry{}
	for entry, err := range c.Walk(ctx) {
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	slices.SortFunc(entries, func(a, b Entry) int {
		return strings.Compare(a.RelativePath, b.RelativePath)
	})
	metrics.RecordCatalogList(time.Since(start), len(entries))
	return entries, nil
}

// Package session holds per-session authentication state and mediates
// every access to the catalog and the archiver.
package session

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/fruitsalade/filegate/internal/archive"
	"github.com/fruitsalade/filegate/internal/catalog"
	"github.com/fruitsalade/filegate/internal/logging"
	"github.com/fruitsalade/filegate/internal/metrics"
)

const (
	// ArchiveName is the suggested filename for multi-file downloads.
	ArchiveName = "selected_files.zip"

	ContentTypeOctetStream = "application/octet-stream"
	ContentTypeZip         = "application/zip"
)

// State is the authentication state of a session.
type State int

const (
	Unauthenticated State = iota
	Authenticated
)

func (s State) String() string {
	if s == Authenticated {
		return "authenticated"
	}
	return "unauthenticated"
}

// Verifier checks a presented credential.
type Verifier interface {
	Verify(credential string) bool
}

// Download is a byte stream ready to be served. The caller must Close it.
type Download struct {
	Name        string
	ContentType string
	Size        int64
	ModTime     time.Time
	Body        io.ReadSeekCloser
}

// services are shared by every gate of a Store.
type services struct {
	verifier Verifier
	catalog  *catalog.Catalog
	archiver *archive.Archiver
	jobs     *semaphore.Weighted
}

// Gate is one session. It starts Unauthenticated; file operations are
// rejected until Authenticate succeeds and again after Logout.
type Gate struct {
	id  string
	svc *services

	mu         sync.Mutex
	state      State
	snapshot   map[string]catalog.Entry
	lastActive time.Time

	// ops serializes file operations within the session. The auth check
	// runs under it, so an operation queued behind a Logout is refused.
	ops sync.Mutex
}

func newGate(id string, svc *services) *Gate {
	return &Gate{
		id:         id,
		svc:        svc,
		lastActive: time.Now(),
	}
}

// ID returns the session identifier.
func (g *Gate) ID() string {
	return g.id
}

// State returns the current authentication state.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// LastActive returns the time of the last operation on the session.
func (g *Gate) LastActive() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastActive
}

func (g *Gate) touch() {
	g.mu.Lock()
	g.lastActive = time.Now()
	g.mu.Unlock()
}

// Authenticate moves the session to Authenticated when credential
// verifies. On failure the state is left as it was.
func (g *Gate) Authenticate(credential string) error {
	g.touch()
	ok := g.svc.verifier.Verify(credential)
	metrics.RecordAuthAttempt(ok)
	if !ok {
		logging.Warn("authentication failed", zap.String("session_id", g.id))
		return ErrInvalidCredential
	}

	g.mu.Lock()
	g.state = Authenticated
	g.mu.Unlock()
	logging.Info("session authenticated", zap.String("session_id", g.id))
	return nil
}

// Logout returns the session to Unauthenticated and forgets its listing.
func (g *Gate) Logout() {
	g.mu.Lock()
	g.state = Unauthenticated
	g.snapshot = nil
	g.lastActive = time.Now()
	g.mu.Unlock()
	logging.Info("session logged out", zap.String("session_id", g.id))
}

func (g *Gate) requireAuth() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastActive = time.Now()
	if g.state != Authenticated {
		return ErrNotAuthenticated
	}
	return nil
}

// RootStatus reports whether the data folder is available. The error
// wraps ErrRootNotFound and names the configured path.
func (g *Gate) RootStatus() error {
	if err := g.requireAuth(); err != nil {
		return err
	}
	return g.svc.catalog.Stat()
}

// Root returns the configured data folder.
func (g *Gate) Root() string {
	return g.svc.catalog.Root()
}

// ListFiles enumerates the eligible files and remembers the result as the
// session's current listing. A missing data folder yields an empty list.
func (g *Gate) ListFiles(ctx context.Context) ([]catalog.Entry, error) {
	g.ops.Lock()
	defer g.ops.Unlock()
	if err := g.requireAuth(); err != nil {
		return nil, err
	}

	return g.list(ctx)
}

func (g *Gate) list(ctx context.Context) ([]catalog.Entry, error) {
	if err := g.svc.jobs.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer g.svc.jobs.Release(1)

	entries, err := g.svc.catalog.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}

	snapshot := make(map[string]catalog.Entry, len(entries))
	for _, e := range entries {
		snapshot[e.RelativePath] = e
	}
	g.mu.Lock()
	g.snapshot = snapshot
	g.mu.Unlock()
	return entries, nil
}

// lookup resolves relative paths against the current listing, taking a
// fresh one if the session has never listed.
func (g *Gate) lookup(ctx context.Context, paths []string) ([]catalog.Entry, error) {
	g.mu.Lock()
	snapshot := g.snapshot
	g.mu.Unlock()
	if snapshot == nil {
		if _, err := g.list(ctx); err != nil {
			return nil, err
		}
		g.mu.Lock()
		snapshot = g.snapshot
		g.mu.Unlock()
	}

	entries := make([]catalog.Entry, 0, len(paths))
	for _, p := range paths {
		e, ok := snapshot[p]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// DownloadSingle opens one file from the current listing.
func (g *Gate) DownloadSingle(ctx context.Context, relPath string) (*Download, error) {
	g.ops.Lock()
	defer g.ops.Unlock()
	if err := g.requireAuth(); err != nil {
		return nil, err
	}

	entries, err := g.lookup(ctx, []string{relPath})
	if err != nil {
		return nil, err
	}
	entry := entries[0]

	full, ok := catalog.Resolve(g.svc.catalog.Root(), entry.RelativePath)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, relPath)
	}
	// Same rule as archiving: links are not followed, even if a listed
	// file was replaced by one afterwards.
	linfo, err := os.Lstat(full)
	if err != nil || !linfo.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, relPath)
	}
	f, err := os.Open(full)
	if err != nil {
		logging.Warn("download: cannot open file", zap.String("path", relPath), zap.Error(err))
		return nil, fmt.Errorf("%w: %s", ErrNotFound, relPath)
	}
	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() || !os.SameFile(linfo, info) {
		f.Close()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, relPath)
	}

	return &Download{
		Name:        path.Base(entry.RelativePath),
		ContentType: ContentTypeOctetStream,
		Size:        info.Size(),
		ModTime:     info.ModTime(),
		Body:        f,
	}, nil
}

// DownloadArchive packs the selected files into a zip archive. Paths are
// deduplicated; every path must be in the current listing. Files that
// vanished since the listing are skipped and reported, not fatal.
func (g *Gate) DownloadArchive(ctx context.Context, relPaths []string) (*Download, archive.Report, error) {
	g.ops.Lock()
	defer g.ops.Unlock()
	if err := g.requireAuth(); err != nil {
		return nil, archive.Report{}, err
	}
	if len(relPaths) == 0 {
		return nil, archive.Report{}, ErrEmptySelection
	}

	selection := slices.Clone(relPaths)
	slices.Sort(selection)
	selection = slices.Compact(selection)

	entries, err := g.lookup(ctx, selection)
	if err != nil {
		return nil, archive.Report{}, err
	}

	if err := g.svc.jobs.Acquire(ctx, 1); err != nil {
		return nil, archive.Report{}, err
	}
	defer g.svc.jobs.Release(1)

	reader, report, err := g.svc.archiver.Build(ctx, g.svc.catalog.Root(), entries)
	if err != nil {
		return nil, report, fmt.Errorf("build archive: %w", err)
	}
	if report.Partial() {
		logging.Warn("archive built with skipped entries",
			zap.String("session_id", g.id),
			zap.Int("members", len(report.Members)),
			zap.Int("skipped", len(report.Skipped)))
	}

	return &Download{
		Name:        ArchiveName,
		ContentType: ContentTypeZip,
		Size:        reader.Size(),
		ModTime:     time.Now(),
		Body:        nopCloser{reader},
	}, report, nil
}

type nopCloser struct {
	*bytes.Reader
}

func (nopCloser) Close() error { return nil }

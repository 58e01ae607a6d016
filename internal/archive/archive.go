// Package archive packs selected catalog entries into a zip archive whose
// member names are the entries' paths relative to the data folder.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
	"go.uber.org/zap"

	"github.com/fruitsalade/filegate/internal/catalog"
	"github.com/fruitsalade/filegate/internal/logging"
	"github.com/fruitsalade/filegate/internal/metrics"
)

// SkipReason says why a selected entry did not make it into the archive.
type SkipReason string

const (
	SkipMissing     SkipReason = "missing"
	SkipPermission  SkipReason = "permission"
	SkipNotRegular  SkipReason = "not_regular"
	SkipInvalidPath SkipReason = "invalid_path"
	SkipUnreadable  SkipReason = "unreadable"
)

// Skip records one entry left out of an archive.
type Skip struct {
	Path   string
	Reason SkipReason
	Err    error
}

// Report describes what went into an archive.
type Report struct {
	Members []string
	Skipped []Skip
}

// Partial reports whether any selected entry was skipped.
func (r Report) Partial() bool {
	return len(r.Skipped) > 0
}

// Archiver builds zip archives. It is safe for concurrent use.
type Archiver struct {
	level int
}

// New creates an Archiver using the given deflate level (-1 for the
// library default, 0 for no compression, 1..9).
func New(level int) *Archiver {
	if level < flate.DefaultCompression || level > flate.BestCompression {
		level = flate.DefaultCompression
	}
	return &Archiver{level: level}
}

// Write streams a zip archive of entries to w. Each entry is re-checked
// on disk; entries that vanished, became unreadable or are no longer
// regular files are skipped and listed in the report. The returned error
// is non-nil only when the archive itself could not be produced or ctx
// was cancelled.
func (a *Archiver) Write(ctx context.Context, w io.Writer, root string, entries []catalog.Entry) (Report, error) {
	start := time.Now()
	report := Report{Members: make([]string, 0, len(entries))}

	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, a.level)
	})

	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if _, dup := seen[e.RelativePath]; dup {
			continue
		}
		seen[e.RelativePath] = struct{}{}

		skip, err := a.add(ctx, zw, root, e)
		if err != nil {
			return report, fmt.Errorf("add %s: %w", e.RelativePath, err)
		}
		if skip != nil {
			logging.Warn("archive: skipping entry",
				zap.String("path", skip.Path),
				zap.String("reason", string(skip.Reason)),
				zap.Error(skip.Err))
			metrics.RecordArchiveSkip(string(skip.Reason))
			report.Skipped = append(report.Skipped, *skip)
			continue
		}
		report.Members = append(report.Members, e.RelativePath)
	}

	if err := zw.Close(); err != nil {
		return report, fmt.Errorf("finish archive: %w", err)
	}
	metrics.RecordArchiveBuild(time.Since(start), len(report.Members))
	return report, nil
}

// Build writes the archive into memory and returns a reader positioned at
// its start. The reader can be rewound with Seek.
func (a *Archiver) Build(ctx context.Context, root string, entries []catalog.Entry) (*bytes.Reader, Report, error) {
	var buf bytes.Buffer
	report, err := a.Write(ctx, &buf, root, entries)
	if err != nil {
		return nil, report, err
	}
	return bytes.NewReader(buf.Bytes()), report, nil
}

// add copies one entry into zw. A non-nil Skip means the entry was left
// out; a non-nil error means the archive is unusable. The file is read in
// full before its header is written, so a failing read never leaves a
// truncated member behind.
func (a *Archiver) add(ctx context.Context, zw *zip.Writer, root string, e catalog.Entry) (*Skip, error) {
	path, ok := catalog.Resolve(root, e.RelativePath)
	if !ok {
		return &Skip{Path: e.RelativePath, Reason: SkipInvalidPath}, nil
	}

	linfo, err := os.Lstat(path)
	if err != nil {
		return skipFor(e.RelativePath, err), nil
	}
	if !linfo.Mode().IsRegular() {
		return &Skip{Path: e.RelativePath, Reason: SkipNotRegular}, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return skipFor(e.RelativePath, err), nil
	}
	defer f.Close()

	// The path may have been swapped between Lstat and Open.
	info, err := f.Stat()
	if err != nil {
		return skipFor(e.RelativePath, err), nil
	}
	if !info.Mode().IsRegular() || !os.SameFile(linfo, info) {
		return &Skip{Path: e.RelativePath, Reason: SkipNotRegular}, nil
	}

	data, err := io.ReadAll(&ctxReader{ctx: ctx, r: f})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return skipFor(e.RelativePath, err), nil
	}

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return &Skip{Path: e.RelativePath, Reason: SkipUnreadable, Err: err}, nil
	}
	header.Name = e.RelativePath
	header.Method = zip.Deflate
	header.UncompressedSize64 = uint64(len(data))

	dst, err := zw.CreateHeader(header)
	if err != nil {
		return nil, err
	}
	if _, err := dst.Write(data); err != nil {
		return nil, err
	}
	return nil, nil
}

func skipFor(rel string, err error) *Skip {
	reason := SkipUnreadable
	switch {
	case errors.Is(err, fs.ErrNotExist):
		reason = SkipMissing
	case errors.Is(err, fs.ErrPermission):
		reason = SkipPermission
	}
	return &Skip{Path: rel, Reason: reason, Err: err}
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

package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	apperrors "github.com/arkilian/segvault/internal/errors"
	"github.com/arkilian/segvault/internal/router"
	"github.com/arkilian/segvault/internal/segment"
	"github.com/arkilian/segvault/internal/storage"
)

// Tree resolves segment paths, relative to a recording root, to files.
type Tree interface {
	LocalPath(segPath string) string
}

// Config configures an Archiver.
type Config struct {
	Storage storage.ObjectStorage
	Codec   Codec
	// Tree is the recording's segment tree.
	Tree Tree
	// TempDir holds compressed files before upload. Empty means os.TempDir.
	TempDir string
	// Concurrency bounds parallel downloads during Restore.
	Concurrency int
	Logger      *slog.Logger
}

// Stats counts archive activity.
type Stats struct {
	Uploaded int64 `json:"uploaded"`
	Failed   int64 `json:"failed"`
	Restored int64 `json:"restored"`
	Bytes    int64 `json:"bytes"`
}

// SyncReport lists what a Sync pass did.
type SyncReport struct {
	Uploaded []string `json:"uploaded"`
	Skipped  int      `json:"skipped"`
	Failed   []string `json:"failed"`
}

// RestoreReport lists what a Restore pass did.
type RestoreReport struct {
	Restored []string         `json:"restored"`
	Missing  []string         `json:"missing"`
	Errors   map[string]error `json:"-"`
}

// Archiver uploads closed segments to object storage.
type Archiver struct {
	cfg    Config
	logger *slog.Logger

	// One upload per segment at a time.
	inflight sync.Map

	uploaded atomic.Int64
	failed   atomic.Int64
	restored atomic.Int64
	bytes    atomic.Int64
}

// New creates an archiver.
func New(cfg Config) (*Archiver, error) {
	if cfg.Storage == nil {
		return nil, fmt.Errorf("archive: storage is required")
	}
	if cfg.Tree == nil {
		return nil, fmt.Errorf("archive: segment tree is required")
	}
	if cfg.Codec == nil {
		cfg.Codec = SnappyCodec{}
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		cfg:    cfg,
		logger: logger.With("component", "Archiver", "codec", cfg.Codec.Name()),
	}, nil
}

// ObjectPath returns the object path a segment is archived under.
func (a *Archiver) ObjectPath(segPath string) string {
	return segPath + "." + a.cfg.Codec.Ext()
}

// Stats returns archive counters.
func (a *Archiver) Stats() Stats {
	return Stats{
		Uploaded: a.uploaded.Load(),
		Failed:   a.failed.Load(),
		Restored: a.restored.Load(),
		Bytes:    a.bytes.Load(),
	}
}

// Run archives every segment announced as closed on sub until ctx is done or
// the subscription is closed. Failed uploads are logged; Sync retries them.
func (a *Archiver) Run(ctx context.Context, sub *router.Subscriber) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case n, ok := <-sub.Ch:
			if !ok {
				return nil
			}
			if n.Type != router.SegmentClosed {
				continue
			}
			if err := a.Archive(ctx, n.Path); err != nil {
				a.logger.Warn("archive failed, will retry on next sync", "path", n.Path, "error", err)
			}
		}
	}
}

// Archive compresses the segment at segPath and uploads it. The segment
// must be closed.
func (a *Archiver) Archive(ctx context.Context, segPath string) error {
	if _, busy := a.inflight.LoadOrStore(segPath, struct{}{}); busy {
		return nil
	}
	defer a.inflight.Delete(segPath)

	err := a.archive(ctx, segPath)
	if err != nil {
		a.failed.Add(1)
		return err
	}
	a.uploaded.Add(1)
	return nil
}

func (a *Archiver) archive(ctx context.Context, segPath string) error {
	src := a.cfg.Tree.LocalPath(segPath)
	if !segment.Validate(segment.PathSource(src)) {
		return apperrors.NewSegmentError(apperrors.CodeCorruptSegment,
			fmt.Sprintf("archive: segment %s is not valid", segPath), nil)
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(a.cfg.TempDir, "segvault-archive-*")
	if err != nil {
		return fmt.Errorf("archive: failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w, err := a.cfg.Codec.NewWriter(tmp)
	if err != nil {
		tmp.Close()
		return err
	}
	n, err := io.Copy(w, in)
	if err == nil {
		err = w.Close()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("archive: failed to compress %s: %w", segPath, err)
	}

	objectPath := a.ObjectPath(segPath)
	if err := a.cfg.Storage.Upload(ctx, tmp.Name(), objectPath); err != nil {
		return err
	}
	a.bytes.Add(n)
	a.logger.Info("archived segment", "path", segPath, "object", objectPath, "bytes", n)
	return nil
}

// Sync uploads every segment in segPaths that has no archived copy yet.
func (a *Archiver) Sync(ctx context.Context, segPaths []string) (SyncReport, error) {
	var report SyncReport
	existing, err := a.cfg.Storage.ListObjects(ctx, "")
	if err != nil {
		return report, fmt.Errorf("archive: failed to list archive: %w", err)
	}
	archived := make(map[string]bool, len(existing))
	for _, obj := range existing {
		archived[obj] = true
	}

	for _, p := range segPaths {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if archived[a.ObjectPath(p)] {
			report.Skipped++
			continue
		}
		if err := a.Archive(ctx, p); err != nil {
			a.logger.Warn("sync failed to archive segment", "path", p, "error", err)
			report.Failed = append(report.Failed, p)
			continue
		}
		report.Uploaded = append(report.Uploaded, p)
	}
	if len(report.Uploaded) > 0 || len(report.Failed) > 0 {
		a.logger.Info("archive sync complete", "uploaded", len(report.Uploaded), "failed", len(report.Failed), "skipped", report.Skipped)
	}
	return report, nil
}

// Restore downloads the archived copies of segPaths and decompresses them
// into the tree. Segments already present in the tree are left alone.
func (a *Archiver) Restore(ctx context.Context, segPaths []string) (RestoreReport, error) {
	report := RestoreReport{Errors: make(map[string]error)}

	var wanted []string
	for _, p := range segPaths {
		if _, err := os.Stat(a.cfg.Tree.LocalPath(p)); err == nil {
			continue
		}
		wanted = append(wanted, p)
	}
	if len(wanted) == 0 {
		return report, nil
	}

	staging, err := os.MkdirTemp(a.cfg.TempDir, "segvault-restore-*")
	if err != nil {
		return report, fmt.Errorf("archive: failed to create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	objects := make([]string, len(wanted))
	for i, p := range wanted {
		objects[i] = a.ObjectPath(p)
	}
	result, err := storage.NewBatchDownloader(a.cfg.Storage, a.cfg.Concurrency, staging).
		Download(ctx, &storage.BatchRequest{ObjectPaths: objects})
	if err != nil {
		return report, fmt.Errorf("archive: %w", err)
	}

	for i, p := range wanted {
		obj := objects[i]
		if err, failed := result.Errors[obj]; failed {
			if errors.Is(err, storage.ErrObjectNotFound) {
				report.Missing = append(report.Missing, p)
			} else {
				report.Errors[p] = err
			}
			continue
		}
		if err := a.decompress(result.LocalPaths[obj], a.cfg.Tree.LocalPath(p)); err != nil {
			report.Errors[p] = err
			continue
		}
		a.restored.Add(1)
		report.Restored = append(report.Restored, p)
		a.logger.Info("restored segment from archive", "path", p)
	}
	return report, nil
}

// decompress writes the decoded archive to dst via a temporary sibling and
// validates it before renaming it into place.
func (a *Archiver) decompress(archived, dst string) error {
	in, err := os.Open(archived)
	if err != nil {
		return err
	}
	defer in.Close()

	r, err := a.cfg.Codec.NewReader(in)
	if err != nil {
		return err
	}
	defer r.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".restore*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("archive: failed to decompress: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if !segment.Validate(segment.PathSource(tmp.Name())) {
		return apperrors.NewSegmentError(apperrors.CodeCorruptSegment, "archive: restored segment is not valid", nil)
	}
	return os.Rename(tmp.Name(), dst)
}

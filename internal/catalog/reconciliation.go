package catalog

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/arkilian/segvault/internal/segment"
	"github.com/arkilian/segvault/pkg/types"
)

// SegmentFiles is the file tree a recording's segments live in. Paths are
// slash-separated and relative to the recording root.
type SegmentFiles interface {
	ListObjects(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, objectPath string) error
	LocalPath(objectPath string) string
}

// ReconcileOptions configure a reconciliation pass.
type ReconcileOptions struct {
	// Ext restricts the pass to files with this extension. Empty means ".seg".
	Ext string
	// Exclude lists paths that must not be touched, such as the segment
	// currently open for write.
	Exclude []string
	Logger  *slog.Logger
}

// ReconciliationReport contains the results of a catalog-disk reconciliation.
type ReconciliationReport struct {
	// Updated are rows rewritten from their file's header.
	Updated []string `json:"updated"`
	// Inserted are valid unregistered files that received a row.
	Inserted []string `json:"inserted"`
	// RemovedRows are rows whose file was missing or corrupt.
	RemovedRows []string `json:"removed_rows"`
	// DeletedFiles are registered files that failed validation.
	DeletedFiles []string `json:"deleted_files"`
	// InvalidUnregistered are files without a row that failed validation.
	// They are left on disk.
	InvalidUnregistered []string `json:"invalid_unregistered"`
	// Unreadable are files that could not be read for a reason other than
	// corruption, such as a permission error. Their rows are kept.
	Unreadable []string `json:"unreadable,omitempty"`

	TotalRows  int           `json:"total_rows"`
	TotalFiles int           `json:"total_files"`
	RunAt      time.Time     `json:"run_at"`
	Duration   time.Duration `json:"duration"`
}

// HasIssues reports whether the pass found any divergence.
func (r *ReconciliationReport) HasIssues() bool {
	return r.Changed() || len(r.InvalidUnregistered) > 0 || len(r.Unreadable) > 0
}

// Changed reports whether the pass modified the catalog or the disk.
func (r *ReconciliationReport) Changed() bool {
	return len(r.Updated) > 0 || len(r.Inserted) > 0 || len(r.RemovedRows) > 0 || len(r.DeletedFiles) > 0
}

// Reconcile resynchronizes the catalog with the segment files on disk. The
// files are the source of truth: rows for missing or corrupt files are
// removed (corrupt files are deleted), rows that disagree with their file are
// rewritten, and valid unregistered files are inserted. Running it twice with
// no intervening writes changes nothing the second time.
func Reconcile(ctx context.Context, cat Catalog, files SegmentFiles, opts ReconcileOptions) (*ReconciliationReport, error) {
	start := time.Now()
	report := &ReconciliationReport{RunAt: start}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "ReconciliationPass")

	ext := opts.Ext
	if ext == "" {
		ext = ".seg"
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	excluded := make(map[string]bool, len(opts.Exclude))
	for _, p := range opts.Exclude {
		excluded[p] = true
	}

	// Step 1: Load the catalog and the file tree independently.
	rows, err := cat.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconciliation: failed to list catalog rows: %w", err)
	}
	report.TotalRows = len(rows)

	objects, err := files.ListObjects(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("reconciliation: failed to list segment files: %w", err)
	}
	onDisk := make(map[string]bool)
	for _, obj := range objects {
		if path.Ext(obj) == ext {
			onDisk[obj] = true
		}
	}
	report.TotalFiles = len(onDisk)

	var updates []types.CatalogUpdateRequest
	registered := make(map[string]bool, len(rows))

	// Step 2: Verify every registered row against its file.
	for i := range rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		row := &rows[i]
		registered[row.Path] = true
		if excluded[row.Path] {
			continue
		}

		info, err := segment.Inspect(segment.PathSource(files.LocalPath(row.Path)))
		if err != nil {
			switch {
			case errors.Is(err, fs.ErrNotExist):
				logger.Warn("removing row for missing segment file", "path", row.Path)
			case !segment.IsCorrupt(err):
				logger.Warn("skipping unreadable segment file", "path", row.Path, "error", err)
				report.Unreadable = append(report.Unreadable, row.Path)
				continue
			default:
				logger.Warn("deleting corrupt segment file", "path", row.Path, "error", err)
				if err := files.Delete(ctx, row.Path); err != nil {
					return nil, fmt.Errorf("reconciliation: failed to delete corrupt file %s: %w", row.Path, err)
				}
				report.DeletedFiles = append(report.DeletedFiles, row.Path)
			}
			report.RemovedRows = append(report.RemovedRows, row.Path)
			continue
		}

		fromFile := info.Segment(row.Path, row.Day)
		if !fromFile.SameContent(row) {
			logger.Info("rewriting row from segment header", "path", row.Path,
				"end_id", fromFile.EndID, "catalog_end_id", row.EndID)
			updates = append(updates, fromFile.UpdateRequest())
			report.Updated = append(report.Updated, row.Path)
		}
	}

	// Step 3: Register valid files that have no row.
	for _, obj := range objects {
		if !onDisk[obj] || registered[obj] || excluded[obj] {
			continue
		}
		info, err := segment.Inspect(segment.PathSource(files.LocalPath(obj)))
		if err != nil && !segment.IsCorrupt(err) {
			logger.Warn("skipping unreadable unregistered file", "path", obj, "error", err)
			report.Unreadable = append(report.Unreadable, obj)
			continue
		}
		if err != nil {
			logger.Warn("unregistered file failed validation, leaving it in place", "path", obj, "error", err)
			report.InvalidUnregistered = append(report.InvalidUnregistered, obj)
			continue
		}
		day, _ := types.DayFromPath(obj)
		seg := info.Segment(obj, day)
		updates = append(updates, seg.UpdateRequest())
		report.Inserted = append(report.Inserted, obj)
		logger.Info("registering unregistered segment", "path", obj, "start_id", seg.StartID, "end_id", seg.EndID)
	}

	// Step 4: Apply.
	if err := cat.Delete(ctx, report.RemovedRows...); err != nil {
		return nil, fmt.Errorf("reconciliation: %w", err)
	}
	if _, err := cat.ApplyUpdates(ctx, updates); err != nil {
		return nil, fmt.Errorf("reconciliation: %w", err)
	}

	report.Duration = time.Since(start)
	if report.HasIssues() {
		logger.Info("reconciliation complete",
			"updated", len(report.Updated),
			"inserted", len(report.Inserted),
			"removed_rows", len(report.RemovedRows),
			"deleted_files", len(report.DeletedFiles),
			"invalid_unregistered", len(report.InvalidUnregistered),
			"unreadable", len(report.Unreadable),
			"duration", report.Duration)
	} else {
		logger.Debug("reconciliation found no divergence", "rows", report.TotalRows, "files", report.TotalFiles)
	}
	return report, nil
}

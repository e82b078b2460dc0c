// Package recording wires a recording's segment files, day index, catalog,
// catalog updater and ingestion pipeline into one handle.
package recording

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/arkilian/segvault/internal/catalog"
	"github.com/arkilian/segvault/internal/daybucket"
	"github.com/arkilian/segvault/internal/ingest"
	"github.com/arkilian/segvault/internal/observability"
	"github.com/arkilian/segvault/internal/router"
	"github.com/arkilian/segvault/internal/segment"
	"github.com/arkilian/segvault/internal/storage"
	"github.com/arkilian/segvault/pkg/types"
)

// DefaultCatalogFile is the catalog database name inside the recording root.
const DefaultCatalogFile = "catalog.db"

// Options configure a recording.
type Options struct {
	Root string
	Name string
	Ext  string

	// TimezoneOffset (seconds east of UTC) and SampleRate apply to a new
	// recording. A reopened recording keeps its stored timezone.
	TimezoneOffset int32
	SampleRate     float64

	QueueSize         int
	MaxSegmentSamples int64
	GrowChunk         int

	// CatalogPath defaults to Root/catalog.db.
	CatalogPath         string
	UpdaterQueueSize    int
	UpdaterBatchSize    int
	UpdaterMaxRetries   int
	UpdaterRetryBackoff time.Duration

	ReconcileOnStartup bool

	// QueryConcurrency bounds parallel segment reads per query.
	QueryConcurrency int

	Notifier *router.Notifier
	Logger   *slog.Logger
}

// Stats is a point-in-time view of a recording.
type Stats struct {
	ID      string                 `json:"id"`
	Name    string                 `json:"name"`
	State   string                 `json:"state"`
	NextID  int64                  `json:"next_id"`
	Days    int                    `json:"days"`
	Ingest  observability.Snapshot `json:"ingest"`
	Updater catalog.UpdaterStats   `json:"updater"`
	Current *types.Segment         `json:"current,omitempty"`
}

// Recording is one acquisition recording on disk.
type Recording struct {
	opts   Options
	logger *slog.Logger

	files    *storage.LocalStorage
	catalog  *catalog.SQLiteCatalog
	index    *daybucket.Index
	updater  *catalog.Updater
	pipeline *ingest.Pipeline
	stats    *observability.IngestStats
	notifier *router.Notifier

	metaMu sync.RWMutex
	meta   catalog.RecordingMeta

	// reconcileMu serializes reconciliation passes.
	reconcileMu sync.Mutex

	group     *errgroup.Group
	startOnce sync.Once
	closeOnce sync.Once
	closeErr  error
}

// Open opens or creates the recording at opts.Root. It loads the catalog,
// optionally reconciles it with the files on disk, rebuilds the day index and
// resumes the sample-id counter. Call Start to begin ingesting.
func Open(ctx context.Context, opts Options) (*Recording, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("recording: root directory is required")
	}
	if opts.Name == "" {
		opts.Name = filepath.Base(opts.Root)
	}
	if opts.CatalogPath == "" {
		opts.CatalogPath = filepath.Join(opts.Root, DefaultCatalogFile)
	}
	if opts.QueryConcurrency <= 0 {
		opts.QueryConcurrency = 4
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(opts.Root, 0o755); err != nil {
		return nil, fmt.Errorf("recording: failed to create root: %w", err)
	}

	files, err := storage.NewLocalStorage(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("recording: %w", err)
	}
	cat, err := catalog.NewCatalog(opts.CatalogPath)
	if err != nil {
		return nil, err
	}

	r := &Recording{
		opts:     opts,
		logger:   logger.With("component", "Recording", "name", opts.Name),
		files:    files,
		catalog:  cat,
		stats:    observability.NewIngestStats(0),
		notifier: opts.Notifier,
	}
	if r.notifier == nil {
		r.notifier = router.NewNotifier(64)
	}
	if err := r.load(ctx); err != nil {
		cat.Close()
		return nil, err
	}
	return r, nil
}

func (r *Recording) load(ctx context.Context) error {
	meta, err := r.catalog.LoadRecording(ctx)
	hasOrigin := err == nil && meta.Start != 0
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		meta = catalog.RecordingMeta{
			ID:             uuid.NewString(),
			Name:           r.opts.Name,
			TimezoneOffset: r.opts.TimezoneOffset,
		}
		if err := r.catalog.SaveRecording(ctx, meta); err != nil {
			return err
		}
		r.logger.Info("created recording", "id", meta.ID, "timezone_offset", meta.TimezoneOffset)
	case err != nil:
		return err
	default:
		if meta.TimezoneOffset != r.opts.TimezoneOffset {
			r.logger.Warn("keeping stored timezone offset", "stored", meta.TimezoneOffset, "configured", r.opts.TimezoneOffset)
		}
		r.logger.Info("reopened recording", "id", meta.ID)
	}
	r.meta = meta

	if r.opts.ReconcileOnStartup {
		report, err := catalog.Reconcile(ctx, r.catalog, r.files, r.reconcileOptions(nil))
		if err != nil {
			return err
		}
		if report.HasIssues() {
			r.logger.Warn("startup reconciliation repaired the catalog",
				"updated", len(report.Updated), "inserted", len(report.Inserted),
				"removed_rows", len(report.RemovedRows), "invalid_unregistered", len(report.InvalidUnregistered))
		}
	}

	rows, err := r.catalog.All(ctx)
	if err != nil {
		return err
	}
	r.index = daybucket.New(daybucket.Calendar{Origin: meta.Start, TimezoneOffset: meta.TimezoneOffset})
	r.index.Replace(rows)

	var nextID int64
	if maxID, ok, err := r.catalog.MaxEndID(ctx); err != nil {
		return err
	} else if ok {
		nextID = maxID + 1
	}
	lastUpdate, err := r.catalog.LastUpdateID(ctx)
	if err != nil {
		return err
	}

	r.updater = catalog.NewUpdater(r.catalog, catalog.UpdaterConfig{
		QueueSize:    r.opts.UpdaterQueueSize,
		BatchSize:    r.opts.UpdaterBatchSize,
		MaxRetries:   r.opts.UpdaterMaxRetries,
		RetryBackoff: r.opts.UpdaterRetryBackoff,
		Logger:       r.logger,
	})
	r.updater.SetLastUpdateID(lastUpdate)

	r.pipeline, err = ingest.New(ingest.Config{
		Root:              r.opts.Root,
		Layout:            daybucket.Layout{Name: meta.Name, Ext: r.opts.Ext},
		SampleRate:        r.opts.SampleRate,
		TimezoneOffset:    meta.TimezoneOffset,
		HasOrigin:         hasOrigin,
		OnOrigin:          r.saveOrigin,
		NextID:            nextID,
		QueueSize:         r.opts.QueueSize,
		MaxSegmentSamples: r.opts.MaxSegmentSamples,
		GrowChunk:         r.opts.GrowChunk,
		Notifier:          r.notifier,
		Stats:             r.stats,
		Logger:            r.logger,
	}, r.index, r.updater)
	if err != nil {
		return err
	}
	r.logger.Info("recording loaded", "segments", len(rows), "days", r.index.Len(), "next_id", nextID, "last_update_id", lastUpdate)
	return nil
}

func (r *Recording) saveOrigin(cal daybucket.Calendar) error {
	r.metaMu.Lock()
	defer r.metaMu.Unlock()
	meta := r.meta
	meta.Start = cal.Origin
	if err := r.catalog.SaveRecording(context.Background(), meta); err != nil {
		return err
	}
	r.meta = meta
	return nil
}

// Start runs the catalog updater and the ingestion pipeline. Cancelling ctx
// abandons queued items; use Close for an orderly stop.
func (r *Recording) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return r.updater.Run(gctx) })
		g.Go(func() error { return r.pipeline.Run(gctx) })
		r.group = g
	})
}

// Close drains the pipeline, waits for every queued catalog update and
// closes the catalog. It returns the first fatal error either worker
// stopped with.
func (r *Recording) Close() error {
	r.closeOnce.Do(func() {
		r.pipeline.Close()
		if r.group != nil {
			r.closeErr = r.group.Wait()
		}
		if err := r.catalog.Close(); err != nil && r.closeErr == nil {
			r.closeErr = err
		}
		r.logger.Info("recording closed", "next_id", r.pipeline.NextID())
	})
	return r.closeErr
}

// Meta returns the recording metadata.
func (r *Recording) Meta() catalog.RecordingMeta {
	r.metaMu.RLock()
	defer r.metaMu.RUnlock()
	return r.meta
}

// Root returns the recording directory.
func (r *Recording) Root() string { return r.opts.Root }

// Files returns the recording's segment tree.
func (r *Recording) Files() *storage.LocalStorage { return r.files }

// Notifier returns the segment notification bus.
func (r *Recording) Notifier() *router.Notifier { return r.notifier }

// Catalog returns the recording catalog.
func (r *Recording) Catalog() catalog.Catalog { return r.catalog }

// Submit queues item without waiting for it to be written.
func (r *Recording) Submit(ctx context.Context, item types.Item) error {
	return r.pipeline.Submit(ctx, item)
}

// Write queues item and waits until it has been written.
func (r *Recording) Write(ctx context.Context, item types.Item) error {
	return r.pipeline.Write(ctx, item)
}

// Append writes frame after the last sample.
func (r *Recording) Append(ctx context.Context, frame types.Frame) error {
	return r.Write(ctx, types.WriteDataItem{Operation: types.OpAppend, Frame: frame})
}

// NewFile closes the open segment; the next samples start a new one with
// the given timezone offset and sample rate.
func (r *Recording) NewFile(ctx context.Context, timezoneOffset int32, sampleRate float64) error {
	return r.Write(ctx, types.WriteFileItem{TimezoneOffset: timezoneOffset, SampleRate: sampleRate})
}

// Segments returns the indexed segments overlapping [start, end].
func (r *Recording) Segments(start, end int64) []types.Segment {
	return r.index.Segments(start, end)
}

// ClosedPaths returns the paths of every indexed segment except the one
// open for write, in time order.
func (r *Recording) ClosedPaths() []string {
	cur, open := r.pipeline.Current()
	var paths []string
	for _, s := range r.index.Segments(math.MinInt64, math.MaxInt64) {
		if open && s.Path == cur.Path {
			continue
		}
		paths = append(paths, s.Path)
	}
	return paths
}

// Days returns the day buckets with their aggregates.
func (r *Recording) Days() []daybucket.Day {
	return r.index.Days()
}

// FindDay locates the day containing ts; see daybucket.Index.FindDay.
func (r *Recording) FindDay(ts int64, approx, tails bool) (daybucket.Day, bool) {
	_, d, ok := r.index.FindDay(ts, approx, tails)
	return d, ok
}

// Spans returns every segment's sample-id range ordered by start id.
func (r *Recording) Spans(ctx context.Context) ([]catalog.Span, error) {
	return r.catalog.SegmentSpans(ctx)
}

// Query returns the samples with timestamps in [start, end], concatenated
// across segments in time order. Each segment's extent is read at call time.
func (r *Recording) Query(ctx context.Context, start, end int64) (types.Frame, error) {
	if end < start {
		return types.Frame{}, fmt.Errorf("recording: query end %d before start %d", end, start)
	}
	segs := r.index.Segments(start, end)
	parts := make([]types.Frame, len(segs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.QueryConcurrency)
	for i := range segs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rd, err := segment.OpenFile(r.files.LocalPath(segs[i].Path))
			if err != nil {
				return fmt.Errorf("recording: failed to open %s: %w", segs[i].Path, err)
			}
			defer rd.Close()
			parts[i], err = rd.ReadRange(start, end)
			if err != nil {
				return fmt.Errorf("recording: failed to read %s: %w", segs[i].Path, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return types.Frame{}, err
	}

	var out types.Frame
	for i := range parts {
		if err := out.Append(parts[i]); err != nil {
			return types.Frame{}, fmt.Errorf("recording: %s: %w", segs[i].Path, err)
		}
	}
	return out, nil
}

// Reconcile runs a reconciliation pass against the files on disk and
// applies its repairs to the day index. The segment open for write is left
// alone.
func (r *Recording) Reconcile(ctx context.Context) (*catalog.ReconciliationReport, error) {
	r.reconcileMu.Lock()
	defer r.reconcileMu.Unlock()

	var exclude []string
	if cur, ok := r.pipeline.Current(); ok {
		exclude = append(exclude, cur.Path)
	}
	report, err := catalog.Reconcile(ctx, r.catalog, r.files, r.reconcileOptions(exclude))
	if err != nil {
		return nil, err
	}

	for _, p := range report.RemovedRows {
		r.index.Remove(p)
	}
	changed := append(append([]string(nil), report.Updated...), report.Inserted...)
	for _, p := range changed {
		seg, err := r.catalog.Get(ctx, p)
		if err != nil {
			return report, fmt.Errorf("recording: failed to reload %s: %w", p, err)
		}
		r.index.Upsert(seg)
	}

	r.notifier.Publish(router.Notification{
		Type:      router.CatalogReconciled,
		Timestamp: time.Now().UnixNano(),
	})
	return report, nil
}

func (r *Recording) reconcileOptions(exclude []string) catalog.ReconcileOptions {
	return catalog.ReconcileOptions{
		Ext:     r.opts.Ext,
		Exclude: exclude,
		Logger:  r.logger,
	}
}

// Stats returns ingestion and catalog statistics.
func (r *Recording) Stats() Stats {
	meta := r.Meta()
	s := Stats{
		ID:      meta.ID,
		Name:    meta.Name,
		State:   r.pipeline.State().String(),
		NextID:  r.pipeline.NextID(),
		Days:    r.index.Len(),
		Ingest:  r.stats.Snapshot(),
		Updater: r.updater.Stats(),
	}
	if cur, ok := r.pipeline.Current(); ok {
		s.Current = &cur
	}
	return s
}

// Done is closed when ingestion has stopped.
func (r *Recording) Done() <-chan struct{} { return r.pipeline.Done() }

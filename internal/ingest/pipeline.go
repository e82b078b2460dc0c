// Package ingest implements the single-writer ingestion pipeline of a
// recording: it decides when to rotate to a new segment, appends acquired
// samples to the open segment and emits one catalog-update request per write.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arkilian/segvault/internal/daybucket"
	apperrors "github.com/arkilian/segvault/internal/errors"
	"github.com/arkilian/segvault/internal/observability"
	"github.com/arkilian/segvault/internal/router"
	"github.com/arkilian/segvault/internal/segment"
	"github.com/arkilian/segvault/pkg/types"
)

// State is the pipeline lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateWriting
	StateRotating
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWriting:
		return "writing"
	case StateRotating:
		return "rotating"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Rotation reasons reported to stats and logs.
const (
	RotateFirst   = "first"
	RotateDay     = "day"
	RotateNewFile = "new_file"
	RotateMaxSize = "max_samples"
	RotateRestart = "restart"
)

// ErrPipelineClosed is returned for items submitted after Close.
var ErrPipelineClosed = apperrors.NewIngestError(apperrors.CodePipelineClosed, "ingest: pipeline is closed", nil)

// UpdateSink receives catalog-update requests in write order. Enqueue may
// block; that is the pipeline's backpressure.
type UpdateSink interface {
	Enqueue(ctx context.Context, req types.CatalogUpdateRequest) error
	CloseQueue()
}

// Config configures a Pipeline.
type Config struct {
	// Root is the recording directory segment paths are relative to.
	Root   string
	Layout daybucket.Layout

	// SampleRate and TimezoneOffset apply to new segments unless a
	// WriteFileItem overrides them.
	SampleRate     float64
	TimezoneOffset int32

	// HasOrigin reports whether the index calendar already carries the
	// recording start. When false, the first sample's timestamp becomes the
	// origin and OnOrigin is called with the resulting calendar.
	HasOrigin bool
	OnOrigin  func(cal daybucket.Calendar) error

	// NextID is the first sample id to assign.
	NextID int64

	QueueSize         int
	MaxSegmentSamples int64
	GrowChunk         int

	Notifier *router.Notifier
	Stats    *observability.IngestStats
	Logger   *slog.Logger
}

type envelope struct {
	item  types.Item
	reply chan error
}

type openSegment struct {
	w    *segment.Writer
	path string
	day  int
}

// Pipeline is the single writer of a recording. All segment mutation happens
// on the goroutine running Run.
type Pipeline struct {
	cfg    Config
	index  *daybucket.Index
	sink   UpdateSink
	logger *slog.Logger

	items   chan envelope
	closing chan struct{}
	done    chan struct{}
	err     error

	submitMu sync.RWMutex
	closed   bool

	state atomic.Int32

	// Owned by the Run goroutine.
	cur       *openSegment
	pending   *types.WriteFileItem
	hasOrigin bool
	nextID    atomic.Int64

	curMu   sync.RWMutex
	current types.Segment
	hasCur  bool
}

// New creates a pipeline writing into index and emitting updates to sink.
func New(cfg Config, index *daybucket.Index, sink UpdateSink) (*Pipeline, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("ingest: root directory is required")
	}
	if cfg.Layout.Name == "" {
		return nil, fmt.Errorf("ingest: recording name is required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		cfg:       cfg,
		index:     index,
		sink:      sink,
		logger:    logger.With("component", "IngestionPipeline"),
		items:     make(chan envelope, cfg.QueueSize),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
		hasOrigin: cfg.HasOrigin,
	}
	p.nextID.Store(cfg.NextID)
	return p, nil
}

// State returns the current lifecycle state.
func (p *Pipeline) State() State { return State(p.state.Load()) }

func (p *Pipeline) setState(s State) {
	if old := State(p.state.Swap(int32(s))); old != s {
		p.logger.Debug("state transition", "from", old, "to", s)
	}
}

// NextID returns the id the next appended sample will receive.
func (p *Pipeline) NextID() int64 { return p.nextID.Load() }

// Current returns the segment open for write, if any.
func (p *Pipeline) Current() (types.Segment, bool) {
	p.curMu.RLock()
	defer p.curMu.RUnlock()
	return p.current, p.hasCur
}

func (p *Pipeline) setCurrent(seg types.Segment, ok bool) {
	p.curMu.Lock()
	p.current, p.hasCur = seg, ok
	p.curMu.Unlock()
}

// Done is closed when Run returns.
func (p *Pipeline) Done() <-chan struct{} { return p.done }

// Err returns the fatal error Run stopped with, if any.
func (p *Pipeline) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Submit queues item without waiting for it to be applied. Errors applying
// it are logged. It blocks while the queue is full.
func (p *Pipeline) Submit(ctx context.Context, item types.Item) error {
	return p.enqueue(ctx, envelope{item: item})
}

// Write queues item and waits until it has been applied, returning the
// error applying it.
func (p *Pipeline) Write(ctx context.Context, item types.Item) error {
	env := envelope{item: item, reply: make(chan error, 1)}
	if err := p.enqueue(ctx, env); err != nil {
		return err
	}
	select {
	case err := <-env.reply:
		return err
	case <-p.done:
		// Run may have answered just before exiting.
		select {
		case err := <-env.reply:
			return err
		default:
		}
		if p.err != nil {
			return p.err
		}
		return ErrPipelineClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) enqueue(ctx context.Context, env envelope) error {
	p.submitMu.RLock()
	defer p.submitMu.RUnlock()

	if p.closed {
		return ErrPipelineClosed
	}
	select {
	case p.items <- env:
		return nil
	case <-p.done:
		if p.err != nil {
			return p.err
		}
		return ErrPipelineClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting items. Run applies everything already queued, then
// closes the open segment and the update sink and returns. Close does not
// wait; use Done.
func (p *Pipeline) Close() {
	p.submitMu.Lock()
	defer p.submitMu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.closing)
}

// Run processes items until Close has been called and the queue is empty,
// ctx is cancelled, or a fatal error occurs. Cancellation abandons queued
// items but still closes the open segment.
func (p *Pipeline) Run(ctx context.Context) error {
	defer close(p.done)
	p.logger.Info("ingestion pipeline started", "root", p.cfg.Root, "next_id", p.NextID())

	for {
		select {
		case <-ctx.Done():
			p.abandon(ctx.Err())
			p.drain()
			return nil
		case <-p.closing:
			// Close holds the submit lock, so nothing is added after this.
			for len(p.items) > 0 {
				if err := p.handle(ctx, <-p.items); err != nil {
					return p.fail(err)
				}
			}
			p.drain()
			return nil
		case env := <-p.items:
			if err := p.handle(ctx, env); err != nil {
				return p.fail(err)
			}
		}
	}
}

// handle applies one item and replies. It returns only fatal errors.
func (p *Pipeline) handle(ctx context.Context, env envelope) error {
	err := p.apply(ctx, env.item)
	if env.reply != nil {
		env.reply <- err
	} else if err != nil {
		p.logger.Warn("submitted item failed", "error", err)
	}
	if err != nil && apperrors.IsFatal(err) {
		return err
	}
	return nil
}

func (p *Pipeline) fail(err error) error {
	p.logger.Error("ingestion stopped on fatal error", "error", err)
	p.err = err
	p.abandon(err)
	p.drain()
	return err
}

// abandon answers every queued item with err.
func (p *Pipeline) abandon(err error) {
	n := 0
	for {
		select {
		case env := <-p.items:
			n++
			if env.reply != nil {
				env.reply <- err
			}
		default:
			if n > 0 {
				p.logger.Warn("abandoned queued items", "count", n, "reason", err)
			}
			return
		}
	}
}

// drain closes the open segment and the update sink.
func (p *Pipeline) drain() {
	p.setState(StateDraining)
	if err := p.closeCurrent(); err != nil {
		p.logger.Error("failed to close segment while draining", "error", err)
	}
	if p.sink != nil {
		p.sink.CloseQueue()
	}
	p.setState(StateClosed)
	p.logger.Info("ingestion pipeline closed", "next_id", p.NextID())
}

func (p *Pipeline) apply(ctx context.Context, item types.Item) error {
	switch it := item.(type) {
	case types.WriteFileItem:
		return p.applyFile(it)
	case *types.WriteFileItem:
		return p.applyFile(*it)
	case types.WriteDataItem:
		return p.applyData(ctx, &it)
	case *types.WriteDataItem:
		return p.applyData(ctx, it)
	default:
		p.logger.Warn("dropping unknown item", "type", fmt.Sprintf("%T", item))
		if p.cfg.Stats != nil {
			p.cfg.Stats.RecordDropped()
		}
		return nil
	}
}

// applyFile closes the open segment; the next data item opens a new one
// with the given settings. An explicit path is checked first, so a rejected
// request leaves the open segment untouched.
func (p *Pipeline) applyFile(it types.WriteFileItem) error {
	if it.File.Path != "" {
		rel, err := p.checkExplicitPath(it.File.Path)
		if err != nil {
			return err
		}
		it.File.Path = rel
	}
	if p.cur != nil {
		p.setState(StateRotating)
		if err := p.closeCurrent(); err != nil {
			return err
		}
	}
	p.pending = &it
	p.logger.Debug("new file requested", "path", it.File.Path, "timezone_offset", it.TimezoneOffset, "sample_rate", it.SampleRate)
	return nil
}

// checkExplicitPath cleans a caller-chosen segment path. It must name a
// file with the segment extension inside a day directory of the root, and
// no readable segment may already own it.
func (p *Pipeline) checkExplicitPath(raw string) (string, error) {
	rel, err := types.CleanSegmentPath(filepath.ToSlash(raw), p.cfg.Layout.Extension())
	if err != nil {
		return "", apperrors.NewValidationError(apperrors.CodeInvalidPath, "ingest: "+err.Error())
	}
	if segment.Validate(segment.PathSource(filepath.Join(p.cfg.Root, filepath.FromSlash(rel)))) {
		return "", segmentExists(rel)
	}
	return rel, nil
}

func segmentExists(rel string) error {
	return apperrors.NewValidationError(apperrors.CodeSegmentExists,
		fmt.Sprintf("ingest: segment %s already exists", rel))
}

func (p *Pipeline) applyData(ctx context.Context, it *types.WriteDataItem) error {
	op := it.Operation
	if op == types.OpUnknown {
		p.logger.Warn("dropping item with unknown operation", "operation", op)
		if p.cfg.Stats != nil {
			p.cfg.Stats.RecordDropped()
		}
		return nil
	}
	frame := &it.Frame
	if err := frame.Check(); err != nil {
		return apperrors.NewValidationError(apperrors.CodeInvalidFrame, "ingest: "+err.Error())
	}

	if !p.hasOrigin {
		cal := p.index.Calendar()
		cal.Origin = frame.First()
		p.index.SetCalendar(cal)
		if p.cfg.OnOrigin != nil {
			if err := p.cfg.OnOrigin(cal); err != nil {
				return fmt.Errorf("ingest: failed to record origin: %w", err)
			}
		}
		p.hasOrigin = true
		p.logger.Info("recording origin set", "origin", time.Unix(0, cal.Origin).UTC())
	}

	if reason := p.rotationReason(op, frame); reason != "" {
		if err := p.rotate(frame, reason); err != nil {
			return err
		}
	}

	started := time.Now()
	var err error
	switch op {
	case types.OpAppend:
		_, err = p.cur.w.Append(*frame)
	case types.OpSet:
		index := it.Index
		if !it.HasIndex {
			index = 0
		}
		_, err = p.cur.w.Set(index, *frame)
	case types.OpInsert:
		index := it.Index
		if !it.HasIndex {
			index = p.cur.w.Info().Extent.TotalSamples
		}
		_, err = p.cur.w.Insert(index, *frame)
	}
	if p.cfg.Stats != nil {
		p.cfg.Stats.RecordWrite(op.String(), frame.Len(), time.Since(started), err)
	}
	if err != nil {
		return err
	}

	info := p.cur.w.Info()
	p.nextID.Store(info.Extent.EndID + 1)
	seg := info.Segment(p.cur.path, p.cur.day)
	p.index.Upsert(seg)
	p.setCurrent(seg, true)

	if p.sink != nil {
		if err := p.sink.Enqueue(ctx, seg.UpdateRequest()); err != nil {
			if apperrors.IsFatal(err) {
				return err
			}
			return apperrors.NewIngestError(apperrors.CodePipelineClosed, "ingest: failed to queue catalog update", err)
		}
	}
	p.publish(router.SegmentAppended, seg)
	return nil
}

// rotationReason returns why frame needs a new segment, or "" to keep
// writing the open one. Set and insert address the open segment and only
// open one when none is open.
func (p *Pipeline) rotationReason(op types.Operation, frame *types.Frame) string {
	switch {
	case p.pending != nil:
		return RotateNewFile
	case p.cur == nil:
		if p.NextID() > 0 || p.index.Len() > 0 {
			return RotateRestart
		}
		return RotateFirst
	case op != types.OpAppend:
		return ""
	case p.index.DayNumber(frame.First()) != p.cur.day:
		return RotateDay
	case p.cfg.MaxSegmentSamples > 0:
		total := p.cur.w.Info().Extent.TotalSamples
		if total > 0 && total+int64(frame.Len()) > p.cfg.MaxSegmentSamples {
			return RotateMaxSize
		}
	}
	return ""
}

// rotate closes the open segment and creates the next one for frame.
func (p *Pipeline) rotate(frame *types.Frame, reason string) error {
	p.setState(StateRotating)
	if err := p.closeCurrent(); err != nil {
		return err
	}

	tz := p.cfg.TimezoneOffset
	rate := p.cfg.SampleRate
	start := frame.First()
	var explicitPath string
	if f := p.pending; f != nil {
		tz = f.TimezoneOffset
		if f.SampleRate != 0 {
			rate = f.SampleRate
		}
		if f.File.Start != 0 {
			start = f.File.Start
		}
		explicitPath = f.File.Path
	}

	day := p.index.DayNumber(frame.First())
	opts := segment.Options{
		Start:          start,
		StartID:        p.NextID(),
		SampleRate:     rate,
		TimezoneOffset: tz,
		Channels:       frame.Channels,
		GrowChunk:      p.cfg.GrowChunk,
	}

	var w *segment.Writer
	var rel string
	var err error
	if explicitPath != "" {
		rel = filepath.ToSlash(explicitPath)
		if d, ok := types.DayFromPath(rel); ok {
			day = d
		}
		w, err = p.create(rel, "", opts)
	} else {
		rel = p.cfg.Layout.SegmentPath(day, start, tz, false)
		w, err = p.create(rel, p.cfg.Layout.SegmentPath(day, start, tz, true), opts)
		if err == nil {
			rel = filepath.ToSlash(mustRel(p.cfg.Root, w.Path()))
		}
	}
	if err != nil {
		if !apperrors.IsFatal(err) {
			// The explicit request cannot be honoured; the next item
			// opens a segment under a generated name.
			p.pending = nil
			p.setState(StateIdle)
		}
		return err
	}

	p.pending = nil
	p.cur = &openSegment{w: w, path: rel, day: day}
	p.index.InsertDay(day)
	p.setState(StateWriting)
	if p.cfg.Stats != nil {
		p.cfg.Stats.RecordRotation(reason)
	}
	seg := w.Info().Segment(rel, day)
	p.setCurrent(seg, true)
	p.publish(router.SegmentOpened, seg)
	p.logger.Info("opened segment", "path", rel, "day", day, "reason", reason, "start_id", opts.StartID)
	return nil
}

// create opens a segment at rel. A stale file that fails validation is
// deleted and creation retried once; a valid file already owning the name
// moves creation to alt when given, and is a conflict otherwise. A failure
// after the retry is fatal.
func (p *Pipeline) create(rel, alt string, opts segment.Options) (*segment.Writer, error) {
	full := filepath.Join(p.cfg.Root, filepath.FromSlash(rel))
	w, err := segment.Create(full, opts)
	if err == nil {
		return w, nil
	}

	switch {
	case errors.Is(err, fs.ErrExist) && segment.Validate(segment.PathSource(full)):
		if alt == "" {
			return nil, segmentExists(rel)
		}
		p.logger.Warn("segment name taken by a valid file, using precise name", "path", rel, "alt", alt)
		full = filepath.Join(p.cfg.Root, filepath.FromSlash(alt))
	case errors.Is(err, fs.ErrExist) && path.Ext(rel) != "."+p.cfg.Layout.Extension():
		// Only files carrying the segment extension are ever deleted.
		return nil, apperrors.NewValidationError(apperrors.CodeInvalidPath,
			fmt.Sprintf("ingest: refusing to replace non-segment file %s", rel))
	case errors.Is(err, fs.ErrExist):
		p.logger.Warn("deleting stale unreadable segment file", "path", rel)
		if rmErr := os.Remove(full); rmErr != nil {
			return nil, apperrors.NewSegmentError(apperrors.CodeCreateFailed,
				fmt.Sprintf("ingest: failed to remove stale segment %s", rel), rmErr)
		}
		if p.cfg.Stats != nil {
			p.cfg.Stats.RecordRecovery()
		}
	default:
		p.logger.Warn("segment creation failed, retrying once", "path", rel, "error", err)
	}

	w, err = segment.Create(full, opts)
	if err != nil {
		return nil, apperrors.NewSegmentError(apperrors.CodeCreateFailed,
			fmt.Sprintf("ingest: failed to create segment %s", rel), err)
	}
	return w, nil
}

// closeCurrent closes the open segment, if any, and announces it.
func (p *Pipeline) closeCurrent() error {
	if p.cur == nil {
		return nil
	}
	cur := p.cur
	p.cur = nil
	seg := cur.w.Info().Segment(cur.path, cur.day)
	p.setCurrent(types.Segment{}, false)
	if err := cur.w.Close(); err != nil {
		return fmt.Errorf("ingest: failed to close segment %s: %w", cur.path, err)
	}
	p.publish(router.SegmentClosed, seg)
	p.logger.Info("closed segment", "path", cur.path, "samples", seg.Samples(), "end_id", seg.EndID)
	return nil
}

func (p *Pipeline) publish(t router.NotificationType, seg types.Segment) {
	if p.cfg.Notifier == nil {
		return
	}
	p.cfg.Notifier.Publish(router.Notification{
		Type:      t,
		Path:      seg.Path,
		Day:       seg.Day,
		StartID:   seg.StartID,
		EndID:     seg.EndID,
		Samples:   seg.Samples(),
		Timestamp: time.Now().UnixNano(),
	})
}

func mustRel(root, full string) string {
	rel, err := filepath.Rel(root, full)
	if err != nil {
		return full
	}
	return rel
}

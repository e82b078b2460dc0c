package segment

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	apperrors "github.com/arkilian/segvault/internal/errors"
	"github.com/arkilian/segvault/pkg/types"
)

// DefaultGrowChunk is the number of rows storage grows by when full.
const DefaultGrowChunk = 4096

var (
	ErrSegmentClosed = apperrors.New(apperrors.ErrCategorySegment, apperrors.CodeSegmentClosed, "segment: write to closed segment")
	ErrSWMRNotActive = apperrors.New(apperrors.ErrCategorySegment, apperrors.CodeSWMRNotActive, "segment: write before SWMR activation")
	ErrHeaderSealed  = apperrors.New(apperrors.ErrCategorySegment, apperrors.CodeHeaderSealed, "segment: header is immutable after SWMR activation")
)

// Options configure a new segment file.
type Options struct {
	Start          int64
	StartID        int64
	SampleRate     float64
	TimezoneOffset int32
	Channels       int
	// GrowChunk is the row count storage grows by. Zero means DefaultGrowChunk.
	GrowChunk int
}

// Writer is the single writer of one segment file.
type Writer struct {
	mu        sync.Mutex
	f         *os.File
	path      string
	header    Header
	extent    Extent
	capacity  int64
	growChunk int64
	closed    bool
}

// Create creates a new segment file, writes its header and an empty extent,
// then switches it to SWMR mode. An existing file at path is never
// overwritten; the returned error then satisfies errors.Is(err, fs.ErrExist).
func Create(path string, opts Options) (*Writer, error) {
	w, err := Prepare(path, opts)
	if err != nil {
		return nil, err
	}
	if err := w.StartSWMR(); err != nil {
		w.abort()
		return nil, err
	}
	return w, nil
}

// Prepare creates the file without activating SWMR mode. The header may be
// amended with UpdateHeader until StartSWMR is called; appends are refused
// until then.
func Prepare(path string, opts Options) (*Writer, error) {
	if opts.Channels <= 0 {
		return nil, ErrInvalidChannels
	}
	growChunk := int64(opts.GrowChunk)
	if growChunk <= 0 {
		growChunk = DefaultGrowChunk
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("segment: failed to create directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("segment: failed to create %s: %w", path, err)
	}

	w := &Writer{
		f:    f,
		path: path,
		header: Header{
			Version:        Version,
			Channels:       uint32(opts.Channels),
			TimezoneOffset: opts.TimezoneOffset,
			Start:          opts.Start,
			StartID:        opts.StartID,
			SampleRate:     opts.SampleRate,
			Created:        time.Now().UnixNano(),
		},
		growChunk: growChunk,
	}
	w.extent = Extent{
		Seq:   1,
		First: opts.Start,
		End:   opts.Start,
		EndID: opts.StartID - 1,
	}

	if _, err := f.WriteAt(w.header.encode(), 0); err != nil {
		w.abort()
		return nil, fmt.Errorf("segment: failed to write header: %w", err)
	}
	if _, err := f.WriteAt(w.extent.encode(), HeaderSize+w.extent.slot()*ExtentSlotSize); err != nil {
		w.abort()
		return nil, fmt.Errorf("segment: failed to write extent: %w", err)
	}
	if err := f.Sync(); err != nil {
		w.abort()
		return nil, fmt.Errorf("segment: failed to sync: %w", err)
	}
	return w, nil
}

// abort closes and removes a file that never became a usable segment.
func (w *Writer) abort() {
	w.f.Close()
	os.Remove(w.path)
	w.closed = true
}

// UpdateHeader amends header metadata before SWMR activation.
func (w *Writer) UpdateHeader(fn func(h *Header)) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrSegmentClosed
	}
	if w.header.Sealed() {
		return ErrHeaderSealed
	}
	fn(&w.header)
	w.header.Version = Version
	w.header.Flags &^= FlagSealed
	if w.extent.TotalSamples == 0 {
		w.extent.First = w.header.Start
		w.extent.End = w.header.Start
		w.extent.EndID = w.header.StartID - 1
		if err := w.writeExtent(w.extent); err != nil {
			return err
		}
	}
	if _, err := w.f.WriteAt(w.header.encode(), 0); err != nil {
		return fmt.Errorf("segment: failed to write header: %w", err)
	}
	return w.f.Sync()
}

// StartSWMR seals the header. It is irrevocable.
func (w *Writer) StartSWMR() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrSegmentClosed
	}
	if w.header.Sealed() {
		return nil
	}
	sealed := w.header
	sealed.Flags |= FlagSealed
	if _, err := w.f.WriteAt(sealed.encode(), 0); err != nil {
		return fmt.Errorf("segment: failed to seal header: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("segment: failed to sync: %w", err)
	}
	w.header = sealed
	return nil
}

// Path returns the file path.
func (w *Writer) Path() string { return w.path }

// Info returns the writer's view of header and extent.
func (w *Writer) Info() Info {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Info{Header: w.header, Extent: w.extent}
}

// Append writes frame after the last visible row and publishes the new extent.
func (w *Writer) Append(frame types.Frame) (types.Shape, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.checkWritable(&frame); err != nil {
		return w.shape(), err
	}

	next := w.extent
	next.TotalSamples += int64(frame.Len())
	next.EndID += int64(frame.Len())
	next.End = frame.Last()
	if w.extent.TotalSamples == 0 {
		next.First = frame.First()
	}
	if err := w.writeRows(w.extent.TotalSamples, &frame, next.TotalSamples); err != nil {
		return w.shape(), err
	}
	if err := w.publish(next); err != nil {
		return w.shape(), err
	}
	return w.shape(), nil
}

// Set overwrites rows starting at index. Rows written past the current end
// extend the segment; index may not exceed the current sample count.
func (w *Writer) Set(index int64, frame types.Frame) (types.Shape, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.checkWritable(&frame); err != nil {
		return w.shape(), err
	}
	if index < 0 || index > w.extent.TotalSamples {
		return w.shape(), apperrors.NewValidationError(apperrors.CodeIndexOutOfRange,
			fmt.Sprintf("segment: set index %d outside [0, %d]", index, w.extent.TotalSamples))
	}

	next := w.extent
	end := index + int64(frame.Len())
	if end >= next.TotalSamples {
		next.EndID += end - next.TotalSamples
		next.TotalSamples = end
		next.End = frame.Last()
	}
	if index == 0 {
		next.First = frame.First()
	}
	if err := w.writeRows(index, &frame, next.TotalSamples); err != nil {
		return w.shape(), err
	}
	if err := w.publish(next); err != nil {
		return w.shape(), err
	}
	return w.shape(), nil
}

// Insert writes frame at index and shifts the following rows back.
func (w *Writer) Insert(index int64, frame types.Frame) (types.Shape, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.checkWritable(&frame); err != nil {
		return w.shape(), err
	}
	total := w.extent.TotalSamples
	if index < 0 || index > total {
		return w.shape(), apperrors.NewValidationError(apperrors.CodeIndexOutOfRange,
			fmt.Sprintf("segment: insert index %d outside [0, %d]", index, total))
	}

	n := int64(frame.Len())
	next := w.extent
	next.TotalSamples += n
	next.EndID += n
	if index == total {
		next.End = frame.Last()
	}
	if index == 0 {
		next.First = frame.First()
	}
	if err := w.ensureCapacity(next.TotalSamples); err != nil {
		return w.shape(), err
	}

	rowSize := w.header.RowSize()
	if tail := total - index; tail > 0 {
		buf := make([]byte, tail*rowSize)
		if _, err := w.f.ReadAt(buf, rowOffset(rowSize, index)); err != nil {
			return w.shape(), fmt.Errorf("segment: failed to read tail: %w", err)
		}
		if _, err := w.f.WriteAt(buf, rowOffset(rowSize, index+n)); err != nil {
			return w.shape(), fmt.Errorf("segment: failed to shift tail: %w", err)
		}
	}
	if err := w.writeRows(index, &frame, next.TotalSamples); err != nil {
		return w.shape(), err
	}
	if err := w.publish(next); err != nil {
		return w.shape(), err
	}
	return w.shape(), nil
}

// Flush syncs the file.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	if err := w.f.Sync(); err != nil {
		return apperrors.NewSegmentError(apperrors.CodeFlushFailed, "segment: flush failed", err)
	}
	return nil
}

// Close flushes the file, releases unused preallocated rows and closes the
// handle. It is safe to call more than once.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	size := rowOffset(w.header.RowSize(), w.extent.TotalSamples)
	var firstErr error
	if w.capacity > w.extent.TotalSamples {
		if err := w.f.Truncate(size); err != nil {
			firstErr = fmt.Errorf("segment: failed to trim: %w", err)
		}
	}
	if err := w.f.Sync(); err != nil && firstErr == nil {
		firstErr = apperrors.NewSegmentError(apperrors.CodeFlushFailed, "segment: flush failed", err)
	}
	if err := w.f.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("segment: failed to close: %w", err)
	}
	return firstErr
}

// Closed reports whether Close has been called.
func (w *Writer) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func (w *Writer) shape() types.Shape {
	return types.Shape{int(w.extent.TotalSamples), int(w.header.Channels)}
}

func (w *Writer) checkWritable(frame *types.Frame) error {
	if w.closed {
		return ErrSegmentClosed
	}
	if !w.header.Sealed() {
		return ErrSWMRNotActive
	}
	if err := frame.Check(); err != nil {
		return apperrors.NewValidationError(apperrors.CodeInvalidFrame, err.Error())
	}
	if frame.Channels != int(w.header.Channels) {
		return apperrors.NewValidationError(apperrors.CodeShapeMismatch,
			fmt.Sprintf("segment: frame has %d channels, segment has %d", frame.Channels, w.header.Channels))
	}
	return nil
}

// ensureCapacity grows storage in whole chunks so that rows fit.
func (w *Writer) ensureCapacity(rows int64) error {
	if rows <= w.capacity {
		return nil
	}
	newCap := ((rows + w.growChunk - 1) / w.growChunk) * w.growChunk
	if err := w.f.Truncate(rowOffset(w.header.RowSize(), newCap)); err != nil {
		return fmt.Errorf("segment: failed to grow storage: %w", err)
	}
	w.capacity = newCap
	return nil
}

// writeRows writes frame at row index and syncs it before any extent that
// references the rows is published.
func (w *Writer) writeRows(index int64, frame *types.Frame, total int64) error {
	if err := w.ensureCapacity(total); err != nil {
		return err
	}
	rowSize := w.header.RowSize()
	buf := make([]byte, int64(frame.Len())*rowSize)
	encodeRows(buf, frame.Timestamps, frame.Data, frame.Channels)
	if _, err := w.f.WriteAt(buf, rowOffset(rowSize, index)); err != nil {
		return fmt.Errorf("segment: failed to write rows: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		return apperrors.NewSegmentError(apperrors.CodeFlushFailed, "segment: flush failed", err)
	}
	return nil
}

// publish writes next into the slot not holding the current extent.
func (w *Writer) publish(next Extent) error {
	next.Seq = w.extent.Seq + 1
	if err := w.writeExtent(next); err != nil {
		return err
	}
	if err := w.f.Sync(); err != nil {
		return apperrors.NewSegmentError(apperrors.CodeFlushFailed, "segment: flush failed", err)
	}
	w.extent = next
	return nil
}

func (w *Writer) writeExtent(e Extent) error {
	if _, err := w.f.WriteAt(e.encode(), HeaderSize+e.slot()*ExtentSlotSize); err != nil {
		return fmt.Errorf("segment: failed to write extent: %w", err)
	}
	return nil
}

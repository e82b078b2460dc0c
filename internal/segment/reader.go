package segment

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/arkilian/segvault/pkg/types"
)

// Handle is an open, random-access view of segment bytes.
type Handle interface {
	io.ReaderAt
	io.Closer
	Size() (int64, error)
}

// Source is anything a segment can be opened from. Callers normalize paths,
// in-memory buffers and downloaded objects to a Source before validation or
// reading.
type Source interface {
	Open() (Handle, error)
	String() string
}

// PathSource opens a segment from the local filesystem.
type PathSource string

func (p PathSource) Open() (Handle, error) {
	f, err := os.Open(string(p))
	if err != nil {
		return nil, err
	}
	return fileHandle{f}, nil
}

func (p PathSource) String() string { return string(p) }

type fileHandle struct{ *os.File }

func (h fileHandle) Size() (int64, error) {
	fi, err := h.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// BytesSource opens a segment held in memory.
type BytesSource struct {
	Name string
	Data []byte
}

func (b BytesSource) Open() (Handle, error) {
	return bytesHandle{bytes.NewReader(b.Data)}, nil
}

func (b BytesSource) String() string { return b.Name }

type bytesHandle struct{ *bytes.Reader }

func (bytesHandle) Close() error           { return nil }
func (h bytesHandle) Size() (int64, error) { return h.Reader.Size(), nil }

// Info is a snapshot of a segment's header and extent.
type Info struct {
	Header Header
	Extent Extent
}

// Shape returns (samples, channels).
func (i Info) Shape() types.Shape {
	return types.Shape{int(i.Extent.TotalSamples), int(i.Header.Channels)}
}

// Segment projects the snapshot onto a catalog segment at path and day.
func (i Info) Segment(path string, day int) types.Segment {
	return types.Segment{
		Path:           path,
		Day:            day,
		Start:          i.Header.Start,
		End:            i.Extent.End,
		SampleRate:     i.Header.SampleRate,
		Shape:          i.Shape(),
		Axis:           types.TimeAxis,
		StartID:        i.Header.StartID,
		EndID:          i.Extent.EndID,
		TimezoneOffset: i.Header.TimezoneOffset,
	}
}

// Reader reads a segment that may still be growing. The extent is re-read on
// every call; readers never cache it.
type Reader struct {
	src    Source
	h      Handle
	header Header
}

// Open opens src and verifies its header.
func Open(src Source) (*Reader, error) {
	h, err := src.Open()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, HeaderSize)
	if _, err := h.ReadAt(buf, 0); err != nil {
		h.Close()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: %s is shorter than a header", ErrTruncated, src)
		}
		return nil, fmt.Errorf("segment: failed to read header of %s: %w", src, err)
	}
	header, err := decodeHeader(buf)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("%w (%s)", err, src)
	}
	return &Reader{src: src, h: h, header: header}, nil
}

// OpenFile opens the segment at path.
func OpenFile(path string) (*Reader, error) {
	return Open(PathSource(path))
}

// Header returns the immutable header.
func (r *Reader) Header() Header { return r.header }

// Extent reads the current extent from disk.
func (r *Reader) Extent() (Extent, error) {
	buf := make([]byte, 2*ExtentSlotSize)
	if _, err := r.h.ReadAt(buf, HeaderSize); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Extent{}, fmt.Errorf("%w: %s ends inside its extent slots", ErrTruncated, r.src)
		}
		return Extent{}, fmt.Errorf("segment: failed to read extent of %s: %w", r.src, err)
	}
	return pickExtent(buf)
}

// Info reads the current header and extent.
func (r *Reader) Info() (Info, error) {
	e, err := r.Extent()
	if err != nil {
		return Info{}, err
	}
	return Info{Header: r.header, Extent: e}, nil
}

// ReadRows returns rows [from, to) of the current extent, clamped to it.
func (r *Reader) ReadRows(from, to int64) (types.Frame, error) {
	e, err := r.Extent()
	if err != nil {
		return types.Frame{}, err
	}
	return r.readRows(from, to, e.TotalSamples)
}

// ReadAll returns every visible row.
func (r *Reader) ReadAll() (types.Frame, error) {
	return r.ReadRows(0, -1)
}

// ReadRange returns the visible rows whose timestamps fall within
// [start, end]. Rows are assumed to be in non-decreasing timestamp order.
func (r *Reader) ReadRange(start, end int64) (types.Frame, error) {
	e, err := r.Extent()
	if err != nil {
		return types.Frame{}, err
	}
	channels := int(r.header.Channels)
	if e.TotalSamples == 0 || start > end || e.End < start || e.First > end {
		return types.Frame{Channels: channels}, nil
	}

	var searchErr error
	tsAt := func(i int) int64 {
		var b [8]byte
		if _, err := r.h.ReadAt(b[:], rowOffset(r.header.RowSize(), int64(i))); err != nil && searchErr == nil {
			searchErr = err
		}
		return int64(binary.LittleEndian.Uint64(b[:]))
	}
	n := int(e.TotalSamples)
	lo := sort.Search(n, func(i int) bool { return tsAt(i) >= start })
	hi := sort.Search(n, func(i int) bool { return tsAt(i) > end })
	if searchErr != nil {
		return types.Frame{}, fmt.Errorf("segment: failed to search %s: %w", r.src, searchErr)
	}
	return r.readRows(int64(lo), int64(hi), e.TotalSamples)
}

func (r *Reader) readRows(from, to, total int64) (types.Frame, error) {
	channels := int(r.header.Channels)
	if to < 0 || to > total {
		to = total
	}
	if from < 0 {
		from = 0
	}
	if from >= to {
		return types.Frame{Channels: channels}, nil
	}
	rowSize := r.header.RowSize()
	buf := make([]byte, (to-from)*rowSize)
	if _, err := r.h.ReadAt(buf, rowOffset(rowSize, from)); err != nil {
		return types.Frame{}, fmt.Errorf("segment: failed to read rows of %s: %w", r.src, err)
	}
	timestamps, data := decodeRows(buf, int(to-from), channels)
	return types.Frame{Channels: channels, Timestamps: timestamps, Data: data}, nil
}

// Close releases the handle.
func (r *Reader) Close() error {
	return r.h.Close()
}

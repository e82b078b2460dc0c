// Package segment implements the bounded, append-only segment file used to
// store one contiguous slice of a recording.
//
// A segment file is laid out as:
//
//	[0:64)     header, immutable once the file is switched to SWMR mode
//	[64:112)   extent slot 0
//	[112:160)  extent slot 1
//	[160:...)  rows: timestamp int64 ns followed by channels x float32
//
// All integers are little-endian. The header and each extent slot carry a
// murmur3 checksum. The writer alternates extent slots so that a torn slot
// write always leaves the previous extent readable.
package segment

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/spaolacci/murmur3"
)

const (
	Magic   = "SEGV"
	Version = 1

	HeaderSize     = 64
	ExtentSlotSize = 48
	DataOffset     = HeaderSize + 2*ExtentSlotSize

	// FlagSealed marks a header that has been switched to SWMR mode.
	FlagSealed uint16 = 1 << 0

	headerChecksumOffset = 60
	extentChecksumOffset = 44
)

var (
	ErrInvalidMagic    = errors.New("segment: invalid magic")
	ErrInvalidVersion  = errors.New("segment: unsupported version")
	ErrHeaderChecksum  = errors.New("segment: header checksum mismatch")
	ErrNoValidExtent   = errors.New("segment: no valid extent slot")
	ErrTruncated       = errors.New("segment: file shorter than its extent")
	ErrInvalidChannels = errors.New("segment: channel count must be positive")
	ErrExtentMismatch  = errors.New("segment: extent inconsistent with header")
	ErrUnsealed        = errors.New("segment: header never switched to SWMR mode")
)

// IsCorrupt reports whether err describes a malformed segment file, as
// opposed to an I/O failure reading one.
func IsCorrupt(err error) bool {
	for _, target := range []error{
		ErrInvalidMagic, ErrInvalidVersion, ErrHeaderChecksum, ErrNoValidExtent,
		ErrTruncated, ErrInvalidChannels, ErrExtentMismatch, ErrUnsealed,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Header holds the metadata fixed at creation time.
type Header struct {
	Version        uint16
	Flags          uint16
	Channels       uint32
	TimezoneOffset int32
	Start          int64
	StartID        int64
	SampleRate     float64
	Created        int64
}

// Sealed reports whether the file has been switched to SWMR mode.
func (h *Header) Sealed() bool { return h.Flags&FlagSealed != 0 }

// RowSize is the on-disk size of one sample row.
func (h *Header) RowSize() int64 { return RowSize(int(h.Channels)) }

// RowSize returns the size of a row with the given channel count.
func RowSize(channels int) int64 { return 8 + 4*int64(channels) }

func (h *Header) encode() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:4], Magic)
	binary.LittleEndian.PutUint16(buf[4:], h.Version)
	binary.LittleEndian.PutUint16(buf[6:], h.Flags)
	binary.LittleEndian.PutUint32(buf[8:], h.Channels)
	binary.LittleEndian.PutUint32(buf[12:], uint32(h.TimezoneOffset))
	binary.LittleEndian.PutUint64(buf[16:], uint64(h.Start))
	binary.LittleEndian.PutUint64(buf[24:], uint64(h.StartID))
	binary.LittleEndian.PutUint64(buf[32:], math.Float64bits(h.SampleRate))
	binary.LittleEndian.PutUint64(buf[40:], uint64(h.Created))
	// Reserved [48:60]
	binary.LittleEndian.PutUint32(buf[headerChecksumOffset:], murmur3.Sum32(buf[:headerChecksumOffset]))
	return buf
}

func decodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrTruncated
	}
	if string(buf[0:4]) != Magic {
		return Header{}, ErrInvalidMagic
	}
	if murmur3.Sum32(buf[:headerChecksumOffset]) != binary.LittleEndian.Uint32(buf[headerChecksumOffset:]) {
		return Header{}, ErrHeaderChecksum
	}
	h := Header{
		Version:        binary.LittleEndian.Uint16(buf[4:]),
		Flags:          binary.LittleEndian.Uint16(buf[6:]),
		Channels:       binary.LittleEndian.Uint32(buf[8:]),
		TimezoneOffset: int32(binary.LittleEndian.Uint32(buf[12:])),
		Start:          int64(binary.LittleEndian.Uint64(buf[16:])),
		StartID:        int64(binary.LittleEndian.Uint64(buf[24:])),
		SampleRate:     math.Float64frombits(binary.LittleEndian.Uint64(buf[32:])),
		Created:        int64(binary.LittleEndian.Uint64(buf[40:])),
	}
	if h.Version != Version {
		return Header{}, fmt.Errorf("%w: %d", ErrInvalidVersion, h.Version)
	}
	if h.Channels == 0 {
		return Header{}, ErrInvalidChannels
	}
	return h, nil
}

// Extent describes how much of the file is visible to readers.
type Extent struct {
	Seq          uint64
	TotalSamples int64
	// First and End are the timestamps of the first and last visible rows.
	// For an empty segment both equal the header start.
	First int64
	End   int64
	EndID int64
}

func (e *Extent) slot() int64 { return int64(e.Seq % 2) }

func (e *Extent) encode() []byte {
	buf := make([]byte, ExtentSlotSize)
	binary.LittleEndian.PutUint64(buf[0:], e.Seq)
	binary.LittleEndian.PutUint64(buf[8:], uint64(e.TotalSamples))
	binary.LittleEndian.PutUint64(buf[16:], uint64(e.End))
	binary.LittleEndian.PutUint64(buf[24:], uint64(e.EndID))
	binary.LittleEndian.PutUint64(buf[32:], uint64(e.First))
	binary.LittleEndian.PutUint32(buf[extentChecksumOffset:], murmur3.Sum32(buf[:extentChecksumOffset]))
	return buf
}

func decodeExtent(buf []byte) (Extent, bool) {
	if len(buf) < ExtentSlotSize {
		return Extent{}, false
	}
	if murmur3.Sum32(buf[:extentChecksumOffset]) != binary.LittleEndian.Uint32(buf[extentChecksumOffset:]) {
		return Extent{}, false
	}
	e := Extent{
		Seq:          binary.LittleEndian.Uint64(buf[0:]),
		TotalSamples: int64(binary.LittleEndian.Uint64(buf[8:])),
		End:          int64(binary.LittleEndian.Uint64(buf[16:])),
		EndID:        int64(binary.LittleEndian.Uint64(buf[24:])),
		First:        int64(binary.LittleEndian.Uint64(buf[32:])),
	}
	if e.Seq == 0 || e.TotalSamples < 0 {
		return Extent{}, false
	}
	return e, true
}

// pickExtent returns the valid slot with the highest sequence number.
func pickExtent(slots []byte) (Extent, error) {
	a, okA := decodeExtent(slots[:ExtentSlotSize])
	b, okB := decodeExtent(slots[ExtentSlotSize : 2*ExtentSlotSize])
	switch {
	case okA && okB:
		if b.Seq > a.Seq {
			return b, nil
		}
		return a, nil
	case okA:
		return a, nil
	case okB:
		return b, nil
	default:
		return Extent{}, ErrNoValidExtent
	}
}

func rowOffset(rowSize, row int64) int64 {
	return DataOffset + row*rowSize
}

func encodeRows(buf []byte, timestamps []int64, data []float32, channels int) {
	rowSize := int(RowSize(channels))
	for i, ts := range timestamps {
		off := i * rowSize
		binary.LittleEndian.PutUint64(buf[off:], uint64(ts))
		off += 8
		for c := 0; c < channels; c++ {
			binary.LittleEndian.PutUint32(buf[off+4*c:], math.Float32bits(data[i*channels+c]))
		}
	}
}

func decodeRows(buf []byte, n int, channels int) ([]int64, []float32) {
	rowSize := int(RowSize(channels))
	timestamps := make([]int64, n)
	data := make([]float32, n*channels)
	for i := 0; i < n; i++ {
		off := i * rowSize
		timestamps[i] = int64(binary.LittleEndian.Uint64(buf[off:]))
		off += 8
		for c := 0; c < channels; c++ {
			data[i*channels+c] = math.Float32frombits(binary.LittleEndian.Uint32(buf[off+4*c:]))
		}
	}
	return timestamps, data
}

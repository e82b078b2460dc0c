package types

import (
	"fmt"
	"math"
	"path"
	"strconv"
	"strings"
)

// TimeAxis is the axis of Shape that grows with time.
const TimeAxis = 0

// Shape is the extent of a segment's sample array: (samples, channels).
type Shape [2]int

// Samples returns the length along the time axis.
func (s Shape) Samples() int { return s[TimeAxis] }

// Channels returns the channel count.
func (s Shape) Channels() int { return s[1] }

// String renders the shape as "(samples, channels)".
func (s Shape) String() string {
	return fmt.Sprintf("(%d, %d)", s[0], s[1])
}

// Segment describes one bounded segment file of a recording.
//
// Path is relative to the recording root and always slash-separated, e.g.
// "day-3/patient01_day3_07~15~00.000.seg". Start and End are nanosecond
// timestamps of the first and last sample. StartID and EndID are inclusive
// recording-wide sample indices, so Shape.Samples() == EndID-StartID+1; an
// empty segment has EndID == StartID-1.
type Segment struct {
	Path           string  `json:"path"`
	Day            int     `json:"day"`
	Start          int64   `json:"start"`
	End            int64   `json:"end"`
	SampleRate     float64 `json:"sample_rate"`
	Shape          Shape   `json:"shape"`
	Axis           int     `json:"axis"`
	StartID        int64   `json:"start_id"`
	EndID          int64   `json:"end_id"`
	TimezoneOffset int32   `json:"timezone_offset"`
	UpdateID       int64   `json:"update_id"`
}

// CatalogRow is the persisted projection of a Segment.
type CatalogRow = Segment

// Samples returns the number of samples along the segment's time axis.
func (s *Segment) Samples() int64 {
	return int64(s.Shape[s.Axis])
}

// Overlaps reports whether the segment intersects the closed range [start, end].
func (s *Segment) Overlaps(start, end int64) bool {
	return s.Start <= end && s.End >= start
}

// Check verifies the per-segment invariants: end >= start and a time-axis
// length that matches the sample-id range.
func (s *Segment) Check() error {
	if s.End < s.Start {
		return fmt.Errorf("segment %s: end %d before start %d", s.Path, s.End, s.Start)
	}
	if s.Axis < 0 || s.Axis > 1 {
		return fmt.Errorf("segment %s: invalid axis %d", s.Path, s.Axis)
	}
	if got, want := s.Samples(), s.EndID-s.StartID+1; got != want {
		return fmt.Errorf("segment %s: shape %s does not match ids [%d, %d]", s.Path, s.Shape, s.StartID, s.EndID)
	}
	return nil
}

// SameContent reports whether two segments describe the same file content,
// ignoring the catalog bookkeeping field UpdateID.
func (s *Segment) SameContent(o *Segment) bool {
	sameRate := s.SampleRate == o.SampleRate || (math.IsNaN(s.SampleRate) && math.IsNaN(o.SampleRate))
	return s.Path == o.Path &&
		s.Day == o.Day &&
		s.Start == o.Start &&
		s.End == o.End &&
		sameRate &&
		s.Shape == o.Shape &&
		s.Axis == o.Axis &&
		s.StartID == o.StartID &&
		s.EndID == o.EndID &&
		s.TimezoneOffset == o.TimezoneOffset
}

// UpdateRequest builds the catalog update request describing this segment.
func (s *Segment) UpdateRequest() CatalogUpdateRequest {
	return CatalogUpdateRequest{
		Path:           s.Path,
		Day:            s.Day,
		Start:          s.Start,
		End:            s.End,
		SampleRate:     s.SampleRate,
		Shape:          s.Shape,
		Axis:           s.Axis,
		StartID:        s.StartID,
		EndID:          s.EndID,
		TimezoneOffset: s.TimezoneOffset,
	}
}

// CatalogUpdateRequest carries the Segment fields needed to upsert a catalog
// row. UpdateID is assigned by the catalog when the request is applied.
type CatalogUpdateRequest struct {
	Path           string
	Day            int
	Start          int64
	End            int64
	SampleRate     float64
	Shape          Shape
	Axis           int
	StartID        int64
	EndID          int64
	TimezoneOffset int32
	UpdateID       int64
}

// Segment converts the request back into the row it describes.
func (r CatalogUpdateRequest) Segment() Segment {
	return Segment{
		Path:           r.Path,
		Day:            r.Day,
		Start:          r.Start,
		End:            r.End,
		SampleRate:     r.SampleRate,
		Shape:          r.Shape,
		Axis:           r.Axis,
		StartID:        r.StartID,
		EndID:          r.EndID,
		TimezoneOffset: r.TimezoneOffset,
		UpdateID:       r.UpdateID,
	}
}

// DayDirPrefix prefixes every day directory under a recording root.
const DayDirPrefix = "day-"

// DayDir returns the directory name for a 1-based day number.
func DayDir(day int) string {
	return DayDirPrefix + strconv.Itoa(day)
}

// DayFromPath extracts the day number from a segment path of the form
// "day-N/<file>". It returns false if the path does not follow the layout.
func DayFromPath(p string) (int, bool) {
	dir := path.Dir(p)
	if dir == "." || !strings.HasPrefix(dir, DayDirPrefix) || strings.Contains(dir, "/") {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(dir, DayDirPrefix))
	if err != nil {
		return 0, false
	}
	return n, true
}

// CleanSegmentPath checks that p names a segment file directly inside a day
// directory, "day-N/<file>.<ext>" with N >= 1, and returns it cleaned. An
// empty ext skips the extension check.
func CleanSegmentPath(p, ext string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("segment path is empty")
	}
	if path.IsAbs(p) || strings.Contains(p, `\`) {
		return "", fmt.Errorf("segment path %q must be relative and slash-separated", p)
	}
	clean := path.Clean(p)
	for _, elem := range strings.Split(clean, "/") {
		if elem == ".." {
			return "", fmt.Errorf("segment path %q leaves the recording root", p)
		}
	}
	day, ok := DayFromPath(clean)
	if !ok || day < 1 {
		return "", fmt.Errorf("segment path %q is not inside a %sN directory", p, DayDirPrefix)
	}
	base := path.Base(clean)
	if strings.HasPrefix(base, ".") {
		return "", fmt.Errorf("segment path %q names a hidden file", p)
	}
	if ext != "" {
		ext = strings.TrimPrefix(ext, ".")
		if path.Ext(base) != "."+ext || base == "."+ext {
			return "", fmt.Errorf("segment path %q must have extension .%s", p, ext)
		}
	}
	return clean, nil
}

// Package daybucket groups a recording's segments by calendar day relative to
// the recording start and keeps per-day aggregates for time-range lookup.
package daybucket

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/arkilian/segvault/pkg/types"
)

// Day is a calendar day of the recording and the segments recorded on it.
type Day struct {
	// Number is the 1-based day index relative to the recording start.
	Number int `json:"number"`
	// Date is the UTC nanosecond timestamp of the day's local midnight.
	Date int64 `json:"date"`

	// Aggregates over Segments. An empty day has Start == End == Date and a
	// NaN sample rate.
	Start      int64       `json:"start"`
	End        int64       `json:"end"`
	Shape      types.Shape `json:"shape"`
	SampleRate float64     `json:"sample_rate"`

	Segments []types.Segment `json:"segments"`
}

func (d *Day) clone() Day {
	cp := *d
	cp.Segments = append([]types.Segment(nil), d.Segments...)
	return cp
}

// recompute sets the aggregates to the extremes over the children.
func (d *Day) recompute() {
	if len(d.Segments) == 0 {
		d.Start, d.End = d.Date, d.Date
		d.Shape = types.Shape{}
		d.SampleRate = math.NaN()
		return
	}
	first := &d.Segments[0]
	d.Start, d.End = first.Start, first.End
	d.SampleRate = first.SampleRate
	d.Shape = types.Shape{}
	for i := range d.Segments {
		s := &d.Segments[i]
		if s.Start < d.Start {
			d.Start = s.Start
		}
		if s.End > d.End {
			d.End = s.End
		}
		d.Shape[types.TimeAxis] += int(s.Samples())
		if s.Shape.Channels() > d.Shape[1] {
			d.Shape[1] = s.Shape.Channels()
		}
		if s.SampleRate != d.SampleRate {
			d.SampleRate = math.NaN()
		}
	}
}

// insert places seg after every child whose start is <= seg.Start, so equal
// starts keep arrival order.
func (d *Day) insert(seg types.Segment) {
	i := sort.Search(len(d.Segments), func(i int) bool { return d.Segments[i].Start > seg.Start })
	d.Segments = append(d.Segments, types.Segment{})
	copy(d.Segments[i+1:], d.Segments[i:])
	d.Segments[i] = seg
	d.recompute()
}

func (d *Day) indexOf(path string) int {
	for i := range d.Segments {
		if d.Segments[i].Path == path {
			return i
		}
	}
	return -1
}

func (d *Day) remove(i int) {
	d.Segments = append(d.Segments[:i], d.Segments[i+1:]...)
	d.recompute()
}

// Index is the in-memory day-bucket tree of one recording. It is safe for
// concurrent use; accessors return copies.
type Index struct {
	mu   sync.RWMutex
	cal  Calendar
	days []*Day
	// byPath maps a segment path to its day number.
	byPath map[string]int
}

// New creates an empty index using cal for day numbering.
func New(cal Calendar) *Index {
	return &Index{cal: cal, byPath: make(map[string]int)}
}

// Calendar returns the day-numbering policy.
func (x *Index) Calendar() Calendar {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.cal
}

// SetCalendar changes the day-numbering policy and recomputes day dates.
func (x *Index) SetCalendar(cal Calendar) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.cal = cal
	for _, d := range x.days {
		d.Date = cal.DayStart(d.Number)
		d.recompute()
	}
}

// DayNumber returns the day number of ts under the index calendar.
func (x *Index) DayNumber(ts int64) int {
	return x.Calendar().DayNumber(ts)
}

// Len returns the number of days.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.days)
}

// FindDay locates the day whose calendar window contains ts by binary search
// over day start times. With approx, a timestamp between two days resolves
// to the nearer one. With tails, a timestamp before the first or after the
// last day resolves to that extreme day. ok is false when no day qualifies.
func (x *Index) FindDay(ts int64, approx, tails bool) (int, Day, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	i, ok := x.findDay(ts, approx, tails)
	if !ok {
		return -1, Day{}, false
	}
	return i, x.days[i].clone(), true
}

func (x *Index) findDay(ts int64, approx, tails bool) (int, bool) {
	n := len(x.days)
	if n == 0 {
		return -1, false
	}
	// First day starting after ts; the candidate is the one before it.
	i := sort.Search(n, func(i int) bool { return x.days[i].Date > ts })
	if i > 0 && ts < x.days[i-1].Date+DayNanos {
		return i - 1, true
	}
	switch {
	case i == 0:
		if tails {
			return 0, true
		}
		return -1, false
	case i == n:
		if tails {
			return n - 1, true
		}
		return -1, false
	case approx:
		before := ts - (x.days[i-1].Date + DayNanos - 1)
		after := x.days[i].Date - ts
		if after < before {
			return i, true
		}
		return i - 1, true
	default:
		return -1, false
	}
}

// InsertDay creates day number n in sorted position and returns it. An
// existing day is returned unchanged.
func (x *Index) InsertDay(n int) Day {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.insertDay(n).clone()
}

func (x *Index) insertDay(n int) *Day {
	i := sort.Search(len(x.days), func(i int) bool { return x.days[i].Number >= n })
	if i < len(x.days) && x.days[i].Number == n {
		return x.days[i]
	}
	d := &Day{Number: n, Date: x.cal.DayStart(n)}
	d.recompute()
	x.days = append(x.days, nil)
	copy(x.days[i+1:], x.days[i:])
	x.days[i] = d
	return d
}

func (x *Index) day(n int) *Day {
	i := sort.Search(len(x.days), func(i int) bool { return x.days[i].Number >= n })
	if i < len(x.days) && x.days[i].Number == n {
		return x.days[i]
	}
	return nil
}

// InsertSegment adds seg to day n in start-time order and recomputes the
// day's aggregates. The day must exist.
func (x *Index) InsertSegment(n int, seg types.Segment) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	d := x.day(n)
	if d == nil {
		return fmt.Errorf("daybucket: day %d does not exist", n)
	}
	if _, dup := x.byPath[seg.Path]; dup {
		return fmt.Errorf("daybucket: segment %s already indexed", seg.Path)
	}
	seg.Day = n
	d.insert(seg)
	x.byPath[seg.Path] = n
	return nil
}

// Upsert inserts seg into its day, creating the day when needed, or replaces
// the indexed segment with the same path. A replaced segment keeps its
// position unless its start changed.
func (x *Index) Upsert(seg types.Segment) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if n, ok := x.byPath[seg.Path]; ok {
		d := x.day(n)
		i := d.indexOf(seg.Path)
		if n == seg.Day && d.Segments[i].Start == seg.Start {
			d.Segments[i] = seg
			d.recompute()
			return
		}
		d.remove(i)
		x.dropIfEmpty(d)
	}
	x.insertDay(seg.Day).insert(seg)
	x.byPath[seg.Path] = seg.Day
}

// Remove drops the segment at path. Days left without segments are removed.
func (x *Index) Remove(path string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	n, ok := x.byPath[path]
	if !ok {
		return false
	}
	delete(x.byPath, path)
	d := x.day(n)
	d.remove(d.indexOf(path))
	x.dropIfEmpty(d)
	return true
}

func (x *Index) dropIfEmpty(d *Day) {
	if len(d.Segments) > 0 {
		return
	}
	for i := range x.days {
		if x.days[i] == d {
			x.days = append(x.days[:i], x.days[i+1:]...)
			return
		}
	}
}

// Replace rebuilds the index from segs, e.g. after reconciliation.
func (x *Index) Replace(segs []types.Segment) {
	sorted := append([]types.Segment(nil), segs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	x.mu.Lock()
	defer x.mu.Unlock()
	x.days = nil
	x.byPath = make(map[string]int, len(sorted))
	for _, seg := range sorted {
		x.insertDay(seg.Day).insert(seg)
		x.byPath[seg.Path] = seg.Day
	}
}

// Days returns a copy of every day in order.
func (x *Index) Days() []Day {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]Day, len(x.days))
	for i, d := range x.days {
		out[i] = d.clone()
	}
	return out
}

// Segments returns the segments overlapping [start, end], ordered by day and
// then by start.
func (x *Index) Segments(start, end int64) []types.Segment {
	x.mu.RLock()
	defer x.mu.RUnlock()

	var out []types.Segment
	for _, d := range x.days {
		if len(d.Segments) == 0 || d.End < start || d.Start > end {
			continue
		}
		for i := range d.Segments {
			if d.Segments[i].Overlaps(start, end) {
				out = append(out, d.Segments[i])
			}
		}
	}
	return out
}

// Segment returns the indexed segment at path.
func (x *Index) Segment(path string) (types.Segment, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	n, ok := x.byPath[path]
	if !ok {
		return types.Segment{}, false
	}
	d := x.day(n)
	return d.Segments[d.indexOf(path)], true
}

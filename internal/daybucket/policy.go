package daybucket

import (
	"path"
	"strconv"
	"time"

	"github.com/arkilian/segvault/pkg/types"
)

// DayNanos is the length of a calendar day.
const DayNanos = int64(24 * time.Hour)

// DefaultExt is the segment file extension used when a layout has none.
const DefaultExt = "seg"

// Calendar numbers days relative to the recording origin. Days are local
// calendar days in the recording's fixed timezone; day 1 is the day containing
// Origin. Timestamps before the origin's day yield numbers <= 0.
type Calendar struct {
	Origin         int64
	TimezoneOffset int32
}

func (c Calendar) localDay(ts int64) int64 {
	return floorDiv(ts+int64(c.TimezoneOffset)*int64(time.Second), DayNanos)
}

// DayNumber returns the 1-based day number of ts.
func (c Calendar) DayNumber(ts int64) int {
	return int(c.localDay(ts) - c.localDay(c.Origin) + 1)
}

// DayStart returns the UTC nanosecond timestamp of local midnight opening day n.
func (c Calendar) DayStart(n int) int64 {
	return (c.localDay(c.Origin)+int64(n-1))*DayNanos - int64(c.TimezoneOffset)*int64(time.Second)
}

// Contains reports whether ts falls on day n.
func (c Calendar) Contains(n int, ts int64) bool {
	start := c.DayStart(n)
	return ts >= start && ts < start+DayNanos
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// Layout names segment files under a recording root:
//
//	day-{N}/{name}_day{N}_{HH~MM~SS.mmm}.{ext}
//
// where the time of day is local to the segment's timezone.
type Layout struct {
	Name string
	Ext  string
}

// SegmentPath returns the slash-separated path of the segment for day that
// starts at ts. Precise selects microsecond rather than millisecond time of
// day, used when the millisecond name is already taken.
func (l Layout) SegmentPath(day int, ts int64, tz int32, precise bool) string {
	return path.Join(types.DayDir(day), l.FileName(day, ts, tz, precise))
}

// Extension returns the segment file extension without its dot.
func (l Layout) Extension() string {
	if l.Ext == "" {
		return DefaultExt
	}
	return l.Ext
}

// FileName returns the base file name of a segment.
func (l Layout) FileName(day int, ts int64, tz int32, precise bool) string {
	ext := l.Extension()
	layout := "15~04~05.000"
	if precise {
		layout = "15~04~05.000000"
	}
	local := time.Unix(0, ts).In(time.FixedZone("", int(tz)))
	return l.Name + "_day" + strconv.Itoa(day) + "_" + local.Format(layout) + "." + ext
}

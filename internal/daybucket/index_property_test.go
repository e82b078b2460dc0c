package daybucket

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/arkilian/segvault/pkg/types"
)

// TestProperty_DayOrderingAndAggregates checks that for any insertion order
// days stay sorted, children stay sorted by start, each day's aggregate
// start/end equals the extremes over its children, and every child start is
// found in its own day.
func TestProperty_DayOrderingAndAggregates(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("days ordered and aggregates are extremes over children", prop.ForAll(
		func(offsets []int64, tz int32) bool {
			cal := Calendar{Origin: origin, TimezoneOffset: tz}
			x := New(cal)
			for i, off := range offsets {
				start := origin + off
				x.Upsert(types.Segment{
					Path:       fmt.Sprintf("s%d", i),
					Day:        cal.DayNumber(start),
					Start:      start,
					End:        start + off%1_000_000,
					SampleRate: 512,
					Shape:      types.Shape{1, 1},
				})
			}

			days := x.Days()
			total := 0
			for i, d := range days {
				if i > 0 && days[i-1].Number >= d.Number {
					return false
				}
				if len(d.Segments) == 0 {
					return false
				}
				minStart, maxEnd := d.Segments[0].Start, d.Segments[0].End
				for j, s := range d.Segments {
					if j > 0 && d.Segments[j-1].Start > s.Start {
						return false
					}
					if s.Start < minStart {
						minStart = s.Start
					}
					if s.End > maxEnd {
						maxEnd = s.End
					}
					if _, found, ok := x.FindDay(s.Start, false, false); !ok || found.Number != d.Number {
						return false
					}
				}
				if d.Start != minStart || d.End != maxEnd || d.Shape.Samples() != len(d.Segments) {
					return false
				}
				total += len(d.Segments)
			}
			return total == len(offsets)
		},
		gen.SliceOf(gen.Int64Range(-DayNanos, 10*DayNanos)),
		gen.Int32Range(-12*3600, 14*3600),
	))

	properties.TestingRun(t)
}

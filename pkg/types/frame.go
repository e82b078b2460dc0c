package types

import "fmt"

// Frame is a block of multichannel samples with one nanosecond timestamp per
// sample. Data is row-major: sample i occupies Data[i*Channels : (i+1)*Channels].
type Frame struct {
	Channels   int       `json:"channels"`
	Timestamps []int64   `json:"timestamps"`
	Data       []float32 `json:"data"`
}

// NewFrame builds a frame from per-sample rows.
func NewFrame(timestamps []int64, rows [][]float32) (Frame, error) {
	if len(timestamps) != len(rows) {
		return Frame{}, fmt.Errorf("frame: %d timestamps for %d rows", len(timestamps), len(rows))
	}
	f := Frame{Timestamps: timestamps}
	if len(rows) == 0 {
		return f, nil
	}
	f.Channels = len(rows[0])
	f.Data = make([]float32, 0, len(rows)*f.Channels)
	for i, row := range rows {
		if len(row) != f.Channels {
			return Frame{}, fmt.Errorf("frame: row %d has %d channels, expected %d", i, len(row), f.Channels)
		}
		f.Data = append(f.Data, row...)
	}
	return f, nil
}

// Len returns the number of samples.
func (f *Frame) Len() int { return len(f.Timestamps) }

// Shape returns (samples, channels).
func (f *Frame) Shape() Shape { return Shape{f.Len(), f.Channels} }

// First returns the first timestamp. The frame must not be empty.
func (f *Frame) First() int64 { return f.Timestamps[0] }

// Last returns the last timestamp. The frame must not be empty.
func (f *Frame) Last() int64 { return f.Timestamps[len(f.Timestamps)-1] }

// Row returns the channel values of sample i.
func (f *Frame) Row(i int) []float32 {
	return f.Data[i*f.Channels : (i+1)*f.Channels]
}

// Check validates the frame layout. Timestamps must be non-decreasing.
func (f *Frame) Check() error {
	if f.Len() == 0 {
		return fmt.Errorf("frame: empty")
	}
	if f.Channels <= 0 {
		return fmt.Errorf("frame: invalid channel count %d", f.Channels)
	}
	if len(f.Data) != f.Len()*f.Channels {
		return fmt.Errorf("frame: %d values for %d samples x %d channels", len(f.Data), f.Len(), f.Channels)
	}
	for i := 1; i < len(f.Timestamps); i++ {
		if f.Timestamps[i] < f.Timestamps[i-1] {
			return fmt.Errorf("frame: timestamp %d at index %d goes backwards", f.Timestamps[i], i)
		}
	}
	return nil
}

// Append concatenates o onto f. Channel counts must agree unless f is empty.
func (f *Frame) Append(o Frame) error {
	if o.Len() == 0 {
		return nil
	}
	if f.Len() == 0 && f.Channels == 0 {
		f.Channels = o.Channels
	}
	if f.Channels != o.Channels {
		return fmt.Errorf("frame: cannot join %d-channel data onto %d channels", o.Channels, f.Channels)
	}
	f.Timestamps = append(f.Timestamps, o.Timestamps...)
	f.Data = append(f.Data, o.Data...)
	return nil
}

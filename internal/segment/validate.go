package segment

import (
	"fmt"
)

// Inspect opens src and checks it is a well-formed segment: a valid sealed
// header, at least one valid extent slot, an extent consistent with the
// header, and enough bytes for every visible row. It returns the snapshot on
// success. Use IsCorrupt to tell a malformed file from an I/O failure.
func Inspect(src Source) (Info, error) {
	r, err := Open(src)
	if err != nil {
		return Info{}, err
	}
	defer r.Close()

	// A crash between Prepare and StartSWMR leaves an unsealed header.
	if !r.header.Sealed() {
		return Info{}, fmt.Errorf("%w: %s", ErrUnsealed, src)
	}
	info, err := r.Info()
	if err != nil {
		return Info{}, err
	}
	if got, want := info.Extent.EndID-info.Header.StartID+1, info.Extent.TotalSamples; got != want {
		return Info{}, fmt.Errorf("%w: %s ids [%d, %d] do not match %d samples",
			ErrExtentMismatch, src, info.Header.StartID, info.Extent.EndID, want)
	}
	size, err := r.h.Size()
	if err != nil {
		return Info{}, err
	}
	if need := rowOffset(info.Header.RowSize(), info.Extent.TotalSamples); size < need {
		return Info{}, fmt.Errorf("%w: %s has %d bytes, extent needs %d", ErrTruncated, src, size, need)
	}
	return info, nil
}

// Validate reports whether src holds a readable segment.
func Validate(src Source) bool {
	_, err := Inspect(src)
	return err == nil
}

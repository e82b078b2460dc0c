package types

import "strings"

// Operation selects how a WriteDataItem is applied to the open segment.
type Operation uint8

const (
	OpUnknown Operation = iota
	OpAppend
	OpSet
	OpInsert
)

// ParseOperation maps an operation name to an Operation. Unrecognized names
// map to OpUnknown, which writers log and drop.
func ParseOperation(name string) Operation {
	switch strings.ToLower(name) {
	case "", "append":
		return OpAppend
	case "set":
		return OpSet
	case "insert":
		return OpInsert
	default:
		return OpUnknown
	}
}

func (o Operation) String() string {
	switch o {
	case OpAppend:
		return "append"
	case OpSet:
		return "set"
	case OpInsert:
		return "insert"
	default:
		return "unknown"
	}
}

// Item is a message accepted by the ingestion pipeline. The set of items is
// closed: WriteFileItem and WriteDataItem.
type Item interface {
	isItem()
}

// FileOptions describe the next segment file to open.
type FileOptions struct {
	// Path overrides the layout-derived relative path when non-empty.
	Path string
	// Start is the header start time; zero means the first sample's timestamp.
	Start int64
}

// WriteFileItem instructs the pipeline to rotate to a new segment using the
// given timezone offset (seconds east of UTC) and sample rate.
type WriteFileItem struct {
	File           FileOptions
	TimezoneOffset int32
	SampleRate     float64
}

// WriteDataItem carries samples for the open segment. Index is used by
// OpSet and OpInsert; HasIndex false means "start of segment" for OpSet and
// "end of segment" for OpInsert.
type WriteDataItem struct {
	Operation Operation
	Index     int64
	HasIndex  bool
	Frame     Frame
}

func (WriteFileItem) isItem() {}
func (WriteDataItem) isItem() {}

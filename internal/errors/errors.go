// Package errors provides structured error types for segvault.
// All errors include a category, code, message, and retryable flag so the
// ingestion pipeline can tell fatal conditions from self-healing ones.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by system component.
type ErrorCategory string

const (
	ErrCategoryValidation ErrorCategory = "VALIDATION"
	ErrCategorySegment    ErrorCategory = "SEGMENT"
	ErrCategoryCatalog    ErrorCategory = "CATALOG"
	ErrCategoryIngest     ErrorCategory = "INGEST"
	ErrCategoryReconcile  ErrorCategory = "RECONCILE"
	ErrCategoryStorage    ErrorCategory = "STORAGE"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Validation codes
	CodeInvalidFrame     = "INVALID_FRAME"
	CodeShapeMismatch    = "SHAPE_MISMATCH"
	CodeIndexOutOfRange  = "INDEX_OUT_OF_RANGE"
	CodeUnknownOperation = "UNKNOWN_OPERATION"
	CodeInvalidPath      = "INVALID_PATH"
	CodeSegmentExists    = "SEGMENT_EXISTS"

	// Segment codes
	CodeCorruptSegment = "CORRUPT_SEGMENT"
	CodeSegmentClosed  = "SEGMENT_CLOSED"
	CodeSWMRNotActive  = "SWMR_NOT_ACTIVE"
	CodeHeaderSealed   = "HEADER_SEALED"
	CodeFlushFailed    = "FLUSH_FAILED"
	CodeCreateFailed   = "CREATE_FAILED"

	// Catalog codes
	CodeTransactionFailed = "TRANSACTION_FAILED"
	CodeRowNotFound       = "ROW_NOT_FOUND"
	CodeUpdaterFailed     = "UPDATER_FAILED"

	// Ingest codes
	CodePipelineClosed = "PIPELINE_CLOSED"

	// Storage codes
	CodeUploadFailed   = "UPLOAD_FAILED"
	CodeDownloadFailed = "DOWNLOAD_FAILED"
	CodeObjectNotFound = "OBJECT_NOT_FOUND"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// SegvaultError is the structured error type used throughout the system.
type SegvaultError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *SegvaultError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *SegvaultError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *SegvaultError) Is(target error) bool {
	var t *SegvaultError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new SegvaultError.
func New(category ErrorCategory, code, message string) *SegvaultError {
	return &SegvaultError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new SegvaultError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *SegvaultError {
	return &SegvaultError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *SegvaultError) WithDetails(details map[string]interface{}) *SegvaultError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var se *SegvaultError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// IsFatal reports whether an error must stop ingestion. Programming errors on
// segment handles and catalog divergence are fatal; everything else is
// reported to the caller and ingestion continues.
func IsFatal(err error) bool {
	var se *SegvaultError
	if !errors.As(err, &se) {
		return false
	}
	switch {
	case se.Category == ErrCategorySegment && (se.Code == CodeSegmentClosed || se.Code == CodeSWMRNotActive):
		return true
	case se.Category == ErrCategorySegment && se.Code == CodeCreateFailed:
		return true
	case se.Category == ErrCategoryCatalog && se.Code == CodeUpdaterFailed:
		return true
	default:
		return false
	}
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a SegvaultError.
func GetCategory(err error) ErrorCategory {
	var se *SegvaultError
	if errors.As(err, &se) {
		return se.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a SegvaultError.
func GetCode(err error) string {
	var se *SegvaultError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryStorage && code == CodeUploadFailed:
		return true
	case category == ErrCategoryStorage && code == CodeDownloadFailed:
		return true
	case category == ErrCategoryCatalog && code == CodeTransactionFailed:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewValidationError(code, message string) *SegvaultError {
	return New(ErrCategoryValidation, code, message)
}

func NewSegmentError(code, message string, cause error) *SegvaultError {
	return Wrap(ErrCategorySegment, code, message, cause)
}

func NewCatalogError(code, message string, cause error) *SegvaultError {
	return Wrap(ErrCategoryCatalog, code, message, cause)
}

func NewIngestError(code, message string, cause error) *SegvaultError {
	return Wrap(ErrCategoryIngest, code, message, cause)
}

func NewStorageError(code, message string, cause error) *SegvaultError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewInternalError(message string, cause error) *SegvaultError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}

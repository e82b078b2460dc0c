package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestSegvaultError_Error(t *testing.T) {
	err := New(ErrCategorySegment, CodeCorruptSegment, "bad header")
	expected := "[SEGMENT:CORRUPT_SEGMENT] bad header"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestSegvaultError_ErrorWithCause(t *testing.T) {
	cause := fmt.Errorf("disk full")
	err := Wrap(ErrCategorySegment, CodeFlushFailed, "flush failed", cause)
	expected := "[SEGMENT:FLUSH_FAILED] flush failed: disk full"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestSegvaultError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("database is locked")
	err := Wrap(ErrCategoryCatalog, CodeTransactionFailed, "apply batch", cause)
	if !errors.Is(err, cause) {
		t.Error("Unwrap should allow errors.Is to find the cause")
	}
}

func TestSegvaultError_Is(t *testing.T) {
	err1 := New(ErrCategoryIngest, CodePipelineClosed, "first")
	err2 := New(ErrCategoryIngest, CodePipelineClosed, "second")
	err3 := New(ErrCategoryIngest, CodeUnknownOperation, "different code")

	if !errors.Is(err1, err2) {
		t.Error("errors with same category+code should match via Is")
	}
	if errors.Is(err1, err3) {
		t.Error("errors with different codes should not match via Is")
	}
	if !errors.Is(fmt.Errorf("write: %w", err1), err2) {
		t.Error("Is should see through fmt wrapping")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		category  ErrorCategory
		code      string
		retryable bool
	}{
		{ErrCategoryStorage, CodeUploadFailed, true},
		{ErrCategoryStorage, CodeDownloadFailed, true},
		{ErrCategoryStorage, CodeObjectNotFound, false},
		{ErrCategoryCatalog, CodeTransactionFailed, true},
		{ErrCategoryCatalog, CodeUpdaterFailed, false},
		{ErrCategorySegment, CodeCorruptSegment, false},
		{ErrCategoryValidation, CodeInvalidFrame, false},
		{ErrCategoryInternal, CodeUnexpected, false},
	}

	for _, tt := range tests {
		err := New(tt.category, tt.code, "test")
		if IsRetryable(err) != tt.retryable {
			t.Errorf("%s:%s retryable=%v, want %v", tt.category, tt.code, IsRetryable(err), tt.retryable)
		}
	}
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		err   error
		fatal bool
	}{
		{NewSegmentError(CodeSegmentClosed, "write after close", nil), true},
		{NewSegmentError(CodeSWMRNotActive, "append without swmr", nil), true},
		{NewSegmentError(CodeCreateFailed, "create", nil), true},
		{fmt.Errorf("pipeline: %w", NewCatalogError(CodeUpdaterFailed, "updater stopped", nil)), true},
		{NewCatalogError(CodeTransactionFailed, "busy", nil), false},
		{NewValidationError(CodeShapeMismatch, "3 channels into 4"), false},
		{NewSegmentError(CodeCorruptSegment, "checksum", nil), false},
		{fmt.Errorf("plain error"), false},
	}
	for _, tt := range tests {
		if IsFatal(tt.err) != tt.fatal {
			t.Errorf("%v: fatal=%v, want %v", tt.err, IsFatal(tt.err), tt.fatal)
		}
	}
}

func TestGetCategory(t *testing.T) {
	err := New(ErrCategoryReconcile, CodeCorruptSegment, "unreadable file")
	if GetCategory(err) != ErrCategoryReconcile {
		t.Errorf("got %q, want %q", GetCategory(err), ErrCategoryReconcile)
	}
	if GetCategory(fmt.Errorf("plain error")) != "" {
		t.Error("non-SegvaultError should return empty category")
	}
}

func TestGetCode(t *testing.T) {
	err := NewValidationError(CodeIndexOutOfRange, "index 12 beyond 10 samples")
	if GetCode(err) != CodeIndexOutOfRange {
		t.Errorf("got %q, want %q", GetCode(err), CodeIndexOutOfRange)
	}
	if GetCode(fmt.Errorf("plain error")) != "" {
		t.Error("non-SegvaultError should return empty code")
	}
}

func TestWithDetails(t *testing.T) {
	err := NewValidationError(CodeShapeMismatch, "channel mismatch")
	detailed := err.WithDetails(map[string]interface{}{"channels": 4})

	if detailed.Details["channels"] != 4 {
		t.Error("WithDetails should set details")
	}
	if err.Details != nil {
		t.Error("WithDetails should not modify original")
	}
}

func TestConvenienceConstructors(t *testing.T) {
	cause := fmt.Errorf("io error")

	v := NewValidationError(CodeInvalidFrame, "empty frame")
	if v.Category != ErrCategoryValidation || v.Code != CodeInvalidFrame {
		t.Error("NewValidationError mismatch")
	}

	s := NewStorageError(CodeUploadFailed, "s3 down", cause)
	if s.Category != ErrCategoryStorage || !errors.Is(s, cause) || !s.Retryable {
		t.Error("NewStorageError mismatch")
	}

	c := NewCatalogError(CodeRowNotFound, "no row", cause)
	if c.Category != ErrCategoryCatalog {
		t.Error("NewCatalogError mismatch")
	}

	g := NewSegmentError(CodeHeaderSealed, "sealed", nil)
	if g.Category != ErrCategorySegment || g.Cause != nil {
		t.Error("NewSegmentError mismatch")
	}

	in := NewIngestError(CodePipelineClosed, "closed", nil)
	if in.Category != ErrCategoryIngest {
		t.Error("NewIngestError mismatch")
	}

	i := NewInternalError("unexpected", cause)
	if i.Category != ErrCategoryInternal || i.Code != CodeUnexpected {
		t.Error("NewInternalError mismatch")
	}
}

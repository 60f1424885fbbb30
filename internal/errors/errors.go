// Package errors provides structured error types for the TileVault engine.
// All errors include a category, code, message, and retryable flag so
// callers can distinguish transient I/O failures from structural and
// integrity failures and map them to distinct exit codes or log levels.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by engine component.
type ErrorCategory string

const (
	ErrCategoryCoordinate ErrorCategory = "COORDINATE"
	ErrCategorySchema     ErrorCategory = "SCHEMA"
	ErrCategoryWrite      ErrorCategory = "WRITE"
	ErrCategoryCopy       ErrorCategory = "COPY"
	ErrCategoryPatch      ErrorCategory = "PATCH"
	ErrCategoryStream     ErrorCategory = "STREAM"
	ErrCategoryVerify     ErrorCategory = "VERIFY"
	ErrCategoryStorage    ErrorCategory = "STORAGE"
)

// Error codes for each category.
const (
	// Coordinate codes
	CodeOutOfRange = "OUT_OF_RANGE"

	// Schema codes
	CodeNoTileTable = "NO_TILE_TABLE"
	CodeMixedSchema = "MIXED_SCHEMA"

	// Write codes
	CodeIo                = "IO"
	CodeConflict          = "CONFLICT"
	CodeInvalidCoordinate = "INVALID_COORDINATE"

	// Copy codes
	CodeSchemaTranslation = "SCHEMA_TRANSLATION"

	// Patch codes
	CodeBaseMismatch   = "BASE_MISMATCH"
	CodeResultMismatch = "RESULT_MISMATCH"
	CodeBadPatchRow    = "BAD_PATCH_ROW"

	// Stream codes
	CodeInvalidTileIndex = "INVALID_TILE_INDEX"
	CodeHandleBusy       = "HANDLE_BUSY"

	// Verify codes
	CodeAggMismatch     = "AGG_MISMATCH"
	CodeAggHashMissing  = "AGG_HASH_MISSING"
	CodeTileHashMismatch = "TILE_HASH_MISMATCH"

	// Storage codes
	CodeUploadFailed     = "UPLOAD_FAILED"
	CodeDownloadFailed   = "DOWNLOAD_FAILED"
	CodeObjectNotFound   = "OBJECT_NOT_FOUND"
	CodeChecksumMismatch = "CHECKSUM_MISMATCH"
)

// VaultError is the structured error type used throughout the engine.
type VaultError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *VaultError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *VaultError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *VaultError) Is(target error) bool {
	var t *VaultError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new VaultError.
func New(category ErrorCategory, code, message string) *VaultError {
	return &VaultError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(code),
	}
}

// Wrap creates a new VaultError wrapping an existing error. A nil cause
// behaves like New.
func Wrap(category ErrorCategory, code, message string, cause error) *VaultError {
	return &VaultError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *VaultError) WithDetails(details map[string]interface{}) *VaultError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
// Integrity and validation failures are never retryable; only transient
// I/O is.
func IsRetryable(err error) bool {
	var ve *VaultError
	if errors.As(err, &ve) {
		return ve.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a VaultError.
func GetCategory(err error) ErrorCategory {
	var ve *VaultError
	if errors.As(err, &ve) {
		return ve.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a VaultError.
func GetCode(err error) string {
	var ve *VaultError
	if errors.As(err, &ve) {
		return ve.Code
	}
	return ""
}

// isRetryable determines if an error code represents a transient failure.
func isRetryable(code string) bool {
	switch code {
	case CodeIo, CodeUploadFailed, CodeDownloadFailed:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewCoordinateError(message string) *VaultError {
	return New(ErrCategoryCoordinate, CodeOutOfRange, message)
}

func NewSchemaError(code, message string) *VaultError {
	return New(ErrCategorySchema, code, message)
}

func NewWriteError(code, message string, cause error) *VaultError {
	return Wrap(ErrCategoryWrite, code, message, cause)
}

func NewCopyError(code, message string, cause error) *VaultError {
	return Wrap(ErrCategoryCopy, code, message, cause)
}

func NewPatchError(code, message string, cause error) *VaultError {
	return Wrap(ErrCategoryPatch, code, message, cause)
}

func NewStreamError(code, message string) *VaultError {
	return New(ErrCategoryStream, code, message)
}

func NewVerifyError(code, message string) *VaultError {
	return New(ErrCategoryVerify, code, message)
}

func NewStorageError(code, message string, cause error) *VaultError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

// Package errors provides structured error handling for chemflow.
// It implements errors with codes, context, and stack traces so that
// callers (and the CLI) can react to failure classes programmatically.
package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Code identifies a failure class for programmatic handling.
type Code string

const (
	// Catalog errors (1xx)
	CodeUnknownDataset Code = "E101"
	CodeInvalidDataset Code = "E102"

	// Fetch errors (2xx)
	CodeFetchFailed Code = "E201"
	CodeBadResponse Code = "E202"
	CodeAPIPayload  Code = "E203"
	CodeNoSources   Code = "E204"
	CodeTimeout     Code = "E205"

	// Materialize errors (3xx)
	CodeMaterializeFailed Code = "E301"
	CodeNoRows            Code = "E302"
	CodeWriteFailed       Code = "E303"

	// Validation errors (4xx)
	CodeSourceUnreachable Code = "E401"

	// Cache backend errors (5xx)
	CodeCacheBackend Code = "E501"
	CodeCacheCorrupt Code = "E502"

	// Unknown
	CodeUnknown Code = "E999"
)

// ChemflowError is the base error type for all chemflow errors.
type ChemflowError struct {
	Code       Code
	Message    string
	Cause      error
	Context    map[string]interface{}
	StackTrace []Frame
}

// Frame represents a stack frame.
type Frame struct {
	Function string
	File     string
	Line     int
}

// Error implements the error interface.
func (e *ChemflowError) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if len(e.Context) > 0 {
		sb.WriteString(" (")
		first := true
		for k, v := range e.Context {
			if !first {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf("%s=%v", k, v))
			first = false
		}
		sb.WriteString(")")
	}

	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}

	return sb.String()
}

// Unwrap returns the underlying cause.
func (e *ChemflowError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches a target error.
func (e *ChemflowError) Is(target error) bool {
	if t, ok := target.(*ChemflowError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithContext adds context to the error.
func (e *ChemflowError) WithContext(key string, value interface{}) *ChemflowError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates a new ChemflowError.
func New(code Code, message string) *ChemflowError {
	return &ChemflowError{
		Code:       code,
		Message:    message,
		StackTrace: captureStack(2),
	}
}

// Wrap wraps an existing error with additional context.
func Wrap(err error, code Code, message string) *ChemflowError {
	if err == nil {
		return nil
	}

	return &ChemflowError{
		Code:       code,
		Message:    message,
		Cause:      err,
		StackTrace: captureStack(2),
	}
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, code Code, format string, args ...interface{}) *ChemflowError {
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

// captureStack captures the current stack trace.
func captureStack(skip int) []Frame {
	var frames []Frame
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+1, pcs)
	pcs = pcs[:n]

	cf := runtime.CallersFrames(pcs)
	for {
		frame, more := cf.Next()
		frames = append(frames, Frame{
			Function: frame.Function,
			File:     frame.File,
			Line:     frame.Line,
		})
		if !more || len(frames) >= 10 {
			break
		}
	}
	return frames
}

// FormatStack returns a formatted stack trace.
func (e *ChemflowError) FormatStack() string {
	var sb strings.Builder
	for _, f := range e.StackTrace {
		sb.WriteString(fmt.Sprintf("  at %s\n    %s:%d\n", f.Function, f.File, f.Line))
	}
	return sb.String()
}

// UnknownDataset creates an error for a dataset id missing from the catalog.
func UnknownDataset(id string, available []string) *ChemflowError {
	return New(CodeUnknownDataset, "unknown dataset").
		WithContext("dataset_id", id).
		WithContext("available", strings.Join(available, ", "))
}

// FetchFailed creates a fetch error for a dataset and source.
func FetchFailed(datasetID, source string, err error) *ChemflowError {
	return Wrap(err, CodeFetchFailed, "fetch failed").
		WithContext("dataset_id", datasetID).
		WithContext("source", source)
}

// BadResponse creates an error for a non-success HTTP status.
func BadResponse(source string, status int) *ChemflowError {
	return New(CodeBadResponse, "unexpected HTTP status").
		WithContext("source", source).
		WithContext("status", status)
}

// MaterializeFailed creates a materialization error.
func MaterializeFailed(datasetID string, err error) *ChemflowError {
	return Wrap(err, CodeMaterializeFailed, "materialize failed").
		WithContext("dataset_id", datasetID)
}

// CacheBackendFailure wraps a storage-layer error.
func CacheBackendFailure(op string, err error) *ChemflowError {
	return Wrap(err, CodeCacheBackend, "cache backend failure").
		WithContext("op", op)
}

// IsCode checks if an error has a specific code.
func IsCode(err error, code Code) bool {
	var cfErr *ChemflowError
	if errors.As(err, &cfErr) {
		return cfErr.Code == code
	}
	return false
}

// GetCode extracts the error code from an error.
func GetCode(err error) Code {
	var cfErr *ChemflowError
	if errors.As(err, &cfErr) {
		return cfErr.Code
	}
	return CodeUnknown
}

// IsRetryable returns true if a bounded retry may succeed.
func IsRetryable(err error) bool {
	switch GetCode(err) {
	case CodeTimeout:
		return true
	default:
		return false
	}
}

// MultiError collects multiple errors from batch operations.
type MultiError struct {
	Errors []error
}

// Error implements the error interface.
func (m *MultiError) Error() string {
	if len(m.Errors) == 0 {
		return "no errors"
	}
	if len(m.Errors) == 1 {
		return m.Errors[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d errors occurred:\n", len(m.Errors)))
	for i, err := range m.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Add adds an error to the collection.
func (m *MultiError) Add(err error) {
	if err != nil {
		m.Errors = append(m.Errors, err)
	}
}

// HasErrors returns true if any errors were collected.
func (m *MultiError) HasErrors() bool {
	return len(m.Errors) > 0
}

// Combined returns nil if no errors, the single error if one, or the MultiError.
func (m *MultiError) Combined() error {
	switch len(m.Errors) {
	case 0:
		return nil
	case 1:
		return m.Errors[0]
	default:
		return m
	}
}

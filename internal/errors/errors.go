// Package errors provides a lightweight structured error type (CevastError)
// for category-based classification and retry semantics in collectors and CLI.
package errors

import (
	"fmt"
)

// ErrorCategory represents the category of a cevast error for classification
type ErrorCategory string

const (
	// User-facing configuration and input errors
	CategoryConfig     ErrorCategory = "config"
	CategoryValidation ErrorCategory = "validation"

	// External system integration errors
	CategoryNetwork ErrorCategory = "network"
	CategoryCollect ErrorCategory = "collect"

	// Dataset and storage errors
	CategoryDataset    ErrorCategory = "dataset"
	CategoryCertDB     ErrorCategory = "certdb"
	CategoryUnify      ErrorCategory = "unify"
	CategoryAnalysis   ErrorCategory = "analysis"
	CategoryFileSystem ErrorCategory = "filesystem"

	// Runtime and infrastructure errors
	CategoryLifecycle ErrorCategory = "lifecycle"
	CategoryDaemon    ErrorCategory = "daemon"
	CategoryRuntime   ErrorCategory = "runtime"
	CategoryInternal  ErrorCategory = "internal"
)

// ErrorSeverity indicates how critical an error is
type ErrorSeverity string

const (
	SeverityFatal   ErrorSeverity = "fatal"   // Stops execution
	SeverityError   ErrorSeverity = "error"   // Error, but not fatal
	SeverityWarning ErrorSeverity = "warning" // Continues with degraded functionality
	SeverityInfo    ErrorSeverity = "info"    // Informational, no impact
)

// CevastError is a structured error with category, retryability, and context
type CevastError struct {
	Category  ErrorCategory `json:"category"`
	Severity  ErrorSeverity `json:"severity"`
	Message   string        `json:"message"`
	Cause     error         `json:"cause,omitempty"`
	Retryable bool          `json:"retryable"`
	Context   ContextFields `json:"context,omitempty"`
}

// ContextFields carries structured context for CevastError
type ContextFields map[string]any

// Error implements the error interface
func (e *CevastError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Category, e.Severity, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s (%s): %s", e.Category, e.Severity, e.Message)
}

// Unwrap implements error unwrapping for Go 1.13+ error handling
func (e *CevastError) Unwrap() error {
	return e.Cause
}

// WithContext adds context information to the error
func (e *CevastError) WithContext(key string, value any) *CevastError {
	if e.Context == nil {
		e.Context = make(ContextFields)
	}
	e.Context[key] = value
	return e
}

// New creates a new CevastError
func New(category ErrorCategory, severity ErrorSeverity, message string) *CevastError {
	return &CevastError{
		Category:  category,
		Severity:  severity,
		Message:   message,
		Retryable: false,
	}
}

// Wrap creates a new CevastError that wraps an existing error
func Wrap(err error, category ErrorCategory, severity ErrorSeverity, message string) *CevastError {
	return &CevastError{
		Category:  category,
		Severity:  severity,
		Message:   message,
		Cause:     err,
		Retryable: false,
	}
}

// WrapRetryable creates a new retryable CevastError that wraps an existing error
func WrapRetryable(err error, category ErrorCategory, severity ErrorSeverity, message string) *CevastError {
	return &CevastError{
		Category:  category,
		Severity:  severity,
		Message:   message,
		Cause:     err,
		Retryable: true,
	}
}

// IsCategory checks if an error belongs to a specific category
func IsCategory(err error, category ErrorCategory) bool {
	if ce, ok := err.(*CevastError); ok {
		return ce.Category == category
	}
	return false
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	if ce, ok := err.(*CevastError); ok {
		return ce.Retryable
	}
	return false
}

// GetCategory extracts the category from an error, or returns CategoryInternal if not a CevastError
func GetCategory(err error) ErrorCategory {
	if ce, ok := err.(*CevastError); ok {
		return ce.Category
	}
	return CategoryInternal
}

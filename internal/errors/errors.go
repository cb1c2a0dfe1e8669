// Package errors provides the error taxonomy shared by the feed, exchange and
// execution components, along with classification of raw transport errors and
// the fixed-delay retry policies used around exchange calls.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrorType represents the classification of an error
type ErrorType string

const (
	// Retryable error types
	ErrorTypeTransientTransport ErrorType = "transient_transport" // Network, timeout, rate limit or 5xx

	// Non-retryable error types
	ErrorTypeInvalidRange     ErrorType = "invalid_range"     // Backfill range with from >= to
	ErrorTypeExchangeRejected ErrorType = "exchange_rejected" // Exchange refused the request
	ErrorTypeConfiguration    ErrorType = "configuration"     // Fatal startup problem
	ErrorTypeValidation       ErrorType = "validation"        // Malformed request or payload
	ErrorTypeFeedClosed       ErrorType = "feed_closed"       // Data feed was stopped

	ErrorTypeUnknown ErrorType = "unknown"
)

// Severity represents the severity level of an error
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the string representation of the severity
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ErrFeedClosed is returned by the data feed once Stop has been called.
var ErrFeedClosed = &ClassifiedError{
	Err:       errors.New("data feed closed"),
	Type:      ErrorTypeFeedClosed,
	Severity:  SeverityLow,
	Component: "feed",
	Operation: "next_bar",
}

// ClassifiedError represents an error with metadata for handling decisions
type ClassifiedError struct {
	Err       error     `json:"error"`
	Type      ErrorType `json:"type"`
	Severity  Severity  `json:"severity"`
	Retryable bool      `json:"retryable"`
	Component string    `json:"component"`
	Operation string    `json:"operation"`
	Code      string    `json:"code,omitempty"` // exchange code for rejections
	Timestamp time.Time `json:"timestamp"`
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	return fmt.Sprintf("[%s/%s] %s: %v", ce.Component, ce.Type, ce.Operation, ce.Err)
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// Is matches another ClassifiedError by type, so errors.Is(err, ErrFeedClosed)
// holds for any feed_closed error.
func (ce *ClassifiedError) Is(target error) bool {
	if t, ok := target.(*ClassifiedError); ok {
		return ce.Type == t.Type
	}
	return false
}

// New creates a classified error of the given type.
func New(errType ErrorType, component, operation string, err error) *ClassifiedError {
	return &ClassifiedError{
		Err:       err,
		Type:      errType,
		Severity:  severityFor(errType),
		Retryable: errType == ErrorTypeTransientTransport,
		Component: component,
		Operation: operation,
		Timestamp: time.Now(),
	}
}

// Transport wraps err as a transient transport failure.
func Transport(component, operation string, err error) *ClassifiedError {
	return New(ErrorTypeTransientTransport, component, operation, err)
}

// Rejected wraps a refusal reported by the exchange.
func Rejected(component, operation, code, message string) *ClassifiedError {
	ce := New(ErrorTypeExchangeRejected, component, operation, fmt.Errorf("exchange rejected request: code=%s msg=%s", code, message))
	ce.Code = code
	return ce
}

// RejectionCode returns the exchange code of a rejection in err's chain, or
// "" when err is not a rejection.
func RejectionCode(err error) string {
	var ce *ClassifiedError
	if errors.As(err, &ce) && ce.Type == ErrorTypeExchangeRejected {
		return ce.Code
	}
	return ""
}

// Configuration builds a configuration error from a message.
func Configuration(component, format string, args ...interface{}) *ClassifiedError {
	return New(ErrorTypeConfiguration, component, "configure", fmt.Errorf(format, args...))
}

// InvalidRange builds the error returned for a backfill range where from >= to.
func InvalidRange(component string, fromMs, toMs int64) *ClassifiedError {
	return New(ErrorTypeInvalidRange, component, "backfill", fmt.Errorf("invalid range: from %d must be before to %d", fromMs, toMs))
}

func severityFor(errType ErrorType) Severity {
	switch errType {
	case ErrorTypeConfiguration:
		return SeverityCritical
	case ErrorTypeExchangeRejected:
		return SeverityHigh
	case ErrorTypeValidation, ErrorTypeInvalidRange:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Classify returns err as a ClassifiedError, inferring the type from the error
// chain and message when it is not already classified.
func Classify(err error, component, operation string) *ClassifiedError {
	if err == nil {
		return nil
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}

	return New(classifyErrorType(err), component, operation, err)
}

// classifyErrorType determines the error type based on the error content
func classifyErrorType(err error) ErrorType {
	if isNetworkError(err) || isTimeoutError(err) {
		return ErrorTypeTransientTransport
	}

	errStr := strings.ToLower(err.Error())

	if strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "server error") ||
		strings.Contains(errStr, "service unavailable") ||
		strings.Contains(errStr, "bad gateway") {
		return ErrorTypeTransientTransport
	}

	if strings.Contains(errStr, "validation") ||
		strings.Contains(errStr, "malformed") ||
		strings.Contains(errStr, "parse") {
		return ErrorTypeValidation
	}

	if strings.Contains(errStr, "config") ||
		strings.Contains(errStr, "missing required") {
		return ErrorTypeConfiguration
	}

	return ErrorTypeUnknown
}

// isNetworkError checks if the error is network-related
func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	networkPatterns := []string{
		"connection refused",
		"connection reset",
		"connection aborted",
		"no route to host",
		"host unreachable",
		"network unreachable",
		"eof",
		"dns",
	}

	for _, pattern := range networkPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// isTimeoutError checks if the error is timeout-related. Context cancellation
// is deliberately not a timeout: a cancelled caller must not be retried.
func isTimeoutError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "timeout") || strings.Contains(errStr, "i/o timeout")
}

// IsType reports whether any error in err's chain is a ClassifiedError of errType.
func IsType(err error, errType ErrorType) bool {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Type == errType
	}
	return false
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}

// GetErrorType extracts the error type from a classified error
func GetErrorType(err error) ErrorType {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Type
	}
	return ErrorTypeUnknown
}

// ExecutionFailedError is returned when every order submission attempt failed.
type ExecutionFailedError struct {
	Attempts int
	Last     error
}

// Error implements the error interface
func (e *ExecutionFailedError) Error() string {
	return fmt.Sprintf("order execution failed after %d attempts: %v", e.Attempts, e.Last)
}

// Unwrap returns the last attempt's error
func (e *ExecutionFailedError) Unwrap() error {
	return e.Last
}

// WrapError wraps an error with additional context
func WrapError(err error, component, operation, message string) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%s in %s.%s: %w", message, component, operation, err)
}

// FixedRetryPolicy returns a constant-delay backoff that allows maxAttempts
// calls in total. maxAttempts <= 0 means unbounded.
func FixedRetryPolicy(ctx context.Context, delay time.Duration, maxAttempts int) backoff.BackOff {
	var b backoff.BackOff = backoff.NewConstantBackOff(delay)
	if maxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(maxAttempts-1))
	}
	return backoff.WithContext(b, ctx)
}

package errors

import "fmt"

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// AppError is the service-wide error envelope carrying classification
// metadata alongside the underlying cause.
type AppError struct {
	Code      string
	Message   string
	Severity  Severity
	Retryable bool
	cause     error
}

func (e *AppError) Error() string {
	if e == nil {
		return ""
	}

	return e.Message
}

func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.cause
}

func (e *AppError) Cause() error {
	return e.Unwrap()
}

// NewInvalidPolicyError reports a reference to an unknown or malformed
// policy. Surfaced to the caller immediately, never retried.
func NewInvalidPolicyError(policyID string) *AppError {
	return &AppError{
		Code:      "E100",
		Message:   fmt.Sprintf("unknown rate limit policy %q", policyID),
		Severity:  SeverityLow,
		Retryable: false,
		cause:     nil,
	}
}

// NewStoreUnavailableError wraps a network or timeout failure talking to
// the remote state store. Retryable up to the configured bound, then
// escalated to the degraded-mode policy.
func NewStoreUnavailableError(cause error) *AppError {
	var underlyingMsg string
	if cause != nil {
		underlyingMsg = cause.Error()
	}

	return &AppError{
		Code:      "E200",
		Message:   fmt.Sprintf("state store unavailable: %s", underlyingMsg),
		Severity:  SeverityHigh,
		Retryable: true,
		cause:     cause,
	}
}

// NewConflictError reports a lost compare-and-set race. Retried internally
// with fresh state; callers only see it once retries are exhausted.
func NewConflictError(key string) *AppError {
	return &AppError{
		Code:      "E300",
		Message:   fmt.Sprintf("concurrent update conflict on key %q", key),
		Severity:  SeverityMedium,
		Retryable: true,
		cause:     nil,
	}
}

// NewInternalError covers unexpected failures after retries and
// degraded-mode handling are both exhausted.
func NewInternalError(cause error) *AppError {
	var underlyingMsg string
	if cause != nil {
		underlyingMsg = cause.Error()
	}

	return &AppError{
		Code:      "E400",
		Message:   fmt.Sprintf("internal rate limiter error: %s", underlyingMsg),
		Severity:  SeverityCritical,
		Retryable: false,
		cause:     cause,
	}
}

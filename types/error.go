package types

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCode classifies a failure for retry and escalation decisions.
type ErrorCode string

// Fatal codes: no retry, the workflow short-circuits to failed.
const (
	ErrValidation     ErrorCode = "VALIDATION"
	ErrTenant         ErrorCode = "TENANT"
	ErrBudgetExceeded ErrorCode = "BUDGET_EXCEEDED"
)

// Recoverable codes: retried with capped attempts before becoming fatal.
const (
	ErrRetrieval ErrorCode = "RETRIEVAL"
	ErrTool      ErrorCode = "TOOL"
	ErrLLM       ErrorCode = "LLM"
	ErrTimeout   ErrorCode = "TIMEOUT"
)

// Policy-dependent and catch-all codes.
const (
	// ErrCheckpoint covers checkpoint rejection (fatal) and checkpoint
	// timeout (follows the configured default decision).
	ErrCheckpoint ErrorCode = "CHECKPOINT"
	// ErrUnknown gets exactly one retry before it is treated as fatal.
	ErrUnknown ErrorCode = "UNKNOWN"
)

// Error is the structured error carried through workflow execution and
// returned over the API. Callers never see a bare error string.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	Node       string    `json:"node,omitempty"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Cause      error     `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
// Retryable is derived from the code and can be overridden.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, Retryable: codeRetryable(code)}
}

// WithCause attaches the underlying cause.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithNode records the workflow node the error originated from.
func (e *Error) WithNode(node string) *Error {
	e.Node = node
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable overrides the derived retryable flag.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

func codeRetryable(code ErrorCode) bool {
	switch code {
	case ErrRetrieval, ErrTool, ErrLLM, ErrTimeout:
		return true
	default:
		return false
	}
}

// Classify maps an arbitrary error onto the taxonomy. Structured errors
// pass through unchanged; context deadline errors become ErrTimeout;
// everything else is ErrUnknown.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) || isDeadline(err) {
		return NewError(ErrTimeout, err.Error()).WithCause(err)
	}
	return NewError(ErrUnknown, err.Error()).WithCause(err)
}

func isDeadline(err error) bool {
	type timeouter interface{ Timeout() bool }
	var t timeouter
	return errors.As(err, &t) && t.Timeout()
}

// IsRetryable reports whether the error should be retried.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the taxonomy code, or ErrUnknown for plain errors.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrUnknown
}

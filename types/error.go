package types

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/BaSui01/taskgraph/workflow"
)

// ErrorCode is a stable, machine-readable error identifier used by the API.
type ErrorCode string

// Request error codes
const (
	ErrInvalidRequest     ErrorCode = "INVALID_REQUEST"
	ErrUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrForbidden          ErrorCode = "FORBIDDEN"
	ErrRateLimited        ErrorCode = "RATE_LIMITED"
	ErrNotFound           ErrorCode = "NOT_FOUND"
	ErrTimeout            ErrorCode = "TIMEOUT"
	ErrInternalError      ErrorCode = "INTERNAL_ERROR"
	ErrConflict           ErrorCode = "CONFLICT"
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

// Workflow error codes
const (
	ErrGraphInvalid   ErrorCode = "GRAPH_INVALID"
	ErrGraphNotFound  ErrorCode = "GRAPH_NOT_FOUND"
	ErrRunNotFound    ErrorCode = "RUN_NOT_FOUND"
	ErrRunQueueFull   ErrorCode = "RUN_QUEUE_FULL"
	ErrNodeFailed     ErrorCode = "NODE_FAILED"
	ErrCircuitOpen    ErrorCode = "CIRCUIT_OPEN"
	ErrDeadlock       ErrorCode = "DEADLOCK"
	ErrRunCancelled   ErrorCode = "RUN_CANCELLED"
	ErrUnknownTask    ErrorCode = "UNKNOWN_TASK"
	ErrConditionParse ErrorCode = "CONDITION_INVALID"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Node       string    `json:"node,omitempty"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
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
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithNode names the node the error is about.
func (e *Error) WithNode(node string) *Error {
	e.Node = node
	return e
}

// AsError finds a *Error in err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// FromWorkflowError maps engine errors to API errors. Errors it does not
// recognize become INTERNAL_ERROR; a nil err yields nil.
func FromWorkflowError(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := AsError(err); ok {
		return e
	}

	var (
		circuit  *workflow.CircuitBreakerOpenError
		deadlock *workflow.DeadlockError
		cancel   *workflow.CancelledError
		nodeErr  *workflow.NodeExecutionError
		unkCond  *workflow.UnknownConditionError
	)
	switch {
	case errors.Is(err, workflow.ErrRunNotFound):
		return NewError(ErrRunNotFound, "run not found").WithCause(err).WithHTTPStatus(http.StatusNotFound)
	case errors.Is(err, workflow.ErrGraphNotFound):
		return NewError(ErrGraphNotFound, "graph not found").WithCause(err).WithHTTPStatus(http.StatusNotFound)
	case errors.As(err, &unkCond):
		return NewError(ErrConditionParse, err.Error()).WithCause(err).WithHTTPStatus(http.StatusBadRequest)
	case workflow.IsBuildError(err), errors.Is(err, workflow.ErrConditionNotSerializable):
		return NewError(ErrGraphInvalid, err.Error()).WithCause(err).WithHTTPStatus(http.StatusBadRequest)
	case errors.As(err, &circuit):
		return NewError(ErrCircuitOpen, err.Error()).WithCause(err).
			WithHTTPStatus(http.StatusUnprocessableEntity).WithNode(circuit.Node)
	case errors.As(err, &deadlock):
		return NewError(ErrDeadlock, err.Error()).WithCause(err).WithHTTPStatus(http.StatusUnprocessableEntity)
	case errors.As(err, &cancel), errors.Is(err, context.Canceled):
		return NewError(ErrRunCancelled, "run cancelled").WithCause(err).
			WithHTTPStatus(http.StatusServiceUnavailable).WithRetryable(true)
	case errors.Is(err, context.DeadlineExceeded):
		return NewError(ErrTimeout, "deadline exceeded").WithCause(err).
			WithHTTPStatus(http.StatusGatewayTimeout).WithRetryable(true)
	case errors.Is(err, workflow.ErrUnknownTask):
		return NewError(ErrUnknownTask, err.Error()).WithCause(err).WithHTTPStatus(http.StatusBadRequest)
	case errors.As(err, &nodeErr):
		return NewError(ErrNodeFailed, err.Error()).WithCause(err).
			WithHTTPStatus(http.StatusUnprocessableEntity).WithNode(nodeErr.Node)
	case errors.Is(err, workflow.ErrTaskUnavailable):
		return NewError(ErrServiceUnavailable, err.Error()).WithCause(err).
			WithHTTPStatus(http.StatusServiceUnavailable).WithRetryable(true)
	default:
		return NewError(ErrInternalError, "internal error").WithCause(err).WithHTTPStatus(http.StatusInternalServerError)
	}
}

package gateway

import (
	"errors"
	"net/http"

	"github.com/basket/agentgate/internal/shared"
	"github.com/basket/agentgate/internal/worker"
)

// ErrorKind is the stable machine-readable failure class returned in the
// envelope's kind field.
type ErrorKind string

const (
	KindInvalidRequest    ErrorKind = "invalid_request"
	KindStarting          ErrorKind = "service_unavailable_starting"
	KindTerminal          ErrorKind = "service_unavailable_terminal"
	KindWorkerApplication ErrorKind = "worker_application_failure"
	KindWorkerUnreachable ErrorKind = "worker_unreachable"
	KindWorkerTimeout     ErrorKind = "worker_timeout"
	KindInternal          ErrorKind = "internal"
)

// failureContent is stored as the agent turn when the worker call fails.
const failureContent = "I apologize, but I encountered an error processing your request."

const (
	retryAfterSeconds = 2
	diagnosticMaxLen  = 200
	detailMaxLen      = 1000
)

// ChatError is a classified chat failure.
type ChatError struct {
	Kind      ErrorKind
	Status    int
	Message   string
	RequestID string
	// RetryAfter, when positive, is sent as the Retry-After header.
	RetryAfter int
	// Persisted reports whether a failure turn was written for this error.
	Persisted bool

	cause error
}

func (e *ChatError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

func (e *ChatError) Unwrap() error {
	return e.cause
}

// Retryable reports whether the client may retry the same request later.
// Only retryable errors carry a Retry-After header.
func (e *ChatError) Retryable() bool {
	switch e.Kind {
	case KindStarting, KindWorkerUnreachable, KindWorkerTimeout:
		return true
	default:
		return false
	}
}

func invalidRequest(err error) *ChatError {
	return &ChatError{
		Kind:    KindInvalidRequest,
		Status:  http.StatusBadRequest,
		Message: err.Error(),
		cause:   err,
	}
}

func starting(requestID string) *ChatError {
	return &ChatError{
		Kind:       KindStarting,
		Status:     http.StatusServiceUnavailable,
		Message:    "agent worker is starting, retry shortly",
		RequestID:  requestID,
		RetryAfter: retryAfterSeconds,
	}
}

func terminal(requestID, diagnostic string) *ChatError {
	msg := "agent worker is unavailable"
	if d := shared.Summarize(diagnostic, diagnosticMaxLen); d != "" {
		msg += ": " + d
	}
	return &ChatError{
		Kind:      KindTerminal,
		Status:    http.StatusServiceUnavailable,
		Message:   msg,
		RequestID: requestID,
	}
}

func internalError(requestID string, err error) *ChatError {
	return &ChatError{
		Kind:      KindInternal,
		Status:    http.StatusInternalServerError,
		Message:   "internal error",
		RequestID: requestID,
		cause:     err,
	}
}

// classifyWorkerError maps a worker call failure to the client-facing error.
func classifyWorkerError(requestID string, err error) *ChatError {
	ce := &ChatError{RequestID: requestID, cause: err}
	var appErr *worker.ApplicationError
	switch {
	case errors.Is(err, worker.ErrTimeout):
		ce.Kind = KindWorkerTimeout
		ce.Status = http.StatusServiceUnavailable
		ce.Message = "agent worker timed out"
	case errors.Is(err, worker.ErrUnreachable):
		ce.Kind = KindWorkerUnreachable
		ce.Status = http.StatusServiceUnavailable
		ce.Message = "agent worker is unreachable"
	case errors.As(err, &appErr):
		ce.Kind = KindWorkerApplication
		ce.Status = http.StatusOK
		ce.Message = "agent failed to process the request"
	default:
		ce.Kind = KindInternal
		ce.Status = http.StatusInternalServerError
		ce.Message = "internal error"
	}
	return ce
}

// envelope is the uniform /chat response body.
type envelope struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
	Kind      ErrorKind `json:"kind,omitempty"`
	RequestID string    `json:"requestId,omitempty"`
}

func errorEnvelope(ce *ChatError) envelope {
	return envelope{
		Success:   false,
		Error:     ce.Message,
		Kind:      ce.Kind,
		RequestID: ce.RequestID,
	}
}

package types

import "fmt"

// ErrorCode represents a unified error code across the runtime.
type ErrorCode string

// Transport error codes. Transport failures are retryable by the caller;
// the transport itself only retries reconnection of the underlying channel.
const (
	ErrTransportConnect   ErrorCode = "TRANSPORT_CONNECT"
	ErrTransportPublish   ErrorCode = "TRANSPORT_PUBLISH"
	ErrTransportSubscribe ErrorCode = "TRANSPORT_SUBSCRIBE"
	ErrTransportTimeout   ErrorCode = "TRANSPORT_TIMEOUT"
	ErrTransportClosed    ErrorCode = "TRANSPORT_CLOSED"
)

// Persistence error codes. Backend I/O failures are non-fatal: the ephemeral
// cache remains authoritative until the next successful flush.
const (
	ErrPersistence ErrorCode = "PERSISTENCE"
)

// Agent error codes.
const (
	ErrHandler           ErrorCode = "HANDLER"
	ErrHandlerFatal      ErrorCode = "HANDLER_FATAL"
	ErrAgentNotReady     ErrorCode = "AGENT_NOT_READY"
	ErrAgentStopped      ErrorCode = "AGENT_STOPPED"
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrMailboxFull       ErrorCode = "MAILBOX_FULL"
)

// Supervision error codes.
const (
	ErrSupervisionLimitExceeded ErrorCode = "SUPERVISION_LIMIT_EXCEEDED"
	ErrUnknownAgent             ErrorCode = "UNKNOWN_AGENT"
	ErrInvalidConfig            ErrorCode = "INVALID_CONFIG"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
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

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}

// IsFatal reports whether an error must terminate the agent process rather
// than be logged and skipped. Handlers mark business faults fatal explicitly;
// everything else is recoverable at the process boundary.
func IsFatal(err error) bool {
	return GetErrorCode(err) == ErrHandlerFatal
}

// FatalHandlerError wraps a business-logic fault that the handler classified
// as unrecoverable for this process.
func FatalHandlerError(message string, cause error) *Error {
	return &Error{Code: ErrHandlerFatal, Message: message, Cause: cause}
}

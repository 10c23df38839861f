// Package syncerr provides the coded error type shared by the gateway, the
// storage layer and the client sync path.
package syncerr

import "errors"

// Code is a machine-readable error code. Codes travel on the wire inside
// rejected acknowledgements, so their string values are stable.
type Code string

const (
	// CodeUnknown represents an unclassified error.
	CodeUnknown Code = "UNKNOWN"

	// CodeTransient covers dropped connections and briefly unavailable
	// collaborators. Retried with backoff.
	CodeTransient Code = "TRANSIENT"
	// CodeValidation covers malformed payloads and missing entities.
	// The operation fails permanently.
	CodeValidation Code = "VALIDATION"
	// CodeConflict covers stale-state writes. Resolved deterministically,
	// never reported to the losing writer.
	CodeConflict Code = "CONFLICT"
	// CodeAuth covers expired or missing sessions.
	CodeAuth Code = "AUTH"
	// CodeBrokerUnavailable is returned when the fanout broker rejects or
	// times out a publish.
	CodeBrokerUnavailable Code = "BROKER_UNAVAILABLE"
	// CodeRateLimited is sent before a connection exceeding its inbound
	// frame budget is closed.
	CodeRateLimited Code = "RATE_LIMITED"
)

// Error is the coded error type with structured context.
type Error struct {
	Code    Code   // Machine-readable error code
	Message string // Internal message (for logs)
	OpID    string // Operation the error relates to, if any
	Cause   error  // Wrapped underlying error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates a coded error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates a coded error around an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// ForOp attaches an operation id.
func (e *Error) ForOp(id string) *Error {
	cp := *e
	cp.OpID = id
	return &cp
}

func Transient(message string, cause error) *Error {
	return Wrap(CodeTransient, message, cause)
}

func Validation(message string) *Error { return New(CodeValidation, message) }

func Conflict(message string) *Error { return New(CodeConflict, message) }

func Auth(message string, cause error) *Error { return Wrap(CodeAuth, message, cause) }

func BrokerUnavailable(message string, cause error) *Error {
	return Wrap(CodeBrokerUnavailable, message, cause)
}

// CodeOf extracts the code of the first *Error in err's chain.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// IsCode reports whether err carries code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// Retryable reports whether the failure may succeed if attempted again.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeTransient, CodeBrokerUnavailable, CodeUnknown:
		return true
	default:
		return false
	}
}

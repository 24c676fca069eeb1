package gateway

import (
	"errors"
	"fmt"
	"time"
)

// ErrorType classifies an error sent to a client.
type ErrorType string

const (
	// AuthenticationError means missing or invalid credentials. The
	// connection is always closed.
	AuthenticationError ErrorType = "AUTHENTICATION_ERROR"
	// ValidationError rejects a single malformed or disallowed action.
	ValidationError ErrorType = "VALIDATION_ERROR"
	// SystemError reports a downstream failure; the connection stays open.
	SystemError ErrorType = "SYSTEM_ERROR"
)

// Error codes.
const (
	CodeMissingCredentials = "MISSING_CREDENTIALS"
	CodeInvalidToken       = "INVALID_TOKEN"
	CodeUnknownAgent       = "UNKNOWN_AGENT"
	CodeInvalidSession     = "INVALID_SESSION"
	CodeSessionExpired     = "SESSION_EXPIRED"
	CodeRateLimited        = "RATE_LIMITED"
	CodeProtocol           = "PROTOCOL_ERROR"

	CodeInvalidIdentity     = "INVALID_IDENTITY"
	CodeInvalidPayload      = "INVALID_PAYLOAD"
	CodeUnknownEvent        = "UNKNOWN_EVENT"
	CodeForbidden           = "FORBIDDEN"
	CodeRoomNotFound        = "ROOM_NOT_FOUND"
	CodeRoomClosed          = "ROOM_CLOSED"
	CodeNotInRoom           = "NOT_IN_ROOM"
	CodeAlreadyInRoom       = "ALREADY_IN_ROOM"
	CodeTargetUnavailable   = "TARGET_UNAVAILABLE"
	CodeSelfTarget          = "SELF_TARGET"
	CodeDepartmentNotFound  = "DEPARTMENT_NOT_FOUND"
	CodeDepartmentInactive  = "DEPARTMENT_INACTIVE"
	CodeRequestPending      = "REQUEST_ALREADY_PENDING"
	CodeDuplicateRequest    = "DUPLICATE_REQUEST"
	CodeRequestNotFound     = "REQUEST_NOT_FOUND"
	CodeRequestRoomMismatch = "REQUEST_ROOM_MISMATCH"
	CodeRequestUnauthorized = "REQUEST_UNAUTHORIZED"
	CodeCannedNotFound      = "CANNED_RESPONSE_NOT_FOUND"
	CodeMessageNotFound     = "MESSAGE_NOT_FOUND"

	CodeSystem = "SYSTEM_ERROR"
)

// Error is a typed failure returned to the acting connection only.
type Error struct {
	Type      ErrorType
	Code      string
	Message   string
	Details   map[string]any
	Timestamp time.Time
	// Disconnect closes the connection after the error is sent.
	Disconnect bool

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s/%s: %s: %v", e.Type, e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s/%s: %s", e.Type, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// With adds a detail entry and returns e.
func (e *Error) With(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Shape converts e into the wire format.
func (e *Error) Shape() ErrorShape {
	return ErrorShape{
		Type:      string(e.Type),
		Code:      e.Code,
		Message:   e.Message,
		Details:   e.Details,
		Timestamp: e.Timestamp.UnixMilli(),
	}
}

func newError(t ErrorType, code, message string) *Error {
	return &Error{Type: t, Code: code, Message: message, Timestamp: time.Now()}
}

func authError(code, message string) *Error {
	e := newError(AuthenticationError, code, message)
	e.Disconnect = true
	return e
}

func validationError(code, message string) *Error {
	return newError(ValidationError, code, message)
}

func systemError(err error, message string) *Error {
	e := newError(SystemError, CodeSystem, message)
	e.cause = err
	return e
}

// asError converts any error into an *Error, treating unknown errors as
// system failures.
func asError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return systemError(err, "internal error")
}

package protocol

import (
	"errors"
	"fmt"
)

// ErrorCode is the string carried in the "error" field of an error response.
type ErrorCode string

const (
	ErrInvalidArgument      ErrorCode = "invalid argument"
	ErrNoSuchFrame          ErrorCode = "no such frame"
	ErrUnsupportedOperation ErrorCode = "unsupported operation"
	ErrUnknownCommand       ErrorCode = "unknown command"
	ErrInvalidSessionID     ErrorCode = "invalid session id"
	ErrSessionNotCreated    ErrorCode = "session not created"
	ErrUnknownError         ErrorCode = "unknown error"
)

// Error is a protocol-level failure reported back to the client.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches any *Error with the same code, so callers can test with
// errors.Is(err, &protocol.Error{Code: protocol.ErrNoSuchFrame}).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func newError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func InvalidArgument(format string, args ...any) *Error {
	return newError(ErrInvalidArgument, format, args...)
}

func NoSuchFrame(format string, args ...any) *Error {
	return newError(ErrNoSuchFrame, format, args...)
}

func UnsupportedOperation(format string, args ...any) *Error {
	return newError(ErrUnsupportedOperation, format, args...)
}

func UnknownCommand(format string, args ...any) *Error {
	return newError(ErrUnknownCommand, format, args...)
}

func InvalidSessionID(format string, args ...any) *Error {
	return newError(ErrInvalidSessionID, format, args...)
}

func SessionNotCreated(format string, args ...any) *Error {
	return newError(ErrSessionNotCreated, format, args...)
}

// CodeOf extracts the protocol code from err. Errors that are not protocol
// errors report ErrUnknownError.
func CodeOf(err error) ErrorCode {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ErrUnknownError
}

// HasCode reports whether err carries the given protocol code.
func HasCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

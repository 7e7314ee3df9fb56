package common

import "errors"

// ErrorKind is the user-facing classification of an error. The web layer
// renders distinct messages per kind.
type ErrorKind string

const (
	KindNone            ErrorKind = ""
	KindConfigAbsent    ErrorKind = "config-absent"
	KindConnection      ErrorKind = "connection-error"
	KindValidation      ErrorKind = "validation-error"
	KindNotFound        ErrorKind = "not-found"
	KindPartialFailure  ErrorKind = "partial-failure"
	KindTimeout         ErrorKind = "timeout"
	KindAlreadyTerminal ErrorKind = "already-terminal"
	KindUnauthorized    ErrorKind = "unauthorized"
	KindInternal        ErrorKind = "internal"
)

// KindOf classifies err. Timeouts win over partial failures so a recursive
// transfer cut off by its lifetime limit is reported as a timeout.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrPartialFailure):
		return KindPartialFailure
	case errors.Is(err, ErrConfigAbsent):
		return KindConfigAbsent
	case errors.Is(err, ErrorValidation):
		return KindValidation
	case errors.Is(err, ErrAlreadyTerminal):
		return KindAlreadyTerminal
	case errors.Is(err, ErrConnection):
		return KindConnection
	case errors.Is(err, ErrorNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidToken), errors.Is(err, ErrTokenExpired):
		return KindUnauthorized
	default:
		return KindInternal
	}
}

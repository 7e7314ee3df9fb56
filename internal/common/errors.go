// Package common defines sentinel errors and small helpers shared by the
// notebookhub server packages. Callers should use errors.Is to match these
// values.
package common

import "errors"

var (
	// Lookup errors.
	ErrorNotFound = errors.New("not found")

	// Service-level errors.
	ErrorInternal   = errors.New("internal error")
	ErrorValidation = errors.New("validation error")

	// Storage configuration and connectivity.
	ErrConfigAbsent = errors.New("no storage configured")
	ErrConnection   = errors.New("connection error")

	// Transfer task outcomes.
	ErrPartialFailure  = errors.New("partial failure")
	ErrTimeout         = errors.New("timeout")
	ErrAlreadyTerminal = errors.New("already terminal")

	// Auth errors (invalid, malformed or expired token).
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

package cmdb

import (
	"context"
	"errors"
)

// Error taxonomy shared by every subsystem.
var (
	ErrNotFound             = errors.New("not found")
	ErrDanglingReference    = errors.New("dangling reference")
	ErrInvalidTransition    = errors.New("invalid transition")
	ErrAnalysisFailed       = errors.New("impact analysis failed")
	ErrConfigInvalid        = errors.New("invalid configuration")
	ErrWindowNotActive      = errors.New("implementation window not active")
	ErrConflict             = errors.New("resource version conflict")
	ErrPendingChange        = errors.New("configuration item already has a pending change")
	ErrInvalidRelationship  = errors.New("invalid relationship")
	ErrUnauthorizedApprover = errors.New("approver not authorized")
	ErrValidation           = errors.New("validation failed")
)

// IsSemantic reports whether err is a rejection that must never be retried.
func IsSemantic(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrDanglingReference),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrPendingChange),
		errors.Is(err, ErrInvalidRelationship),
		errors.Is(err, ErrUnauthorizedApprover),
		errors.Is(err, ErrValidation),
		errors.Is(err, ErrConfigInvalid):
		return true
	}
	return false
}

// IsTransient reports whether err is worth retrying with backoff.
// Caller cancellation is not transient.
func IsTransient(err error) bool {
	if err == nil || IsSemantic(err) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrWindowNotActive) || errors.Is(err, ErrAnalysisFailed) {
		return false
	}
	// Conflicts, deadlines and unclassified storage errors.
	return true
}

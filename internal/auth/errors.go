package auth

import (
	"context"
	"errors"
)

// Credential and authorization failures. None of these are retryable.
var (
	ErrInvalidCredential      = errors.New("auth: invalid credential")
	ErrCredentialExpired      = errors.New("auth: credential expired")
	ErrCredentialReused       = errors.New("auth: credential reused")
	ErrAccountDeactivated     = errors.New("auth: account deactivated")
	ErrInsufficientPermission = errors.New("auth: insufficient permission")
	ErrPrivilegeEscalation    = errors.New("auth: privilege escalation denied")
	ErrUnauthenticated        = errors.New("auth: unauthenticated")
)

// Identity store outcomes.
var (
	ErrNotFound     = errors.New("auth: not found")
	ErrConflict     = errors.New("auth: conflict")
	ErrInvalidInput = errors.New("auth: invalid input")
	ErrSystemRole   = errors.New("auth: system role is immutable")
)

var terminal = []error{
	ErrInvalidCredential,
	ErrCredentialExpired,
	ErrCredentialReused,
	ErrAccountDeactivated,
	ErrInsufficientPermission,
	ErrPrivilegeEscalation,
	ErrUnauthenticated,
	ErrNotFound,
	ErrConflict,
	ErrInvalidInput,
	ErrSystemRole,
	context.Canceled,
}

// Retryable reports whether err is an infrastructure failure a caller may
// retry with backoff. Refresh is never safe to retry blindly: if the first
// attempt's outcome is unknown the retry may be reported as reuse.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	for _, t := range terminal {
		if errors.Is(err, t) {
			return false
		}
	}
	return true
}

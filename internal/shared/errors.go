package shared

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates a session, user, token or merge record is absent or expired.
	ErrNotFound = errors.New("not found")
	// ErrInvalidCredentials indicates login failure.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUserExists indicates a signup against an email that already has a password account.
	ErrUserExists = errors.New("user already exists")
	// ErrRateLimited indicates the verification resend cap has been reached.
	ErrRateLimited = errors.New("rate limited")
	// ErrInvalidMergeKey indicates an absent or expired merge record.
	ErrInvalidMergeKey = errors.New("invalid merge key")
	// ErrInvalidAuthMethod indicates an auth method outside the supported set.
	ErrInvalidAuthMethod = errors.New("invalid auth method")
	// ErrWeakPassword indicates the password failed the strength policy.
	ErrWeakPassword = errors.New("password does not meet policy")
	// ErrInvalidEmail indicates a malformed email address.
	ErrInvalidEmail = errors.New("invalid email address")
)

// ConflictError signals that an account merge is required. It carries the
// merge key the caller needs to drive the resolution flow.
type ConflictError struct {
	MergeKey string
	Method   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("account conflict: merge required via %s", e.Method)
}

// AsConflict unwraps a ConflictError from an error chain.
func AsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

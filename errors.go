package authcore

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrInvalidCredentials is returned for both unknown emails and wrong
	// passwords. The shape is deliberately identical in the two cases so
	// callers cannot be used as an account-enumeration oracle.
	ErrInvalidCredentials = errors.New("invalid email or password")
	// ErrAccountDeactivated is returned when the credentials are correct but
	// the account's active flag is false.
	ErrAccountDeactivated = errors.New("account deactivated")
	// ErrAccountExists is returned by registration for an already-taken email.
	ErrAccountExists = errors.New("account already exists")
	// ErrInvalidToken covers bad signatures, malformed tokens, and wrong type
	// discriminators.
	ErrInvalidToken = errors.New("invalid token")
	// ErrSessionExpired is returned when a token verifies but its session is
	// missing, inactive, or past its expiry (inclusive boundary).
	ErrSessionExpired = errors.New("session expired")
	// ErrResetTokenInvalid is returned for absent or expired reset tokens.
	ErrResetTokenInvalid = errors.New("invalid or expired reset token")
	// ErrPasswordPolicy is returned when a new password fails the strength
	// policy. Wraps carry the specific violation.
	ErrPasswordPolicy = errors.New("password policy violation")
	// ErrDependencyTimeout marks a store or cache call that hit the caller's
	// deadline, so callers can tell "wrong credentials" from "degraded".
	ErrDependencyTimeout = errors.New("dependency timeout")
	// ErrPersistence marks a credential-store failure that is not a timeout.
	ErrPersistence = errors.New("persistence failure")
)

// mapStoreErr classifies credential-store failures into the two
// infrastructure sentinels. Absence is not an error and never reaches here.
func mapStoreErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrDependencyTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrPersistence, err)
}

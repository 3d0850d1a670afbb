package errors

import "errors"

// Common error types shared across the session guard packages
var (
	// Storage errors
	ErrNotFound = errors.New("not found")

	// Session errors
	ErrSessionExpired       = errors.New("session expired")
	ErrVerificationRequired = errors.New("account verification required")

	// Soft lock errors
	ErrSoftLockDisabled = errors.New("soft lock is disabled")
	ErrLocked           = errors.New("application is locked")
	ErrBlocked          = errors.New("too many failed attempts")

	// General errors
	ErrClosed      = errors.New("closed")
	ErrUnsupported = errors.New("unsupported operation")
)

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

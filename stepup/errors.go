package stepup

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	apperrors "github.com/jrsteele09/go-session-guard/internal/errors"
)

const (
	GenericFailureMessage = "Verification failed. Please try again."
	BiometricFailMessage  = "Biometric verification failed"
)

var (
	ErrInvalidCredential  = errors.New("invalid credential")
	ErrKindMismatch       = errors.New("credential kind does not match session")
	ErrSubmitInProgress   = errors.New("verification already in progress")
	ErrBiometricCancelled = errors.New("NotAllowedError: biometric prompt cancelled")
	ErrNoAuthenticator    = errors.New("no platform authenticator")
)

// RejectedError means the backend checked the credential and said no. It is
// the only failure that counts as an attempt.
type RejectedError struct {
	Message string
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return GenericFailureMessage
	}
	return e.Message
}

// LockoutError is returned while a lockout window is open.
type LockoutError struct {
	Remaining time.Duration
	Attempts  int
}

func (e *LockoutError) Error() string {
	return fmt.Sprintf("Too many failed attempts. Please try again in %s.", formatWait(e.Remaining))
}

func (e *LockoutError) Is(target error) bool {
	return target == apperrors.ErrBlocked
}

func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}

// IsCancelled reports whether err is the user dismissing the platform
// biometric prompt. Browsers report this as a NotAllowedError.
func IsCancelled(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrBiometricCancelled) || strings.Contains(err.Error(), "NotAllowedError")
}

func formatWait(d time.Duration) string {
	if d >= time.Minute {
		mins := int(math.Ceil(d.Minutes()))
		if mins == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", mins)
	}
	secs := int(math.Ceil(d.Seconds()))
	if secs <= 1 {
		return "1 second"
	}
	return fmt.Sprintf("%d seconds", secs)
}

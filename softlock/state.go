package softlock

import (
	"errors"
	"time"
)

var (
	ErrNotInitialized = errors.New("soft lock not initialized")
	ErrInvalidPolicy  = errors.New("invalid soft lock policy")
)

// State is the lock state of the application.
type State int

const (
	// StateLoading is the state before the persisted record has been read.
	// Protected content must not be shown.
	StateLoading State = iota
	StateActive
	StateLocked
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "LOADING"
	case StateActive:
		return "ACTIVE"
	case StateLocked:
		return "LOCKED"
	default:
		return "UNKNOWN"
	}
}

// Trigger names what caused a transition.
type Trigger string

const (
	TriggerRestore    Trigger = "restore"
	TriggerInactivity Trigger = "inactivity"
	TriggerBackground Trigger = "background"
	TriggerManual     Trigger = "manual"
	TriggerUnlock     Trigger = "unlock"
	TriggerReset      Trigger = "reset"
)

// Policy holds the timing and attempt limits of the machine.
type Policy struct {
	// InactivityTimeout is how long the user may be idle before locking.
	InactivityTimeout time.Duration
	// MaxPinAttempts consecutive failures set the blocked flag.
	MaxPinAttempts int
	// BlockDuration is how long the blocked flag stays set.
	BlockDuration time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		InactivityTimeout: 15 * time.Minute,
		MaxPinAttempts:    3,
		BlockDuration:     5 * time.Minute,
	}
}

func (p Policy) validate() error {
	if p.InactivityTimeout <= 0 || p.MaxPinAttempts <= 0 || p.BlockDuration <= 0 {
		return ErrInvalidPolicy
	}
	return nil
}

// Snapshot is a consistent copy of the machine's state.
type Snapshot struct {
	State          State
	Enabled        bool
	Authenticated  bool
	Blocked        bool
	FailedAttempts int
	// BlockExpireTime is zero unless Blocked.
	BlockExpireTime time.Time
	LastUnlockTime  time.Time
	LastActiveTime  time.Time
	// TimeUntilLock is zero unless the inactivity countdown is running.
	TimeUntilLock time.Duration
}

// Locked reports whether protected content must be hidden. A machine that
// has not been initialized counts as locked.
func (s Snapshot) Locked() bool {
	return s.State != StateActive
}

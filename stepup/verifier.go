// Package stepup verifies a short credential (PIN, passcode or biometric
// assertion) before a sensitive action, limiting consecutive failures with a
// temporary local lockout.
package stepup

import (
	"github.com/jrsteele09/go-session-guard/internal/clock"
	apperrors "github.com/jrsteele09/go-session-guard/internal/errors"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Verifier opens verification sessions against a Backend.
type Verifier struct {
	backend  Backend
	clock    clock.Clock
	log      zerolog.Logger
	policies map[Kind]LockoutPolicy
}

type Option func(*Verifier)

// WithClock sets the clock (primarily for testing)
func WithClock(c clock.Clock) Option {
	return func(v *Verifier) {
		v.clock = c
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(v *Verifier) {
		v.log = l
	}
}

// WithLockout overrides the lockout policy for one credential kind.
func WithLockout(kind Kind, policy LockoutPolicy) Option {
	return func(v *Verifier) {
		v.policies[kind] = policy
	}
}

func New(backend Backend, options ...Option) (*Verifier, error) {
	if backend == nil {
		return nil, errors.New("[stepup.New] backend is required")
	}
	v := &Verifier{
		backend:  backend,
		clock:    clock.Real(),
		log:      log.With().Str("component", "stepup").Logger(),
		policies: DefaultLockoutPolicies(),
	}
	for _, opt := range options {
		opt(v)
	}
	for kind, p := range v.policies {
		if p.MaxAttempts <= 0 || p.Duration <= 0 {
			return nil, errors.Errorf("[stepup.New] invalid lockout policy for %s", kind)
		}
	}
	return v, nil
}

// Policy returns the lockout policy for kind.
func (v *Verifier) Policy(kind Kind) LockoutPolicy {
	return v.policies[kind]
}

// Open starts a verification session for one credential kind. The session
// owns its attempt counter; close it when the prompt goes away.
func (v *Verifier) Open(kind Kind) (*Session, error) {
	policy, ok := v.policies[kind]
	if !ok {
		return nil, errors.Wrapf(apperrors.ErrUnsupported, "[Verifier.Open] credential kind %s", kind)
	}
	return newSession(v, kind, policy), nil
}

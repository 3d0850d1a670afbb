// Package overlay decides when the blocking re-authentication surface is
// shown and unlocks the soft lock after a successful step-up verification.
// It keeps only transient loading and error state; everything durable lives
// in the soft lock machine.
package overlay

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/jrsteele09/go-session-guard/internal/errors"
	"github.com/jrsteele09/go-session-guard/softlock"
	"github.com/jrsteele09/go-session-guard/stepup"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// View is what the blocking surface renders.
type View struct {
	// Visible means protected content must not be shown or interacted with.
	Visible        bool
	State          softlock.State
	Kind           stepup.Kind
	Loading        bool
	Error          string
	Blocked        bool
	BlockRemaining time.Duration
	Entered        int
}

// Controller composes the soft lock machine and the step-up verifier.
type Controller struct {
	machine  *softlock.Machine
	verifier *stepup.Verifier
	kind     stepup.Kind
	log      zerolog.Logger

	mu          sync.Mutex
	session     *stepup.Session
	loading     bool
	errMsg      string
	unsubscribe func()
}

type Option func(*Controller)

// WithCredentialKind sets the credential the overlay asks for. PIN is the
// default.
func WithCredentialKind(kind stepup.Kind) Option {
	return func(c *Controller) {
		c.kind = kind
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Controller) {
		c.log = l
	}
}

func New(machine *softlock.Machine, verifier *stepup.Verifier, options ...Option) (*Controller, error) {
	if machine == nil {
		return nil, errors.New("[overlay.New] soft lock machine is required")
	}
	if verifier == nil {
		return nil, errors.New("[overlay.New] verifier is required")
	}
	c := &Controller{
		machine:  machine,
		verifier: verifier,
		kind:     stepup.KindPIN,
		log:      log.With().Str("component", "overlay").Logger(),
	}
	for _, opt := range options {
		opt(c)
	}
	c.unsubscribe = machine.Subscribe(c.onStateChange)
	return c, nil
}

// View returns the current overlay state.
func (c *Controller) View() View {
	snap := c.machine.Snapshot()

	c.mu.Lock()
	defer c.mu.Unlock()
	v := View{
		Visible: snap.Locked(),
		State:   snap.State,
		Kind:    c.kind,
		Loading: c.loading,
		Error:   c.errMsg,
		Blocked: snap.Blocked,
	}
	if snap.Blocked {
		v.BlockRemaining = c.machine.BlockRemaining()
	}
	if c.session != nil {
		v.Entered = c.session.View().Entered
	}
	return v
}

// Protect runs fn only while the application is unlocked. It returns
// ErrLocked without calling fn otherwise.
func (c *Controller) Protect(fn func() error) error {
	if c.machine.Snapshot().Locked() {
		return apperrors.ErrLocked
	}
	return fn()
}

// Unlock verifies cred with IntentUnlock and unlocks the machine on
// success. Failures are recorded on the machine so a lockout survives a
// restart.
func (c *Controller) Unlock(ctx context.Context, cred stepup.Credential) error {
	return c.attempt(cred.Kind(), func(s *stepup.Session) error {
		_, err := s.Submit(ctx, cred, stepup.IntentUnlock)
		return err
	})
}

// UnlockBiometric prompts the platform authenticator and unlocks on
// success. A cancelled prompt returns ErrBiometricCancelled and leaves no
// error on the overlay.
func (c *Controller) UnlockBiometric(ctx context.Context, authenticator stepup.Authenticator) error {
	return c.attempt(stepup.KindBiometric, func(s *stepup.Session) error {
		_, err := s.SubmitBiometric(ctx, authenticator, stepup.IntentUnlock)
		return err
	})
}

// Close detaches from the machine and discards the verification session.
func (c *Controller) Close() {
	c.mu.Lock()
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.closeSessionLocked()
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

func (c *Controller) attempt(kind stepup.Kind, submit func(*stepup.Session) error) error {
	if !c.machine.Snapshot().Locked() {
		return nil
	}
	if c.machine.IsBlocked() {
		lockErr := &stepup.LockoutError{Remaining: c.machine.BlockRemaining()}
		c.setError(lockErr.Error())
		return lockErr
	}

	c.mu.Lock()
	if c.loading {
		c.mu.Unlock()
		return stepup.ErrSubmitInProgress
	}
	session, err := c.sessionLocked(kind)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.loading = true
	c.errMsg = ""
	c.mu.Unlock()

	before := session.View().Failures
	err = submit(session)
	after := session.View().Failures

	c.mu.Lock()
	c.loading = false
	c.mu.Unlock()

	var lockErr *stepup.LockoutError
	switch {
	case err == nil:
		return c.succeed(kind)
	case stepup.IsCancelled(err):
		return err
	case stepup.IsRejected(err), errors.As(err, &lockErr) && after > before:
		if recErr := c.machine.RecordAttempt(false, c.verifier.Policy(kind).Duration); recErr != nil {
			c.log.Error().Err(recErr).Msg("record failed attempt")
		}
		// The persisted counter can reach the limit before the session's own
		// counter does, e.g. after a restart.
		if c.machine.IsBlocked() && !errors.As(err, &lockErr) {
			err = &stepup.LockoutError{Remaining: c.machine.BlockRemaining(), Attempts: c.machine.Snapshot().FailedAttempts}
		}
		c.setError(err.Error())
		return err
	case errors.As(err, &lockErr):
		c.setError(err.Error())
		return err
	default:
		c.setError(stepup.GenericFailureMessage)
		return err
	}
}

func (c *Controller) succeed(kind stepup.Kind) error {
	if err := c.machine.RecordAttempt(true, c.verifier.Policy(kind).Duration); err != nil {
		c.log.Warn().Err(err).Msg("reset attempt counter")
	}
	if err := c.machine.Unlock(); err != nil {
		c.setError(stepup.GenericFailureMessage)
		return errors.Wrap(err, "[Controller.Unlock]")
	}

	c.mu.Lock()
	c.closeSessionLocked()
	c.errMsg = ""
	c.mu.Unlock()
	c.log.Info().Str("kind", kind.String()).Msg("unlocked")
	return nil
}

func (c *Controller) sessionLocked(kind stepup.Kind) (*stepup.Session, error) {
	if c.session != nil && c.session.Kind() == kind {
		return c.session, nil
	}
	c.closeSessionLocked()
	s, err := c.verifier.Open(kind)
	if err != nil {
		return nil, errors.Wrap(err, "[Controller.Unlock]")
	}
	c.session = s
	return s, nil
}

func (c *Controller) closeSessionLocked() {
	if c.session != nil {
		c.session.Close()
		c.session = nil
	}
}

func (c *Controller) setError(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errMsg = msg
}

// onStateChange drops transient state once the machine is unlocked by
// something other than this controller, e.g. a logout reset.
func (c *Controller) onStateChange(snap softlock.Snapshot) {
	if snap.Locked() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loading {
		return
	}
	c.closeSessionLocked()
	c.errMsg = ""
}

package stepup

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-session-guard/internal/clock"
	apperrors "github.com/jrsteele09/go-session-guard/internal/errors"
	"github.com/jrsteele09/go-session-guard/internal/metrics"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Status is where a verification session is in its lifecycle.
type Status int

const (
	StatusIdle Status = iota
	StatusSubmitting
	StatusSuccess
	StatusFailed
	StatusLockedOut
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "IDLE"
	case StatusSubmitting:
		return "SUBMITTING"
	case StatusSuccess:
		return "SUCCESS"
	case StatusFailed:
		return "FAILED"
	case StatusLockedOut:
		return "LOCKED_OUT"
	default:
		return "UNKNOWN"
	}
}

// View is what a prompt needs to render.
type View struct {
	Kind      Kind
	Status    Status
	Entered   int
	Failures  int
	Remaining time.Duration
	// Message is the error to show, empty when there is none.
	Message string
}

// Session is one verification prompt. It is safe for concurrent use, but
// only one submission runs at a time.
type Session struct {
	id       string
	kind     Kind
	backend  Backend
	clock    clock.Clock
	log      zerolog.Logger
	onChange func(View)

	mu        sync.Mutex
	status    Status
	counter   *AttemptCounter
	entered   []byte
	message   string
	lockTimer clock.Timer
	closed    bool
}

func newSession(v *Verifier, kind Kind, policy LockoutPolicy) *Session {
	id := uuid.New().String()
	return &Session{
		id:      id,
		kind:    kind,
		backend: v.backend,
		clock:   v.clock,
		log:     v.log.With().Str("verification", id).Str("kind", kind.String()).Logger(),
		counter: NewAttemptCounter(policy),
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Kind() Kind {
	return s.kind
}

// OnChange registers fn to receive the view after every status change. It
// is called outside the session lock.
func (s *Session) OnChange(fn func(View)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// Submit verifies cred. While a lockout window is open it fails with a
// *LockoutError without contacting the backend, as it does for a credential
// of the wrong shape. A backend refusal counts as a failed attempt; the
// failure that reaches the limit returns a *LockoutError instead of the
// server's message. Transport errors are returned as is and not counted.
func (s *Session) Submit(ctx context.Context, cred Credential, intent Intent) (*Result, error) {
	s.mu.Lock()
	if err := s.beginLocked(cred.Kind(), intent); err != nil {
		view, notify := s.viewLocked(), s.onChange
		s.mu.Unlock()
		emit(notify, view)
		return nil, err
	}
	if err := cred.Validate(); err != nil {
		s.entered = nil
		s.status = StatusIdle
		view, notify := s.viewLocked(), s.onChange
		s.mu.Unlock()
		metrics.VerifyAttempts.WithLabelValues(s.kind.String(), "invalid").Inc()
		emit(notify, view)
		return nil, err
	}
	s.status = StatusSubmitting
	view, notify := s.viewLocked(), s.onChange
	s.mu.Unlock()
	emit(notify, view)

	res, err := cred.Verify(ctx, s.backend, intent)
	return s.finish(res, err)
}

// SubmitBiometric prompts the platform authenticator and verifies the
// assertion. If the user cancels the prompt nothing is counted, no message
// is set and ErrBiometricCancelled is returned.
func (s *Session) SubmitBiometric(ctx context.Context, authenticator Authenticator, intent Intent) (*Result, error) {
	if authenticator == nil {
		return nil, ErrNoAuthenticator
	}

	s.mu.Lock()
	if err := s.beginLocked(KindBiometric, intent); err != nil {
		view, notify := s.viewLocked(), s.onChange
		s.mu.Unlock()
		emit(notify, view)
		return nil, err
	}
	s.status = StatusSubmitting
	s.mu.Unlock()

	assertion, err := authenticator.GetAssertion(ctx, intent)
	if err != nil {
		if IsCancelled(err) {
			s.mu.Lock()
			s.status = StatusIdle
			s.message = ""
			view, notify := s.viewLocked(), s.onChange
			s.mu.Unlock()
			metrics.VerifyAttempts.WithLabelValues(s.kind.String(), "cancelled").Inc()
			s.log.Debug().Msg("biometric prompt cancelled")
			emit(notify, view)
			return nil, ErrBiometricCancelled
		}
		return s.finish(nil, err)
	}

	cred := Biometric{Assertion: assertion}
	if err := cred.Validate(); err != nil {
		return s.finish(nil, err)
	}
	res, err := cred.Verify(ctx, s.backend, intent)
	return s.finish(res, err)
}

// Type appends one digit to the entered credential and submits once the
// expected length is reached. submitted is false while more digits are
// needed. Non-digits are ignored.
func (s *Session) Type(ctx context.Context, digit rune, intent Intent) (res *Result, submitted bool, err error) {
	want := s.kind.Digits()
	if want == 0 {
		return nil, false, ErrKindMismatch
	}
	if digit < '0' || digit > '9' {
		return nil, false, nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, false, apperrors.ErrClosed
	}
	if s.status == StatusSubmitting {
		s.mu.Unlock()
		return nil, false, ErrSubmitInProgress
	}
	if len(s.entered) >= want {
		s.entered = nil
	}
	s.entered = append(s.entered, byte(digit))
	if len(s.entered) < want {
		view, notify := s.viewLocked(), s.onChange
		s.mu.Unlock()
		emit(notify, view)
		return nil, false, nil
	}
	value := string(s.entered)
	s.mu.Unlock()

	var cred Credential = PIN(value)
	if s.kind == KindPasscode {
		cred = Passcode(value)
	}
	res, err = s.Submit(ctx, cred, intent)
	return res, true, err
}

// Backspace removes the last entered digit.
func (s *Session) Backspace() {
	s.mu.Lock()
	if len(s.entered) == 0 || s.status == StatusSubmitting {
		s.mu.Unlock()
		return
	}
	s.entered = s.entered[:len(s.entered)-1]
	view, notify := s.viewLocked(), s.onChange
	s.mu.Unlock()
	emit(notify, view)
}

func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Close discards the session, its attempt counter and any entered digits.
// It is safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.clearLocked()
	s.onChange = nil
	if s.lockTimer != nil {
		s.lockTimer.Stop()
		s.lockTimer = nil
	}
}

// beginLocked runs the local checks that precede a backend call.
func (s *Session) beginLocked(kind Kind, intent Intent) error {
	if s.closed {
		return apperrors.ErrClosed
	}
	if kind != s.kind {
		return ErrKindMismatch
	}
	if !intent.Valid() {
		return errors.Errorf("invalid intent %d", int(intent))
	}
	if s.status == StatusSubmitting {
		return ErrSubmitInProgress
	}
	now := s.clock.Now()
	s.counter.Expire(now)
	if s.counter.LockedOut(now) {
		s.status = StatusLockedOut
		s.clearLocked()
		lockErr := &LockoutError{Remaining: s.counter.Remaining(now), Attempts: s.counter.Failures()}
		s.message = lockErr.Error()
		metrics.VerifyAttempts.WithLabelValues(s.kind.String(), "locked_out").Inc()
		return lockErr
	}
	return nil
}

func (s *Session) finish(res *Result, err error) (*Result, error) {
	s.mu.Lock()
	now := s.clock.Now()
	s.clearLocked()

	var (
		outcome string
		retErr  error
	)
	switch {
	case err == nil:
		s.counter.Succeed()
		s.status = StatusSuccess
		s.message = ""
		outcome = "success"
	case IsRejected(err):
		outcome = "rejected"
		if s.counter.Fail(now) {
			s.status = StatusLockedOut
			lockErr := &LockoutError{Remaining: s.counter.Remaining(now), Attempts: s.counter.Failures()}
			s.message = lockErr.Error()
			s.scheduleExpiryLocked(lockErr.Remaining)
			retErr = lockErr
		} else {
			s.status = StatusFailed
			s.message = err.Error()
			retErr = err
		}
	default:
		outcome = "error"
		s.status = StatusFailed
		s.message = GenericFailureMessage
		retErr = err
	}
	failures := s.counter.Failures()
	status := s.status
	view, notify := s.viewLocked(), s.onChange
	s.mu.Unlock()

	metrics.VerifyAttempts.WithLabelValues(s.kind.String(), outcome).Inc()
	ev := s.log.Info()
	if retErr != nil {
		ev = s.log.Warn().Err(retErr)
	}
	ev.Str("status", status.String()).Int("failures", failures).Msg("verification finished")
	emit(notify, view)

	if retErr != nil {
		return nil, retErr
	}
	return res, nil
}

func (s *Session) scheduleExpiryLocked(d time.Duration) {
	if s.lockTimer != nil {
		s.lockTimer.Stop()
	}
	s.lockTimer = s.clock.AfterFunc(d, s.onLockoutExpired)
}

func (s *Session) onLockoutExpired() {
	s.mu.Lock()
	if s.closed || !s.counter.Expire(s.clock.Now()) {
		s.mu.Unlock()
		return
	}
	s.status = StatusIdle
	s.message = ""
	s.lockTimer = nil
	view, notify := s.viewLocked(), s.onChange
	s.mu.Unlock()

	s.log.Info().Msg("lockout expired")
	emit(notify, view)
}

// clearLocked wipes entered digits so a failed credential is not retained.
func (s *Session) clearLocked() {
	for i := range s.entered {
		s.entered[i] = 0
	}
	s.entered = nil
}

func (s *Session) viewLocked() View {
	now := s.clock.Now()
	return View{
		Kind:      s.kind,
		Status:    s.status,
		Entered:   len(s.entered),
		Failures:  s.counter.Failures(),
		Remaining: s.counter.Remaining(now),
		Message:   s.message,
	}
}

func emit(fn func(View), v View) {
	if fn != nil {
		fn(v)
	}
}

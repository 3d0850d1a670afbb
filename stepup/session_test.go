package stepup_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/jrsteele09/go-session-guard/gateway"
	"github.com/jrsteele09/go-session-guard/internal/backendfake"
	"github.com/jrsteele09/go-session-guard/internal/clock"
	apperrors "github.com/jrsteele09/go-session-guard/internal/errors"
	"github.com/jrsteele09/go-session-guard/stepup"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

type testFixture struct {
	backend  *backendfake.Server
	clock    *clock.FakeClock
	verifier *stepup.Verifier
}

func setupTestFixture(t *testing.T, options ...stepup.Option) *testFixture {
	t.Helper()

	f := &testFixture{
		backend: backendfake.New(backendfake.User{
			ID:               "user-1",
			Role:             "customer",
			Verified:         true,
			PIN:              "1234",
			Passcode:         "123456",
			BiometricIDs:     []string{"cred-1"},
			BiometricEnabled: true,
		}),
		clock: clock.Fake(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)),
	}
	t.Cleanup(f.backend.Close)

	client, err := gateway.New(f.backend.URL, gateway.WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	client.SetToken(&oauth2.Token{AccessToken: f.backend.IssueToken(), TokenType: "Bearer"})

	backend, err := stepup.NewHTTPBackend(client)
	require.NoError(t, err)

	options = append([]stepup.Option{stepup.WithClock(f.clock), stepup.WithLogger(zerolog.Nop())}, options...)
	f.verifier, err = stepup.New(backend, options...)
	require.NoError(t, err)
	return f
}

func (f *testFixture) open(t *testing.T, kind stepup.Kind) *stepup.Session {
	t.Helper()
	s, err := f.verifier.Open(kind)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func assertion(id string) *protocol.CredentialAssertionResponse {
	a := &protocol.CredentialAssertionResponse{}
	a.ID = id
	a.RawID = protocol.URLEncodedBase64(id)
	a.Type = string(protocol.PublicKeyCredentialType)
	a.AssertionResponse.ClientDataJSON = protocol.URLEncodedBase64(`{"type":"webauthn.get"}`)
	a.AssertionResponse.AuthenticatorData = protocol.URLEncodedBase64("authenticator-data")
	a.AssertionResponse.Signature = protocol.URLEncodedBase64("signature")
	return a
}

func TestSession_CorrectPIN(t *testing.T) {
	f := setupTestFixture(t)
	s := f.open(t, stepup.KindPIN)

	res, err := s.Submit(context.Background(), stepup.PIN("1234"), stepup.IntentUnlock)
	require.NoError(t, err)
	require.NotNil(t, res)
	require.Empty(t, res.VerificationToken, "only transactions get a proof token")
	require.Equal(t, stepup.StatusSuccess, s.Status())
	require.Equal(t, 1, f.backend.VerifyCalls())
}

func TestSession_TransactionIntentReturnsToken(t *testing.T) {
	f := setupTestFixture(t)
	s := f.open(t, stepup.KindPasscode)

	res, err := s.Submit(context.Background(), stepup.Passcode("123456"), stepup.IntentTransaction)
	require.NoError(t, err)
	require.NotEmpty(t, res.VerificationToken)
}

func TestSession_WrongPINLocksOutAfterThree(t *testing.T) {
	f := setupTestFixture(t)
	s := f.open(t, stepup.KindPIN)
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		_, err := s.Submit(ctx, stepup.PIN("0000"), stepup.IntentUnlock)
		require.True(t, stepup.IsRejected(err))
		require.EqualError(t, err, "Incorrect PIN")
		view := s.View()
		require.Equal(t, stepup.StatusFailed, view.Status)
		require.Equal(t, i, view.Failures)
		require.Equal(t, "Incorrect PIN", view.Message)
	}

	_, err := s.Submit(ctx, stepup.PIN("0000"), stepup.IntentUnlock)
	var lockErr *stepup.LockoutError
	require.True(t, errors.As(err, &lockErr))
	require.Equal(t, 5*time.Minute, lockErr.Remaining)
	require.ErrorIs(t, err, apperrors.ErrBlocked)
	require.Equal(t, "Too many failed attempts. Please try again in 5 minutes.", s.View().Message)
	require.Equal(t, stepup.StatusLockedOut, s.Status())
	require.Equal(t, 3, f.backend.VerifyCalls())

	// Locked out: even the right PIN never reaches the backend.
	f.clock.Advance(time.Minute)
	_, err = s.Submit(ctx, stepup.PIN("1234"), stepup.IntentUnlock)
	require.True(t, errors.As(err, &lockErr))
	require.Equal(t, 4*time.Minute, lockErr.Remaining)
	require.Equal(t, 3, f.backend.VerifyCalls())

	f.clock.Advance(4 * time.Minute)
	view := s.View()
	require.Equal(t, stepup.StatusIdle, view.Status)
	require.Zero(t, view.Failures)
	require.Empty(t, view.Message)

	_, err = s.Submit(ctx, stepup.PIN("1234"), stepup.IntentUnlock)
	require.NoError(t, err)
}

func TestSession_SuccessResetsFailures(t *testing.T) {
	f := setupTestFixture(t)
	s := f.open(t, stepup.KindPIN)
	ctx := context.Background()

	_, err := s.Submit(ctx, stepup.PIN("0000"), stepup.IntentUnlock)
	require.Error(t, err)
	_, err = s.Submit(ctx, stepup.PIN("0000"), stepup.IntentUnlock)
	require.Error(t, err)
	_, err = s.Submit(ctx, stepup.PIN("1234"), stepup.IntentUnlock)
	require.NoError(t, err)
	require.Zero(t, s.View().Failures)

	_, err = s.Submit(ctx, stepup.PIN("0000"), stepup.IntentUnlock)
	require.True(t, stepup.IsRejected(err), "counter started over")
}

func TestSession_MalformedCredentialRejectedLocally(t *testing.T) {
	f := setupTestFixture(t)
	s := f.open(t, stepup.KindPIN)

	for _, pin := range []stepup.PIN{"12", "12345", "12a4", ""} {
		_, err := s.Submit(context.Background(), pin, stepup.IntentUnlock)
		require.ErrorIs(t, err, stepup.ErrInvalidCredential, pin)
	}
	require.Zero(t, f.backend.VerifyCalls())
	require.Zero(t, s.View().Failures)

	_, err := s.Submit(context.Background(), stepup.Passcode("123456"), stepup.IntentUnlock)
	require.ErrorIs(t, err, stepup.ErrKindMismatch)
	_, err = s.Submit(context.Background(), stepup.PIN("1234"), stepup.Intent(0))
	require.Error(t, err)
	require.Zero(t, f.backend.VerifyCalls())
}

func TestSession_TypeAutoSubmitsAtLength(t *testing.T) {
	f := setupTestFixture(t)
	s := f.open(t, stepup.KindPIN)
	ctx := context.Background()

	for _, d := range "123" {
		_, submitted, err := s.Type(ctx, d, stepup.IntentUnlock)
		require.NoError(t, err)
		require.False(t, submitted)
	}
	s.Backspace()
	require.Equal(t, 2, s.View().Entered)

	_, submitted, err := s.Type(ctx, 'x', stepup.IntentUnlock)
	require.NoError(t, err)
	require.False(t, submitted, "non-digits are ignored")

	for _, d := range "3" {
		_, submitted, err = s.Type(ctx, d, stepup.IntentUnlock)
		require.NoError(t, err)
		require.False(t, submitted)
	}
	res, submitted, err := s.Type(ctx, '4', stepup.IntentUnlock)
	require.NoError(t, err)
	require.True(t, submitted)
	require.NotNil(t, res)
	require.Equal(t, 1, f.backend.VerifyCalls())
}

func TestSession_FailedEntryIsCleared(t *testing.T) {
	f := setupTestFixture(t)
	s := f.open(t, stepup.KindPasscode)

	var views []stepup.View
	s.OnChange(func(v stepup.View) { views = append(views, v) })

	var err error
	for _, d := range "654321" {
		_, _, err = s.Type(context.Background(), d, stepup.IntentRevalidate)
	}
	require.True(t, stepup.IsRejected(err))
	require.EqualError(t, err, "Incorrect passcode")
	require.Zero(t, s.View().Entered)

	require.NotEmpty(t, views)
	last := views[len(views)-1]
	require.Equal(t, stepup.StatusFailed, last.Status)
	require.Zero(t, last.Entered)
}

func TestSession_TransportErrorIsNotAnAttempt(t *testing.T) {
	f := setupTestFixture(t)
	s := f.open(t, stepup.KindPIN)
	f.backend.FailVerify(http.StatusServiceUnavailable)

	for i := 0; i < 5; i++ {
		_, err := s.Submit(context.Background(), stepup.PIN("0000"), stepup.IntentUnlock)
		require.Error(t, err)
		require.False(t, stepup.IsRejected(err))
	}
	view := s.View()
	require.Zero(t, view.Failures)
	require.Equal(t, stepup.StatusFailed, view.Status)
	require.Equal(t, stepup.GenericFailureMessage, view.Message)
}

func TestSession_BiometricSuccess(t *testing.T) {
	f := setupTestFixture(t)
	s := f.open(t, stepup.KindBiometric)

	auth := stepup.AuthenticatorFunc(func(context.Context, stepup.Intent) (*protocol.CredentialAssertionResponse, error) {
		return assertion("cred-1"), nil
	})
	res, err := s.SubmitBiometric(context.Background(), auth, stepup.IntentTransaction)
	require.NoError(t, err)
	require.NotEmpty(t, res.VerificationToken)
}

func TestSession_BiometricRejected(t *testing.T) {
	f := setupTestFixture(t)
	s := f.open(t, stepup.KindBiometric)

	_, err := s.Submit(context.Background(), stepup.Biometric{Assertion: assertion("unknown")}, stepup.IntentUnlock)
	require.True(t, stepup.IsRejected(err))
	require.EqualError(t, err, stepup.BiometricFailMessage)
	require.Equal(t, 1, s.View().Failures)
}

func TestSession_BiometricCancelIsNotAFailure(t *testing.T) {
	f := setupTestFixture(t)
	s := f.open(t, stepup.KindBiometric)

	cancels := []error{
		stepup.ErrBiometricCancelled,
		errors.New("NotAllowedError: The operation either timed out or was not allowed."),
	}
	for _, cause := range cancels {
		auth := stepup.AuthenticatorFunc(func(context.Context, stepup.Intent) (*protocol.CredentialAssertionResponse, error) {
			return nil, cause
		})
		_, err := s.SubmitBiometric(context.Background(), auth, stepup.IntentUnlock)
		require.ErrorIs(t, err, stepup.ErrBiometricCancelled)
	}

	view := s.View()
	require.Equal(t, stepup.StatusIdle, view.Status)
	require.Zero(t, view.Failures)
	require.Empty(t, view.Message)
	require.Zero(t, f.backend.VerifyCalls())
}

func TestSession_PerKindLockoutDuration(t *testing.T) {
	f := setupTestFixture(t, stepup.WithLockout(stepup.KindPasscode, stepup.LockoutPolicy{MaxAttempts: 2, Duration: 30 * time.Second}))
	s := f.open(t, stepup.KindPasscode)

	_, err := s.Submit(context.Background(), stepup.Passcode("000000"), stepup.IntentUnlock)
	require.True(t, stepup.IsRejected(err))
	_, err = s.Submit(context.Background(), stepup.Passcode("000000"), stepup.IntentUnlock)
	var lockErr *stepup.LockoutError
	require.True(t, errors.As(err, &lockErr))
	require.Equal(t, 30*time.Second, lockErr.Remaining)
	require.Equal(t, "Too many failed attempts. Please try again in 30 seconds.", err.Error())

	require.Equal(t, 5*time.Minute, f.verifier.Policy(stepup.KindPIN).Duration)
}

// blockingBackend parks every verification until released.
type blockingBackend struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingBackend) wait(ctx context.Context) (*stepup.Result, error) {
	b.entered <- struct{}{}
	select {
	case <-b.release:
		return &stepup.Result{}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *blockingBackend) VerifyPIN(ctx context.Context, _ string, _ stepup.Intent) (*stepup.Result, error) {
	return b.wait(ctx)
}

func (b *blockingBackend) VerifyPasscode(ctx context.Context, _ string, _ stepup.Intent) (*stepup.Result, error) {
	return b.wait(ctx)
}

func (b *blockingBackend) VerifyBiometric(ctx context.Context, _ *protocol.CredentialAssertionResponse, _ stepup.Intent) (*stepup.Result, error) {
	return b.wait(ctx)
}

func TestSession_OneSubmissionAtATime(t *testing.T) {
	backend := &blockingBackend{entered: make(chan struct{}, 1), release: make(chan struct{})}
	v, err := stepup.New(backend, stepup.WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	s, err := v.Open(stepup.KindPIN)
	require.NoError(t, err)
	defer s.Close()

	done := make(chan error, 1)
	go func() {
		_, err := s.Submit(context.Background(), stepup.PIN("1234"), stepup.IntentUnlock)
		done <- err
	}()
	<-backend.entered
	require.Equal(t, stepup.StatusSubmitting, s.Status())

	_, err = s.Submit(context.Background(), stepup.PIN("1234"), stepup.IntentUnlock)
	require.ErrorIs(t, err, stepup.ErrSubmitInProgress)

	close(backend.release)
	require.NoError(t, <-done)
	require.Equal(t, stepup.StatusSuccess, s.Status())
}

func TestSession_CloseDiscardsState(t *testing.T) {
	f := setupTestFixture(t)
	s := f.open(t, stepup.KindPIN)
	for i := 0; i < 3; i++ {
		_, _ = s.Submit(context.Background(), stepup.PIN("0000"), stepup.IntentUnlock)
	}
	require.Equal(t, 1, f.clock.Pending())

	s.Close()
	s.Close()
	require.Zero(t, f.clock.Pending())
	_, err := s.Submit(context.Background(), stepup.PIN("1234"), stepup.IntentUnlock)
	require.ErrorIs(t, err, apperrors.ErrClosed)

	fresh := f.open(t, stepup.KindPIN)
	require.Zero(t, fresh.View().Failures, "counters are per session")
}

func TestVerifier_Validates(t *testing.T) {
	_, err := stepup.New(nil)
	require.Error(t, err)

	_, err = stepup.New(&blockingBackend{}, stepup.WithLockout(stepup.KindPIN, stepup.LockoutPolicy{}))
	require.Error(t, err)

	v, err := stepup.New(&blockingBackend{})
	require.NoError(t, err)
	_, err = v.Open(stepup.Kind(99))
	require.ErrorIs(t, err, apperrors.ErrUnsupported)
}

func TestIntent_Text(t *testing.T) {
	for _, intent := range []stepup.Intent{stepup.IntentUnlock, stepup.IntentRevalidate, stepup.IntentTransaction} {
		text, err := intent.MarshalText()
		require.NoError(t, err)
		parsed, err := stepup.ParseIntent(string(text))
		require.NoError(t, err)
		require.Equal(t, intent, parsed)
	}
	_, err := stepup.Intent(0).MarshalText()
	require.Error(t, err)
	_, err = stepup.ParseIntent("login")
	require.Error(t, err)
}

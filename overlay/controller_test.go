package overlay_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/jrsteele09/go-session-guard/gateway"
	"github.com/jrsteele09/go-session-guard/internal/backendfake"
	"github.com/jrsteele09/go-session-guard/internal/clock"
	apperrors "github.com/jrsteele09/go-session-guard/internal/errors"
	"github.com/jrsteele09/go-session-guard/overlay"
	"github.com/jrsteele09/go-session-guard/softlock"
	"github.com/jrsteele09/go-session-guard/stepup"
	"github.com/jrsteele09/go-session-guard/storage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

type testFixture struct {
	backend    *backendfake.Server
	clock      *clock.FakeClock
	store      *storage.MemoryStore
	verifier   *stepup.Verifier
	machine    *softlock.Machine
	controller *overlay.Controller
}

func setupTestFixture(t *testing.T) *testFixture {
	t.Helper()

	f := &testFixture{
		backend: backendfake.New(backendfake.User{ID: "user-1", Role: "customer", Verified: true, PIN: "1234"}),
		clock:   clock.Fake(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)),
		store:   storage.NewMemoryStore(),
	}
	t.Cleanup(f.backend.Close)

	client, err := gateway.New(f.backend.URL, gateway.WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	client.SetToken(&oauth2.Token{AccessToken: f.backend.IssueToken(), TokenType: "Bearer"})
	backend, err := stepup.NewHTTPBackend(client)
	require.NoError(t, err)
	f.verifier, err = stepup.New(backend, stepup.WithClock(f.clock), stepup.WithLogger(zerolog.Nop()))
	require.NoError(t, err)

	f.restart(t)
	require.NoError(t, f.machine.SetEnabled(true))
	f.machine.SetAuthenticated(true)
	return f
}

// restart simulates a process restart over the same persisted store.
func (f *testFixture) restart(t *testing.T) {
	t.Helper()
	if f.controller != nil {
		f.controller.Close()
		f.machine.Cleanup()
	}

	machine, err := softlock.New(storage.NewBucket(f.store, "session-guard", "softlock"),
		softlock.WithClock(f.clock),
		softlock.WithLogger(zerolog.Nop()),
	)
	require.NoError(t, err)
	require.NoError(t, machine.Initialize())
	t.Cleanup(machine.Cleanup)

	controller, err := overlay.New(machine, f.verifier, overlay.WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	t.Cleanup(controller.Close)

	f.machine, f.controller = machine, controller
}

func TestController_ProtectsWhileLocked(t *testing.T) {
	f := setupTestFixture(t)

	called := 0
	protected := func() error { called++; return nil }

	require.False(t, f.controller.View().Visible)
	require.NoError(t, f.controller.Protect(protected))
	require.Equal(t, 1, called)

	require.NoError(t, f.machine.OnVisibilityHidden())
	view := f.controller.View()
	require.True(t, view.Visible)
	require.Equal(t, softlock.StateLocked, view.State)
	require.Equal(t, stepup.KindPIN, view.Kind)

	require.ErrorIs(t, f.controller.Protect(protected), apperrors.ErrLocked)
	require.Equal(t, 1, called)
}

func TestController_UnlockWithCorrectPIN(t *testing.T) {
	f := setupTestFixture(t)
	require.NoError(t, f.machine.Lock())

	require.NoError(t, f.controller.Unlock(context.Background(), stepup.PIN("1234")))
	require.Equal(t, softlock.StateActive, f.machine.State())

	view := f.controller.View()
	require.False(t, view.Visible)
	require.Empty(t, view.Error)
	require.False(t, view.Loading)
}

func TestController_UnlockIsNoopWhenActive(t *testing.T) {
	f := setupTestFixture(t)

	require.NoError(t, f.controller.Unlock(context.Background(), stepup.PIN("0000")))
	require.Zero(t, f.backend.VerifyCalls())
}

func TestController_FailuresBlockTheMachine(t *testing.T) {
	f := setupTestFixture(t)
	require.NoError(t, f.machine.Lock())
	ctx := context.Background()

	err := f.controller.Unlock(ctx, stepup.PIN("0000"))
	require.True(t, stepup.IsRejected(err))
	require.Equal(t, "Incorrect PIN", f.controller.View().Error)
	require.Equal(t, 1, f.machine.Snapshot().FailedAttempts)

	require.Error(t, f.controller.Unlock(ctx, stepup.PIN("0000")))
	err = f.controller.Unlock(ctx, stepup.PIN("0000"))
	var lockErr *stepup.LockoutError
	require.True(t, errors.As(err, &lockErr))

	view := f.controller.View()
	require.True(t, view.Blocked)
	require.Equal(t, 5*time.Minute, view.BlockRemaining)
	require.Equal(t, "Too many failed attempts. Please try again in 5 minutes.", view.Error)

	err = f.controller.Unlock(ctx, stepup.PIN("1234"))
	require.ErrorIs(t, err, apperrors.ErrBlocked)
	require.Equal(t, 3, f.backend.VerifyCalls(), "blocked attempts never reach the backend")
	require.Equal(t, softlock.StateLocked, f.machine.State())

	f.clock.Advance(5 * time.Minute)
	require.NoError(t, f.controller.Unlock(ctx, stepup.PIN("1234")))
	require.Equal(t, softlock.StateActive, f.machine.State())
	require.Zero(t, f.machine.Snapshot().FailedAttempts)
}

func TestController_BlockSurvivesRestart(t *testing.T) {
	f := setupTestFixture(t)
	require.NoError(t, f.machine.Lock())
	for i := 0; i < 3; i++ {
		require.Error(t, f.controller.Unlock(context.Background(), stepup.PIN("0000")))
	}

	f.restart(t)
	require.Equal(t, softlock.StateLocked, f.machine.State())
	require.True(t, f.controller.View().Blocked)

	err := f.controller.Unlock(context.Background(), stepup.PIN("1234"))
	require.ErrorIs(t, err, apperrors.ErrBlocked)
	require.Equal(t, 3, f.backend.VerifyCalls())
}

func TestController_RestartBetweenFailuresStillShowsLockout(t *testing.T) {
	f := setupTestFixture(t)
	require.NoError(t, f.machine.Lock())
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		require.True(t, stepup.IsRejected(f.controller.Unlock(ctx, stepup.PIN("0000"))))
	}

	f.restart(t)
	require.Equal(t, 2, f.machine.Snapshot().FailedAttempts)

	err := f.controller.Unlock(ctx, stepup.PIN("0000"))
	var lockErr *stepup.LockoutError
	require.True(t, errors.As(err, &lockErr))
	require.Equal(t, 5*time.Minute, lockErr.Remaining)

	view := f.controller.View()
	require.True(t, view.Blocked)
	require.Equal(t, "Too many failed attempts. Please try again in 5 minutes.", view.Error)
}

func TestController_BiometricCancelLeavesNoError(t *testing.T) {
	f := setupTestFixture(t)
	require.NoError(t, f.machine.Lock())

	auth := stepup.AuthenticatorFunc(func(context.Context, stepup.Intent) (*protocol.CredentialAssertionResponse, error) {
		return nil, stepup.ErrBiometricCancelled
	})
	err := f.controller.UnlockBiometric(context.Background(), auth)
	require.ErrorIs(t, err, stepup.ErrBiometricCancelled)

	view := f.controller.View()
	require.True(t, view.Visible)
	require.Empty(t, view.Error)
	require.Zero(t, f.machine.Snapshot().FailedAttempts)
}

func TestController_TransportErrorShowsGenericMessage(t *testing.T) {
	f := setupTestFixture(t)
	require.NoError(t, f.machine.Lock())
	f.backend.FailVerify(502)

	err := f.controller.Unlock(context.Background(), stepup.PIN("1234"))
	require.Error(t, err)
	require.Equal(t, stepup.GenericFailureMessage, f.controller.View().Error)
	require.Zero(t, f.machine.Snapshot().FailedAttempts)
}

func TestController_ResetClearsTransientState(t *testing.T) {
	f := setupTestFixture(t)
	require.NoError(t, f.machine.Lock())
	require.Error(t, f.controller.Unlock(context.Background(), stepup.PIN("0000")))
	require.NotEmpty(t, f.controller.View().Error)

	require.NoError(t, f.machine.Reset())
	view := f.controller.View()
	require.False(t, view.Visible)
	require.Empty(t, view.Error)
}

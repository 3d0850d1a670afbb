package gateway_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jrsteele09/go-session-guard/gateway"
	"github.com/jrsteele09/go-session-guard/internal/backendfake"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

// testFixture holds a client wired to the fake backend
type testFixture struct {
	backend *backendfake.Server
	client  *gateway.Client
	expired atomic.Int32

	mu      sync.Mutex
	notices []gateway.Notice
}

func setupTestFixture(t *testing.T) *testFixture {
	t.Helper()

	f := &testFixture{
		backend: backendfake.New(backendfake.User{ID: "user-1", Role: "customer", Verified: true, PIN: "1234"}),
	}
	t.Cleanup(f.backend.Close)

	client, err := gateway.New(f.backend.URL,
		gateway.WithLogger(zerolog.Nop()),
		gateway.WithNotifier(gateway.NotifierFunc(func(n gateway.Notice) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.notices = append(f.notices, n)
		})),
	)
	require.NoError(t, err)
	client.SetSessionExpiredCallback(func() { f.expired.Add(1) })
	client.SetToken(&oauth2.Token{AccessToken: f.backend.IssueToken(), TokenType: "Bearer"})
	f.client = client
	return f
}

func (f *testFixture) noticeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.notices)
}

// fireConcurrently issues n GETs and waits until all of them are parked on
// the held refresh.
func (f *testFixture) fireConcurrently(t *testing.T, n int) ([]*gateway.Request, <-chan error) {
	t.Helper()

	reqs := make([]*gateway.Request, n)
	errs := make(chan error, n)
	for i := range reqs {
		reqs[i] = &gateway.Request{Method: http.MethodGet, Path: "/api/wallet"}
		go func(r *gateway.Request) {
			_, err := f.client.Do(context.Background(), r)
			errs <- err
		}(reqs[i])
	}
	require.Eventually(t, func() bool {
		return f.client.RefreshState().Waiting() == n
	}, 5*time.Second, 5*time.Millisecond)
	return reqs, errs
}

func TestClient_PassesThroughSuccess(t *testing.T) {
	f := setupTestFixture(t)

	var out struct {
		OK   bool   `json:"ok"`
		Path string `json:"path"`
	}
	err := f.client.Get(context.Background(), "/api/wallet", &out)
	require.NoError(t, err)
	require.True(t, out.OK)
	require.Equal(t, "/api/wallet", out.Path)
	require.Equal(t, 0, f.backend.RefreshCalls())
}

func TestClient_SingleFlightRefresh(t *testing.T) {
	f := setupTestFixture(t)
	f.backend.ExpireAccess()
	release := f.backend.HoldRefresh()

	const n = 6
	reqs, errs := f.fireConcurrently(t, n)
	require.True(t, f.client.RefreshState().InFlight())
	release()

	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}
	require.Equal(t, 1, f.backend.RefreshCalls())
	for _, r := range reqs {
		require.True(t, r.Retry)
		require.Equal(t, 2, f.backend.Hits(r.ID), "each request is replayed exactly once")
	}
	require.False(t, f.client.RefreshState().InFlight())
	require.Equal(t, int32(0), f.expired.Load())
	require.NotNil(t, f.client.Token())
}

func TestClient_RefreshFailureFansOut(t *testing.T) {
	f := setupTestFixture(t)
	f.backend.ExpireAccess()
	f.backend.FailRefresh(http.StatusUnauthorized, "refresh token expired")
	release := f.backend.HoldRefresh()

	const n = 4
	_, errs := f.fireConcurrently(t, n)
	release()

	var first *gateway.RefreshError
	for i := 0; i < n; i++ {
		err := <-errs
		require.Error(t, err)
		require.True(t, gateway.IsSessionExpired(err))

		var re *gateway.RefreshError
		require.True(t, errors.As(err, &re))
		if first == nil {
			first = re
		}
		require.Same(t, first, re, "every waiter sees the same refresh outcome")
	}
	require.Equal(t, http.StatusUnauthorized, gateway.StatusCode(first))

	require.Eventually(t, func() bool { return f.expired.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return f.noticeCount() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, gateway.SessionExpiredMessage, f.notices[0].Message)
	require.Equal(t, 1, f.backend.RefreshCalls())

	// Still expired: another failing refresh does not re-fire the callback.
	_, err := f.client.Do(context.Background(), &gateway.Request{Method: http.MethodGet, Path: "/api/wallet"})
	require.Error(t, err)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(1), f.expired.Load())
}

func TestClient_VerificationRequiredIsNotSessionExpiry(t *testing.T) {
	t.Run("403 on a normal request", func(t *testing.T) {
		f := setupTestFixture(t)

		_, err := f.client.Do(context.Background(), &gateway.Request{Method: http.MethodGet, Path: "/api/unverified"})
		require.Error(t, err)
		require.True(t, gateway.IsVerificationRequired(err))
		require.False(t, gateway.IsSessionExpired(err))
		require.Equal(t, 0, f.backend.RefreshCalls())
		require.Equal(t, int32(0), f.expired.Load())
		require.Equal(t, 0, f.noticeCount())
	})

	t.Run("403 from the refresh endpoint", func(t *testing.T) {
		f := setupTestFixture(t)
		f.backend.ExpireAccess()
		f.backend.FailRefresh(http.StatusForbidden, backendfake.VerifyAccountMessage)

		_, err := f.client.Do(context.Background(), &gateway.Request{Method: http.MethodGet, Path: "/api/wallet"})
		require.Error(t, err)
		require.True(t, gateway.IsVerificationRequired(err))
		require.False(t, gateway.IsSessionExpired(err))

		time.Sleep(20 * time.Millisecond)
		require.Equal(t, int32(0), f.expired.Load())
		require.Equal(t, 0, f.noticeCount())
	})
}

func TestClient_RetriedUnauthorizedIsHardFailure(t *testing.T) {
	var refreshes, calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/auth/refresh" {
			refreshes.Add(1)
			w.WriteHeader(http.StatusOK)
			return
		}
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	var expired atomic.Int32
	client, err := gateway.New(srv.URL, gateway.WithLogger(zerolog.Nop()), gateway.WithNotifier(gateway.NotifierFunc(func(gateway.Notice) {})))
	require.NoError(t, err)
	client.SetSessionExpiredCallback(func() { expired.Add(1) })

	req := &gateway.Request{Method: http.MethodGet, Path: "/api/orders"}
	_, err = client.Do(context.Background(), req)
	require.Error(t, err)
	require.True(t, gateway.IsSessionExpired(err))
	require.Equal(t, http.StatusUnauthorized, gateway.StatusCode(err))
	require.True(t, req.Retry)
	require.Equal(t, int32(1), refreshes.Load())
	require.Equal(t, int32(2), calls.Load())
	require.Eventually(t, func() bool { return expired.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestClient_StampsNoCacheHeaders(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client, err := gateway.New(srv.URL, gateway.WithLogger(zerolog.Nop()))
	require.NoError(t, err)

	err = client.Post(context.Background(), "/offers", map[string]string{"code": "X"}, nil)
	require.NoError(t, err)
	require.Equal(t, "no-cache, no-store, must-revalidate", got.Get("Cache-Control"))
	require.Equal(t, "no-cache", got.Get("Pragma"))
	require.Equal(t, "0", got.Get("Expires"))
	require.Equal(t, "application/json", got.Get("Content-Type"))
	require.NotEmpty(t, got.Get("X-Request-ID"))
}

func TestClient_TransportFailureIsNotAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	var expired atomic.Int32
	client, err := gateway.New(url, gateway.WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	client.SetSessionExpiredCallback(func() { expired.Add(1) })

	_, err = client.Do(context.Background(), &gateway.Request{Method: http.MethodGet, Path: "/api/wallet"})
	require.Error(t, err)
	require.False(t, gateway.IsSessionExpired(err))
	require.Equal(t, 0, gateway.StatusCode(err))
	require.Equal(t, 0, client.RefreshState().Started())
	require.Equal(t, int32(0), expired.Load())
}

func TestClient_ResetClearsState(t *testing.T) {
	f := setupTestFixture(t)
	f.backend.ExpireAccess()

	err := f.client.Get(context.Background(), "/api/wallet", nil)
	require.NoError(t, err)
	require.Equal(t, 1, f.client.RefreshState().Started())

	f.client.Reset()
	require.Nil(t, f.client.Token())
	require.Equal(t, 0, f.client.RefreshState().Started())
	require.False(t, f.client.RefreshState().InFlight())
}

func TestClient_ExpiresAgainAfterRelogin(t *testing.T) {
	var loggedIn atomic.Bool
	loggedIn.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/refresh":
			w.WriteHeader(http.StatusUnauthorized)
		case "/auth/login":
			loggedIn.Store(true)
			w.WriteHeader(http.StatusNoContent)
		default:
			if !loggedIn.Load() {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	var expired, notices atomic.Int32
	client, err := gateway.New(srv.URL,
		gateway.WithLogger(zerolog.Nop()),
		gateway.WithNotifier(gateway.NotifierFunc(func(gateway.Notice) { notices.Add(1) })),
	)
	require.NoError(t, err)
	client.SetSessionExpiredCallback(func() { expired.Add(1) })
	ctx := context.Background()

	loggedIn.Store(false)
	err = client.Get(ctx, "/api/wallet", nil)
	require.True(t, gateway.IsSessionExpired(err))
	require.Eventually(t, func() bool { return expired.Load() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, client.Post(ctx, "/auth/login", struct{}{}, nil))
	require.NoError(t, client.Get(ctx, "/api/wallet", nil))

	loggedIn.Store(false)
	err = client.Get(ctx, "/api/wallet", nil)
	require.True(t, gateway.IsSessionExpired(err))
	require.Eventually(t, func() bool { return expired.Load() == 2 && notices.Load() == 2 }, time.Second, 5*time.Millisecond)
}

package session

import (
	"context"
	"net/http"
	"sync"

	"github.com/jrsteele09/go-session-guard/gateway"
	apperrors "github.com/jrsteele09/go-session-guard/internal/errors"
	"github.com/jrsteele09/go-session-guard/storage"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	MePath     = "/auth/me"
	LogoutPath = "/auth/logout"
)

// LockState is the part of the soft lock the session drives.
// softlock.Machine implements it.
type LockState interface {
	SetAuthenticated(authenticated bool)
	Reset() error
}

// Client fetches and tears down the session. It registers itself as the
// gateway's session-expired callback.
type Client struct {
	gw        *gateway.Client
	cache     *Cache
	lock      LockState
	onExpired func()
	log       zerolog.Logger

	mu      sync.Mutex
	current *Session
}

type Option func(*Client)

// WithCache enables offline reads from a cached copy.
func WithCache(cache *Cache) Option {
	return func(c *Client) {
		c.cache = cache
	}
}

// WithLockState connects the soft lock, which is told about login state and
// reset on logout.
func WithLockState(lock LockState) Option {
	return func(c *Client) {
		c.lock = lock
	}
}

// WithExpiredHandler is called after local state has been torn down because
// the session expired, typically to redirect to the login screen.
func WithExpiredHandler(fn func()) Option {
	return func(c *Client) {
		c.onExpired = fn
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) {
		c.log = l
	}
}

func New(gw *gateway.Client, options ...Option) (*Client, error) {
	if gw == nil {
		return nil, errors.New("[session.New] gateway client is required")
	}
	c := &Client{
		gw:  gw,
		log: log.With().Str("component", "session").Logger(),
	}
	for _, opt := range options {
		opt(c)
	}
	gw.SetSessionExpiredCallback(c.expired)
	return c, nil
}

// Current returns the session. A fresh cached copy is used as is; otherwise
// the backend is asked. When the backend cannot be reached the last cached
// copy is returned even if stale, then the identity claims of the access
// token. An expired session is never served from the cache.
func (c *Client) Current(ctx context.Context) (*Session, error) {
	if s, fresh := c.cached(); s != nil && fresh {
		c.remember(s, false)
		return s, nil
	}

	var s Session
	err := c.gw.Get(ctx, MePath, &s)
	if err == nil {
		c.remember(&s, true)
		return &s, nil
	}

	if gateway.IsSessionExpired(err) || gateway.StatusCode(err) == http.StatusUnauthorized {
		return nil, errors.Wrap(err, "[Client.Current]")
	}
	if gateway.StatusCode(err) != 0 && gateway.StatusCode(err) < http.StatusInternalServerError {
		return nil, errors.Wrap(err, "[Client.Current]")
	}

	if cached, _ := c.cached(); cached != nil {
		c.log.Warn().Err(err).Msg("backend unavailable, using cached session")
		return cached, nil
	}
	if t := c.gw.Token(); t != nil && t.AccessToken != "" {
		if fromToken, tokErr := FromAccessToken(t.AccessToken); tokErr == nil {
			c.log.Warn().Err(err).Msg("backend unavailable, using access token claims")
			return fromToken, nil
		}
	}
	return nil, errors.Wrap(err, "[Client.Current]")
}

// Authenticated reports whether a session has been loaded since the last
// logout.
func (c *Client) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil
}

// Logout ends the session on the backend and clears every piece of local
// state: the cached session, the soft lock record and the gateway's token
// and refresh state. Local state is cleared even if the backend call fails.
func (c *Client) Logout(ctx context.Context) error {
	remoteErr := c.gw.Post(ctx, LogoutPath, struct{}{}, nil)
	if remoteErr != nil {
		c.log.Warn().Err(remoteErr).Msg("backend logout failed, clearing local state anyway")
	}
	localErr := c.clearLocal()
	c.gw.Reset()
	c.log.Info().Msg("logged out")

	if remoteErr != nil {
		return errors.Wrap(remoteErr, "[Client.Logout]")
	}
	return errors.Wrap(localErr, "[Client.Logout]")
}

// expired runs as the gateway's session-expired callback. The gateway has
// already dropped its token; its expiry latch is left set so queued
// requests do not fire the callback again.
func (c *Client) expired() {
	if err := c.clearLocal(); err != nil {
		c.log.Error().Err(err).Msg("clear local state after session expiry")
	}
	if c.onExpired != nil {
		c.onExpired()
	}
}

func (c *Client) clearLocal() error {
	c.mu.Lock()
	c.current = nil
	c.mu.Unlock()

	var firstErr error
	if c.cache != nil {
		if err := c.cache.Clear(); err != nil && !storage.IsNotFound(err) {
			firstErr = err
		}
	}
	if c.lock != nil {
		if err := c.lock.Reset(); err != nil && !apperrors.Is(err, apperrors.ErrClosed) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *Client) cached() (*Session, bool) {
	if c.cache == nil {
		return nil, false
	}
	s, fresh, err := c.cache.Load()
	if err != nil {
		if !storage.IsNotFound(err) {
			c.log.Warn().Err(err).Msg("read cached session")
		}
		return nil, false
	}
	return s, fresh
}

func (c *Client) remember(s *Session, save bool) {
	c.mu.Lock()
	c.current = s
	c.mu.Unlock()

	if save && c.cache != nil {
		if err := c.cache.Save(s); err != nil {
			c.log.Warn().Err(err).Msg("cache session")
		}
	}
	if c.lock != nil {
		c.lock.SetAuthenticated(true)
	}
}

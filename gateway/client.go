package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-session-guard/internal/logging"
	"github.com/jrsteele09/go-session-guard/internal/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

const (
	defaultRefreshPath = "/auth/refresh"
	defaultTimeout     = 15 * time.Second
	maxBodyBytes       = 10 << 20

	headerRequestID   = "X-Request-ID"
	headerAccessToken = "X-Access-Token"
)

// Request describes one API call. Retry is set by the Client once the
// request has been replayed after a refresh; a retried request that gets
// another 401 is not refreshed again.
type Request struct {
	Method string
	Path   string // relative to the base URL, or an absolute URL
	Query  url.Values
	Body   any // JSON-encoded; []byte is sent as-is
	Header http.Header
	ID     string // X-Request-ID, kept across the replay
	Retry  bool
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the JSON body into out.
func (r *Response) Decode(out any) error {
	if out == nil || len(r.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Client is the single HTTP entry point for the app. It refreshes the
// session on 401 and replays the request once, transparently to callers.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	refreshPath string
	refresh     *RefreshState
	notifier    Notifier
	log         zerolog.Logger

	mu        sync.RWMutex
	token     *oauth2.Token
	onExpired func()
	expired   bool
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client. Its Timeout and Jar
// are used as-is.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

func WithRefreshPath(path string) Option {
	return func(c *Client) {
		c.refreshPath = path
	}
}

// WithRefreshState shares a RefreshState between clients.
func WithRefreshState(rs *RefreshState) Option {
	return func(c *Client) {
		c.refresh = rs
	}
}

func WithNotifier(n Notifier) Option {
	return func(c *Client) {
		c.notifier = n
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) {
		c.log = l
	}
}

// WithTimeout sets the network timeout on the default http.Client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if c.httpClient != nil {
			c.httpClient.Timeout = d
		}
	}
}

// New returns a Client rooted at baseURL.
func New(baseURL string, options ...Option) (*Client, error) {
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("[gateway.New] invalid base URL: %w", err)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("[gateway.New] cookie jar: %w", err)
	}

	c := &Client{
		httpClient:  &http.Client{Timeout: defaultTimeout, Jar: jar},
		baseURL:     strings.TrimRight(baseURL, "/"),
		refreshPath: defaultRefreshPath,
		log:         logging.Component("gateway"),
	}
	for _, opt := range options {
		opt(c)
	}
	if c.refresh == nil {
		c.refresh = NewRefreshState()
	}
	if c.notifier == nil {
		c.notifier = LogNotifier(c.log)
	}
	return c, nil
}

// SetSessionExpiredCallback registers the function called when the session
// cannot be recovered. Only one callback is kept.
func (c *Client) SetSessionExpiredCallback(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onExpired = fn
}

// SetToken installs an access token (e.g. after login). A nil token clears it.
func (c *Client) SetToken(t *oauth2.Token) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = t
	if t != nil {
		c.expired = false
	}
}

// Token returns the current access token, or nil.
func (c *Client) Token() *oauth2.Token {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token == nil {
		return nil
	}
	t := *c.token
	return &t
}

// RefreshState exposes the refresh coordinator (for tests and diagnostics).
func (c *Client) RefreshState() *RefreshState {
	return c.refresh
}

// Reset clears in-flight refresh state, the cached token and the expiry latch.
func (c *Client) Reset() {
	c.refresh.Reset()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = nil
	c.expired = false
}

// Do sends req. Non-2xx responses come back as *ResponseError; transport
// failures are returned unchanged and never trigger a refresh.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	resp, err := c.send(ctx, req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		if req.Retry {
			rerr := c.responseError(req, resp)
			c.expire(rerr)
			return nil, rerr
		}

		joined, err := c.refresh.Do(ctx, c.refreshSession, c.refreshSettled)
		if joined {
			metrics.RefreshWaiters.Inc()
		}
		if err != nil {
			return nil, err
		}

		req.Retry = true
		return c.Do(ctx, req)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, c.responseError(req, resp)
	}
	c.sessionLive()
	return resp, nil
}

// sessionLive re-arms expiry escalation once any call succeeds again, e.g.
// after a cookie-only re-login.
func (c *Client) sessionLive() {
	c.mu.RLock()
	expired := c.expired
	c.mu.RUnlock()
	if !expired {
		return
	}
	c.mu.Lock()
	c.expired = false
	c.mu.Unlock()
}

// DoJSON sends req and decodes the JSON response into out (may be nil).
func (c *Client) DoJSON(ctx context.Context, req *Request, out any) error {
	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	return resp.Decode(out)
}

func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.DoJSON(ctx, &Request{Method: http.MethodGet, Path: path}, out)
}

func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.DoJSON(ctx, &Request{Method: http.MethodPost, Path: path, Body: body}, out)
}

// refreshSession is the body of a refresh flight.
func (c *Client) refreshSession(ctx context.Context) error {
	c.log.Debug().Msg("refreshing session")
	resp, err := c.send(ctx, &Request{
		Method: http.MethodPost,
		Path:   c.refreshPath,
		Body:   struct{}{},
		ID:     uuid.New().String(),
		Retry:  true,
	})
	if err != nil {
		return &RefreshError{Cause: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &RefreshError{Cause: c.responseError(&Request{Method: http.MethodPost, Path: c.refreshPath}, resp)}
	}
	c.captureToken(resp)

	c.mu.Lock()
	c.expired = false
	c.mu.Unlock()
	return nil
}

// refreshSettled runs once per flight, after every waiter was released.
func (c *Client) refreshSettled(err error) {
	if err == nil {
		metrics.RefreshTotal.WithLabelValues("success").Inc()
		c.log.Info().Msg("session refreshed")
		return
	}
	if IsVerificationRequired(err) {
		metrics.RefreshTotal.WithLabelValues("verification_required").Inc()
		c.log.Warn().Err(err).Msg("refresh blocked pending account verification")
		return
	}
	metrics.RefreshTotal.WithLabelValues("failure").Inc()
	c.expire(err)
}

// expire escalates to session expiry at most once until the session is
// re-established by a token, a refresh or any successful call.
func (c *Client) expire(cause error) {
	if IsVerificationRequired(cause) {
		return
	}

	c.mu.Lock()
	if c.expired {
		c.mu.Unlock()
		return
	}
	c.expired = true
	c.token = nil
	callback := c.onExpired
	c.mu.Unlock()

	metrics.SessionExpiredTotal.Inc()
	c.log.Warn().Err(cause).Msg("session expired")
	if callback != nil {
		callback()
	}
	c.notifier.Notify(Notice{Level: LevelError, Message: SessionExpiredMessage})
}

func (c *Client) send(ctx context.Context, req *Request) (*Response, error) {
	httpReq, err := c.newHTTPRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.Path, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%s %s: read body: %w", req.Method, req.Path, err)
	}

	c.log.Debug().
		Str("method", req.Method).
		Str("path", req.Path).
		Str("request_id", req.ID).
		Bool("retry", req.Retry).
		Int("status", httpResp.StatusCode).
		Msg("api call")

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       body,
	}, nil
}

func (c *Client) newHTTPRequest(ctx context.Context, req *Request) (*http.Request, error) {
	target := req.Path
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		target = c.baseURL + "/" + strings.TrimLeft(target, "/")
	}
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var body io.Reader
	isJSON := false
	switch b := req.Body.(type) {
	case nil:
	case []byte:
		body = bytes.NewReader(b)
	default:
		encoded, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("%s %s: encode body: %w", req.Method, req.Path, err)
		}
		body = bytes.NewReader(encoded)
		isJSON = true
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, req.Path, err)
	}

	for k, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Accept", "application/json")
	if isJSON {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	stampNoCache(httpReq.Header)
	httpReq.Header.Set(headerRequestID, req.ID)

	if t := c.Token(); t != nil && t.Valid() {
		t.SetAuthHeader(httpReq)
	}
	return httpReq, nil
}

// stampNoCache defeats intermediary and service worker caches.
func stampNoCache(h http.Header) {
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
}

// captureToken keeps the access token returned by a refresh, if any. A
// cookie-only refresh clears the bearer token so a stale one is not sent.
func (c *Client) captureToken(resp *Response) {
	var payload struct {
		AccessToken      string `json:"accessToken"`
		AccessTokenSnake string `json:"access_token"`
		TokenType        string `json:"tokenType"`
		ExpiresIn        int64  `json:"expiresIn"`
		ExpiresInSnake   int64  `json:"expires_in"`
	}
	_ = json.Unmarshal(resp.Body, &payload)

	access := firstNonEmpty(
		payload.AccessToken,
		payload.AccessTokenSnake,
		resp.Header.Get(headerAccessToken),
		strings.TrimPrefix(resp.Header.Get("Authorization"), "Bearer "),
	)

	c.mu.Lock()
	defer c.mu.Unlock()
	if access == "" {
		c.token = nil
		return
	}

	t := &oauth2.Token{AccessToken: access, TokenType: firstNonEmpty(payload.TokenType, "Bearer")}
	expiresIn := payload.ExpiresIn
	if expiresIn == 0 {
		expiresIn = payload.ExpiresInSnake
	}
	if expiresIn == 0 {
		if s, err := strconv.ParseInt(resp.Header.Get("X-Expires-In"), 10, 64); err == nil {
			expiresIn = s
		}
	}
	if expiresIn > 0 {
		t.Expiry = time.Now().Add(time.Duration(expiresIn) * time.Second)
	}
	c.token = t
}

func (c *Client) responseError(req *Request, resp *Response) *ResponseError {
	return &ResponseError{
		Method:     req.Method,
		Path:       req.Path,
		StatusCode: resp.StatusCode,
		Message:    messageFromBody(resp.StatusCode, resp.Body),
		Body:       resp.Body,
		Retried:    req.Retry,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

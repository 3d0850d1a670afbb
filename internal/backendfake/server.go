// Package backendfake is an in-process stand-in for the reseller REST
// backend, used by tests. It implements the auth, step-up verification and
// a generic protected /api/ surface.
package backendfake

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	AccessCookie  = "access_token"
	RefreshCookie = "refresh_token"

	VerifyAccountMessage = "Please verify your account to continue"
)

var signingKey = []byte("backendfake-signing-key")

// User is the account the fake backend serves.
type User struct {
	ID               string
	Role             string
	Verified         bool
	PIN              string
	Passcode         string
	BiometricIDs     []string
	BiometricEnabled bool
}

// Claims are embedded in access tokens.
type Claims struct {
	Role        string `json:"role"`
	Verified    bool   `json:"verified"`
	PinSet      bool   `json:"pin_set"`
	PasscodeSet bool   `json:"passcode_set"`
	jwt.RegisteredClaims
}

// Server is a fake backend. Zero-valued knobs mean "behave normally".
type Server struct {
	*httptest.Server

	mu           sync.Mutex
	user         User
	pinHash      []byte
	passcodeHash []byte
	access       map[string]bool
	hits         map[string]int
	refreshGate  chan struct{}
	refreshFail  int
	refreshMsg   string
	verifyFail   int

	refreshCalls atomic.Int64
	verifyCalls  atomic.Int64
}

// New starts a fake backend serving user.
func New(user User) *Server {
	s := &Server{
		user:   user,
		access: make(map[string]bool),
		hits:   make(map[string]int),
	}
	if user.PIN != "" {
		s.pinHash, _ = bcrypt.GenerateFromPassword([]byte(user.PIN), bcrypt.MinCost)
	}
	if user.Passcode != "" {
		s.passcodeHash, _ = bcrypt.GenerateFromPassword([]byte(user.Passcode), bcrypt.MinCost)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", s.handleLogin)
	mux.HandleFunc("POST /auth/refresh", s.handleRefresh)
	mux.HandleFunc("POST /auth/logout", s.handleLogout)
	mux.HandleFunc("GET /auth/me", s.requireAccess(s.handleMe))
	mux.HandleFunc("POST /user/pin/verify", s.requireAccess(s.handlePINVerify))
	mux.HandleFunc("POST /user/passcode/verify", s.requireAccess(s.handlePasscodeVerify))
	mux.HandleFunc("POST /biometric/auth/verify", s.requireAccess(s.handleBiometricVerify))
	mux.HandleFunc("/api/unverified", s.requireAccess(s.handleUnverified))
	mux.HandleFunc("/api/", s.requireAccess(s.handleAPI))
	s.Server = httptest.NewServer(mux)
	return s
}

// IssueToken mints a valid access token, as a login would.
func (s *Server) IssueToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueLocked()
}

// ExpireAccess invalidates every access token issued so far.
func (s *Server) ExpireAccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access = make(map[string]bool)
}

// HoldRefresh makes /auth/refresh block until the returned release func
// is called.
func (s *Server) HoldRefresh() (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.refreshGate = gate
	s.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// FailRefresh makes /auth/refresh answer status with message. Status 0
// restores normal behaviour.
func (s *Server) FailRefresh(status int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshFail = status
	s.refreshMsg = message
}

// FailVerify makes every verification endpoint answer status (transport
// level failures such as 500). Status 0 restores normal behaviour.
func (s *Server) FailVerify(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verifyFail = status
}

func (s *Server) RefreshCalls() int {
	return int(s.refreshCalls.Load())
}

func (s *Server) VerifyCalls() int {
	return int(s.verifyCalls.Load())
}

// Hits returns how many times a request with the given X-Request-ID
// reached a protected handler (including 401 rejections).
func (s *Server) Hits(requestID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[requestID]
}

func (s *Server) issueLocked() string {
	now := time.Now()
	claims := Claims{
		Role:        s.user.Role,
		Verified:    s.user.Verified,
		PinSet:      s.user.PIN != "",
		PasscodeSet: s.user.Passcode != "",
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   s.user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
	token, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signingKey)
	s.access[token] = true
	return token
}

func (s *Server) requireAccess(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" {
			if c, err := r.Cookie(AccessCookie); err == nil {
				token = c.Value
			}
		}

		s.mu.Lock()
		if id := r.Header.Get("X-Request-ID"); id != "" {
			s.hits[id]++
		}
		ok := s.access[token]
		s.mu.Unlock()

		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "Unauthorized"})
			return
		}
		next(w, r)
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	token := s.issueLocked()
	s.mu.Unlock()
	http.SetCookie(w, &http.Cookie{Name: RefreshCookie, Value: uuid.New().String(), Path: "/", HttpOnly: true})
	writeJSON(w, http.StatusOK, map[string]any{"accessToken": token, "expiresIn": 3600})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.refreshCalls.Add(1)

	s.mu.Lock()
	gate := s.refreshGate
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}

	s.mu.Lock()
	status, msg := s.refreshFail, s.refreshMsg
	var token string
	if status == 0 {
		token = s.issueLocked()
	}
	s.mu.Unlock()

	if status != 0 {
		writeJSON(w, status, map[string]any{"message": msg})
		return
	}
	http.SetCookie(w, &http.Cookie{Name: AccessCookie, Value: token, Path: "/", HttpOnly: true})
	writeJSON(w, http.StatusOK, map[string]any{"accessToken": token, "expiresIn": 3600})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.ExpireAccess()
	http.SetCookie(w, &http.Cookie{Name: RefreshCookie, Value: "", Path: "/", MaxAge: -1})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	u := s.user
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"id":               u.ID,
		"role":             u.Role,
		"isVerified":       u.Verified,
		"pinSet":           u.PIN != "",
		"passcodeSet":      u.Passcode != "",
		"biometricEnabled": u.BiometricEnabled,
	})
}

func (s *Server) handleAPI(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "path": r.URL.Path})
}

func (s *Server) handleUnverified(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusForbidden, map[string]any{"message": VerifyAccountMessage})
}

func (s *Server) handlePINVerify(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PIN    string `json:"pin"`
		Intent string `json:"intent"`
	}
	s.verifySecret(w, r, &body, func() (string, []byte, string) { return body.PIN, s.pinHash, body.Intent }, "Incorrect PIN")
}

func (s *Server) handlePasscodeVerify(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Passcode string `json:"passcode"`
		Intent   string `json:"intent"`
	}
	s.verifySecret(w, r, &body, func() (string, []byte, string) { return body.Passcode, s.passcodeHash, body.Intent }, "Incorrect passcode")
}

func (s *Server) verifySecret(w http.ResponseWriter, r *http.Request, body any, fields func() (string, []byte, string), failMsg string) {
	s.verifyCalls.Add(1)
	if s.verifyFailure(w) {
		return
	}
	if err := json.NewDecoder(r.Body).Decode(body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "malformed request"})
		return
	}
	secret, hash, intent := fields()
	if len(hash) == 0 || bcrypt.CompareHashAndPassword(hash, []byte(secret)) != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": failMsg})
		return
	}
	writeJSON(w, http.StatusOK, successBody(intent))
}

func (s *Server) handleBiometricVerify(w http.ResponseWriter, r *http.Request) {
	s.verifyCalls.Add(1)
	if s.verifyFailure(w) {
		return
	}
	var body struct {
		ID       string `json:"id"`
		RawID    string `json:"rawId"`
		Type     string `json:"type"`
		Intent   string `json:"intent"`
		Response struct {
			ClientDataJSON    string `json:"clientDataJSON"`
			AuthenticatorData string `json:"authenticatorData"`
			Signature         string `json:"signature"`
		} `json:"response"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "malformed request"})
		return
	}

	s.mu.Lock()
	known := false
	for _, id := range s.user.BiometricIDs {
		if id == body.ID {
			known = true
		}
	}
	s.mu.Unlock()

	if !known || body.Type != "public-key" || body.Response.Signature == "" {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "message": "Biometric verification failed"})
		return
	}
	writeJSON(w, http.StatusOK, successBody(body.Intent))
}

func (s *Server) verifyFailure(w http.ResponseWriter) bool {
	s.mu.Lock()
	status := s.verifyFail
	s.mu.Unlock()
	if status == 0 {
		return false
	}
	writeJSON(w, status, map[string]any{"message": http.StatusText(status)})
	return true
}

func successBody(intent string) map[string]any {
	body := map[string]any{"success": true}
	if intent == "transaction" {
		body["verificationToken"] = uuid.New().String()
	}
	return body
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

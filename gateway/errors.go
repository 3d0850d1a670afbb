package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	apperrors "github.com/jrsteele09/go-session-guard/internal/errors"
)

var (
	ErrSessionExpired       = apperrors.ErrSessionExpired
	ErrVerificationRequired = apperrors.ErrVerificationRequired
)

// verificationPhrases mark a 403 as "finish verifying your account" rather
// than an authorization failure.
var verificationPhrases = []string{
	"verify your account",
	"verify your email",
	"account verification",
	"account is not verified",
	"account not verified",
}

// ResponseError is returned for every non-2xx response.
type ResponseError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
	Body       []byte
	Retried    bool
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.StatusCode, e.Message)
}

func (e *ResponseError) Is(target error) bool {
	switch target {
	case ErrVerificationRequired:
		return e.verificationRequired()
	case ErrSessionExpired:
		return e.StatusCode == http.StatusUnauthorized && e.Retried
	}
	return false
}

func (e *ResponseError) verificationRequired() bool {
	if e.StatusCode != http.StatusForbidden {
		return false
	}
	msg := strings.ToLower(e.Message)
	for _, phrase := range verificationPhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}

// RefreshError is handed to every request that waited on a failed refresh.
type RefreshError struct {
	Cause error
}

func (e *RefreshError) Error() string {
	return "token refresh failed: " + e.Cause.Error()
}

func (e *RefreshError) Unwrap() error {
	return e.Cause
}

func (e *RefreshError) Is(target error) bool {
	return target == ErrSessionExpired && !IsVerificationRequired(e.Cause)
}

// IsVerificationRequired reports whether err is a 403 asking the user to
// verify their account. Such errors never end the session.
func IsVerificationRequired(err error) bool {
	return errors.Is(err, ErrVerificationRequired)
}

// IsSessionExpired reports whether err ended the session.
func IsSessionExpired(err error) bool {
	return errors.Is(err, ErrSessionExpired)
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var re *ResponseError
	if errors.As(err, &re) {
		return re.StatusCode
	}
	return 0
}

// messageFromBody pulls a human readable message out of an error body.
func messageFromBody(status int, body []byte) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
		Detail  string `json:"detail"`
	}
	if len(body) > 0 && json.Unmarshal(body, &payload) == nil {
		switch {
		case payload.Message != "":
			return payload.Message
		case payload.Error != "":
			return payload.Error
		case payload.Detail != "":
			return payload.Detail
		}
	}
	return http.StatusText(status)
}

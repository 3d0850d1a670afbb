package stepup

import (
	"context"
	"net/http"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/jrsteele09/go-session-guard/gateway"
	"github.com/pkg/errors"
)

// Backend checks credentials against the server.
type Backend interface {
	VerifyPIN(ctx context.Context, pin string, intent Intent) (*Result, error)
	VerifyPasscode(ctx context.Context, passcode string, intent Intent) (*Result, error)
	VerifyBiometric(ctx context.Context, assertion *protocol.CredentialAssertionResponse, intent Intent) (*Result, error)
}

const (
	PINVerifyPath       = "/user/pin/verify"
	PasscodeVerifyPath  = "/user/passcode/verify"
	BiometricVerifyPath = "/biometric/auth/verify"
)

// HTTPBackend calls the verification endpoints through the gateway, so an
// expired access token is refreshed transparently.
type HTTPBackend struct {
	client *gateway.Client
}

var _ Backend = (*HTTPBackend)(nil)

func NewHTTPBackend(client *gateway.Client) (*HTTPBackend, error) {
	if client == nil {
		return nil, errors.New("[NewHTTPBackend] gateway client is required")
	}
	return &HTTPBackend{client: client}, nil
}

type verifyResponse struct {
	Success           bool   `json:"success"`
	Message           string `json:"message,omitempty"`
	VerificationToken string `json:"verificationToken,omitempty"`
}

func (b *HTTPBackend) VerifyPIN(ctx context.Context, pin string, intent Intent) (*Result, error) {
	body := struct {
		PIN    string `json:"pin"`
		Intent Intent `json:"intent"`
	}{pin, intent}
	return b.verify(ctx, PINVerifyPath, body, "[HTTPBackend.VerifyPIN]")
}

func (b *HTTPBackend) VerifyPasscode(ctx context.Context, passcode string, intent Intent) (*Result, error) {
	body := struct {
		Passcode string `json:"passcode"`
		Intent   Intent `json:"intent"`
	}{passcode, intent}
	return b.verify(ctx, PasscodeVerifyPath, body, "[HTTPBackend.VerifyPasscode]")
}

func (b *HTTPBackend) VerifyBiometric(ctx context.Context, assertion *protocol.CredentialAssertionResponse, intent Intent) (*Result, error) {
	if assertion == nil {
		return nil, ErrInvalidCredential
	}
	body := struct {
		*protocol.CredentialAssertionResponse
		Intent Intent `json:"intent"`
	}{assertion, intent}
	return b.verify(ctx, BiometricVerifyPath, body, "[HTTPBackend.VerifyBiometric]")
}

func (b *HTTPBackend) verify(ctx context.Context, path string, body any, op string) (*Result, error) {
	var out verifyResponse
	if err := b.client.Post(ctx, path, body, &out); err != nil {
		if rejected(err) {
			var re *gateway.ResponseError
			errors.As(err, &re)
			return nil, &RejectedError{Message: re.Message}
		}
		return nil, errors.Wrap(err, op)
	}
	if !out.Success {
		return nil, &RejectedError{Message: out.Message}
	}
	return &Result{VerificationToken: out.VerificationToken}, nil
}

// rejected reports whether a response error is the server refusing the
// credential, as opposed to the session or the server being unavailable.
func rejected(err error) bool {
	if gateway.IsSessionExpired(err) || gateway.IsVerificationRequired(err) {
		return false
	}
	switch gateway.StatusCode(err) {
	case http.StatusBadRequest, http.StatusForbidden, http.StatusUnprocessableEntity:
		return true
	}
	return false
}

// Package session reads the authenticated identity from the backend, keeps a
// short-lived cached copy for offline reads and tears everything down on
// logout.
package session

import (
	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// Session is the authenticated identity as the backend reports it.
type Session struct {
	UserID           string `json:"id"`
	Role             string `json:"role"`
	Verified         bool   `json:"isVerified"`
	PinSet           bool   `json:"pinSet"`
	PasscodeSet      bool   `json:"passcodeSet"`
	BiometricEnabled bool   `json:"biometricEnabled"`
}

// accessClaims are the identity claims carried by the access token.
type accessClaims struct {
	Role        string `json:"role"`
	Verified    bool   `json:"verified"`
	PinSet      bool   `json:"pin_set"`
	PasscodeSet bool   `json:"passcode_set"`
	jwt.RegisteredClaims
}

// FromAccessToken reads identity claims from an access token without
// checking its signature. The client has no key to check it with; the
// result is only a display fallback and grants nothing.
func FromAccessToken(raw string) (*Session, error) {
	var claims accessClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return nil, errors.Wrap(err, "[session.FromAccessToken]")
	}
	if claims.Subject == "" {
		return nil, errors.New("[session.FromAccessToken] token has no subject")
	}
	return &Session{
		UserID:      claims.Subject,
		Role:        claims.Role,
		Verified:    claims.Verified,
		PinSet:      claims.PinSet,
		PasscodeSet: claims.PasscodeSet,
	}, nil
}

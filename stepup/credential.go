package stepup

import (
	"context"

	"github.com/go-webauthn/webauthn/protocol"
)

// Credential is something the user can prove their identity with.
type Credential interface {
	Kind() Kind
	// Validate checks shape only, without contacting the backend.
	Validate() error
	// Verify asks the backend to check the credential. A credential the
	// backend refuses yields a *RejectedError.
	Verify(ctx context.Context, backend Backend, intent Intent) (*Result, error)
}

// Result is a successful verification.
type Result struct {
	// VerificationToken is a short-lived proof, returned for
	// IntentTransaction.
	VerificationToken string
}

// PIN is the 4-digit transaction PIN.
type PIN string

func (PIN) Kind() Kind { return KindPIN }

func (p PIN) Validate() error { return validateDigits(string(p), KindPIN.Digits()) }

func (p PIN) Verify(ctx context.Context, backend Backend, intent Intent) (*Result, error) {
	return backend.VerifyPIN(ctx, string(p), intent)
}

// Passcode is the 6-digit app passcode.
type Passcode string

func (Passcode) Kind() Kind { return KindPasscode }

func (p Passcode) Validate() error { return validateDigits(string(p), KindPasscode.Digits()) }

func (p Passcode) Verify(ctx context.Context, backend Backend, intent Intent) (*Result, error) {
	return backend.VerifyPasscode(ctx, string(p), intent)
}

// Biometric is a platform authenticator assertion.
type Biometric struct {
	Assertion *protocol.CredentialAssertionResponse
}

func (Biometric) Kind() Kind { return KindBiometric }

func (b Biometric) Validate() error {
	a := b.Assertion
	switch {
	case a == nil:
		return ErrInvalidCredential
	case a.ID == "" || len(a.RawID) == 0:
		return ErrInvalidCredential
	case a.Type != string(protocol.PublicKeyCredentialType):
		return ErrInvalidCredential
	case len(a.AssertionResponse.Signature) == 0:
		return ErrInvalidCredential
	}
	return nil
}

func (b Biometric) Verify(ctx context.Context, backend Backend, intent Intent) (*Result, error) {
	return backend.VerifyBiometric(ctx, b.Assertion, intent)
}

// Authenticator produces biometric assertions, typically by showing the
// platform prompt. It returns ErrBiometricCancelled (or any error carrying
// NotAllowedError) when the user dismisses the prompt.
type Authenticator interface {
	GetAssertion(ctx context.Context, intent Intent) (*protocol.CredentialAssertionResponse, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, intent Intent) (*protocol.CredentialAssertionResponse, error)

func (f AuthenticatorFunc) GetAssertion(ctx context.Context, intent Intent) (*protocol.CredentialAssertionResponse, error) {
	return f(ctx, intent)
}

func validateDigits(s string, n int) error {
	if len(s) != n {
		return ErrInvalidCredential
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return ErrInvalidCredential
		}
	}
	return nil
}

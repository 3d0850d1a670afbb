package stepup

import "fmt"

// Intent tells the backend what a verification proof will authorize.
type Intent int

const (
	IntentUnlock Intent = iota + 1
	IntentRevalidate
	IntentTransaction
)

func (i Intent) String() string {
	switch i {
	case IntentUnlock:
		return "unlock"
	case IntentRevalidate:
		return "revalidate"
	case IntentTransaction:
		return "transaction"
	default:
		return fmt.Sprintf("Intent(%d)", int(i))
	}
}

func (i Intent) Valid() bool {
	return i >= IntentUnlock && i <= IntentTransaction
}

func (i Intent) MarshalText() ([]byte, error) {
	if !i.Valid() {
		return nil, fmt.Errorf("invalid intent %d", int(i))
	}
	return []byte(i.String()), nil
}

func (i *Intent) UnmarshalText(text []byte) error {
	parsed, err := ParseIntent(string(text))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}

func ParseIntent(s string) (Intent, error) {
	switch s {
	case "unlock":
		return IntentUnlock, nil
	case "revalidate":
		return IntentRevalidate, nil
	case "transaction":
		return IntentTransaction, nil
	}
	return 0, fmt.Errorf("unknown intent %q", s)
}

// Kind is a credential type.
type Kind int

const (
	KindPIN Kind = iota + 1
	KindPasscode
	KindBiometric
)

func (k Kind) String() string {
	switch k {
	case KindPIN:
		return "pin"
	case KindPasscode:
		return "passcode"
	case KindBiometric:
		return "biometric"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Digits is the length of a numeric credential, or 0 for biometrics.
func (k Kind) Digits() int {
	switch k {
	case KindPIN:
		return 4
	case KindPasscode:
		return 6
	default:
		return 0
	}
}

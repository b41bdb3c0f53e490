package iap

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTrustConfig = errors.New("invalid trust config")
)

type Environment uint8

const (
	EnvironmentUnknown Environment = iota
	EnvironmentSandbox
	EnvironmentProduction
)

func (e Environment) String() string {
	switch e {
	case EnvironmentSandbox:
		return "sandbox"
	case EnvironmentProduction:
		return "production"
	default:
		return "unknown"
	}
}

func ParseEnvironment(s string) (Environment, error) {
	switch s {
	case "sandbox":
		return EnvironmentSandbox, nil
	case "production":
		return EnvironmentProduction, nil
	default:
		return EnvironmentUnknown, fmt.Errorf("%w: unknown environment %q", ErrInvalidTrustConfig, s)
	}
}

// TrustConfig selects the authority environment and carries the credentials
// used to verify receipts. It is passed on every call.
type TrustConfig struct {
	Environment  Environment
	SharedSecret string

	// BundleID is the application identifier receipts must be issued for.
	// Empty disables the check.
	BundleID string
}

func (c TrustConfig) Validate() error {
	switch c.Environment {
	case EnvironmentSandbox, EnvironmentProduction:
		return nil
	default:
		return fmt.Errorf("%w: environment is %s", ErrInvalidTrustConfig, c.Environment)
	}
}

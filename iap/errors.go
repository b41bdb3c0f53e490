package iap

import (
	"fmt"
)

type ValidationErrorKind uint8

const (
	ValidationErrorUnknown ValidationErrorKind = iota
	ValidationErrorMalformed
	ValidationErrorAuthorityUnreachable
	ValidationErrorAuthorityRejected
	ValidationErrorUnauthorized
)

func (k ValidationErrorKind) String() string {
	switch k {
	case ValidationErrorMalformed:
		return "malformed"
	case ValidationErrorAuthorityUnreachable:
		return "authority_unreachable"
	case ValidationErrorAuthorityRejected:
		return "authority_rejected"
	case ValidationErrorUnauthorized:
		return "unauthorized"
	default:
		return "unknown"
	}
}

var (
	ErrMalformed            = &ValidationError{Kind: ValidationErrorMalformed}
	ErrAuthorityUnreachable = &ValidationError{Kind: ValidationErrorAuthorityUnreachable}
	ErrAuthorityRejected    = &ValidationError{Kind: ValidationErrorAuthorityRejected}
	ErrUnauthorized         = &ValidationError{Kind: ValidationErrorUnauthorized}
)

// ValidationError is returned when a receipt could not be validated.
//
// errors.Is matches any two ValidationErrors of the same kind, so callers can
// compare against the package sentinels.
type ValidationError struct {
	Kind ValidationErrorKind

	// Status is the authority specific status code, if any.
	Status string

	Err error
}

func NewValidationError(kind ValidationErrorKind, err error) *ValidationError {
	return &ValidationError{Kind: kind, Err: err}
}

func (e *ValidationError) Error() string {
	msg := "receipt validation failed: " + e.Kind.String()
	if e.Status != "" {
		msg += fmt.Sprintf(" (status %s)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func (e *ValidationError) Is(target error) bool {
	t, ok := target.(*ValidationError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Retryable reports whether the caller may retry the validation later.
func (e *ValidationError) Retryable() bool {
	return e.Kind == ValidationErrorAuthorityUnreachable
}

// ValidationErrorKindOf returns the kind of the first ValidationError in err's
// chain, or ValidationErrorUnknown.
func ValidationErrorKindOf(err error) ValidationErrorKind {
	var verr *ValidationError
	if asValidationError(err, &verr) {
		return verr.Kind
	}
	return ValidationErrorUnknown
}

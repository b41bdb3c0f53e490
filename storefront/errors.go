package storefront

import (
	"errors"
)

type ErrorKind uint8

const (
	ErrorUnknown ErrorKind = iota
	ErrorCancelled
	ErrorNotAllowed
	ErrorProductUnavailable
	ErrorCloudPermissionDenied
	ErrorCloudNetworkFailed
	ErrorCloudRevoked
	ErrorPaymentInvalid
	ErrorClientInvalid
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorCancelled:
		return "cancelled"
	case ErrorNotAllowed:
		return "not_allowed"
	case ErrorProductUnavailable:
		return "product_unavailable"
	case ErrorCloudPermissionDenied:
		return "cloud_permission_denied"
	case ErrorCloudNetworkFailed:
		return "cloud_network_failed"
	case ErrorCloudRevoked:
		return "cloud_revoked"
	case ErrorPaymentInvalid:
		return "payment_invalid"
	case ErrorClientInvalid:
		return "client_invalid"
	default:
		return "unknown"
	}
}

// Description is the message a host application shows the user for this
// kind of failure. Cancellation is silent and has none.
func (k ErrorKind) Description() string {
	switch k {
	case ErrorCancelled:
		return ""
	case ErrorNotAllowed:
		return "The device is not allowed to make the payment"
	case ErrorProductUnavailable:
		return "The product is not available in the current storefront"
	case ErrorCloudPermissionDenied:
		return "Access to cloud service information is not allowed"
	case ErrorCloudNetworkFailed:
		return "Could not connect to the network"
	case ErrorCloudRevoked:
		return "User has revoked permission to use this cloud service"
	case ErrorPaymentInvalid:
		return "The purchase identifier was invalid"
	case ErrorClientInvalid:
		return "Not allowed to make the payment"
	default:
		return "Unknown error. Please contact support"
	}
}

// Error is returned by a Storefront when the platform store refuses or fails
// an operation.
type Error struct {
	Kind ErrorKind
	Err  error
}

func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func (e *Error) Error() string {
	msg := "storefront error: " + e.Kind.String()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any storefront Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func (e *Error) Description() string {
	return e.Kind.Description()
}

var (
	ErrCancelled          = &Error{Kind: ErrorCancelled}
	ErrNotAllowed         = &Error{Kind: ErrorNotAllowed}
	ErrProductUnavailable = &Error{Kind: ErrorProductUnavailable}
)

// ErrorKindOf returns the kind of the first storefront Error in err's chain.
// Errors that did not originate from the storefront are ErrorUnknown.
func ErrorKindOf(err error) ErrorKind {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.Kind
	}
	return ErrorUnknown
}

package purchase

import (
	"time"

	"github.com/code-payments/flipchat-entitlements/iap"
	"github.com/code-payments/flipchat-entitlements/model"
	"github.com/code-payments/flipchat-entitlements/storefront"
)

// State is the position of an attempt in its lifecycle:
//
//	Pending -> AwaitingValidation -> Finalizing -> Completed
//
// Any state before Completed may move to Failed. Finalizing also moves back
// to a suspended AwaitingValidation when the receipt could not be committed
// or the transaction could not be finished, so the attempt can be retried
// under the same request id.
type State uint8

const (
	StatePending State = iota
	StateAwaitingValidation
	StateFinalizing
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateAwaitingValidation:
		return "awaiting_validation"
	case StateFinalizing:
		return "finalizing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type FailureReason uint8

const (
	FailureUserCancelled FailureReason = iota + 1
	FailureStoreRejected
	FailureValidationFailed
	FailureConfigurationError
)

func (r FailureReason) String() string {
	switch r {
	case FailureUserCancelled:
		return "user_cancelled"
	case FailureStoreRejected:
		return "store_rejected"
	case FailureValidationFailed:
		return "validation_failed"
	case FailureConfigurationError:
		return "configuration_error"
	default:
		return "unknown"
	}
}

// Failure describes why an attempt ended in StateFailed.
type Failure struct {
	Reason FailureReason

	// StoreErrorKind is set for FailureStoreRejected.
	StoreErrorKind storefront.ErrorKind

	// ValidationErrorKind is set for FailureValidationFailed.
	ValidationErrorKind iap.ValidationErrorKind

	Err error
}

// IsError is false for user cancellations, which hosts should not surface.
func (f *Failure) IsError() bool {
	return f.Reason != FailureUserCancelled
}

func (f *Failure) Description() string {
	switch f.Reason {
	case FailureUserCancelled:
		return ""
	case FailureStoreRejected:
		return f.StoreErrorKind.Description()
	default:
		return "Unable to purchase this product."
	}
}

func (f *Failure) String() string {
	switch f.Reason {
	case FailureStoreRejected:
		return f.Reason.String() + "(" + f.StoreErrorKind.String() + ")"
	case FailureValidationFailed:
		return f.Reason.String() + "(" + f.ValidationErrorKind.String() + ")"
	default:
		return f.Reason.String()
	}
}

// Attempt is a single purchase request. Values handed out by the coordinator
// are snapshots and are never updated afterwards.
type Attempt struct {
	RequestID string
	Product   model.ProductRef
	State     State

	// Failure is set once State is StateFailed.
	Failure *Failure

	TransactionID string

	// Entitlement is the product's state after a completed attempt.
	Entitlement *model.EntitlementState

	// Suspended is set while the attempt waits in StateAwaitingValidation
	// for a retry after the authority could not be reached. LastError holds
	// the reason.
	Suspended bool
	LastError error

	CreatedAt time.Time
	UpdatedAt time.Time

	generation  uint64
	receipt     *model.RawReceipt
	needsFinish bool
}

func (a *Attempt) IsTerminal() bool {
	return a.State == StateCompleted || a.State == StateFailed
}

// Retryable reports whether validation can be retried with RetryValidation.
func (a *Attempt) Retryable() bool {
	return a.State == StateAwaitingValidation && a.Suspended
}

func (a *Attempt) clone() *Attempt {
	cloned := *a
	cloned.Entitlement = a.Entitlement.Clone()
	cloned.receipt = a.receipt.Clone()
	return &cloned
}

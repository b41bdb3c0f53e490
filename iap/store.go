package iap

import (
	"context"
	"errors"

	"github.com/code-payments/flipchat-entitlements/model"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyFinalized = errors.New("transaction is already finalized")
)

// Store persists the last validated receipt, the entitlement state derived from
// it, and the set of transactions that were finalized with the storefront.
type Store interface {
	// GetReceipt returns the last validated receipt, or ErrNotFound.
	GetReceipt(ctx context.Context) (*model.RawReceipt, error)

	// ReplaceReceipt atomically replaces the stored receipt together with the
	// full set of entitlement states derived from it. States of products not
	// present in states are dropped.
	ReplaceReceipt(ctx context.Context, receipt *model.RawReceipt, states []*model.EntitlementState) error

	// GetEntitlement returns the cached state for a product, or ErrNotFound.
	GetEntitlement(ctx context.Context, productID string) (*model.EntitlementState, error)

	// GetEntitlements returns all cached states ordered by product id.
	GetEntitlements(ctx context.Context) ([]*model.EntitlementState, error)

	// PutEntitlement replaces the cached state of a single product.
	PutEntitlement(ctx context.Context, state *model.EntitlementState) error

	IsFinalized(ctx context.Context, transactionID string) (bool, error)

	// MarkFinalized records a finalized transaction. Returns ErrAlreadyFinalized
	// if it was recorded before.
	MarkFinalized(ctx context.Context, transactionID string) error
}

package iap

import (
	"context"

	"github.com/code-payments/flipchat-entitlements/model"
)

type Verifier interface {

	// VerifyReceipt submits a raw receipt to the trust authority and returns the
	// purchase items it vouches for. Implementations should return a
	// *ValidationError for authority level failures. Any other error is treated
	// as the authority being unreachable.
	VerifyReceipt(ctx context.Context, receipt *model.RawReceipt, cfg TrustConfig) ([]*model.EntitlementFact, error)
}

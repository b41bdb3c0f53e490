package iap

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/code-payments/flipchat-entitlements/model"
)

// Validator checks raw receipts against a trust authority. It never retries;
// AuthorityUnreachable failures are left to the caller.
type Validator struct {
	log      *zap.Logger
	verifier Verifier
}

func NewValidator(log *zap.Logger, verifier Verifier) *Validator {
	return &Validator{
		log:      log,
		verifier: verifier,
	}
}

func (v *Validator) Validate(ctx context.Context, receipt *model.RawReceipt, cfg TrustConfig) ([]*model.EntitlementFact, error) {
	if receipt.IsEmpty() {
		return nil, NewValidationError(ValidationErrorMalformed, errors.New("receipt is empty"))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := v.log.With(
		zap.String("receipt_id", receipt.ID()),
		zap.String("environment", cfg.Environment.String()),
	)

	facts, err := v.verifier.VerifyReceipt(ctx, receipt.Clone(), cfg)
	if err != nil {
		var verr *ValidationError
		if !asValidationError(err, &verr) {
			verr = NewValidationError(ValidationErrorAuthorityUnreachable, err)
		}
		log.Debug("Receipt failed validation", zap.Stringer("kind", verr.Kind), zap.Error(err))
		return nil, verr
	}

	for i, f := range facts {
		if err := checkFact(f); err != nil {
			log.Warn("Authority returned a malformed item", zap.Int("index", i), zap.Error(err))
			return nil, NewValidationError(ValidationErrorMalformed, err)
		}
	}

	log.Debug("Receipt validated", zap.Int("num_facts", len(facts)))

	return model.CloneFacts(facts), nil
}

func checkFact(f *model.EntitlementFact) error {
	switch {
	case f == nil:
		return errors.New("nil item")
	case f.ProductID == "":
		return errors.New("item has no product id")
	case f.TransactionID == "":
		return fmt.Errorf("item for %s has no transaction id", f.ProductID)
	case f.PurchasedAt.IsZero():
		return fmt.Errorf("item %s has no purchase date", f.TransactionID)
	}
	return nil
}

func asValidationError(err error, target **ValidationError) bool {
	return errors.As(err, target)
}

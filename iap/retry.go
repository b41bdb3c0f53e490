package iap

import (
	"context"
	"errors"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/code-payments/flipchat-entitlements/model"
)

// ValidateWithRetry calls Validate until it succeeds, fails with a
// non-retryable error, or b gives up. Only AuthorityUnreachable is retried.
func (v *Validator) ValidateWithRetry(ctx context.Context, receipt *model.RawReceipt, cfg TrustConfig, b backoff.BackOff) ([]*model.EntitlementFact, error) {
	var facts []*model.EntitlementFact
	attempt := 0

	op := func() error {
		attempt++

		var err error
		facts, err = v.Validate(ctx, receipt, cfg)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrAuthorityUnreachable) {
			v.log.Debug("Authority unreachable, backing off", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		return backoff.Permanent(err)
	}

	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return nil, unwrapPermanent(err)
	}
	return facts, nil
}

func unwrapPermanent(err error) error {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

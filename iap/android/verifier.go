package android

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/api/androidpublisher/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/code-payments/flipchat-entitlements/iap"
	"github.com/code-payments/flipchat-entitlements/model"
)

// AndroidVerifier uses the Google Play Developer API to verify purchase tokens.
type AndroidVerifier struct {
	log *zap.Logger
	svc *androidpublisher.Service

	// PackageName is the Android app's package name.
	packageName string
}

// PurchaseData is the receipt payload handed over by Play Billing on the
// device. It is the data carried by a RawReceipt for this verifier.
type PurchaseData struct {
	ProductID     string `json:"productId"`
	PurchaseToken string `json:"purchaseToken"`
	Subscription  bool   `json:"subscription"`
}

func (p PurchaseData) Encode() []byte {
	data, _ := json.Marshal(p)
	return data
}

func NewAndroidVerifier(ctx context.Context, log *zap.Logger, serviceAccountJSON []byte, pkgName string, opts ...option.ClientOption) (*AndroidVerifier, error) {
	if len(serviceAccountJSON) > 0 {
		opts = append([]option.ClientOption{
			option.WithCredentialsJSON(serviceAccountJSON),
			option.WithScopes(androidpublisher.AndroidpublisherScope),
		}, opts...)
	}

	svc, err := androidpublisher.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create android publisher client: %w", err)
	}

	return &AndroidVerifier{
		log:         log,
		svc:         svc,
		packageName: pkgName,
	}, nil
}

func (v *AndroidVerifier) VerifyReceipt(ctx context.Context, receipt *model.RawReceipt, cfg iap.TrustConfig) ([]*model.EntitlementFact, error) {
	var data PurchaseData
	if err := json.Unmarshal(receipt.Data, &data); err != nil {
		return nil, iap.NewValidationError(iap.ValidationErrorMalformed, errors.Wrap(err, "failed to decode purchase data"))
	}
	if data.ProductID == "" || data.PurchaseToken == "" {
		return nil, iap.NewValidationError(iap.ValidationErrorMalformed, errors.New("product id and purchase token are required"))
	}

	if cfg.BundleID != "" && cfg.BundleID != v.packageName {
		return nil, iap.NewValidationError(iap.ValidationErrorAuthorityRejected, fmt.Errorf("verifier configured for %q", v.packageName))
	}

	log := v.log.With(
		zap.String("product_id", data.ProductID),
		zap.Bool("subscription", data.Subscription),
	)

	var fact *model.EntitlementFact
	var err error
	if data.Subscription {
		fact, err = v.verifySubscription(ctx, data)
	} else {
		fact, err = v.verifyProduct(ctx, data)
	}
	if err != nil {
		log.Debug("Purchase token failed verification", zap.Error(err))
		return nil, err
	}

	raw, _ := json.Marshal(data)
	fact.Raw = raw
	return []*model.EntitlementFact{fact}, nil
}

func (v *AndroidVerifier) verifyProduct(ctx context.Context, data PurchaseData) (*model.EntitlementFact, error) {
	purchase, err := v.svc.Purchases.Products.Get(v.packageName, data.ProductID, data.PurchaseToken).Context(ctx).Do()
	if err != nil {
		return nil, classify(err)
	}

	// 0 = purchased, 1 = canceled, 2 = pending.
	if purchase.PurchaseState != 0 {
		return nil, iap.NewValidationError(iap.ValidationErrorAuthorityRejected, fmt.Errorf("purchase state is %d", purchase.PurchaseState))
	}

	quantity := int(purchase.Quantity)
	if quantity == 0 {
		quantity = 1
	}

	return &model.EntitlementFact{
		ProductID:     data.ProductID,
		TransactionID: transactionID(purchase.OrderId, data.PurchaseToken),
		Quantity:      quantity,
		PurchasedAt:   time.UnixMilli(purchase.PurchaseTimeMillis).UTC(),
	}, nil
}

func (v *AndroidVerifier) verifySubscription(ctx context.Context, data PurchaseData) (*model.EntitlementFact, error) {
	sub, err := v.svc.Purchases.Subscriptions.Get(v.packageName, data.ProductID, data.PurchaseToken).Context(ctx).Do()
	if err != nil {
		return nil, classify(err)
	}

	// PaymentState: 0 pending, 1 received, 2 free trial, 3 deferred.
	if sub.PaymentState != nil && *sub.PaymentState == 0 {
		return nil, iap.NewValidationError(iap.ValidationErrorAuthorityRejected, errors.New("subscription payment is pending"))
	}
	if sub.ExpiryTimeMillis == 0 {
		return nil, iap.NewValidationError(iap.ValidationErrorMalformed, errors.New("subscription has no expiry"))
	}

	expiresAt := time.UnixMilli(sub.ExpiryTimeMillis).UTC()
	fact := &model.EntitlementFact{
		ProductID:             data.ProductID,
		TransactionID:         transactionID(sub.OrderId, data.PurchaseToken),
		OriginalTransactionID: sub.LinkedPurchaseToken,
		Quantity:              1,
		PurchasedAt:           time.UnixMilli(sub.StartTimeMillis).UTC(),
		ExpiresAt:             &expiresAt,
	}
	if sub.UserCancellationTimeMillis > 0 && sub.CancelReason == 2 {
		// Replaced or refunded subscriptions stop entitling immediately;
		// user cancellations keep access until expiry.
		cancelledAt := time.UnixMilli(sub.UserCancellationTimeMillis).UTC()
		fact.CancelledAt = &cancelledAt
	}
	return fact, nil
}

func transactionID(orderID, token string) string {
	if orderID != "" {
		return orderID
	}
	return token
}

func classify(err error) error {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return iap.NewValidationError(iap.ValidationErrorAuthorityUnreachable, err)
	}

	switch {
	case apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden:
		return iap.NewValidationError(iap.ValidationErrorUnauthorized, err)
	case apiErr.Code == http.StatusBadRequest:
		return iap.NewValidationError(iap.ValidationErrorMalformed, err)
	case apiErr.Code == http.StatusNotFound || apiErr.Code == http.StatusGone:
		return iap.NewValidationError(iap.ValidationErrorAuthorityRejected, err)
	case apiErr.Code >= http.StatusInternalServerError || apiErr.Code == http.StatusTooManyRequests:
		return iap.NewValidationError(iap.ValidationErrorAuthorityUnreachable, err)
	default:
		return iap.NewValidationError(iap.ValidationErrorAuthorityRejected, err)
	}
}

package tests

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/code-payments/flipchat-entitlements/iap"
	"github.com/code-payments/flipchat-entitlements/model"
)

const BundleID = "com.flipchat.app"

// ValidReceiptFromFacts produces a receipt the verifier under test accepts
// and which vouches for the given items.
type ValidReceiptFromFacts func(facts []*model.EntitlementFact) *model.RawReceipt

func RunGenericVerifierTests(t *testing.T, v iap.Verifier, validReceiptFunc ValidReceiptFromFacts, teardown func()) {
	for _, testFunc := range []func(t *testing.T, v iap.Verifier, validReceiptFunc ValidReceiptFromFacts){
		testValidReceipt,
		testInvalidReceipt,
	} {
		testFunc(t, v, validReceiptFunc)
		teardown()
	}
}

func testValidReceipt(t *testing.T, v iap.Verifier, validReceiptFunc ValidReceiptFromFacts) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	expected := []*model.EntitlementFact{
		{
			ProductID:     "coins.100",
			TransactionID: "1000000001",
			Quantity:      1,
			PurchasedAt:   now.Add(-48 * time.Hour),
		},
		{
			ProductID:             "sub.monthly",
			TransactionID:         "1000000002",
			OriginalTransactionID: "1000000002",
			Quantity:              1,
			PurchasedAt:           now.Add(-time.Hour),
			ExpiresAt:             model.TimePtr(now.Add(30 * 24 * time.Hour)),
		},
	}

	facts, err := v.VerifyReceipt(ctx, validReceiptFunc(expected), trustConfig())
	require.NoError(t, err)
	require.Len(t, facts, len(expected))

	for i, e := range expected {
		require.Equal(t, e.ProductID, facts[i].ProductID)
		require.Equal(t, e.TransactionID, facts[i].TransactionID)
		require.True(t, e.PurchasedAt.Equal(facts[i].PurchasedAt))
		if e.ExpiresAt == nil {
			require.Nil(t, facts[i].ExpiresAt)
		} else {
			require.NotNil(t, facts[i].ExpiresAt)
			require.True(t, e.ExpiresAt.Equal(*facts[i].ExpiresAt))
		}
	}
}

func testInvalidReceipt(t *testing.T, v iap.Verifier, _ ValidReceiptFromFacts) {
	ctx := context.Background()

	// Just use the word "invalid" as an invalid receipt.
	invalidReceipt := model.NewRawReceipt([]byte("invalid"), time.Now())

	facts, err := v.VerifyReceipt(ctx, invalidReceipt, trustConfig())
	require.Error(t, err)
	require.Empty(t, facts)

	kind := iap.ValidationErrorKindOf(err)
	require.Contains(t, []iap.ValidationErrorKind{
		iap.ValidationErrorMalformed,
		iap.ValidationErrorAuthorityRejected,
	}, kind)
}

func trustConfig() iap.TrustConfig {
	return iap.TrustConfig{
		Environment:  iap.EnvironmentSandbox,
		SharedSecret: "shared-secret",
		BundleID:     BundleID,
	}
}

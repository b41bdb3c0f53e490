package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/code-payments/flipchat-entitlements/iap"
	iapmemory "github.com/code-payments/flipchat-entitlements/iap/memory"
	"github.com/code-payments/flipchat-entitlements/model"
	"github.com/code-payments/flipchat-entitlements/storefront"
	"github.com/code-payments/flipchat-entitlements/testutil"
)

var (
	coins   = model.ProductRef{ID: "coins.100", Kind: model.ProductKindConsumable}
	monthly = model.ProductRef{ID: "sub.monthly", Kind: model.ProductKindAutoRenewableSubscription}
)

func newTestStorefront(t *testing.T) (*Storefront, *iapmemory.MemoryVerifier, *testutil.Clock) {
	pub, priv, err := iapmemory.GenerateKeyPair()
	require.NoError(t, err)

	clock := testutil.NewClock(time.Now().UTC().Truncate(time.Millisecond))
	sf := NewStorefront(priv, "com.flipchat.app", clock.Now,
		&storefront.ProductInfo{Product: coins, Title: "100 Coins", Price: decimal.RequireFromString("0.99"), Currency: "USD"},
		&storefront.ProductInfo{Product: monthly, Title: "Monthly", Price: decimal.RequireFromString("4.99"), Currency: "USD"},
	)
	return sf, iapmemory.NewMemoryVerifier(pub), clock
}

func TestStorefront_PurchaseProducesVerifiableReceipt(t *testing.T) {
	ctx := context.Background()
	sf, verifier, clock := newTestStorefront(t)

	result, err := sf.Purchase(ctx, monthly, 1)
	require.NoError(t, err)
	require.True(t, result.NeedsFinishTransaction)
	require.Equal(t, monthly.ID, result.ProductID)

	facts, err := verifier.VerifyReceipt(ctx, result.Receipt, iap.TrustConfig{Environment: iap.EnvironmentSandbox, BundleID: "com.flipchat.app"})
	require.NoError(t, err)
	require.Len(t, facts, 1)
	require.Equal(t, result.TransactionID, facts[0].TransactionID)
	require.True(t, clock.Now().Add(DefaultSubscriptionPeriod).Equal(*facts[0].ExpiresAt))
}

func TestStorefront_RequestProducts(t *testing.T) {
	sf, _, _ := newTestStorefront(t)

	infos, err := sf.RequestProducts(context.Background(), []string{coins.ID, monthly.ID, "missing"})
	require.NoError(t, err)
	require.Len(t, infos, 2)
	require.Equal(t, "0.99 USD", infos[0].LocalizedPrice())

	sf.SetUnavailable(coins.ID)
	infos, err = sf.RequestProducts(context.Background(), []string{coins.ID, monthly.ID})
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Equal(t, monthly, infos[0].Product)

	_, err = sf.Purchase(context.Background(), coins, 1)
	require.ErrorIs(t, err, storefront.ErrProductUnavailable)
}

func TestStorefront_ScriptedFailures(t *testing.T) {
	ctx := context.Background()
	sf, _, _ := newTestStorefront(t)

	sf.FailNextPurchase(storefront.NewError(storefront.ErrorCancelled, nil))
	_, err := sf.Purchase(ctx, coins, 1)
	require.ErrorIs(t, err, storefront.ErrCancelled)

	result, err := sf.Purchase(ctx, coins, 1)
	require.NoError(t, err)

	sf.FailFinish(result.TransactionID, errors.New("offline"))
	require.Error(t, sf.FinishTransaction(ctx, result.TransactionID))
	require.Zero(t, sf.FinishCalls(result.TransactionID))

	sf.FailFinish(result.TransactionID, nil)
	require.NoError(t, sf.FinishTransaction(ctx, result.TransactionID))
	require.NoError(t, sf.FinishTransaction(ctx, result.TransactionID))
	require.Equal(t, 2, sf.FinishCalls(result.TransactionID))
}

func TestStorefront_Restore(t *testing.T) {
	ctx := context.Background()
	sf, _, _ := newTestStorefront(t)

	result, err := sf.RestorePurchases(ctx)
	require.NoError(t, err)
	require.True(t, result.IsEmpty())
	require.Nil(t, result.Receipt)

	_, err = sf.Purchase(ctx, coins, 1)
	require.NoError(t, err)
	sf.AddRestoreFailure(monthly.ID, errors.New("restore failed"))

	result, err = sf.RestorePurchases(ctx)
	require.NoError(t, err)
	require.Len(t, result.Restored, 1)
	require.Len(t, result.Failed, 1)
	require.NotNil(t, result.Receipt)
}

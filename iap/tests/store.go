package tests

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/code-payments/flipchat-entitlements/iap"
	"github.com/code-payments/flipchat-entitlements/model"
)

func RunStoreTests(t *testing.T, s iap.Store, teardown func()) {
	for _, tf := range []func(t *testing.T, s iap.Store){
		testIapStore_HappyPath,
		testIapStore_ReplaceInvalidates,
		testIapStore_PutEntitlement,
		testIapStore_Finalized,
		testIapStore_ReturnsCopies,
	} {
		tf(t, s)
		teardown()
	}
}

func testIapStore_HappyPath(t *testing.T, store iap.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	_, err := store.GetReceipt(ctx)
	require.Equal(t, iap.ErrNotFound, err)

	_, err = store.GetEntitlement(ctx, "sub.monthly")
	require.Equal(t, iap.ErrNotFound, err)

	states, err := store.GetEntitlements(ctx)
	require.NoError(t, err)
	require.Empty(t, states)

	receipt := model.NewRawReceipt([]byte("receipt"), now)
	expected := []*model.EntitlementState{
		purchasedState("sub.monthly", model.ProductKindAutoRenewableSubscription, now, now.Add(30*24*time.Hour)),
		expiredState("pass.weekly", model.ProductKindNonRenewingSubscription, now, now.Add(-time.Hour)),
		model.NotPurchased(model.ProductRef{ID: "coins.100", Kind: model.ProductKindConsumable}, now),
	}
	require.NoError(t, store.ReplaceReceipt(ctx, receipt, expected))

	actualReceipt, err := store.GetReceipt(ctx)
	require.NoError(t, err)
	require.Equal(t, receipt.Data, actualReceipt.Data)
	require.True(t, receipt.RetrievedAt.Equal(actualReceipt.RetrievedAt))

	for _, e := range expected {
		actual, err := store.GetEntitlement(ctx, e.Product.ID)
		require.NoError(t, err)
		requireStateEqual(t, e, actual)
	}

	all, err := store.GetEntitlements(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "coins.100", all[0].Product.ID)
	require.Equal(t, "pass.weekly", all[1].Product.ID)
	require.Equal(t, "sub.monthly", all[2].Product.ID)
}

func testIapStore_ReplaceInvalidates(t *testing.T, store iap.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	first := model.NewRawReceipt([]byte("first"), now)
	require.NoError(t, store.ReplaceReceipt(ctx, first, []*model.EntitlementState{
		purchasedState("sub.monthly", model.ProductKindAutoRenewableSubscription, now, now.Add(time.Hour)),
		purchasedState("sub.yearly", model.ProductKindAutoRenewableSubscription, now, now.Add(time.Hour)),
	}))

	second := model.NewRawReceipt([]byte("second"), now.Add(time.Minute))
	replacement := expiredState("sub.yearly", model.ProductKindAutoRenewableSubscription, now.Add(time.Minute), now)
	require.NoError(t, store.ReplaceReceipt(ctx, second, []*model.EntitlementState{replacement}))

	actualReceipt, err := store.GetReceipt(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("second"), actualReceipt.Data)

	_, err = store.GetEntitlement(ctx, "sub.monthly")
	require.Equal(t, iap.ErrNotFound, err)

	actual, err := store.GetEntitlement(ctx, "sub.yearly")
	require.NoError(t, err)
	requireStateEqual(t, replacement, actual)
}

func testIapStore_PutEntitlement(t *testing.T, store iap.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, store.ReplaceReceipt(ctx, model.NewRawReceipt([]byte("receipt"), now), []*model.EntitlementState{
		purchasedState("sub.monthly", model.ProductKindAutoRenewableSubscription, now, now.Add(time.Hour)),
	}))

	updated := expiredState("sub.monthly", model.ProductKindAutoRenewableSubscription, now.Add(2*time.Hour), now.Add(time.Hour))
	require.NoError(t, store.PutEntitlement(ctx, updated))

	actual, err := store.GetEntitlement(ctx, "sub.monthly")
	require.NoError(t, err)
	requireStateEqual(t, updated, actual)

	added := model.NotPurchased(model.ProductRef{ID: "coins.100", Kind: model.ProductKindConsumable}, now)
	require.NoError(t, store.PutEntitlement(ctx, added))

	all, err := store.GetEntitlements(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)

	// The receipt is untouched by single product updates.
	receipt, err := store.GetReceipt(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("receipt"), receipt.Data)
}

func testIapStore_Finalized(t *testing.T, store iap.Store) {
	ctx := context.Background()

	txID := model.MustGenerateTransactionID()

	isFinalized, err := store.IsFinalized(ctx, txID)
	require.NoError(t, err)
	require.False(t, isFinalized)

	require.NoError(t, store.MarkFinalized(ctx, txID))

	isFinalized, err = store.IsFinalized(ctx, txID)
	require.NoError(t, err)
	require.True(t, isFinalized)

	require.Equal(t, iap.ErrAlreadyFinalized, store.MarkFinalized(ctx, txID))

	isFinalized, err = store.IsFinalized(ctx, model.MustGenerateTransactionID())
	require.NoError(t, err)
	require.False(t, isFinalized)
}

func testIapStore_ReturnsCopies(t *testing.T, store iap.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	expiry := now.Add(time.Hour)
	require.NoError(t, store.ReplaceReceipt(ctx, model.NewRawReceipt([]byte("receipt"), now), []*model.EntitlementState{
		purchasedState("sub.monthly", model.ProductKindAutoRenewableSubscription, now, expiry),
	}))

	actual, err := store.GetEntitlement(ctx, "sub.monthly")
	require.NoError(t, err)
	actual.Status = model.StatusExpired
	*actual.ExpiresAt = now

	receipt, err := store.GetReceipt(ctx)
	require.NoError(t, err)
	receipt.Data[0] = 'X'

	again, err := store.GetEntitlement(ctx, "sub.monthly")
	require.NoError(t, err)
	require.Equal(t, model.StatusPurchased, again.Status)
	require.True(t, expiry.Equal(*again.ExpiresAt))

	receipt, err = store.GetReceipt(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("receipt"), receipt.Data)
}

func purchasedState(id string, kind model.ProductKind, evaluatedAt, expiresAt time.Time) *model.EntitlementState {
	return &model.EntitlementState{
		Product:       model.ProductRef{ID: id, Kind: kind},
		Status:        model.StatusPurchased,
		TransactionID: model.MustGenerateTransactionID(),
		ExpiresAt:     model.TimePtr(expiresAt),
		EvaluatedAt:   evaluatedAt,
	}
}

func expiredState(id string, kind model.ProductKind, evaluatedAt, expiredAt time.Time) *model.EntitlementState {
	return &model.EntitlementState{
		Product:       model.ProductRef{ID: id, Kind: kind},
		Status:        model.StatusExpired,
		TransactionID: model.MustGenerateTransactionID(),
		ExpiresAt:     model.TimePtr(expiredAt),
		ExpiredAt:     model.TimePtr(expiredAt),
		EvaluatedAt:   evaluatedAt,
	}
}

func requireStateEqual(t *testing.T, expected, actual *model.EntitlementState) {
	require.True(t, expected.Equivalent(actual), "expected %v, got %v", expected, actual)
	require.True(t, expected.EvaluatedAt.Equal(actual.EvaluatedAt), "evaluated at %s != %s", expected.EvaluatedAt, actual.EvaluatedAt)
}

// RunNamespaceIsolationTests checks that two stores sharing a backend but
// scoped to different namespaces never observe each other's data.
func RunNamespaceIsolationTests(t *testing.T, a, b iap.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, a.ReplaceReceipt(ctx, model.NewRawReceipt([]byte("receipt-a"), now), []*model.EntitlementState{
		purchasedState("sub.monthly", model.ProductKindAutoRenewableSubscription, now, now.Add(time.Hour)),
	}))
	require.NoError(t, a.MarkFinalized(ctx, "txn-shared"))

	_, err := b.GetReceipt(ctx)
	require.Equal(t, iap.ErrNotFound, err)

	_, err = b.GetEntitlement(ctx, "sub.monthly")
	require.Equal(t, iap.ErrNotFound, err)

	isFinalized, err := b.IsFinalized(ctx, "txn-shared")
	require.NoError(t, err)
	require.False(t, isFinalized)
	require.NoError(t, b.MarkFinalized(ctx, "txn-shared"))

	require.NoError(t, b.ReplaceReceipt(ctx, model.NewRawReceipt([]byte("receipt-b"), now), nil))

	receipt, err := a.GetReceipt(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("receipt-a"), receipt.Data)

	states, err := a.GetEntitlements(ctx)
	require.NoError(t, err)
	require.Len(t, states, 1)
}

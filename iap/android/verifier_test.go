package android

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/api/option"

	"github.com/code-payments/flipchat-entitlements/iap"
	"github.com/code-payments/flipchat-entitlements/model"
)

const testPackage = "com.flipchat.app"

type fakePlay struct {
	sync.Mutex

	// keyed by "products/<id>/tokens/<token>" or "subscriptions/<id>/tokens/<token>"
	responses map[string]any
	codes     map[string]int
}

func newFakePlay() *fakePlay {
	return &fakePlay{
		responses: make(map[string]any),
		codes:     make(map[string]int),
	}
}

func (f *fakePlay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.Lock()
	defer f.Unlock()

	prefix := fmt.Sprintf("/androidpublisher/v3/applications/%s/purchases/", testPackage)
	idx := strings.Index(r.URL.Path, prefix)
	if idx < 0 {
		http.NotFound(w, r)
		return
	}
	key := r.URL.Path[idx+len(prefix):]

	if code, ok := f.codes[key]; ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_, _ = fmt.Fprintf(w, `{"error":{"code":%d,"message":"fake error"}}`, code)
		return
	}

	resp, ok := f.responses[key]
	if !ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":404,"message":"not found"}}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func newTestVerifier(t *testing.T) (*AndroidVerifier, *fakePlay) {
	fake := newFakePlay()
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	v, err := NewAndroidVerifier(
		context.Background(),
		zaptest.NewLogger(t),
		nil,
		testPackage,
		option.WithEndpoint(server.URL+"/"),
		option.WithoutAuthentication(),
		option.WithHTTPClient(server.Client()),
	)
	require.NoError(t, err)
	return v, fake
}

func trustConfig() iap.TrustConfig {
	return iap.TrustConfig{
		Environment: iap.EnvironmentProduction,
		BundleID:    testPackage,
	}
}

func receiptFor(data PurchaseData) *model.RawReceipt {
	return model.NewRawReceipt(data.Encode(), time.Now())
}

func TestAndroidVerifier_Product(t *testing.T) {
	v, fake := newTestVerifier(t)
	purchasedAt := time.Now().UTC().Truncate(time.Millisecond).Add(-time.Hour)

	fake.responses["products/coins.100/tokens/token-1"] = map[string]any{
		"orderId":            "GPA.1234",
		"purchaseState":      0,
		"purchaseTimeMillis": fmt.Sprintf("%d", purchasedAt.UnixMilli()),
		"quantity":           2,
	}

	facts, err := v.VerifyReceipt(context.Background(), receiptFor(PurchaseData{
		ProductID:     "coins.100",
		PurchaseToken: "token-1",
	}), trustConfig())
	require.NoError(t, err)
	require.Len(t, facts, 1)
	require.Equal(t, "coins.100", facts[0].ProductID)
	require.Equal(t, "GPA.1234", facts[0].TransactionID)
	require.Equal(t, 2, facts[0].Quantity)
	require.True(t, purchasedAt.Equal(facts[0].PurchasedAt))
	require.Nil(t, facts[0].ExpiresAt)
	require.NotEmpty(t, facts[0].Raw)
}

func TestAndroidVerifier_ProductNotPurchased(t *testing.T) {
	v, fake := newTestVerifier(t)

	fake.responses["products/coins.100/tokens/token-1"] = map[string]any{
		"orderId":            "GPA.1234",
		"purchaseState":      1,
		"purchaseTimeMillis": "1000",
	}

	_, err := v.VerifyReceipt(context.Background(), receiptFor(PurchaseData{
		ProductID:     "coins.100",
		PurchaseToken: "token-1",
	}), trustConfig())
	require.ErrorIs(t, err, iap.ErrAuthorityRejected)
}

func TestAndroidVerifier_Subscription(t *testing.T) {
	v, fake := newTestVerifier(t)
	start := time.Now().UTC().Truncate(time.Millisecond).Add(-time.Hour)
	expiry := start.Add(30 * 24 * time.Hour)

	fake.responses["subscriptions/sub.monthly/tokens/token-2"] = map[string]any{
		"orderId":          "GPA.5678",
		"paymentState":     1,
		"startTimeMillis":  fmt.Sprintf("%d", start.UnixMilli()),
		"expiryTimeMillis": fmt.Sprintf("%d", expiry.UnixMilli()),
		"autoRenewing":     true,
	}

	facts, err := v.VerifyReceipt(context.Background(), receiptFor(PurchaseData{
		ProductID:     "sub.monthly",
		PurchaseToken: "token-2",
		Subscription:  true,
	}), trustConfig())
	require.NoError(t, err)
	require.Len(t, facts, 1)
	require.Equal(t, "GPA.5678", facts[0].TransactionID)
	require.True(t, start.Equal(facts[0].PurchasedAt))
	require.NotNil(t, facts[0].ExpiresAt)
	require.True(t, expiry.Equal(*facts[0].ExpiresAt))
	require.Nil(t, facts[0].CancelledAt)
}

func TestAndroidVerifier_SubscriptionPendingPayment(t *testing.T) {
	v, fake := newTestVerifier(t)

	fake.responses["subscriptions/sub.monthly/tokens/token-2"] = map[string]any{
		"orderId":          "GPA.5678",
		"paymentState":     0,
		"startTimeMillis":  "1000",
		"expiryTimeMillis": "2000",
	}

	_, err := v.VerifyReceipt(context.Background(), receiptFor(PurchaseData{
		ProductID:     "sub.monthly",
		PurchaseToken: "token-2",
		Subscription:  true,
	}), trustConfig())
	require.ErrorIs(t, err, iap.ErrAuthorityRejected)
}

func TestAndroidVerifier_Malformed(t *testing.T) {
	v, _ := newTestVerifier(t)

	for _, data := range [][]byte{
		[]byte("invalid"),
		[]byte(`{"productId":"coins.100"}`),
	} {
		_, err := v.VerifyReceipt(context.Background(), model.NewRawReceipt(data, time.Now()), trustConfig())
		require.ErrorIs(t, err, iap.ErrMalformed)
	}
}

func TestAndroidVerifier_PackageMismatch(t *testing.T) {
	v, _ := newTestVerifier(t)

	cfg := trustConfig()
	cfg.BundleID = "com.other.app"

	_, err := v.VerifyReceipt(context.Background(), receiptFor(PurchaseData{
		ProductID:     "coins.100",
		PurchaseToken: "token-1",
	}), cfg)
	require.ErrorIs(t, err, iap.ErrAuthorityRejected)
}

func TestAndroidVerifier_ErrorMapping(t *testing.T) {
	for _, tc := range []struct {
		code     int
		expected error
	}{
		{http.StatusBadRequest, iap.ErrMalformed},
		{http.StatusUnauthorized, iap.ErrUnauthorized},
		{http.StatusForbidden, iap.ErrUnauthorized},
		{http.StatusNotFound, iap.ErrAuthorityRejected},
		{http.StatusGone, iap.ErrAuthorityRejected},
		{http.StatusInternalServerError, iap.ErrAuthorityUnreachable},
		{http.StatusServiceUnavailable, iap.ErrAuthorityUnreachable},
	} {
		t.Run(fmt.Sprintf("%d", tc.code), func(t *testing.T) {
			v, fake := newTestVerifier(t)
			fake.codes["products/coins.100/tokens/token-1"] = tc.code

			_, err := v.VerifyReceipt(context.Background(), receiptFor(PurchaseData{
				ProductID:     "coins.100",
				PurchaseToken: "token-1",
			}), trustConfig())
			require.ErrorIs(t, err, tc.expected)
		})
	}
}

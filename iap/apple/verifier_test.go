package apple

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/code-payments/flipchat-entitlements/iap"
	"github.com/code-payments/flipchat-entitlements/iap/tests"
	"github.com/code-payments/flipchat-entitlements/model"
)

// fakeAppStore answers verifyReceipt requests for receipts registered with it.
// Unknown receipts get status 21002.
type fakeAppStore struct {
	sync.Mutex

	server      *httptest.Server
	environment string
	receipts    map[string][]*model.EntitlementFact
	statuses    map[string]int
	passwords   []string
	hits        int
}

func newFakeAppStore(t *testing.T, environment string) *fakeAppStore {
	f := &fakeAppStore{
		environment: environment,
		receipts:    make(map[string][]*model.EntitlementFact),
		statuses:    make(map[string]int),
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeAppStore) register(facts []*model.EntitlementFact) *model.RawReceipt {
	f.Lock()
	defer f.Unlock()

	data := fmt.Sprintf("receipt-%d", len(f.receipts)+len(f.statuses))
	f.receipts[data] = facts
	return model.NewRawReceipt([]byte(data), time.Now())
}

func (f *fakeAppStore) registerStatus(status int) *model.RawReceipt {
	f.Lock()
	defer f.Unlock()

	data := fmt.Sprintf("status-%d", status)
	f.statuses[data] = status
	return model.NewRawReceipt([]byte(data), time.Now())
}

func (f *fakeAppStore) handle(w http.ResponseWriter, r *http.Request) {
	f.Lock()
	defer f.Unlock()

	f.hits++

	var req receiptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, map[string]any{"status": 21000})
		return
	}
	f.passwords = append(f.passwords, req.Password)

	data, err := base64.StdEncoding.DecodeString(req.ReceiptData)
	if err != nil {
		writeJSON(w, map[string]any{"status": 21002})
		return
	}

	if status, ok := f.statuses[string(data)]; ok {
		writeJSON(w, map[string]any{"status": status})
		return
	}

	facts, ok := f.receipts[string(data)]
	if !ok {
		writeJSON(w, map[string]any{"status": 21002})
		return
	}

	var inApps []map[string]string
	for _, fact := range facts {
		item := map[string]string{
			"quantity":                strconv.Itoa(fact.Quantity),
			"product_id":              fact.ProductID,
			"transaction_id":          fact.TransactionID,
			"original_transaction_id": fact.OriginalTransactionID,
			"purchase_date_ms":        strconv.FormatInt(fact.PurchasedAt.UnixMilli(), 10),
		}
		if fact.ExpiresAt != nil {
			item["expires_date_ms"] = strconv.FormatInt(fact.ExpiresAt.UnixMilli(), 10)
		}
		inApps = append(inApps, item)
	}

	writeJSON(w, map[string]any{
		"status":      0,
		"environment": f.environment,
		"receipt": map[string]any{
			"bundle_id": tests.BundleID,
			"in_app":    inApps,
		},
		"latest_receipt_info": inApps,
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestAppleVerifier(t *testing.T) {
	store := newFakeAppStore(t, "Sandbox")

	verifier := NewAppleVerifier(
		zaptest.NewLogger(t),
		store.server.Client(),
		WithEndpoints(store.server.URL+"/production", store.server.URL+"/sandbox"),
	)

	validReceiptFunc := func(facts []*model.EntitlementFact) *model.RawReceipt {
		return store.register(facts)
	}

	// No-op teardown.
	teardown := func() {}

	tests.RunGenericVerifierTests(t, verifier, validReceiptFunc, teardown)

	store.Lock()
	defer store.Unlock()
	for _, password := range store.passwords {
		require.Equal(t, "shared-secret", password)
	}
}

func TestAppleVerifier_SandboxFallback(t *testing.T) {
	ctx := context.Background()

	var productionHits, sandboxHits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/production":
			productionHits++
			writeJSON(w, map[string]any{"status": statusSandboxReceipt})
		case "/sandbox":
			sandboxHits++
			writeJSON(w, map[string]any{
				"status":  0,
				"receipt": map[string]any{"bundle_id": tests.BundleID, "in_app": []any{}},
			})
		}
	}))
	defer server.Close()

	verifier := NewAppleVerifier(zaptest.NewLogger(t), server.Client(), WithEndpoints(server.URL+"/production", server.URL+"/sandbox"))

	facts, err := verifier.VerifyReceipt(ctx, model.NewRawReceipt([]byte("r"), time.Now()), iap.TrustConfig{
		Environment: iap.EnvironmentProduction,
		BundleID:    tests.BundleID,
	})
	require.NoError(t, err)
	require.Empty(t, facts)
	require.Equal(t, 1, productionHits)
	require.Equal(t, 1, sandboxHits)
}

func TestAppleVerifier_StatusMapping(t *testing.T) {
	ctx := context.Background()
	store := newFakeAppStore(t, "Production")
	verifier := NewAppleVerifier(zaptest.NewLogger(t), store.server.Client(), WithEndpoints(store.server.URL, store.server.URL))

	cfg := iap.TrustConfig{Environment: iap.EnvironmentSandbox}

	for _, tc := range []struct {
		status   int
		expected *iap.ValidationError
	}{
		{21000, iap.ErrMalformed},
		{21002, iap.ErrMalformed},
		{21003, iap.ErrAuthorityRejected},
		{21004, iap.ErrUnauthorized},
		{21005, iap.ErrAuthorityUnreachable},
		{21008, iap.ErrAuthorityRejected},
		{21010, iap.ErrAuthorityRejected},
		{21150, iap.ErrAuthorityUnreachable},
	} {
		t.Run(strconv.Itoa(tc.status), func(t *testing.T) {
			_, err := verifier.VerifyReceipt(ctx, store.registerStatus(tc.status), cfg)
			require.ErrorIs(t, err, tc.expected)

			var verr *iap.ValidationError
			require.ErrorAs(t, err, &verr)
			require.Equal(t, strconv.Itoa(tc.status), verr.Status)
		})
	}
}

func TestAppleVerifier_BundleMismatch(t *testing.T) {
	store := newFakeAppStore(t, "Sandbox")
	verifier := NewAppleVerifier(zaptest.NewLogger(t), store.server.Client(), WithEndpoints(store.server.URL, store.server.URL))

	_, err := verifier.VerifyReceipt(context.Background(), store.register(nil), iap.TrustConfig{
		Environment: iap.EnvironmentSandbox,
		BundleID:    "com.someone.else",
	})
	require.ErrorIs(t, err, iap.ErrAuthorityRejected)
}

func TestAppleVerifier_Unreachable(t *testing.T) {
	ctx := context.Background()
	cfg := iap.TrustConfig{Environment: iap.EnvironmentSandbox}
	receipt := model.NewRawReceipt([]byte("r"), time.Now())

	t.Run("ServerError", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer server.Close()

		verifier := NewAppleVerifier(zaptest.NewLogger(t), server.Client(), WithEndpoints(server.URL, server.URL))
		_, err := verifier.VerifyReceipt(ctx, receipt, cfg)
		require.ErrorIs(t, err, iap.ErrAuthorityUnreachable)
	})

	t.Run("ConnectionRefused", func(t *testing.T) {
		server := httptest.NewServer(http.NotFoundHandler())
		url := server.URL
		server.Close()

		verifier := NewAppleVerifier(zaptest.NewLogger(t), nil, WithEndpoints(url, url))
		_, err := verifier.VerifyReceipt(ctx, receipt, cfg)
		require.ErrorIs(t, err, iap.ErrAuthorityUnreachable)
	})
}

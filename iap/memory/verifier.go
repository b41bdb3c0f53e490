package memory

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/code-payments/flipchat-entitlements/iap"
	"github.com/code-payments/flipchat-entitlements/model"
)

// MemoryVerifier is an in-memory trust authority that checks an ed25519
// signature on the receipt. Receipts are produced by EncodeReceipt with the
// matching private key.
type MemoryVerifier struct {
	publicKey ed25519.PublicKey

	mu           sync.Mutex
	sharedSecret string
	hook         func(ctx context.Context) error
	failures     []error
	calls        int
}

// NewMemoryVerifier creates a new MemoryVerifier from a given public key.
func NewMemoryVerifier(pubKey ed25519.PublicKey) *MemoryVerifier {
	return &MemoryVerifier{publicKey: pubKey}
}

// RequireSharedSecret makes the verifier reject configs carrying a different
// shared secret with iap.ErrUnauthorized.
func (m *MemoryVerifier) RequireSharedSecret(secret string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sharedSecret = secret
}

// FailNext queues errors returned by the next calls, in order, before any
// receipt parsing happens.
func (m *MemoryVerifier) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.failures = append(m.failures, errs...)
}

// SetHook installs a function run at the start of every call. A non-nil
// error from the hook is returned as is.
func (m *MemoryVerifier) SetHook(hook func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.hook = hook
}

func (m *MemoryVerifier) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.calls
}

func (m *MemoryVerifier) VerifyReceipt(ctx context.Context, receipt *model.RawReceipt, cfg iap.TrustConfig) ([]*model.EntitlementFact, error) {
	m.mu.Lock()
	m.calls++
	hook := m.hook
	secret := m.sharedSecret
	var failure error
	if len(m.failures) > 0 {
		failure = m.failures[0]
		m.failures = m.failures[1:]
	}
	m.mu.Unlock()

	if hook != nil {
		if err := hook(ctx); err != nil {
			return nil, err
		}
	}
	if failure != nil {
		return nil, failure
	}

	if secret != "" && cfg.SharedSecret != secret {
		return nil, iap.NewValidationError(iap.ValidationErrorUnauthorized, fmt.Errorf("shared secret mismatch"))
	}

	signature, message, err := parseReceipt(receipt.Data)
	if err != nil {
		return nil, iap.NewValidationError(iap.ValidationErrorMalformed, err)
	}

	if !ed25519.Verify(m.publicKey, message, signature) {
		return nil, iap.NewValidationError(iap.ValidationErrorAuthorityRejected, fmt.Errorf("invalid signature"))
	}

	var payload receiptPayload
	if err := json.Unmarshal(message, &payload); err != nil {
		return nil, iap.NewValidationError(iap.ValidationErrorMalformed, err)
	}

	if cfg.BundleID != "" && payload.BundleID != cfg.BundleID {
		return nil, iap.NewValidationError(iap.ValidationErrorAuthorityRejected, fmt.Errorf("receipt issued for %q", payload.BundleID))
	}

	facts := make([]*model.EntitlementFact, 0, len(payload.Items))
	for _, item := range payload.Items {
		facts = append(facts, item.toFact())
	}
	return facts, nil
}

func GenerateKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// EncodeReceipt produces receipt data for the given purchase items, signed by
// owner. The format is base64(signature)|base64(payload).
func EncodeReceipt(owner ed25519.PrivateKey, bundleID string, facts []*model.EntitlementFact) []byte {
	payload := receiptPayload{BundleID: bundleID, Items: make([]receiptItem, 0, len(facts))}
	for _, f := range facts {
		payload.Items = append(payload.Items, toItem(f))
	}

	message, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("failed to marshal receipt payload: %v", err))
	}

	signature := ed25519.Sign(owner, message)
	return []byte(base64.StdEncoding.EncodeToString(signature) + "|" + base64.StdEncoding.EncodeToString(message))
}

func parseReceipt(data []byte) (signature []byte, message []byte, err error) {
	parts := strings.Split(string(data), "|")
	if len(parts) != 2 {
		return nil, nil, fmt.Errorf("invalid receipt format")
	}

	signature, err = base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, nil, fmt.Errorf("error decoding signature: %w", err)
	}

	message, err = base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, nil, fmt.Errorf("error decoding payload: %w", err)
	}

	return signature, message, nil
}

type receiptPayload struct {
	BundleID string        `json:"bundle_id"`
	Items    []receiptItem `json:"items"`
}

type receiptItem struct {
	ProductID             string `json:"product_id"`
	TransactionID         string `json:"transaction_id"`
	OriginalTransactionID string `json:"original_transaction_id,omitempty"`
	Quantity              int    `json:"quantity"`
	PurchaseDateMs        int64  `json:"purchase_date_ms"`
	ExpiresDateMs         *int64 `json:"expires_date_ms,omitempty"`
	CancellationDateMs    *int64 `json:"cancellation_date_ms,omitempty"`
}

func toItem(f *model.EntitlementFact) receiptItem {
	return receiptItem{
		ProductID:             f.ProductID,
		TransactionID:         f.TransactionID,
		OriginalTransactionID: f.OriginalTransactionID,
		Quantity:              f.Quantity,
		PurchaseDateMs:        f.PurchasedAt.UnixMilli(),
		ExpiresDateMs:         toMillis(f.ExpiresAt),
		CancellationDateMs:    toMillis(f.CancelledAt),
	}
}

func (i receiptItem) toFact() *model.EntitlementFact {
	raw, _ := json.Marshal(i)
	return &model.EntitlementFact{
		ProductID:             i.ProductID,
		TransactionID:         i.TransactionID,
		OriginalTransactionID: i.OriginalTransactionID,
		Quantity:              i.Quantity,
		PurchasedAt:           time.UnixMilli(i.PurchaseDateMs).UTC(),
		ExpiresAt:             fromMillis(i.ExpiresDateMs),
		CancelledAt:           fromMillis(i.CancellationDateMs),
		Raw:                   raw,
	}
}

func toMillis(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

func fromMillis(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(*ms).UTC()
	return &t
}

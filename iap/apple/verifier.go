package apple

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/code-payments/flipchat-entitlements/iap"
	"github.com/code-payments/flipchat-entitlements/model"
)

const (
	SandboxURL    = "https://sandbox.itunes.apple.com/verifyReceipt"
	ProductionURL = "https://buy.itunes.apple.com/verifyReceipt"

	statusOK                = 0
	statusSandboxReceipt    = 21007
	statusProductionReceipt = 21008
)

// AppleVerifier submits app receipts to the App Store verifyReceipt endpoint.
type AppleVerifier struct {
	log    *zap.Logger
	client *http.Client

	productionURL string
	sandboxURL    string

	excludeOldTransactions bool
}

type Option func(*AppleVerifier)

// WithEndpoints overrides the production and sandbox endpoints.
func WithEndpoints(production, sandbox string) Option {
	return func(v *AppleVerifier) {
		v.productionURL = production
		v.sandboxURL = sandbox
	}
}

func WithExcludeOldTransactions() Option {
	return func(v *AppleVerifier) {
		v.excludeOldTransactions = true
	}
}

func NewAppleVerifier(log *zap.Logger, client *http.Client, opts ...Option) *AppleVerifier {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	v := &AppleVerifier{
		log:           log,
		client:        client,
		productionURL: ProductionURL,
		sandboxURL:    SandboxURL,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func (v *AppleVerifier) VerifyReceipt(ctx context.Context, receipt *model.RawReceipt, cfg iap.TrustConfig) ([]*model.EntitlementFact, error) {
	req := receiptRequest{
		ReceiptData:            base64.StdEncoding.EncodeToString(receipt.Data),
		Password:               cfg.SharedSecret,
		ExcludeOldTransactions: v.excludeOldTransactions,
	}

	var resp *receiptResponse
	var err error
	if cfg.Environment == iap.EnvironmentSandbox {
		resp, err = v.post(ctx, v.sandboxURL, req)
	} else {
		resp, err = v.post(ctx, v.productionURL, req)

		// Recommended approach for App Review: sandbox receipts sent to
		// production are retried against the sandbox.
		if err == nil && resp.Status == statusSandboxReceipt {
			v.log.Debug("Sandbox receipt sent to production, retrying against sandbox")
			resp, err = v.post(ctx, v.sandboxURL, req)
		}
	}
	if err != nil {
		return nil, err
	}

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var content receiptContent
	if len(resp.Receipt) > 0 {
		if err := json.Unmarshal(resp.Receipt, &content); err != nil {
			return nil, iap.NewValidationError(iap.ValidationErrorMalformed, errors.Wrap(err, "failed to decode receipt"))
		}
	}

	if cfg.BundleID != "" && content.BundleID != cfg.BundleID {
		return nil, iap.NewValidationError(iap.ValidationErrorAuthorityRejected, fmt.Errorf("receipt issued for %q", content.BundleID))
	}

	items := content.InApp
	if len(resp.LatestReceiptInfo) > 0 {
		var latest []inApp
		if err := json.Unmarshal(resp.LatestReceiptInfo, &latest); err != nil {
			return nil, iap.NewValidationError(iap.ValidationErrorMalformed, errors.Wrap(err, "failed to decode latest receipt info"))
		}
		items = latest
	}

	facts := make([]*model.EntitlementFact, 0, len(items))
	for _, item := range items {
		fact, err := item.toFact()
		if err != nil {
			return nil, iap.NewValidationError(iap.ValidationErrorMalformed, err)
		}
		facts = append(facts, fact)
	}
	return facts, nil
}

func (v *AppleVerifier) post(ctx context.Context, url string, rreq receiptRequest) (*receiptResponse, error) {
	b := new(bytes.Buffer)
	if err := json.NewEncoder(b).Encode(rreq); err != nil {
		return nil, iap.NewValidationError(iap.ValidationErrorMalformed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, b)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, iap.NewValidationError(iap.ValidationErrorAuthorityUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, iap.NewValidationError(iap.ValidationErrorAuthorityUnreachable, fmt.Errorf("unexpected http status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, iap.NewValidationError(iap.ValidationErrorAuthorityRejected, fmt.Errorf("unexpected http status %d", resp.StatusCode))
	}

	var rresp receiptResponse
	if err := json.NewDecoder(resp.Body).Decode(&rresp); err != nil {
		return nil, iap.NewValidationError(iap.ValidationErrorAuthorityUnreachable, errors.Wrap(err, "failed to decode response"))
	}
	return &rresp, nil
}

var receiptErrors = map[int]string{
	21000: "The App Store could not read the JSON object you provided.",
	21002: "The data in the receipt-data property was malformed or missing.",
	21003: "The receipt could not be authenticated.",
	21004: "The shared secret you provided does not match the shared secret on file for your account.",
	21005: "The receipt server is not currently available.",
	21007: "This receipt is from the test environment, but it was sent to the production environment for verification.",
	21008: "This receipt is from the production environment, but it was sent to the test environment for verification.",
	21010: "This receipt could not be authorized. Treat this the same as if a purchase was never made.",
}

func checkStatus(rresp *receiptResponse) error {
	if rresp.Status == statusOK {
		return nil
	}

	msg, ok := receiptErrors[rresp.Status]
	if !ok {
		msg = "Internal data access error."
	}

	var kind iap.ValidationErrorKind
	switch {
	case rresp.Status == 21000 || rresp.Status == 21002:
		kind = iap.ValidationErrorMalformed
	case rresp.Status == 21004:
		kind = iap.ValidationErrorUnauthorized
	case rresp.Status == 21005, rresp.IsRetryable, rresp.Status >= 21100 && rresp.Status <= 21199:
		kind = iap.ValidationErrorAuthorityUnreachable
	default:
		// 21003, 21010, environment mismatches and anything unknown.
		kind = iap.ValidationErrorAuthorityRejected
	}

	return &iap.ValidationError{
		Kind:   kind,
		Status: strconv.Itoa(rresp.Status),
		Err:    errors.New(msg),
	}
}

type receiptRequest struct {
	ReceiptData            string `json:"receipt-data"`
	Password               string `json:"password,omitempty"`
	ExcludeOldTransactions bool   `json:"exclude-old-transactions,omitempty"`
}

type receiptResponse struct {
	Status            int             `json:"status"`
	Environment       string          `json:"environment"`
	IsRetryable       bool            `json:"is-retryable"`
	Receipt           json.RawMessage `json:"receipt"`
	LatestReceiptInfo json.RawMessage `json:"latest_receipt_info"`
}

type receiptContent struct {
	BundleID           string  `json:"bundle_id"`
	ApplicationVersion string  `json:"application_version"`
	InApp              []inApp `json:"in_app"`
}

type inApp struct {
	Quantity              string `json:"quantity"`
	ProductID             string `json:"product_id"`
	TransactionID         string `json:"transaction_id"`
	OriginalTransactionID string `json:"original_transaction_id"`
	PurchaseDateMs        string `json:"purchase_date_ms"`
	ExpiresDateMs         string `json:"expires_date_ms,omitempty"`
	CancellationDateMs    string `json:"cancellation_date_ms,omitempty"`

	raw json.RawMessage
}

func (i *inApp) UnmarshalJSON(data []byte) error {
	type plain inApp
	if err := json.Unmarshal(data, (*plain)(i)); err != nil {
		return err
	}
	i.raw = append(json.RawMessage(nil), data...)
	return nil
}

func (i inApp) toFact() (*model.EntitlementFact, error) {
	purchasedAt, err := parseMillis(i.PurchaseDateMs)
	if err != nil || purchasedAt == nil {
		return nil, fmt.Errorf("invalid purchase_date_ms %q for transaction %s", i.PurchaseDateMs, i.TransactionID)
	}
	expiresAt, err := parseMillis(i.ExpiresDateMs)
	if err != nil {
		return nil, fmt.Errorf("invalid expires_date_ms %q for transaction %s", i.ExpiresDateMs, i.TransactionID)
	}
	cancelledAt, err := parseMillis(i.CancellationDateMs)
	if err != nil {
		return nil, fmt.Errorf("invalid cancellation_date_ms %q for transaction %s", i.CancellationDateMs, i.TransactionID)
	}

	quantity := 1
	if i.Quantity != "" {
		quantity, err = strconv.Atoi(i.Quantity)
		if err != nil {
			return nil, fmt.Errorf("invalid quantity %q for transaction %s", i.Quantity, i.TransactionID)
		}
	}

	return &model.EntitlementFact{
		ProductID:             i.ProductID,
		TransactionID:         i.TransactionID,
		OriginalTransactionID: i.OriginalTransactionID,
		Quantity:              quantity,
		PurchasedAt:           *purchasedAt,
		ExpiresAt:             expiresAt,
		CancelledAt:           cancelledAt,
		Raw:                   i.raw,
	}, nil
}

func parseMillis(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, err
	}
	t := time.UnixMilli(ms).UTC()
	return &t, nil
}

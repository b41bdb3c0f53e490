package storefront

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/code-payments/flipchat-entitlements/model"
)

// Storefront is the platform store the engine purchases through. Methods
// block until the store answers or ctx is done.
type Storefront interface {
	// RequestProducts returns the information of the requested products that
	// are available. Unavailable products are omitted.
	RequestProducts(ctx context.Context, productIDs []string) ([]*ProductInfo, error)

	Purchase(ctx context.Context, product model.ProductRef, quantity int) (*PurchaseResult, error)

	// FinishTransaction tells the store the transaction was delivered. It is
	// safe to call more than once.
	FinishTransaction(ctx context.Context, transactionID string) error

	RestorePurchases(ctx context.Context) (*RestoreResult, error)

	// FetchReceipt returns the current receipt. When refresh is set the
	// store is asked for a fresh one first.
	FetchReceipt(ctx context.Context, refresh bool) (*model.RawReceipt, error)
}

type ProductInfo struct {
	Product     model.ProductRef
	Title       string
	Description string
	Price       decimal.Decimal
	Currency    string
}

// LocalizedPrice renders the price with the precision customary for money.
func (p *ProductInfo) LocalizedPrice() string {
	return p.Price.StringFixed(2) + " " + p.Currency
}

type PurchaseResult struct {
	TransactionID string
	ProductID     string
	Quantity      int
	PurchasedAt   time.Time

	// Receipt is the receipt as of the purchase. It may be nil, in which case
	// it has to be fetched.
	Receipt *model.RawReceipt

	NeedsFinishTransaction bool
}

type RestoredTransaction struct {
	TransactionID string
	ProductID     string

	NeedsFinishTransaction bool
}

type FailedRestore struct {
	ProductID string
	Err       error
}

type RestoreResult struct {
	Restored []*RestoredTransaction
	Failed   []*FailedRestore

	// Receipt is the receipt after the restore, if the store handed one out.
	Receipt *model.RawReceipt
}

func (r *RestoreResult) IsEmpty() bool {
	return r == nil || (len(r.Restored) == 0 && len(r.Failed) == 0)
}

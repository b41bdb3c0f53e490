package memory

import (
	"context"
	"crypto/ed25519"
	"sync"
	"time"

	iapmemory "github.com/code-payments/flipchat-entitlements/iap/memory"
	"github.com/code-payments/flipchat-entitlements/model"
	"github.com/code-payments/flipchat-entitlements/storefront"
)

const DefaultSubscriptionPeriod = 30 * 24 * time.Hour

// Storefront is a deterministic in-memory store. It signs receipts with its
// own key, so they are accepted by a memory verifier built from the matching
// public key.
type Storefront struct {
	mu sync.Mutex

	owner    ed25519.PrivateKey
	bundleID string
	now      func() time.Time

	products    map[string]*storefront.ProductInfo
	unavailable map[string]struct{}
	periods     map[string]time.Duration

	facts       []*model.EntitlementFact
	finishCalls map[string]int
	lastIssued  time.Time

	purchaseErrs  []error
	finishErrs    map[string]error
	restoreErr    error
	restoreFailed []*storefront.FailedRestore
	fetchErrs     []error
	fetchCalls    int
	purchaseHook  func(ctx context.Context, product model.ProductRef) error
}

func NewStorefront(owner ed25519.PrivateKey, bundleID string, now func() time.Time, products ...*storefront.ProductInfo) *Storefront {
	s := &Storefront{
		owner:       owner,
		bundleID:    bundleID,
		now:         now,
		products:    make(map[string]*storefront.ProductInfo),
		unavailable: make(map[string]struct{}),
		periods:     make(map[string]time.Duration),
		finishCalls: make(map[string]int),
		finishErrs:  make(map[string]error),
	}
	for _, p := range products {
		copied := *p
		s.products[p.Product.ID] = &copied
	}
	return s
}

// SetUnavailable hides a product from RequestProducts.
func (s *Storefront) SetUnavailable(productID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable[productID] = struct{}{}
}

func (s *Storefront) SetSubscriptionPeriod(productID string, period time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.periods[productID] = period
}

// FailNextPurchase makes the next purchases fail with errs, in order.
func (s *Storefront) FailNextPurchase(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purchaseErrs = append(s.purchaseErrs, errs...)
}

// SetPurchaseHook installs a function run before every purchase completes.
// A non-nil error fails the purchase with it.
func (s *Storefront) SetPurchaseHook(hook func(ctx context.Context, product model.ProductRef) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purchaseHook = hook
}

func (s *Storefront) FailFinish(transactionID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.finishErrs, transactionID)
		return
	}
	s.finishErrs[transactionID] = err
}

func (s *Storefront) FailRestore(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restoreErr = err
}

// AddRestoreFailure reports productID as failed on every subsequent restore.
func (s *Storefront) AddRestoreFailure(productID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restoreFailed = append(s.restoreFailed, &storefront.FailedRestore{ProductID: productID, Err: err})
}

func (s *Storefront) FailNextFetch(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchErrs = append(s.fetchErrs, errs...)
}

// AddFact records a purchase made outside of Purchase, such as a renewal or
// a purchase on another device.
func (s *Storefront) AddFact(fact *model.EntitlementFact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.facts = append(s.facts, fact.Clone())
}

// Cancel marks every purchase of transactionID as cancelled at the given time.
func (s *Storefront) Cancel(transactionID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.facts {
		if f.TransactionID == transactionID {
			f.CancelledAt = model.TimePtr(at)
		}
	}
}

func (s *Storefront) FinishCalls(transactionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishCalls[transactionID]
}

func (s *Storefront) TotalFinishCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int
	for _, n := range s.finishCalls {
		total += n
	}
	return total
}

func (s *Storefront) FetchCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetchCalls
}

func (s *Storefront) Receipt() *model.RawReceipt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.receiptLocked()
}

func (s *Storefront) RequestProducts(_ context.Context, productIDs []string) ([]*storefront.ProductInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var infos []*storefront.ProductInfo
	for _, id := range productIDs {
		if _, ok := s.unavailable[id]; ok {
			continue
		}
		info, ok := s.products[id]
		if !ok {
			continue
		}
		copied := *info
		infos = append(infos, &copied)
	}
	return infos, nil
}

func (s *Storefront) Purchase(ctx context.Context, product model.ProductRef, quantity int) (*storefront.PurchaseResult, error) {
	s.mu.Lock()
	hook := s.purchaseHook
	var failure error
	if len(s.purchaseErrs) > 0 {
		failure = s.purchaseErrs[0]
		s.purchaseErrs = s.purchaseErrs[1:]
	}
	s.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, product); err != nil {
			return nil, err
		}
	}
	if failure != nil {
		return nil, failure
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.unavailable[product.ID]; ok {
		return nil, storefront.NewError(storefront.ErrorProductUnavailable, nil)
	}
	if _, ok := s.products[product.ID]; !ok {
		return nil, storefront.NewError(storefront.ErrorPaymentInvalid, nil)
	}

	now := s.now()
	fact := &model.EntitlementFact{
		ProductID:     product.ID,
		TransactionID: model.MustGenerateTransactionID(),
		Quantity:      quantity,
		PurchasedAt:   now,
	}
	fact.OriginalTransactionID = fact.TransactionID

	if product.Kind == model.ProductKindAutoRenewableSubscription {
		period, ok := s.periods[product.ID]
		if !ok {
			period = DefaultSubscriptionPeriod
		}
		fact.ExpiresAt = model.TimePtr(now.Add(period))
	}
	s.facts = append(s.facts, fact)

	return &storefront.PurchaseResult{
		TransactionID:          fact.TransactionID,
		ProductID:              product.ID,
		Quantity:               quantity,
		PurchasedAt:            now,
		Receipt:                s.receiptLocked(),
		NeedsFinishTransaction: true,
	}, nil
}

func (s *Storefront) FinishTransaction(_ context.Context, transactionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.finishErrs[transactionID]; err != nil {
		return err
	}
	s.finishCalls[transactionID]++
	return nil
}

func (s *Storefront) RestorePurchases(_ context.Context) (*storefront.RestoreResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.restoreErr != nil {
		return nil, s.restoreErr
	}

	result := &storefront.RestoreResult{}
	for _, f := range s.facts {
		if f.CancelledAt != nil {
			continue
		}
		result.Restored = append(result.Restored, &storefront.RestoredTransaction{
			TransactionID:          f.TransactionID,
			ProductID:              f.ProductID,
			NeedsFinishTransaction: true,
		})
	}
	for _, failed := range s.restoreFailed {
		copied := *failed
		result.Failed = append(result.Failed, &copied)
	}
	if len(s.facts) > 0 {
		result.Receipt = s.receiptLocked()
	}
	return result, nil
}

func (s *Storefront) FetchReceipt(_ context.Context, _ bool) (*model.RawReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fetchCalls++
	if len(s.fetchErrs) > 0 {
		err := s.fetchErrs[0]
		s.fetchErrs = s.fetchErrs[1:]
		return nil, err
	}
	return s.receiptLocked(), nil
}

// receiptLocked issues a receipt for every fact so far. Issue times strictly
// increase, like those of a real store, even when the clock stands still.
func (s *Storefront) receiptLocked() *model.RawReceipt {
	issuedAt := s.now()
	if !issuedAt.After(s.lastIssued) {
		issuedAt = s.lastIssued.Add(time.Millisecond)
	}
	s.lastIssued = issuedAt

	return model.NewRawReceipt(iapmemory.EncodeReceipt(s.owner, s.bundleID, s.facts), issuedAt)
}

package restore

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/code-payments/flipchat-entitlements/entitlement"
	"github.com/code-payments/flipchat-entitlements/model"
	"github.com/code-payments/flipchat-entitlements/storefront"
)

const DefaultConcurrency = 4

type OutcomeKind uint8

const (
	OutcomeNothingToRestore OutcomeKind = iota
	OutcomePartialFailure
	OutcomeSuccess
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomePartialFailure:
		return "partial_failure"
	case OutcomeSuccess:
		return "success"
	default:
		return "nothing_to_restore"
	}
}

// Outcome is the aggregated result of a restore. Restored is only populated
// for OutcomeSuccess and Failed only for OutcomePartialFailure. Products the
// catalog does not know are left out of both lists, so every ref is valid.
type Outcome struct {
	Kind     OutcomeKind
	Restored []model.ProductRef
	Failed   []model.ProductRef
}

type Option func(*Coordinator)

// WithConcurrency bounds how many transactions are finalized at once.
func WithConcurrency(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

type Coordinator struct {
	log         *zap.Logger
	storefront  storefront.Storefront
	manager     *entitlement.Manager
	concurrency int
}

func NewCoordinator(log *zap.Logger, sf storefront.Storefront, manager *entitlement.Manager, opts ...Option) *Coordinator {
	c := &Coordinator{
		log:         log,
		storefront:  sf,
		manager:     manager,
		concurrency: DefaultConcurrency,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// RestoreAll restores every previous purchase known to the storefront. The
// restored receipt is validated and committed once, then every restored
// transaction is finalized exactly once.
//
// Storefront and validation errors are returned as is, in which case nothing
// was committed or finalized.
func (c *Coordinator) RestoreAll(ctx context.Context) (*Outcome, error) {
	result, err := c.storefront.RestorePurchases(ctx)
	if err != nil {
		c.log.Warn("Failed to restore purchases", zap.Error(err))
		return nil, err
	}

	if result.IsEmpty() {
		c.log.Debug("Nothing to restore")
		return &Outcome{Kind: OutcomeNothingToRestore}, nil
	}

	failed := make(map[string]struct{})
	for _, f := range result.Failed {
		c.log.Debug("Product failed to restore", zap.String("product_id", f.ProductID), zap.Error(f.Err))
		failed[f.ProductID] = struct{}{}
	}

	seen := make(map[string]struct{})
	var transactions []*storefront.RestoredTransaction
	for _, tx := range result.Restored {
		if _, ok := seen[tx.TransactionID]; ok {
			continue
		}
		seen[tx.TransactionID] = struct{}{}
		transactions = append(transactions, tx)
	}

	restored := make(map[string]struct{})
	if len(transactions) > 0 {
		receipt := result.Receipt
		if receipt.IsEmpty() {
			receipt, err = c.storefront.FetchReceipt(ctx, false)
			if err != nil {
				c.log.Warn("Failed to fetch receipt", zap.Error(err))
				return nil, err
			}
		}

		log := c.log.With(zap.String("receipt_id", receipt.ID()))

		facts, err := c.manager.Validate(ctx, receipt)
		if err != nil {
			log.Warn("Restored receipt failed validation", zap.Error(err))
			return nil, err
		}

		if _, err := c.manager.Commit(ctx, receipt, facts); err != nil {
			return nil, err
		}

		for productID := range c.finalize(ctx, transactions) {
			failed[productID] = struct{}{}
		}

		for _, tx := range transactions {
			if _, ok := failed[tx.ProductID]; !ok {
				restored[tx.ProductID] = struct{}{}
			}
		}
	}

	if len(failed) > 0 {
		return &Outcome{Kind: OutcomePartialFailure, Failed: c.refs(failed)}, nil
	}
	return &Outcome{Kind: OutcomeSuccess, Restored: c.refs(restored)}, nil
}

// finalize finalizes transactions concurrently and returns the products of
// those that failed.
func (c *Coordinator) finalize(ctx context.Context, transactions []*storefront.RestoredTransaction) map[string]struct{} {
	var mu sync.Mutex
	failed := make(map[string]struct{})

	var g errgroup.Group
	g.SetLimit(c.concurrency)

	for _, tx := range transactions {
		tx := tx
		g.Go(func() error {
			var finisher entitlement.Finisher
			if tx.NeedsFinishTransaction {
				finisher = c.storefront
			}

			if _, err := c.manager.Finalize(ctx, finisher, tx.TransactionID); err != nil {
				c.log.Warn("Failed to finalize restored transaction",
					zap.String("product_id", tx.ProductID),
					zap.String("transaction_id", tx.TransactionID),
					zap.Error(err),
				)

				mu.Lock()
				failed[tx.ProductID] = struct{}{}
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return failed
}

func (c *Coordinator) refs(products map[string]struct{}) []model.ProductRef {
	refs := make([]model.ProductRef, 0, len(products))
	for id := range products {
		entry, err := c.manager.Catalog().Lookup(id)
		if err != nil {
			c.log.Warn("Dropping restored product missing from the catalog", zap.String("product_id", id))
			continue
		}
		refs = append(refs, entry.Product)
	}

	sort.Slice(refs, func(i, j int) bool {
		return refs[i].ID < refs[j].ID
	})
	return refs
}

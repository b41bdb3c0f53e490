package entitlement

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/code-payments/flipchat-entitlements/event"
	"github.com/code-payments/flipchat-entitlements/iap"
	"github.com/code-payments/flipchat-entitlements/model"
)

// Finisher tells the storefront a transaction has been delivered.
type Finisher interface {
	FinishTransaction(ctx context.Context, transactionID string) error
}

// ChangeHandler is notified with the new state whenever a product's
// entitlement changes. The key is the product id.
type ChangeHandler = event.Handler[string, *model.EntitlementState]

type ManagerOption func(*Manager)

func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// Manager runs receipts through validation and resolution, and keeps the
// receipt store and change notifications consistent with the result.
//
// Writes to the receipt store go through the manager one at a time, and
// changes are published in the order they were written.
type Manager struct {
	log       *zap.Logger
	validator *iap.Validator
	resolver  *Resolver
	catalog   *Catalog
	receipts  iap.Store
	trust     iap.TrustConfig
	now       func() time.Time

	mu        sync.Mutex
	publishMu sync.Mutex
	bus       *event.Bus[string, *model.EntitlementState]
}

func NewManager(
	log *zap.Logger,
	validator *iap.Validator,
	resolver *Resolver,
	catalog *Catalog,
	receipts iap.Store,
	trust iap.TrustConfig,
	opts ...ManagerOption,
) *Manager {
	m := &Manager{
		log:       log,
		validator: validator,
		resolver:  resolver,
		catalog:   catalog,
		receipts:  receipts,
		trust:     trust,
		now:       time.Now,
		bus:       event.NewBus[string, *model.EntitlementState](),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Resolution is the outcome of committing a receipt.
type Resolution struct {
	States []*model.EntitlementState

	// Errors holds products that could not be resolved, keyed by product id.
	Errors map[string]error

	// Stale is set when a newer receipt was already committed. States then
	// come from the stored receipt and nothing was written.
	Stale bool
}

func (r *Resolution) State(productID string) (*model.EntitlementState, bool) {
	for _, s := range r.States {
		if s.Product.ID == productID {
			return s, true
		}
	}
	return nil, false
}

func (m *Manager) Trust() iap.TrustConfig {
	return m.trust
}

func (m *Manager) Catalog() *Catalog {
	return m.catalog
}

func (m *Manager) Now() time.Time {
	return m.now()
}

func (m *Manager) OnChange(h ChangeHandler) (remove func()) {
	return m.bus.AddHandler(h)
}

func (m *Manager) Validate(ctx context.Context, receipt *model.RawReceipt) ([]*model.EntitlementFact, error) {
	return m.validator.Validate(ctx, receipt, m.trust)
}

func (m *Manager) ValidateWithRetry(ctx context.Context, receipt *model.RawReceipt, b backoff.BackOff) ([]*model.EntitlementFact, error) {
	return m.validator.ValidateWithRetry(ctx, receipt, m.trust, b)
}

// Commit resolves every catalog product against facts, atomically replaces
// the stored receipt and states, and publishes the states that changed.
//
// A receipt retrieved before the stored one is not committed. The returned
// resolution is then marked Stale and carries the stored states instead.
func (m *Manager) Commit(ctx context.Context, receipt *model.RawReceipt, facts []*model.EntitlementFact) (*Resolution, error) {
	log := m.log.With(zap.String("receipt_id", receipt.ID()))

	m.mu.Lock()
	locked := true
	defer func() {
		if locked {
			m.mu.Unlock()
		}
	}()

	now := m.now()
	states, errs := m.resolver.ResolveAll(m.catalog, facts, now)
	for productID, err := range errs {
		log.Warn("Failed to resolve product", zap.String("product_id", productID), zap.Error(err))
	}

	stored, err := m.receipts.GetReceipt(ctx)
	if err != nil && !errors.Is(err, iap.ErrNotFound) {
		log.Warn("Failed to load stored receipt", zap.Error(err))
		return nil, err
	}
	if stored != nil && stored.RetrievedAt.After(receipt.RetrievedAt) {
		log.Warn("Not committing receipt older than the stored one",
			zap.String("stored_receipt_id", stored.ID()),
			zap.Time("stored_retrieved_at", stored.RetrievedAt),
			zap.Time("retrieved_at", receipt.RetrievedAt),
		)

		current, err := m.storedStates(ctx, now)
		if err != nil {
			return nil, err
		}
		return &Resolution{States: current, Errors: errs, Stale: true}, nil
	}

	previous := make(map[string]*model.EntitlementState)
	cached, err := m.receipts.GetEntitlements(ctx)
	if err != nil {
		log.Warn("Failed to load previous entitlements, notifying all", zap.Error(err))
	}
	for _, s := range cached {
		previous[s.Product.ID] = s
	}

	if err := m.receipts.ReplaceReceipt(ctx, receipt, states); err != nil {
		log.Warn("Failed to replace receipt", zap.Error(err))
		return nil, err
	}

	var changed []*model.EntitlementState
	for _, s := range states {
		if s.Equivalent(previous[s.Product.ID]) {
			continue
		}
		log.Debug("Entitlement changed", zap.Stringer("state", s))
		changed = append(changed, s.Clone())
	}

	locked = false
	m.publish(changed)

	return &Resolution{
		States: model.CloneStates(states),
		Errors: errs,
	}, nil
}

// storedStates returns the stored state of every catalog product evaluated
// at now. The caller must hold mu.
func (m *Manager) storedStates(ctx context.Context, now time.Time) ([]*model.EntitlementState, error) {
	cached, err := m.receipts.GetEntitlements(ctx)
	if err != nil {
		return nil, err
	}

	byProduct := make(map[string]*model.EntitlementState, len(cached))
	for _, s := range cached {
		byProduct[s.Product.ID] = s
	}

	states := make([]*model.EntitlementState, 0, len(m.catalog.IDs()))
	for _, product := range m.catalog.Products() {
		s, ok := byProduct[product.ID]
		if !ok {
			states = append(states, model.NotPurchased(product, now))
			continue
		}
		states = append(states, m.resolver.Reevaluate(s, now))
	}
	return states, nil
}

// publish releases mu and notifies handlers of changed states. Holding
// publishMu across the hand-off keeps notifications in write order.
func (m *Manager) publish(changed []*model.EntitlementState) {
	m.publishMu.Lock()
	m.mu.Unlock()
	defer m.publishMu.Unlock()

	for _, s := range changed {
		m.bus.OnEvent(s.Product.ID, s)
	}
}

// Check returns the cached state of a product re-evaluated against the
// current time. Products without a cached state are NotPurchased. A status
// change is written back before the lock is released, so a concurrent commit
// is never overwritten with an older evaluation.
func (m *Manager) Check(ctx context.Context, productID string) (*model.EntitlementState, error) {
	entry, err := m.catalog.Lookup(productID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	locked := true
	defer func() {
		if locked {
			m.mu.Unlock()
		}
	}()

	now := m.now()

	cached, err := m.receipts.GetEntitlement(ctx, productID)
	if errors.Is(err, iap.ErrNotFound) {
		return model.NotPurchased(entry.Product, now), nil
	} else if err != nil {
		return nil, err
	}

	updated := m.resolver.Reevaluate(cached, now)
	if updated.Status == cached.Status {
		return updated, nil
	}

	if err := m.receipts.PutEntitlement(ctx, updated); err != nil {
		return nil, err
	}

	m.log.Debug("Entitlement changed", zap.String("product_id", productID), zap.Stringer("state", updated))

	locked = false
	m.publish([]*model.EntitlementState{updated.Clone()})

	return updated, nil
}

// Finalize finishes a transaction with the storefront exactly once. It
// reports whether this call finalized it. finisher may be nil when the
// storefront has nothing to finish, in which case the transaction is only
// recorded.
func (m *Manager) Finalize(ctx context.Context, finisher Finisher, transactionID string) (bool, error) {
	log := m.log.With(zap.String("transaction_id", transactionID))

	isFinalized, err := m.receipts.IsFinalized(ctx, transactionID)
	if err != nil {
		return false, err
	}
	if isFinalized {
		log.Debug("Transaction already finalized")
		return false, nil
	}

	if finisher != nil {
		if err := finisher.FinishTransaction(ctx, transactionID); err != nil {
			log.Warn("Failed to finish transaction", zap.Error(err))
			return false, err
		}
	}

	err = m.receipts.MarkFinalized(ctx, transactionID)
	if errors.Is(err, iap.ErrAlreadyFinalized) {
		return false, nil
	} else if err != nil {
		return false, err
	}

	log.Debug("Transaction finalized")
	return true, nil
}

func (m *Manager) IsFinalized(ctx context.Context, transactionID string) (bool, error) {
	return m.receipts.IsFinalized(ctx, transactionID)
}

func (m *Manager) Receipt(ctx context.Context) (*model.RawReceipt, error) {
	return m.receipts.GetReceipt(ctx)
}

func (m *Manager) States(ctx context.Context) ([]*model.EntitlementState, error) {
	return m.receipts.GetEntitlements(ctx)
}

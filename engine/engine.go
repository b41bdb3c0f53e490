package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/code-payments/flipchat-entitlements/entitlement"
	"github.com/code-payments/flipchat-entitlements/event"
	"github.com/code-payments/flipchat-entitlements/iap"
	"github.com/code-payments/flipchat-entitlements/model"
	"github.com/code-payments/flipchat-entitlements/purchase"
	"github.com/code-payments/flipchat-entitlements/restore"
	"github.com/code-payments/flipchat-entitlements/storefront"
)

const (
	defaultStreamBuffer  = 16
	defaultNotifyTimeout = time.Second
)

var (
	ErrNotLoaded = errors.New("entitlements have not been loaded")
)

type Option func(*options)

type options struct {
	now                func() time.Time
	gracePeriod        time.Duration
	restoreConcurrency int
	streamBuffer       int
	notifyTimeout      time.Duration
}

func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func WithGracePeriod(d time.Duration) Option {
	return func(o *options) {
		o.gracePeriod = d
	}
}

func WithRestoreConcurrency(n int) Option {
	return func(o *options) {
		o.restoreConcurrency = n
	}
}

// WithStreamBuffer sets how many purchase updates are buffered for a caller
// that is slow to read them, and how long a full buffer is waited on before
// the stream is dropped.
func WithStreamBuffer(size int, timeout time.Duration) Option {
	return func(o *options) {
		o.streamBuffer = size
		o.notifyTimeout = timeout
	}
}

// Engine is the entry point for hosts. It owns the purchase and restore
// coordinators and answers entitlement queries from the receipt store.
type Engine struct {
	log        *zap.Logger
	catalog    *entitlement.Catalog
	storefront storefront.Storefront
	manager    *entitlement.Manager
	purchases  *purchase.Coordinator
	restores   *restore.Coordinator

	streamBuffer  int
	notifyTimeout time.Duration

	loaded  atomic.Bool
	refresh singleflight.Group
}

func New(
	log *zap.Logger,
	catalog *entitlement.Catalog,
	sf storefront.Storefront,
	verifier iap.Verifier,
	store iap.Store,
	trust iap.TrustConfig,
	opts ...Option,
) *Engine {
	o := &options{
		now:                time.Now,
		restoreConcurrency: restore.DefaultConcurrency,
		streamBuffer:       defaultStreamBuffer,
		notifyTimeout:      defaultNotifyTimeout,
	}
	for _, apply := range opts {
		apply(o)
	}

	manager := entitlement.NewManager(
		log.With(zap.String("component", "entitlements")),
		iap.NewValidator(log.With(zap.String("component", "validator")), verifier),
		entitlement.NewResolver(entitlement.WithGracePeriod(o.gracePeriod)),
		catalog,
		store,
		trust,
		entitlement.WithClock(o.now),
	)

	return &Engine{
		log:           log,
		catalog:       catalog,
		storefront:    sf,
		manager:       manager,
		purchases:     purchase.NewCoordinator(log.With(zap.String("component", "purchase")), sf, manager),
		restores:      restore.NewCoordinator(log.With(zap.String("component", "restore")), sf, manager, restore.WithConcurrency(o.restoreConcurrency)),
		streamBuffer:  o.streamBuffer,
		notifyTimeout: o.notifyTimeout,
	}
}

// Load reads the persisted entitlements and applies the time that passed
// since they were stored. It must be called before CheckEntitlement.
func (e *Engine) Load(ctx context.Context) error {
	_, err := e.manager.Receipt(ctx)
	if err != nil && !errors.Is(err, iap.ErrNotFound) {
		return err
	}
	hasReceipt := err == nil

	states, err := e.manager.States(ctx)
	if err != nil {
		return err
	}

	for _, s := range states {
		if _, err := e.catalog.Lookup(s.Product.ID); err != nil {
			continue
		}
		if _, err := e.manager.Check(ctx, s.Product.ID); err != nil {
			return err
		}
	}

	e.loaded.Store(true)
	e.log.Debug("Entitlements loaded", zap.Bool("has_receipt", hasReceipt), zap.Int("states", len(states)))
	return nil
}

// Purchase starts a purchase of productID and streams every transition of
// the attempt. The channel is closed once the attempt finished or was
// suspended waiting for a retry. Reservation errors such as
// purchase.ErrAlreadyInProgress are returned before anything is streamed.
func (e *Engine) Purchase(ctx context.Context, productID, requestID string) (<-chan *purchase.Attempt, error) {
	a, err := e.purchases.Begin(productID, requestID)
	if err != nil {
		return nil, err
	}

	return e.stream(a, func() (*purchase.Attempt, error) {
		return e.purchases.Run(ctx, a.RequestID)
	}), nil
}

// RetryPurchase retries validation of a suspended attempt and streams its
// transitions like Purchase.
func (e *Engine) RetryPurchase(ctx context.Context, requestID string) (<-chan *purchase.Attempt, error) {
	a, err := e.purchases.Get(requestID)
	if err != nil {
		return nil, err
	}
	if !a.Retryable() {
		return nil, purchase.ErrNotRetryable
	}

	return e.stream(a, func() (*purchase.Attempt, error) {
		return e.purchases.RetryValidation(ctx, requestID)
	}), nil
}

func (e *Engine) AbandonPurchase(requestID string) (*purchase.Attempt, error) {
	return e.purchases.Abandon(requestID)
}

func (e *Engine) AcknowledgePurchase(requestID string) error {
	return e.purchases.Acknowledge(requestID)
}

func (e *Engine) PurchaseStatus(requestID string) (*purchase.Attempt, error) {
	return e.purchases.Get(requestID)
}

func (e *Engine) ActivePurchases() []*purchase.Attempt {
	return e.purchases.Active()
}

func (e *Engine) stream(initial *purchase.Attempt, run func() (*purchase.Attempt, error)) <-chan *purchase.Attempt {
	requestID := initial.RequestID
	log := e.log.With(zap.String("request_id", requestID))

	stream := event.NewChannelStream[*purchase.Attempt, *purchase.Attempt](requestID, e.streamBuffer, func(a *purchase.Attempt) (*purchase.Attempt, bool) {
		return a, true
	})
	if err := stream.Notify(initial, e.notifyTimeout); err != nil {
		log.Warn("Failed to notify purchase stream", zap.Error(err))
	}

	remove := e.purchases.AddHandler(event.HandlerFunc[string, *purchase.Attempt](func(key string, a *purchase.Attempt) {
		if key != requestID || a.State == purchase.StatePending {
			return
		}
		if err := stream.Notify(a, e.notifyTimeout); err != nil {
			log.Warn("Failed to notify purchase stream", zap.Error(err))
		}
	}))

	go func() {
		defer stream.Close()
		defer remove()

		if _, err := run(); err != nil {
			log.Warn("Purchase attempt could not be run", zap.Error(err))
		}
	}()

	return stream.Channel()
}

// CheckEntitlement returns the current entitlement of productID. With
// refresh set, a fresh receipt is fetched and validated first; concurrent
// refreshes share a single validation.
func (e *Engine) CheckEntitlement(ctx context.Context, productID string, refresh bool) (*model.EntitlementState, error) {
	if !e.loaded.Load() {
		return nil, ErrNotLoaded
	}
	if _, err := e.catalog.Lookup(productID); err != nil {
		return nil, err
	}

	if refresh {
		_, err, shared := e.refresh.Do("refresh", func() (any, error) {
			return nil, e.refreshReceipt(ctx)
		})
		if err != nil {
			return nil, err
		}
		if shared {
			e.log.Debug("Joined in-flight receipt refresh", zap.String("product_id", productID))
		}
	}

	return e.manager.Check(ctx, productID)
}

// Entitlements returns the current entitlement of every catalog product.
func (e *Engine) Entitlements(ctx context.Context) ([]*model.EntitlementState, error) {
	if !e.loaded.Load() {
		return nil, ErrNotLoaded
	}

	states := make([]*model.EntitlementState, 0, len(e.catalog.IDs()))
	for _, id := range e.catalog.IDs() {
		state, err := e.manager.Check(ctx, id)
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, nil
}

func (e *Engine) refreshReceipt(ctx context.Context) error {
	receipt, err := e.storefront.FetchReceipt(ctx, true)
	if err != nil {
		e.log.Warn("Failed to fetch receipt", zap.Error(err))
		return err
	}

	facts, err := e.manager.Validate(ctx, receipt)
	if err != nil {
		e.log.Warn("Receipt failed validation", zap.Error(err))
		return err
	}

	_, err = e.manager.Commit(ctx, receipt, facts)
	return err
}

func (e *Engine) Restore(ctx context.Context) (*restore.Outcome, error) {
	return e.restores.RestoreAll(ctx)
}

// Products returns the storefront information of the catalog products that
// are currently available.
func (e *Engine) Products(ctx context.Context) ([]*storefront.ProductInfo, error) {
	return e.storefront.RequestProducts(ctx, e.catalog.IDs())
}

func (e *Engine) OnEntitlementChange(handler func(state *model.EntitlementState)) (remove func()) {
	return e.manager.OnChange(event.HandlerFunc[string, *model.EntitlementState](func(_ string, s *model.EntitlementState) {
		handler(s)
	}))
}

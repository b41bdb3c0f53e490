package purchase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/code-payments/flipchat-entitlements/entitlement"
	"github.com/code-payments/flipchat-entitlements/event"
	"github.com/code-payments/flipchat-entitlements/iap"
	"github.com/code-payments/flipchat-entitlements/model"
	"github.com/code-payments/flipchat-entitlements/storefront"
)

var (
	ErrUnknownProduct    = entitlement.ErrUnknownProduct
	ErrAlreadyInProgress = errors.New("a purchase of this product is already in progress")
	ErrRequestExists     = errors.New("request id is already in use")
	ErrNotFound          = errors.New("purchase attempt not found")
	ErrInvalidState      = errors.New("purchase attempt is not in a valid state for this operation")
	ErrNotRetryable      = errors.New("purchase attempt is not retryable")
	ErrNotTerminal       = errors.New("purchase attempt has not finished")
	ErrAbandoned         = errors.New("validation abandoned")
)

// AttemptHandler is notified of every attempt transition. The key is the
// request id.
type AttemptHandler = event.Handler[string, *Attempt]

// Coordinator drives purchase attempts from the storefront purchase through
// validation to finalization. At most one attempt per product is active at a
// time; attempts for different products proceed independently.
type Coordinator struct {
	log        *zap.Logger
	storefront storefront.Storefront
	manager    *entitlement.Manager

	mu       sync.Mutex
	attempts map[string]*Attempt
	active   map[string]string // product id -> request id

	// publishMu keeps transitions of an attempt published in the order they
	// were applied.
	publishMu sync.Mutex
	bus       *event.Bus[string, *Attempt]
}

func NewCoordinator(log *zap.Logger, sf storefront.Storefront, manager *entitlement.Manager) *Coordinator {
	return &Coordinator{
		log:        log,
		storefront: sf,
		manager:    manager,
		attempts:   make(map[string]*Attempt),
		active:     make(map[string]string),
		bus:        event.NewBus[string, *Attempt](),
	}
}

func (c *Coordinator) AddHandler(h AttemptHandler) (remove func()) {
	return c.bus.AddHandler(h)
}

// Begin reserves productID for a new attempt. It never contacts the store. An
// empty requestID is replaced by a generated one.
func (c *Coordinator) Begin(productID, requestID string) (*Attempt, error) {
	entry, err := c.manager.Catalog().Lookup(productID)
	if err != nil {
		return nil, err
	}

	if requestID == "" {
		requestID, err = model.GenerateRequestID()
		if err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	if _, ok := c.attempts[requestID]; ok {
		c.mu.Unlock()
		return nil, ErrRequestExists
	}
	if _, ok := c.active[productID]; ok {
		c.mu.Unlock()
		return nil, ErrAlreadyInProgress
	}

	now := c.manager.Now()
	a := &Attempt{
		RequestID: requestID,
		Product:   entry.Product,
		State:     StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	c.attempts[requestID] = a
	c.active[productID] = requestID

	snapshot := a.clone()
	c.publishMu.Lock()
	c.mu.Unlock()
	c.bus.OnEvent(requestID, snapshot)
	c.publishMu.Unlock()

	c.log.Debug("Purchase attempt started",
		zap.String("request_id", requestID),
		zap.String("product_id", productID),
	)
	return snapshot.clone(), nil
}

// Initiate is Begin followed by Run.
func (c *Coordinator) Initiate(ctx context.Context, productID, requestID string) (*Attempt, error) {
	a, err := c.Begin(productID, requestID)
	if err != nil {
		return nil, err
	}
	return c.Run(ctx, a.RequestID)
}

// Run purchases the product of a pending attempt and takes it as far as it
// can go. Failures of the purchase itself are reported on the returned
// attempt; the error is only set when the attempt could not be run at all.
func (c *Coordinator) Run(ctx context.Context, requestID string) (*Attempt, error) {
	c.mu.Lock()
	a, ok := c.attempts[requestID]
	if !ok {
		c.mu.Unlock()
		return nil, ErrNotFound
	}
	if a.State != StatePending {
		c.mu.Unlock()
		return nil, ErrInvalidState
	}
	product := a.Product
	gen := a.generation
	c.mu.Unlock()

	log := c.log.With(
		zap.String("request_id", requestID),
		zap.String("product_id", product.ID),
	)

	entry, err := c.manager.Catalog().Lookup(product.ID)
	if err != nil {
		return c.fail(requestID, gen, &Failure{Reason: FailureConfigurationError, Err: err}), nil
	}
	if product.Kind == model.ProductKindNonRenewingSubscription && entry.Duration == nil {
		log.Warn("Non-renewing product has no duration configured")
		return c.fail(requestID, gen, &Failure{
			Reason: FailureConfigurationError,
			Err:    fmt.Errorf("%w: %s requires a subscription duration", entitlement.ErrConfiguration, product.ID),
		}), nil
	}
	if err := c.manager.Trust().Validate(); err != nil {
		log.Warn("Trust config is invalid", zap.Error(err))
		return c.fail(requestID, gen, &Failure{Reason: FailureConfigurationError, Err: err}), nil
	}

	infos, err := c.storefront.RequestProducts(ctx, []string{product.ID})
	if err != nil {
		log.Warn("Failed to request product info", zap.Error(err))
		return c.fail(requestID, gen, storeFailure(err)), nil
	}
	if !containsProduct(infos, product.ID) {
		log.Debug("Product is not available in the storefront")
		return c.fail(requestID, gen, &Failure{
			Reason:         FailureStoreRejected,
			StoreErrorKind: storefront.ErrorProductUnavailable,
			Err:            storefront.NewError(storefront.ErrorProductUnavailable, nil),
		}), nil
	}

	result, err := c.storefront.Purchase(ctx, product, 1)
	if err != nil {
		if storefront.ErrorKindOf(err) == storefront.ErrorCancelled {
			log.Debug("Purchase cancelled by user")
		} else {
			log.Warn("Purchase failed", zap.Error(err))
		}
		return c.fail(requestID, gen, storeFailure(err)), nil
	}

	log.Debug("Purchase completed, awaiting validation", zap.String("transaction_id", result.TransactionID))

	_, ok = c.update(requestID, gen, func(a *Attempt) {
		a.State = StateAwaitingValidation
		a.TransactionID = result.TransactionID
		a.receipt = result.Receipt
		a.needsFinish = result.NeedsFinishTransaction
	})
	if !ok {
		return c.Get(requestID)
	}

	return c.validate(ctx, requestID, false)
}

// RetryValidation resumes a suspended attempt under the same request id.
func (c *Coordinator) RetryValidation(ctx context.Context, requestID string) (*Attempt, error) {
	return c.validate(ctx, requestID, true)
}

// RetryWithBackoff retries validation until the attempt leaves the suspended
// state or b gives up. The attempt after the last try is returned.
func (c *Coordinator) RetryWithBackoff(ctx context.Context, requestID string, b backoff.BackOff) (*Attempt, error) {
	var last *Attempt

	op := func() error {
		a, err := c.RetryValidation(ctx, requestID)
		if err != nil {
			return backoff.Permanent(err)
		}

		last = a
		if a.Retryable() {
			return a.LastError
		}
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(b, ctx))
	if last == nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return nil, permanent.Err
		}
		return nil, err
	}
	return last, nil
}

// Abandon gives up on an attempt waiting for validation. A validation still
// in flight is discarded when it returns.
func (c *Coordinator) Abandon(requestID string) (*Attempt, error) {
	c.mu.Lock()
	a, ok := c.attempts[requestID]
	if !ok {
		c.mu.Unlock()
		return nil, ErrNotFound
	}
	if a.State != StateAwaitingValidation {
		c.mu.Unlock()
		return nil, ErrInvalidState
	}

	cause := a.LastError
	if cause == nil {
		cause = ErrAbandoned
	}
	a.generation++
	gen := a.generation
	c.mu.Unlock()

	c.log.Debug("Abandoning purchase attempt", zap.String("request_id", requestID))

	return c.fail(requestID, gen, &Failure{
		Reason:              FailureValidationFailed,
		ValidationErrorKind: iap.ValidationErrorAuthorityUnreachable,
		Err:                 cause,
	}), nil
}

// Acknowledge forgets a finished attempt.
func (c *Coordinator) Acknowledge(requestID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	a, ok := c.attempts[requestID]
	if !ok {
		return ErrNotFound
	}
	if !a.IsTerminal() {
		return ErrNotTerminal
	}

	delete(c.attempts, requestID)
	return nil
}

func (c *Coordinator) Get(requestID string) (*Attempt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	a, ok := c.attempts[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	return a.clone(), nil
}

// Active returns the attempts that have not finished, oldest first.
func (c *Coordinator) Active() []*Attempt {
	c.mu.Lock()
	defer c.mu.Unlock()

	var active []*Attempt
	for _, requestID := range c.active {
		active = append(active, c.attempts[requestID].clone())
	}

	sort.Slice(active, func(i, j int) bool {
		if !active[i].CreatedAt.Equal(active[j].CreatedAt) {
			return active[i].CreatedAt.Before(active[j].CreatedAt)
		}
		return active[i].RequestID < active[j].RequestID
	})
	return active
}

// validate runs one validation of an attempt in StateAwaitingValidation and,
// on success, commits and finalizes it. Retries are only accepted for
// suspended attempts.
func (c *Coordinator) validate(ctx context.Context, requestID string, retry bool) (*Attempt, error) {
	c.mu.Lock()
	a, ok := c.attempts[requestID]
	if !ok {
		c.mu.Unlock()
		return nil, ErrNotFound
	}
	if retry && !a.Retryable() {
		c.mu.Unlock()
		return nil, ErrNotRetryable
	}
	if a.State != StateAwaitingValidation {
		c.mu.Unlock()
		return nil, ErrInvalidState
	}
	a.generation++
	gen := a.generation
	a.Suspended = false
	product := a.Product
	transactionID := a.TransactionID
	receipt := a.receipt.Clone()
	needsFinish := a.needsFinish
	c.mu.Unlock()

	log := c.log.With(
		zap.String("request_id", requestID),
		zap.String("product_id", product.ID),
		zap.String("transaction_id", transactionID),
		zap.Uint64("generation", gen),
	)

	if receipt.IsEmpty() {
		var err error
		receipt, err = c.storefront.FetchReceipt(ctx, false)
		if err != nil {
			log.Warn("Failed to fetch receipt", zap.Error(err))
			return c.fail(requestID, gen, storeFailure(err)), nil
		}

		c.mu.Lock()
		if a.generation == gen {
			a.receipt = receipt.Clone()
		}
		c.mu.Unlock()
	}

	facts, err := c.manager.Validate(ctx, receipt)
	if errors.Is(err, iap.ErrInvalidTrustConfig) {
		log.Warn("Trust config is invalid", zap.Error(err))
		return c.fail(requestID, gen, &Failure{Reason: FailureConfigurationError, Err: err}), nil
	}
	if err != nil {
		kind := iap.ValidationErrorKindOf(err)
		if kind == iap.ValidationErrorAuthorityUnreachable {
			log.Warn("Validation authority unreachable, suspending attempt", zap.Error(err))
			return c.suspend(requestID, gen, err), nil
		}

		log.Warn("Receipt failed validation", zap.Error(err))
		return c.fail(requestID, gen, &Failure{
			Reason:              FailureValidationFailed,
			ValidationErrorKind: kind,
			Err:                 err,
		}), nil
	}

	if _, ok := c.update(requestID, gen, func(a *Attempt) { a.State = StateFinalizing }); !ok {
		log.Debug("Discarding late validation response")
		return c.Get(requestID)
	}

	isFinalized, err := c.manager.IsFinalized(ctx, transactionID)
	if err != nil {
		log.Warn("Failed to check finalization", zap.Error(err))
		return c.unfinalized(requestID, gen, err), nil
	}

	var state *model.EntitlementState
	if isFinalized {
		log.Debug("Transaction already finalized, skipping commit")

		state, err = c.manager.Check(ctx, product.ID)
		if err != nil {
			return c.unfinalized(requestID, gen, err), nil
		}
	} else {
		resolution, err := c.manager.Commit(ctx, receipt, facts)
		if err != nil {
			log.Warn("Failed to commit receipt", zap.Error(err))
			return c.unfinalized(requestID, gen, err), nil
		}
		if err := resolution.Errors[product.ID]; err != nil {
			return c.fail(requestID, gen, &Failure{Reason: FailureConfigurationError, Err: err}), nil
		}
		state, _ = resolution.State(product.ID)

		var finisher entitlement.Finisher
		if needsFinish {
			finisher = c.storefront
		}
		if _, err := c.manager.Finalize(ctx, finisher, transactionID); err != nil {
			log.Warn("Failed to finalize transaction", zap.Error(err))
			return c.unfinalized(requestID, gen, err), nil
		}
	}

	completed, ok := c.update(requestID, gen, func(a *Attempt) {
		a.State = StateCompleted
		a.Entitlement = state
		a.LastError = nil
	})
	if ok {
		log.Debug("Purchase attempt completed")
	}
	return completed, nil
}

// unfinalized returns an attempt whose commit or finalization failed to
// StateAwaitingValidation, so the whole pipeline can be retried. Commit and
// finalization are idempotent.
func (c *Coordinator) unfinalized(requestID string, gen uint64, err error) *Attempt {
	a, _ := c.update(requestID, gen, func(a *Attempt) {
		a.State = StateAwaitingValidation
		a.Suspended = true
		a.LastError = err
	})
	return a
}

func (c *Coordinator) suspend(requestID string, gen uint64, err error) *Attempt {
	a, _ := c.update(requestID, gen, func(a *Attempt) {
		a.Suspended = true
		a.LastError = err
	})
	return a
}

func (c *Coordinator) fail(requestID string, gen uint64, failure *Failure) *Attempt {
	a, _ := c.update(requestID, gen, func(a *Attempt) {
		a.State = StateFailed
		a.Failure = failure
		a.Suspended = false
	})
	return a
}

// update applies fn to the attempt if it is still at generation gen and not
// finished, then publishes the result. The returned snapshot reflects the
// attempt's current state either way.
func (c *Coordinator) update(requestID string, gen uint64, fn func(a *Attempt)) (*Attempt, bool) {
	c.mu.Lock()

	a, ok := c.attempts[requestID]
	if !ok {
		c.mu.Unlock()
		return nil, false
	}
	if a.generation != gen || a.IsTerminal() {
		snapshot := a.clone()
		c.mu.Unlock()
		return snapshot, false
	}

	fn(a)
	a.UpdatedAt = c.manager.Now()
	if a.IsTerminal() && c.active[a.Product.ID] == requestID {
		delete(c.active, a.Product.ID)
	}

	snapshot := a.clone()
	c.publishMu.Lock()
	c.mu.Unlock()
	c.bus.OnEvent(requestID, snapshot)
	c.publishMu.Unlock()

	return snapshot.clone(), true
}

func storeFailure(err error) *Failure {
	kind := storefront.ErrorKindOf(err)
	if kind == storefront.ErrorCancelled {
		return &Failure{Reason: FailureUserCancelled, StoreErrorKind: kind, Err: err}
	}
	return &Failure{Reason: FailureStoreRejected, StoreErrorKind: kind, Err: err}
}

func containsProduct(infos []*storefront.ProductInfo, productID string) bool {
	for _, info := range infos {
		if info.Product.ID == productID {
			return true
		}
	}
	return false
}

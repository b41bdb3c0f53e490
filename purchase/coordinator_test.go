package purchase

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/code-payments/flipchat-entitlements/entitlement"
	"github.com/code-payments/flipchat-entitlements/event"
	"github.com/code-payments/flipchat-entitlements/iap"
	iapmemory "github.com/code-payments/flipchat-entitlements/iap/memory"
	"github.com/code-payments/flipchat-entitlements/model"
	"github.com/code-payments/flipchat-entitlements/storefront"
	sfmemory "github.com/code-payments/flipchat-entitlements/storefront/memory"
	"github.com/code-payments/flipchat-entitlements/testutil"
)

const bundleID = "com.flipchat.app"

var (
	coins   = model.ProductRef{ID: "coins.100", Kind: model.ProductKindConsumable}
	monthly = model.ProductRef{ID: "sub.monthly", Kind: model.ProductKindAutoRenewableSubscription}
	pass    = model.ProductRef{ID: "pass.weekly", Kind: model.ProductKindNonRenewingSubscription}
	week    = 7 * 24 * time.Hour
)

type testEnv struct {
	coordinator *Coordinator
	storefront  *sfmemory.Storefront
	verifier    *iapmemory.MemoryVerifier
	store       iap.Store
	clock       *testutil.Clock

	purchases atomic.Int64
	events    *recorder
}

type recorder struct {
	mu     sync.Mutex
	events []*Attempt
}

func (r *recorder) OnEvent(_ string, a *Attempt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, a)
}

func (r *recorder) states(requestID string) []State {
	r.mu.Lock()
	defer r.mu.Unlock()

	var states []State
	for _, a := range r.events {
		if a.RequestID == requestID {
			states = append(states, a.State)
		}
	}
	return states
}

func newTestEnv(t *testing.T, entries ...entitlement.CatalogEntry) *testEnv {
	return newTestEnvWithTrust(t, iap.TrustConfig{Environment: iap.EnvironmentSandbox, BundleID: bundleID}, entries...)
}

func newTestEnvWithTrust(t *testing.T, trust iap.TrustConfig, entries ...entitlement.CatalogEntry) *testEnv {
	if len(entries) == 0 {
		entries = []entitlement.CatalogEntry{
			{Product: coins},
			{Product: monthly},
			{Product: pass, Duration: &week},
		}
	}

	pub, priv, err := iapmemory.GenerateKeyPair()
	require.NoError(t, err)

	log := zaptest.NewLogger(t)
	clock := testutil.NewClock(time.Now().UTC().Truncate(time.Millisecond))

	var infos []*storefront.ProductInfo
	for _, e := range entries {
		infos = append(infos, &storefront.ProductInfo{Product: e.Product, Title: e.Product.ID, Price: decimal.NewFromInt(1), Currency: "USD"})
	}

	env := &testEnv{
		storefront: sfmemory.NewStorefront(priv, bundleID, clock.Now, infos...),
		verifier:   iapmemory.NewMemoryVerifier(pub),
		store:      iapmemory.NewInMemory(),
		clock:      clock,
		events:     &recorder{},
	}

	manager := entitlement.NewManager(
		log,
		iap.NewValidator(log, env.verifier),
		entitlement.NewResolver(),
		entitlement.MustNewCatalog(entries...),
		env.store,
		trust,
		entitlement.WithClock(clock.Now),
	)

	env.coordinator = NewCoordinator(log, env.storefront, manager)
	env.coordinator.AddHandler(env.events)
	env.storefront.SetPurchaseHook(func(context.Context, model.ProductRef) error {
		env.purchases.Add(1)
		return nil
	})
	return env
}

func TestCoordinator_HappyPath(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a, err := env.coordinator.Initiate(ctx, monthly.ID, "request-1")
	require.NoError(t, err)
	require.Equal(t, "request-1", a.RequestID)
	require.Equal(t, StateCompleted, a.State)
	require.Nil(t, a.Failure)
	require.NotEmpty(t, a.TransactionID)
	require.True(t, a.Entitlement.IsEntitled())
	require.True(t, env.clock.Now().Add(sfmemory.DefaultSubscriptionPeriod).Equal(*a.Entitlement.ExpiresAt))

	require.Equal(t, []State{StatePending, StateAwaitingValidation, StateFinalizing, StateCompleted}, env.events.states("request-1"))

	require.Equal(t, 1, env.storefront.FinishCalls(a.TransactionID))
	isFinalized, err := env.store.IsFinalized(ctx, a.TransactionID)
	require.NoError(t, err)
	require.True(t, isFinalized)

	cached, err := env.store.GetEntitlement(ctx, monthly.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusPurchased, cached.Status)

	require.Empty(t, env.coordinator.Active())

	require.NoError(t, env.coordinator.Acknowledge("request-1"))
	_, err = env.coordinator.Get("request-1")
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, env.coordinator.Acknowledge("request-1"), ErrNotFound)
}

func TestCoordinator_Begin(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.coordinator.Begin("missing", "")
	require.ErrorIs(t, err, ErrUnknownProduct)

	a, err := env.coordinator.Begin(coins.ID, "")
	require.NoError(t, err)
	require.NotEmpty(t, a.RequestID)
	require.Equal(t, StatePending, a.State)

	_, err = env.coordinator.Begin(monthly.ID, a.RequestID)
	require.ErrorIs(t, err, ErrRequestExists)

	require.ErrorIs(t, env.coordinator.Acknowledge(a.RequestID), ErrNotTerminal)
	require.Len(t, env.coordinator.Active(), 1)

	_, err = env.coordinator.Run(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCoordinator_MutualExclusion(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	env.storefront.SetPurchaseHook(func(context.Context, model.ProductRef) error {
		env.purchases.Add(1)
		entered <- struct{}{}
		<-release
		return nil
	})

	done := make(chan *Attempt)
	go func() {
		a, err := env.coordinator.Initiate(ctx, monthly.ID, "first")
		require.NoError(t, err)
		done <- a
	}()
	<-entered

	_, err := env.coordinator.Initiate(ctx, monthly.ID, "second")
	require.ErrorIs(t, err, ErrAlreadyInProgress)
	require.EqualValues(t, 1, env.purchases.Load())

	// Other products are not blocked.
	other, err := env.coordinator.Begin(coins.ID, "other")
	require.NoError(t, err)
	require.Equal(t, StatePending, other.State)

	close(release)
	first := <-done
	require.Equal(t, StateCompleted, first.State)

	// The product is free again once the attempt finished.
	env.storefront.SetPurchaseHook(nil)
	again, err := env.coordinator.Initiate(ctx, monthly.ID, "third")
	require.NoError(t, err)
	require.Equal(t, StateCompleted, again.State)
}

func TestCoordinator_UserCancelled(t *testing.T) {
	env := newTestEnv(t)

	env.storefront.FailNextPurchase(storefront.NewError(storefront.ErrorCancelled, nil))

	a, err := env.coordinator.Initiate(context.Background(), coins.ID, "")
	require.NoError(t, err)
	require.Equal(t, StateFailed, a.State)
	require.Equal(t, FailureUserCancelled, a.Failure.Reason)
	require.False(t, a.Failure.IsError())
	require.Empty(t, a.Failure.Description())
	require.Empty(t, env.coordinator.Active())
}

func TestCoordinator_StoreRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.storefront.FailNextPurchase(storefront.NewError(storefront.ErrorNotAllowed, nil))

	a, err := env.coordinator.Initiate(ctx, coins.ID, "")
	require.NoError(t, err)
	require.Equal(t, StateFailed, a.State)
	require.Equal(t, FailureStoreRejected, a.Failure.Reason)
	require.Equal(t, storefront.ErrorNotAllowed, a.Failure.StoreErrorKind)
	require.True(t, a.Failure.IsError())
	require.Equal(t, "The device is not allowed to make the payment", a.Failure.Description())
	require.Equal(t, []State{StatePending, StateFailed}, env.events.states(a.RequestID))

	env.storefront.FailNextPurchase(errors.New("something odd"))
	a, err = env.coordinator.Initiate(ctx, coins.ID, "")
	require.NoError(t, err)
	require.Equal(t, FailureStoreRejected, a.Failure.Reason)
	require.Equal(t, storefront.ErrorUnknown, a.Failure.StoreErrorKind)
}

func TestCoordinator_ProductUnavailable(t *testing.T) {
	env := newTestEnv(t)

	env.storefront.SetUnavailable(coins.ID)

	a, err := env.coordinator.Initiate(context.Background(), coins.ID, "")
	require.NoError(t, err)
	require.Equal(t, StateFailed, a.State)
	require.Equal(t, FailureStoreRejected, a.Failure.Reason)
	require.Equal(t, storefront.ErrorProductUnavailable, a.Failure.StoreErrorKind)
	require.Zero(t, env.purchases.Load())
}

func TestCoordinator_ConfigurationError(t *testing.T) {
	env := newTestEnv(t, entitlement.CatalogEntry{Product: pass})

	a, err := env.coordinator.Initiate(context.Background(), pass.ID, "")
	require.NoError(t, err)
	require.Equal(t, StateFailed, a.State)
	require.Equal(t, FailureConfigurationError, a.Failure.Reason)
	require.ErrorIs(t, a.Failure.Err, entitlement.ErrConfiguration)
	require.Zero(t, env.purchases.Load())
}

func TestCoordinator_ValidationFailed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.verifier.FailNext(iap.NewValidationError(iap.ValidationErrorAuthorityRejected, errors.New("bad receipt")))

	a, err := env.coordinator.Initiate(ctx, monthly.ID, "")
	require.NoError(t, err)
	require.Equal(t, StateFailed, a.State)
	require.Equal(t, FailureValidationFailed, a.Failure.Reason)
	require.Equal(t, iap.ValidationErrorAuthorityRejected, a.Failure.ValidationErrorKind)

	_, err = env.store.GetReceipt(ctx)
	require.ErrorIs(t, err, iap.ErrNotFound)
	require.Zero(t, env.storefront.TotalFinishCalls())

	_, err = env.coordinator.RetryValidation(ctx, a.RequestID)
	require.ErrorIs(t, err, ErrNotRetryable)
}

func TestCoordinator_UnreachableThenRetry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.verifier.FailNext(iap.NewValidationError(iap.ValidationErrorAuthorityUnreachable, errors.New("timeout")))

	a, err := env.coordinator.Initiate(ctx, monthly.ID, "request-1")
	require.NoError(t, err)
	require.Equal(t, StateAwaitingValidation, a.State)
	require.True(t, a.Suspended)
	require.True(t, a.Retryable())
	require.ErrorIs(t, a.LastError, iap.ErrAuthorityUnreachable)
	require.False(t, a.IsTerminal())

	_, err = env.coordinator.Begin(monthly.ID, "")
	require.ErrorIs(t, err, ErrAlreadyInProgress)
	require.Zero(t, env.storefront.TotalFinishCalls())

	a, err = env.coordinator.RetryValidation(ctx, "request-1")
	require.NoError(t, err)
	require.Equal(t, "request-1", a.RequestID)
	require.Equal(t, StateCompleted, a.State)
	require.Nil(t, a.LastError)
	require.Equal(t, 1, env.storefront.FinishCalls(a.TransactionID))
	require.EqualValues(t, 1, env.purchases.Load())

	_, err = env.coordinator.RetryValidation(ctx, "request-1")
	require.ErrorIs(t, err, ErrNotRetryable)
}

func TestCoordinator_RetryWithBackoff(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	unreachable := iap.NewValidationError(iap.ValidationErrorAuthorityUnreachable, errors.New("timeout"))
	env.verifier.FailNext(unreachable, unreachable, unreachable)

	a, err := env.coordinator.Initiate(ctx, coins.ID, "")
	require.NoError(t, err)
	require.True(t, a.Retryable())

	a, err = env.coordinator.RetryWithBackoff(ctx, a.RequestID, &backoff.ZeroBackOff{})
	require.NoError(t, err)
	require.Equal(t, StateCompleted, a.State)
	require.Equal(t, 4, env.verifier.Calls())

	// Gives up while the authority stays unreachable.
	env.verifier.FailNext(unreachable, unreachable, unreachable)
	a, err = env.coordinator.Initiate(ctx, monthly.ID, "")
	require.NoError(t, err)

	a, err = env.coordinator.RetryWithBackoff(ctx, a.RequestID, backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 1))
	require.NoError(t, err)
	require.True(t, a.Retryable())

	_, err = env.coordinator.RetryWithBackoff(ctx, "missing", &backoff.ZeroBackOff{})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCoordinator_AbandonDiscardsLateResponse(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	env.verifier.SetHook(func(context.Context) error {
		entered <- struct{}{}
		<-release
		return nil
	})

	a, err := env.coordinator.Begin(monthly.ID, "request-1")
	require.NoError(t, err)

	done := make(chan *Attempt)
	go func() {
		a, err := env.coordinator.Run(ctx, a.RequestID)
		require.NoError(t, err)
		done <- a
	}()
	<-entered

	abandoned, err := env.coordinator.Abandon("request-1")
	require.NoError(t, err)
	require.Equal(t, StateFailed, abandoned.State)
	require.Equal(t, FailureValidationFailed, abandoned.Failure.Reason)
	require.Equal(t, iap.ValidationErrorAuthorityUnreachable, abandoned.Failure.ValidationErrorKind)
	require.ErrorIs(t, abandoned.Failure.Err, ErrAbandoned)

	close(release)
	late := <-done
	require.Equal(t, StateFailed, late.State)

	_, err = env.store.GetReceipt(ctx)
	require.ErrorIs(t, err, iap.ErrNotFound)
	require.Zero(t, env.storefront.TotalFinishCalls())
	require.Equal(t, []State{StatePending, StateAwaitingValidation, StateFailed}, env.events.states("request-1"))

	_, err = env.coordinator.Abandon("request-1")
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestCoordinator_AlreadyFinalized(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Another flow finalizes the transaction while this one validates.
	env.verifier.SetHook(func(ctx context.Context) error {
		for _, a := range env.coordinator.Active() {
			require.NoError(t, env.store.MarkFinalized(ctx, a.TransactionID))
		}
		return nil
	})

	a, err := env.coordinator.Initiate(ctx, coins.ID, "")
	require.NoError(t, err)
	require.Equal(t, StateCompleted, a.State)
	require.Zero(t, env.storefront.TotalFinishCalls())

	// The cache was not rewritten.
	_, err = env.store.GetReceipt(ctx)
	require.ErrorIs(t, err, iap.ErrNotFound)
}

func TestCoordinator_FinishFailureIsRetried(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var once sync.Once
	env.verifier.SetHook(func(context.Context) error {
		once.Do(func() {
			for _, a := range env.coordinator.Active() {
				env.storefront.FailFinish(a.TransactionID, errors.New("store offline"))
			}
		})
		return nil
	})

	a, err := env.coordinator.Initiate(ctx, coins.ID, "")
	require.NoError(t, err)
	require.Equal(t, StateAwaitingValidation, a.State)
	require.True(t, a.Retryable())

	env.storefront.FailFinish(a.TransactionID, nil)

	a, err = env.coordinator.RetryValidation(ctx, a.RequestID)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, a.State)
	require.Equal(t, 1, env.storefront.FinishCalls(a.TransactionID))
}

func TestCoordinator_IndependentProducts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]*Attempt, 3)
	for i, product := range []model.ProductRef{coins, monthly, pass} {
		wg.Add(1)
		go func(i int, productID string) {
			defer wg.Done()
			a, err := env.coordinator.Initiate(ctx, productID, "")
			require.NoError(t, err)
			results[i] = a
		}(i, product.ID)
	}
	wg.Wait()

	for _, a := range results {
		require.Equal(t, StateCompleted, a.State)
		require.True(t, a.Entitlement.IsEntitled())
	}
	require.EqualValues(t, 3, env.purchases.Load())

	for _, product := range []model.ProductRef{coins, monthly, pass} {
		stored, err := env.store.GetEntitlement(ctx, product.ID)
		require.NoError(t, err)
		require.Equal(t, model.StatusPurchased, stored.Status, product.ID)
	}
}

func TestCoordinator_OverlappingCommits(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Hold the monthly validation until the coins purchase went through, so
	// the monthly receipt is committed after a newer one.
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	env.verifier.SetHook(func(context.Context) error {
		held := false
		once.Do(func() {
			held = true
			close(entered)
		})
		if held {
			<-release
		}
		return nil
	})

	var first *Attempt
	done := make(chan error, 1)
	go func() {
		var err error
		first, err = env.coordinator.Initiate(ctx, monthly.ID, "monthly")
		done <- err
	}()
	<-entered

	a, err := env.coordinator.Initiate(ctx, coins.ID, "coins")
	require.NoError(t, err)
	require.Equal(t, StateCompleted, a.State)
	require.True(t, a.Entitlement.IsEntitled())

	close(release)
	require.NoError(t, <-done)
	require.Equal(t, StateCompleted, first.State)
	require.True(t, first.Entitlement.IsEntitled())

	for _, product := range []model.ProductRef{coins, monthly} {
		stored, err := env.store.GetEntitlement(ctx, product.ID)
		require.NoError(t, err)
		require.Equal(t, model.StatusPurchased, stored.Status, product.ID)
	}

	// The stored receipt is the newer one, carrying both purchases.
	receipt, err := env.store.GetReceipt(ctx)
	require.NoError(t, err)
	facts, err := env.verifier.VerifyReceipt(ctx, receipt, iap.TrustConfig{Environment: iap.EnvironmentSandbox})
	require.NoError(t, err)
	require.Len(t, facts, 2)
}

func TestCoordinator_InvalidTrustConfig(t *testing.T) {
	env := newTestEnvWithTrust(t, iap.TrustConfig{})

	a, err := env.coordinator.Initiate(context.Background(), coins.ID, "")
	require.NoError(t, err)
	require.Equal(t, StateFailed, a.State)
	require.Equal(t, FailureConfigurationError, a.Failure.Reason)
	require.ErrorIs(t, a.Failure.Err, iap.ErrInvalidTrustConfig)

	// Nothing was bought or validated.
	require.Zero(t, env.purchases.Load())
	require.Zero(t, env.verifier.Calls())
}

func TestCoordinator_RemoveHandler(t *testing.T) {
	env := newTestEnv(t)

	var calls atomic.Int64
	remove := env.coordinator.AddHandler(event.HandlerFunc[string, *Attempt](func(string, *Attempt) {
		calls.Add(1)
	}))

	_, err := env.coordinator.Begin(coins.ID, "")
	require.NoError(t, err)
	require.EqualValues(t, 1, calls.Load())

	remove()
	_, err = env.coordinator.Begin(monthly.ID, "")
	require.NoError(t, err)
	require.EqualValues(t, 1, calls.Load())
}

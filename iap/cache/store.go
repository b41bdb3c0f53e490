package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ReneKroon/ttlcache"

	"github.com/code-payments/flipchat-entitlements/iap"
	"github.com/code-payments/flipchat-entitlements/model"
)

// Cache is a read-through cache in front of another Store. Entitlement
// lookups and positive finalization checks are served from memory until
// the TTL elapses or a write invalidates them.
//
// Every state write bumps a generation. A fill is only kept when no write
// happened while it was reading, so a read that started before a write
// cannot bring the old state back.
type Cache struct {
	db    iap.Store
	cache *ttlcache.Cache

	mu         sync.Mutex
	generation uint64
}

func NewInCache(db iap.Store, ttl time.Duration) iap.Store {
	cache := ttlcache.NewCache()
	cache.SetTTL(ttl)
	return &Cache{
		db:    db,
		cache: cache,
	}
}

func (c *Cache) GetReceipt(ctx context.Context) (*model.RawReceipt, error) {
	return c.db.GetReceipt(ctx)
}

func (c *Cache) ReplaceReceipt(ctx context.Context, receipt *model.RawReceipt, states []*model.EntitlementState) error {
	err := c.db.ReplaceReceipt(ctx, receipt, states)

	c.mu.Lock()
	c.generation++
	c.cache.Purge()
	c.mu.Unlock()

	return err
}

func (c *Cache) GetEntitlement(ctx context.Context, productID string) (*model.EntitlementState, error) {
	cacheKey := stateCacheKey(productID)

	cached, ok := c.cache.Get(cacheKey)
	if ok {
		return cached.(*model.EntitlementState).Clone(), nil
	}

	c.mu.Lock()
	generation := c.generation
	c.mu.Unlock()

	state, err := c.db.GetEntitlement(ctx, productID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.generation == generation {
		c.cache.Set(cacheKey, state.Clone())
	}
	c.mu.Unlock()

	return state, nil
}

func (c *Cache) GetEntitlements(ctx context.Context) ([]*model.EntitlementState, error) {
	return c.db.GetEntitlements(ctx)
}

func (c *Cache) PutEntitlement(ctx context.Context, state *model.EntitlementState) error {
	err := c.db.PutEntitlement(ctx, state)

	c.mu.Lock()
	c.generation++
	c.cache.Remove(stateCacheKey(state.Product.ID))
	c.mu.Unlock()

	return err
}

func (c *Cache) IsFinalized(ctx context.Context, transactionID string) (bool, error) {
	cacheKey := finalizedCacheKey(transactionID)

	if _, ok := c.cache.Get(cacheKey); ok {
		return true, nil
	}

	isFinalized, err := c.db.IsFinalized(ctx, transactionID)
	if err != nil {
		return false, err
	}

	// Finalization is permanent, so only positive answers are cached.
	if isFinalized {
		c.cache.Set(cacheKey, struct{}{})
	}
	return isFinalized, nil
}

func (c *Cache) MarkFinalized(ctx context.Context, transactionID string) error {
	err := c.db.MarkFinalized(ctx, transactionID)
	if err == nil || errors.Is(err, iap.ErrAlreadyFinalized) {
		c.cache.Set(finalizedCacheKey(transactionID), struct{}{})
	}
	return err
}

func (c *Cache) Close() {
	c.cache.Close()
}

func stateCacheKey(productID string) string {
	return "state:" + productID
}

func finalizedCacheKey(transactionID string) string {
	return "finalized:" + transactionID
}

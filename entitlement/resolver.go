package entitlement

import (
	"errors"
	"fmt"
	"time"

	"github.com/code-payments/flipchat-entitlements/model"
)

var (
	// ErrConfiguration is returned when a product cannot be evaluated with the
	// configuration it was registered with.
	ErrConfiguration = errors.New("entitlement configuration error")
)

type ResolverOption func(*Resolver)

// WithGracePeriod keeps subscriptions entitled for d past their expiry.
// ExpiredAt still reports the expiry issued by the authority.
func WithGracePeriod(d time.Duration) ResolverOption {
	return func(r *Resolver) {
		r.grace = d
	}
}

// Resolver turns validated facts into entitlement states. It holds no state
// and is safe for concurrent use.
type Resolver struct {
	grace time.Duration
}

func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve evaluates product against facts at now. nonRenewingDuration is only
// consulted for non-renewing subscriptions, for which it is required.
func (r *Resolver) Resolve(product model.ProductRef, facts []*model.EntitlementFact, now time.Time, nonRenewingDuration *time.Duration) (*model.EntitlementState, error) {
	var matching []*model.EntitlementFact
	for _, f := range facts {
		if f.ProductID != product.ID || f.IsCancelledAt(now) {
			continue
		}
		matching = append(matching, f)
	}

	switch product.Kind {
	case model.ProductKindConsumable:
		return r.resolveConsumable(product, matching, now), nil
	case model.ProductKindAutoRenewableSubscription:
		return r.resolveAutoRenewable(product, matching, now), nil
	case model.ProductKindNonRenewingSubscription:
		if nonRenewingDuration == nil || *nonRenewingDuration <= 0 {
			return nil, fmt.Errorf("%w: %s requires a subscription duration", ErrConfiguration, product.ID)
		}
		return r.resolveNonRenewing(product, matching, now, *nonRenewingDuration), nil
	default:
		return nil, fmt.Errorf("%w: %s has unsupported kind %s", ErrConfiguration, product.ID, product.Kind)
	}
}

func (r *Resolver) resolveConsumable(product model.ProductRef, facts []*model.EntitlementFact, now time.Time) *model.EntitlementState {
	var latest *model.EntitlementFact
	for _, f := range facts {
		if latest == nil || purchasedLater(f, latest) {
			latest = f
		}
	}
	if latest == nil {
		return model.NotPurchased(product, now)
	}

	return &model.EntitlementState{
		Product:       product,
		Status:        model.StatusPurchased,
		TransactionID: latest.TransactionID,
		EvaluatedAt:   now,
	}
}

func (r *Resolver) resolveAutoRenewable(product model.ProductRef, facts []*model.EntitlementFact, now time.Time) *model.EntitlementState {
	var best *model.EntitlementFact
	var bestExpiry time.Time
	for _, f := range facts {
		if f.ExpiresAt == nil {
			continue
		}
		if best == nil || expiresLater(*f.ExpiresAt, f, bestExpiry, best) {
			best, bestExpiry = f, *f.ExpiresAt
		}
	}
	if best == nil {
		return model.NotPurchased(product, now)
	}
	return r.stateAt(product, best.TransactionID, bestExpiry, now)
}

func (r *Resolver) resolveNonRenewing(product model.ProductRef, facts []*model.EntitlementFact, now time.Time, duration time.Duration) *model.EntitlementState {
	var best *model.EntitlementFact
	var bestExpiry time.Time
	for _, f := range facts {
		expiry := f.PurchasedAt.Add(duration)
		if best == nil || expiresLater(expiry, f, bestExpiry, best) {
			best, bestExpiry = f, expiry
		}
	}
	if best == nil {
		return model.NotPurchased(product, now)
	}
	return r.stateAt(product, best.TransactionID, bestExpiry, now)
}

func (r *Resolver) stateAt(product model.ProductRef, transactionID string, expiry, now time.Time) *model.EntitlementState {
	state := &model.EntitlementState{
		Product:       product,
		Status:        model.StatusPurchased,
		TransactionID: transactionID,
		ExpiresAt:     model.TimePtr(expiry),
		EvaluatedAt:   now,
	}
	if !now.Before(expiry.Add(r.grace)) {
		state.Status = model.StatusExpired
		state.ExpiredAt = model.TimePtr(expiry)
	}
	return state
}

// Reevaluate applies the passage of time to a previously resolved state. A
// purchased subscription whose expiry has elapsed becomes expired; anything
// else is returned unchanged apart from EvaluatedAt.
func (r *Resolver) Reevaluate(state *model.EntitlementState, now time.Time) *model.EntitlementState {
	updated := state.Clone()
	updated.EvaluatedAt = now

	if updated.Status == model.StatusPurchased && updated.ExpiresAt != nil && !now.Before(updated.ExpiresAt.Add(r.grace)) {
		updated.Status = model.StatusExpired
		updated.ExpiredAt = model.TimePtr(*updated.ExpiresAt)
	}
	return updated
}

// ResolveAll resolves every catalog product. Products that cannot be resolved
// are reported in the error map and omitted from the returned states.
func (r *Resolver) ResolveAll(catalog *Catalog, facts []*model.EntitlementFact, now time.Time) ([]*model.EntitlementState, map[string]error) {
	var states []*model.EntitlementState
	errs := make(map[string]error)

	for _, id := range catalog.IDs() {
		entry, _ := catalog.Lookup(id)

		state, err := r.Resolve(entry.Product, facts, now, entry.Duration)
		if err != nil {
			errs[id] = err
			continue
		}
		states = append(states, state)
	}
	return states, errs
}

// purchasedLater orders facts by purchase time, then transaction id, so the
// choice never depends on the order the authority listed them in.
func purchasedLater(a, b *model.EntitlementFact) bool {
	if !a.PurchasedAt.Equal(b.PurchasedAt) {
		return a.PurchasedAt.After(b.PurchasedAt)
	}
	return a.TransactionID > b.TransactionID
}

func expiresLater(aExpiry time.Time, a *model.EntitlementFact, bExpiry time.Time, b *model.EntitlementFact) bool {
	if !aExpiry.Equal(bExpiry) {
		return aExpiry.After(bExpiry)
	}
	return purchasedLater(a, b)
}

package model

import (
	"fmt"
	"time"
)

type EntitlementStatus uint8

const (
	StatusNotPurchased EntitlementStatus = iota
	StatusPurchased
	StatusExpired
)

func (s EntitlementStatus) String() string {
	switch s {
	case StatusPurchased:
		return "purchased"
	case StatusExpired:
		return "expired"
	default:
		return "not_purchased"
	}
}

// EntitlementState is the evaluated entitlement of a single product.
//
// ExpiresAt is the effective expiry of a subscription (nil for consumables).
// ExpiredAt is only set when Status is StatusExpired and always equals the
// expiry the state was derived from.
type EntitlementState struct {
	Product       ProductRef
	Status        EntitlementStatus
	TransactionID string
	ExpiresAt     *time.Time
	ExpiredAt     *time.Time
	EvaluatedAt   time.Time
}

func NotPurchased(product ProductRef, evaluatedAt time.Time) *EntitlementState {
	return &EntitlementState{
		Product:     product,
		Status:      StatusNotPurchased,
		EvaluatedAt: evaluatedAt,
	}
}

func (s *EntitlementState) IsEntitled() bool {
	return s != nil && s.Status == StatusPurchased
}

// Equivalent reports whether both states describe the same entitlement,
// ignoring when they were evaluated.
func (s *EntitlementState) Equivalent(other *EntitlementState) bool {
	if s == nil || other == nil {
		return s == other
	}
	return s.Product == other.Product &&
		s.Status == other.Status &&
		s.TransactionID == other.TransactionID &&
		timeEqual(s.ExpiresAt, other.ExpiresAt) &&
		timeEqual(s.ExpiredAt, other.ExpiredAt)
}

func (s *EntitlementState) Clone() *EntitlementState {
	if s == nil {
		return nil
	}
	return &EntitlementState{
		Product:       s.Product,
		Status:        s.Status,
		TransactionID: s.TransactionID,
		ExpiresAt:     cloneTime(s.ExpiresAt),
		ExpiredAt:     cloneTime(s.ExpiredAt),
		EvaluatedAt:   s.EvaluatedAt,
	}
}

func (s *EntitlementState) String() string {
	switch s.Status {
	case StatusExpired:
		return fmt.Sprintf("%s: expired at %s", s.Product.ID, s.ExpiredAt.Format(time.RFC3339))
	case StatusPurchased:
		if s.ExpiresAt != nil {
			return fmt.Sprintf("%s: purchased until %s", s.Product.ID, s.ExpiresAt.Format(time.RFC3339))
		}
		return fmt.Sprintf("%s: purchased", s.Product.ID)
	default:
		return fmt.Sprintf("%s: not purchased", s.Product.ID)
	}
}

func CloneStates(states []*EntitlementState) []*EntitlementState {
	cloned := make([]*EntitlementState, len(states))
	for i, s := range states {
		cloned[i] = s.Clone()
	}
	return cloned
}

func timeEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

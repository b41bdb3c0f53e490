package model

import "time"

// EntitlementFact is a single validated purchase item extracted from a
// receipt by a trust authority.
type EntitlementFact struct {
	ProductID             string
	TransactionID         string
	OriginalTransactionID string
	Quantity              int

	PurchasedAt time.Time
	ExpiresAt   *time.Time
	CancelledAt *time.Time

	// Raw is the authority specific encoding of the receipt item.
	Raw []byte
}

func (f *EntitlementFact) IsCancelledAt(now time.Time) bool {
	return f.CancelledAt != nil && !f.CancelledAt.After(now)
}

func (f *EntitlementFact) Clone() *EntitlementFact {
	return &EntitlementFact{
		ProductID:             f.ProductID,
		TransactionID:         f.TransactionID,
		OriginalTransactionID: f.OriginalTransactionID,
		Quantity:              f.Quantity,
		PurchasedAt:           f.PurchasedAt,
		ExpiresAt:             cloneTime(f.ExpiresAt),
		CancelledAt:           cloneTime(f.CancelledAt),
		Raw:                   append([]byte(nil), f.Raw...),
	}
}

func CloneFacts(facts []*EntitlementFact) []*EntitlementFact {
	cloned := make([]*EntitlementFact, len(facts))
	for i, f := range facts {
		cloned[i] = f.Clone()
	}
	return cloned
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	copied := *t
	return &copied
}

func TimePtr(t time.Time) *time.Time {
	return &t
}

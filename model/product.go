package model

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidProduct = errors.New("invalid product reference")
)

type ProductKind uint8

const (
	ProductKindUnknown ProductKind = iota
	ProductKindConsumable
	ProductKindAutoRenewableSubscription
	ProductKindNonRenewingSubscription
)

func (k ProductKind) String() string {
	switch k {
	case ProductKindConsumable:
		return "consumable"
	case ProductKindAutoRenewableSubscription:
		return "auto_renewable"
	case ProductKindNonRenewingSubscription:
		return "non_renewing"
	default:
		return "unknown"
	}
}

// ParseProductKind is the inverse of ProductKind.String. "simple" is accepted
// as an alias for consumable.
func ParseProductKind(s string) (ProductKind, error) {
	switch s {
	case "consumable", "simple":
		return ProductKindConsumable, nil
	case "auto_renewable":
		return ProductKindAutoRenewableSubscription, nil
	case "non_renewing":
		return ProductKindNonRenewingSubscription, nil
	default:
		return ProductKindUnknown, fmt.Errorf("unknown product kind: %q", s)
	}
}

// ProductRef identifies a purchasable product. It is a value type and is never
// mutated after creation.
type ProductRef struct {
	ID   string
	Kind ProductKind
}

func NewProductRef(id string, kind ProductKind) (ProductRef, error) {
	ref := ProductRef{ID: id, Kind: kind}
	if err := ref.Validate(); err != nil {
		return ProductRef{}, err
	}
	return ref, nil
}

func (p ProductRef) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidProduct)
	}
	switch p.Kind {
	case ProductKindConsumable, ProductKindAutoRenewableSubscription, ProductKindNonRenewingSubscription:
		return nil
	default:
		return fmt.Errorf("%w: %s has unknown kind", ErrInvalidProduct, p.ID)
	}
}

func (p ProductRef) IsSubscription() bool {
	return p.Kind == ProductKindAutoRenewableSubscription || p.Kind == ProductKindNonRenewingSubscription
}

func (p ProductRef) String() string {
	return p.ID + "/" + p.Kind.String()
}

package entitlement

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/code-payments/flipchat-entitlements/model"
)

var (
	ErrUnknownProduct   = errors.New("unknown product")
	ErrDuplicateProduct = errors.New("product is already registered")
)

// CatalogEntry is a product known to the engine. Duration is required for
// non-renewing subscriptions and ignored otherwise.
type CatalogEntry struct {
	Product  model.ProductRef
	Duration *time.Duration
}

// Catalog is the immutable set of products the engine tracks entitlements for.
type Catalog struct {
	entries map[string]CatalogEntry
	order   []string
}

func NewCatalog(entries ...CatalogEntry) (*Catalog, error) {
	c := &Catalog{
		entries: make(map[string]CatalogEntry, len(entries)),
	}

	for _, e := range entries {
		if err := e.Product.Validate(); err != nil {
			return nil, err
		}
		if _, ok := c.entries[e.Product.ID]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateProduct, e.Product.ID)
		}
		if e.Duration != nil {
			d := *e.Duration
			e.Duration = &d
		}
		c.entries[e.Product.ID] = e
		c.order = append(c.order, e.Product.ID)
	}

	sort.Strings(c.order)
	return c, nil
}

func MustNewCatalog(entries ...CatalogEntry) *Catalog {
	c, err := NewCatalog(entries...)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Catalog) Lookup(productID string) (CatalogEntry, error) {
	e, ok := c.entries[productID]
	if !ok {
		return CatalogEntry{}, fmt.Errorf("%w: %s", ErrUnknownProduct, productID)
	}
	return e, nil
}

// Products returns every registered product ordered by id.
func (c *Catalog) Products() []model.ProductRef {
	products := make([]model.ProductRef, len(c.order))
	for i, id := range c.order {
		products[i] = c.entries[id].Product
	}
	return products
}

func (c *Catalog) IDs() []string {
	return append([]string(nil), c.order...)
}

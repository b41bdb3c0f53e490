package entitlement

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/code-payments/flipchat-entitlements/model"
)

func TestCatalog(t *testing.T) {
	catalog, err := NewCatalog(
		CatalogEntry{Product: monthly},
		CatalogEntry{Product: coins},
		CatalogEntry{Product: pass, Duration: &week},
	)
	require.NoError(t, err)

	require.Equal(t, []model.ProductRef{coins, pass, monthly}, catalog.Products())

	entry, err := catalog.Lookup(pass.ID)
	require.NoError(t, err)
	require.Equal(t, pass, entry.Product)
	require.Equal(t, week, *entry.Duration)

	_, err = catalog.Lookup("missing")
	require.ErrorIs(t, err, ErrUnknownProduct)
}

func TestCatalog_Invalid(t *testing.T) {
	_, err := NewCatalog(CatalogEntry{Product: coins}, CatalogEntry{Product: coins})
	require.ErrorIs(t, err, ErrDuplicateProduct)

	_, err = NewCatalog(CatalogEntry{Product: model.ProductRef{ID: "x"}})
	require.ErrorIs(t, err, model.ErrInvalidProduct)

	_, err = NewCatalog(CatalogEntry{Product: model.ProductRef{Kind: model.ProductKindConsumable}})
	require.ErrorIs(t, err, model.ErrInvalidProduct)
}

package product

import (
	"context"

	"github.com/shopspring/decimal"
)

// Product is the read-only view of a catalog item needed for pricing.
// Price is the current offer price in major currency units.
type Product struct {
	ID       string
	Name     string
	Price    decimal.Decimal
	Category string
}

// Repository resolves catalog products by identifier. Products that do
// not exist are simply absent from the result.
type Repository interface {
	GetByIDs(ctx context.Context, ids []string) ([]Product, error)
}

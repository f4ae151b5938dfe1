// Package cart holds the per-user shopping cart.
package cart

import (
	"context"

	"github.com/go-faster/errors"

	"github.com/xenking/storefront-payments/internal/domain/pricing"
	"github.com/xenking/storefront-payments/internal/domain/product"
)

// ErrInvalidQuantity is returned for quantities outside 0..pricing.MaxQuantity.
var ErrInvalidQuantity = errors.Errorf("quantity must be between 0 and %d", pricing.MaxQuantity)

// Item is a product held in a cart.
type Item struct {
	ProductID string
	Quantity  int
}

// Repository persists carts.
type Repository interface {
	Get(ctx context.Context, userID string) ([]Item, error)
	// SetQuantity upserts a line. A zero quantity removes it.
	SetQuantity(ctx context.Context, userID, productID string, quantity int) error
	// Clear removes every line of the user's cart. Clearing an empty cart
	// is not an error.
	Clear(ctx context.Context, userID string) error
}

// Service validates cart updates against the catalog.
type Service struct {
	carts    Repository
	products product.Repository
}

// NewService creates a cart Service.
func NewService(carts Repository, products product.Repository) *Service {
	return &Service{carts: carts, products: products}
}

// Get returns the user's cart lines.
func (s *Service) Get(ctx context.Context, userID string) ([]Item, error) {
	items, err := s.carts.Get(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(err, "get cart")
	}
	return items, nil
}

// Update sets the quantity of a product in the user's cart.
func (s *Service) Update(ctx context.Context, userID, productID string, quantity int) error {
	if quantity < 0 || quantity > pricing.MaxQuantity {
		return ErrInvalidQuantity
	}
	if quantity > 0 {
		found, err := s.products.GetByIDs(ctx, []string{productID})
		if err != nil {
			return errors.Wrap(err, "get product")
		}
		if len(found) == 0 {
			return &pricing.ProductNotFoundError{ProductID: productID}
		}
	}
	if err := s.carts.SetQuantity(ctx, userID, productID, quantity); err != nil {
		return errors.Wrap(err, "set quantity")
	}
	return nil
}

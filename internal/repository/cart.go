package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/storefront-payments/internal/domain/cart"
)

const (
	getCartSQL = `SELECT product_id, quantity FROM cart_items WHERE user_id = $1 ORDER BY product_id`

	setCartItemSQL = `INSERT INTO cart_items (user_id, product_id, quantity)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, product_id) DO UPDATE SET quantity = EXCLUDED.quantity, updated_at = now()`

	deleteCartItemSQL = `DELETE FROM cart_items WHERE user_id = $1 AND product_id = $2`

	clearCartSQL = `DELETE FROM cart_items WHERE user_id = $1`

	clearCartBeforeSQL = `DELETE FROM cart_items WHERE user_id = $1 AND updated_at <= $2`
)

var _ cart.Repository = (*CartRepository)(nil)

// CartRepository implements cart.Repository backed by PostgreSQL.
type CartRepository struct {
	pool *pgxpool.Pool
}

// NewCartRepository returns a CartRepository that uses the given pool.
func NewCartRepository(pool *pgxpool.Pool) *CartRepository {
	return &CartRepository{pool: pool}
}

func (r *CartRepository) Get(ctx context.Context, userID string) ([]cart.Item, error) {
	rows, err := r.pool.Query(ctx, getCartSQL, userID)
	if err != nil {
		return nil, fmt.Errorf("getting cart: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (cart.Item, error) {
		var it cart.Item
		err := row.Scan(&it.ProductID, &it.Quantity)
		return it, err
	})
}

func (r *CartRepository) SetQuantity(ctx context.Context, userID, productID string, quantity int) error {
	var err error
	if quantity == 0 {
		_, err = r.pool.Exec(ctx, deleteCartItemSQL, userID, productID)
	} else {
		_, err = r.pool.Exec(ctx, setCartItemSQL, userID, productID, quantity)
	}
	if err != nil {
		return fmt.Errorf("setting cart item %q: %w", productID, err)
	}
	return nil
}

func (r *CartRepository) Clear(ctx context.Context, userID string) error {
	if _, err := r.pool.Exec(ctx, clearCartSQL, userID); err != nil {
		return fmt.Errorf("clearing cart: %w", err)
	}
	return nil
}

// ClearBefore removes the cart items last written at or before the given
// time. Items added or changed later are kept.
func (r *CartRepository) ClearBefore(ctx context.Context, userID string, before time.Time) error {
	if _, err := r.pool.Exec(ctx, clearCartBeforeSQL, userID, before); err != nil {
		return fmt.Errorf("clearing cart before %s: %w", before.Format(time.RFC3339), err)
	}
	return nil
}

package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/storefront-payments/internal/domain/order"
)

const defaultListLimit = 100

const (
	orderColumns = `id, user_id, address_id, items, subtotal, surcharge, amount,
		payment_type, status, cart_cleared_at, created_at, updated_at`

	createOrderSQL = `INSERT INTO orders (id, user_id, address_id, items, subtotal, surcharge, amount,
		payment_type, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	findOrderSQL = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	// Only online orders move through the payment lifecycle.
	transitionOrderSQL = `UPDATE orders SET status = $4, updated_at = now()
		WHERE id = $1 AND user_id = $2 AND status = $3 AND payment_type = 'online'`

	orderExistsSQL = `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1 AND user_id = $2)`

	markCartClearedSQL = `UPDATE orders SET cart_cleared_at = now() WHERE id = $1 AND cart_cleared_at IS NULL`

	listSettledOrdersSQL = `SELECT ` + orderColumns + ` FROM orders
		WHERE (payment_type = 'cod' OR status = 'paid') AND ($1::text = '' OR user_id = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2`

	listPendingCartClearsSQL = `SELECT ` + orderColumns + ` FROM orders
		WHERE status = 'paid' AND cart_cleared_at IS NULL
		ORDER BY updated_at
		LIMIT $1`
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// Create persists a new order in a single statement. The items are
// serialized to JSON for the JSONB column.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	itemsJSON, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("marshaling order items: %w", err)
	}

	_, err = r.pool.Exec(ctx, createOrderSQL,
		o.ID, o.UserID, o.AddressID, itemsJSON, o.Subtotal, o.Surcharge, o.Amount,
		string(o.PaymentType), string(o.Status), o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating order %q: %w", o.ID, err)
	}
	return nil
}

func (r *OrderRepository) FindByID(ctx context.Context, id string) (*order.Order, error) {
	rows, err := r.pool.Query(ctx, findOrderSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting order %q: %w", id, err)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("getting order %q: %w", id, err)
	}
	return &o, nil
}

// Transition is a compare-and-set on status. Concurrent callers racing on
// the same order see exactly one applied change.
func (r *OrderRepository) Transition(ctx context.Context, id, userID string, from, to order.Status) (bool, error) {
	tag, err := r.pool.Exec(ctx, transitionOrderSQL, id, userID, string(from), string(to))
	if err != nil {
		return false, fmt.Errorf("transitioning order %q: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, orderExistsSQL, id, userID).Scan(&exists); err != nil {
		return false, fmt.Errorf("checking order %q: %w", id, err)
	}
	if !exists {
		return false, order.ErrNotFound
	}
	return false, nil
}

func (r *OrderRepository) MarkCartCleared(ctx context.Context, id string) error {
	if _, err := r.pool.Exec(ctx, markCartClearedSQL, id); err != nil {
		return fmt.Errorf("marking cart cleared for order %q: %w", id, err)
	}
	return nil
}

func (r *OrderRepository) ListSettled(ctx context.Context, f order.ListFilter) ([]order.Order, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := r.pool.Query(ctx, listSettledOrdersSQL, f.UserID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing orders: %w", err)
	}
	return pgx.CollectRows(rows, scanOrder)
}

func (r *OrderRepository) ListPendingCartClears(ctx context.Context, limit int) ([]order.Order, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := r.pool.Query(ctx, listPendingCartClearsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("listing pending cart clears: %w", err)
	}
	return pgx.CollectRows(rows, scanOrder)
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o             order.Order
		items         []byte
		paymentType   string
		status        string
		cartClearedAt *time.Time
	)
	if err := row.Scan(
		&o.ID, &o.UserID, &o.AddressID, &items, &o.Subtotal, &o.Surcharge, &o.Amount,
		&paymentType, &status, &cartClearedAt, &o.CreatedAt, &o.UpdatedAt,
	); err != nil {
		return o, err
	}
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return o, fmt.Errorf("unmarshaling items of order %q: %w", o.ID, err)
	}
	o.PaymentType = order.PaymentType(paymentType)
	o.Status = order.Status(status)
	o.CartClearedAt = cartClearedAt
	return o, nil
}

package order

import (
	"context"
	"time"
)

// Status is the payment status of an order.
type Status string

const (
	StatusPending Status = "pending"
	StatusPaid    Status = "paid"
	StatusFailed  Status = "failed"
)

// PaymentType is how an order is paid for. It never changes after creation.
type PaymentType string

const (
	PaymentCOD    PaymentType = "cod"
	PaymentOnline PaymentType = "online"
)

// Order is a placed customer order. Money fields are minor currency units
// and are fixed at creation: Amount == Subtotal + Surcharge.
type Order struct {
	ID            string
	UserID        string
	AddressID     string
	Items         []Item
	Subtotal      int64
	Surcharge     int64
	Amount        int64
	PaymentType   PaymentType
	Status        Status
	CartClearedAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Listed reports whether the order shows up in order listings: cash on
// delivery orders always do, online orders only once paid.
func (o *Order) Listed() bool {
	return o.PaymentType == PaymentCOD || o.Status == StatusPaid
}

// Payable reports whether a checkout session may still be opened for it.
func (o *Order) Payable() bool {
	return o.PaymentType == PaymentOnline && o.Status == StatusPending
}

// Item is an order line with the unit price snapshotted at creation.
type Item struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	UnitPrice int64  `json:"unit_price"`
	Quantity  int    `json:"quantity"`
}

// ListFilter narrows order listings. An empty UserID lists every user.
type ListFilter struct {
	UserID string
	Limit  int
}

// Repository defines persistence operations for orders.
type Repository interface {
	Create(ctx context.Context, o *Order) error
	// FindByID returns ErrNotFound when no order has the id.
	FindByID(ctx context.Context, id string) (*Order, error)
	// Transition atomically moves an online order owned by userID from
	// `from` to `to`. It reports whether the change was applied and
	// returns ErrNotFound when no such order exists at all.
	Transition(ctx context.Context, id, userID string, from, to Status) (bool, error)
	// MarkCartCleared records that the post-payment cart clear ran.
	MarkCartCleared(ctx context.Context, id string) error
	// ListSettled returns listed orders, newest first.
	ListSettled(ctx context.Context, f ListFilter) ([]Order, error)
	// ListPendingCartClears returns paid orders whose cart was never
	// cleared, oldest first.
	ListPendingCartClears(ctx context.Context, limit int) ([]Order, error)
}

package order

import (
	"fmt"

	"github.com/go-faster/errors"

	"github.com/xenking/storefront-payments/internal/domain/checkout"
	"github.com/xenking/storefront-payments/internal/domain/pricing"
)

var (
	// ErrInvalidOrderRequest is the root of every request validation error.
	ErrInvalidOrderRequest = errors.New("invalid order request")

	ErrEmptyItems     = errors.Wrap(ErrInvalidOrderRequest, "items required")
	ErrMissingAddress = errors.Wrap(ErrInvalidOrderRequest, "address required")
	ErrUnknownAddress = errors.Wrap(ErrInvalidOrderRequest, "unknown address")
	ErrAmountTooLarge = errors.Wrap(ErrInvalidOrderRequest, "order total too large")

	ErrNotFound = errors.New("order not found")
	// ErrNotPayable is returned when checkout is requested for an order
	// that is not a pending online order.
	ErrNotPayable = errors.New("order is not awaiting online payment")
)

// InvalidQuantityError indicates a line item quantity outside
// 1..pricing.MaxQuantity.
type InvalidQuantityError struct {
	ProductID string
	Quantity  int
}

func (e *InvalidQuantityError) Error() string {
	return fmt.Sprintf("quantity for product %s must be between 1 and %d", e.ProductID, pricing.MaxQuantity)
}

func (e *InvalidQuantityError) Unwrap() error {
	return ErrInvalidOrderRequest
}

// CheckoutError reports that the order was persisted but no checkout
// session could be opened for it. It matches checkout.ErrGatewayUnavailable.
type CheckoutError struct {
	OrderID string
	Err     error
}

func (e *CheckoutError) Error() string {
	return fmt.Sprintf("open checkout for order %s: %v", e.OrderID, e.Err)
}

func (e *CheckoutError) Unwrap() error {
	return e.Err
}

func (e *CheckoutError) Is(target error) bool {
	return target == checkout.ErrGatewayUnavailable
}

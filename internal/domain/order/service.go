package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/xenking/storefront-payments/internal/domain/address"
	"github.com/xenking/storefront-payments/internal/domain/checkout"
	"github.com/xenking/storefront-payments/internal/domain/pricing"
)

// SurchargeLineName labels the surcharge line on the hosted checkout page.
const SurchargeLineName = "Surcharge (2%)"

// Pricer computes a priced quote for requested items.
type Pricer interface {
	ComputeTotal(ctx context.Context, items []pricing.Item) (*pricing.Quote, error)
}

// PlaceOrderRequest holds the input for placing an order.
type PlaceOrderRequest struct {
	Items     []pricing.Item
	AddressID string
}

// Service encapsulates order placement and listing.
type Service struct {
	pricer    Pricer
	orders    Repository
	addresses address.Repository
	gateway   checkout.Gateway
	sessions  checkout.SessionStore
	currency  string
	now       func() time.Time
}

// NewService creates an order Service with the required domain dependencies.
func NewService(
	pricer Pricer,
	orders Repository,
	addresses address.Repository,
	gateway checkout.Gateway,
	sessions checkout.SessionStore,
	currency string,
) *Service {
	return &Service{
		pricer:    pricer,
		orders:    orders,
		addresses: addresses,
		gateway:   gateway,
		sessions:  sessions,
		currency:  currency,
		now:       time.Now,
	}
}

// PlaceCOD places a cash on delivery order. It is listed immediately and
// stays pending until delivery.
func (s *Service) PlaceCOD(ctx context.Context, userID string, req PlaceOrderRequest) (*Order, error) {
	return s.placeOrder(ctx, userID, req, PaymentCOD)
}

// PlaceOnline places an online order and opens a hosted checkout session
// for it, returning the redirect URL.
//
// If the session cannot be opened the persisted order is reported through
// a *CheckoutError; the order stays pending and unlisted, and the caller
// may retry with ResumeCheckout.
func (s *Service) PlaceOnline(ctx context.Context, userID string, req PlaceOrderRequest, targets checkout.Targets) (*Order, string, error) {
	o, err := s.placeOrder(ctx, userID, req, PaymentOnline)
	if err != nil {
		return nil, "", err
	}
	url, err := s.openCheckout(ctx, o, targets)
	if err != nil {
		return nil, "", err
	}
	return o, url, nil
}

// ResumeCheckout opens a new checkout session for the user's own pending
// online order. Prices are never recomputed.
func (s *Service) ResumeCheckout(ctx context.Context, userID, orderID string, targets checkout.Targets) (string, error) {
	o, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", ErrNotFound
		}
		return "", errors.Wrap(err, "find order")
	}
	if o.UserID != userID {
		return "", ErrNotFound
	}
	if !o.Payable() {
		return "", ErrNotPayable
	}
	return s.openCheckout(ctx, o, targets)
}

// ListMine returns the user's listed orders, newest first.
func (s *Service) ListMine(ctx context.Context, userID string, limit int) ([]Order, error) {
	orders, err := s.orders.ListSettled(ctx, ListFilter{UserID: userID, Limit: limit})
	if err != nil {
		return nil, errors.Wrap(err, "list orders")
	}
	return orders, nil
}

// ListAll returns listed orders of every user, newest first.
func (s *Service) ListAll(ctx context.Context, limit int) ([]Order, error) {
	orders, err := s.orders.ListSettled(ctx, ListFilter{Limit: limit})
	if err != nil {
		return nil, errors.Wrap(err, "list orders")
	}
	return orders, nil
}

func (s *Service) placeOrder(ctx context.Context, userID string, req PlaceOrderRequest, pt PaymentType) (*Order, error) {
	if len(req.Items) == 0 {
		return nil, ErrEmptyItems
	}
	if req.AddressID == "" {
		return nil, ErrMissingAddress
	}
	for _, it := range req.Items {
		if it.Quantity <= 0 || it.Quantity > pricing.MaxQuantity {
			return nil, &InvalidQuantityError{ProductID: it.ProductID, Quantity: it.Quantity}
		}
	}

	addr, err := s.addresses.FindByID(ctx, req.AddressID)
	switch {
	case errors.Is(err, address.ErrNotFound):
		return nil, ErrUnknownAddress
	case err != nil:
		return nil, errors.Wrap(err, "find address")
	case addr.UserID != userID:
		return nil, ErrUnknownAddress
	}

	quote, err := s.pricer.ComputeTotal(ctx, req.Items)
	switch {
	case errors.Is(err, pricing.ErrAmountOverflow):
		return nil, ErrAmountTooLarge
	case err != nil:
		return nil, errors.Wrap(err, "compute total")
	}

	items := make([]Item, len(quote.Lines))
	for i, l := range quote.Lines {
		items[i] = Item{
			ProductID: l.ProductID,
			Name:      l.Name,
			UnitPrice: l.UnitPrice,
			Quantity:  l.Quantity,
		}
	}

	now := s.now().UTC()
	o := &Order{
		ID:          uuid.New().String(),
		UserID:      userID,
		AddressID:   req.AddressID,
		Items:       items,
		Subtotal:    quote.Subtotal,
		Surcharge:   quote.Surcharge,
		Amount:      quote.Amount,
		PaymentType: pt,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.orders.Create(ctx, o); err != nil {
		return nil, errors.Wrap(err, "create order")
	}
	return o, nil
}

func (s *Service) openCheckout(ctx context.Context, o *Order, targets checkout.Targets) (string, error) {
	meta := checkout.Metadata{OrderID: o.ID, UserID: o.UserID}
	sess, err := s.gateway.CreateSession(ctx, checkout.SessionRequest{
		Metadata: meta,
		Currency: s.currency,
		Lines:    checkoutLines(o),
		Targets:  targets,
	})
	if err != nil {
		return "", &CheckoutError{OrderID: o.ID, Err: errors.Wrap(err, "create session")}
	}

	rec := checkout.Record{
		SessionID: sess.ID,
		OrderID:   o.ID,
		UserID:    o.UserID,
		CreatedAt: s.now().UTC(),
	}
	if err := s.sessions.Save(ctx, rec); err != nil {
		return "", &CheckoutError{OrderID: o.ID, Err: errors.Wrap(err, "save session")}
	}
	return sess.URL, nil
}

// checkoutLines lists base unit prices plus one surcharge line, so the
// processor total equals Amount exactly.
func checkoutLines(o *Order) []checkout.LineItem {
	lines := make([]checkout.LineItem, 0, len(o.Items)+1)
	for _, it := range o.Items {
		lines = append(lines, checkout.LineItem{
			Name:       it.Name,
			UnitAmount: it.UnitPrice,
			Quantity:   int64(it.Quantity),
		})
	}
	if o.Surcharge > 0 {
		lines = append(lines, checkout.LineItem{
			Name:       SurchargeLineName,
			UnitAmount: o.Surcharge,
			Quantity:   1,
		})
	}
	return lines
}

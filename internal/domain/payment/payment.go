// Package payment applies verified payment events to orders.
//
// Every event is handled idempotently: the processed event log filters
// redeliveries, and order status changes are a single conditional update,
// so only the delivery that actually moves an order out of pending gets to
// clear the cart.
package payment

import (
	"context"
	"time"

	"github.com/xenking/storefront-payments/internal/domain/order"
)

// Outcome describes what handling an event did.
type Outcome int

const (
	OutcomeApplied Outcome = iota
	OutcomeDuplicate
	OutcomeAlreadySettled
	OutcomeIgnored
	OutcomeSessionNotFound
	OutcomeOrderNotFound
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeAlreadySettled:
		return "already_settled"
	case OutcomeIgnored:
		return "ignored"
	case OutcomeSessionNotFound:
		return "session_not_found"
	case OutcomeOrderNotFound:
		return "order_not_found"
	default:
		return "error"
	}
}

// EventLog records processed event ids.
type EventLog interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	// Record stores the id. Recording an id twice is not an error.
	Record(ctx context.Context, eventID, eventType string) error
}

// CartClearer empties a user's cart.
type CartClearer interface {
	Clear(ctx context.Context, userID string) error
	// ClearBefore removes only the items last written at or before the
	// given time.
	ClearBefore(ctx context.Context, userID string, before time.Time) error
}

// Settlement is published after an order leaves pending.
type Settlement struct {
	OrderID string
	UserID  string
	Status  order.Status
	EventID string
	At      time.Time
}

// Notifier publishes settlements. Delivery is best effort.
type Notifier interface {
	OrderSettled(ctx context.Context, s Settlement) error
}

// NopNotifier drops every settlement.
type NopNotifier struct{}

func (NopNotifier) OrderSettled(context.Context, Settlement) error { return nil }

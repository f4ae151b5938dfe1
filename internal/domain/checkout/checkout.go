// Package checkout defines the boundary to the external payment processor:
// hosted checkout sessions, their local correlation records, and the
// verified webhook events that report payment outcomes.
package checkout

import (
	"context"
	"time"

	"github.com/go-faster/errors"
)

var (
	// ErrInvalidSignature is returned when a webhook payload fails
	// authenticity verification.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrSessionNotFound is returned when a session reference resolves to
	// no known checkout session, or its correlation metadata is incomplete.
	ErrSessionNotFound = errors.New("checkout session not found")
	// ErrGatewayUnavailable is returned when a call to the processor fails.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
)

// Metadata correlates a processor session with the local order. It is set
// by this service at session creation and echoed back by the processor.
type Metadata struct {
	OrderID string
	UserID  string
}

// LineItem is a single line shown on the hosted checkout page.
// UnitAmount is in minor currency units.
type LineItem struct {
	Name       string
	UnitAmount int64
	Quantity   int64
}

// Total returns UnitAmount * Quantity.
func (l LineItem) Total() int64 {
	return l.UnitAmount * l.Quantity
}

// Targets are the caller-supplied redirect URLs for the hosted page.
type Targets struct {
	SuccessURL string
	CancelURL  string
}

// SessionRequest describes a checkout session to create.
type SessionRequest struct {
	Metadata Metadata
	Currency string
	Lines    []LineItem
	Targets  Targets
}

// Session is a processor-hosted checkout session.
type Session struct {
	ID       string
	URL      string
	Metadata Metadata
}

// SessionRef identifies the session an event refers to. Processors report
// either the session itself or the payment it produced.
type SessionRef struct {
	SessionID       string
	PaymentIntentID string
}

// IsZero reports whether the reference carries no identifier.
func (r SessionRef) IsZero() bool {
	return r.SessionID == "" && r.PaymentIntentID == ""
}

// Gateway talks to the payment processor.
type Gateway interface {
	// CreateSession creates a hosted checkout session carrying the request
	// metadata and returns it with its redirect URL.
	CreateSession(ctx context.Context, req SessionRequest) (*Session, error)
	// VerifyAndDecode authenticates the raw payload against the signature
	// header and decodes it into an Event.
	VerifyAndDecode(payload []byte, signature string) (*Event, error)
	// LookupSession resolves a reference through the processor's own API.
	// The returned metadata is the only trusted source of order identity.
	LookupSession(ctx context.Context, ref SessionRef) (*Session, error)
}

// Record is the local correlation record for a created session.
type Record struct {
	SessionID  string
	OrderID    string
	UserID     string
	CreatedAt  time.Time
	ConsumedAt *time.Time
}

// Matches reports whether the record agrees with the processor metadata.
func (r *Record) Matches(m Metadata) bool {
	return r.OrderID == m.OrderID && r.UserID == m.UserID
}

// SessionStore persists correlation records.
type SessionStore interface {
	Save(ctx context.Context, rec Record) error
	// Get returns ErrSessionNotFound when no record exists.
	Get(ctx context.Context, sessionID string) (*Record, error)
	// Consume marks the record consumed. It reports false if it already was.
	Consume(ctx context.Context, sessionID string) (bool, error)
}

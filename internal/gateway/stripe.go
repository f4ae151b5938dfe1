// Package gateway implements checkout.Gateway on top of Stripe Checkout.
package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"

	"github.com/xenking/storefront-payments/internal/domain/checkout"
)

// Metadata keys carried on every session and its payment intent.
const (
	metaOrderID = "orderId"
	metaUserID  = "userId"
)

// Config configures the Stripe gateway.
type Config struct {
	SecretKey     string
	WebhookSecret string
	// MaxNetworkRetries bounds automatic retries of idempotent API calls.
	MaxNetworkRetries int64
	Timeout           time.Duration
	// BaseURL overrides the API endpoint. Empty means api.stripe.com.
	BaseURL string
	// Tolerance is the accepted age of a webhook signature timestamp.
	Tolerance time.Duration
}

var _ checkout.Gateway = (*Stripe)(nil)

// Stripe is a checkout.Gateway backed by an explicit Stripe client.
type Stripe struct {
	api           *client.API
	webhookSecret string
	tolerance     time.Duration
}

// NewStripe creates a gateway. The client never touches stripe.Key or the
// package-level backends.
func NewStripe(cfg Config, lg *zap.Logger) *Stripe {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Tolerance == 0 {
		cfg.Tolerance = webhook.DefaultTolerance
	}
	if lg == nil {
		lg = zap.NewNop()
	}

	backendCfg := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: cfg.Timeout},
		MaxNetworkRetries: stripe.Int64(cfg.MaxNetworkRetries),
		LeveledLogger:     lg.Named("stripe").Sugar(),
	}
	if cfg.BaseURL != "" {
		backendCfg.URL = stripe.String(cfg.BaseURL)
	}

	api := &client.API{}
	api.Init(cfg.SecretKey, &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, backendCfg),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, backendCfg),
	})

	return &Stripe{
		api:           api,
		webhookSecret: cfg.WebhookSecret,
		tolerance:     cfg.Tolerance,
	}
}

// CreateSession opens a hosted payment-mode checkout session.
func (s *Stripe) CreateSession(ctx context.Context, req checkout.SessionRequest) (*checkout.Session, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(req.Targets.SuccessURL),
		CancelURL:         stripe.String(req.Targets.CancelURL),
		ClientReferenceID: stripe.String(req.Metadata.OrderID),
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: metadataMap(req.Metadata),
		},
	}
	params.Context = ctx
	params.AddMetadata(metaOrderID, req.Metadata.OrderID)
	params.AddMetadata(metaUserID, req.Metadata.UserID)

	for _, l := range req.Lines {
		params.LineItems = append(params.LineItems, &stripe.CheckoutSessionLineItemParams{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency: stripe.String(req.Currency),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(l.Name),
				},
				UnitAmount: stripe.Int64(l.UnitAmount),
			},
			Quantity: stripe.Int64(l.Quantity),
		})
	}

	cs, err := s.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, errors.Wrap(checkout.ErrGatewayUnavailable, err.Error())
	}
	return &checkout.Session{
		ID:       cs.ID,
		URL:      cs.URL,
		Metadata: req.Metadata,
	}, nil
}

// LookupSession resolves ref through the Stripe API.
func (s *Stripe) LookupSession(ctx context.Context, ref checkout.SessionRef) (*checkout.Session, error) {
	var (
		cs  *stripe.CheckoutSession
		err error
	)
	switch {
	case ref.SessionID != "":
		params := &stripe.CheckoutSessionParams{}
		params.Context = ctx
		cs, err = s.api.CheckoutSessions.Get(ref.SessionID, params)
		if isMissing(err) {
			return nil, checkout.ErrSessionNotFound
		}
	case ref.PaymentIntentID != "":
		params := &stripe.CheckoutSessionListParams{PaymentIntent: stripe.String(ref.PaymentIntentID)}
		params.Context = ctx
		params.Limit = stripe.Int64(1)
		it := s.api.CheckoutSessions.List(params)
		if it.Next() {
			cs = it.CheckoutSession()
		}
		err = it.Err()
		if err == nil && cs == nil {
			return nil, checkout.ErrSessionNotFound
		}
	default:
		return nil, checkout.ErrSessionNotFound
	}
	if err != nil {
		return nil, errors.Wrap(checkout.ErrGatewayUnavailable, err.Error())
	}

	meta := checkout.Metadata{
		OrderID: cs.Metadata[metaOrderID],
		UserID:  cs.Metadata[metaUserID],
	}
	if meta.OrderID == "" || meta.UserID == "" {
		return nil, checkout.ErrSessionNotFound
	}
	return &checkout.Session{ID: cs.ID, URL: cs.URL, Metadata: meta}, nil
}

// VerifyAndDecode checks the Stripe-Signature header against the raw
// payload and decodes the event.
func (s *Stripe) VerifyAndDecode(payload []byte, signature string) (*checkout.Event, error) {
	if _, err := webhook.ConstructEventWithOptions(payload, signature, s.webhookSecret, webhook.ConstructEventOptions{
		Tolerance:                s.tolerance,
		IgnoreAPIVersionMismatch: true,
	}); err != nil {
		return nil, errors.Wrap(checkout.ErrInvalidSignature, err.Error())
	}
	return DecodeEvent(payload)
}

func metadataMap(m checkout.Metadata) map[string]string {
	return map[string]string{
		metaOrderID: m.OrderID,
		metaUserID:  m.UserID,
	}
}

func isMissing(err error) bool {
	var serr *stripe.Error
	if !errors.As(err, &serr) {
		return false
	}
	return serr.HTTPStatusCode == http.StatusNotFound || serr.Code == stripe.ErrorCodeResourceMissing
}

// Package handler exposes the order, cart and payment webhook HTTP API.
package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/xenking/storefront-payments/internal/domain/auth"
	"github.com/xenking/storefront-payments/internal/domain/cart"
	"github.com/xenking/storefront-payments/internal/domain/checkout"
	"github.com/xenking/storefront-payments/internal/domain/order"
	"github.com/xenking/storefront-payments/internal/domain/payment"
)

// Orders is the order service used by the handlers.
type Orders interface {
	PlaceCOD(ctx context.Context, userID string, req order.PlaceOrderRequest) (*order.Order, error)
	PlaceOnline(ctx context.Context, userID string, req order.PlaceOrderRequest, targets checkout.Targets) (*order.Order, string, error)
	ResumeCheckout(ctx context.Context, userID, orderID string, targets checkout.Targets) (string, error)
	ListMine(ctx context.Context, userID string, limit int) ([]order.Order, error)
	ListAll(ctx context.Context, limit int) ([]order.Order, error)
}

// Carts is the cart service used by the handlers.
type Carts interface {
	Get(ctx context.Context, userID string) ([]cart.Item, error)
	Update(ctx context.Context, userID, productID string, quantity int) error
}

// EventVerifier authenticates and decodes processor webhook deliveries.
type EventVerifier interface {
	VerifyAndDecode(payload []byte, signature string) (*checkout.Event, error)
}

// Reconciler applies verified payment events.
type Reconciler interface {
	Handle(ctx context.Context, ev *checkout.Event) (payment.Outcome, error)
}

// TokenVerifier resolves bearer tokens to identities.
type TokenVerifier interface {
	Verify(token string) (auth.Identity, error)
}

// Config holds non-dependency configuration for the Handler.
type Config struct {
	// FrontendURL is the redirect origin used when the request Origin is
	// not allow-listed.
	FrontendURL string
	SuccessPath string
	CancelPath  string
	// AllowedOrigins may be used verbatim as redirect origins.
	AllowedOrigins  []string
	MaxWebhookBytes int64
	ListLimit       int
}

func (c *Config) setDefaults() {
	if c.SuccessPath == "" {
		c.SuccessPath = "/loader?next=my-orders"
	}
	if c.CancelPath == "" {
		c.CancelPath = "/cart"
	}
	if c.MaxWebhookBytes <= 0 {
		c.MaxWebhookBytes = 64 << 10
	}
	if c.ListLimit <= 0 {
		c.ListLimit = 100
	}
}

// Handler serves the HTTP API.
type Handler struct {
	cfg        Config
	orders     Orders
	carts      Carts
	verifier   EventVerifier
	reconciler Reconciler
	tokens     TokenVerifier
}

// New constructs a Handler.
func New(
	cfg Config,
	orders Orders,
	carts Carts,
	verifier EventVerifier,
	reconciler Reconciler,
	tokens TokenVerifier,
) *Handler {
	cfg.setDefaults()
	return &Handler{
		cfg:        cfg,
		orders:     orders,
		carts:      carts,
		verifier:   verifier,
		reconciler: reconciler,
		tokens:     tokens,
	}
}

// Routes returns the API router. Webhooks are authenticated by signature,
// everything else by bearer token.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Post("/webhooks/payment", h.PaymentWebhook)

	r.Group(func(r chi.Router) {
		r.Use(h.authenticate)

		r.Post("/orders/cod", h.PlaceCOD)
		r.Post("/orders/online", h.PlaceOnline)
		r.Post("/orders/{id}/checkout", h.ResumeCheckout)
		r.Get("/orders/mine", h.ListMine)
		r.With(requireRole(auth.RoleSeller)).Get("/orders/all", h.ListAll)

		r.Get("/cart", h.GetCart)
		r.Post("/cart/update", h.UpdateCart)
	})
	return r
}

// targets builds checkout redirect URLs from the request origin.
func (h *Handler) targets(r *http.Request) checkout.Targets {
	origin := strings.TrimRight(h.cfg.FrontendURL, "/")
	if o := r.Header.Get("Origin"); o != "" {
		for _, allowed := range h.cfg.AllowedOrigins {
			if o == allowed {
				origin = strings.TrimRight(o, "/")
				break
			}
		}
	}
	return checkout.Targets{
		SuccessURL: origin + h.cfg.SuccessPath,
		CancelURL:  origin + h.cfg.CancelPath,
	}
}

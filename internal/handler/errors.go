package handler

import (
	"context"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/storefront-payments/internal/domain/cart"
	"github.com/xenking/storefront-payments/internal/domain/checkout"
	"github.com/xenking/storefront-payments/internal/domain/order"
	"github.com/xenking/storefront-payments/internal/domain/pricing"
)

func writeError(w http.ResponseWriter, status int, msg string) {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("code")
	e.Int(status)
	e.FieldStart("message")
	e.Str(msg)
	e.ObjEnd()
	writeJSON(w, status, e.Bytes())
}

// writeDomainError maps service errors to responses. Unknown errors are
// logged and reported as 500 without detail.
func writeDomainError(ctx context.Context, w http.ResponseWriter, err error) {
	var (
		notFound *pricing.ProductNotFoundError
		coErr    *order.CheckoutError
	)
	switch {
	case errors.As(err, &coErr):
		zctx.From(ctx).Warn("Checkout session unavailable",
			zap.String("order_id", coErr.OrderID), zap.Error(err))
		var e jx.Encoder
		e.ObjStart()
		e.FieldStart("code")
		e.Int(http.StatusServiceUnavailable)
		e.FieldStart("message")
		e.Str("payment gateway unavailable, retry checkout")
		e.FieldStart("orderId")
		e.Str(coErr.OrderID)
		e.ObjEnd()
		writeJSON(w, http.StatusServiceUnavailable, e.Bytes())
	case errors.Is(err, checkout.ErrGatewayUnavailable):
		zctx.From(ctx).Warn("Checkout session unavailable", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "payment gateway unavailable")
	case errors.As(err, &notFound):
		writeError(w, http.StatusUnprocessableEntity, notFound.Error())
	case errors.Is(err, order.ErrInvalidOrderRequest),
		errors.Is(err, cart.ErrInvalidQuantity):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, order.ErrNotFound):
		writeError(w, http.StatusNotFound, "order not found")
	case errors.Is(err, order.ErrNotPayable):
		writeError(w, http.StatusConflict, err.Error())
	default:
		zctx.From(ctx).Error("Request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

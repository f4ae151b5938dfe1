package handler

import (
	"io"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/storefront-payments/internal/domain/checkout"
)

// HeaderSignature carries the processor's webhook signature.
const HeaderSignature = "Stripe-Signature"

// PaymentWebhook handles POST /webhooks/payment.
//
// The raw body is verified as received. Only an authenticity failure is
// rejected; every other delivery is acknowledged, including ones that
// failed internally, which are logged and recovered by replay.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	lg := zctx.From(ctx)

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxWebhookBytes))
	if err != nil {
		lg.Warn("Read webhook body", zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid webhook payload")
		return
	}

	ev, err := h.verifier.VerifyAndDecode(payload, r.Header.Get(HeaderSignature))
	switch {
	case errors.Is(err, checkout.ErrInvalidSignature):
		lg.Warn("Webhook signature rejected", zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid signature")
		return
	case err != nil:
		lg.Error("Undecodable webhook event", zap.Error(err))
		writeAck(w)
		return
	}

	lg = lg.With(
		zap.String("event_id", ev.ID),
		zap.String("event_type", ev.Type),
	)
	outcome, err := h.reconciler.Handle(ctx, ev)
	if err != nil {
		lg.Error("Webhook event not applied", zap.Stringer("outcome", outcome), zap.Error(err))
		writeAck(w)
		return
	}
	lg.Info("Webhook event handled", zap.Stringer("outcome", outcome))
	writeAck(w)
}

func writeAck(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, []byte(`{"received":true}`))
}

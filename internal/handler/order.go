package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"

	"github.com/xenking/storefront-payments/internal/domain/order"
)

func (h *Handler) decodeOrder(w http.ResponseWriter, r *http.Request) (order.PlaceOrderRequest, bool) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return order.PlaceOrderRequest{}, false
	}
	req, err := decodePlaceOrder(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return order.PlaceOrderRequest{}, false
	}
	return req, true
}

// PlaceCOD handles POST /orders/cod.
func (h *Handler) PlaceCOD(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeOrder(w, r)
	if !ok {
		return
	}
	o, err := h.orders.PlaceCOD(r.Context(), identity(r).UserID, req)
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	writeFields(w, http.StatusCreated, "orderId", o.ID)
}

// PlaceOnline handles POST /orders/online.
func (h *Handler) PlaceOnline(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeOrder(w, r)
	if !ok {
		return
	}
	o, url, err := h.orders.PlaceOnline(r.Context(), identity(r).UserID, req, h.targets(r))
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	writeFields(w, http.StatusCreated, "orderId", o.ID, "redirectURL", url)
}

// ResumeCheckout handles POST /orders/{id}/checkout.
func (h *Handler) ResumeCheckout(w http.ResponseWriter, r *http.Request) {
	url, err := h.orders.ResumeCheckout(r.Context(), identity(r).UserID, chi.URLParam(r, "id"), h.targets(r))
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	writeFields(w, http.StatusOK, "redirectURL", url)
}

// ListMine handles GET /orders/mine.
func (h *Handler) ListMine(w http.ResponseWriter, r *http.Request) {
	orders, err := h.orders.ListMine(r.Context(), identity(r).UserID, h.cfg.ListLimit)
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	writeOrders(w, orders)
}

// ListAll handles GET /orders/all.
func (h *Handler) ListAll(w http.ResponseWriter, r *http.Request) {
	orders, err := h.orders.ListAll(r.Context(), h.cfg.ListLimit)
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	writeOrders(w, orders)
}

func writeOrders(w http.ResponseWriter, orders []order.Order) {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("orders")
	e.ArrStart()
	for i := range orders {
		encodeOrder(&e, &orders[i])
	}
	e.ArrEnd()
	e.ObjEnd()
	writeJSON(w, http.StatusOK, e.Bytes())
}

package handler

import (
	"net/http"

	"github.com/go-faster/jx"
)

// GetCart handles GET /cart.
func (h *Handler) GetCart(w http.ResponseWriter, r *http.Request) {
	items, err := h.carts.Get(r.Context(), identity(r).UserID)
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	var e jx.Encoder
	encodeCart(&e, items)
	writeJSON(w, http.StatusOK, e.Bytes())
}

// UpdateCart handles POST /cart/update. A zero quantity removes the line.
func (h *Handler) UpdateCart(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	it, err := decodeCartUpdate(body)
	if err != nil || it.ProductID == "" {
		writeError(w, http.StatusBadRequest, "productId and quantity required")
		return
	}

	userID := identity(r).UserID
	if err := h.carts.Update(r.Context(), userID, it.ProductID, it.Quantity); err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	items, err := h.carts.Get(r.Context(), userID)
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	var e jx.Encoder
	encodeCart(&e, items)
	writeJSON(w, http.StatusOK, e.Bytes())
}

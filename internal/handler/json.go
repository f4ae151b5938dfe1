package handler

import (
	"io"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/storefront-payments/internal/domain/cart"
	"github.com/xenking/storefront-payments/internal/domain/order"
	"github.com/xenking/storefront-payments/internal/domain/pricing"
)

const maxRequestBytes = 1 << 20

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		return nil, errors.Wrap(err, "read body")
	}
	return body, nil
}

// decodePlaceOrder parses {"items":[{"productId","quantity"}],"addressId"}.
func decodePlaceOrder(data []byte) (order.PlaceOrderRequest, error) {
	var req order.PlaceOrderRequest
	d := jx.DecodeBytes(data)
	err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "addressId":
			s, err := d.Str()
			req.AddressID = s
			return err
		case "items":
			return d.Arr(func(d *jx.Decoder) error {
				var it pricing.Item
				if err := d.Obj(func(d *jx.Decoder, key string) error {
					switch key {
					case "productId":
						s, err := d.Str()
						it.ProductID = s
						return err
					case "quantity":
						n, err := d.Int()
						it.Quantity = n
						return err
					default:
						return d.Skip()
					}
				}); err != nil {
					return err
				}
				req.Items = append(req.Items, it)
				return nil
			})
		default:
			return d.Skip()
		}
	})
	if err != nil {
		return order.PlaceOrderRequest{}, errors.Wrap(err, "decode order request")
	}
	return req, nil
}

// decodeCartUpdate parses {"productId","quantity"}.
func decodeCartUpdate(data []byte) (cart.Item, error) {
	var it cart.Item
	d := jx.DecodeBytes(data)
	err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "productId":
			s, err := d.Str()
			it.ProductID = s
			return err
		case "quantity":
			n, err := d.Int()
			it.Quantity = n
			return err
		default:
			return d.Skip()
		}
	})
	if err != nil {
		return cart.Item{}, errors.Wrap(err, "decode cart update")
	}
	return it, nil
}

func encodeOrder(e *jx.Encoder, o *order.Order) {
	e.ObjStart()
	e.FieldStart("id")
	e.Str(o.ID)
	e.FieldStart("userId")
	e.Str(o.UserID)
	e.FieldStart("addressId")
	e.Str(o.AddressID)
	e.FieldStart("items")
	e.ArrStart()
	for _, it := range o.Items {
		e.ObjStart()
		e.FieldStart("productId")
		e.Str(it.ProductID)
		e.FieldStart("name")
		e.Str(it.Name)
		e.FieldStart("unitPrice")
		e.Int64(it.UnitPrice)
		e.FieldStart("quantity")
		e.Int(it.Quantity)
		e.ObjEnd()
	}
	e.ArrEnd()
	e.FieldStart("subtotal")
	e.Int64(o.Subtotal)
	e.FieldStart("surcharge")
	e.Int64(o.Surcharge)
	e.FieldStart("amount")
	e.Int64(o.Amount)
	e.FieldStart("paymentType")
	e.Str(string(o.PaymentType))
	e.FieldStart("status")
	e.Str(string(o.Status))
	e.FieldStart("createdAt")
	e.Str(o.CreatedAt.UTC().Format(time.RFC3339))
	e.ObjEnd()
}

func encodeCart(e *jx.Encoder, items []cart.Item) {
	e.ObjStart()
	e.FieldStart("items")
	e.ArrStart()
	for _, it := range items {
		e.ObjStart()
		e.FieldStart("productId")
		e.Str(it.ProductID)
		e.FieldStart("quantity")
		e.Int(it.Quantity)
		e.ObjEnd()
	}
	e.ArrEnd()
	e.ObjEnd()
}

// writeFields writes a flat object of string fields.
func writeFields(w http.ResponseWriter, status int, kv ...string) {
	var e jx.Encoder
	e.ObjStart()
	for i := 0; i+1 < len(kv); i += 2 {
		e.FieldStart(kv[i])
		e.Str(kv[i+1])
	}
	e.ObjEnd()
	writeJSON(w, status, e.Bytes())
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

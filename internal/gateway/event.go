package gateway

import (
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/storefront-payments/internal/domain/checkout"
)

// Stripe event types that settle a payment.
const (
	typeIntentSucceeded       = "payment_intent.succeeded"
	typeIntentFailed          = "payment_intent.payment_failed"
	typeSessionCompleted      = "checkout.session.completed"
	typeSessionAsyncSucceeded = "checkout.session.async_payment_succeeded"
	typeSessionAsyncFailed    = "checkout.session.async_payment_failed"
)

type eventObject struct {
	ID            string
	PaymentStatus string
}

// DecodeEvent decodes a Stripe event without verifying it. Use it only for
// payloads fetched from the Stripe API with the secret key.
func DecodeEvent(payload []byte) (*checkout.Event, error) {
	var (
		ev  checkout.Event
		obj eventObject
	)
	d := jx.DecodeBytes(payload)
	if err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "id":
			v, err := d.Str()
			ev.ID = v
			return err
		case "type":
			v, err := d.Str()
			ev.Type = v
			return err
		case "data":
			return d.Obj(func(d *jx.Decoder, key string) error {
				if key != "object" {
					return d.Skip()
				}
				return decodeObject(d, &obj)
			})
		default:
			return d.Skip()
		}
	}); err != nil {
		return nil, errors.Wrap(err, "decode event")
	}
	if ev.ID == "" {
		return nil, errors.New("decode event: missing id")
	}

	switch ev.Type {
	case typeIntentSucceeded:
		ev.Kind = checkout.KindPaymentSucceeded
		ev.Ref.PaymentIntentID = obj.ID
	case typeIntentFailed:
		// A declined attempt leaves the checkout session open for another
		// attempt, so it settles nothing.
		ev.Ref.PaymentIntentID = obj.ID
	case typeSessionCompleted:
		// Delayed payment methods complete the session unpaid and settle
		// later through the async events.
		if obj.PaymentStatus == "paid" {
			ev.Kind = checkout.KindPaymentSucceeded
		}
		ev.Ref.SessionID = obj.ID
	case typeSessionAsyncSucceeded:
		ev.Kind = checkout.KindPaymentSucceeded
		ev.Ref.SessionID = obj.ID
	case typeSessionAsyncFailed:
		ev.Kind = checkout.KindPaymentFailed
		ev.Ref.SessionID = obj.ID
	}
	if ev.Kind != checkout.KindUnknown && ev.Ref.IsZero() {
		return nil, errors.Errorf("decode event %s: missing object id", ev.ID)
	}
	return &ev, nil
}

func decodeObject(d *jx.Decoder, obj *eventObject) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "id":
			v, err := optString(d)
			obj.ID = v
			return err
		case "payment_status":
			v, err := optString(d)
			obj.PaymentStatus = v
			return err
		default:
			return d.Skip()
		}
	})
}

func optString(d *jx.Decoder) (string, error) {
	if d.Next() == jx.Null {
		return "", d.Null()
	}
	return d.Str()
}

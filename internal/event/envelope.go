// Package event defines the cross-service integration event wire format.
//
// Every event travels as a JSON envelope {id, occurredOn, orderId, eventType,
// payload}. The envelope id equals the outbox entry id that produced it, so
// consumers can deduplicate redeliveries. Each consumer decodes the payload
// independently by eventType; no in-process types are shared across service
// boundaries.
package event

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/google/uuid"

	"github.com/foodcourt/ordering/internal/domain/order"
)

// Wire event types published by the ordering service.
const (
	TypeOrderStarted       = "order-started"
	TypeAwaitingValidation = "awaiting-validation"
	TypeStockConfirmed     = "stock-confirmed"
	TypePaid               = "paid"
	TypePaymentFailed      = "payment-failed"
	TypeCancelled          = "cancelled"
	TypeShipped            = "shipped"
)

// Wire event types consumed by the ordering service.
const (
	TypePaymentSucceeded     = "payment-succeeded"
	TypeGracePeriodConfirmed = "grace-period-confirmed"
)

// ErrMalformed marks an event that is structurally invalid. Replaying such a
// message can never succeed, so consumers log and acknowledge it.
var ErrMalformed = errors.New("malformed integration event")

// Envelope is the versioned wire representation of one integration event.
type Envelope struct {
	ID         uuid.UUID
	OccurredOn time.Time
	OrderID    int64
	EventType  string
	Payload    jx.Raw
}

// Encode serializes the envelope to its JSON wire form.
func (e Envelope) Encode() []byte {
	var enc jx.Encoder
	enc.ObjStart()
	enc.FieldStart("id")
	enc.Str(e.ID.String())
	enc.FieldStart("occurredOn")
	enc.Str(e.OccurredOn.UTC().Format(time.RFC3339Nano))
	enc.FieldStart("orderId")
	enc.Int64(e.OrderID)
	enc.FieldStart("eventType")
	enc.Str(e.EventType)
	enc.FieldStart("payload")
	if len(e.Payload) > 0 {
		enc.Raw(e.Payload)
	} else {
		enc.ObjStart()
		enc.ObjEnd()
	}
	enc.ObjEnd()
	return enc.Bytes()
}

// Decode parses an envelope from its JSON wire form. Structural problems are
// reported as ErrMalformed.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	d := jx.DecodeBytes(data)
	err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "id":
			s, err := d.Str()
			if err != nil {
				return err
			}
			id, err := uuid.Parse(s)
			if err != nil {
				return errors.Wrap(ErrMalformed, "event id")
			}
			env.ID = id
			return nil
		case "occurredOn":
			s, err := d.Str()
			if err != nil {
				return err
			}
			ts, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return errors.Wrap(ErrMalformed, "occurredOn")
			}
			env.OccurredOn = ts
			return nil
		case "orderId":
			v, err := d.Int64()
			if err != nil {
				return err
			}
			env.OrderID = v
			return nil
		case "eventType":
			s, err := d.Str()
			if err != nil {
				return err
			}
			env.EventType = s
			return nil
		case "payload":
			raw, err := d.Raw()
			if err != nil {
				return err
			}
			env.Payload = raw
			return nil
		default:
			return d.Skip()
		}
	})
	if err != nil {
		if errors.Is(err, ErrMalformed) {
			return Envelope{}, err
		}
		return Envelope{}, errors.Wrap(ErrMalformed, err.Error())
	}

	if env.ID == uuid.Nil {
		return Envelope{}, errors.Wrap(ErrMalformed, "missing event id")
	}
	if env.EventType == "" {
		return Envelope{}, errors.Wrap(ErrMalformed, "missing event type")
	}
	return env, nil
}

// FromDomain converts a drained domain event into a wire envelope with a
// freshly assigned event id.
func FromDomain(ev order.Event) (Envelope, error) {
	env := Envelope{
		ID:         uuid.New(),
		OccurredOn: time.Now().UTC(),
		EventType:  ev.Name(),
	}

	var enc jx.Encoder
	switch e := ev.(type) {
	case order.StartedEvent:
		env.OrderID = e.OrderID
		enc.ObjStart()
		enc.FieldStart("orderId")
		enc.Int64(e.OrderID)
		enc.FieldStart("buyerId")
		enc.Str(e.BuyerID)
		enc.FieldStart("total")
		enc.Str(e.Total.String())
		enc.ObjEnd()
	case order.AwaitingValidationEvent:
		env.OrderID = e.OrderID
		encodeItemsPayload(&enc, e.OrderID, e.Items)
	case order.StockConfirmedEvent:
		env.OrderID = e.OrderID
		encodeItemsPayload(&enc, e.OrderID, e.Items)
	case order.PaidEvent:
		env.OrderID = e.OrderID
		enc.ObjStart()
		enc.FieldStart("orderId")
		enc.Int64(e.OrderID)
		enc.FieldStart("total")
		enc.Str(e.Total.String())
		enc.ObjEnd()
	case order.PaymentFailedEvent:
		env.OrderID = e.OrderID
		encodeOrderIDPayload(&enc, e.OrderID)
	case order.CancelledEvent:
		env.OrderID = e.OrderID
		encodeOrderIDPayload(&enc, e.OrderID)
	case order.ShippedEvent:
		env.OrderID = e.OrderID
		encodeOrderIDPayload(&enc, e.OrderID)
	default:
		return Envelope{}, errors.Errorf("no envelope mapping for event %q", ev.Name())
	}

	env.Payload = enc.Bytes()
	return env, nil
}

func encodeOrderIDPayload(enc *jx.Encoder, orderID int64) {
	enc.ObjStart()
	enc.FieldStart("orderId")
	enc.Int64(orderID)
	enc.ObjEnd()
}

func encodeItemsPayload(enc *jx.Encoder, orderID int64, items []order.LineItem) {
	enc.ObjStart()
	enc.FieldStart("orderId")
	enc.Int64(orderID)
	enc.FieldStart("items")
	enc.ArrStart()
	for _, li := range items {
		enc.ObjStart()
		enc.FieldStart("productId")
		enc.Int64(li.ProductID)
		enc.FieldStart("quantity")
		enc.Int(li.Quantity)
		enc.ObjEnd()
	}
	enc.ArrEnd()
	enc.ObjEnd()
}

// PaymentSucceeded is the inbound notification that payment for an order went
// through.
type PaymentSucceeded struct {
	OrderID int64
}

// PaymentFailed is the inbound notification that payment for an order failed.
type PaymentFailed struct {
	OrderID int64
}

// GracePeriodConfirmed is the inbound notification that the ordering grace
// period ended and stock validation should begin.
type GracePeriodConfirmed struct {
	OrderID int64
}

// DecodePaymentSucceeded extracts a PaymentSucceeded from the envelope.
func DecodePaymentSucceeded(env Envelope) (PaymentSucceeded, error) {
	id, err := orderIDFrom(env)
	if err != nil {
		return PaymentSucceeded{}, err
	}
	return PaymentSucceeded{OrderID: id}, nil
}

// DecodePaymentFailed extracts a PaymentFailed from the envelope.
func DecodePaymentFailed(env Envelope) (PaymentFailed, error) {
	id, err := orderIDFrom(env)
	if err != nil {
		return PaymentFailed{}, err
	}
	return PaymentFailed{OrderID: id}, nil
}

// DecodeGracePeriodConfirmed extracts a GracePeriodConfirmed from the envelope.
func DecodeGracePeriodConfirmed(env Envelope) (GracePeriodConfirmed, error) {
	id, err := orderIDFrom(env)
	if err != nil {
		return GracePeriodConfirmed{}, err
	}
	return GracePeriodConfirmed{OrderID: id}, nil
}

// orderIDFrom resolves the order id from the payload, falling back to the
// envelope field. An event that identifies no order is malformed.
func orderIDFrom(env Envelope) (int64, error) {
	var id int64
	if len(env.Payload) > 0 {
		d := jx.DecodeBytes(env.Payload)
		err := d.Obj(func(d *jx.Decoder, key string) error {
			if key == "orderId" {
				v, err := d.Int64()
				if err != nil {
					return err
				}
				id = v
				return nil
			}
			return d.Skip()
		})
		if err != nil {
			return 0, errors.Wrap(ErrMalformed, err.Error())
		}
	}
	if id == 0 {
		id = env.OrderID
	}
	if id == 0 {
		return 0, errors.Wrap(ErrMalformed, "no order id")
	}
	return id, nil
}

// Package order contains the order aggregate and its lifecycle state machine.
//
// An order advances submitted -> awaiting_validation -> stock_confirmed ->
// paid -> shipped, with cancelled and payment_failed reachable from any
// non-terminal state that is not yet shipped. Every successful transition
// records exactly one domain event; the persistence layer drains those events
// into outbox entries within the same transaction that saves the order.
package order

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of an order.
type Status string

// Order lifecycle states.
const (
	StatusSubmitted          Status = "submitted"
	StatusAwaitingValidation Status = "awaiting_validation"
	StatusStockConfirmed     Status = "stock_confirmed"
	StatusPaid               Status = "paid"
	StatusShipped            Status = "shipped"
	StatusCancelled          Status = "cancelled"
	StatusPaymentFailed      Status = "payment_failed"
)

// Terminal reports whether no further transitions are possible from s.
func (s Status) Terminal() bool {
	return s == StatusShipped || s == StatusCancelled
}

// Sentinel errors for order validation.
var (
	ErrEmptyItems = fmt.Errorf("order must contain at least one line item")
	ErrNotFound   = fmt.Errorf("order not found")
)

// InvalidQuantityError indicates a line item has a non-positive quantity.
type InvalidQuantityError struct {
	ProductID int64
}

func (e *InvalidQuantityError) Error() string {
	return fmt.Sprintf("quantity must be greater than 0 for product %d", e.ProductID)
}

// InvalidTransitionError indicates a requested transition is not allowed from
// the order's current status. The aggregate state is left untouched.
type InvalidTransitionError struct {
	OrderID int64
	From    Status
	Op      string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s order %d in status %q", e.Op, e.OrderID, e.From)
}

// Address is the shipping address attached to an order.
type Address struct {
	Street  string `json:"street"`
	City    string `json:"city"`
	ZipCode string `json:"zipCode"`
}

// LineItem is a single ordered product line.
type LineItem struct {
	ProductID   int64           `json:"productId"`
	ProductName string          `json:"productName,omitempty"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
	Discount    decimal.Decimal `json:"discount"`
	Quantity    int             `json:"quantity"`
}

// Subtotal returns unit price times quantity minus the line discount.
func (li LineItem) Subtotal() decimal.Decimal {
	qty := decimal.NewFromInt(int64(li.Quantity))
	return li.UnitPrice.Mul(qty).Sub(li.Discount)
}

// Event is a domain event recorded by the aggregate on a state change.
// Name returns the wire-level event type the outbox publishes it under.
type Event interface {
	Name() string
}

// StartedEvent is recorded when an order is created.
type StartedEvent struct {
	OrderID int64
	BuyerID string
	Total   decimal.Decimal
}

func (StartedEvent) Name() string { return "order-started" }

// AwaitingValidationEvent is recorded when an order starts waiting for stock
// validation.
type AwaitingValidationEvent struct {
	OrderID int64
	Items   []LineItem
}

func (AwaitingValidationEvent) Name() string { return "awaiting-validation" }

// StockConfirmedEvent is recorded when all line items are confirmed in stock.
type StockConfirmedEvent struct {
	OrderID int64
	Items   []LineItem
}

func (StockConfirmedEvent) Name() string { return "stock-confirmed" }

// PaidEvent is recorded when payment for the order succeeds.
type PaidEvent struct {
	OrderID int64
	Total   decimal.Decimal
}

func (PaidEvent) Name() string { return "paid" }

// PaymentFailedEvent is recorded when payment for the order fails.
type PaymentFailedEvent struct {
	OrderID int64
}

func (PaymentFailedEvent) Name() string { return "payment-failed" }

// CancelledEvent is recorded when an order is cancelled.
type CancelledEvent struct {
	OrderID int64
}

func (CancelledEvent) Name() string { return "cancelled" }

// ShippedEvent is recorded when an order is handed to delivery.
type ShippedEvent struct {
	OrderID int64
}

func (ShippedEvent) Name() string { return "shipped" }

// Order is the aggregate root. Mutate it only through its transition methods;
// the unexported event list keeps state changes and emitted events in step.
type Order struct {
	ID          int64
	BuyerID     string
	Address     Address
	Items       []LineItem
	DeliveryFee decimal.Decimal
	Total       decimal.Decimal
	Status      Status
	Description string
	Version     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time

	events []Event
}

// New creates an order in the submitted state and records the started event.
// Orders with zero line items or non-positive quantities are rejected before
// any event is recorded.
func New(id int64, buyerID string, addr Address, items []LineItem, deliveryFee decimal.Decimal) (*Order, error) {
	if len(items) == 0 {
		return nil, ErrEmptyItems
	}
	for _, li := range items {
		if li.Quantity <= 0 {
			return nil, &InvalidQuantityError{ProductID: li.ProductID}
		}
	}

	now := time.Now().UTC()
	o := &Order{
		ID:          id,
		BuyerID:     buyerID,
		Address:     addr,
		Items:       items,
		DeliveryFee: deliveryFee,
		Status:      StatusSubmitted,
		Description: "order submitted",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	o.Total = o.computeTotal()

	o.record(StartedEvent{OrderID: o.ID, BuyerID: o.BuyerID, Total: o.Total})
	return o, nil
}

// computeTotal derives the order total from its line items and delivery fee.
func (o *Order) computeTotal() decimal.Decimal {
	total := o.DeliveryFee
	for _, li := range o.Items {
		total = total.Add(li.Subtotal())
	}
	return total.Round(2)
}

// SetAwaitingValidation moves a submitted order into stock validation.
// Calling it again once already awaiting is a no-op.
func (o *Order) SetAwaitingValidation() error {
	if o.Status == StatusAwaitingValidation {
		return nil
	}
	if o.Status != StatusSubmitted {
		return &InvalidTransitionError{OrderID: o.ID, From: o.Status, Op: "await stock validation for"}
	}

	o.setStatus(StatusAwaitingValidation, "awaiting stock validation")
	o.record(AwaitingValidationEvent{OrderID: o.ID, Items: o.Items})
	return nil
}

// ConfirmStock marks all line items as available. It is reachable from
// awaiting_validation, or forced directly from submitted (the demo fast path
// that skips a real inventory check). Re-confirming is a no-op.
func (o *Order) ConfirmStock() error {
	if o.Status == StatusStockConfirmed {
		return nil
	}
	if o.Status != StatusSubmitted && o.Status != StatusAwaitingValidation {
		return &InvalidTransitionError{OrderID: o.ID, From: o.Status, Op: "confirm stock for"}
	}

	o.setStatus(StatusStockConfirmed, "stock confirmed")
	o.record(StockConfirmedEvent{OrderID: o.ID, Items: o.Items})
	return nil
}

// MarkPaid records a successful payment. Only a stock-confirmed order can be
// paid; this guards against a duplicate payment-succeeded event being applied
// twice. Marking an already paid order is a no-op.
func (o *Order) MarkPaid() error {
	if o.Status == StatusPaid {
		return nil
	}
	if o.Status != StatusStockConfirmed {
		return &InvalidTransitionError{OrderID: o.ID, From: o.Status, Op: "mark paid"}
	}

	o.setStatus(StatusPaid, "payment received")
	o.record(PaidEvent{OrderID: o.ID, Total: o.Total})
	return nil
}

// Ship hands a paid order to delivery. Shipping twice is a no-op.
func (o *Order) Ship() error {
	if o.Status == StatusShipped {
		return nil
	}
	if o.Status != StatusPaid {
		return &InvalidTransitionError{OrderID: o.ID, From: o.Status, Op: "ship"}
	}

	o.setStatus(StatusShipped, "shipped")
	o.record(ShippedEvent{OrderID: o.ID})
	return nil
}

// Cancel aborts the order. Allowed from any state except shipped; cancelling
// twice is a no-op.
func (o *Order) Cancel() error {
	if o.Status == StatusCancelled {
		return nil
	}
	if o.Status == StatusShipped {
		return &InvalidTransitionError{OrderID: o.ID, From: o.Status, Op: "cancel"}
	}

	o.setStatus(StatusCancelled, "cancelled")
	o.record(CancelledEvent{OrderID: o.ID})
	return nil
}

// MarkPaymentFailed records a failed payment. Allowed from any non-terminal
// state; marking twice is a no-op.
func (o *Order) MarkPaymentFailed() error {
	if o.Status == StatusPaymentFailed {
		return nil
	}
	if o.Status.Terminal() {
		return &InvalidTransitionError{OrderID: o.ID, From: o.Status, Op: "mark payment failed for"}
	}

	o.setStatus(StatusPaymentFailed, "payment failed")
	o.record(PaymentFailedEvent{OrderID: o.ID})
	return nil
}

func (o *Order) setStatus(s Status, description string) {
	o.Status = s
	o.Description = description
	o.UpdatedAt = time.Now().UTC()
}

func (o *Order) record(ev Event) {
	o.events = append(o.events, ev)
}

// DrainEvents returns the events recorded since the last drain and clears the
// list. The persistence layer consumes it exactly once per save.
func (o *Order) DrainEvents() []Event {
	evs := o.events
	o.events = nil
	return evs
}

// PendingEvents returns the number of recorded, not yet drained events.
func (o *Order) PendingEvents() int {
	return len(o.events)
}

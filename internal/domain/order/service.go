package order

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Command is a request to create or transition one order.
type Command interface {
	// CommandName identifies the command type; together with the caller's
	// request id it forms the deduplication key.
	CommandName() string
}

// CreateOrder creates a new order and, as the demo fast path, immediately
// forces the stock-confirmed transition.
type CreateOrder struct {
	BuyerID     string
	Address     Address
	Items       []LineItem
	DeliveryFee decimal.Decimal
}

func (CreateOrder) CommandName() string { return "create-order" }

// CancelOrder aborts an order that has not shipped.
type CancelOrder struct {
	OrderID int64
}

func (CancelOrder) CommandName() string { return "cancel-order" }

// ShipOrder hands a paid order to delivery.
type ShipOrder struct {
	OrderID int64
}

func (ShipOrder) CommandName() string { return "ship-order" }

// SetAwaitingValidation moves a submitted order into stock validation. Issued
// when the ordering grace period ends.
type SetAwaitingValidation struct {
	OrderID int64
}

func (SetAwaitingValidation) CommandName() string { return "set-awaiting-validation" }

// MarkOrderPaid records a successful payment, driven by the payment service's
// payment-succeeded integration event.
type MarkOrderPaid struct {
	OrderID int64
}

func (MarkOrderPaid) CommandName() string { return "mark-order-paid" }

// MarkOrderPaymentFailed records a failed payment, driven by the payment
// service's payment-failed integration event.
type MarkOrderPaymentFailed struct {
	OrderID int64
}

func (MarkOrderPaymentFailed) CommandName() string { return "mark-order-payment-failed" }

// UnknownCommandError indicates a command type the service does not handle.
type UnknownCommandError struct {
	Name string
}

func (e *UnknownCommandError) Error() string {
	return "unknown command " + e.Name
}

// Store loads order snapshots and allocates order ids. Implementations load a
// fresh snapshot per call; the aggregate is never cached across requests.
type Store interface {
	Get(ctx context.Context, id int64) (*Order, error)
	NextID(ctx context.Context) (int64, error)
}

// Service executes commands against the order aggregate. It mutates only the
// in-memory snapshot; persisting the result together with the drained events
// is the dispatcher's job.
type Service struct {
	store Store
}

// NewService creates an order command service backed by the given store.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Handle runs one command and returns the mutated aggregate. Business-rule
// refusals (invalid transitions, validation failures) surface as typed errors
// with the aggregate untouched.
func (s *Service) Handle(ctx context.Context, cmd Command) (*Order, error) {
	switch c := cmd.(type) {
	case CreateOrder:
		return s.create(ctx, c)
	case CancelOrder:
		return s.transition(ctx, c.OrderID, (*Order).Cancel)
	case ShipOrder:
		return s.transition(ctx, c.OrderID, (*Order).Ship)
	case SetAwaitingValidation:
		return s.transition(ctx, c.OrderID, (*Order).SetAwaitingValidation)
	case MarkOrderPaid:
		return s.transition(ctx, c.OrderID, (*Order).MarkPaid)
	case MarkOrderPaymentFailed:
		return s.transition(ctx, c.OrderID, (*Order).MarkPaymentFailed)
	default:
		return nil, &UnknownCommandError{Name: cmd.CommandName()}
	}
}

func (s *Service) create(ctx context.Context, c CreateOrder) (*Order, error) {
	id, err := s.store.NextID(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "allocate order id")
	}

	o, err := New(id, c.BuyerID, c.Address, c.Items, c.DeliveryFee)
	if err != nil {
		return nil, err
	}

	// Demo fast path: skip the real inventory check and confirm stock at
	// creation time.
	if err := o.ConfirmStock(); err != nil {
		return nil, err
	}
	return o, nil
}

func (s *Service) transition(ctx context.Context, id int64, apply func(*Order) error) (*Order, error) {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := apply(o); err != nil {
		return nil, err
	}
	return o, nil
}

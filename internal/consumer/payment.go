// Package consumer translates inbound integration events into order commands.
//
// Every handler is safe to invoke more than once with the same event id:
// commands are issued through the idempotent dispatcher under a request id
// derived deterministically from the event id, so broker redeliveries dedupe
// exactly like retried HTTP calls.
package consumer

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/foodcourt/ordering/internal/dispatch"
	"github.com/foodcourt/ordering/internal/domain/order"
	"github.com/foodcourt/ordering/internal/event"
)

// OrderCommands issues idempotent commands against the order aggregate.
type OrderCommands interface {
	Execute(ctx context.Context, requestID uuid.UUID, cmd order.Command) (dispatch.Result, error)
}

var _ OrderCommands = (*dispatch.Dispatcher)(nil)

// Handlers holds the ordering service's integration event handlers.
type Handlers struct {
	commands OrderCommands
	lg       *zap.Logger
}

// NewHandlers creates the handler set over the given command dispatcher.
func NewHandlers(commands OrderCommands, lg *zap.Logger) *Handlers {
	return &Handlers{commands: commands, lg: lg.Named("events")}
}

// Register binds each handled event type in the registry.
func (h *Handlers) Register(r *event.Registry) {
	r.Register(event.TypePaymentSucceeded, h.paymentSucceeded)
	r.Register(event.TypePaymentFailed, h.paymentFailed)
	r.Register(event.TypeGracePeriodConfirmed, h.gracePeriodConfirmed)
}

func (h *Handlers) paymentSucceeded(ctx context.Context, env event.Envelope) error {
	p, err := event.DecodePaymentSucceeded(env)
	if err != nil {
		return err
	}
	return h.run(ctx, env, event.TypePaymentSucceeded, order.MarkOrderPaid{OrderID: p.OrderID})
}

func (h *Handlers) paymentFailed(ctx context.Context, env event.Envelope) error {
	p, err := event.DecodePaymentFailed(env)
	if err != nil {
		return err
	}
	return h.run(ctx, env, event.TypePaymentFailed, order.MarkOrderPaymentFailed{OrderID: p.OrderID})
}

func (h *Handlers) gracePeriodConfirmed(ctx context.Context, env event.Envelope) error {
	p, err := event.DecodeGracePeriodConfirmed(env)
	if err != nil {
		return err
	}
	return h.run(ctx, env, event.TypeGracePeriodConfirmed, order.SetAwaitingValidation{OrderID: p.OrderID})
}

// run issues the command under a request id derived from the event id. Errors
// that redelivery cannot fix are swallowed so the message gets acknowledged;
// transient failures propagate and requeue the message.
func (h *Handlers) run(ctx context.Context, env event.Envelope, handler string, cmd order.Command) error {
	requestID := dispatch.DerivedRequestID(env.ID, handler)

	res, err := h.commands.Execute(ctx, requestID, cmd)
	if err != nil {
		var tr *order.InvalidTransitionError
		if errors.As(err, &tr) {
			h.lg.Warn("Transition refused",
				zap.String("event_id", env.ID.String()),
				zap.String("event_type", env.EventType),
				zap.Error(err),
			)
			return nil
		}
		if errors.Is(err, order.ErrNotFound) {
			h.lg.Warn("Event references unknown order",
				zap.String("event_id", env.ID.String()),
				zap.String("event_type", env.EventType),
				zap.Int64("order_id", env.OrderID),
			)
			return nil
		}
		return err
	}

	// A redelivered event whose first delivery was refused comes back as a
	// cached refusal, not an error.
	if res.Error != "" {
		h.lg.Warn("Transition refused",
			zap.String("event_id", env.ID.String()),
			zap.String("event_type", env.EventType),
			zap.String("refusal", res.Error),
		)
		return nil
	}

	h.lg.Info("Applied integration event",
		zap.String("event_id", env.ID.String()),
		zap.String("event_type", env.EventType),
		zap.Int64("order_id", res.OrderID),
		zap.String("status", res.Status),
	)
	return nil
}

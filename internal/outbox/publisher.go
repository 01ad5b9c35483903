package outbox

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
)

// Broker delivers one entry to the message broker. Delivery is at-least-once;
// consumers are expected to deduplicate by entry id.
type Broker interface {
	Publish(ctx context.Context, e Entry) error
}

// Publisher drains the outbox in a background loop, decoupled from the
// request path. A broker outage never affects already-committed order state;
// failed entries stay in the table for the next pass.
type Publisher struct {
	store    Store
	broker   Broker
	lg       *zap.Logger
	interval time.Duration
	batch    int
}

// NewPublisher creates a publisher that drains up to batch entries every
// interval.
func NewPublisher(store Store, broker Broker, lg *zap.Logger, interval time.Duration, batch int) *Publisher {
	return &Publisher{
		store:    store,
		broker:   broker,
		lg:       lg.Named("outbox"),
		interval: interval,
		batch:    batch,
	}
}

// Run drains the outbox until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := p.Pass(ctx); err != nil {
				p.lg.Error("Outbox pass failed", zap.Error(err))
			}
		}
	}
}

// Pass claims one batch of claimable entries and attempts delivery, keeping
// per-order FIFO: once an entry for an order fails, later claimed entries for
// that order are released back to pending instead of being sent out of order.
// It returns the number of entries successfully published.
func (p *Publisher) Pass(ctx context.Context) (int, error) {
	entries, err := p.store.Claim(ctx, p.batch)
	if err != nil {
		return 0, errors.Wrap(err, "claim entries")
	}
	if len(entries) == 0 {
		return 0, nil
	}

	published := 0
	blocked := make(map[int64]struct{})
	for _, e := range entries {
		if _, held := blocked[e.OrderID]; held {
			if err := p.store.Release(ctx, e.ID); err != nil {
				p.lg.Error("Release entry", zap.String("id", e.ID.String()), zap.Error(err))
			}
			continue
		}

		if err := p.broker.Publish(ctx, e); err != nil {
			p.lg.Warn("Publish failed",
				zap.String("id", e.ID.String()),
				zap.String("event_type", e.EventType),
				zap.Int64("order_id", e.OrderID),
				zap.Int("attempts", e.Attempts+1),
				zap.Error(err),
			)
			blocked[e.OrderID] = struct{}{}
			if err := p.store.MarkFailed(ctx, e.ID); err != nil {
				p.lg.Error("Mark entry failed", zap.String("id", e.ID.String()), zap.Error(err))
			}
			continue
		}

		if err := p.store.MarkPublished(ctx, e.ID); err != nil {
			p.lg.Error("Mark entry published", zap.String("id", e.ID.String()), zap.Error(err))
			continue
		}
		published++
		p.lg.Debug("Published",
			zap.String("id", e.ID.String()),
			zap.String("event_type", e.EventType),
			zap.Int64("order_id", e.OrderID),
		)
	}

	return published, nil
}

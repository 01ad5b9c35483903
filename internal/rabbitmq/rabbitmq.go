// Package rabbitmq carries integration events over RabbitMQ. Outbound events
// are pushed by the outbox publisher to a durable queue with persistent
// delivery; inbound events are consumed with manual acknowledgement so that
// transient handler failures requeue while poison messages are dropped.
package rabbitmq

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/foodcourt/ordering/internal/event"
	"github.com/foodcourt/ordering/internal/outbox"
)

// Brokers in container environments come up slower than the service.
const (
	dialAttempts = 10
	dialBackoff  = 2 * time.Second
)

func connect(url string, lg *zap.Logger) (*amqp.Connection, error) {
	var (
		conn *amqp.Connection
		err  error
	)
	for i := 0; i < dialAttempts; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			return conn, nil
		}
		lg.Warn("Broker unreachable, retrying",
			zap.Int("attempt", i+1),
			zap.Duration("backoff", dialBackoff),
			zap.Error(err),
		)
		time.Sleep(dialBackoff)
	}
	return nil, errors.Wrap(err, "connect to broker")
}

func declareQueue(conn *amqp.Connection, queue string) (*amqp.Channel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "open channel")
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, errors.Wrapf(err, "declare queue %q", queue)
	}
	return ch, nil
}

var _ outbox.Broker = (*Publisher)(nil)

// Publisher pushes outbox entries to a durable queue.
type Publisher struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string
}

// NewPublisher connects to the broker and declares the outbound queue.
func NewPublisher(url, queue string, lg *zap.Logger) (*Publisher, error) {
	conn, err := connect(url, lg)
	if err != nil {
		return nil, err
	}
	ch, err := declareQueue(conn, queue)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Publisher{conn: conn, channel: ch, queue: queue}, nil
}

// Publish delivers one entry. The message id carries the event id so
// consumers can deduplicate redeliveries; persistent delivery survives broker
// restarts.
func (p *Publisher) Publish(ctx context.Context, e outbox.Entry) error {
	err := p.channel.PublishWithContext(ctx,
		"",      // exchange
		p.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			MessageId:    e.ID.String(),
			Type:         e.EventType,
			ContentType:  "application/json",
			Body:         e.Payload,
			DeliveryMode: amqp.Persistent,
		})
	if err != nil {
		return errors.Wrapf(err, "publish %s", e.ID)
	}
	return nil
}

// Close releases the channel and connection.
func (p *Publisher) Close() error {
	if err := p.channel.Close(); err != nil {
		return err
	}
	return p.conn.Close()
}

// Consumer delivers inbound integration events to the handler registry.
type Consumer struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	queue    string
	registry *event.Registry
	lg       *zap.Logger
}

// NewConsumer connects to the broker and declares the inbound queue.
func NewConsumer(url, queue string, registry *event.Registry, lg *zap.Logger) (*Consumer, error) {
	conn, err := connect(url, lg)
	if err != nil {
		return nil, err
	}
	ch, err := declareQueue(conn, queue)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Consumer{
		conn:     conn,
		channel:  ch,
		queue:    queue,
		registry: registry,
		lg:       lg.Named("consumer"),
	}, nil
}

// Run consumes until ctx is cancelled. Messages are acknowledged manually:
// a structurally invalid message can never succeed on replay, so it is logged
// and acknowledged; a transient handler failure requeues the message for a
// broker-level retry.
func (c *Consumer) Run(ctx context.Context) error {
	deliveries, err := c.channel.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return errors.Wrapf(err, "consume queue %q", c.queue)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.handle(ctx, d)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	env, err := event.Decode(d.Body)
	if err != nil {
		c.lg.Warn("Dropping malformed message",
			zap.String("message_id", d.MessageId),
			zap.Error(err),
		)
		c.ack(d)
		return
	}

	err = c.registry.Dispatch(ctx, env)
	switch {
	case err == nil:
		c.ack(d)
	case errors.Is(err, event.ErrMalformed):
		c.lg.Warn("Dropping malformed event",
			zap.String("event_id", env.ID.String()),
			zap.String("event_type", env.EventType),
			zap.Error(err),
		)
		c.ack(d)
	default:
		var unknown *event.UnknownEventError
		if errors.As(err, &unknown) {
			c.lg.Warn("Dropping event with no handler", zap.String("event_type", env.EventType))
			c.ack(d)
			return
		}
		c.lg.Error("Handler failed, requeueing",
			zap.String("event_id", env.ID.String()),
			zap.String("event_type", env.EventType),
			zap.Error(err),
		)
		if err := d.Nack(false, true); err != nil {
			c.lg.Error("Nack failed", zap.Error(err))
		}
	}
}

func (c *Consumer) ack(d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		c.lg.Error("Ack failed", zap.String("message_id", d.MessageId), zap.Error(err))
	}
}

// Close releases the channel and connection.
func (c *Consumer) Close() error {
	if err := c.channel.Close(); err != nil {
		return err
	}
	return c.conn.Close()
}

package rabbit

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/ticket-waitlist/internal/outbox"
)

// Consumer reads from a durable queue bound to the events exchange.
type Consumer struct {
	ch    *amqp.Channel
	queue string
}

func NewConsumer(conn *amqp.Connection, queue string, bindings ...string) (*Consumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, err
	}
	_, err = ch.QueueDeclare(queue, true, false, false, false, nil)
	if err != nil {
		return nil, err
	}
	if len(bindings) == 0 {
		bindings = []string{"#"}
	}
	for _, key := range bindings {
		if err := ch.QueueBind(queue, key, Exchange, false, nil); err != nil {
			return nil, err
		}
	}
	if err := ch.Qos(32, 0, false); err != nil {
		return nil, err
	}
	return &Consumer{ch: ch, queue: queue}, nil
}

// Consume delivers messages until ctx ends. Deliveries must be acked.
func (c *Consumer) Consume(ctx context.Context) (<-chan amqp.Delivery, error) {
	return c.ch.ConsumeWithContext(ctx, c.queue, "", false, false, false, false, nil)
}

// Run hands every delivery to handle. A handled message is acked; a failed
// one is requeued.
func (c *Consumer) Run(ctx context.Context, handle func(context.Context, outbox.Message) error) error {
	deliveries, err := c.Consume(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("delivery channel closed")
			}
			if err := handle(ctx, FromDelivery(d)); err != nil {
				d.Nack(false, true)
				continue
			}
			if err := d.Ack(false); err != nil {
				return errors.Wrap(err, "ack")
			}
		}
	}
}

// FromDelivery restores the outbox message a Publisher sent.
func FromDelivery(d amqp.Delivery) outbox.Message {
	msg := outbox.Message{
		ID:        d.MessageId,
		EventType: d.Type,
		Body:      d.Body,
		CreatedAt: d.Timestamp,
	}
	if msg.EventType == "" {
		msg.EventType = d.RoutingKey
	}
	if v, ok := d.Headers["aggregate_type"].(string); ok {
		msg.AggregateType = v
	}
	if v, ok := d.Headers["aggregate_id"].(string); ok {
		msg.AggregateID, _ = uuid.Parse(v)
	}
	return msg
}

func (c *Consumer) Close() error {
	return c.ch.Close()
}

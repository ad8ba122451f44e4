package rabbit

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/ticket-waitlist/internal/outbox"
)

const Exchange = "waitlist.events"

// Publisher sends outbox messages to a topic exchange, routed by event type.
type Publisher struct {
	ch *amqp.Channel
}

func NewPublisher(conn *amqp.Connection) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	err = ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil)
	if err != nil {
		return nil, err
	}
	return &Publisher{ch: ch}, nil
}

func (p *Publisher) Publish(ctx context.Context, msg outbox.Message) error {
	return p.ch.PublishWithContext(ctx, Exchange, msg.EventType, false, false, amqp.Publishing{
		MessageId:    msg.ID,
		Type:         msg.EventType,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    msg.CreatedAt,
		Headers: amqp.Table{
			"aggregate_type": msg.AggregateType,
			"aggregate_id":   msg.AggregateID.String(),
		},
		Body: msg.Body,
	})
}

func (p *Publisher) Close() error {
	return p.ch.Close()
}

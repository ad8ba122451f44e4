// Package kafka is an outbox sink writing to a single topic. Messages are
// keyed by aggregate id so events about one entry or event stay in order
// on their partition.
package kafka

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/ticket-waitlist/internal/outbox"
	"github.com/segmentio/kafka-go"
)

type Producer struct {
	writer *kafka.Writer
}

func NewProducer(brokers []string, topic string) *Producer {
	return &Producer{writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
	}}
}

func (p *Producer) Publish(ctx context.Context, msg outbox.Message) error {
	err := p.writer.WriteMessages(ctx, Message(msg))
	if err != nil {
		return errors.Wrapf(err, "write %s", msg.EventType)
	}
	return nil
}

// Message converts an outbox message to its Kafka form.
func Message(msg outbox.Message) kafka.Message {
	return kafka.Message{
		Key:   []byte(msg.AggregateID.String()),
		Value: msg.Body,
		Time:  msg.CreatedAt,
		Headers: []kafka.Header{
			{Key: "message_id", Value: []byte(msg.ID)},
			{Key: "event_type", Value: []byte(msg.EventType)},
			{Key: "aggregate_type", Value: []byte(msg.AggregateType)},
		},
	}
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

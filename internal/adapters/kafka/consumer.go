package kafka

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-waitlist/internal/outbox"
	"github.com/segmentio/kafka-go"
)

// Consumer reads the outbox topic as part of a consumer group. Offsets are
// committed only after the handler succeeds.
type Consumer struct {
	reader *kafka.Reader
}

func NewConsumer(brokers []string, topic, groupID string) *Consumer {
	return &Consumer{reader: kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})}
}

// Run stops at the first handler error, leaving the offset uncommitted so
// the message is read again after a restart.
func (c *Consumer) Run(ctx context.Context, handle func(context.Context, outbox.Message) error) error {
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "fetch")
		}
		if err := handle(ctx, FromMessage(m)); err != nil {
			return errors.Wrapf(err, "handle offset %d", m.Offset)
		}
		if err := c.reader.CommitMessages(ctx, m); err != nil {
			return errors.Wrap(err, "commit")
		}
	}
}

// FromMessage is the inverse of Message.
func FromMessage(m kafka.Message) outbox.Message {
	msg := outbox.Message{Body: m.Value, CreatedAt: m.Time}
	msg.AggregateID, _ = uuid.ParseBytes(m.Key)
	for _, h := range m.Headers {
		switch h.Key {
		case "message_id":
			msg.ID = string(h.Value)
		case "event_type":
			msg.EventType = string(h.Value)
		case "aggregate_type":
			msg.AggregateType = string(h.Value)
		}
	}
	return msg
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}

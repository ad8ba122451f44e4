// Package outbox relays records written by waitlist transactions to an
// event bus. Delivery is at least once; consumers dedupe on Message.ID.
package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/robertarktes/ticket-waitlist/internal/clock"
	"github.com/robertarktes/ticket-waitlist/internal/observability"
	"github.com/robertarktes/ticket-waitlist/internal/store"
)

type Message struct {
	ID            string
	EventType     string
	AggregateType string
	AggregateID   uuid.UUID
	Body          []byte
	CreatedAt     time.Time
}

type Sink interface {
	Publish(ctx context.Context, msg Message) error
}

type Relay struct {
	store  store.Store
	sink   Sink
	clock  clock.Clock
	logger observability.Logger
	batch  int
}

func NewRelay(st store.Store, sink Sink, clk clock.Clock, logger observability.Logger, batch int) *Relay {
	if batch <= 0 {
		batch = 100
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Relay{store: st, sink: sink, clock: clk, logger: logger, batch: batch}
}

func (r *Relay) Run(ctx context.Context, interval time.Duration) {
	r.logger.Info("outbox relay started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				n, err := r.RelayOnce(ctx)
				if err != nil {
					if ctx.Err() == nil {
						r.logger.WithError(err).Error("outbox relay failed")
					}
					break
				}
				if n < r.batch {
					break
				}
			}
		}
	}
}

// RelayOnce publishes one batch in creation order and marks what was sent.
// It stops at the first failed publish so later records never overtake it.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	sent := 0
	err := r.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		sent = 0
		records, err := tx.UnpublishedOutbox(ctx, r.batch)
		if err != nil {
			return err
		}
		if len(records) > 0 {
			observability.OutboxLag.Set(r.clock.Now().Sub(records[0].CreatedAt).Seconds())
		} else {
			observability.OutboxLag.Set(0)
		}

		for _, rec := range records {
			msg := Message{
				ID:            rec.DedupeKey,
				EventType:     rec.EventType,
				AggregateType: rec.AggregateType,
				AggregateID:   rec.AggregateID,
				Body:          rec.Payload,
				CreatedAt:     rec.CreatedAt,
			}
			if err := r.sink.Publish(ctx, msg); err != nil {
				observability.OutboxPublishFailures.Inc()
				r.logger.WithError(err).WithField("outbox_id", rec.ID).Warn("publish failed")
				return nil
			}
			if err := tx.MarkPublished(ctx, rec.ID, r.clock.Now()); err != nil {
				return err
			}
			sent++
		}
		return nil
	})
	return sent, err
}

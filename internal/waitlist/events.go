package waitlist

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-waitlist/internal/domain"
	"github.com/robertarktes/ticket-waitlist/internal/store"
)

// Events handles administrative changes to an event's sale settings.
type Events struct {
	env    *env
	queue  *Queue
	offers *Offers
}

type NewEvent struct {
	Capacity   int
	PriceCents int64
	Currency   string
}

// EventUpdate changes only the fields that are set.
type EventUpdate struct {
	Capacity   *int
	PriceCents *int64
	Status     *domain.EventStatus
}

func (e *Events) Create(ctx context.Context, in NewEvent) (domain.Event, error) {
	if in.Capacity <= 0 {
		return domain.Event{}, domain.Invalid("capacity must be positive")
	}
	if in.PriceCents < 0 {
		return domain.Event{}, domain.Invalid("price must not be negative")
	}
	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = e.env.opts.DefaultCurrency
	}
	if len(currency) != 3 {
		return domain.Event{}, domain.Invalid("currency %q is not an ISO 4217 code", in.Currency)
	}

	now := e.env.clock.Now()
	ev := domain.Event{
		ID:         uuid.New(),
		Capacity:   in.Capacity,
		PriceCents: in.PriceCents,
		Currency:   currency,
		Status:     domain.EventOpen,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err := e.env.tx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.CreateEvent(ctx, ev); err != nil {
			return err
		}
		return e.env.emit(ctx, tx, EventUpdated, "event", ev.ID, eventPayload(ev))
	})
	if err != nil {
		return domain.Event{}, err
	}
	e.env.log.WithField("event_id", ev.ID).Info("event created")
	return ev, nil
}

func (e *Events) Get(ctx context.Context, id uuid.UUID) (domain.Event, error) {
	var ev domain.Event
	err := e.env.tx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		ev, err = tx.GetEvent(ctx, id)
		return err
	})
	return ev, err
}

// Update applies the change under the event lock. Capacity can never drop
// below what is already issued or offered. Reopening an event or adding
// capacity promotes waiting buyers.
func (e *Events) Update(ctx context.Context, id uuid.UUID, upd EventUpdate) (domain.Event, error) {
	if upd.Capacity != nil && *upd.Capacity <= 0 {
		return domain.Event{}, domain.Invalid("capacity must be positive")
	}
	if upd.PriceCents != nil && *upd.PriceCents < 0 {
		return domain.Event{}, domain.Invalid("price must not be negative")
	}
	if upd.Status != nil && *upd.Status != domain.EventOpen && *upd.Status != domain.EventClosed {
		return domain.Event{}, domain.Invalid("unknown event status %q", *upd.Status)
	}

	var ev domain.Event
	var granted []domain.Entry
	err := e.env.withEventLock(ctx, id, func() error {
		return e.env.tx(ctx, func(ctx context.Context, tx store.Tx) error {
			granted = nil
			var err error
			ev, err = tx.GetEvent(ctx, id)
			if err != nil {
				return err
			}
			if upd.Capacity != nil {
				if *upd.Capacity < ev.Issued+ev.Outstanding {
					return errors.Wrapf(domain.ErrCapacityBelowAllocated,
						"event %s: capacity %d < %d issued + %d offered", id, *upd.Capacity, ev.Issued, ev.Outstanding)
				}
				ev.Capacity = *upd.Capacity
			}
			if upd.PriceCents != nil {
				ev.PriceCents = *upd.PriceCents
			}
			if upd.Status != nil {
				ev.Status = *upd.Status
			}
			ev.UpdatedAt = e.env.clock.Now()
			if err := tx.UpdateEvent(ctx, ev); err != nil {
				return err
			}
			if err := e.env.emit(ctx, tx, EventUpdated, "event", ev.ID, eventPayload(ev)); err != nil {
				return err
			}
			if granted, err = e.queue.promote(ctx, tx, id); err != nil {
				return err
			}
			ev, err = tx.GetEvent(ctx, id)
			return err
		})
	})
	if err != nil {
		return domain.Event{}, err
	}
	e.offers.recordGranted(ctx, granted)
	e.env.log.WithFields(map[string]interface{}{
		"event_id": id,
		"capacity": ev.Capacity,
		"status":   ev.Status,
	}).Info("event updated")
	return ev, nil
}

func eventPayload(ev domain.Event) map[string]interface{} {
	return map[string]interface{}{
		"event_id":    ev.ID,
		"capacity":    ev.Capacity,
		"issued":      ev.Issued,
		"outstanding": ev.Outstanding,
		"remaining":   ev.Remaining(),
		"price_cents": ev.PriceCents,
		"currency":    ev.Currency,
		"status":      ev.Status,
	}
}

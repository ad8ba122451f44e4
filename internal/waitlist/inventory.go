package waitlist

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-waitlist/internal/domain"
	"github.com/robertarktes/ticket-waitlist/internal/store"
)

// Inventory owns the capacity counters of each event. Callers must hold the
// event lock and pass the transaction the change belongs to.
type Inventory struct {
	env *env
}

type Counts struct {
	Capacity    int
	Issued      int
	Outstanding int
	Remaining   int
}

// Reserve moves one unit from remaining to outstanding.
func (i *Inventory) Reserve(ctx context.Context, tx store.Tx, eventID uuid.UUID) error {
	ev, err := tx.GetEvent(ctx, eventID)
	if err != nil {
		return err
	}
	if ev.Remaining() <= 0 {
		return errors.Wrapf(domain.ErrNoCapacity, "event %s", eventID)
	}
	ev.Outstanding++
	ev.UpdatedAt = i.env.clock.Now()
	return tx.UpdateEvent(ctx, ev)
}

// Release returns one outstanding unit to remaining.
func (i *Inventory) Release(ctx context.Context, tx store.Tx, eventID uuid.UUID) error {
	ev, err := tx.GetEvent(ctx, eventID)
	if err != nil {
		return err
	}
	if ev.Outstanding <= 0 {
		return errors.Wrapf(domain.ErrConflict, "event %s: release with no outstanding offers", eventID)
	}
	ev.Outstanding--
	ev.UpdatedAt = i.env.clock.Now()
	return tx.UpdateEvent(ctx, ev)
}

// Commit turns one outstanding unit into an issued ticket.
func (i *Inventory) Commit(ctx context.Context, tx store.Tx, eventID uuid.UUID) (domain.Event, error) {
	ev, err := tx.GetEvent(ctx, eventID)
	if err != nil {
		return domain.Event{}, err
	}
	if ev.Outstanding <= 0 {
		return domain.Event{}, errors.Wrapf(domain.ErrConflict, "event %s: commit with no outstanding offers", eventID)
	}
	ev.Outstanding--
	ev.Issued++
	ev.UpdatedAt = i.env.clock.Now()
	if err := tx.UpdateEvent(ctx, ev); err != nil {
		return domain.Event{}, err
	}
	return ev, nil
}

func (i *Inventory) Counts(ctx context.Context, eventID uuid.UUID) (Counts, error) {
	var ev domain.Event
	err := i.env.tx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		ev, err = tx.GetEvent(ctx, eventID)
		return err
	})
	if err != nil {
		return Counts{}, err
	}
	return Counts{Capacity: ev.Capacity, Issued: ev.Issued, Outstanding: ev.Outstanding, Remaining: ev.Remaining()}, nil
}

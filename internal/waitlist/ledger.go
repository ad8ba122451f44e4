package waitlist

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-waitlist/internal/domain"
	"github.com/robertarktes/ticket-waitlist/internal/store"
)

// Ledger is the record of issued tickets. Tickets are written once, by the
// purchase commit, and never changed.
type Ledger struct {
	env *env
}

type ReconcileReport struct {
	EventID           uuid.UUID
	Purchased         int
	Offered           int
	Tickets           int
	Recreated         int
	IssuedBefore      int
	OutstandingBefore int
	Repaired          bool
}

func (l *Ledger) record(ctx context.Context, tx store.Tx, t domain.Ticket, ev domain.Event) error {
	if err := tx.InsertTicket(ctx, t); err != nil {
		return err
	}
	return l.env.emit(ctx, tx, EventTicketIssued, "ticket", t.ID, map[string]interface{}{
		"ticket_id":    t.ID,
		"event_id":     t.EventID,
		"user_id":      t.UserID,
		"entry_id":     t.EntryID,
		"amount_cents": t.AmountCents,
		"currency":     t.Currency,
		"remaining":    ev.Remaining(),
		"event_status": ev.Status,
	})
}

func (l *Ledger) Get(ctx context.Context, userID string, eventID uuid.UUID) (domain.Ticket, error) {
	var t domain.Ticket
	err := l.env.tx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		t, err = tx.GetTicket(ctx, eventID, userID)
		return err
	})
	return t, err
}

func (l *Ledger) List(ctx context.Context, userID string) ([]domain.Ticket, error) {
	var tickets []domain.Ticket
	err := l.env.tx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		tickets, err = tx.ListTickets(ctx, userID)
		return err
	})
	return tickets, err
}

// HoldsValid reports whether the user holds a ticket for the event.
func (l *Ledger) HoldsValid(ctx context.Context, userID string, eventID uuid.UUID) (bool, error) {
	_, err := l.Get(ctx, userID, eventID)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Reconcile checks the event's counters and tickets against its entries.
// Every Purchased entry must have a ticket, issued must equal the number of
// Purchased entries and outstanding the number of Offered ones. Missing
// tickets are recreated at the event's price and counters are rewritten
// when they still fit the capacity; otherwise ErrConflict is returned.
func (l *Ledger) Reconcile(ctx context.Context, eventID uuid.UUID) (ReconcileReport, error) {
	rep := ReconcileReport{EventID: eventID}
	err := l.env.withEventLock(ctx, eventID, func() error {
		return l.env.tx(ctx, func(ctx context.Context, tx store.Tx) error {
			rep = ReconcileReport{EventID: eventID}
			ev, err := tx.GetEvent(ctx, eventID)
			if err != nil {
				return err
			}
			purchased, err := tx.EntriesByStatus(ctx, eventID, domain.EntryPurchased)
			if err != nil {
				return err
			}
			offered, err := tx.EntriesByStatus(ctx, eventID, domain.EntryOffered)
			if err != nil {
				return err
			}
			rep.Purchased, rep.Offered = len(purchased), len(offered)
			rep.IssuedBefore, rep.OutstandingBefore = ev.Issued, ev.Outstanding

			now := l.env.clock.Now()
			for _, e := range purchased {
				_, err := tx.TicketByEntry(ctx, e.ID)
				if err == nil {
					continue
				}
				if !errors.Is(err, domain.ErrNotFound) {
					return err
				}
				t := domain.NewTicket(e, ev.PriceCents, ev.Currency, "reconciled", now)
				if err := tx.InsertTicket(ctx, t); err != nil {
					return err
				}
				rep.Recreated++
			}
			if rep.Tickets, err = tx.CountTickets(ctx, eventID); err != nil {
				return err
			}

			if ev.Issued == rep.Purchased && ev.Outstanding == rep.Offered && rep.Recreated == 0 {
				return nil
			}
			if rep.Purchased+rep.Offered > ev.Capacity {
				return errors.Wrapf(domain.ErrConflict, "event %s: %d purchased and %d offered exceed capacity %d",
					eventID, rep.Purchased, rep.Offered, ev.Capacity)
			}
			ev.Issued, ev.Outstanding = rep.Purchased, rep.Offered
			ev.UpdatedAt = now
			rep.Repaired = true
			return tx.UpdateEvent(ctx, ev)
		})
	})
	if err != nil {
		return ReconcileReport{}, err
	}
	if rep.Repaired {
		l.env.log.WithFields(map[string]interface{}{
			"event_id":           eventID,
			"issued_before":      rep.IssuedBefore,
			"outstanding_before": rep.OutstandingBefore,
			"purchased":          rep.Purchased,
			"offered":            rep.Offered,
			"recreated":          rep.Recreated,
		}).Warn("ledger repaired")
	}
	return rep, nil
}

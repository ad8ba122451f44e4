package waitlist

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-waitlist/internal/domain"
	"github.com/robertarktes/ticket-waitlist/internal/observability"
	"github.com/robertarktes/ticket-waitlist/internal/store"
)

// Queue keeps the FIFO admission order of each event and promotes queued
// buyers to offers as capacity frees up.
type Queue struct {
	env       *env
	inventory *Inventory
	offers    *Offers
}

// Position is what a buyer sees about their place in line. Rank is set only
// while the entry is Queued; OfferExpiresAt only while it is Offered.
type Position struct {
	EntryID        uuid.UUID
	EventID        uuid.UUID
	Status         domain.EntryStatus
	Rank           int
	QueueLength    int
	OfferExpiresAt time.Time
}

func (q *Queue) Enqueue(ctx context.Context, eventID uuid.UUID, userID string) (entry domain.Entry, err error) {
	ctx, span := startSpan(ctx, "waitlist.Enqueue")
	defer func() { endSpan(span, err) }()

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.Entry{}, domain.Invalid("user id is required")
	}

	var granted, expired []domain.Entry
	err = q.env.withEventLock(ctx, eventID, func() error {
		claimed, release, err := q.offers.claimStale(ctx, eventID)
		if err != nil {
			return err
		}
		defer release()

		return q.env.tx(ctx, func(ctx context.Context, tx store.Tx) error {
			granted, expired = nil, nil
			now := q.env.clock.Now()

			var err error
			expired, err = q.offers.expireClaimed(ctx, tx, claimed, "offer_window_elapsed")
			if err != nil {
				return err
			}
			ev, err := tx.GetEvent(ctx, eventID)
			if err != nil {
				return err
			}
			if !ev.Open() {
				return errors.Wrapf(domain.ErrEventClosed, "event %s", eventID)
			}
			if _, err := tx.GetTicket(ctx, eventID, userID); err == nil {
				return errors.Wrapf(domain.ErrTicketAlreadyIssued, "user %s event %s", userID, eventID)
			} else if !errors.Is(err, domain.ErrNotFound) {
				return err
			}

			seq, err := tx.NextSequence(ctx, eventID)
			if err != nil {
				return err
			}
			entry = domain.NewEntry(eventID, userID, seq, now)
			if err := tx.InsertEntry(ctx, entry); err != nil {
				return err
			}
			if err := q.env.emit(ctx, tx, EventEntryQueued, "entry", entry.ID, entryPayload(entry)); err != nil {
				return err
			}
			granted, err = q.promote(ctx, tx, eventID)
			return err
		})
	})
	if err != nil {
		return domain.Entry{}, err
	}

	observability.EntriesEnqueued.Inc()
	q.offers.recordExpired(ctx, expired)
	q.offers.recordGranted(ctx, granted)
	for _, g := range granted {
		if g.ID == entry.ID {
			entry = g
		}
	}
	q.env.log.WithFields(map[string]interface{}{
		"event_id": eventID,
		"entry_id": entry.ID,
		"seq":      entry.Seq,
		"status":   entry.Status,
	}).Info("entry enqueued")
	return entry, nil
}

// promote offers capacity to queued entries in sequence order until either
// the event has no remaining capacity or nobody is left waiting. It only
// runs for open events. Caller holds the event lock.
func (q *Queue) promote(ctx context.Context, tx store.Tx, eventID uuid.UUID) ([]domain.Entry, error) {
	ev, err := tx.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if !ev.Open() {
		return nil, nil
	}
	active, err := tx.ActiveEntries(ctx, eventID)
	if err != nil {
		return nil, err
	}

	now := q.env.clock.Now()
	var granted []domain.Entry
	for _, e := range active {
		if e.Status != domain.EntryQueued {
			continue
		}
		if err := q.inventory.Reserve(ctx, tx, eventID); err != nil {
			if errors.Is(err, domain.ErrNoCapacity) {
				break
			}
			return nil, err
		}
		if err := e.Transition(domain.EntryOffered); err != nil {
			return nil, err
		}
		e.OfferExpiresAt = now.Add(q.env.opts.OfferWindow)
		e.UpdatedAt = now
		if err := tx.UpdateEntry(ctx, e); err != nil {
			return nil, err
		}
		if err := q.env.emit(ctx, tx, EventOfferGranted, "entry", e.ID, entryPayload(e)); err != nil {
			return nil, err
		}
		granted = append(granted, e)
	}
	return granted, nil
}

// Promote runs promotion for an event on its own; used after administrative
// changes that add capacity.
func (q *Queue) Promote(ctx context.Context, eventID uuid.UUID) ([]domain.Entry, error) {
	var granted []domain.Entry
	err := q.env.withEventLock(ctx, eventID, func() error {
		return q.env.tx(ctx, func(ctx context.Context, tx store.Tx) error {
			var err error
			granted, err = q.promote(ctx, tx, eventID)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	q.offers.recordGranted(ctx, granted)
	return granted, nil
}

// Position reports the user's latest entry for the event. Terminal entries
// are reported by status with no rank. An offer found past its expiry is
// swept before answering.
func (q *Queue) Position(ctx context.Context, eventID uuid.UUID, userID string) (pos Position, err error) {
	ctx, span := startSpan(ctx, "waitlist.GetPosition")
	defer func() { endSpan(span, err) }()

	pos, stale, err := q.readPosition(ctx, eventID, userID)
	if err != nil || !stale {
		return pos, err
	}
	if _, err := q.offers.SweepEvent(ctx, eventID); err != nil {
		return Position{}, err
	}
	pos, _, err = q.readPosition(ctx, eventID, userID)
	return pos, err
}

func (q *Queue) readPosition(ctx context.Context, eventID uuid.UUID, userID string) (Position, bool, error) {
	var pos Position
	var stale bool
	err := q.env.tx(ctx, func(ctx context.Context, tx store.Tx) error {
		entry, err := tx.LatestEntry(ctx, eventID, userID)
		if err != nil {
			return err
		}
		queued, err := tx.EntriesByStatus(ctx, eventID, domain.EntryQueued)
		if err != nil {
			return err
		}

		pos = Position{
			EntryID:     entry.ID,
			EventID:     entry.EventID,
			Status:      entry.Status,
			QueueLength: len(queued),
		}
		switch entry.Status {
		case domain.EntryQueued:
			pos.Rank = 1
			for _, other := range queued {
				if other.Seq < entry.Seq {
					pos.Rank++
				}
			}
		case domain.EntryOffered:
			pos.OfferExpiresAt = entry.OfferExpiresAt
			stale = !entry.LiveAt(q.env.clock.Now())
		}
		return nil
	})
	return pos, stale, err
}

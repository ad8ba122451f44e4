package waitlist

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-waitlist/internal/domain"
	"github.com/robertarktes/ticket-waitlist/internal/observability"
	"github.com/robertarktes/ticket-waitlist/internal/store"
)

// Offers owns the offer clock: liveness checks, expiry and cancellation.
type Offers struct {
	env       *env
	inventory *Inventory
	queue     *Queue
}

type SweepResult struct {
	EventIDs []uuid.UUID
	Events   int
	Expired  int
	Granted  int
}

func (o *Offers) IsLive(ctx context.Context, entryID uuid.UUID) (bool, error) {
	entry, err := o.env.getEntry(ctx, entryID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return entry.LiveAt(o.env.clock.Now()), nil
}

// claimStale locks the entries of every offer of the event that has run out.
// Entries locked elsewhere belong to a purchase in flight and are left for
// that purchase to settle. Caller holds the event lock.
func (o *Offers) claimStale(ctx context.Context, eventID uuid.UUID) ([]uuid.UUID, func(), error) {
	var offered []domain.Entry
	err := o.env.tx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		offered, err = tx.EntriesByStatus(ctx, eventID, domain.EntryOffered)
		return err
	})
	if err != nil {
		return nil, func() {}, err
	}

	now := o.env.clock.Now()
	var ids []uuid.UUID
	var unlocks []func()
	release := func() {
		for _, u := range unlocks {
			u()
		}
	}
	for _, e := range offered {
		if e.LiveAt(now) {
			continue
		}
		unlock, ok, err := o.env.locks.TryLock(ctx, entryKey(e.ID))
		if err != nil {
			release()
			return nil, func() {}, err
		}
		if !ok {
			o.env.log.WithField("entry_id", e.ID).Debug("expired offer busy, skipping")
			continue
		}
		ids = append(ids, e.ID)
		unlocks = append(unlocks, unlock)
	}
	return ids, release, nil
}

// expireClaimed expires the claimed entries that are still stale offers.
func (o *Offers) expireClaimed(ctx context.Context, tx store.Tx, ids []uuid.UUID, reason string) ([]domain.Entry, error) {
	now := o.env.clock.Now()
	var expired []domain.Entry
	for _, id := range ids {
		e, err := tx.GetEntry(ctx, id)
		if err != nil {
			return nil, err
		}
		if e.Status != domain.EntryOffered || e.LiveAt(now) {
			continue
		}
		e, err = o.expire(ctx, tx, e, reason)
		if err != nil {
			return nil, err
		}
		expired = append(expired, e)
	}
	return expired, nil
}

// expire ends an offer and hands its capacity back. Promotion is left to
// the caller.
func (o *Offers) expire(ctx context.Context, tx store.Tx, e domain.Entry, reason string) (domain.Entry, error) {
	if err := e.Transition(domain.EntryExpired); err != nil {
		return e, err
	}
	e.UpdatedAt = o.env.clock.Now()
	if err := tx.UpdateEntry(ctx, e); err != nil {
		return e, err
	}
	if err := o.inventory.Release(ctx, tx, e.EventID); err != nil {
		return e, err
	}
	p := entryPayload(e)
	p["reason"] = reason
	return e, o.env.emit(ctx, tx, EventOfferExpired, "entry", e.ID, p)
}

// SweepEvent expires the stale offers of one event and promotes into the
// freed capacity. Sweeping an event with nothing stale is a no-op.
func (o *Offers) SweepEvent(ctx context.Context, eventID uuid.UUID) (SweepResult, error) {
	var expired, granted []domain.Entry
	err := o.env.withEventLock(ctx, eventID, func() error {
		claimed, release, err := o.claimStale(ctx, eventID)
		if err != nil {
			return err
		}
		defer release()
		if len(claimed) == 0 {
			return nil
		}
		return o.env.tx(ctx, func(ctx context.Context, tx store.Tx) error {
			var err error
			expired, err = o.expireClaimed(ctx, tx, claimed, "offer_window_elapsed")
			if err != nil {
				return err
			}
			granted, err = o.queue.promote(ctx, tx, eventID)
			return err
		})
	})
	if err != nil {
		return SweepResult{}, err
	}
	o.recordExpired(ctx, expired)
	o.recordGranted(ctx, granted)
	return SweepResult{EventIDs: []uuid.UUID{eventID}, Events: 1, Expired: len(expired), Granted: len(granted)}, nil
}

// Sweep finds stale offers across all events, at most SweepBatch of them,
// and sweeps each affected event.
func (o *Offers) Sweep(ctx context.Context) (res SweepResult, err error) {
	ctx, span := startSpan(ctx, "waitlist.Sweep")
	defer func() { endSpan(span, err) }()

	var stale []domain.Entry
	err = o.env.tx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		stale, err = tx.ExpiredOffers(ctx, o.env.clock.Now(), o.env.opts.SweepBatch)
		return err
	})
	if err != nil {
		return SweepResult{}, err
	}

	seen := make(map[uuid.UUID]bool)
	for _, e := range stale {
		if seen[e.EventID] {
			continue
		}
		seen[e.EventID] = true
		r, sweepErr := o.SweepEvent(ctx, e.EventID)
		if sweepErr != nil {
			err = errors.CombineErrors(err, errors.Wrapf(sweepErr, "sweep event %s", e.EventID))
			continue
		}
		res.Events++
		res.EventIDs = append(res.EventIDs, e.EventID)
		res.Expired += r.Expired
		res.Granted += r.Granted
	}
	return res, err
}

// Cancel withdraws an entry. A cancelled offer gives its capacity to the
// next buyer in line.
func (o *Offers) Cancel(ctx context.Context, entryID uuid.UUID, userID string) (entry domain.Entry, err error) {
	ctx, span := startSpan(ctx, "waitlist.Cancel")
	defer func() { endSpan(span, err) }()

	unlockEntry, err := o.env.locks.Lock(ctx, entryKey(entryID))
	if err != nil {
		return domain.Entry{}, err
	}
	defer unlockEntry()

	entry, err = o.env.getEntry(ctx, entryID)
	if err != nil {
		return domain.Entry{}, err
	}
	if entry.UserID != userID {
		return domain.Entry{}, errors.Wrapf(domain.ErrNotFound, "entry %s", entryID)
	}

	var granted []domain.Entry
	wasOffered := false
	err = o.env.withEventLock(ctx, entry.EventID, func() error {
		return o.env.tx(ctx, func(ctx context.Context, tx store.Tx) error {
			granted = nil
			e, err := tx.GetEntry(ctx, entryID)
			if err != nil {
				return err
			}
			wasOffered = e.Status == domain.EntryOffered
			if err := e.Transition(domain.EntryCancelled); err != nil {
				return err
			}
			e.UpdatedAt = o.env.clock.Now()
			if err := tx.UpdateEntry(ctx, e); err != nil {
				return err
			}
			if wasOffered {
				if err := o.inventory.Release(ctx, tx, e.EventID); err != nil {
					return err
				}
			}
			if err := o.env.emit(ctx, tx, EventEntryCancelled, "entry", e.ID, entryPayload(e)); err != nil {
				return err
			}
			entry = e
			if wasOffered {
				granted, err = o.queue.promote(ctx, tx, e.EventID)
			}
			return err
		})
	})
	if err != nil {
		return domain.Entry{}, err
	}

	if wasOffered {
		observability.OfferTransitions.WithLabelValues("cancelled").Inc()
	}
	o.recordGranted(ctx, granted)
	o.env.log.WithFields(map[string]interface{}{
		"entry_id": entry.ID,
		"event_id": entry.EventID,
	}).Info("entry cancelled")
	return entry, nil
}

func (o *Offers) recordGranted(ctx context.Context, granted []domain.Entry) {
	log := observability.LoggerFrom(ctx, o.env.log)
	for _, e := range granted {
		observability.OfferTransitions.WithLabelValues("granted").Inc()
		log.WithFields(map[string]interface{}{
			"entry_id":   e.ID,
			"event_id":   e.EventID,
			"expires_at": e.OfferExpiresAt,
		}).Info("offer granted")
	}
}

func (o *Offers) recordExpired(ctx context.Context, expired []domain.Entry) {
	log := observability.LoggerFrom(ctx, o.env.log)
	for _, e := range expired {
		observability.OfferTransitions.WithLabelValues("expired").Inc()
		log.WithFields(map[string]interface{}{
			"entry_id": e.ID,
			"event_id": e.EventID,
		}).Info("offer expired")
	}
}

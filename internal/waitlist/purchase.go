package waitlist

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-waitlist/internal/domain"
	"github.com/robertarktes/ticket-waitlist/internal/observability"
	"github.com/robertarktes/ticket-waitlist/internal/payment"
	"github.com/robertarktes/ticket-waitlist/internal/store"
)

// Coordinator turns a live offer into a ticket. The entry lock is held for
// the whole purchase so the sweeper and concurrent purchases of the same
// entry stay out; the event lock is held only around the checks before the
// charge and around the commit after it, never across the gateway call.
type Coordinator struct {
	env       *env
	gateway   payment.Gateway
	inventory *Inventory
	queue     *Queue
	offers    *Offers
	ledger    *Ledger
}

func idempotencyKey(entryID uuid.UUID, attempt int) string {
	return fmt.Sprintf("purchase:%s:%d", entryID, attempt)
}

func (c *Coordinator) Purchase(ctx context.Context, entryID uuid.UUID, userID string, details domain.PaymentDetails) (ticket domain.Ticket, err error) {
	ctx, span := startSpan(ctx, "waitlist.Purchase")
	defer func() {
		observability.PurchasesTotal.WithLabelValues(purchaseOutcome(err)).Inc()
		endSpan(span, err)
	}()

	if err := details.Validate(c.env.clock.Now()); err != nil {
		return domain.Ticket{}, err
	}

	unlockEntry, err := c.env.locks.Lock(ctx, entryKey(entryID))
	if err != nil {
		return domain.Ticket{}, err
	}
	defer unlockEntry()

	entry, ev, err := c.checkLive(ctx, entryID, userID)
	if err != nil {
		return domain.Ticket{}, err
	}

	key := idempotencyKey(entry.ID, entry.PaymentAttempts)
	res, err := c.charge(ctx, payment.ChargeRequest{
		AmountCents:    ev.PriceCents,
		Currency:       ev.Currency,
		IdempotencyKey: key,
		Card:           details,
	})
	if err != nil {
		// Outcome unknown: nothing changes, and a retry reuses the key.
		return domain.Ticket{}, errors.WithSecondaryError(
			errors.Wrapf(domain.ErrPaymentGatewayTimeout, "charge %s", key), err)
	}
	if !res.Approved {
		return domain.Ticket{}, c.decline(ctx, entry, res.DeclineReason)
	}

	ticket, err = c.settle(ctx, entry, ev, res)
	if err != nil {
		return domain.Ticket{}, err
	}

	observability.LoggerFrom(ctx, c.env.log).WithFields(map[string]interface{}{
		"ticket_id": ticket.ID,
		"entry_id":  entry.ID,
		"event_id":  ticket.EventID,
	}).Info("ticket issued")
	return ticket, nil
}

// checkLive verifies under the event lock that the entry holds a live offer
// on an open event, and returns both as they stand.
func (c *Coordinator) checkLive(ctx context.Context, entryID uuid.UUID, userID string) (domain.Entry, domain.Event, error) {
	entry, err := c.env.getEntry(ctx, entryID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Entry{}, domain.Event{}, errors.Wrapf(domain.ErrOfferNotLive, "entry %s", entryID)
		}
		return domain.Entry{}, domain.Event{}, err
	}
	if entry.UserID != userID {
		return domain.Entry{}, domain.Event{}, errors.Wrapf(domain.ErrNotFound, "entry %s", entryID)
	}

	var ev domain.Event
	err = c.env.withEventLock(ctx, entry.EventID, func() error {
		return c.env.tx(ctx, func(ctx context.Context, tx store.Tx) error {
			e, err := tx.GetEntry(ctx, entryID)
			if err != nil {
				return err
			}
			if !e.LiveAt(c.env.clock.Now()) {
				return errors.Wrapf(domain.ErrOfferNotLive, "entry %s is %s", entryID, e.Status)
			}
			ev, err = tx.GetEvent(ctx, e.EventID)
			if err != nil {
				return err
			}
			if !ev.Open() {
				return errors.Wrapf(domain.ErrEventClosed, "event %s", ev.ID)
			}
			entry = e
			return nil
		})
	})
	return entry, ev, err
}

func (c *Coordinator) charge(ctx context.Context, req payment.ChargeRequest) (payment.ChargeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.env.opts.GatewayTimeout)
	defer cancel()
	start := time.Now()
	defer func() { observability.GatewayDuration.WithLabelValues("charge").Observe(time.Since(start).Seconds()) }()
	return c.gateway.Charge(ctx, req)
}

// decline records a refused charge. While attempts and offer time remain the
// buyer keeps the offer, and with it the reserved capacity, and may retry
// with other details. Otherwise the offer expires and the next buyer is
// promoted.
func (c *Coordinator) decline(ctx context.Context, entry domain.Entry, reason string) error {
	var granted, expired []domain.Entry
	err := c.env.withEventLock(ctx, entry.EventID, func() error {
		return c.env.tx(ctx, func(ctx context.Context, tx store.Tx) error {
			granted, expired = nil, nil
			e, err := tx.GetEntry(ctx, entry.ID)
			if err != nil {
				return err
			}
			if e.Status != domain.EntryOffered {
				return nil
			}
			now := c.env.clock.Now()
			e.PaymentAttempts++
			e.UpdatedAt = now

			p := entryPayload(e)
			p["reason"] = reason
			p["attempts"] = e.PaymentAttempts
			if err := c.env.emit(ctx, tx, EventPaymentDeclined, "entry", e.ID, p); err != nil {
				return err
			}

			retry := e.PaymentAttempts < c.env.opts.MaxPaymentAttempts &&
				e.OfferExpiresAt.Sub(now) >= c.env.opts.RetryMinRemaining
			if retry {
				return tx.UpdateEntry(ctx, e)
			}
			e, err = c.offers.expire(ctx, tx, e, "payment_declined")
			if err != nil {
				return err
			}
			expired = append(expired, e)
			granted, err = c.queue.promote(ctx, tx, e.EventID)
			return err
		})
	})
	if err != nil {
		return err
	}
	c.offers.recordExpired(ctx, expired)
	c.offers.recordGranted(ctx, granted)
	return &domain.DeclineError{Reason: reason}
}

// settle records an approved charge. Once money is captured the caller going
// away must not stop the commit, so it runs detached with its own deadline.
// A charge that cannot be committed is refunded.
func (c *Coordinator) settle(ctx context.Context, entry domain.Entry, ev domain.Event, res payment.ChargeResult) (domain.Ticket, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.env.opts.CommitTimeout)
	defer cancel()

	var ticket domain.Ticket
	var err error
	for i := 0; i < commitAttempts; i++ {
		ticket, err = c.commit(ctx, entry.ID, ev, res)
		if err == nil || !errors.Is(err, domain.ErrSerializationFailure) {
			break
		}
	}
	if err == nil {
		return ticket, nil
	}

	if !errors.Is(err, domain.ErrOfferNotLive) {
		// The commit may have landed before the error surfaced.
		if t, ok := c.committed(ctx, entry.ID, res.Reference); ok {
			return t, nil
		}
	}
	c.refund(ctx, entry, res.Reference)
	if !errors.Is(err, domain.ErrOfferNotLive) && !errors.Is(err, domain.ErrTicketAlreadyIssued) {
		c.forfeitAttempt(ctx, entry)
	}
	return domain.Ticket{}, err
}

const commitAttempts = 3

// committed reports whether the entry already holds a ticket paid with
// reference.
func (c *Coordinator) committed(ctx context.Context, entryID uuid.UUID, reference string) (domain.Ticket, bool) {
	var ticket domain.Ticket
	err := c.env.tx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		ticket, err = tx.TicketByEntry(ctx, entryID)
		return err
	})
	if err != nil || ticket.PaymentRef != reference {
		return domain.Ticket{}, false
	}
	return ticket, true
}

// forfeitAttempt moves a still-offered entry past a refunded charge so the
// next purchase is sent under a fresh idempotency key. Best effort.
func (c *Coordinator) forfeitAttempt(ctx context.Context, entry domain.Entry) {
	err := c.env.withEventLock(ctx, entry.EventID, func() error {
		return c.env.tx(ctx, func(ctx context.Context, tx store.Tx) error {
			e, err := tx.GetEntry(ctx, entry.ID)
			if err != nil {
				return err
			}
			if e.Status != domain.EntryOffered || e.PaymentAttempts != entry.PaymentAttempts {
				return nil
			}
			e.PaymentAttempts++
			e.UpdatedAt = c.env.clock.Now()
			return tx.UpdateEntry(ctx, e)
		})
	})
	if err != nil {
		observability.LoggerFrom(ctx, c.env.log).WithError(err).
			WithField("entry_id", entry.ID).Error("could not advance payment attempt after refund")
	}
}

// commit issues the ticket. The offer must still be held; a charge that
// lands at most GatewayTimeout after the offer window is still honoured,
// since the window was live when the charge was sent. An entry already
// purchased with the same charge reference is returned as is: a concurrent
// purchase of the same entry sent the same idempotency key and got the same
// charge.
func (c *Coordinator) commit(ctx context.Context, entryID uuid.UUID, ev domain.Event, res payment.ChargeResult) (domain.Ticket, error) {
	var ticket domain.Ticket
	err := c.env.withEventLock(ctx, ev.ID, func() error {
		return c.env.tx(ctx, func(ctx context.Context, tx store.Tx) error {
			e, err := tx.GetEntry(ctx, entryID)
			if err != nil {
				return err
			}
			if e.Status == domain.EntryPurchased {
				t, err := tx.TicketByEntry(ctx, entryID)
				if err == nil && t.PaymentRef == res.Reference {
					ticket = t
					return nil
				}
			}
			now := c.env.clock.Now()
			if e.Status != domain.EntryOffered || !now.Before(e.OfferExpiresAt.Add(c.env.opts.GatewayTimeout)) {
				return errors.Wrapf(domain.ErrOfferNotLive, "entry %s is %s at commit", entryID, e.Status)
			}
			if err := e.Transition(domain.EntryPurchased); err != nil {
				return err
			}
			e.UpdatedAt = now
			if err := tx.UpdateEntry(ctx, e); err != nil {
				return err
			}
			updated, err := c.inventory.Commit(ctx, tx, e.EventID)
			if err != nil {
				return err
			}
			ticket = domain.NewTicket(e, ev.PriceCents, ev.Currency, res.Reference, now)
			return c.ledger.record(ctx, tx, ticket, updated)
		})
	})
	return ticket, err
}

func (c *Coordinator) refund(ctx context.Context, entry domain.Entry, reference string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.env.opts.GatewayTimeout)
	defer cancel()
	start := time.Now()
	err := c.gateway.Refund(ctx, reference, fmt.Sprintf("refund:%s:%d", entry.ID, entry.PaymentAttempts))
	observability.GatewayDuration.WithLabelValues("refund").Observe(time.Since(start).Seconds())

	log := observability.LoggerFrom(ctx, c.env.log).WithFields(map[string]interface{}{
		"entry_id":    entry.ID,
		"payment_ref": reference,
	})
	if err != nil {
		log.WithError(err).Error("refund after lost offer failed")
		return
	}
	log.Warn("charge refunded, offer no longer held")
}

func purchaseOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, domain.ErrPaymentDeclined):
		return "declined"
	case errors.Is(err, domain.ErrPaymentGatewayTimeout):
		return "gateway_timeout"
	case errors.Is(err, domain.ErrOfferNotLive):
		return "not_live"
	case errors.Is(err, domain.ErrInvalidInput):
		return "invalid"
	default:
		return "error"
	}
}

package waitlist

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/robertarktes/ticket-waitlist/internal/domain"
	"github.com/robertarktes/ticket-waitlist/internal/store"
)

func TestLedger_ListTickets(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	a := h.enqueue(t, "alice")
	if _, err := h.svc.Purchase(ctx, a.ID, "alice", validCard()); err != nil {
		t.Fatal(err)
	}

	tickets, err := h.svc.ListTickets(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(tickets) != 1 || tickets[0].EntryID != a.ID {
		t.Errorf("unexpected tickets %+v", tickets)
	}
	if tickets, _ := h.svc.ListTickets(ctx, "bob"); len(tickets) != 0 {
		t.Errorf("expected no tickets for bob, got %d", len(tickets))
	}
}

func TestLedger_ReconcileRepairs(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	a := h.enqueue(t, "alice")
	b := h.enqueue(t, "bob")
	if _, err := h.svc.Purchase(ctx, a.ID, "alice", validCard()); err != nil {
		t.Fatal(err)
	}

	rep, err := h.svc.Reconcile(ctx, h.event.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Repaired {
		t.Fatalf("expected consistent ledger, got %+v", rep)
	}

	// Bob's entry is marked Purchased without a ticket and the counters are lost.
	err = h.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		e, err := tx.GetEntry(ctx, b.ID)
		if err != nil {
			return err
		}
		e.Status = domain.EntryPurchased
		if err := tx.UpdateEntry(ctx, e); err != nil {
			return err
		}
		ev, err := tx.GetEvent(ctx, h.event.ID)
		if err != nil {
			return err
		}
		ev.Issued, ev.Outstanding = 0, 0
		return tx.UpdateEvent(ctx, ev)
	})
	if err != nil {
		t.Fatal(err)
	}

	rep, err = h.svc.Reconcile(ctx, h.event.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Repaired || rep.Recreated != 1 || rep.Tickets != 2 || rep.IssuedBefore != 0 {
		t.Fatalf("unexpected report %+v", rep)
	}
	cnt := h.counts(t)
	if cnt.Issued != 2 || cnt.Outstanding != 0 {
		t.Errorf("expected counters rebuilt from entries, got %+v", cnt)
	}
	if holds, err := h.svc.Ledger.HoldsValid(ctx, "bob", h.event.ID); err != nil || !holds {
		t.Errorf("expected bob's ticket to be recreated, got %v %v", holds, err)
	}
	h.checkInvariants(t)
}

// Random mixes of operations on one event must keep
// issued + outstanding <= capacity and one ticket per user at every step.
func TestRandomOperationsKeepInventoryConsistent(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	users := make([]string, 8)
	for i := range users {
		users[i] = fmt.Sprintf("user-%d", i)
	}
	expected := []error{
		domain.ErrAlreadyQueued, domain.ErrTicketAlreadyIssued, domain.ErrOfferNotLive,
		domain.ErrNotFound, domain.ErrInvalidTransition, domain.ErrPaymentDeclined,
	}
	isExpected := func(err error) bool {
		for _, e := range expected {
			if errors.Is(err, e) {
				return true
			}
		}
		return false
	}

	for round := 0; round < 5; round++ {
		h := newHarness(t, 1+rng.Intn(3))
		ctx := context.Background()
		for step := 0; step < 200; step++ {
			user := users[rng.Intn(len(users))]
			var err error
			switch rng.Intn(5) {
			case 0:
				_, err = h.svc.Enqueue(ctx, h.event.ID, user)
			case 1:
				var pos Position
				if pos, err = h.svc.GetPosition(ctx, h.event.ID, user); err == nil {
					decline := ""
					if rng.Intn(3) == 0 {
						decline = "card_declined"
					}
					h.gw.set(func(g *fakeGateway) { g.decline = decline })
					_, err = h.svc.Purchase(ctx, pos.EntryID, user, validCard())
				}
			case 2:
				h.clock.Advance(time.Duration(rng.Intn(240)) * time.Second)
			case 3:
				_, err = h.svc.Offers.Sweep(ctx)
			case 4:
				var pos Position
				if pos, err = h.svc.GetPosition(ctx, h.event.ID, user); err == nil {
					_, err = h.svc.Cancel(ctx, pos.EntryID, user)
				}
			}
			if err != nil && !isExpected(err) {
				t.Fatalf("round %d step %d: unexpected error %v", round, step, err)
			}
			h.checkInvariants(t)
		}
	}
}

package waitlist

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/robertarktes/ticket-waitlist/internal/adapters/memory"
	"github.com/robertarktes/ticket-waitlist/internal/clock"
	"github.com/robertarktes/ticket-waitlist/internal/domain"
	"github.com/robertarktes/ticket-waitlist/internal/observability"
	"github.com/robertarktes/ticket-waitlist/internal/payment"
	"github.com/robertarktes/ticket-waitlist/internal/store"
)

var testStart = time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)

// fakeGateway approves everything unless told otherwise.
type fakeGateway struct {
	mu       sync.Mutex
	charges  []payment.ChargeRequest
	refunds  []string
	decline  string
	err      error
	onCharge func()
	onRefund func()
}

func (g *fakeGateway) Charge(ctx context.Context, req payment.ChargeRequest) (payment.ChargeResult, error) {
	g.mu.Lock()
	g.charges = append(g.charges, req)
	hook, decline, err := g.onCharge, g.decline, g.err
	g.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err != nil {
		return payment.ChargeResult{}, err
	}
	if decline != "" {
		return payment.ChargeResult{DeclineReason: decline}, nil
	}
	return payment.ChargeResult{Approved: true, Reference: "ch_" + req.IdempotencyKey}, nil
}

func (g *fakeGateway) Refund(ctx context.Context, reference, idempotencyKey string) error {
	g.mu.Lock()
	g.refunds = append(g.refunds, reference)
	hook := g.onRefund
	g.mu.Unlock()

	if hook != nil {
		hook()
	}
	return nil
}

func (g *fakeGateway) set(fn func(g *fakeGateway)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fn(g)
}

func (g *fakeGateway) chargeKeys() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	keys := make([]string, 0, len(g.charges))
	for _, c := range g.charges {
		keys = append(keys, c.IdempotencyKey)
	}
	return keys
}

type harness struct {
	svc   *Service
	store *memory.Store
	clock *clock.Fake
	gw    *fakeGateway
	event domain.Event
}

func newHarness(t *testing.T, capacity int, tweak ...func(*Options)) *harness {
	t.Helper()
	h := &harness{
		store: memory.NewStore(),
		clock: clock.NewFake(testStart),
		gw:    &fakeGateway{},
	}
	opts := DefaultOptions()
	for _, fn := range tweak {
		fn(&opts)
	}
	h.svc = New(Deps{
		Store:   h.store,
		Gateway: h.gw,
		Locker:  NewLocalLocker(),
		Clock:   h.clock,
		Logger:  observability.NewLoggerWithLevel("panic"),
	}, opts)

	ev, err := h.svc.CreateEvent(context.Background(), NewEvent{Capacity: capacity, PriceCents: 4500, Currency: "usd"})
	if err != nil {
		t.Fatal(err)
	}
	h.event = ev
	return h
}

func (h *harness) enqueue(t *testing.T, user string) domain.Entry {
	t.Helper()
	e, err := h.svc.Enqueue(context.Background(), h.event.ID, user)
	if err != nil {
		t.Fatalf("enqueue %s: %v", user, err)
	}
	return e
}

func (h *harness) entry(t *testing.T, id uuid.UUID) domain.Entry {
	t.Helper()
	var e domain.Entry
	err := h.store.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		var err error
		e, err = tx.GetEntry(ctx, id)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func (h *harness) counts(t *testing.T) Counts {
	t.Helper()
	c, err := h.svc.Inventory.Counts(context.Background(), h.event.ID)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func (h *harness) outboxTypes(t *testing.T) map[string]int {
	t.Helper()
	types := map[string]int{}
	err := h.store.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		recs, err := tx.UnpublishedOutbox(ctx, 10000)
		for _, r := range recs {
			types[r.EventType]++
		}
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	return types
}

func (h *harness) checkInvariants(t *testing.T) {
	t.Helper()
	c := h.counts(t)
	if c.Issued+c.Outstanding > c.Capacity {
		t.Fatalf("issued %d + outstanding %d > capacity %d", c.Issued, c.Outstanding, c.Capacity)
	}
	err := h.store.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		offered, err := tx.EntriesByStatus(ctx, h.event.ID, domain.EntryOffered)
		if err != nil {
			return err
		}
		purchased, err := tx.EntriesByStatus(ctx, h.event.ID, domain.EntryPurchased)
		if err != nil {
			return err
		}
		tickets, err := tx.CountTickets(ctx, h.event.ID)
		if err != nil {
			return err
		}
		if len(offered) != c.Outstanding {
			t.Errorf("outstanding %d but %d offered entries", c.Outstanding, len(offered))
		}
		if len(purchased) != c.Issued || tickets != c.Issued {
			t.Errorf("issued %d but %d purchased entries and %d tickets", c.Issued, len(purchased), tickets)
		}
		active, err := tx.ActiveEntries(ctx, h.event.ID)
		if err != nil {
			return err
		}
		users := map[string]bool{}
		for _, e := range active {
			if users[e.UserID] {
				t.Errorf("user %s has two active entries", e.UserID)
			}
			users[e.UserID] = true
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func validCard() domain.PaymentDetails {
	return domain.PaymentDetails{
		CardNumber:  "4242 4242 4242 4242",
		Expiry:      "12/30",
		CVV:         "123",
		NameOnCard:  "Ada Lovelace",
		PaymentType: "card",
		Billing: domain.BillingAddress{
			FirstName: "Ada",
			LastName:  "Lovelace",
			Address1:  "12 St James's Square",
			City:      "London",
			State:     "LDN",
			Zip:       "SW1Y 4JH",
			Country:   "GB",
		},
	}
}

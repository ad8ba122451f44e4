package waitlist

import (
	"context"
	"errors"
	"testing"

	"github.com/robertarktes/ticket-waitlist/internal/domain"
)

func TestEvents_CreateValidates(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	tests := []struct {
		name string
		in   NewEvent
	}{
		{"zero capacity", NewEvent{Capacity: 0, PriceCents: 100}},
		{"negative price", NewEvent{Capacity: 1, PriceCents: -1}},
		{"bad currency", NewEvent{Capacity: 1, Currency: "euro"}},
	}
	for _, tt := range tests {
		if _, err := h.svc.CreateEvent(ctx, tt.in); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("%s: expected ErrInvalidInput, got %v", tt.name, err)
		}
	}

	ev, err := h.svc.CreateEvent(ctx, NewEvent{Capacity: 5, PriceCents: 100})
	if err != nil {
		t.Fatal(err)
	}
	if ev.Currency != "USD" || ev.Status != domain.EventOpen || ev.Remaining() != 5 {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestEvents_CapacityChanges(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	a := h.enqueue(t, "alice")
	h.enqueue(t, "bob")
	c := h.enqueue(t, "carol")
	if _, err := h.svc.Purchase(ctx, a.ID, "alice", validCard()); err != nil {
		t.Fatal(err)
	}

	one := 1
	if _, err := h.svc.UpdateEvent(ctx, h.event.ID, EventUpdate{Capacity: &one}); !errors.Is(err, domain.ErrCapacityBelowAllocated) {
		t.Fatalf("expected ErrCapacityBelowAllocated, got %v", err)
	}

	three := 3
	ev, err := h.svc.UpdateEvent(ctx, h.event.ID, EventUpdate{Capacity: &three})
	if err != nil {
		t.Fatal(err)
	}
	if ev.Capacity != 3 || ev.Outstanding != 2 || ev.Remaining() != 0 {
		t.Errorf("expected carol to take the new unit, got %+v", ev)
	}
	if got := h.entry(t, c.ID).Status; got != domain.EntryOffered {
		t.Errorf("expected carol offered, got %s", got)
	}
	h.checkInvariants(t)
}

func TestEvents_ReopenPromotes(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	a := h.enqueue(t, "alice")
	b := h.enqueue(t, "bob")

	closed, open := domain.EventClosed, domain.EventOpen
	if _, err := h.svc.UpdateEvent(ctx, h.event.ID, EventUpdate{Status: &closed}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.svc.Cancel(ctx, a.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	if got := h.entry(t, b.ID).Status; got != domain.EntryQueued {
		t.Fatalf("closed events must not promote, got %s", got)
	}

	price := int64(9900)
	ev, err := h.svc.UpdateEvent(ctx, h.event.ID, EventUpdate{Status: &open, PriceCents: &price})
	if err != nil {
		t.Fatal(err)
	}
	if ev.PriceCents != 9900 {
		t.Errorf("expected new price, got %d", ev.PriceCents)
	}
	if got := h.entry(t, b.ID).Status; got != domain.EntryOffered {
		t.Errorf("expected bob offered after reopening, got %s", got)
	}
	ticket, err := h.svc.Purchase(ctx, b.ID, "bob", validCard())
	if err != nil {
		t.Fatal(err)
	}
	if ticket.AmountCents != 9900 {
		t.Errorf("expected ticket at the new price, got %d", ticket.AmountCents)
	}
	if _, err := h.svc.GetEvent(ctx, h.event.ID); err != nil {
		t.Fatal(err)
	}
}

package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/robertarktes/ticket-waitlist/internal/adapters/memory"
	"github.com/robertarktes/ticket-waitlist/internal/domain"
	"github.com/robertarktes/ticket-waitlist/internal/store"
)

func seedEvent(t *testing.T, s *memory.Store, capacity int) domain.Event {
	t.Helper()
	ev := domain.Event{ID: uuid.New(), Capacity: capacity, PriceCents: 5000, Currency: "USD", Status: domain.EventOpen}
	err := s.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.CreateEvent(ctx, ev)
	})
	if err != nil {
		t.Fatal(err)
	}
	return ev
}

func TestStore_RollbackOnError(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	ev := seedEvent(t, s, 2)

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		got, err := tx.GetEvent(ctx, ev.ID)
		if err != nil {
			return err
		}
		got.Outstanding = 1
		if err := tx.UpdateEvent(ctx, got); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	err = s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		got, err := tx.GetEvent(ctx, ev.ID)
		if err != nil {
			return err
		}
		if got.Outstanding != 0 {
			t.Errorf("expected rolled back outstanding 0, got %d", got.Outstanding)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestStore_ActiveEntryUnique(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	ev := seedEvent(t, s, 1)
	now := time.Now()

	first := domain.NewEntry(ev.ID, "alice", 1, now)
	err := s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertEntry(ctx, first)
	})
	if err != nil {
		t.Fatal(err)
	}

	err = s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertEntry(ctx, domain.NewEntry(ev.ID, "alice", 2, now))
	})
	if !errors.Is(err, domain.ErrAlreadyQueued) {
		t.Fatalf("expected already queued, got %v", err)
	}

	err = s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		first.Status = domain.EntryCancelled
		if err := tx.UpdateEntry(ctx, first); err != nil {
			return err
		}
		return tx.InsertEntry(ctx, domain.NewEntry(ev.ID, "alice", 2, now))
	})
	if err != nil {
		t.Fatalf("expected re-enqueue after cancel to succeed, got %v", err)
	}

	err = s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		latest, err := tx.LatestEntry(ctx, ev.ID, "alice")
		if err != nil {
			return err
		}
		if latest.Seq != 2 || latest.Status != domain.EntryQueued {
			t.Errorf("expected latest seq 2 queued, got seq %d %s", latest.Seq, latest.Status)
		}
		active, err := tx.ActiveEntries(ctx, ev.ID)
		if err != nil {
			return err
		}
		if len(active) != 1 {
			t.Errorf("expected 1 active entry, got %d", len(active))
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestStore_InventoryBounds(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	ev := seedEvent(t, s, 1)

	err := s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		ev.Outstanding = 1
		ev.Issued = 1
		return tx.UpdateEvent(ctx, ev)
	})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict when exceeding capacity, got %v", err)
	}
}

func TestStore_TicketUniqueness(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	ev := seedEvent(t, s, 2)
	entry := domain.NewEntry(ev.ID, "bob", 1, time.Now())

	err := s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertTicket(ctx, domain.NewTicket(entry, 5000, "USD", "ref-1", time.Now()))
	})
	if err != nil {
		t.Fatal(err)
	}
	other := domain.NewEntry(ev.ID, "bob", 2, time.Now())
	err = s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertTicket(ctx, domain.NewTicket(other, 5000, "USD", "ref-2", time.Now()))
	})
	if !errors.Is(err, domain.ErrTicketAlreadyIssued) {
		t.Fatalf("expected ticket already issued, got %v", err)
	}
}

func TestStore_Outbox(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	rec := store.OutboxRecord{ID: uuid.New(), EventType: "ticket.issued", Payload: []byte(`{}`), DedupeKey: "k"}

	err := s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertOutbox(ctx, rec)
	})
	if err != nil {
		t.Fatal(err)
	}
	err = s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		recs, err := tx.UnpublishedOutbox(ctx, 10)
		if err != nil {
			return err
		}
		if len(recs) != 1 {
			t.Fatalf("expected 1 record, got %d", len(recs))
		}
		return tx.MarkPublished(ctx, rec.ID, time.Now())
	})
	if err != nil {
		t.Fatal(err)
	}
	err = s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		recs, err := tx.UnpublishedOutbox(ctx, 10)
		if err != nil {
			return err
		}
		if len(recs) != 0 {
			t.Errorf("expected no unpublished records, got %d", len(recs))
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

// Package memory is a single-process store.Store. Transactions work on a
// copy of the state that replaces the live state only on success.
package memory

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-waitlist/internal/domain"
	"github.com/robertarktes/ticket-waitlist/internal/store"
)

type state struct {
	events  map[uuid.UUID]domain.Event
	seqs    map[uuid.UUID]int64
	entries map[uuid.UUID]domain.Entry
	tickets map[uuid.UUID]domain.Ticket
	outbox  []store.OutboxRecord
}

func (s state) clone() state {
	return state{
		events:  maps.Clone(s.events),
		seqs:    maps.Clone(s.seqs),
		entries: maps.Clone(s.entries),
		tickets: maps.Clone(s.tickets),
		outbox:  slices.Clone(s.outbox),
	}
}

type Store struct {
	mu sync.Mutex
	st state
}

func NewStore() *Store {
	return &Store{st: state{
		events:  map[uuid.UUID]domain.Event{},
		seqs:    map[uuid.UUID]int64{},
		entries: map[uuid.UUID]domain.Entry{},
		tickets: map[uuid.UUID]domain.Ticket{},
	}}
}

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &Tx{st: s.st.clone()}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	s.st = tx.st
	return nil
}

type Tx struct {
	st state
}

func (t *Tx) CreateEvent(ctx context.Context, ev domain.Event) error {
	if _, ok := t.st.events[ev.ID]; ok {
		return errors.Wrapf(domain.ErrConflict, "event %s exists", ev.ID)
	}
	t.st.events[ev.ID] = ev
	return nil
}

func (t *Tx) GetEvent(ctx context.Context, id uuid.UUID) (domain.Event, error) {
	ev, ok := t.st.events[id]
	if !ok {
		return domain.Event{}, errors.Wrapf(domain.ErrNotFound, "event %s", id)
	}
	return ev, nil
}

func (t *Tx) UpdateEvent(ctx context.Context, ev domain.Event) error {
	if _, ok := t.st.events[ev.ID]; !ok {
		return errors.Wrapf(domain.ErrNotFound, "event %s", ev.ID)
	}
	if ev.Issued+ev.Outstanding > ev.Capacity || ev.Issued < 0 || ev.Outstanding < 0 {
		return errors.Wrapf(domain.ErrConflict, "event %s: inventory out of bounds", ev.ID)
	}
	t.st.events[ev.ID] = ev
	return nil
}

func (t *Tx) NextSequence(ctx context.Context, eventID uuid.UUID) (int64, error) {
	if _, ok := t.st.events[eventID]; !ok {
		return 0, errors.Wrapf(domain.ErrNotFound, "event %s", eventID)
	}
	t.st.seqs[eventID]++
	return t.st.seqs[eventID], nil
}

func (t *Tx) InsertEntry(ctx context.Context, e domain.Entry) error {
	for _, other := range t.st.entries {
		if other.EventID == e.EventID && other.UserID == e.UserID && other.Active() {
			return errors.Wrapf(domain.ErrAlreadyQueued, "user %s event %s", e.UserID, e.EventID)
		}
	}
	t.st.entries[e.ID] = e
	return nil
}

func (t *Tx) GetEntry(ctx context.Context, id uuid.UUID) (domain.Entry, error) {
	e, ok := t.st.entries[id]
	if !ok {
		return domain.Entry{}, errors.Wrapf(domain.ErrNotFound, "entry %s", id)
	}
	return e, nil
}

func (t *Tx) UpdateEntry(ctx context.Context, e domain.Entry) error {
	if _, ok := t.st.entries[e.ID]; !ok {
		return errors.Wrapf(domain.ErrNotFound, "entry %s", e.ID)
	}
	t.st.entries[e.ID] = e
	return nil
}

func (t *Tx) LatestEntry(ctx context.Context, eventID uuid.UUID, userID string) (domain.Entry, error) {
	var latest domain.Entry
	found := false
	for _, e := range t.st.entries {
		if e.EventID == eventID && e.UserID == userID && (!found || e.Seq > latest.Seq) {
			latest = e
			found = true
		}
	}
	if !found {
		return domain.Entry{}, errors.Wrapf(domain.ErrNotFound, "no entry for user %s event %s", userID, eventID)
	}
	return latest, nil
}

func (t *Tx) ActiveEntries(ctx context.Context, eventID uuid.UUID) ([]domain.Entry, error) {
	return t.filterEntries(func(e domain.Entry) bool {
		return e.EventID == eventID && e.Active()
	}), nil
}

func (t *Tx) EntriesByStatus(ctx context.Context, eventID uuid.UUID, status domain.EntryStatus) ([]domain.Entry, error) {
	return t.filterEntries(func(e domain.Entry) bool {
		return e.EventID == eventID && e.Status == status
	}), nil
}

func (t *Tx) filterEntries(keep func(domain.Entry) bool) []domain.Entry {
	var out []domain.Entry
	for _, e := range t.st.entries {
		if keep(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func (t *Tx) ExpiredOffers(ctx context.Context, now time.Time, limit int) ([]domain.Entry, error) {
	var out []domain.Entry
	for _, e := range t.st.entries {
		if e.Status == domain.EntryOffered && !e.OfferExpiresAt.After(now) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OfferExpiresAt.Before(out[j].OfferExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *Tx) InsertTicket(ctx context.Context, tk domain.Ticket) error {
	for _, other := range t.st.tickets {
		if other.EntryID == tk.EntryID || (other.EventID == tk.EventID && other.UserID == tk.UserID) {
			return errors.Wrapf(domain.ErrTicketAlreadyIssued, "user %s event %s", tk.UserID, tk.EventID)
		}
	}
	t.st.tickets[tk.ID] = tk
	return nil
}

func (t *Tx) GetTicket(ctx context.Context, eventID uuid.UUID, userID string) (domain.Ticket, error) {
	for _, tk := range t.st.tickets {
		if tk.EventID == eventID && tk.UserID == userID {
			return tk, nil
		}
	}
	return domain.Ticket{}, errors.Wrapf(domain.ErrNotFound, "ticket for user %s event %s", userID, eventID)
}

func (t *Tx) TicketByEntry(ctx context.Context, entryID uuid.UUID) (domain.Ticket, error) {
	for _, tk := range t.st.tickets {
		if tk.EntryID == entryID {
			return tk, nil
		}
	}
	return domain.Ticket{}, errors.Wrapf(domain.ErrNotFound, "ticket for entry %s", entryID)
}

func (t *Tx) ListTickets(ctx context.Context, userID string) ([]domain.Ticket, error) {
	var out []domain.Ticket
	for _, tk := range t.st.tickets {
		if tk.UserID == userID {
			out = append(out, tk)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return out, nil
}

func (t *Tx) CountTickets(ctx context.Context, eventID uuid.UUID) (int, error) {
	n := 0
	for _, tk := range t.st.tickets {
		if tk.EventID == eventID {
			n++
		}
	}
	return n, nil
}

func (t *Tx) InsertOutbox(ctx context.Context, rec store.OutboxRecord) error {
	if rec.Status == "" {
		rec.Status = store.OutboxNew
	}
	t.st.outbox = append(t.st.outbox, rec)
	return nil
}

func (t *Tx) UnpublishedOutbox(ctx context.Context, limit int) ([]store.OutboxRecord, error) {
	var out []store.OutboxRecord
	for _, rec := range t.st.outbox {
		if rec.Status == store.OutboxNew {
			out = append(out, rec)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (t *Tx) MarkPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error {
	for i := range t.st.outbox {
		if t.st.outbox[i].ID == id {
			at := publishedAt
			t.st.outbox[i].Status = store.OutboxPublished
			t.st.outbox[i].PublishedAt = &at
			return nil
		}
	}
	return errors.Wrapf(domain.ErrNotFound, "outbox record %s", id)
}

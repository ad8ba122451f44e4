// Package crdb stores the waitlist in CockroachDB. Every transaction runs
// at SERIALIZABLE and is retried when the database asks for it.
package crdb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robertarktes/ticket-waitlist/internal/domain"
	"github.com/robertarktes/ticket-waitlist/internal/store"
)

const (
	SerializationFailureCode = "40001"
	UniqueViolationCode      = "23505"
	CheckViolationCode       = "23514"
)

type Store struct {
	pool        *pgxpool.Pool
	maxAttempts int
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, maxAttempts: 5}
}

func (s *Store) Pool() *pgxpool.Pool { return s.pool }

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	var err error
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		err = s.runTx(ctx, fn)
		if !errors.Is(err, domain.ErrSerializationFailure) {
			return err
		}
		backoff := time.Duration(1<<attempt) * 10 * time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return err
}

func (s *Store) runTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &Tx{tx: tx}); err != nil {
		return mapError(err)
	}
	return mapError(tx.Commit(ctx))
}

func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == SerializationFailureCode {
		return errors.Wrapf(domain.ErrSerializationFailure, "%s", pgErr.Message)
	}
	return err
}

func isCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

// Tx implements store.Tx over one pgx transaction.
type Tx struct {
	tx pgx.Tx
}

func (t *Tx) CreateEvent(ctx context.Context, ev domain.Event) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO events (id, capacity, issued, outstanding, price_cents, currency, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, ev.ID, ev.Capacity, ev.Issued, ev.Outstanding, ev.PriceCents, ev.Currency, string(ev.Status), ev.CreatedAt, ev.UpdatedAt)
	if isCode(err, UniqueViolationCode) {
		return errors.Wrapf(domain.ErrConflict, "event %s exists", ev.ID)
	}
	return err
}

func (t *Tx) GetEvent(ctx context.Context, id uuid.UUID) (domain.Event, error) {
	var ev domain.Event
	var status string
	err := t.tx.QueryRow(ctx, `
		SELECT id, capacity, issued, outstanding, price_cents, currency, status, created_at, updated_at
		FROM events WHERE id = $1
	`, id).Scan(&ev.ID, &ev.Capacity, &ev.Issued, &ev.Outstanding, &ev.PriceCents, &ev.Currency, &status, &ev.CreatedAt, &ev.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Event{}, errors.Wrapf(domain.ErrNotFound, "event %s", id)
	}
	ev.Status = domain.EventStatus(status)
	return ev, err
}

func (t *Tx) UpdateEvent(ctx context.Context, ev domain.Event) error {
	result, err := t.tx.Exec(ctx, `
		UPDATE events
		SET capacity = $2, issued = $3, outstanding = $4, price_cents = $5, currency = $6, status = $7, updated_at = $8
		WHERE id = $1
	`, ev.ID, ev.Capacity, ev.Issued, ev.Outstanding, ev.PriceCents, ev.Currency, string(ev.Status), ev.UpdatedAt)
	if isCode(err, CheckViolationCode) {
		return errors.Wrapf(domain.ErrConflict, "event %s: inventory out of bounds", ev.ID)
	}
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return errors.Wrapf(domain.ErrNotFound, "event %s", ev.ID)
	}
	return nil
}

func (t *Tx) NextSequence(ctx context.Context, eventID uuid.UUID) (int64, error) {
	var seq int64
	err := t.tx.QueryRow(ctx, `
		UPDATE events SET next_seq = next_seq + 1 WHERE id = $1 RETURNING next_seq
	`, eventID).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, errors.Wrapf(domain.ErrNotFound, "event %s", eventID)
	}
	return seq, err
}

const entryColumns = `id, event_id, user_id, seq, status, enqueued_at, offer_expires_at, payment_attempts, updated_at`

func scanEntry(row pgx.Row) (domain.Entry, error) {
	var e domain.Entry
	var status string
	var expires *time.Time
	if err := row.Scan(&e.ID, &e.EventID, &e.UserID, &e.Seq, &status, &e.EnqueuedAt, &expires, &e.PaymentAttempts, &e.UpdatedAt); err != nil {
		return domain.Entry{}, err
	}
	e.Status = domain.EntryStatus(status)
	if expires != nil {
		e.OfferExpiresAt = *expires
	}
	return e, nil
}

func collectEntries(rows pgx.Rows) ([]domain.Entry, error) {
	defer rows.Close()
	var entries []domain.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (t *Tx) InsertEntry(ctx context.Context, e domain.Entry) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO waiting_list (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.ID, e.EventID, e.UserID, e.Seq, string(e.Status), e.EnqueuedAt, nullTime(e.OfferExpiresAt), e.PaymentAttempts, e.UpdatedAt)
	if isCode(err, UniqueViolationCode) {
		return errors.Wrapf(domain.ErrAlreadyQueued, "user %s event %s", e.UserID, e.EventID)
	}
	return err
}

func (t *Tx) GetEntry(ctx context.Context, id uuid.UUID) (domain.Entry, error) {
	e, err := scanEntry(t.tx.QueryRow(ctx, `SELECT `+entryColumns+` FROM waiting_list WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Entry{}, errors.Wrapf(domain.ErrNotFound, "entry %s", id)
	}
	return e, err
}

func (t *Tx) UpdateEntry(ctx context.Context, e domain.Entry) error {
	result, err := t.tx.Exec(ctx, `
		UPDATE waiting_list
		SET status = $2, offer_expires_at = $3, payment_attempts = $4, updated_at = $5
		WHERE id = $1
	`, e.ID, string(e.Status), nullTime(e.OfferExpiresAt), e.PaymentAttempts, e.UpdatedAt)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return errors.Wrapf(domain.ErrNotFound, "entry %s", e.ID)
	}
	return nil
}

func (t *Tx) LatestEntry(ctx context.Context, eventID uuid.UUID, userID string) (domain.Entry, error) {
	e, err := scanEntry(t.tx.QueryRow(ctx, `
		SELECT `+entryColumns+` FROM waiting_list
		WHERE event_id = $1 AND user_id = $2
		ORDER BY seq DESC LIMIT 1
	`, eventID, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Entry{}, errors.Wrapf(domain.ErrNotFound, "no entry for user %s event %s", userID, eventID)
	}
	return e, err
}

func (t *Tx) ActiveEntries(ctx context.Context, eventID uuid.UUID) ([]domain.Entry, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+entryColumns+` FROM waiting_list
		WHERE event_id = $1 AND status IN ('QUEUED', 'OFFERED')
		ORDER BY seq
	`, eventID)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

func (t *Tx) EntriesByStatus(ctx context.Context, eventID uuid.UUID, status domain.EntryStatus) ([]domain.Entry, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+entryColumns+` FROM waiting_list
		WHERE event_id = $1 AND status = $2
		ORDER BY seq
	`, eventID, string(status))
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

func (t *Tx) ExpiredOffers(ctx context.Context, now time.Time, limit int) ([]domain.Entry, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+entryColumns+` FROM waiting_list
		WHERE status = 'OFFERED' AND offer_expires_at <= $1
		ORDER BY offer_expires_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

const ticketColumns = `id, event_id, user_id, entry_id, amount_cents, currency, payment_ref, issued_at`

func scanTicket(row pgx.Row) (domain.Ticket, error) {
	var tk domain.Ticket
	err := row.Scan(&tk.ID, &tk.EventID, &tk.UserID, &tk.EntryID, &tk.AmountCents, &tk.Currency, &tk.PaymentRef, &tk.IssuedAt)
	return tk, err
}

func (t *Tx) InsertTicket(ctx context.Context, tk domain.Ticket) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO tickets (`+ticketColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, tk.ID, tk.EventID, tk.UserID, tk.EntryID, tk.AmountCents, tk.Currency, tk.PaymentRef, tk.IssuedAt)
	if isCode(err, UniqueViolationCode) {
		return errors.Wrapf(domain.ErrTicketAlreadyIssued, "user %s event %s", tk.UserID, tk.EventID)
	}
	return err
}

func (t *Tx) GetTicket(ctx context.Context, eventID uuid.UUID, userID string) (domain.Ticket, error) {
	tk, err := scanTicket(t.tx.QueryRow(ctx, `
		SELECT `+ticketColumns+` FROM tickets WHERE event_id = $1 AND user_id = $2
	`, eventID, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Ticket{}, errors.Wrapf(domain.ErrNotFound, "ticket for user %s event %s", userID, eventID)
	}
	return tk, err
}

func (t *Tx) TicketByEntry(ctx context.Context, entryID uuid.UUID) (domain.Ticket, error) {
	tk, err := scanTicket(t.tx.QueryRow(ctx, `
		SELECT `+ticketColumns+` FROM tickets WHERE entry_id = $1
	`, entryID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Ticket{}, errors.Wrapf(domain.ErrNotFound, "ticket for entry %s", entryID)
	}
	return tk, err
}

func (t *Tx) ListTickets(ctx context.Context, userID string) ([]domain.Ticket, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+ticketColumns+` FROM tickets WHERE user_id = $1 ORDER BY issued_at
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tickets []domain.Ticket
	for rows.Next() {
		tk, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, tk)
	}
	return tickets, rows.Err()
}

func (t *Tx) CountTickets(ctx context.Context, eventID uuid.UUID) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx, `SELECT count(*) FROM tickets WHERE event_id = $1`, eventID).Scan(&n)
	return n, err
}

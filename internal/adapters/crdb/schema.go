package crdb

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is applied in order by Migrate. Every statement is idempotent.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS events (
		id UUID PRIMARY KEY,
		capacity INT8 NOT NULL CHECK (capacity > 0),
		issued INT8 NOT NULL DEFAULT 0 CHECK (issued >= 0),
		outstanding INT8 NOT NULL DEFAULT 0 CHECK (outstanding >= 0),
		price_cents INT8 NOT NULL CHECK (price_cents >= 0),
		currency STRING NOT NULL,
		status STRING NOT NULL CHECK (status IN ('OPEN', 'CLOSED')),
		next_seq INT8 NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		CONSTRAINT inventory_within_capacity CHECK (issued + outstanding <= capacity)
	)`,
	`CREATE TABLE IF NOT EXISTS waiting_list (
		id UUID PRIMARY KEY,
		event_id UUID NOT NULL REFERENCES events (id),
		user_id STRING NOT NULL,
		seq INT8 NOT NULL,
		status STRING NOT NULL CHECK (status IN ('QUEUED', 'OFFERED', 'PURCHASED', 'EXPIRED', 'CANCELLED')),
		enqueued_at TIMESTAMPTZ NOT NULL,
		offer_expires_at TIMESTAMPTZ NULL,
		payment_attempts INT8 NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE (event_id, seq),
		INDEX waiting_list_user (event_id, user_id, seq DESC),
		INDEX waiting_list_offer_expiry (status, offer_expires_at)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS waiting_list_one_active
		ON waiting_list (event_id, user_id) WHERE status IN ('QUEUED', 'OFFERED')`,
	`CREATE TABLE IF NOT EXISTS tickets (
		id UUID PRIMARY KEY,
		event_id UUID NOT NULL REFERENCES events (id),
		user_id STRING NOT NULL,
		entry_id UUID NOT NULL UNIQUE REFERENCES waiting_list (id),
		amount_cents INT8 NOT NULL,
		currency STRING NOT NULL,
		payment_ref STRING NOT NULL,
		issued_at TIMESTAMPTZ NOT NULL,
		UNIQUE (event_id, user_id),
		INDEX tickets_by_user (user_id, issued_at)
	)`,
	`CREATE TABLE IF NOT EXISTS outbox (
		id UUID PRIMARY KEY,
		aggregate_type STRING NOT NULL,
		aggregate_id UUID NOT NULL,
		event_type STRING NOT NULL,
		payload_json JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		published_at TIMESTAMPTZ NULL,
		status STRING NOT NULL DEFAULT 'NEW' CHECK (status IN ('NEW', 'PUBLISHED', 'FAILED')),
		dedupe_key STRING NOT NULL UNIQUE,
		INDEX outbox_pending (status, created_at)
	)`,
}

func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for i, stmt := range Schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return errors.Wrapf(err, "migration step %d", i)
		}
	}
	return nil
}

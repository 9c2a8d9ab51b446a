package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// The CHECK on items pins the invariant that a lock reference and the
// ON_HOLD status always move together.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS items (
		id           TEXT PRIMARY KEY,
		owner_id     TEXT NOT NULL,
		product_id   TEXT NOT NULL,
		box_id       TEXT,
		external_id  TEXT UNIQUE,
		rarity       TEXT NOT NULL DEFAULT '',
		secret       BOOLEAN NOT NULL DEFAULT FALSE,
		status       TEXT NOT NULL,
		quantity     INT NOT NULL DEFAULT 1,
		reserved_qty INT NOT NULL DEFAULT 0,
		lock_ref     TEXT,
		held_from    TEXT,
		hold_until   TIMESTAMPTZ,
		shipment_id  TEXT,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		archived_at  TIMESTAMPTZ,
		CHECK ((lock_ref IS NULL) = (status <> 'ON_HOLD'))
	)`,
	`CREATE INDEX IF NOT EXISTS idx_items_hold_until ON items(hold_until) WHERE lock_ref IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_items_owner ON items(owner_id)`,
	`CREATE TABLE IF NOT EXISTS listings (
		id         TEXT PRIMARY KEY,
		item_id    TEXT NOT NULL REFERENCES items(id),
		owner_id   TEXT NOT NULL,
		status     TEXT NOT NULL,
		terms      TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		expires_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_listings_expiry ON listings(expires_at) WHERE status = 'OPEN'`,
	`CREATE TABLE IF NOT EXISTS trades (
		id               TEXT PRIMARY KEY,
		listing_id       TEXT NOT NULL REFERENCES listings(id),
		requester_id     TEXT NOT NULL,
		status           TEXT NOT NULL,
		owner_locked     BOOLEAN NOT NULL DEFAULT FALSE,
		requester_locked BOOLEAN NOT NULL DEFAULT FALSE,
		requested_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		responded_at     TIMESTAMPTZ,
		locked_at        TIMESTAMPTZ,
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trades_accepted ON trades(responded_at) WHERE status = 'ACCEPTED'`,
	`CREATE TABLE IF NOT EXISTS trade_items (
		trade_id TEXT NOT NULL REFERENCES trades(id),
		item_id  TEXT NOT NULL REFERENCES items(id),
		PRIMARY KEY (trade_id, item_id)
	)`,
	`CREATE TABLE IF NOT EXISTS box_configs (
		box_id      TEXT PRIMARY KEY,
		secret_prob DOUBLE PRECISION NOT NULL,
		entries     JSONB NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// Migrate applies the schema idempotently at startup.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

const createEventsTable = `
CREATE TABLE IF NOT EXISTS events (
    id             BIGSERIAL PRIMARY KEY,
    title          TEXT NOT NULL,
    starts_at      TIMESTAMPTZ NOT NULL,
    average_rating NUMERIC(3, 2) NOT NULL DEFAULT 0,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);`

const createEventTiersTable = `
CREATE TABLE IF NOT EXISTS event_tiers (
    event_id BIGINT NOT NULL REFERENCES events(id) ON DELETE CASCADE,
    name     TEXT NOT NULL,
    price    BIGINT NOT NULL CHECK (price >= 0),
    capacity INT NOT NULL CHECK (capacity >= 0),
    held     INT NOT NULL DEFAULT 0 CHECK (held >= 0),
    sold     INT NOT NULL DEFAULT 0 CHECK (sold >= 0),
    PRIMARY KEY (event_id, name),
    CONSTRAINT event_tiers_capacity_check CHECK (held + sold <= capacity)
);`

const createSeatReservationsTable = `
CREATE TABLE IF NOT EXISTS seat_reservations (
    id         UUID PRIMARY KEY,
    event_id   BIGINT NOT NULL,
    tier       TEXT NOT NULL,
    quantity   INT NOT NULL CHECK (quantity > 0),
    state      TEXT NOT NULL CHECK (state IN ('held', 'committed', 'released')),
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    FOREIGN KEY (event_id, tier) REFERENCES event_tiers(event_id, name)
);`

const createCouponsTable = `
CREATE TABLE IF NOT EXISTS coupons (
    code       TEXT PRIMARY KEY,
    kind       TEXT NOT NULL CHECK (kind IN ('PERCENTAGE', 'FIXED')),
    value      NUMERIC(14, 4) NOT NULL CHECK (value >= 0),
    active     BOOLEAN NOT NULL DEFAULT true,
    expires_at TIMESTAMPTZ NOT NULL
);`

const createPromotionsTable = `
CREATE TABLE IF NOT EXISTS promotions (
    code       TEXT PRIMARY KEY,
    event_id   BIGINT REFERENCES events(id) ON DELETE CASCADE,
    kind       TEXT NOT NULL CHECK (kind IN ('PERCENTAGE', 'FIXED')),
    value      NUMERIC(14, 4) NOT NULL CHECK (value >= 0),
    starts_at  TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL
);`

const createTransactionsTable = `
CREATE TABLE IF NOT EXISTS transactions (
    id                  UUID PRIMARY KEY,
    user_id             BIGINT NOT NULL,
    event_id            BIGINT NOT NULL REFERENCES events(id),
    tier                TEXT NOT NULL,
    quantity            INT NOT NULL CHECK (quantity > 0),
    status              TEXT NOT NULL CHECK (status IN ('PENDING', 'PAID', 'EXPIRED', 'CANCELLED')),
    payment_deadline    TIMESTAMPTZ NOT NULL,
    coupon_code         TEXT,
    promotion_code      TEXT,
    points_used         BIGINT NOT NULL DEFAULT 0,
    reservation_id      UUID NOT NULL REFERENCES seat_reservations(id),
    unit_price          BIGINT NOT NULL,
    base_price          BIGINT NOT NULL,
    coupon_discount     BIGINT NOT NULL,
    promotion_discount  BIGINT NOT NULL,
    points_discount     BIGINT NOT NULL,
    subtotal_before_tax BIGINT NOT NULL,
    tax_rate            NUMERIC(8, 6) NOT NULL,
    tax_amount          BIGINT NOT NULL,
    final_price         BIGINT NOT NULL CHECK (final_price >= 0),
    created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);`

const createTransactionsIndexes = `
CREATE INDEX IF NOT EXISTS transactions_pending_deadline_idx
    ON transactions (payment_deadline) WHERE status = 'PENDING';
CREATE INDEX IF NOT EXISTS transactions_paid_user_event_idx
    ON transactions (user_id, event_id) WHERE status = 'PAID';`

const createTicketsTable = `
CREATE TABLE IF NOT EXISTS tickets (
    id             UUID PRIMARY KEY,
    transaction_id UUID NOT NULL REFERENCES transactions(id) ON DELETE CASCADE,
    event_id       BIGINT NOT NULL,
    tier           TEXT NOT NULL,
    used           BOOLEAN NOT NULL DEFAULT false,
    used_at        TIMESTAMPTZ,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS tickets_transaction_idx ON tickets (transaction_id);`

const createPointTransactionsTable = `
CREATE TABLE IF NOT EXISTS point_transactions (
    id             BIGSERIAL PRIMARY KEY,
    user_id        BIGINT NOT NULL,
    amount         BIGINT NOT NULL,
    remaining      BIGINT NOT NULL DEFAULT 0 CHECK (remaining >= 0),
    description    TEXT NOT NULL DEFAULT '',
    expires_at     TIMESTAMPTZ,
    is_expired     BOOLEAN NOT NULL DEFAULT false,
    transaction_id UUID,
    status         TEXT NOT NULL DEFAULT 'FINAL' CHECK (status IN ('PROVISIONAL', 'FINAL', 'REVERSED')),
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS point_transactions_active_grants_idx
    ON point_transactions (user_id, expires_at) WHERE amount > 0 AND remaining > 0 AND NOT is_expired;
CREATE UNIQUE INDEX IF NOT EXISTS point_transactions_transaction_uq
    ON point_transactions (transaction_id) WHERE transaction_id IS NOT NULL;`

const createPointAllocationsTable = `
CREATE TABLE IF NOT EXISTS point_allocations (
    debit_id BIGINT NOT NULL REFERENCES point_transactions(id) ON DELETE CASCADE,
    grant_id BIGINT NOT NULL REFERENCES point_transactions(id) ON DELETE CASCADE,
    amount   BIGINT NOT NULL CHECK (amount > 0),
    PRIMARY KEY (debit_id, grant_id)
);`

// reviews is owned by the review subsystem; only the ratings are read here.
const createReviewsTable = `
CREATE TABLE IF NOT EXISTS reviews (
    user_id    BIGINT NOT NULL,
    event_id   BIGINT NOT NULL REFERENCES events(id) ON DELETE CASCADE,
    rating     SMALLINT NOT NULL CHECK (rating BETWEEN 1 AND 5),
    comment    TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (user_id, event_id)
);`

var migrations = []struct {
	name string
	sql  string
}{
	{"events", createEventsTable},
	{"event_tiers", createEventTiersTable},
	{"seat_reservations", createSeatReservationsTable},
	{"coupons", createCouponsTable},
	{"promotions", createPromotionsTable},
	{"transactions", createTransactionsTable},
	{"transactions_indexes", createTransactionsIndexes},
	{"tickets", createTicketsTable},
	{"point_transactions", createPointTransactionsTable},
	{"point_allocations", createPointAllocationsTable},
	{"reviews", createReviewsTable},
}

// Migrate creates the schema. Every statement is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	const op = "postgres.Migrate"

	for _, m := range migrations {
		if _, err := pool.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("%s: %s: %w", op, m.name, err)
		}
		logger.Debug("migration applied", "name", m.name)
	}

	logger.Info("database schema is up to date", "migrations", len(migrations))

	return nil
}

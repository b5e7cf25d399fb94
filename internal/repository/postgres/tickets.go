package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kirinyoku/tix-reserve/internal/domain"
	"github.com/kirinyoku/tix-reserve/internal/repository"
)

type TicketRepo struct {
	pool *pgxpool.Pool
	db   DB
}

func (r *TicketRepo) With(db DB) *TicketRepo {
	cp := *r
	cp.db = db
	return &cp
}

func (r *TicketRepo) handle() DB {
	if r.db != nil {
		return r.db
	}
	return r.pool
}

func (r *TicketRepo) Issue(ctx context.Context, tickets []domain.Ticket) error {
	const op = "postgres.TicketRepo.Issue"

	if len(tickets) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, t := range tickets {
		batch.Queue(
			`INSERT INTO tickets(id, transaction_id, event_id, tier, used, created_at)
			 VALUES ($1, $2, $3, $4, false, $5)`,
			t.ID, t.TransactionID, t.EventID, t.Tier, t.CreatedAt,
		)
	}
	if err := r.handle().SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return nil
}

func (r *TicketRepo) ByTransaction(ctx context.Context, txID uuid.UUID) ([]domain.Ticket, error) {
	const op = "postgres.TicketRepo.ByTransaction"

	rows, err := r.handle().Query(ctx,
		`SELECT id, transaction_id, event_id, tier, used, used_at, created_at
		 FROM tickets
		 WHERE transaction_id = $1
		 ORDER BY created_at, id`,
		txID,
	)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	defer rows.Close()

	var out []domain.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return out, nil
}

// CheckIn flags a ticket as used at the venue entrance.
//
// Returns:
//   - error: repository.ErrNotFound if the ticket does not exist.
//   - error: repository.ErrConflict if the ticket was already used.
func (r *TicketRepo) CheckIn(ctx context.Context, id uuid.UUID, at time.Time) (domain.Ticket, error) {
	const op = "postgres.TicketRepo.CheckIn"

	db := r.handle()

	t, err := scanTicket(db.QueryRow(ctx,
		`UPDATE tickets
		 SET used = true, used_at = $2
		 WHERE id = $1 AND NOT used
		 RETURNING id, transaction_id, event_id, tier, used, used_at, created_at`,
		id, at,
	))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Ticket{}, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	var exists bool
	if err := db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tickets WHERE id = $1)`, id).Scan(&exists); err != nil {
		return domain.Ticket{}, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}
	if !exists {
		return domain.Ticket{}, fmt.Errorf("%s:%w", op, repository.ErrNotFound)
	}

	return domain.Ticket{}, fmt.Errorf("%s:%w", op, repository.ErrConflict)
}

func scanTicket(row pgx.Row) (domain.Ticket, error) {
	var t domain.Ticket
	err := row.Scan(&t.ID, &t.TransactionID, &t.EventID, &t.Tier, &t.Used, &t.UsedAt, &t.CreatedAt)
	return t, err
}

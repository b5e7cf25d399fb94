package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kirinyoku/tix-reserve/internal/domain"
	"github.com/kirinyoku/tix-reserve/internal/repository"
)

type InventoryRepo struct {
	pool *pgxpool.Pool
	db   DB
}

func (r *InventoryRepo) With(db DB) *InventoryRepo {
	cp := *r
	cp.db = db
	return &cp
}

func (r *InventoryRepo) handle() DB {
	if r.db != nil {
		return r.db
	}
	return r.pool
}

// Tier retrieves a single tier of an event.
//
// Returns:
//   - error: repository.ErrNotFound if the event has no tier with that name.
func (r *InventoryRepo) Tier(ctx context.Context, eventID int64, name string) (domain.Tier, error) {
	const op = "postgres.InventoryRepo.Tier"

	db := r.handle()

	var t domain.Tier
	err := db.QueryRow(ctx,
		`SELECT event_id, name, price, capacity, held, sold
		 FROM event_tiers
		 WHERE event_id = $1 AND name = $2`,
		eventID, name,
	).Scan(&t.EventID, &t.Name, &t.Price, &t.Capacity, &t.Held, &t.Sold)
	if err != nil {
		return domain.Tier{}, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return t, nil
}

func (r *InventoryRepo) Tiers(ctx context.Context, eventID int64) ([]domain.Tier, error) {
	const op = "postgres.InventoryRepo.Tiers"

	db := r.handle()

	rows, err := db.Query(ctx,
		`SELECT event_id, name, price, capacity, held, sold
		 FROM event_tiers
		 WHERE event_id = $1
		 ORDER BY price DESC, name`,
		eventID,
	)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	defer rows.Close()

	var out []domain.Tier
	for rows.Next() {
		var t domain.Tier
		if err := rows.Scan(&t.EventID, &t.Name, &t.Price, &t.Capacity, &t.Held, &t.Sold); err != nil {
			return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return out, nil
}

// Hold reserves quantity seats of a tier with a single conditional update, so
// concurrent holds on the same tier can never push held+sold past capacity.
//
// Returns:
//   - error: repository.ErrNotFound if the tier does not exist.
//   - error: repository.ErrNoCapacity if fewer than quantity seats remain.
func (r *InventoryRepo) Hold(
	ctx context.Context,
	eventID int64,
	tier string,
	quantity int,
) (domain.SeatReservation, error) {
	const op = "postgres.InventoryRepo.Hold"

	db := r.handle()

	tag, err := db.Exec(ctx,
		`UPDATE event_tiers
		 SET held = held + $3
		 WHERE event_id = $1 AND name = $2 AND held + sold + $3 <= capacity`,
		eventID, tier, quantity,
	)
	if err != nil {
		return domain.SeatReservation{}, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	if tag.RowsAffected() == 0 {
		if _, err := r.Tier(ctx, eventID, tier); err != nil {
			return domain.SeatReservation{}, fmt.Errorf("%s:%w", op, err)
		}
		return domain.SeatReservation{}, fmt.Errorf("%s:%w", op, repository.ErrNoCapacity)
	}

	res := domain.SeatReservation{
		ID:       uuid.New(),
		EventID:  eventID,
		Tier:     tier,
		Quantity: quantity,
		State:    domain.ReservationHeld,
	}

	if err := db.QueryRow(ctx,
		`INSERT INTO seat_reservations(id, event_id, tier, quantity, state)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING created_at, updated_at`,
		res.ID, res.EventID, res.Tier, res.Quantity, res.State,
	).Scan(&res.CreatedAt, &res.UpdatedAt); err != nil {
		return domain.SeatReservation{}, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return res, nil
}

// Release returns the seats of a held reservation to the pool.
//
// Returns:
//   - error: repository.ErrNotFound if the reservation does not exist.
func (r *InventoryRepo) Release(ctx context.Context, id uuid.UUID) error {
	const op = "postgres.InventoryRepo.Release"

	res, ok, err := r.settle(ctx, id, domain.ReservationReleased)
	if err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}
	if !ok {
		if _, err := r.state(ctx, id); err != nil {
			return fmt.Errorf("%s:%w", op, err)
		}
		return nil
	}

	if _, err := r.handle().Exec(ctx,
		`UPDATE event_tiers
		 SET held = held - $3
		 WHERE event_id = $1 AND name = $2`,
		res.EventID, res.Tier, res.Quantity,
	); err != nil {
		return fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return nil
}

// Commit turns held seats into sold seats.
//
// Returns:
//   - error: repository.ErrNotFound if the reservation does not exist.
//   - error: repository.ErrAlreadyReleased if the seats were released before.
func (r *InventoryRepo) Commit(ctx context.Context, id uuid.UUID) error {
	const op = "postgres.InventoryRepo.Commit"

	res, ok, err := r.settle(ctx, id, domain.ReservationCommitted)
	if err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}
	if !ok {
		state, err := r.state(ctx, id)
		if err != nil {
			return fmt.Errorf("%s:%w", op, err)
		}
		if state == domain.ReservationReleased {
			return fmt.Errorf("%s:%w", op, repository.ErrAlreadyReleased)
		}
		return nil
	}

	if _, err := r.handle().Exec(ctx,
		`UPDATE event_tiers
		 SET held = held - $3, sold = sold + $3
		 WHERE event_id = $1 AND name = $2`,
		res.EventID, res.Tier, res.Quantity,
	); err != nil {
		return fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return nil
}

// settle moves a held reservation to the given state. ok is false when the
// reservation was not held.
func (r *InventoryRepo) settle(
	ctx context.Context,
	id uuid.UUID,
	to domain.ReservationState,
) (res domain.SeatReservation, ok bool, err error) {
	err = r.handle().QueryRow(ctx,
		`UPDATE seat_reservations
		 SET state = $2, updated_at = now()
		 WHERE id = $1 AND state = 'held'
		 RETURNING id, event_id, tier, quantity, state, created_at, updated_at`,
		id, to,
	).Scan(&res.ID, &res.EventID, &res.Tier, &res.Quantity, &res.State, &res.CreatedAt, &res.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return res, false, nil
	}
	if err != nil {
		return res, false, translateDBErr(err)
	}

	return res, true, nil
}

func (r *InventoryRepo) state(ctx context.Context, id uuid.UUID) (domain.ReservationState, error) {
	var state domain.ReservationState
	err := r.handle().QueryRow(ctx,
		`SELECT state FROM seat_reservations WHERE id = $1`,
		id,
	).Scan(&state)
	if err != nil {
		return "", translateDBErr(err)
	}

	return state, nil
}

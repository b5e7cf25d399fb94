package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kirinyoku/tix-reserve/internal/domain"
)

type CatalogRepo struct {
	pool *pgxpool.Pool
	db   DB
}

func (r *CatalogRepo) With(db DB) *CatalogRepo {
	cp := *r
	cp.db = db
	return &cp
}

func (r *CatalogRepo) handle() DB {
	if r.db != nil {
		return r.db
	}
	return r.pool
}

// CreateEvent inserts an event together with its tiers.
func (r *CatalogRepo) CreateEvent(ctx context.Context, e domain.Event, tiers []domain.Tier) (int64, error) {
	const op = "postgres.CatalogRepo.CreateEvent"

	db := r.handle()

	var id int64
	if err := db.QueryRow(ctx,
		`INSERT INTO events(title, starts_at)
		 VALUES ($1, $2)
		 RETURNING id`,
		e.Title, e.StartsAt,
	).Scan(&id); err != nil {
		return 0, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	batch := &pgx.Batch{}
	for _, t := range tiers {
		batch.Queue(
			`INSERT INTO event_tiers(event_id, name, price, capacity)
			 VALUES ($1, $2, $3, $4)`,
			id, t.Name, t.Price, t.Capacity,
		)
	}
	if err := db.SendBatch(ctx, batch).Close(); err != nil {
		return 0, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return id, nil
}

// Event retrieves an event by its ID.
//
// Returns:
//   - error: repository.ErrNotFound if the event is not found.
func (r *CatalogRepo) Event(ctx context.Context, id int64) (domain.Event, error) {
	const op = "postgres.CatalogRepo.Event"

	var e domain.Event
	err := r.handle().QueryRow(ctx,
		`SELECT id, title, starts_at, average_rating::float8, created_at
		 FROM events WHERE id = $1`,
		id,
	).Scan(&e.ID, &e.Title, &e.StartsAt, &e.AverageRating, &e.CreatedAt)
	if err != nil {
		return domain.Event{}, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return e, nil
}

func (r *CatalogRepo) CreateCoupon(ctx context.Context, c domain.Coupon) error {
	const op = "postgres.CatalogRepo.CreateCoupon"

	if _, err := r.handle().Exec(ctx,
		`INSERT INTO coupons(code, kind, value, active, expires_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		c.Code, c.Discount.Kind, c.Discount.Value, c.Active, c.ExpiresAt,
	); err != nil {
		return fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return nil
}

func (r *CatalogRepo) Coupon(ctx context.Context, code string) (domain.Coupon, error) {
	const op = "postgres.CatalogRepo.Coupon"

	var c domain.Coupon
	err := r.handle().QueryRow(ctx,
		`SELECT code, kind, value, active, expires_at
		 FROM coupons WHERE code = $1`,
		code,
	).Scan(&c.Code, &c.Discount.Kind, &c.Discount.Value, &c.Active, &c.ExpiresAt)
	if err != nil {
		return domain.Coupon{}, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return c, nil
}

func (r *CatalogRepo) CreatePromotion(ctx context.Context, p domain.Promotion) error {
	const op = "postgres.CatalogRepo.CreatePromotion"

	if _, err := r.handle().Exec(ctx,
		`INSERT INTO promotions(code, event_id, kind, value, starts_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		p.Code, p.EventID, p.Discount.Kind, p.Discount.Value, p.StartsAt, p.ExpiresAt,
	); err != nil {
		return fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return nil
}

func (r *CatalogRepo) Promotion(ctx context.Context, code string) (domain.Promotion, error) {
	const op = "postgres.CatalogRepo.Promotion"

	var p domain.Promotion
	err := r.handle().QueryRow(ctx,
		`SELECT code, event_id, kind, value, starts_at, expires_at
		 FROM promotions WHERE code = $1`,
		code,
	).Scan(&p.Code, &p.EventID, &p.Discount.Kind, &p.Discount.Value, &p.StartsAt, &p.ExpiresAt)
	if err != nil {
		return domain.Promotion{}, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return p, nil
}

// RecomputeAverageRating stores the mean review rating on the event, or 0
// when it has no reviews.
func (r *CatalogRepo) RecomputeAverageRating(ctx context.Context, eventID int64) (float64, error) {
	const op = "postgres.CatalogRepo.RecomputeAverageRating"

	var avg float64
	err := r.handle().QueryRow(ctx,
		`UPDATE events
		 SET average_rating = COALESCE(
			(SELECT ROUND(AVG(rating)::numeric, 2) FROM reviews WHERE event_id = $1), 0)
		 WHERE id = $1
		 RETURNING average_rating::float8`,
		eventID,
	).Scan(&avg)
	if err != nil {
		return 0, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return avg, nil
}

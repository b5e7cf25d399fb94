package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kirinyoku/tix-reserve/internal/domain"
	"github.com/kirinyoku/tix-reserve/internal/repository"
)

type LoyaltyRepo struct {
	pool *pgxpool.Pool
	db   DB
}

func (r *LoyaltyRepo) With(db DB) *LoyaltyRepo {
	cp := *r
	cp.db = db
	return &cp
}

func (r *LoyaltyRepo) handle() DB {
	if r.db != nil {
		return r.db
	}
	return r.pool
}

const pointColumns = `id, user_id, amount, remaining, description, expires_at,
	is_expired, transaction_id, status, created_at`

// Balance sums the unspent points of grants that are still valid at `at`.
func (r *LoyaltyRepo) Balance(ctx context.Context, userID int64, at time.Time) (int64, error) {
	const op = "postgres.LoyaltyRepo.Balance"

	var sum int64
	if err := r.handle().QueryRow(ctx,
		`SELECT COALESCE(SUM(remaining), 0)
		 FROM point_transactions
		 WHERE user_id = $1
		   AND amount > 0
		   AND remaining > 0
		   AND NOT is_expired
		   AND (expires_at IS NULL OR expires_at > $2)`,
		userID, at,
	).Scan(&sum); err != nil {
		return 0, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return sum, nil
}

func (r *LoyaltyRepo) ActiveGrants(ctx context.Context, userID int64, at time.Time) ([]domain.PointTransaction, error) {
	const op = "postgres.LoyaltyRepo.ActiveGrants"

	rows, err := r.handle().Query(ctx,
		`SELECT `+pointColumns+`
		 FROM point_transactions
		 WHERE user_id = $1
		   AND amount > 0
		   AND remaining > 0
		   AND NOT is_expired
		   AND (expires_at IS NULL OR expires_at > $2)
		 ORDER BY expires_at NULLS LAST, id
		 FOR UPDATE`,
		userID, at,
	)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	grants, err := pgx.CollectRows(rows, scanPointTransaction)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return grants, nil
}

func (r *LoyaltyRepo) Insert(ctx context.Context, pt domain.PointTransaction) (int64, error) {
	const op = "postgres.LoyaltyRepo.Insert"

	var id int64
	if err := r.handle().QueryRow(ctx,
		`INSERT INTO point_transactions(user_id, amount, remaining, description, expires_at, transaction_id, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id`,
		pt.UserID, pt.Amount, pt.Remaining, pt.Description, pt.ExpiresAt, pt.TransactionID, pt.Status,
	).Scan(&id); err != nil {
		return 0, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return id, nil
}

// AdjustRemaining adds delta to a grant's unspent points.
//
// Returns:
//   - error: repository.ErrConflict if the grant would go below zero.
func (r *LoyaltyRepo) AdjustRemaining(ctx context.Context, grantID, delta int64) error {
	const op = "postgres.LoyaltyRepo.AdjustRemaining"

	tag, err := r.handle().Exec(ctx,
		`UPDATE point_transactions
		 SET remaining = remaining + $2
		 WHERE id = $1 AND remaining + $2 >= 0`,
		grantID, delta,
	)
	if err != nil {
		return fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s:%w", op, repository.ErrConflict)
	}

	return nil
}

func (r *LoyaltyRepo) Allocate(ctx context.Context, a domain.PointAllocation) error {
	const op = "postgres.LoyaltyRepo.Allocate"

	if _, err := r.handle().Exec(ctx,
		`INSERT INTO point_allocations(debit_id, grant_id, amount)
		 VALUES ($1, $2, $3)`,
		a.DebitID, a.GrantID, a.Amount,
	); err != nil {
		return fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return nil
}

func (r *LoyaltyRepo) Allocations(ctx context.Context, debitID int64) ([]domain.PointAllocation, error) {
	const op = "postgres.LoyaltyRepo.Allocations"

	rows, err := r.handle().Query(ctx,
		`SELECT debit_id, grant_id, amount
		 FROM point_allocations
		 WHERE debit_id = $1
		 ORDER BY grant_id`,
		debitID,
	)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.PointAllocation, error) {
		var a domain.PointAllocation
		err := row.Scan(&a.DebitID, &a.GrantID, &a.Amount)
		return a, err
	})
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return out, nil
}

// DebitByTransaction returns the point debit made for a purchase.
//
// Returns:
//   - error: repository.ErrNotFound if no points were redeemed for it.
func (r *LoyaltyRepo) DebitByTransaction(ctx context.Context, txID uuid.UUID) (domain.PointTransaction, error) {
	const op = "postgres.LoyaltyRepo.DebitByTransaction"

	rows, err := r.handle().Query(ctx,
		`SELECT `+pointColumns+`
		 FROM point_transactions
		 WHERE transaction_id = $1
		 FOR UPDATE`,
		txID,
	)
	if err != nil {
		return domain.PointTransaction{}, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	pt, err := pgx.CollectExactlyOneRow(rows, scanPointTransaction)
	if err != nil {
		return domain.PointTransaction{}, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return pt, nil
}

func (r *LoyaltyRepo) SetStatus(ctx context.Context, id int64, status domain.PointStatus) error {
	const op = "postgres.LoyaltyRepo.SetStatus"

	tag, err := r.handle().Exec(ctx,
		`UPDATE point_transactions SET status = $2 WHERE id = $1`,
		id, status,
	)
	if err != nil {
		return fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s:%w", op, repository.ErrNotFound)
	}

	return nil
}

// ExpireGrants flags every grant that is no longer valid at `at` so it is
// counted as expired exactly once.
func (r *LoyaltyRepo) ExpireGrants(ctx context.Context, at time.Time) (int64, int64, error) {
	const op = "postgres.LoyaltyRepo.ExpireGrants"

	var grants, points int64
	if err := r.handle().QueryRow(ctx,
		`WITH expired AS (
			UPDATE point_transactions
			SET is_expired = true
			WHERE amount > 0
			  AND NOT is_expired
			  AND expires_at IS NOT NULL
			  AND expires_at <= $1
			RETURNING remaining
		 )
		 SELECT COUNT(*), COALESCE(SUM(remaining), 0) FROM expired`,
		at,
	).Scan(&grants, &points); err != nil {
		return 0, 0, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return grants, points, nil
}

func scanPointTransaction(row pgx.CollectableRow) (domain.PointTransaction, error) {
	var pt domain.PointTransaction
	err := row.Scan(
		&pt.ID, &pt.UserID, &pt.Amount, &pt.Remaining, &pt.Description, &pt.ExpiresAt,
		&pt.IsExpired, &pt.TransactionID, &pt.Status, &pt.CreatedAt,
	)
	return pt, err
}

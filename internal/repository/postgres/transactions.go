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

type TransactionRepo struct {
	pool *pgxpool.Pool
	db   DB
}

func (r *TransactionRepo) With(db DB) *TransactionRepo {
	cp := *r
	cp.db = db
	return &cp
}

func (r *TransactionRepo) handle() DB {
	if r.db != nil {
		return r.db
	}
	return r.pool
}

const transactionColumns = `id, user_id, event_id, tier, quantity, status, payment_deadline,
	coupon_code, promotion_code, points_used, reservation_id,
	unit_price, base_price, coupon_discount, promotion_discount, points_discount,
	subtotal_before_tax, tax_rate, tax_amount, final_price, created_at, updated_at`

func (r *TransactionRepo) Create(ctx context.Context, t domain.Transaction) error {
	const op = "postgres.TransactionRepo.Create"

	db := r.handle()

	p := t.Price
	if _, err := db.Exec(ctx,
		`INSERT INTO transactions(`+transactionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
		         $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`,
		t.ID, t.UserID, t.EventID, t.Tier, t.Quantity, t.Status, t.PaymentDeadline,
		t.CouponCode, t.PromotionCode, t.PointsUsed, t.ReservationID,
		p.UnitPrice, p.BasePrice, p.CouponDiscount, p.PromotionDiscount, p.PointsDiscount,
		p.SubtotalBeforeTax, p.TaxRate, p.TaxAmount, p.FinalPrice, t.CreatedAt, t.UpdatedAt,
	); err != nil {
		return fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return nil
}

// Get retrieves a transaction by its ID.
//
// Returns:
//   - error: repository.ErrNotFound if the transaction is not found.
func (r *TransactionRepo) Get(ctx context.Context, id uuid.UUID) (domain.Transaction, error) {
	const op = "postgres.TransactionRepo.Get"

	t, err := scanTransaction(r.handle().QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1`,
		id,
	))
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return t, nil
}

// GetForUpdate is Get with a row lock held until the surrounding transaction
// ends. Concurrent callers on the same id queue behind each other.
func (r *TransactionRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (domain.Transaction, error) {
	const op = "postgres.TransactionRepo.GetForUpdate"

	t, err := scanTransaction(r.handle().QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1 FOR UPDATE`,
		id,
	))
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return t, nil
}

// Transition moves a transaction from one status to another.
//
// Returns:
//   - error: repository.ErrStaleState if the current status is not from.
func (r *TransactionRepo) Transition(
	ctx context.Context,
	id uuid.UUID,
	from, to domain.TxStatus,
	at time.Time,
) error {
	const op = "postgres.TransactionRepo.Transition"

	tag, err := r.handle().Exec(ctx,
		`UPDATE transactions
		 SET status = $3, updated_at = $4
		 WHERE id = $1 AND status = $2`,
		id, from, to, at,
	)
	if err != nil {
		return fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s:%w", op, repository.ErrStaleState)
	}

	return nil
}

// ListOverdue returns pending transactions whose payment deadline is strictly
// before the given instant, oldest deadline first.
func (r *TransactionRepo) ListOverdue(ctx context.Context, before time.Time, limit int) ([]uuid.UUID, error) {
	const op = "postgres.TransactionRepo.ListOverdue"

	rows, err := r.handle().Query(ctx,
		`SELECT id
		 FROM transactions
		 WHERE status = 'PENDING' AND payment_deadline < $1
		 ORDER BY payment_deadline
		 LIMIT $2`,
		before, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return ids, nil
}

func (r *TransactionRepo) HasPaid(ctx context.Context, userID, eventID int64) (bool, error) {
	const op = "postgres.TransactionRepo.HasPaid"

	var ok bool
	if err := r.handle().QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM transactions
			WHERE user_id = $1 AND event_id = $2 AND status = 'PAID'
		 )`,
		userID, eventID,
	).Scan(&ok); err != nil {
		return false, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return ok, nil
}

func scanTransaction(row pgx.Row) (domain.Transaction, error) {
	var t domain.Transaction
	p := &t.Price

	err := row.Scan(
		&t.ID, &t.UserID, &t.EventID, &t.Tier, &t.Quantity, &t.Status, &t.PaymentDeadline,
		&t.CouponCode, &t.PromotionCode, &t.PointsUsed, &t.ReservationID,
		&p.UnitPrice, &p.BasePrice, &p.CouponDiscount, &p.PromotionDiscount, &p.PointsDiscount,
		&p.SubtotalBeforeTax, &p.TaxRate, &p.TaxAmount, &p.FinalPrice, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return domain.Transaction{}, err
	}

	p.Quantity = t.Quantity
	p.PriceAfterCouponAndPromo = max(0, p.BasePrice-p.CouponDiscount-p.PromotionDiscount)

	return t, nil
}

package loyalty

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/tix-reserve/internal/domain"
	"github.com/kirinyoku/tix-reserve/internal/repository"
	"github.com/kirinyoku/tix-reserve/internal/uow"
)

// Ledger applies point rules on top of a loyalty repository bound to the
// caller's unit of work.
type Ledger struct {
	repo repository.Loyalty
}

func NewLedger(repo repository.Loyalty) *Ledger {
	return &Ledger{repo: repo}
}

// AvailableBalance is the sum of unspent points of grants still valid at `at`.
func (l *Ledger) AvailableBalance(ctx context.Context, userID int64, at time.Time) (int64, error) {
	const op = "service.loyalty.AvailableBalance"

	balance, err := l.repo.Balance(ctx, userID, at)
	if err != nil {
		return 0, fmt.Errorf("%s:%w", op, err)
	}

	return balance, nil
}

type DebitInput struct {
	UserID        int64
	Amount        int64
	Description   string
	TransactionID *uuid.UUID
	Status        domain.PointStatus
	At            time.Time
}

// Debit consumes points from the user's grants, earliest expiry first.
//
// Returns:
//   - int64: ID of the debit entry.
//   - error: domain.InsufficientPointsError if the grants do not cover the amount.
func (l *Ledger) Debit(ctx context.Context, in DebitInput) (int64, error) {
	const op = "service.loyalty.Debit"

	if in.Amount <= 0 {
		return 0, fmt.Errorf("%s:%w", op, domain.ValidationError{Field: "amount", Reason: "must be positive"})
	}

	grants, err := l.repo.ActiveGrants(ctx, in.UserID, in.At)
	if err != nil {
		return 0, fmt.Errorf("%s:%w", op, err)
	}

	var available int64
	for _, g := range grants {
		available += g.Remaining
	}
	if available < in.Amount {
		return 0, fmt.Errorf("%s:%w", op, domain.InsufficientPointsError{
			UserID:    in.UserID,
			Requested: in.Amount,
			Available: available,
		})
	}

	debitID, err := l.repo.Insert(ctx, domain.PointTransaction{
		UserID:        in.UserID,
		Amount:        -in.Amount,
		Description:   in.Description,
		TransactionID: in.TransactionID,
		Status:        in.Status,
	})
	if err != nil {
		return 0, fmt.Errorf("%s:%w", op, err)
	}

	left := in.Amount
	for _, g := range grants {
		if left == 0 {
			break
		}

		take := min(g.Remaining, left)
		if err := l.repo.AdjustRemaining(ctx, g.ID, -take); err != nil {
			return 0, fmt.Errorf("%s:%w", op, err)
		}
		if err := l.repo.Allocate(ctx, domain.PointAllocation{DebitID: debitID, GrantID: g.ID, Amount: take}); err != nil {
			return 0, fmt.Errorf("%s:%w", op, err)
		}

		left -= take
	}

	return debitID, nil
}

// Credit records a new grant of amount points valid until expiresAt.
func (l *Ledger) Credit(
	ctx context.Context,
	userID, amount int64,
	description string,
	expiresAt *time.Time,
) (int64, error) {
	const op = "service.loyalty.Credit"

	if amount <= 0 {
		return 0, fmt.Errorf("%s:%w", op, domain.ValidationError{Field: "amount", Reason: "must be positive"})
	}

	id, err := l.repo.Insert(ctx, domain.PointTransaction{
		UserID:      userID,
		Amount:      amount,
		Remaining:   amount,
		Description: description,
		ExpiresAt:   expiresAt,
		Status:      domain.PointsFinal,
	})
	if err != nil {
		return 0, fmt.Errorf("%s:%w", op, err)
	}

	return id, nil
}

// Finalize makes the provisional debit of a purchase permanent. Purchases that
// redeemed no points are ignored.
func (l *Ledger) Finalize(ctx context.Context, txID uuid.UUID) error {
	const op = "service.loyalty.Finalize"

	debit, err := l.repo.DebitByTransaction(ctx, txID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("%s:%w", op, err)
	}

	if debit.Status != domain.PointsProvisional {
		return nil
	}

	if err := l.repo.SetStatus(ctx, debit.ID, domain.PointsFinal); err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	return nil
}

// Reverse gives a provisional debit's points back to the grants it consumed.
// Reversing twice does nothing.
func (l *Ledger) Reverse(ctx context.Context, txID uuid.UUID) error {
	const op = "service.loyalty.Reverse"

	debit, err := l.repo.DebitByTransaction(ctx, txID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("%s:%w", op, err)
	}

	if debit.Status != domain.PointsProvisional {
		return nil
	}

	allocs, err := l.repo.Allocations(ctx, debit.ID)
	if err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	for _, a := range allocs {
		if err := l.repo.AdjustRemaining(ctx, a.GrantID, a.Amount); err != nil {
			return fmt.Errorf("%s:%w", op, err)
		}
	}

	if err := l.repo.SetStatus(ctx, debit.ID, domain.PointsReversed); err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	return nil
}

type Config struct {
	DefaultGrantTTL time.Duration
}

// Service exposes the ledger to administrators and scheduled jobs.
type Service struct {
	uow uow.UnitOfWork
	cfg Config
	now func() time.Time
}

func New(u uow.UnitOfWork, cfg Config) *Service {
	if cfg.DefaultGrantTTL <= 0 {
		cfg.DefaultGrantTTL = 365 * 24 * time.Hour
	}

	return &Service{uow: u, cfg: cfg, now: time.Now}
}

func (s *Service) Balance(ctx context.Context, userID int64) (int64, error) {
	var balance int64
	err := s.uow.View(ctx, func(ctx context.Context, r repository.Repos) error {
		var err error
		balance, err = NewLedger(r.Loyalty).AvailableBalance(ctx, userID, s.now())
		return err
	})

	return balance, err
}

type GrantInput struct {
	UserID      int64
	Amount      int64
	Description string
	// ExpiresIn overrides the default validity of a positive grant.
	ExpiresIn time.Duration
}

type GrantResult struct {
	EntryID   int64      `json:"entry_id"`
	Amount    int64      `json:"amount"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Balance   int64      `json:"balance"`
}

// Grant credits points to a user, or removes them when Amount is negative.
//
// Returns:
//   - error: domain.ValidationError for a zero amount or a blank description.
//   - error: domain.InsufficientPointsError if a negative adjustment exceeds the balance.
func (s *Service) Grant(ctx context.Context, in GrantInput) (GrantResult, error) {
	const op = "service.loyalty.Grant"

	if in.UserID <= 0 {
		return GrantResult{}, fmt.Errorf("%s:%w", op, domain.ValidationError{Field: "user_id", Reason: "must be positive"})
	}
	if in.Amount == 0 {
		return GrantResult{}, fmt.Errorf("%s:%w", op, domain.ValidationError{Field: "amount", Reason: "must not be zero"})
	}

	in.Description = strings.TrimSpace(in.Description)
	if in.Description == "" {
		return GrantResult{}, fmt.Errorf("%s:%w", op, domain.ValidationError{Field: "description", Reason: "is required"})
	}

	ttl := in.ExpiresIn
	if ttl <= 0 {
		ttl = s.cfg.DefaultGrantTTL
	}

	var res GrantResult
	err := s.uow.Do(ctx, func(ctx context.Context, r repository.Repos, _ func(uow.AfterCommit)) error {
		now := s.now()
		ledger := NewLedger(r.Loyalty)

		var err error
		if in.Amount > 0 {
			expiresAt := now.Add(ttl)
			res.ExpiresAt = &expiresAt
			res.EntryID, err = ledger.Credit(ctx, in.UserID, in.Amount, in.Description, &expiresAt)
		} else {
			res.EntryID, err = ledger.Debit(ctx, DebitInput{
				UserID:      in.UserID,
				Amount:      -in.Amount,
				Description: in.Description,
				Status:      domain.PointsFinal,
				At:          now,
			})
		}
		if err != nil {
			return err
		}

		res.Amount = in.Amount
		res.Balance, err = ledger.AvailableBalance(ctx, in.UserID, now)

		return err
	})
	if err != nil {
		return GrantResult{}, fmt.Errorf("%s:%w", op, err)
	}

	return res, nil
}

// ExpireGrants flags every grant past its expiry.
func (s *Service) ExpireGrants(ctx context.Context) (grants, points int64, err error) {
	const op = "service.loyalty.ExpireGrants"

	err = s.uow.Do(ctx, func(ctx context.Context, r repository.Repos, _ func(uow.AfterCommit)) error {
		var err error
		grants, points, err = r.Loyalty.ExpireGrants(ctx, s.now())
		return err
	})
	if err != nil {
		return 0, 0, fmt.Errorf("%s:%w", op, err)
	}

	return grants, points, nil
}

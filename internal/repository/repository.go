package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/tix-reserve/internal/domain"
)

// Inventory keeps the per-tier held/sold counters and the reservation handles
// that move seats between them.
type Inventory interface {
	Tier(ctx context.Context, eventID int64, name string) (domain.Tier, error)
	Tiers(ctx context.Context, eventID int64) ([]domain.Tier, error)
	// Hold increments the tier's held counter by quantity only if capacity
	// allows it. Returns ErrNoCapacity otherwise.
	Hold(ctx context.Context, eventID int64, tier string, quantity int) (domain.SeatReservation, error)
	// Release returns held seats to the pool. Released and committed handles
	// are left untouched.
	Release(ctx context.Context, id uuid.UUID) error
	// Commit moves held seats to sold. Returns ErrAlreadyReleased for a
	// released handle; committing twice is a no-op.
	Commit(ctx context.Context, id uuid.UUID) error
}

type Transactions interface {
	Create(ctx context.Context, t domain.Transaction) error
	Get(ctx context.Context, id uuid.UUID) (domain.Transaction, error)
	// GetForUpdate reads the row and keeps it locked until the unit of work ends.
	GetForUpdate(ctx context.Context, id uuid.UUID) (domain.Transaction, error)
	// Transition sets the status to `to` only if it is currently `from`.
	// Returns ErrStaleState otherwise.
	Transition(ctx context.Context, id uuid.UUID, from, to domain.TxStatus, at time.Time) error
	ListOverdue(ctx context.Context, before time.Time, limit int) ([]uuid.UUID, error)
	HasPaid(ctx context.Context, userID, eventID int64) (bool, error)
}

type Tickets interface {
	Issue(ctx context.Context, tickets []domain.Ticket) error
	ByTransaction(ctx context.Context, txID uuid.UUID) ([]domain.Ticket, error)
	// CheckIn marks an unused ticket as used. Returns ErrConflict if it was
	// already used.
	CheckIn(ctx context.Context, id uuid.UUID, at time.Time) (domain.Ticket, error)
}

type Loyalty interface {
	Balance(ctx context.Context, userID int64, at time.Time) (int64, error)
	// ActiveGrants returns unexpired grants with remaining points, earliest
	// expiry first, locked for the rest of the unit of work.
	ActiveGrants(ctx context.Context, userID int64, at time.Time) ([]domain.PointTransaction, error)
	Insert(ctx context.Context, pt domain.PointTransaction) (int64, error)
	// AdjustRemaining adds delta to a grant's remaining points. Returns
	// ErrConflict when the result would be negative.
	AdjustRemaining(ctx context.Context, grantID, delta int64) error
	Allocate(ctx context.Context, a domain.PointAllocation) error
	Allocations(ctx context.Context, debitID int64) ([]domain.PointAllocation, error)
	DebitByTransaction(ctx context.Context, txID uuid.UUID) (domain.PointTransaction, error)
	SetStatus(ctx context.Context, id int64, status domain.PointStatus) error
	// ExpireGrants flags grants whose expiry is not after `at` and returns how
	// many grants and unspent points were affected.
	ExpireGrants(ctx context.Context, at time.Time) (grants int64, points int64, err error)
}

type Catalog interface {
	CreateEvent(ctx context.Context, e domain.Event, tiers []domain.Tier) (int64, error)
	Event(ctx context.Context, id int64) (domain.Event, error)
	CreateCoupon(ctx context.Context, c domain.Coupon) error
	Coupon(ctx context.Context, code string) (domain.Coupon, error)
	CreatePromotion(ctx context.Context, p domain.Promotion) error
	Promotion(ctx context.Context, code string) (domain.Promotion, error)
	// RecomputeAverageRating recalculates the event's average from its reviews
	// and stores it on the event.
	RecomputeAverageRating(ctx context.Context, eventID int64) (float64, error)
}

// Repos is the set of repositories bound to a single unit of work.
type Repos struct {
	Inventory    Inventory
	Transactions Transactions
	Tickets      Tickets
	Loyalty      Loyalty
	Catalog      Catalog
}

// Package checkout owns the purchase lifecycle. A transaction starts PENDING
// with seats held and points provisionally debited, then ends exactly once in
// PAID, EXPIRED or CANCELLED.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/tix-reserve/internal/domain"
	"github.com/kirinyoku/tix-reserve/internal/metrics"
	"github.com/kirinyoku/tix-reserve/internal/pricing"
	"github.com/kirinyoku/tix-reserve/internal/repository"
	redisrepo "github.com/kirinyoku/tix-reserve/internal/repository/redis"
	"github.com/kirinyoku/tix-reserve/internal/service/inventory"
	"github.com/kirinyoku/tix-reserve/internal/service/loyalty"
	"github.com/kirinyoku/tix-reserve/internal/uow"
	"github.com/shopspring/decimal"
)

type Config struct {
	HoldDuration time.Duration
	TaxRate      decimal.Decimal
	MaxQuantity  int
}

type Service struct {
	uow     uow.UnitOfWork
	cache   *redisrepo.Cache
	pubsub  *redisrepo.EventsPubSub
	limiter *redisrepo.SlidingWindowLimiter
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

func New(
	u uow.UnitOfWork,
	cache *redisrepo.Cache,
	pubsub *redisrepo.EventsPubSub,
	limiter *redisrepo.SlidingWindowLimiter,
	cfg Config,
	logger *slog.Logger,
) *Service {
	if cfg.HoldDuration <= 0 {
		cfg.HoldDuration = 60 * time.Minute
	}

	if cfg.TaxRate.IsNegative() {
		cfg.TaxRate = decimal.Zero
	}

	if cfg.MaxQuantity <= 0 {
		cfg.MaxQuantity = 20
	}

	return &Service{
		uow:     u,
		cache:   cache,
		pubsub:  pubsub,
		limiter: limiter,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

type CreatePendingInput struct {
	UserID        int64
	EventID       int64
	Tier          string
	Quantity      int
	CouponCode    string
	PromotionCode string
	PointsToUse   int64
	// RateLimitKey identifies the caller for the purchase rate limiter.
	RateLimitKey string
}

// CreatePending holds seats, prices the purchase, provisionally debits the
// redeemed points and stores a PENDING transaction, all in one unit of work.
//
// Returns:
//   - error: domain.ValidationError for malformed input or an unknown tier.
//   - error: domain.ErrEventNotFound if the event does not exist.
//   - error: domain.InsufficientSeatsError if the tier cannot fit the request.
//   - error: domain.ErrInvalidCoupon, domain.ErrExpiredCoupon or domain.ErrInvalidPromotion.
//   - error: domain.InsufficientPointsError if pointsToUse exceeds the balance.
//   - error: checkout.RateLimitedError if the caller exceeded the purchase rate.
func (s *Service) CreatePending(ctx context.Context, in CreatePendingInput) (domain.Transaction, error) {
	const op = "service.checkout.CreatePending"

	in.Tier = strings.TrimSpace(in.Tier)
	in.CouponCode = strings.TrimSpace(in.CouponCode)
	in.PromotionCode = strings.TrimSpace(in.PromotionCode)

	if err := s.validate(in.UserID, in.EventID, in.Tier, in.Quantity); err != nil {
		return domain.Transaction{}, fmt.Errorf("%s:%w", op, err)
	}
	if in.PointsToUse < 0 {
		return domain.Transaction{}, fmt.Errorf("%s:%w", op, domain.ValidationError{Field: "points_to_use", Reason: "must not be negative"})
	}

	if err := s.allow(ctx, in.RateLimitKey); err != nil {
		return domain.Transaction{}, fmt.Errorf("%s:%w", op, err)
	}

	var created domain.Transaction

	err := s.uow.Do(ctx, func(ctx context.Context, r repository.Repos, after func(uow.AfterCommit)) error {
		now := s.now()

		tier, err := loadTier(ctx, r, in.EventID, in.Tier)
		if err != nil {
			return err
		}

		coupon, promotion, err := resolveDiscounts(ctx, r.Catalog, in.EventID, in.CouponCode, in.PromotionCode, now)
		if err != nil {
			return err
		}

		reservationID, err := inventory.NewLedger(r.Inventory).Reserve(ctx, in.EventID, in.Tier, in.Quantity)
		if err != nil {
			return err
		}

		points := loyalty.NewLedger(r.Loyalty)
		if in.PointsToUse > 0 {
			balance, err := points.AvailableBalance(ctx, in.UserID, now)
			if err != nil {
				return err
			}
			if in.PointsToUse > balance {
				return domain.InsufficientPointsError{UserID: in.UserID, Requested: in.PointsToUse, Available: balance}
			}
		}

		price, err := pricing.Calculate(pricing.Input{
			UnitPrice:   tier.Price,
			Quantity:    in.Quantity,
			Coupon:      coupon,
			Promotion:   promotion,
			PointsToUse: in.PointsToUse,
			TaxRate:     s.cfg.TaxRate,
		})
		if err != nil {
			return err
		}

		t := domain.Transaction{
			ID:              uuid.New(),
			UserID:          in.UserID,
			EventID:         in.EventID,
			Tier:            in.Tier,
			Quantity:        in.Quantity,
			Status:          domain.StatusPending,
			PaymentDeadline: now.Add(s.cfg.HoldDuration),
			CouponCode:      optional(in.CouponCode),
			PromotionCode:   optional(in.PromotionCode),
			PointsUsed:      price.PointsDiscount,
			Price:           price,
			ReservationID:   reservationID,
			CreatedAt:       now,
			UpdatedAt:       now,
		}

		if price.PointsDiscount > 0 {
			if _, err := points.Debit(ctx, loyalty.DebitInput{
				UserID:        in.UserID,
				Amount:        price.PointsDiscount,
				Description:   fmt.Sprintf("Redeemed for transaction %s", t.ID),
				TransactionID: &t.ID,
				Status:        domain.PointsProvisional,
				At:            now,
			}); err != nil {
				return err
			}
		}

		if err := r.Transactions.Create(ctx, t); err != nil {
			return err
		}

		created = t

		after(func(ctx context.Context) {
			metrics.TransactionsCreated.Inc()
			s.eventChanged(ctx, t.EventID, "reserved")
		})

		return nil
	})
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("%s:%w", op, err)
	}

	s.logger.Info("transaction created",
		"transaction_id", created.ID,
		"user_id", created.UserID,
		"event_id", created.EventID,
		"tier", created.Tier,
		"quantity", created.Quantity,
		"final_price", created.Price.FinalPrice,
	)

	return created, nil
}

// MarkPaid completes a PENDING transaction: its seats become sold, one ticket
// per seat is issued and the point debit becomes final. Calling it again on a
// PAID transaction returns the same transaction and tickets.
//
// Returns:
//   - error: domain.ErrTransactionNotFound if the transaction does not exist.
//   - error: domain.StateTransitionError if it already expired or was cancelled.
func (s *Service) MarkPaid(ctx context.Context, id uuid.UUID) (domain.TransactionWithTickets, error) {
	const op = "service.checkout.MarkPaid"

	var out domain.TransactionWithTickets
	var changed bool

	err := s.uow.Do(ctx, func(ctx context.Context, r repository.Repos, after func(uow.AfterCommit)) error {
		t, err := lockTransaction(ctx, r, id)
		if err != nil {
			return err
		}

		switch t.Status {
		case domain.StatusPaid:
			tickets, err := r.Tickets.ByTransaction(ctx, id)
			if err != nil {
				return err
			}
			out = domain.TransactionWithTickets{Transaction: t, Tickets: tickets}
			return nil
		case domain.StatusPending:
		default:
			return domain.StateTransitionError{TransactionID: id, From: t.Status, To: domain.StatusPaid}
		}

		now := s.now()

		if err := inventory.NewLedger(r.Inventory).Commit(ctx, t.ReservationID); err != nil {
			return err
		}

		tickets := make([]domain.Ticket, t.Quantity)
		for i := range tickets {
			tickets[i] = domain.Ticket{
				ID:            uuid.New(),
				TransactionID: t.ID,
				EventID:       t.EventID,
				Tier:          t.Tier,
				CreatedAt:     now,
			}
		}
		if err := r.Tickets.Issue(ctx, tickets); err != nil {
			return err
		}

		if err := loyalty.NewLedger(r.Loyalty).Finalize(ctx, t.ID); err != nil {
			return err
		}

		if err := transition(ctx, r, t, domain.StatusPaid, now); err != nil {
			return err
		}

		t.Status = domain.StatusPaid
		t.UpdatedAt = now
		out = domain.TransactionWithTickets{Transaction: t, Tickets: tickets}
		changed = true

		after(func(ctx context.Context) {
			metrics.TransactionTransitions.WithLabelValues(string(domain.StatusPaid)).Inc()
			s.eventChanged(ctx, t.EventID, "paid")
		})

		return nil
	})
	if err != nil {
		return domain.TransactionWithTickets{}, fmt.Errorf("%s:%w", op, err)
	}

	if changed {
		s.logger.Info("transaction paid", "transaction_id", id, "tickets", len(out.Tickets))
	}

	return out, nil
}

// Expire moves a PENDING transaction to EXPIRED, releasing its seats and
// reversing its point debit. changed is false when it had already expired.
//
// Returns:
//   - error: domain.ErrTransactionNotFound if the transaction does not exist.
//   - error: domain.StateTransitionError if it was paid or cancelled.
func (s *Service) Expire(ctx context.Context, id uuid.UUID) (changed bool, err error) {
	const op = "service.checkout.Expire"

	_, changed, err = s.terminate(ctx, id, domain.StatusExpired, 0)
	if err != nil {
		return false, fmt.Errorf("%s:%w", op, err)
	}

	return changed, nil
}

// Cancel lets the owner abandon a PENDING transaction before its deadline.
// Cancelling twice is a no-op.
//
// Returns:
//   - error: domain.ErrTransactionNotFound if it does not exist or belongs to someone else.
//   - error: domain.StateTransitionError if it was paid or already expired.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, userID int64) (domain.Transaction, error) {
	const op = "service.checkout.Cancel"

	if userID <= 0 {
		return domain.Transaction{}, fmt.Errorf("%s:%w", op, domain.ValidationError{Field: "user_id", Reason: "must be positive"})
	}

	t, _, err := s.terminate(ctx, id, domain.StatusCancelled, userID)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("%s:%w", op, err)
	}

	return t, nil
}

// terminate releases a PENDING transaction's seats and points and moves it to
// the given terminal status. owner, when non-zero, must match the buyer.
func (s *Service) terminate(
	ctx context.Context,
	id uuid.UUID,
	to domain.TxStatus,
	owner int64,
) (domain.Transaction, bool, error) {
	var out domain.Transaction
	var changed bool

	err := s.uow.Do(ctx, func(ctx context.Context, r repository.Repos, after func(uow.AfterCommit)) error {
		t, err := lockTransaction(ctx, r, id)
		if err != nil {
			return err
		}

		if owner != 0 && t.UserID != owner {
			return domain.ErrTransactionNotFound
		}

		if t.Status == to {
			out = t
			return nil
		}
		if t.Status != domain.StatusPending {
			return domain.StateTransitionError{TransactionID: id, From: t.Status, To: to}
		}

		now := s.now()

		if err := inventory.NewLedger(r.Inventory).Release(ctx, t.ReservationID); err != nil {
			return err
		}

		if err := loyalty.NewLedger(r.Loyalty).Reverse(ctx, t.ID); err != nil {
			return err
		}

		if err := transition(ctx, r, t, to, now); err != nil {
			return err
		}

		t.Status = to
		t.UpdatedAt = now
		out = t
		changed = true

		after(func(ctx context.Context) {
			metrics.TransactionTransitions.WithLabelValues(string(to)).Inc()
			s.eventChanged(ctx, t.EventID, strings.ToLower(string(to)))
		})

		return nil
	})
	if err != nil {
		return domain.Transaction{}, false, err
	}

	if changed {
		s.logger.Info("transaction released", "transaction_id", id, "status", to)
	}

	return out, changed, nil
}

// Get returns a transaction with its tickets. A non-zero userID must match
// the buyer.
func (s *Service) Get(ctx context.Context, id uuid.UUID, userID int64) (domain.TransactionWithTickets, error) {
	const op = "service.checkout.Get"

	var out domain.TransactionWithTickets

	err := s.uow.View(ctx, func(ctx context.Context, r repository.Repos) error {
		t, err := r.Transactions.Get(ctx, id)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return domain.ErrTransactionNotFound
			}
			return err
		}

		if userID != 0 && t.UserID != userID {
			return domain.ErrTransactionNotFound
		}

		tickets, err := r.Tickets.ByTransaction(ctx, id)
		if err != nil {
			return err
		}

		out = domain.TransactionWithTickets{Transaction: t, Tickets: tickets}

		return nil
	})
	if err != nil {
		return domain.TransactionWithTickets{}, fmt.Errorf("%s:%w", op, err)
	}

	return out, nil
}

type QuoteInput struct {
	UserID        int64
	EventID       int64
	Tier          string
	Quantity      int
	CouponCode    string
	PromotionCode string
	// Points is the raw value the client sent; it is clamped to the balance.
	Points any
}

// Quote prices a purchase without holding seats or touching points.
func (s *Service) Quote(ctx context.Context, in QuoteInput) (domain.PriceBreakdown, error) {
	const op = "service.checkout.Quote"

	in.Tier = strings.TrimSpace(in.Tier)

	if err := s.validate(in.UserID, in.EventID, in.Tier, in.Quantity); err != nil {
		return domain.PriceBreakdown{}, fmt.Errorf("%s:%w", op, err)
	}

	var out domain.PriceBreakdown

	err := s.uow.View(ctx, func(ctx context.Context, r repository.Repos) error {
		now := s.now()

		tier, err := loadTier(ctx, r, in.EventID, in.Tier)
		if err != nil {
			return err
		}

		coupon, promotion, err := resolveDiscounts(ctx, r.Catalog, in.EventID,
			strings.TrimSpace(in.CouponCode), strings.TrimSpace(in.PromotionCode), now)
		if err != nil {
			return err
		}

		balance, err := loyalty.NewLedger(r.Loyalty).AvailableBalance(ctx, in.UserID, now)
		if err != nil {
			return err
		}

		out, err = pricing.Calculate(pricing.Input{
			UnitPrice:   tier.Price,
			Quantity:    in.Quantity,
			Coupon:      coupon,
			Promotion:   promotion,
			PointsToUse: pricing.ClampPoints(in.Points, balance),
			TaxRate:     s.cfg.TaxRate,
		})

		return err
	})
	if err != nil {
		return domain.PriceBreakdown{}, fmt.Errorf("%s:%w", op, err)
	}

	return out, nil
}

func (s *Service) validate(userID, eventID int64, tier string, quantity int) error {
	switch {
	case userID <= 0:
		return domain.ValidationError{Field: "user_id", Reason: "must be positive"}
	case eventID <= 0:
		return domain.ValidationError{Field: "event_id", Reason: "must be positive"}
	case tier == "":
		return domain.ValidationError{Field: "tier", Reason: "is required"}
	case quantity <= 0:
		return domain.ValidationError{Field: "quantity", Reason: "must be positive"}
	case quantity > s.cfg.MaxQuantity:
		return domain.ValidationError{Field: "quantity", Reason: fmt.Sprintf("must not exceed %d", s.cfg.MaxQuantity)}
	}

	return nil
}

func (s *Service) allow(ctx context.Context, key string) error {
	if s.limiter == nil || key == "" {
		return nil
	}

	d, err := s.limiter.Allow(ctx, key)
	if err != nil {
		s.logger.Warn("rate limiter unavailable, letting request through", "error", err)
		return nil
	}

	if !d.Allowed {
		metrics.RateLimitExceeded.Inc()
		return RateLimitedError{RetryAfter: d.RetryAfter}
	}

	return nil
}

func (s *Service) eventChanged(ctx context.Context, eventID int64, reason string) {
	if err := s.cache.InvalidateEvent(ctx, eventID); err != nil {
		s.logger.Warn("failed to invalidate event cache", "event_id", eventID, "error", err)
	}

	if err := s.pubsub.PublishEventChanged(ctx, eventID, reason); err != nil {
		s.logger.Warn("failed to publish event change", "event_id", eventID, "error", err)
	}
}

func loadTier(ctx context.Context, r repository.Repos, eventID int64, name string) (domain.Tier, error) {
	if _, err := r.Catalog.Event(ctx, eventID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.Tier{}, domain.ErrEventNotFound
		}
		return domain.Tier{}, err
	}

	tier, err := r.Inventory.Tier(ctx, eventID, name)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.Tier{}, domain.ValidationError{Field: "tier", Reason: fmt.Sprintf("event %d has no tier %q", eventID, name)}
		}
		return domain.Tier{}, err
	}

	return tier, nil
}

// resolveDiscounts looks up the optional coupon and promotion codes and
// checks that they apply to eventID at the given instant.
func resolveDiscounts(
	ctx context.Context,
	catalog repository.Catalog,
	eventID int64,
	couponCode, promotionCode string,
	now time.Time,
) (coupon, promotion *domain.Discount, err error) {
	if couponCode != "" {
		c, err := catalog.Coupon(ctx, couponCode)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, nil, fmt.Errorf("%w: %q does not exist", domain.ErrInvalidCoupon, couponCode)
			}
			return nil, nil, err
		}
		if !c.Active {
			return nil, nil, fmt.Errorf("%w: %q is not active", domain.ErrInvalidCoupon, couponCode)
		}
		if !now.Before(c.ExpiresAt) {
			return nil, nil, fmt.Errorf("%w: %q expired at %s", domain.ErrExpiredCoupon, couponCode, c.ExpiresAt.Format(time.RFC3339))
		}
		coupon = &c.Discount
	}

	if promotionCode != "" {
		p, err := catalog.Promotion(ctx, promotionCode)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, nil, fmt.Errorf("%w: %q does not exist", domain.ErrInvalidPromotion, promotionCode)
			}
			return nil, nil, err
		}
		if p.EventID != nil && *p.EventID != eventID {
			return nil, nil, fmt.Errorf("%w: %q does not apply to event %d", domain.ErrInvalidPromotion, promotionCode, eventID)
		}
		if now.Before(p.StartsAt) || !now.Before(p.ExpiresAt) {
			return nil, nil, fmt.Errorf("%w: %q is not running", domain.ErrInvalidPromotion, promotionCode)
		}
		promotion = &p.Discount
	}

	return coupon, promotion, nil
}

func lockTransaction(ctx context.Context, r repository.Repos, id uuid.UUID) (domain.Transaction, error) {
	t, err := r.Transactions.GetForUpdate(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.Transaction{}, domain.ErrTransactionNotFound
		}
		return domain.Transaction{}, err
	}

	return t, nil
}

func transition(ctx context.Context, r repository.Repos, t domain.Transaction, to domain.TxStatus, at time.Time) error {
	err := r.Transactions.Transition(ctx, t.ID, domain.StatusPending, to, at)
	if errors.Is(err, repository.ErrStaleState) {
		return fmt.Errorf("%w: transaction %s changed concurrently", domain.ErrConcurrencyConflict, t.ID)
	}

	return err
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

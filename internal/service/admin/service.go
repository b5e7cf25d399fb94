package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/tix-reserve/internal/domain"
	"github.com/kirinyoku/tix-reserve/internal/pricing"
	"github.com/kirinyoku/tix-reserve/internal/repository"
	redisrepo "github.com/kirinyoku/tix-reserve/internal/repository/redis"
	"github.com/kirinyoku/tix-reserve/internal/uow"
)

type Service struct {
	uow    uow.UnitOfWork
	cache  *redisrepo.Cache
	pubsub *redisrepo.EventsPubSub
	logger *slog.Logger
	now    func() time.Time
}

func New(u uow.UnitOfWork, cache *redisrepo.Cache, pubsub *redisrepo.EventsPubSub, logger *slog.Logger) *Service {
	return &Service{
		uow:    u,
		cache:  cache,
		pubsub: pubsub,
		logger: logger,
		now:    time.Now,
	}
}

type NewTier struct {
	Name     string
	Price    int64
	Capacity int
}

type NewEvent struct {
	Title    string
	StartsAt time.Time
	Tiers    []NewTier
}

// CreateEvent creates an event together with its ticket tiers.
//
// Parameters:
//   - ctx: request-scoped context.
//   - in: event title, start time and at least one tier.
//
// Returns:
//   - int64: the created event ID.
//   - error: domain.ValidationError for a blank title or a malformed tier.
//   - error: admin.ErrTierConflict if two tiers share a name.
func (s *Service) CreateEvent(ctx context.Context, in NewEvent) (int64, error) {
	const op = "service.admin.CreateEvent"

	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return 0, fmt.Errorf("%s:%w", op, domain.ValidationError{Field: "title", Reason: "is required"})
	}
	if len(in.Tiers) == 0 {
		return 0, fmt.Errorf("%s:%w", op, domain.ValidationError{Field: "tiers", Reason: "at least one tier is required"})
	}

	tiers := make([]domain.Tier, 0, len(in.Tiers))
	for _, t := range in.Tiers {
		name := strings.TrimSpace(t.Name)
		switch {
		case name == "":
			return 0, fmt.Errorf("%s:%w", op, domain.ValidationError{Field: "tiers.name", Reason: "is required"})
		case t.Price < 0:
			return 0, fmt.Errorf("%s:%w", op, domain.ValidationError{Field: "tiers.price", Reason: "must not be negative"})
		case t.Price > pricing.MaxUnitPrice:
			return 0, fmt.Errorf("%s:%w", op, domain.ValidationError{Field: "tiers.price", Reason: fmt.Sprintf("must not exceed %d", pricing.MaxUnitPrice)})
		case t.Capacity <= 0:
			return 0, fmt.Errorf("%s:%w", op, domain.ValidationError{Field: "tiers.capacity", Reason: "must be positive"})
		}
		tiers = append(tiers, domain.Tier{Name: name, Price: t.Price, Capacity: t.Capacity})
	}

	var eventID int64
	err := s.uow.Do(ctx, func(ctx context.Context, r repository.Repos, after func(uow.AfterCommit)) error {
		var err error
		eventID, err = r.Catalog.CreateEvent(ctx, domain.Event{Title: in.Title, StartsAt: in.StartsAt}, tiers)
		if err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return ErrTierConflict
			}
			return err
		}

		after(func(ctx context.Context) {
			_ = s.cache.InvalidateEvent(ctx, eventID)
			_ = s.pubsub.PublishEventChanged(ctx, eventID, "created")
		})

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%s:%w", op, err)
	}

	s.logger.Info("event created", "event_id", eventID, "tiers", len(tiers))

	return eventID, nil
}

// CreateCoupon stores a discount code usable on any event.
//
// Returns:
//   - error: admin.ErrCouponConflict if the code is taken.
func (s *Service) CreateCoupon(ctx context.Context, c domain.Coupon) error {
	const op = "service.admin.CreateCoupon"

	c.Code = strings.TrimSpace(c.Code)
	if c.Code == "" {
		return fmt.Errorf("%s:%w", op, domain.ValidationError{Field: "code", Reason: "is required"})
	}
	if err := validateDiscount(c.Discount); err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}
	if c.ExpiresAt.IsZero() {
		return fmt.Errorf("%s:%w", op, domain.ValidationError{Field: "expires_at", Reason: "is required"})
	}

	err := s.uow.Do(ctx, func(ctx context.Context, r repository.Repos, _ func(uow.AfterCommit)) error {
		if err := r.Catalog.CreateCoupon(ctx, c); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return ErrCouponConflict
			}
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	return nil
}

// CreatePromotion stores a time-boxed discount, optionally bound to one event.
//
// Returns:
//   - error: admin.ErrPromotionConflict if the code is taken.
//   - error: domain.ErrEventNotFound if the bound event does not exist.
func (s *Service) CreatePromotion(ctx context.Context, p domain.Promotion) error {
	const op = "service.admin.CreatePromotion"

	p.Code = strings.TrimSpace(p.Code)
	if p.Code == "" {
		return fmt.Errorf("%s:%w", op, domain.ValidationError{Field: "code", Reason: "is required"})
	}
	if err := validateDiscount(p.Discount); err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}
	if !p.StartsAt.Before(p.ExpiresAt) {
		return fmt.Errorf("%s:%w", op, domain.ValidationError{Field: "expires_at", Reason: "must be after starts_at"})
	}

	err := s.uow.Do(ctx, func(ctx context.Context, r repository.Repos, _ func(uow.AfterCommit)) error {
		err := r.Catalog.CreatePromotion(ctx, p)
		switch {
		case errors.Is(err, repository.ErrConflict):
			return ErrPromotionConflict
		case errors.Is(err, repository.ErrNotFound):
			return domain.ErrEventNotFound
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	return nil
}

// CheckInTicket marks a ticket as used at the venue entrance.
//
// Returns:
//   - error: admin.ErrTicketNotFound if no such ticket exists.
//   - error: admin.ErrTicketAlreadyUsed if the ticket was checked in before.
func (s *Service) CheckInTicket(ctx context.Context, id uuid.UUID) (domain.Ticket, error) {
	const op = "service.admin.CheckInTicket"

	var ticket domain.Ticket
	err := s.uow.Do(ctx, func(ctx context.Context, r repository.Repos, _ func(uow.AfterCommit)) error {
		var err error
		ticket, err = r.Tickets.CheckIn(ctx, id, s.now())
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return ErrTicketNotFound
		case errors.Is(err, repository.ErrConflict):
			return ErrTicketAlreadyUsed
		}
		return err
	})
	if err != nil {
		return domain.Ticket{}, fmt.Errorf("%s:%w", op, err)
	}

	return ticket, nil
}

func validateDiscount(d domain.Discount) error {
	if !d.Kind.Valid() {
		return domain.ValidationError{Field: "discount_type", Reason: fmt.Sprintf("unknown kind %q", d.Kind)}
	}
	if !d.Value.IsPositive() {
		return domain.ValidationError{Field: "discount_value", Reason: "must be positive"}
	}
	return nil
}

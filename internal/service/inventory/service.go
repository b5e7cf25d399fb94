package inventory

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/kirinyoku/tix-reserve/internal/domain"
	"github.com/kirinyoku/tix-reserve/internal/metrics"
	"github.com/kirinyoku/tix-reserve/internal/repository"
	"github.com/kirinyoku/tix-reserve/internal/uow"
)

var ErrReservationNotFound = errors.New("reservation not found")

// Ledger applies seat accounting rules on top of an inventory repository
// bound to the caller's unit of work.
type Ledger struct {
	repo repository.Inventory
}

func NewLedger(repo repository.Inventory) *Ledger {
	return &Ledger{repo: repo}
}

// Reserve holds quantity seats of a tier and returns the reservation handle.
//
// Returns:
//   - error: domain.ValidationError if quantity is not positive or the tier is unknown.
//   - error: domain.InsufficientSeatsError if the tier cannot fit the request.
func (l *Ledger) Reserve(ctx context.Context, eventID int64, tier string, quantity int) (uuid.UUID, error) {
	const op = "service.inventory.Reserve"

	if quantity <= 0 {
		return uuid.Nil, fmt.Errorf("%s:%w", op, domain.ValidationError{Field: "quantity", Reason: "must be positive"})
	}

	res, err := l.repo.Hold(ctx, eventID, tier, quantity)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return uuid.Nil, fmt.Errorf("%s:%w", op, domain.ValidationError{Field: "tier", Reason: fmt.Sprintf("event %d has no tier %q", eventID, tier)})
		case errors.Is(err, repository.ErrNoCapacity):
			metrics.ReservationRejected.Inc()
			return uuid.Nil, fmt.Errorf("%s:%w", op, domain.InsufficientSeatsError{EventID: eventID, Tier: tier, Requested: quantity})
		}
		return uuid.Nil, fmt.Errorf("%s:%w", op, err)
	}

	return res.ID, nil
}

// Release gives held seats back. Releasing twice, or after a commit, does nothing.
func (l *Ledger) Release(ctx context.Context, id uuid.UUID) error {
	const op = "service.inventory.Release"

	if err := l.repo.Release(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%s:%w", op, ErrReservationNotFound)
		}
		return fmt.Errorf("%s:%w", op, err)
	}

	return nil
}

// Commit turns held seats into sold ones.
//
// Returns:
//   - error: domain.ErrInvalidStateTransition if the reservation was released.
func (l *Ledger) Commit(ctx context.Context, id uuid.UUID) error {
	const op = "service.inventory.Commit"

	if err := l.repo.Commit(ctx, id); err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return fmt.Errorf("%s:%w", op, ErrReservationNotFound)
		case errors.Is(err, repository.ErrAlreadyReleased):
			return fmt.Errorf("%s:%w: reservation %s was released", op, domain.ErrInvalidStateTransition, id)
		}
		return fmt.Errorf("%s:%w", op, err)
	}

	return nil
}

// Service runs ledger operations in their own units of work.
type Service struct {
	uow uow.UnitOfWork
}

func New(u uow.UnitOfWork) *Service {
	return &Service{uow: u}
}

func (s *Service) Reserve(ctx context.Context, eventID int64, tier string, quantity int) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.uow.Do(ctx, func(ctx context.Context, r repository.Repos, _ func(uow.AfterCommit)) error {
		var err error
		id, err = NewLedger(r.Inventory).Reserve(ctx, eventID, tier, quantity)
		return err
	})

	return id, err
}

func (s *Service) Release(ctx context.Context, id uuid.UUID) error {
	return s.uow.Do(ctx, func(ctx context.Context, r repository.Repos, _ func(uow.AfterCommit)) error {
		return NewLedger(r.Inventory).Release(ctx, id)
	})
}

func (s *Service) Commit(ctx context.Context, id uuid.UUID) error {
	return s.uow.Do(ctx, func(ctx context.Context, r repository.Repos, _ func(uow.AfterCommit)) error {
		return NewLedger(r.Inventory).Commit(ctx, id)
	})
}

// Availability reports the seat counters of every tier of an event.
//
// Returns:
//   - error: domain.ErrEventNotFound if the event does not exist.
func (s *Service) Availability(ctx context.Context, eventID int64) (domain.EventAvailability, error) {
	const op = "service.inventory.Availability"

	out := domain.EventAvailability{EventID: eventID, Tiers: []domain.TierAvailability{}}

	err := s.uow.View(ctx, func(ctx context.Context, r repository.Repos) error {
		if _, err := r.Catalog.Event(ctx, eventID); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return domain.ErrEventNotFound
			}
			return err
		}

		tiers, err := r.Inventory.Tiers(ctx, eventID)
		if err != nil {
			return err
		}

		for _, t := range tiers {
			out.Tiers = append(out.Tiers, domain.TierAvailability{
				Tier:      t.Name,
				Price:     t.Price,
				Capacity:  t.Capacity,
				Held:      t.Held,
				Sold:      t.Sold,
				Available: t.Remaining(),
			})
			out.Total += t.Capacity
			out.Sold += t.Sold
		}

		return nil
	})
	if err != nil {
		return domain.EventAvailability{}, fmt.Errorf("%s:%w", op, err)
	}

	return out, nil
}

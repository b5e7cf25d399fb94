// Package reviews answers the questions the review subsystem asks of the
// purchase records.
package reviews

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kirinyoku/tix-reserve/internal/domain"
	"github.com/kirinyoku/tix-reserve/internal/repository"
	redisrepo "github.com/kirinyoku/tix-reserve/internal/repository/redis"
	"github.com/kirinyoku/tix-reserve/internal/uow"
)

type Service struct {
	uow    uow.UnitOfWork
	cache  *redisrepo.Cache
	logger *slog.Logger
}

func New(u uow.UnitOfWork, cache *redisrepo.Cache, logger *slog.Logger) *Service {
	return &Service{uow: u, cache: cache, logger: logger}
}

// Attended reports whether the user holds a PAID transaction for the event.
func (s *Service) Attended(ctx context.Context, userID, eventID int64) (bool, error) {
	const op = "service.reviews.Attended"

	var ok bool
	err := s.uow.View(ctx, func(ctx context.Context, r repository.Repos) error {
		var err error
		ok, err = r.Transactions.HasPaid(ctx, userID, eventID)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("%s:%w", op, err)
	}

	return ok, nil
}

// RecomputeAverageRating stores the mean of the event's review ratings,
// rounded to two decimals, and returns it. An event without reviews rates 0.
func (s *Service) RecomputeAverageRating(ctx context.Context, eventID int64) (float64, error) {
	const op = "service.reviews.RecomputeAverageRating"

	var avg float64
	err := s.uow.Do(ctx, func(ctx context.Context, r repository.Repos, after func(uow.AfterCommit)) error {
		var err error
		avg, err = r.Catalog.RecomputeAverageRating(ctx, eventID)
		if errors.Is(err, repository.ErrNotFound) {
			return domain.ErrEventNotFound
		}
		if err != nil {
			return err
		}

		after(func(ctx context.Context) {
			if err := s.cache.InvalidateEvent(ctx, eventID); err != nil {
				s.logger.Warn("failed to invalidate event cache", "event_id", eventID, "error", err)
			}
		})

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%s:%w", op, err)
	}

	return avg, nil
}

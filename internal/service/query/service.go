package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kirinyoku/tix-reserve/internal/domain"
	"github.com/kirinyoku/tix-reserve/internal/repository"
	redisrepo "github.com/kirinyoku/tix-reserve/internal/repository/redis"
	"github.com/kirinyoku/tix-reserve/internal/service/inventory"
	"github.com/kirinyoku/tix-reserve/internal/uow"
)

type Config struct {
	EventTTL        time.Duration
	AvailabilityTTL time.Duration
}

// Service serves read-mostly views of events through the cache.
type Service struct {
	uow       uow.UnitOfWork
	inventory *inventory.Service
	cache     *redisrepo.Cache
	cfg       Config
}

func New(u uow.UnitOfWork, cache *redisrepo.Cache, cfg Config) *Service {
	if cfg.EventTTL <= 0 {
		cfg.EventTTL = 60 * time.Second
	}

	if cfg.AvailabilityTTL <= 0 {
		cfg.AvailabilityTTL = 15 * time.Second
	}

	return &Service{
		uow:       u,
		inventory: inventory.New(u),
		cache:     cache,
		cfg:       cfg,
	}
}

// GetEvent retrieves an event by its ID, utilizing a caching layer to improve performance.
//
// Parameters:
//   - ctx: request-scoped context.
//   - id: ID of the event to retrieve.
//
// Returns:
//   - domain.Event: the retrieved event.
//   - error: domain.ErrEventNotFound if the event is not found.
func (s *Service) GetEvent(ctx context.Context, id int64) (domain.Event, error) {
	const op = "service.query.GetEvent"

	event, err := redisrepo.GetOrSetJSON(
		ctx,
		s.cache,
		redisrepo.KeyEvent(id),
		redisrepo.KeyEventGeneration(id),
		s.cfg.EventTTL,
		func(ctx context.Context) (domain.Event, error) {
			var e domain.Event
			err := s.uow.View(ctx, func(ctx context.Context, r repository.Repos) error {
				var err error
				e, err = r.Catalog.Event(ctx, id)
				return err
			})
			if err != nil {
				if errors.Is(err, repository.ErrNotFound) {
					return domain.Event{}, domain.ErrEventNotFound
				}
				return domain.Event{}, err
			}

			return e, nil
		},
	)
	if err != nil {
		return domain.Event{}, fmt.Errorf("%s:%w", op, err)
	}

	return event, nil
}

// Availability returns the held, sold and free seat counts of every tier of
// an event. Cached entries are dropped whenever a reservation changes them.
//
// Returns:
//   - error: domain.ErrEventNotFound if the event is not found.
func (s *Service) Availability(ctx context.Context, eventID int64) (domain.EventAvailability, error) {
	const op = "service.query.Availability"

	av, err := redisrepo.GetOrSetJSON(
		ctx,
		s.cache,
		redisrepo.KeyEventAvailability(eventID),
		redisrepo.KeyEventGeneration(eventID),
		s.cfg.AvailabilityTTL,
		func(ctx context.Context) (domain.EventAvailability, error) {
			return s.inventory.Availability(ctx, eventID)
		},
	)
	if err != nil {
		return domain.EventAvailability{}, fmt.Errorf("%s:%w", op, err)
	}

	return av, nil
}

package service

import (
	"log/slog"

	redis "github.com/kirinyoku/tix-reserve/internal/repository/redis"
	"github.com/kirinyoku/tix-reserve/internal/service/admin"
	"github.com/kirinyoku/tix-reserve/internal/service/checkout"
	"github.com/kirinyoku/tix-reserve/internal/service/inventory"
	"github.com/kirinyoku/tix-reserve/internal/service/loyalty"
	"github.com/kirinyoku/tix-reserve/internal/service/query"
	"github.com/kirinyoku/tix-reserve/internal/service/reviews"
	"github.com/kirinyoku/tix-reserve/internal/service/sweeper"
	"github.com/kirinyoku/tix-reserve/internal/uow"
)

type Services struct {
	Checkout  *checkout.Service
	Inventory *inventory.Service
	Loyalty   *loyalty.Service
	Sweeper   *sweeper.Sweeper
	Reviews   *reviews.Service
	Query     *query.Service
	Admin     *admin.Service
}

type Config struct {
	Checkout checkout.Config
	Loyalty  loyalty.Config
	Sweeper  sweeper.Config
	Query    query.Config
}

// NewServices wires every service against one storage backend. cache, pubsub
// and limiter may be nil when Redis is not configured.
func NewServices(
	u uow.UnitOfWork,
	cache *redis.Cache,
	pubsub *redis.EventsPubSub,
	limiter *redis.SlidingWindowLimiter,
	cfg Config,
	logger *slog.Logger,
) *Services {
	co := checkout.New(u, cache, pubsub, limiter, cfg.Checkout, logger.With("component", "checkout"))
	points := loyalty.New(u, cfg.Loyalty)

	return &Services{
		Checkout:  co,
		Inventory: inventory.New(u),
		Loyalty:   points,
		Sweeper:   sweeper.New(u, co, points, cfg.Sweeper, logger.With("component", "sweeper")),
		Reviews:   reviews.New(u, cache, logger),
		Query:     query.New(u, cache, cfg.Query),
		Admin:     admin.New(u, cache, pubsub, logger.With("component", "admin")),
	}
}

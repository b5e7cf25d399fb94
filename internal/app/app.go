package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kirinyoku/tix-reserve/internal/config"
	"github.com/kirinyoku/tix-reserve/internal/postgres"
	"github.com/kirinyoku/tix-reserve/internal/redis"
	"github.com/kirinyoku/tix-reserve/internal/repository/memstore"
	postgresrepo "github.com/kirinyoku/tix-reserve/internal/repository/postgres"
	redisrepo "github.com/kirinyoku/tix-reserve/internal/repository/redis"
	"github.com/kirinyoku/tix-reserve/internal/service"
	"github.com/kirinyoku/tix-reserve/internal/service/checkout"
	"github.com/kirinyoku/tix-reserve/internal/service/sweeper"
	httpgin "github.com/kirinyoku/tix-reserve/internal/transport/http/gin"
	"github.com/kirinyoku/tix-reserve/internal/uow"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

type App struct {
	cfg        *config.Config
	logger     *slog.Logger
	httpServer *http.Server
	services   *service.Services
	cache      *redisrepo.Cache
	pubsub     *redisrepo.EventsPubSub
	pool       *pgxpool.Pool
	rdb        *goredis.Client
}

func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}

	// Initialize storage
	var u uow.UnitOfWork
	switch cfg.Storage.Driver {
	case config.DriverMemory:
		logger.Warn("using in-memory storage, data is lost on restart")
		u = memstore.New()
	default:
		pool, err := postgres.New(ctx, postgres.Config{DSN: cfg.Postgres.DSN(), MaxConns: cfg.Postgres.MaxConns})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize postgres: %w", err)
		}
		a.pool = pool

		if cfg.Storage.MigrateOnStart {
			if err := postgresrepo.Migrate(ctx, pool, logger); err != nil {
				a.close()
				return nil, fmt.Errorf("failed to migrate: %w", err)
			}
		}

		u = uow.NewPostgres(postgresrepo.NewStore(pool), uow.PostgresConfig{})
	}

	// Initialize redis-backed helpers
	var (
		limiter *redisrepo.SlidingWindowLimiter
		idem    *redisrepo.IdempotencyStore
	)
	if cfg.Redis.Addr != "" {
		rdb, err := redis.New(ctx, redis.Config{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err != nil {
			a.close()
			return nil, fmt.Errorf("failed to initialize redis: %w", err)
		}
		a.rdb = rdb

		a.cache = redisrepo.New(rdb)
		a.pubsub = redisrepo.NewEventsPubSub(rdb)
		limiter = redisrepo.NewSlidingWindowLimiter(rdb, "purchase", cfg.RateLimit.Limit, cfg.RateLimit.Window)
		idem = redisrepo.NewIdempotencyStore(rdb, 24*time.Hour)
	} else {
		logger.Warn("REDIS_ADDR not set, running without cache, rate limiting and idempotency keys")
	}

	// Initialize services
	a.services = service.NewServices(u, a.cache, a.pubsub, limiter, service.Config{
		Checkout: checkout.Config{
			HoldDuration: cfg.Checkout.HoldDuration,
			TaxRate:      cfg.Checkout.TaxRate,
			MaxQuantity:  cfg.Checkout.MaxQuantity,
		},
		Sweeper: sweeper.Config{
			BatchSize: cfg.Sweeper.BatchSize,
			Interval:  cfg.Sweeper.Interval,
		},
	}, logger)

	// Initialize Gin router
	router := httpgin.NewRouter(a.services, idem, httpgin.RouterConfig{
		JWTSecret:     cfg.Auth.JWTSecret,
		CronSecret:    cfg.Auth.CronSecret,
		PaymentSecret: cfg.Auth.PaymentSecret,
	}, logger)

	a.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()
	defer a.close()

	g, gCtx := errgroup.WithContext(ctx)

	// Start HTTP server
	g.Go(func() error {
		a.logger.Info("HTTP server listening", "host", a.cfg.Server.Host, "port", a.cfg.Server.Port)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
		return nil
	})

	// Expire overdue transactions
	if a.cfg.Sweeper.Enabled {
		g.Go(func() error {
			return a.services.Sweeper.Run(gCtx)
		})
	}

	// Graceful shutdown
	g.Go(func() error {
		<-gCtx.Done()
		a.logger.Info("shutting down HTTP server")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.httpServer.Shutdown(ctx)
	})

	return g.Wait()
}

func (a *App) close() {
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

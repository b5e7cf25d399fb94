// Package sweeper expires PENDING transactions whose payment deadline has
// passed and retires point grants past their validity.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/tix-reserve/internal/domain"
	"github.com/kirinyoku/tix-reserve/internal/metrics"
	"github.com/kirinyoku/tix-reserve/internal/repository"
	"github.com/kirinyoku/tix-reserve/internal/uow"
)

type Expirer interface {
	Expire(ctx context.Context, id uuid.UUID) (bool, error)
}

type GrantExpirer interface {
	ExpireGrants(ctx context.Context) (grants, points int64, err error)
}

type Config struct {
	// BatchSize caps how many overdue transactions one sweep handles.
	BatchSize int
	Interval  time.Duration
}

type Result struct {
	ExpiredCount  int   `json:"expired_count"`
	Failed        int   `json:"failed"`
	GrantsExpired int64 `json:"grants_expired"`
	PointsExpired int64 `json:"points_expired"`
}

type Sweeper struct {
	uow     uow.UnitOfWork
	expirer Expirer
	grants  GrantExpirer
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

func New(u uow.UnitOfWork, expirer Expirer, grants GrantExpirer, cfg Config, logger *slog.Logger) *Sweeper {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}

	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}

	return &Sweeper{
		uow:     u,
		expirer: expirer,
		grants:  grants,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// Sweep expires every overdue PENDING transaction in the current batch. A
// transaction that fails is logged and left for the next sweep. Transactions
// another caller already settled are skipped silently.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	const op = "service.sweeper.Sweep"

	start := time.Now()
	defer func() {
		metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}()

	var ids []uuid.UUID
	err := s.uow.View(ctx, func(ctx context.Context, r repository.Repos) error {
		var err error
		ids, err = r.Transactions.ListOverdue(ctx, s.now(), s.cfg.BatchSize)
		return err
	})
	if err != nil {
		return Result{}, fmt.Errorf("%s:%w", op, err)
	}

	var res Result
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("%s:%w", op, err)
		}

		changed, err := s.expirer.Expire(ctx, id)
		switch {
		case err == nil:
			if changed {
				res.ExpiredCount++
			}
		case errors.Is(err, domain.ErrInvalidStateTransition), errors.Is(err, domain.ErrTransactionNotFound):
			s.logger.Debug("transaction settled before expiry", "transaction_id", id, "error", err)
		default:
			res.Failed++
			metrics.SweepFailures.Inc()
			s.logger.Error("failed to expire transaction", "transaction_id", id, "error", err)
		}
	}

	if s.grants != nil {
		grants, points, err := s.grants.ExpireGrants(ctx)
		if err != nil {
			s.logger.Error("failed to expire point grants", "error", err)
		} else {
			res.GrantsExpired = grants
			res.PointsExpired = points
		}
	}

	level := slog.LevelDebug
	if res.ExpiredCount > 0 || res.Failed > 0 || res.GrantsExpired > 0 {
		level = slog.LevelInfo
	}
	s.logger.Log(ctx, level, "sweep finished",
		"scanned", len(ids),
		"expired", res.ExpiredCount,
		"failed", res.Failed,
		"grants_expired", res.GrantsExpired,
		"points_expired", res.PointsExpired,
	)

	return res, nil
}

// Run sweeps once per interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("expiration sweeper started", "interval", s.cfg.Interval, "batch_size", s.cfg.BatchSize)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("expiration sweeper stopped")
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("sweep failed", "error", err)
			}
		}
	}
}

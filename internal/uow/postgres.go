package uow

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/kirinyoku/tix-reserve/internal/domain"
	"github.com/kirinyoku/tix-reserve/internal/metrics"
	"github.com/kirinyoku/tix-reserve/internal/repository"
	postgres "github.com/kirinyoku/tix-reserve/internal/repository/postgres"
)

type PostgresConfig struct {
	MaxRetries  int
	BaseBackoff time.Duration
}

// PostgresUoW runs units of work in serializable pgx transactions and retries
// serialization failures and deadlocks with jittered exponential backoff.
type PostgresUoW struct {
	store *postgres.Store
	cfg   PostgresConfig
}

func NewPostgres(store *postgres.Store, cfg PostgresConfig) *PostgresUoW {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}

	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 10 * time.Millisecond
	}

	return &PostgresUoW{store: store, cfg: cfg}
}

// Do runs fn inside the transaction. After a successful commit,
// it executes all after-commit hooks.
func (u *PostgresUoW) Do(ctx context.Context, fn Func) error {
	return u.run(ctx, postgres.ReadWrite, func(ctx context.Context, tx postgres.DB, hooks *Hooks) error {
		return fn(ctx, u.store.Repos(tx), hooks.Add)
	})
}

func (u *PostgresUoW) View(ctx context.Context, fn func(ctx context.Context, repos repository.Repos) error) error {
	return u.run(ctx, postgres.ReadOnly, func(ctx context.Context, tx postgres.DB, _ *Hooks) error {
		return fn(ctx, u.store.Repos(tx))
	})
}

func (u *PostgresUoW) run(
	ctx context.Context,
	mode postgres.TxMode,
	fn func(ctx context.Context, tx postgres.DB, hooks *Hooks) error,
) error {
	const op = "uow.PostgresUoW.run"

	var err error
	for attempt := 0; attempt <= u.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			metrics.TxRetries.Inc()
			if werr := u.wait(ctx, attempt); werr != nil {
				return fmt.Errorf("%s:%w", op, werr)
			}
		}

		hooks := &Hooks{}
		err = u.store.RunTx(ctx, mode, func(ctx context.Context, tx postgres.DB) error {
			return fn(ctx, tx, hooks)
		})
		if err == nil {
			hooks.Run(ctx)
			return nil
		}

		if !postgres.IsRetryable(err) {
			return err
		}
	}

	return fmt.Errorf("%s:%w: %v", op, domain.ErrConcurrencyConflict, err)
}

func (u *PostgresUoW) wait(ctx context.Context, attempt int) error {
	backoff := u.cfg.BaseBackoff << (attempt - 1)
	backoff += time.Duration(rand.Int64N(int64(u.cfg.BaseBackoff)))

	t := time.NewTimer(backoff)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

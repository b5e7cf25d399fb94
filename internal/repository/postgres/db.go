package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kirinyoku/tix-reserve/internal/repository"
)

type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// TxMode selects the isolation a unit of work runs under.
type TxMode int

const (
	// ReadWrite is serializable so that conditional seat and point updates
	// either see each other or fail with a retryable error.
	ReadWrite TxMode = iota
	ReadOnly
)

func (m TxMode) options() pgx.TxOptions {
	if m == ReadOnly {
		return pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadOnly}
	}
	return pgx.TxOptions{IsoLevel: pgx.Serializable, AccessMode: pgx.ReadWrite}
}

// Store owns the pool and hands out repositories bound to a transaction.
type Store struct {
	pool             *pgxpool.Pool
	statementTimeout time.Duration
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, statementTimeout: 5 * time.Second}
}

// RunTx runs fn in a transaction of the given mode and commits when fn
// returns nil. Any error rolls the transaction back.
func (s *Store) RunTx(ctx context.Context, mode TxMode, fn func(ctx context.Context, tx DB) error) (err error) {
	tx, err := s.pool.BeginTx(ctx, mode.options())
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if s.statementTimeout > 0 {
		if _, err = tx.Exec(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", s.statementTimeout.Milliseconds())); err != nil {
			return fmt.Errorf("statement timeout: %w", err)
		}
	}

	if err = fn(ctx, tx); err != nil {
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	return nil
}

func (s *Store) Inventory() *InventoryRepo      { return &InventoryRepo{pool: s.pool} }
func (s *Store) Transactions() *TransactionRepo { return &TransactionRepo{pool: s.pool} }
func (s *Store) Tickets() *TicketRepo           { return &TicketRepo{pool: s.pool} }
func (s *Store) Loyalty() *LoyaltyRepo          { return &LoyaltyRepo{pool: s.pool} }
func (s *Store) Catalog() *CatalogRepo          { return &CatalogRepo{pool: s.pool} }

// Repos binds every repository to db.
func (s *Store) Repos(db DB) repository.Repos {
	return repository.Repos{
		Inventory:    s.Inventory().With(db),
		Transactions: s.Transactions().With(db),
		Tickets:      s.Tickets().With(db),
		Loyalty:      s.Loyalty().With(db),
		Catalog:      s.Catalog().With(db),
	}
}

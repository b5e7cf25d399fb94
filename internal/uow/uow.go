package uow

import (
	"context"

	"github.com/kirinyoku/tix-reserve/internal/repository"
)

// AfterCommit is a function that runs after a successful transaction commit.
type AfterCommit func(ctx context.Context)

// Func is the body of a unit of work. Every repository in repos shares the
// same transaction; hooks registered through after run only once it commits.
type Func func(ctx context.Context, repos repository.Repos, after func(AfterCommit)) error

// UnitOfWork runs functions atomically against a storage backend.
type UnitOfWork interface {
	// Do runs fn in a read-write transaction. Either every write made through
	// repos is committed or none is.
	Do(ctx context.Context, fn Func) error
	// View runs fn in a read-only transaction. Hooks are ignored.
	View(ctx context.Context, fn func(ctx context.Context, repos repository.Repos) error) error
}

// Hooks collects after-commit hooks for a single attempt.
type Hooks struct {
	list []AfterCommit
}

func (h *Hooks) Add(fn AfterCommit) {
	h.list = append(h.list, fn)
}

func (h *Hooks) Run(ctx context.Context) {
	for _, fn := range h.list {
		fn(ctx)
	}
}

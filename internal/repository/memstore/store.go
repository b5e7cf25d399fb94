// Package memstore keeps every repository in process memory. A single mutex
// serializes units of work. Each write records how to restore the entry it
// replaced, and a failed unit of work replays those records in reverse, so
// the cost of a unit of work follows what it touches rather than the size of
// the store.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/tix-reserve/internal/domain"
	"github.com/kirinyoku/tix-reserve/internal/repository"
	"github.com/kirinyoku/tix-reserve/internal/uow"
)

type tierKey struct {
	eventID int64
	name    string
}

type reviewKey struct {
	userID  int64
	eventID int64
}

type state struct {
	events       map[int64]domain.Event
	tiers        map[tierKey]domain.Tier
	reservations map[uuid.UUID]domain.SeatReservation
	transactions map[uuid.UUID]domain.Transaction
	tickets      map[uuid.UUID]domain.Ticket
	points       map[int64]domain.PointTransaction
	allocations  map[int64][]domain.PointAllocation
	coupons      map[string]domain.Coupon
	promotions   map[string]domain.Promotion
	reviews      map[reviewKey]int
	nextEventID  int64
	nextPointID  int64

	// undo is non-nil while a unit of work runs.
	undo []func()
}

func newState() *state {
	return &state{
		events:       make(map[int64]domain.Event),
		tiers:        make(map[tierKey]domain.Tier),
		reservations: make(map[uuid.UUID]domain.SeatReservation),
		transactions: make(map[uuid.UUID]domain.Transaction),
		tickets:      make(map[uuid.UUID]domain.Ticket),
		points:       make(map[int64]domain.PointTransaction),
		allocations:  make(map[int64][]domain.PointAllocation),
		coupons:      make(map[string]domain.Coupon),
		promotions:   make(map[string]domain.Promotion),
		reviews:      make(map[reviewKey]int),
	}
}

func (s *state) begin() {
	s.undo = make([]func(), 0, 8)
}

func (s *state) commit() {
	s.undo = nil
}

func (s *state) rollback() {
	for i := len(s.undo) - 1; i >= 0; i-- {
		s.undo[i]()
	}
	s.undo = nil
}

// put sets m[k] and journals the previous entry.
func put[K comparable, V any](s *state, m map[K]V, k K, v V) {
	if s.undo != nil {
		old, had := m[k]
		s.undo = append(s.undo, func() {
			if had {
				m[k] = old
			} else {
				delete(m, k)
			}
		})
	}
	m[k] = v
}

// next advances a sequence and journals its previous value.
func (s *state) next(seq *int64) int64 {
	if s.undo != nil {
		old := *seq
		s.undo = append(s.undo, func() { *seq = old })
	}
	*seq++
	return *seq
}

// Store is an in-memory implementation of uow.UnitOfWork.
type Store struct {
	mu  sync.Mutex
	st  *state
	now func() time.Time
}

var _ uow.UnitOfWork = (*Store)(nil)

func New() *Store {
	return &Store{st: newState(), now: time.Now}
}

func (s *Store) Do(ctx context.Context, fn uow.Func) error {
	s.mu.Lock()

	if err := ctx.Err(); err != nil {
		s.mu.Unlock()
		return err
	}

	hooks := &uow.Hooks{}
	s.st.begin()

	err := fn(ctx, s.repos(s.st), hooks.Add)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		s.st.rollback()
		s.mu.Unlock()
		return err
	}

	s.st.commit()
	s.mu.Unlock()

	hooks.Run(ctx)

	return nil
}

func (s *Store) View(ctx context.Context, fn func(ctx context.Context, repos repository.Repos) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	// a reader that writes anyway is rolled back.
	s.st.begin()
	defer s.st.rollback()

	return fn(ctx, s.repos(s.st))
}

// AddReview stores a rating the way the review subsystem would.
func (s *Store) AddReview(userID, eventID int64, rating int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.st.reviews[reviewKey{userID: userID, eventID: eventID}] = rating
}

func (s *Store) repos(st *state) repository.Repos {
	return repository.Repos{
		Inventory:    &inventoryRepo{st: st, now: s.now},
		Transactions: &transactionRepo{st: st},
		Tickets:      &ticketRepo{st: st},
		Loyalty:      &loyaltyRepo{st: st, now: s.now},
		Catalog:      &catalogRepo{st: st, now: s.now},
	}
}

package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/tix-reserve/internal/domain"
	"github.com/kirinyoku/tix-reserve/internal/repository"
	"github.com/kirinyoku/tix-reserve/internal/uow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createEvent(t *testing.T, s *Store, capacity int) int64 {
	t.Helper()

	var id int64
	require.NoError(t, s.Do(context.Background(), func(ctx context.Context, r repository.Repos, _ func(uow.AfterCommit)) error {
		var err error
		id, err = r.Catalog.CreateEvent(ctx, domain.Event{Title: "Show"}, []domain.Tier{{Name: "GA", Price: 1000, Capacity: capacity}})
		return err
	}))

	return id
}

func TestDo_RollsBackOnError(t *testing.T) {
	s := New()
	eventID := createEvent(t, s, 5)
	boom := errors.New("boom")

	ran := false
	err := s.Do(context.Background(), func(ctx context.Context, r repository.Repos, after func(uow.AfterCommit)) error {
		_, err := r.Inventory.Hold(ctx, eventID, "GA", 3)
		require.NoError(t, err)
		after(func(context.Context) { ran = true })
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.False(t, ran)

	require.NoError(t, s.View(context.Background(), func(ctx context.Context, r repository.Repos) error {
		tier, err := r.Inventory.Tier(ctx, eventID, "GA")
		assert.Equal(t, 0, tier.Held)
		return err
	}))
}

func TestDo_HooksRunAfterCommit(t *testing.T) {
	s := New()

	var order []string
	require.NoError(t, s.Do(context.Background(), func(ctx context.Context, r repository.Repos, after func(uow.AfterCommit)) error {
		after(func(context.Context) { order = append(order, "first") })
		after(func(context.Context) { order = append(order, "second") })
		order = append(order, "body")
		return nil
	}))

	assert.Equal(t, []string{"body", "first", "second"}, order)
}

func TestDo_CanceledContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := s.Do(ctx, func(context.Context, repository.Repos, func(uow.AfterCommit)) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestDo_RollbackRestoresTouchedEntries(t *testing.T) {
	s := New()
	ctx := context.Background()
	eventID := createEvent(t, s, 5)

	var grantID int64
	require.NoError(t, s.Do(ctx, func(ctx context.Context, r repository.Repos, _ func(uow.AfterCommit)) error {
		var err error
		grantID, err = r.Loyalty.Insert(ctx, domain.PointTransaction{UserID: 1, Amount: 100, Remaining: 100})
		if err != nil {
			return err
		}
		return r.Loyalty.Allocate(ctx, domain.PointAllocation{DebitID: 50, GrantID: grantID, Amount: 10})
	}))

	boom := errors.New("boom")
	err := s.Do(ctx, func(ctx context.Context, r repository.Repos, _ func(uow.AfterCommit)) error {
		if _, err := r.Catalog.CreateEvent(ctx, domain.Event{Title: "Gone"}, []domain.Tier{{Name: "VIP", Capacity: 1}}); err != nil {
			return err
		}
		if _, err := r.Loyalty.Insert(ctx, domain.PointTransaction{UserID: 1, Amount: 5, Remaining: 5}); err != nil {
			return err
		}
		if err := r.Loyalty.AdjustRemaining(ctx, grantID, -40); err != nil {
			return err
		}
		if err := r.Loyalty.Allocate(ctx, domain.PointAllocation{DebitID: 50, GrantID: grantID, Amount: 30}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, s.View(ctx, func(ctx context.Context, r repository.Repos) error {
		_, err := r.Catalog.Event(ctx, eventID+1)
		assert.ErrorIs(t, err, repository.ErrNotFound)

		_, err = r.Inventory.Tier(ctx, eventID+1, "VIP")
		assert.ErrorIs(t, err, repository.ErrNotFound)

		allocs, err := r.Loyalty.Allocations(ctx, 50)
		require.NoError(t, err)
		assert.Equal(t, []domain.PointAllocation{{DebitID: 50, GrantID: grantID, Amount: 10}}, allocs)

		balance, err := r.Loyalty.Balance(ctx, 1, time.Now())
		assert.Equal(t, int64(100), balance)
		return err
	}))

	// sequences rewind with the rest of the unit of work.
	assert.Equal(t, eventID+1, createEvent(t, s, 1))
	require.NoError(t, s.Do(ctx, func(ctx context.Context, r repository.Repos, _ func(uow.AfterCommit)) error {
		id, err := r.Loyalty.Insert(ctx, domain.PointTransaction{UserID: 2, Amount: 1, Remaining: 1})
		assert.Equal(t, grantID+1, id)
		return err
	}))
}

func TestView_DiscardsWrites(t *testing.T) {
	s := New()
	eventID := createEvent(t, s, 5)

	require.NoError(t, s.View(context.Background(), func(ctx context.Context, r repository.Repos) error {
		_, err := r.Inventory.Hold(ctx, eventID, "GA", 5)
		return err
	}))

	require.NoError(t, s.View(context.Background(), func(ctx context.Context, r repository.Repos) error {
		tier, err := r.Inventory.Tier(ctx, eventID, "GA")
		assert.Equal(t, 5, tier.Remaining())
		return err
	}))
}

func TestTransition_Conditional(t *testing.T) {
	s := New()
	eventID := createEvent(t, s, 5)
	id := uuid.New()
	now := time.Now()

	err := s.Do(context.Background(), func(ctx context.Context, r repository.Repos, _ func(uow.AfterCommit)) error {
		res, err := r.Inventory.Hold(ctx, eventID, "GA", 1)
		if err != nil {
			return err
		}
		if err := r.Transactions.Create(ctx, domain.Transaction{
			ID:              id,
			UserID:          1,
			EventID:         eventID,
			Status:          domain.StatusPending,
			PaymentDeadline: now,
			ReservationID:   res.ID,
		}); err != nil {
			return err
		}
		if err := r.Transactions.Transition(ctx, id, domain.StatusPending, domain.StatusPaid, now); err != nil {
			return err
		}
		return r.Transactions.Transition(ctx, id, domain.StatusPending, domain.StatusExpired, now)
	})
	assert.ErrorIs(t, err, repository.ErrStaleState)
}

func TestCreateTransaction_RequiresReservation(t *testing.T) {
	s := New()

	err := s.Do(context.Background(), func(ctx context.Context, r repository.Repos, _ func(uow.AfterCommit)) error {
		return r.Transactions.Create(ctx, domain.Transaction{ID: uuid.New(), ReservationID: uuid.New()})
	})
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestCreateEvent_DuplicateTier(t *testing.T) {
	s := New()

	err := s.Do(context.Background(), func(ctx context.Context, r repository.Repos, _ func(uow.AfterCommit)) error {
		_, err := r.Catalog.CreateEvent(ctx, domain.Event{Title: "Dup"}, []domain.Tier{
			{Name: "GA", Price: 1, Capacity: 1},
			{Name: "GA", Price: 2, Capacity: 1},
		})
		return err
	})
	assert.ErrorIs(t, err, repository.ErrConflict)
}

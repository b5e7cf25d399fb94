package inventory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/kirinyoku/tix-reserve/internal/domain"
	"github.com/kirinyoku/tix-reserve/internal/repository"
	"github.com/kirinyoku/tix-reserve/internal/repository/memstore"
	"github.com/kirinyoku/tix-reserve/internal/uow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T, capacity int) (*Service, int64) {
	t.Helper()

	store := memstore.New()

	var eventID int64
	require.NoError(t, store.Do(context.Background(), func(ctx context.Context, r repository.Repos, _ func(uow.AfterCommit)) error {
		var err error
		eventID, err = r.Catalog.CreateEvent(ctx, domain.Event{Title: "Gig"}, []domain.Tier{
			{Name: "GA", Price: 50000, Capacity: capacity},
			{Name: "VIP", Price: 150000, Capacity: 2},
		})
		return err
	}))

	return New(store), eventID
}

func tierOf(t *testing.T, svc *Service, eventID int64, name string) domain.TierAvailability {
	t.Helper()

	av, err := svc.Availability(context.Background(), eventID)
	require.NoError(t, err)

	for _, ta := range av.Tiers {
		if ta.Tier == name {
			return ta
		}
	}
	t.Fatalf("tier %q not found", name)

	return domain.TierAvailability{}
}

func TestReserve(t *testing.T) {
	svc, eventID := setup(t, 5)
	ctx := context.Background()

	id, err := svc.Reserve(ctx, eventID, "GA", 3)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, id)

	ga := tierOf(t, svc, eventID, "GA")
	assert.Equal(t, 3, ga.Held)
	assert.Equal(t, 2, ga.Available)

	_, err = svc.Reserve(ctx, eventID, "GA", 3)
	var seats domain.InsufficientSeatsError
	require.ErrorAs(t, err, &seats)
	assert.Equal(t, 3, seats.Requested)
	assert.Equal(t, 3, tierOf(t, svc, eventID, "GA").Held)
}

func TestReserve_Invalid(t *testing.T) {
	svc, eventID := setup(t, 5)

	tests := []struct {
		name     string
		tier     string
		quantity int
	}{
		{name: "zero quantity", tier: "GA", quantity: 0},
		{name: "negative quantity", tier: "GA", quantity: -1},
		{name: "unknown tier", tier: "BALCONY", quantity: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Reserve(context.Background(), eventID, tt.tier, tt.quantity)
			var verr domain.ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}
}

func TestRelease_Idempotent(t *testing.T) {
	svc, eventID := setup(t, 5)
	ctx := context.Background()

	id, err := svc.Reserve(ctx, eventID, "GA", 2)
	require.NoError(t, err)

	require.NoError(t, svc.Release(ctx, id))
	require.NoError(t, svc.Release(ctx, id))

	ga := tierOf(t, svc, eventID, "GA")
	assert.Equal(t, 0, ga.Held)
	assert.Equal(t, 5, ga.Available)

	err = svc.Commit(ctx, id)
	assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)

	assert.ErrorIs(t, svc.Release(ctx, uuid.New()), ErrReservationNotFound)
}

func TestCommit(t *testing.T) {
	svc, eventID := setup(t, 5)
	ctx := context.Background()

	id, err := svc.Reserve(ctx, eventID, "VIP", 2)
	require.NoError(t, err)

	require.NoError(t, svc.Commit(ctx, id))
	require.NoError(t, svc.Commit(ctx, id))

	vip := tierOf(t, svc, eventID, "VIP")
	assert.Equal(t, 0, vip.Held)
	assert.Equal(t, 2, vip.Sold)
	assert.Equal(t, 0, vip.Available)

	// sold seats stay sold
	require.NoError(t, svc.Release(ctx, id))
	assert.Equal(t, 2, tierOf(t, svc, eventID, "VIP").Sold)
}

func TestReserve_Concurrent(t *testing.T) {
	svc, eventID := setup(t, 10)

	var (
		wg sync.WaitGroup
		ok atomic.Int32
	)
	for range 25 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Reserve(context.Background(), eventID, "GA", 1); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), ok.Load())
	ga := tierOf(t, svc, eventID, "GA")
	assert.Equal(t, 10, ga.Held)
	assert.Equal(t, 0, ga.Available)
}

func TestAvailability(t *testing.T) {
	svc, eventID := setup(t, 5)

	av, err := svc.Availability(context.Background(), eventID)
	require.NoError(t, err)
	assert.Equal(t, 7, av.Total)
	require.Len(t, av.Tiers, 2)
	assert.Equal(t, "VIP", av.Tiers[0].Tier)

	_, err = svc.Availability(context.Background(), eventID+100)
	assert.ErrorIs(t, err, domain.ErrEventNotFound)
}

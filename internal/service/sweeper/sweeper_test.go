package sweeper

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/tix-reserve/internal/domain"
	"github.com/kirinyoku/tix-reserve/internal/repository"
	"github.com/kirinyoku/tix-reserve/internal/repository/memstore"
	"github.com/kirinyoku/tix-reserve/internal/service/checkout"
	"github.com/kirinyoku/tix-reserve/internal/service/loyalty"
	"github.com/kirinyoku/tix-reserve/internal/uow"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedEvent(t *testing.T, store *memstore.Store, capacity int) int64 {
	t.Helper()

	var id int64
	require.NoError(t, store.Do(context.Background(), func(ctx context.Context, r repository.Repos, _ func(uow.AfterCommit)) error {
		var err error
		id, err = r.Catalog.CreateEvent(ctx, domain.Event{Title: "Show"}, []domain.Tier{{Name: "GA", Price: 2500, Capacity: capacity}})
		return err
	}))

	return id
}

func tier(t *testing.T, store *memstore.Store, eventID int64) domain.Tier {
	t.Helper()

	var out domain.Tier
	require.NoError(t, store.View(context.Background(), func(ctx context.Context, r repository.Repos) error {
		var err error
		out, err = r.Inventory.Tier(ctx, eventID, "GA")
		return err
	}))

	return out
}

func TestSweep_ConcurrentSweepsExpireOnce(t *testing.T) {
	store := memstore.New()
	eventID := seedEvent(t, store, 1)
	ctx := context.Background()

	co := checkout.New(store, nil, nil, nil, checkout.Config{HoldDuration: time.Minute, TaxRate: decimal.Zero}, discard())

	tx, err := co.CreatePending(ctx, checkout.CreatePendingInput{UserID: 1, EventID: eventID, Tier: "GA", Quantity: 1})
	require.NoError(t, err)
	assert.Equal(t, 0, tier(t, store, eventID).Remaining())

	sw := New(store, co, nil, Config{}, discard())
	sw.now = func() time.Time { return tx.PaymentDeadline.Add(time.Second) }

	var wg sync.WaitGroup
	results := make([]Result, 2)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var err error
			results[i], err = sw.Sweep(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, results[0].ExpiredCount+results[1].ExpiredCount)
	assert.Zero(t, results[0].Failed+results[1].Failed)

	got, err := co.Get(ctx, tx.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, got.Transaction.Status)

	assert.Equal(t, 1, tier(t, store, eventID).Remaining())

	_, err = co.CreatePending(ctx, checkout.CreatePendingInput{UserID: 2, EventID: eventID, Tier: "GA", Quantity: 1})
	require.NoError(t, err)
}

func TestSweep_LeavesFreshTransactions(t *testing.T) {
	store := memstore.New()
	eventID := seedEvent(t, store, 5)
	ctx := context.Background()

	co := checkout.New(store, nil, nil, nil, checkout.Config{}, discard())
	_, err := co.CreatePending(ctx, checkout.CreatePendingInput{UserID: 1, EventID: eventID, Tier: "GA", Quantity: 2})
	require.NoError(t, err)

	res, err := New(store, co, nil, Config{}, discard()).Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.ExpiredCount)
	assert.Equal(t, 2, tier(t, store, eventID).Held)
}

func TestSweep_LogsQuietRunsAtDebug(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()

	var info, debug bytes.Buffer
	_, err := New(store, nil, nil, Config{}, slog.New(slog.NewTextHandler(&info, nil))).Sweep(ctx)
	require.NoError(t, err)
	assert.NotContains(t, info.String(), "sweep finished")

	_, err = New(store, nil, nil, Config{}, slog.New(slog.NewTextHandler(&debug, &slog.HandlerOptions{Level: slog.LevelDebug}))).Sweep(ctx)
	require.NoError(t, err)
	assert.Contains(t, debug.String(), "level=DEBUG msg=\"sweep finished\"")
	assert.Contains(t, debug.String(), "expired=0")
}

func TestSweep_ExpiresGrants(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	require.NoError(t, store.Do(ctx, func(ctx context.Context, r repository.Repos, _ func(uow.AfterCommit)) error {
		_, err := r.Loyalty.Insert(ctx, domain.PointTransaction{
			UserID: 3, Amount: 400, Remaining: 150, Description: "promo", ExpiresAt: &past, Status: domain.PointsFinal,
		})
		return err
	}))

	res, err := New(store, nil, loyalty.New(store, loyalty.Config{}), Config{}, discard()).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.GrantsExpired)
	assert.Equal(t, int64(150), res.PointsExpired)
}

type flakyExpirer struct {
	fail uuid.UUID
	ok   []uuid.UUID
}

func (f *flakyExpirer) Expire(_ context.Context, id uuid.UUID) (bool, error) {
	if id == f.fail {
		return false, errors.New("connection reset")
	}
	f.ok = append(f.ok, id)
	return true, nil
}

func TestSweep_ContinuesPastFailures(t *testing.T) {
	store := memstore.New()
	eventID := seedEvent(t, store, 5)
	ctx := context.Background()

	co := checkout.New(store, nil, nil, nil, checkout.Config{HoldDuration: time.Minute}, discard())

	var ids []uuid.UUID
	for user := range int64(3) {
		tx, err := co.CreatePending(ctx, checkout.CreatePendingInput{UserID: user + 1, EventID: eventID, Tier: "GA", Quantity: 1})
		require.NoError(t, err)
		ids = append(ids, tx.ID)
	}

	fe := &flakyExpirer{fail: ids[1]}
	sw := New(store, fe, nil, Config{}, discard())
	sw.now = func() time.Time { return time.Now().Add(time.Hour) }

	res, err := sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.ExpiredCount)
	assert.Equal(t, 1, res.Failed)
	assert.ElementsMatch(t, []uuid.UUID{ids[0], ids[2]}, fe.ok)
}

func TestRun_StopsOnCancel(t *testing.T) {
	store := memstore.New()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- New(store, &flakyExpirer{}, nil, Config{Interval: 5 * time.Millisecond}, discard()).Run(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type view struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestGetOrSetJSON_Hit(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := New(db)

	mock.ExpectGet("k").SetVal(`{"name":"cached","count":3}`)

	got, err := GetOrSetJSON(context.Background(), c, "k", "", time.Minute, func(context.Context) (view, error) {
		t.Fatal("loader must not run on a hit")
		return view{}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, view{Name: "cached", Count: 3}, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOrSetJSON_LoaderError(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := New(db)
	boom := errors.New("boom")

	mock.ExpectGet("k").RedisNil()
	mock.ExpectGet("k").RedisNil()

	_, err := GetOrSetJSON(context.Background(), c, "k", "", time.Minute, func(context.Context) (view, error) {
		return view{}, boom
	})
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOrSetJSON_ReadFailureFallsThrough(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := New(db)

	mock.ExpectGet("k").SetErr(errors.New("connection refused"))
	mock.ExpectGet("k").SetErr(errors.New("connection refused"))
	mock.ExpectSet("k", `{"name":"fresh","count":1}`, time.Minute).SetErr(errors.New("connection refused"))

	got, err := GetOrSetJSON(context.Background(), c, "k", "", time.Minute, func(context.Context) (view, error) {
		return view{Name: "fresh", Count: 1}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "fresh", got.Name)
}

func TestGetOrSetJSON_NilCache(t *testing.T) {
	got, err := GetOrSetJSON(context.Background(), nil, "k", "", time.Minute, func(context.Context) (view, error) {
		return view{Name: "direct"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "direct", got.Name)
}

func TestInvalidateEvent(t *testing.T) {
	db, mock := redismock.NewClientMock()

	keys := []string{KeyEventGeneration(12), KeyEvent(12), KeyEventAvailability(12)}
	mock.ExpectEvalSha(bumpAndDrop.Hash(), keys).SetVal(int64(2))

	require.NoError(t, New(db).InvalidateEvent(context.Background(), 12))
	require.NoError(t, mock.ExpectationsWereMet())

	var nilCache *Cache
	assert.NoError(t, nilCache.InvalidateEvent(context.Background(), 12))
}

func TestGetOrSetJSON_GenerationGuardsWriteBack(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := New(db)
	ctx := context.Background()
	key, gen := KeyEventAvailability(3), KeyEventGeneration(3)
	payload := `{"name":"loaded","count":1}`

	// first load sees generation 4 and writes only while it still holds.
	mock.ExpectGet(key).RedisNil()
	mock.ExpectGet(gen).SetVal("4")
	mock.ExpectGet(key).RedisNil()
	mock.ExpectEvalSha(storeIfCurrent.Hash(), []string{key, gen}, "4", payload, int64(60000)).SetVal(int64(0))

	got, err := GetOrSetJSON(ctx, c, key, gen, time.Minute, func(context.Context) (view, error) {
		return view{Name: "loaded", Count: 1}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "loaded", got.Name)

	// an event never invalidated has no counter yet.
	mock.ExpectGet(key).RedisNil()
	mock.ExpectGet(gen).RedisNil()
	mock.ExpectGet(key).RedisNil()
	mock.ExpectEvalSha(storeIfCurrent.Hash(), []string{key, gen}, "", payload, int64(60000)).SetVal(int64(1))

	_, err = GetOrSetJSON(ctx, c, key, gen, time.Minute, func(context.Context) (view, error) {
		return view{Name: "loaded", Count: 1}, nil
	})
	require.NoError(t, err)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOrSetJSON_UnknownGenerationSkipsWrite(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := New(db)
	key, gen := KeyEvent(3), KeyEventGeneration(3)

	mock.ExpectGet(key).RedisNil()
	mock.ExpectGet(gen).SetErr(errors.New("connection refused"))
	mock.ExpectGet(key).RedisNil()

	got, err := GetOrSetJSON(context.Background(), c, key, gen, time.Minute, func(context.Context) (view, error) {
		return view{Name: "fresh"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "fresh", got.Name)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIdempotencyStore(t *testing.T) {
	db, mock := redismock.NewClientMock()
	s := NewIdempotencyStore(db, time.Hour)
	ctx := context.Background()
	key := KeyIdemPurchase(9, "abc")
	stored := idemResPrefix + `{"fp":"f1","body":{"id":"t1"}}`

	mock.ExpectSetNX(key, idemLock, 30*time.Second).SetVal(true)
	mock.ExpectGet(key).SetVal(idemLock)
	mock.ExpectSet(key, stored, time.Hour).SetVal("OK")
	mock.ExpectGet(key).SetVal(stored)
	mock.ExpectSetNX(key, idemLock, 30*time.Second).SetVal(false)

	ok, err := s.AcquireLock(ctx, key, 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	_, found, err := s.GetResult(ctx, key)
	require.NoError(t, err)
	assert.False(t, found, "a lock is not a result")

	require.NoError(t, s.SaveResult(ctx, key, "f1", []byte(`{"id":"t1"}`)))

	res, found, err := s.GetResult(ctx, key)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "f1", res.Fingerprint)
	assert.JSONEq(t, `{"id":"t1"}`, string(res.Payload))

	ok, err = s.AcquireLock(ctx, key, 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIdempotencyStore_Release(t *testing.T) {
	db, mock := redismock.NewClientMock()
	s := NewIdempotencyStore(db, time.Hour)
	key := KeyIdemPurchase(1, "k")

	mock.ExpectDel(key).SetVal(1)
	mock.ExpectGet(key).RedisNil()

	require.NoError(t, s.Release(context.Background(), key))

	_, found, err := s.GetResult(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, found)
	require.NoError(t, mock.ExpectationsWereMet())
}

func anyArgs(_, _ []interface{}) error { return nil }

// windowArgs stands in for now, window, limit and member; anyArgs ignores them.
var windowArgs = []interface{}{int64(0), int64(0), 0, ""}

func TestSlidingWindowLimiter(t *testing.T) {
	db, mock := redismock.NewClientMock()
	l := NewSlidingWindowLimiter(db, "purchase", 10, time.Minute)
	key := KeyRateLimit("purchase", "user:5")

	mock.CustomMatch(anyArgs).ExpectEvalSha(purchaseWindow.Hash(), []string{key}, windowArgs...).SetVal([]interface{}{int64(1), int64(3), int64(0)})
	mock.CustomMatch(anyArgs).ExpectEvalSha(purchaseWindow.Hash(), []string{key}, windowArgs...).SetVal([]interface{}{int64(0), int64(10), int64(2500)})

	d, err := l.Allow(context.Background(), "user:5")
	require.NoError(t, err)
	assert.Equal(t, Decision{Allowed: true, InWindow: 3}, d)

	d, err = l.Allow(context.Background(), "user:5")
	require.NoError(t, err)
	assert.Equal(t, Decision{Allowed: false, InWindow: 10, RetryAfter: 2500 * time.Millisecond}, d)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSlidingWindowLimiter_BadReply(t *testing.T) {
	db, mock := redismock.NewClientMock()
	l := NewSlidingWindowLimiter(db, "purchase", 10, time.Minute)

	mock.CustomMatch(anyArgs).ExpectEvalSha(purchaseWindow.Hash(), []string{KeyRateLimit("purchase", "x")}, windowArgs...).SetVal([]interface{}{int64(1)})

	_, err := l.Allow(context.Background(), "x")
	assert.Error(t, err)
}

func TestPublishEventChanged(t *testing.T) {
	db, mock := redismock.NewClientMock()
	p := NewEventsPubSub(db)

	mock.CustomMatch(func(expected, actual []interface{}) error {
		if len(actual) != 3 || actual[1] != ChannelEventsChanged() {
			return fmt.Errorf("unexpected publish %v", actual)
		}
		b, ok := actual[2].([]byte)
		if !ok {
			return fmt.Errorf("payload is %T", actual[2])
		}
		var msg EventChange
		if err := json.Unmarshal(b, &msg); err != nil {
			return err
		}
		if msg.EventID != 4 || msg.Reason != "reserved" || msg.Origin != p.origin {
			return fmt.Errorf("unexpected message %+v", msg)
		}
		return nil
	}).ExpectPublish(ChannelEventsChanged(), nil).SetVal(1)

	require.NoError(t, p.PublishEventChanged(context.Background(), 4, "reserved"))
	require.NoError(t, mock.ExpectationsWereMet())

	var nilPubSub *EventsPubSub
	assert.NoError(t, nilPubSub.PublishEventChanged(context.Background(), 4, "reserved"))
}

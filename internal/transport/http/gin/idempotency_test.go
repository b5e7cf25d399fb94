package httpgin

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/gin-gonic/gin"
	redisrepo "github.com/kirinyoku/tix-reserve/internal/repository/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storedResult(t *testing.T, req CreateTransactionRequest, payload string) string {
	t.Helper()

	b, err := json.Marshal(redisrepo.StoredResult{Fingerprint: req.fingerprint(), Payload: json.RawMessage(payload)})
	require.NoError(t, err)

	return "RES:" + string(b)
}

func TestCreateTransaction_IdempotencyStoreDown(t *testing.T) {
	db, mock := redismock.NewClientMock()
	var logs bytes.Buffer
	h := newHarnessWith(t, redisrepo.NewIdempotencyStore(db, time.Hour), slog.New(slog.NewTextHandler(&logs, nil)))
	eventID := h.createEvent(5)
	key := redisrepo.KeyIdemPurchase(42, "k1")

	mock.ExpectGet(key).RedisNil()
	mock.ExpectSetNX(key, "LOCK", 60*time.Second).SetErr(errors.New("connection refused"))

	w := h.do(http.MethodPost, "/transactions", token(t, 42, "user"),
		gin.H{"event_id": eventID, "tier": "VIP", "quantity": 1},
		"Idempotency-Key", "k1",
	)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Empty(t, w.Header().Get("Idempotency-Key"))
	assert.Contains(t, logs.String(), "idempotency store unavailable")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateTransaction_IdempotencyKeyReuse(t *testing.T) {
	db, mock := redismock.NewClientMock()
	h := newHarnessWith(t, redisrepo.NewIdempotencyStore(db, time.Hour), slog.New(slog.DiscardHandler))
	buyer := token(t, 42, "user")
	key := redisrepo.KeyIdemPurchase(42, "k1")

	first := CreateTransactionRequest{EventID: 7, Tier: "VIP", Quantity: 1}
	stored := storedResult(t, first, `{"id":"t1"}`)

	t.Run("same request replays", func(t *testing.T) {
		mock.ExpectGet(key).SetVal(stored)

		w := h.do(http.MethodPost, "/transactions", buyer,
			gin.H{"quantity": 1, "tier": "VIP", "event_id": 7},
			"Idempotency-Key", "k1",
		)
		assert.Equal(t, http.StatusCreated, w.Code)
		assert.JSONEq(t, `{"id":"t1"}`, w.Body.String())
		assert.Equal(t, "k1", w.Header().Get("Idempotency-Key"))
	})

	t.Run("different request is rejected", func(t *testing.T) {
		mock.ExpectGet(key).SetVal(stored)

		w := h.do(http.MethodPost, "/transactions", buyer,
			gin.H{"event_id": 7, "tier": "VIP", "quantity": 3},
			"Idempotency-Key", "k1",
		)
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Contains(t, decode[ErrorResponse](t, w).Error, "different request")
	})

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateTransaction_SavesFingerprint(t *testing.T) {
	db, mock := redismock.NewClientMock()
	h := newHarnessWith(t, redisrepo.NewIdempotencyStore(db, time.Hour), slog.New(slog.DiscardHandler))
	eventID := h.createEvent(5)
	key := redisrepo.KeyIdemPurchase(42, "k2")
	want := CreateTransactionRequest{EventID: eventID, Tier: "VIP", Quantity: 2}.fingerprint()

	mock.ExpectGet(key).RedisNil()
	mock.ExpectSetNX(key, "LOCK", 60*time.Second).SetVal(true)
	mock.CustomMatch(func(_, actual []interface{}) error {
		v, _ := actual[2].(string)
		raw, ok := strings.CutPrefix(v, "RES:")
		if !ok {
			return errors.New("result is not prefixed")
		}
		var res redisrepo.StoredResult
		if err := json.Unmarshal([]byte(raw), &res); err != nil {
			return err
		}
		if res.Fingerprint != want {
			return errors.New("unexpected fingerprint " + res.Fingerprint)
		}
		return nil
	}).ExpectSet(key, "", time.Hour).SetVal("OK")

	w := h.do(http.MethodPost, "/transactions", token(t, 42, "user"),
		gin.H{"event_id": eventID, "tier": "VIP", "quantity": 2},
		"Idempotency-Key", "k2",
	)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "k2", w.Header().Get("Idempotency-Key"))
	require.NoError(t, mock.ExpectationsWereMet())
}

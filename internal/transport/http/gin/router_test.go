package httpgin

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/kirinyoku/tix-reserve/internal/domain"
	"github.com/kirinyoku/tix-reserve/internal/repository/memstore"
	redisrepo "github.com/kirinyoku/tix-reserve/internal/repository/redis"
	"github.com/kirinyoku/tix-reserve/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testJWTSecret = "jwt-secret"
	testCron      = "cron-secret"
	testPayment   = "payment-secret"
)

type harness struct {
	t      *testing.T
	router *gin.Engine
	admin  string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func newHarnessWith(t *testing.T, idem *redisrepo.IdempotencyStore, logger *slog.Logger) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	svcs := service.NewServices(memstore.New(), nil, nil, nil, service.Config{}, logger)
	router := NewRouter(svcs, idem, RouterConfig{
		JWTSecret:     testJWTSecret,
		CronSecret:    testCron,
		PaymentSecret: testPayment,
	}, logger)

	return &harness{t: t, router: router, admin: token(t, 1, RoleAdmin)}
}

func token(t *testing.T, userID int64, role string) string {
	t.Helper()

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  userID,
		"role": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testJWTSecret))
	require.NoError(t, err)

	return signed
}

func (h *harness) do(method, path, bearer string, body any, headers ...string) *httptest.ResponseRecorder {
	h.t.Helper()

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(h.t, err)
		r = bytes.NewReader(b)
	}

	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)

	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())

	return v
}

func (h *harness) createEvent(capacity int) int64 {
	h.t.Helper()

	w := h.do(http.MethodPost, "/admin/events", h.admin, gin.H{
		"title":     "Concert",
		"starts_at": "2026-09-01T20:00:00Z",
		"tiers":     []gin.H{{"name": "VIP", "price": 100000, "capacity": capacity}},
	})
	require.Equal(h.t, http.StatusCreated, w.Code, w.Body.String())

	return decode[CreateEventResponse](h.t, w).EventID
}

func TestHealthz(t *testing.T) {
	h := newHarness(t)

	w := h.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestAuth(t *testing.T) {
	h := newHarness(t)

	w := h.do(http.MethodGet, "/users/me/points", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = h.do(http.MethodGet, "/users/me/points", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": 5}).SignedString([]byte("other"))
	require.NoError(t, err)
	w = h.do(http.MethodGet, "/users/me/points", forged, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = h.do(http.MethodPost, "/admin/events", token(t, 5, "user"), gin.H{})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = h.do(http.MethodGet, "/cron/expire", "wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPurchaseFlow(t *testing.T) {
	h := newHarness(t)
	eventID := h.createEvent(10)
	buyer := token(t, 42, "user")

	w := h.do(http.MethodPost, "/admin/coupons", h.admin, gin.H{
		"code":           "SAVE10",
		"discount_type":  "PERCENTAGE",
		"discount_value": 10,
		"expires_at":     time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = h.do(http.MethodPost, "/transactions", buyer, gin.H{
		"event_id":    eventID,
		"tier":        "VIP",
		"quantity":    2,
		"coupon_code": "SAVE10",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	tx := decode[domain.Transaction](t, w)
	assert.Equal(t, domain.StatusPending, tx.Status)
	assert.Equal(t, int64(180000), tx.Price.FinalPrice)

	w = h.do(http.MethodGet, "/events/"+itoa(eventID)+"/availability", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	av := decode[domain.EventAvailability](t, w)
	require.Len(t, av.Tiers, 1)
	assert.Equal(t, 8, av.Tiers[0].Available)

	w = h.do(http.MethodGet, "/transactions/"+tx.ID.String(), token(t, 43, "user"), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.do(http.MethodPost, "/transactions/"+tx.ID.String()+"/confirm-payment", testCron, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = h.do(http.MethodPost, "/transactions/"+tx.ID.String()+"/confirm-payment", testPayment, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	paid := decode[domain.TransactionWithTickets](t, w)
	assert.Equal(t, domain.StatusPaid, paid.Transaction.Status)
	assert.Len(t, paid.Tickets, 2)

	w = h.do(http.MethodPost, "/transactions/"+tx.ID.String()+"/cancel", buyer, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = h.do(http.MethodGet, "/events/"+itoa(eventID)+"/attendance", buyer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[AttendanceResponse](t, w).Attended)

	w = h.do(http.MethodPost, "/admin/tickets/"+paid.Tickets[0].ID.String()+"/check-in", h.admin, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = h.do(http.MethodPost, "/admin/tickets/"+paid.Tickets[0].ID.String()+"/check-in", h.admin, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCreateTransaction_Errors(t *testing.T) {
	h := newHarness(t)
	eventID := h.createEvent(1)
	buyer := token(t, 42, "user")

	tests := []struct {
		name string
		body gin.H
		want int
	}{
		{name: "malformed", body: gin.H{"tier": "VIP"}, want: http.StatusBadRequest},
		{name: "unknown tier", body: gin.H{"event_id": eventID, "tier": "PIT", "quantity": 1}, want: http.StatusBadRequest},
		{name: "unknown event", body: gin.H{"event_id": eventID + 1, "tier": "VIP", "quantity": 1}, want: http.StatusNotFound},
		{name: "too many seats", body: gin.H{"event_id": eventID, "tier": "VIP", "quantity": 2}, want: http.StatusConflict},
		{name: "no points", body: gin.H{"event_id": eventID, "tier": "VIP", "quantity": 1, "points_to_use": 10}, want: http.StatusUnprocessableEntity},
		{name: "bad coupon", body: gin.H{"event_id": eventID, "tier": "VIP", "quantity": 1, "coupon_code": "NOPE"}, want: http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := h.do(http.MethodPost, "/transactions", buyer, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
			assert.NotEmpty(t, decode[ErrorResponse](t, w).Error)
		})
	}
}

func TestPointsAndQuote(t *testing.T) {
	h := newHarness(t)
	eventID := h.createEvent(5)
	buyer := token(t, 42, "user")

	w := h.do(http.MethodPost, "/users/42/points", h.admin, gin.H{"amount": 3000, "description": "welcome"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = h.do(http.MethodPost, "/users/42/points", h.admin, gin.H{"amount": 0, "description": "noop"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(http.MethodGet, "/users/me/points", buyer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, BalanceResponse{UserID: 42, Balance: 3000}, decode[BalanceResponse](t, w))

	w = h.do(http.MethodPost, "/transactions/quote", buyer, gin.H{
		"event_id": eventID, "tier": "VIP", "quantity": 1, "points_to_use": "1e9",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, int64(3000), decode[domain.PriceBreakdown](t, w).PointsDiscount)
}

func TestCronExpire(t *testing.T) {
	h := newHarness(t)

	w := h.do(http.MethodGet, "/cron/expire", testCron, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.EqualValues(t, 0, body["expired_count"])
}

func TestAvailability_ETag(t *testing.T) {
	h := newHarness(t)
	eventID := h.createEvent(3)

	w := h.do(http.MethodGet, "/events/"+itoa(eventID)+"/availability", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	tag := w.Header().Get("ETag")
	require.NotEmpty(t, tag)

	w = h.do(http.MethodGet, "/events/"+itoa(eventID)+"/availability", "", nil, "If-None-Match", tag)
	assert.Equal(t, http.StatusNotModified, w.Code)

	w = h.do(http.MethodGet, "/events/abc/availability", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRecomputeRating(t *testing.T) {
	h := newHarness(t)
	eventID := h.createEvent(3)

	w := h.do(http.MethodPost, "/events/"+itoa(eventID)+"/rating/recompute", h.admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, RatingResponse{EventID: eventID}, decode[RatingResponse](t, w))

	w = h.do(http.MethodPost, "/events/999/rating/recompute", h.admin, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRespondErr_Unknown(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	respondErr(c, context.DeadlineExceeded)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"internal error"}`, w.Body.String())
	assert.Len(t, c.Errors, 1)
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}

func TestEtagMatches(t *testing.T) {
	tag := etagOf([]byte(`{"a":1}`), true)

	tests := []struct {
		name   string
		header string
		want   bool
	}{
		{name: "empty", header: "", want: false},
		{name: "exact", header: tag, want: true},
		{name: "strong form of weak tag", header: strings.TrimPrefix(tag, "W/"), want: true},
		{name: "in list", header: `"other", ` + tag, want: true},
		{name: "wildcard", header: "*", want: true},
		{name: "different", header: `W/"deadbeef"`, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, etagMatches(tt.header, tag))
		})
	}
}

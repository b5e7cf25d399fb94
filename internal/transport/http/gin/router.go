package httpgin

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/kirinyoku/tix-reserve/internal/domain"
	redisrepo "github.com/kirinyoku/tix-reserve/internal/repository/redis"
	"github.com/kirinyoku/tix-reserve/internal/service"
	"github.com/kirinyoku/tix-reserve/internal/service/admin"
	"github.com/kirinyoku/tix-reserve/internal/service/checkout"
	"github.com/kirinyoku/tix-reserve/internal/service/loyalty"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxGrantDays = 100 * 365

type RouterConfig struct {
	JWTSecret     string
	CronSecret    string
	PaymentSecret string
}

func NewRouter(
	svcs *service.Services,
	idem *redisrepo.IdempotencyStore,
	cfg RouterConfig,
	logger *slog.Logger,
	middlewares ...gin.HandlerFunc,
) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery(), RequestIDMiddleware(), LoggingMiddleware(logger), MetricsMiddleware(), CORS())
	for _, m := range middlewares {
		if m != nil {
			r.Use(m)
		}
	}

	// health
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Public API
	r.GET("/events/:id", handleGetEvent(svcs))
	r.GET("/events/:id/availability", handleGetAvailability(svcs))

	// Machine-to-machine
	r.GET("/cron/expire", SharedSecret(cfg.CronSecret), handleSweep(svcs))
	r.POST("/transactions/:id/confirm-payment", SharedSecret(cfg.PaymentSecret), handleConfirmPayment(svcs))

	// User API
	user := r.Group("/", Auth(cfg.JWTSecret))
	{
		user.POST("/transactions", handleCreateTransaction(svcs, idem, logger))
		user.POST("/transactions/quote", handleQuote(svcs))
		user.GET("/transactions/:id", handleGetTransaction(svcs))
		user.POST("/transactions/:id/cancel", handleCancelTransaction(svcs))
		user.GET("/users/me/points", handleMyPoints(svcs))
		user.GET("/events/:id/attendance", handleAttendance(svcs))
	}

	// Admin API
	adm := r.Group("/", Auth(cfg.JWTSecret), RequireRole(RoleAdmin))
	{
		adm.POST("/users/:id/points", handleGrantPoints(svcs))
		adm.POST("/events/:id/rating/recompute", handleRecomputeRating(svcs))
		adm.POST("/admin/events", handleCreateEvent(svcs))
		adm.POST("/admin/coupons", handleCreateCoupon(svcs))
		adm.POST("/admin/promotions", handleCreatePromotion(svcs))
		adm.POST("/admin/tickets/:id/check-in", handleCheckIn(svcs))
	}

	return r
}

func handleGetEvent(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		eventID, ok := parseInt64Param(c, "id")
		if !ok {
			return
		}
		e, err := svcs.Query.GetEvent(c.Request.Context(), eventID)
		if err != nil {
			respondErr(c, err)
			return
		}
		writeCachedJSON(c, e, eventPolicy)
	}
}

func handleGetAvailability(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		eventID, ok := parseInt64Param(c, "id")
		if !ok {
			return
		}
		av, err := svcs.Query.Availability(c.Request.Context(), eventID)
		if err != nil {
			respondErr(c, err)
			return
		}
		writeCachedJSON(c, av, availabilityPolicy)
	}
}

// handleCreateTransaction replays the stored response when the client repeats
// an Idempotency-Key, so a retried purchase never holds seats twice. A key
// reused for a different purchase is rejected. When Redis is unavailable the
// purchase proceeds without idempotency.
func handleCreateTransaction(
	svcs *service.Services,
	idem *redisrepo.IdempotencyStore,
	logger *slog.Logger,
) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetInt64(ctxUserID)

		var req CreateTransactionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}

		idemKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
		fingerprint := req.fingerprint()
		var idemStorageKey string
		if idem != nil && idemKey != "" {
			idemStorageKey = redisrepo.KeyIdemPurchase(userID, idemKey)

			if res, ok, _ := idem.GetResult(c.Request.Context(), idemStorageKey); ok {
				replay(c, idemKey, fingerprint, res)
				return
			}

			locked, err := idem.AcquireLock(c.Request.Context(), idemStorageKey, 60*time.Second)
			switch {
			case err != nil:
				logger.Warn("idempotency store unavailable, continuing without key",
					"user_id", userID,
					"error", err,
				)
				idemStorageKey = ""
			case !locked:
				if res, ok, _ := idem.GetResult(c.Request.Context(), idemStorageKey); ok {
					replay(c, idemKey, fingerprint, res)
					return
				}
				c.Header("Retry-After", "1")
				c.JSON(http.StatusConflict, ErrorResponse{Error: "idempotency key in progress"})
				return
			}
		}

		tx, err := svcs.Checkout.CreatePending(c.Request.Context(), checkout.CreatePendingInput{
			UserID:        userID,
			EventID:       req.EventID,
			Tier:          req.Tier,
			Quantity:      req.Quantity,
			CouponCode:    req.CouponCode,
			PromotionCode: req.PromotionCode,
			PointsToUse:   req.PointsToUse,
			RateLimitKey:  "user:" + strconv.FormatInt(userID, 10),
		})
		if err != nil {
			if idemStorageKey != "" {
				_ = idem.Release(c.Request.Context(), idemStorageKey)
			}
			respondErr(c, err)
			return
		}

		if idemStorageKey != "" {
			b, _ := json.Marshal(tx)
			if err := idem.SaveResult(c.Request.Context(), idemStorageKey, fingerprint, b); err != nil {
				logger.Warn("failed to save idempotent result", "user_id", userID, "error", err)
			}
			c.Header("Idempotency-Key", idemKey)
		}

		c.JSON(http.StatusCreated, tx)
	}
}

func handleQuote(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req QuoteRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}

		b, err := svcs.Checkout.Quote(c.Request.Context(), checkout.QuoteInput{
			UserID:        c.GetInt64(ctxUserID),
			EventID:       req.EventID,
			Tier:          req.Tier,
			Quantity:      req.Quantity,
			CouponCode:    req.CouponCode,
			PromotionCode: req.PromotionCode,
			Points:        req.PointsToUse,
		})
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, b)
	}
}

func handleGetTransaction(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}

		// admins may look at any purchase.
		owner := c.GetInt64(ctxUserID)
		if c.GetString(ctxRole) == RoleAdmin {
			owner = 0
		}

		t, err := svcs.Checkout.Get(c.Request.Context(), id, owner)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, t)
	}
}

func handleCancelTransaction(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}
		t, err := svcs.Checkout.Cancel(c.Request.Context(), id, c.GetInt64(ctxUserID))
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, t)
	}
}

func handleConfirmPayment(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}
		t, err := svcs.Checkout.MarkPaid(c.Request.Context(), id)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, t)
	}
}

func handleSweep(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := svcs.Sweeper.Sweep(c.Request.Context())
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func handleMyPoints(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetInt64(ctxUserID)
		balance, err := svcs.Loyalty.Balance(c.Request.Context(), userID)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, BalanceResponse{UserID: userID, Balance: balance})
	}
}

func handleGrantPoints(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := parseInt64Param(c, "id")
		if !ok {
			return
		}
		var req GrantPointsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		if req.ExpiresInDays > maxGrantDays {
			badRequest(c, "invalid expires_in_days")
			return
		}

		res, err := svcs.Loyalty.Grant(c.Request.Context(), loyalty.GrantInput{
			UserID:      userID,
			Amount:      req.Amount,
			Description: req.Description,
			ExpiresIn:   time.Duration(req.ExpiresInDays) * 24 * time.Hour,
		})
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusCreated, res)
	}
}

func handleAttendance(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		eventID, ok := parseInt64Param(c, "id")
		if !ok {
			return
		}
		userID := c.GetInt64(ctxUserID)
		attended, err := svcs.Reviews.Attended(c.Request.Context(), userID, eventID)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, AttendanceResponse{EventID: eventID, UserID: userID, Attended: attended})
	}
}

func handleRecomputeRating(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		eventID, ok := parseInt64Param(c, "id")
		if !ok {
			return
		}
		avg, err := svcs.Reviews.RecomputeAverageRating(c.Request.Context(), eventID)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, RatingResponse{EventID: eventID, AverageRating: avg})
	}
}

func handleCreateEvent(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateEventRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		starts, err := parseRFC3339(req.StartsAt)
		if err != nil {
			badRequest(c, "invalid starts_at (RFC3339)")
			return
		}

		tiers := make([]admin.NewTier, 0, len(req.Tiers))
		for _, t := range req.Tiers {
			tiers = append(tiers, admin.NewTier{Name: t.Name, Price: t.Price, Capacity: t.Capacity})
		}

		id, err := svcs.Admin.CreateEvent(c.Request.Context(), admin.NewEvent{
			Title:    req.Title,
			StartsAt: starts,
			Tiers:    tiers,
		})
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusCreated, CreateEventResponse{EventID: id})
	}
}

func handleCreateCoupon(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateCouponRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		expires, err := parseRFC3339(req.ExpiresAt)
		if err != nil {
			badRequest(c, "invalid expires_at (RFC3339)")
			return
		}

		coupon := domain.Coupon{
			Code:      req.Code,
			Discount:  req.discount(),
			Active:    req.Active == nil || *req.Active,
			ExpiresAt: expires,
		}
		if err := svcs.Admin.CreateCoupon(c.Request.Context(), coupon); err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusCreated, coupon)
	}
}

func handleCreatePromotion(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreatePromotionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		starts, err := parseRFC3339(req.StartsAt)
		if err != nil {
			badRequest(c, "invalid starts_at (RFC3339)")
			return
		}
		expires, err := parseRFC3339(req.ExpiresAt)
		if err != nil {
			badRequest(c, "invalid expires_at (RFC3339)")
			return
		}

		promo := domain.Promotion{
			Code:      req.Code,
			EventID:   req.EventID,
			Discount:  req.discount(),
			StartsAt:  starts,
			ExpiresAt: expires,
		}
		if err := svcs.Admin.CreatePromotion(c.Request.Context(), promo); err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusCreated, promo)
	}
}

func handleCheckIn(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}
		t, err := svcs.Admin.CheckInTicket(c.Request.Context(), id)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, t)
	}
}

// --- Helpers ---

func (d DiscountInput) discount() domain.Discount {
	return domain.Discount{Kind: domain.DiscountKind(d.Type), Value: d.Value}
}

func replay(c *gin.Context, idemKey, fingerprint string, res redisrepo.StoredResult) {
	c.Header("Idempotency-Key", idemKey)
	if res.Fingerprint != fingerprint {
		c.JSON(http.StatusConflict, ErrorResponse{Error: "idempotency key reused with a different request"})
		return
	}
	c.Data(http.StatusCreated, "application/json; charset=utf-8", res.Payload)
}

func parseInt64Param(c *gin.Context, name string) (int64, bool) {
	s := c.Param(name)
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v <= 0 {
		badRequest(c, "invalid "+name)
		return 0, false
	}
	return v, true
}

func parseUUIDParam(c *gin.Context, name string) (uuid.UUID, bool) {
	v, err := uuid.Parse(c.Param(name))
	if err != nil {
		badRequest(c, "invalid "+name)
		return uuid.Nil, false
	}
	return v, true
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: msg})
}

func respondErr(c *gin.Context, err error) {
	if err == nil {
		c.Status(http.StatusNoContent)
		return
	}

	var (
		validation domain.ValidationError
		seats      domain.InsufficientSeatsError
		points     domain.InsufficientPointsError
		transition domain.StateTransitionError
		limited    checkout.RateLimitedError
	)

	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: validation.Error()})
	case errors.As(err, &limited):
		c.Header("Retry-After", strconv.Itoa(max(1, int(math.Ceil(limited.RetryAfter.Seconds())))))
		c.JSON(http.StatusTooManyRequests, ErrorResponse{Error: limited.Error()})

	// conflicts
	case errors.As(err, &seats):
		c.JSON(http.StatusConflict, ErrorResponse{Error: seats.Error()})
	case errors.As(err, &transition):
		c.JSON(http.StatusConflict, ErrorResponse{Error: transition.Error()})
	case errors.Is(err, admin.ErrTierConflict):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "duplicate tier name"})
	case errors.Is(err, admin.ErrCouponConflict):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "coupon conflict"})
	case errors.Is(err, admin.ErrPromotionConflict):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "promotion conflict"})
	case errors.Is(err, admin.ErrTicketAlreadyUsed):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "ticket already used"})

	// unprocessable
	case errors.As(err, &points):
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{Error: points.Error()})
	case errors.Is(err, domain.ErrInvalidCoupon):
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{Error: "invalid coupon"})
	case errors.Is(err, domain.ErrExpiredCoupon):
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{Error: "coupon expired"})
	case errors.Is(err, domain.ErrInvalidPromotion):
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{Error: "invalid promotion"})

	// not found
	case errors.Is(err, domain.ErrEventNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "event not found"})
	case errors.Is(err, domain.ErrTransactionNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "transaction not found"})
	case errors.Is(err, admin.ErrTicketNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "ticket not found"})

	case errors.Is(err, domain.ErrConcurrencyConflict):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "please retry"})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
	}
}

package httpgin

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type CreateTransactionRequest struct {
	EventID       int64  `json:"event_id" binding:"required,gt=0"`
	Tier          string `json:"tier" binding:"required"`
	Quantity      int    `json:"quantity" binding:"required,gt=0"`
	CouponCode    string `json:"coupon_code"`
	PromotionCode string `json:"promotion_code"`
	PointsToUse   int64  `json:"points_to_use" binding:"gte=0"`
}

// fingerprint identifies the purchase a request asks for, independent of
// JSON key order or whitespace in the original body.
func (r CreateTransactionRequest) fingerprint() string {
	b, _ := json.Marshal(r)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// QuoteRequest accepts points_to_use in any JSON shape; it is clamped to the
// caller's balance rather than rejected.
type QuoteRequest struct {
	EventID       int64  `json:"event_id" binding:"required,gt=0"`
	Tier          string `json:"tier" binding:"required"`
	Quantity      int    `json:"quantity" binding:"required,gt=0"`
	CouponCode    string `json:"coupon_code"`
	PromotionCode string `json:"promotion_code"`
	PointsToUse   any    `json:"points_to_use"`
}

type GrantPointsRequest struct {
	Amount        int64  `json:"amount" binding:"required"`
	Description   string `json:"description" binding:"required"`
	ExpiresInDays int    `json:"expires_in_days" binding:"gte=0"`
}

type CreateEventRequest struct {
	Title    string      `json:"title" binding:"required"`
	StartsAt string      `json:"starts_at" binding:"required"`
	Tiers    []TierInput `json:"tiers" binding:"required,min=1,dive"`
}

type TierInput struct {
	Name     string `json:"name" binding:"required"`
	Price    int64  `json:"price" binding:"gte=0"`
	Capacity int    `json:"capacity" binding:"required,gt=0"`
}

type DiscountInput struct {
	Type  string          `json:"discount_type" binding:"required,oneof=PERCENTAGE FIXED"`
	Value decimal.Decimal `json:"discount_value"`
}

type CreateCouponRequest struct {
	Code string `json:"code" binding:"required"`
	DiscountInput
	Active    *bool  `json:"active"`
	ExpiresAt string `json:"expires_at" binding:"required"`
}

type CreatePromotionRequest struct {
	Code    string `json:"code" binding:"required"`
	EventID *int64 `json:"event_id"`
	DiscountInput
	StartsAt  string `json:"starts_at" binding:"required"`
	ExpiresAt string `json:"expires_at" binding:"required"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type CreateEventResponse struct {
	EventID int64 `json:"event_id"`
}

type BalanceResponse struct {
	UserID  int64 `json:"user_id"`
	Balance int64 `json:"balance"`
}

type AttendanceResponse struct {
	EventID  int64 `json:"event_id"`
	UserID   int64 `json:"user_id"`
	Attended bool  `json:"attended"`
}

type RatingResponse struct {
	EventID       int64   `json:"event_id"`
	AverageRating float64 `json:"average_rating"`
}

func parseRFC3339(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

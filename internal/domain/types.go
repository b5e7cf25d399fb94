package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TxStatus string

const (
	StatusPending   TxStatus = "PENDING"
	StatusPaid      TxStatus = "PAID"
	StatusExpired   TxStatus = "EXPIRED"
	StatusCancelled TxStatus = "CANCELLED"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s TxStatus) IsTerminal() bool {
	return s == StatusPaid || s == StatusExpired || s == StatusCancelled
}

type ReservationState string

const (
	ReservationHeld      ReservationState = "held"
	ReservationCommitted ReservationState = "committed"
	ReservationReleased  ReservationState = "released"
)

type DiscountKind string

const (
	DiscountPercentage DiscountKind = "PERCENTAGE"
	DiscountFixed      DiscountKind = "FIXED"
)

func (k DiscountKind) Valid() bool {
	return k == DiscountPercentage || k == DiscountFixed
}

type PointStatus string

const (
	PointsProvisional PointStatus = "PROVISIONAL"
	PointsFinal       PointStatus = "FINAL"
	PointsReversed    PointStatus = "REVERSED"
)

type Event struct {
	ID            int64     `json:"id"`
	Title         string    `json:"title"`
	StartsAt      time.Time `json:"starts_at"`
	AverageRating float64   `json:"average_rating"`
	CreatedAt     time.Time `json:"created_at"`
}

// Tier is a named ticket category of an event. Held+Sold never exceeds Capacity.
type Tier struct {
	EventID  int64  `json:"event_id"`
	Name     string `json:"name"`
	Price    int64  `json:"price"`
	Capacity int    `json:"capacity"`
	Held     int    `json:"held"`
	Sold     int    `json:"sold"`
}

func (t Tier) Remaining() int {
	return t.Capacity - t.Held - t.Sold
}

type TierAvailability struct {
	Tier      string `json:"tier"`
	Price     int64  `json:"price"`
	Capacity  int    `json:"capacity"`
	Held      int    `json:"held"`
	Sold      int    `json:"sold"`
	Available int    `json:"available"`
}

type EventAvailability struct {
	EventID int64              `json:"event_id"`
	Tiers   []TierAvailability `json:"tiers"`
	Total   int                `json:"total"`
	Sold    int                `json:"sold"`
}

// SeatReservation is the handle returned by the inventory ledger.
type SeatReservation struct {
	ID        uuid.UUID        `json:"id"`
	EventID   int64            `json:"event_id"`
	Tier      string           `json:"tier"`
	Quantity  int              `json:"quantity"`
	State     ReservationState `json:"state"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

type Discount struct {
	Kind  DiscountKind    `json:"kind"`
	Value decimal.Decimal `json:"value"`
}

type Coupon struct {
	Code      string    `json:"code"`
	Discount  Discount  `json:"discount"`
	Active    bool      `json:"active"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Promotion applies to a single event when EventID is set, otherwise to all events.
type Promotion struct {
	Code      string    `json:"code"`
	EventID   *int64    `json:"event_id,omitempty"`
	Discount  Discount  `json:"discount"`
	StartsAt  time.Time `json:"starts_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type PriceBreakdown struct {
	UnitPrice                int64           `json:"unit_price"`
	Quantity                 int             `json:"quantity"`
	BasePrice                int64           `json:"base_price"`
	CouponDiscount           int64           `json:"coupon_discount"`
	PromotionDiscount        int64           `json:"promotion_discount"`
	PriceAfterCouponAndPromo int64           `json:"price_after_coupon_and_promo"`
	PointsDiscount           int64           `json:"points_discount"`
	SubtotalBeforeTax        int64           `json:"subtotal_before_tax"`
	TaxRate                  decimal.Decimal `json:"tax_rate"`
	TaxAmount                int64           `json:"tax_amount"`
	FinalPrice               int64           `json:"final_price"`
}

type Transaction struct {
	ID              uuid.UUID      `json:"id"`
	UserID          int64          `json:"user_id"`
	EventID         int64          `json:"event_id"`
	Tier            string         `json:"tier"`
	Quantity        int            `json:"quantity"`
	Status          TxStatus       `json:"status"`
	PaymentDeadline time.Time      `json:"payment_deadline"`
	CouponCode      *string        `json:"coupon_code,omitempty"`
	PromotionCode   *string        `json:"promotion_code,omitempty"`
	PointsUsed      int64          `json:"points_used"`
	Price           PriceBreakdown `json:"price"`
	ReservationID   uuid.UUID      `json:"reservation_id"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

type Ticket struct {
	ID            uuid.UUID  `json:"id"`
	TransactionID uuid.UUID  `json:"transaction_id"`
	EventID       int64      `json:"event_id"`
	Tier          string     `json:"tier"`
	Used          bool       `json:"used"`
	UsedAt        *time.Time `json:"used_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

type TransactionWithTickets struct {
	Transaction Transaction `json:"transaction"`
	Tickets     []Ticket    `json:"tickets"`
}

// PointTransaction is a signed entry in a user's loyalty ledger. Grants carry
// a positive Amount and a Remaining balance consumed by debits.
type PointTransaction struct {
	ID            int64       `json:"id"`
	UserID        int64       `json:"user_id"`
	Amount        int64       `json:"amount"`
	Remaining     int64       `json:"remaining"`
	Description   string      `json:"description"`
	ExpiresAt     *time.Time  `json:"expires_at,omitempty"`
	IsExpired     bool        `json:"is_expired"`
	TransactionID *uuid.UUID  `json:"transaction_id,omitempty"`
	Status        PointStatus `json:"status"`
	CreatedAt     time.Time   `json:"created_at"`
}

// PointAllocation records how much of a grant a debit consumed.
type PointAllocation struct {
	DebitID int64
	GrantID int64
	Amount  int64
}

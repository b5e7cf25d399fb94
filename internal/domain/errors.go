package domain

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrValidation             = errors.New("validation failed")
	ErrInsufficientSeats      = errors.New("insufficient seats")
	ErrInsufficientPoints     = errors.New("insufficient points")
	ErrInvalidCoupon          = errors.New("invalid coupon")
	ErrExpiredCoupon          = errors.New("coupon expired")
	ErrInvalidPromotion       = errors.New("invalid promotion")
	ErrTransactionNotFound    = errors.New("transaction not found")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrConcurrencyConflict    = errors.New("concurrency conflict")
	ErrEventNotFound          = errors.New("event not found")
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e ValidationError) Unwrap() error { return ErrValidation }

type InsufficientSeatsError struct {
	EventID   int64
	Tier      string
	Requested int
}

func (e InsufficientSeatsError) Error() string {
	return fmt.Sprintf("not enough seats left in tier %q of event %d for %d ticket(s)", e.Tier, e.EventID, e.Requested)
}

func (e InsufficientSeatsError) Unwrap() error { return ErrInsufficientSeats }

type InsufficientPointsError struct {
	UserID    int64
	Requested int64
	Available int64
}

func (e InsufficientPointsError) Error() string {
	return fmt.Sprintf("requested %d points, only %d available", e.Requested, e.Available)
}

func (e InsufficientPointsError) Unwrap() error { return ErrInsufficientPoints }

type StateTransitionError struct {
	TransactionID uuid.UUID
	From          TxStatus
	To            TxStatus
}

func (e StateTransitionError) Error() string {
	return fmt.Sprintf("transaction %s cannot move from %s to %s", e.TransactionID, e.From, e.To)
}

func (e StateTransitionError) Unwrap() error { return ErrInvalidStateTransition }

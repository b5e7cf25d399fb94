package admin

import (
	"errors"
)

var (
	ErrTierConflict      = errors.New("tier names must be unique within an event")
	ErrCouponConflict    = errors.New("coupon already exists")
	ErrPromotionConflict = errors.New("promotion already exists")
	ErrTicketNotFound    = errors.New("ticket not found")
	ErrTicketAlreadyUsed = errors.New("ticket already used")
)

package order

import "errors"

var (
	ErrNotFound        = errors.New("order not found")
	ErrInvalidAmount   = errors.New("amount must be greater than zero")
	ErrInvalidType     = errors.New("unrecognized order type")
	ErrInvalidMetadata = errors.New("order metadata does not match its type")
	ErrCouponNotFound  = errors.New("coupon not found")
	ErrCouponInactive  = errors.New("coupon is inactive")
	ErrCouponExpired   = errors.New("coupon has expired")
	ErrCouponExhausted = errors.New("coupon has no uses left")
)

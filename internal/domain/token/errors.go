package token

import "errors"

var (
	ErrNotFound          = errors.New("token not found")
	ErrInactive          = errors.New("token is inactive")
	ErrExpired           = errors.New("token has expired")
	ErrPerUseExceeded    = errors.New("credits exceed per-use cap")
	ErrTotalLimitReached = errors.New("token total limit reached")
	ErrDailyLimitReached = errors.New("token daily limit reached")
	ErrCooldownActive    = errors.New("token cooldown still active")
	ErrInvalidCredits    = errors.New("credits must be greater than zero")
)

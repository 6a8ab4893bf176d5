package clienttoken

import "errors"

var (
	ErrNotFound            = errors.New("client token not found")
	ErrInactive            = errors.New("client token is inactive")
	ErrInsufficientCredits = errors.New("client token credits exhausted")
	ErrInvalidCredits      = errors.New("credits must be greater than zero")
	ErrAlreadyDeactivated  = errors.New("client token already deactivated")
)

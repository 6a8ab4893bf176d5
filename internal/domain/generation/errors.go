package generation

import "errors"

var (
	ErrNotFound       = errors.New("generation not found")
	ErrInvalidStatus  = errors.New("unrecognized generation status")
	ErrInvalidCredits = errors.New("credits must be greater than zero")
	ErrNotOwner       = errors.New("generation belongs to another owner")
	ErrNotExpirable   = errors.New("generation is past the point of expiry refunds")
)

package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidAmount      = errors.New("trade amount must be greater than 0")
	ErrInvalidShares      = errors.New("redeemed shares must be greater than 0")
	ErrNoHoldings         = errors.New("no holdings for fund")
	ErrInsufficientShares = errors.New("cannot reduce more than held")
	ErrNAVUnavailable     = errors.New("nav not yet published")
	ErrAlreadySettled     = errors.New("transaction already settled")
	ErrLockHeld           = errors.New("lock already held")
)

// IsValidation reports whether err is a caller mistake that should be
// surfaced as a bad request rather than recorded or retried.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidShares) ||
		errors.Is(err, ErrNoHoldings) ||
		errors.Is(err, ErrInsufficientShares)
}

package ledger

import (
	"errors"
	"fmt"
)

// Structural failures. Routes validate identities before calling the
// store, so observing one of these at runtime is a bug upstream.
var (
	ErrAccountNotFound    = errors.New("billing account not found")
	ErrVirtualKeyNotFound = errors.New("virtual key not found")
)

// InsufficientCreditsError is returned only by the pre-call gate
// (DebitForUsage) when the debit would drive the balance negative.
// Post-call settlement never raises it.
type InsufficientCreditsError struct {
	Previous  int64
	Attempted int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: balance %d, attempted debit %d", e.Previous, e.Attempted)
}

// IsInsufficientCredits reports whether err is an insufficient-credits failure.
func IsInsufficientCredits(err error) bool {
	var target *InsufficientCreditsError
	return errors.As(err, &target)
}

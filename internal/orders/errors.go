package orders

import (
	"strings"

	"github.com/ariefcatur/go-order-fulfillment/internal/ledger"
	"github.com/pkg/errors"
)

var (
	ErrNotFound            = errors.New("order not found")
	ErrConflict            = errors.New("order was modified concurrently")
	ErrDuplicateExternalID = errors.New("order external id already used")
	ErrInvalidInput        = errors.New("invalid order input")
	ErrInvalidState        = errors.New("invalid order state")
	ErrInvalidTransition   = errors.New("invalid fulfillment transition")

	// Both match ErrInvalidState as well.
	ErrAttemptsExhausted     error = &stateError{"slip review attempts exhausted"}
	ErrPaymentDeadlinePassed error = &stateError{"payment deadline passed"}

	ErrVerificationUnavailable = errors.New("slip verification unavailable, try again later")

	// ErrReservationLost matches ErrConflict: a checkout's reservation was
	// released as an orphan before the order owning it was stored.
	ErrReservationLost error = &conflictError{"reservation released before the order was stored"}
)

type stateError struct{ msg string }

func (e *stateError) Error() string { return e.msg }

func (e *stateError) Is(target error) bool { return target == ErrInvalidState }

type conflictError struct{ msg string }

func (e *conflictError) Error() string { return e.msg }

func (e *conflictError) Is(target error) bool { return target == ErrConflict }

// StockShortageError lists the lines of a checkout that could not be
// reserved. It matches ledger.ErrInsufficientStock.
type StockShortageError struct {
	Shortages []ledger.InsufficientStockError
}

func (e *StockShortageError) Error() string {
	parts := make([]string, 0, len(e.Shortages))
	for i := range e.Shortages {
		parts = append(parts, e.Shortages[i].Error())
	}
	return strings.Join(parts, "; ")
}

func (e *StockShortageError) Unwrap() error { return ledger.ErrInsufficientStock }

package ledger

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrUnknownVariant     = errors.New("unknown variant")
	ErrVariantExists      = errors.New("variant already registered")
	ErrUnknownReservation = errors.New("unknown reservation")
	// ErrReservationSettled is returned when committing a released token or
	// releasing a committed one.
	ErrReservationSettled = errors.New("reservation already settled the other way")
	ErrInvalidQuantity    = errors.New("quantity must be positive")
)

// InsufficientStockError carries what the variant could offer at the time
// of the failed Reserve.
type InsufficientStockError struct {
	VariantID string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for variant %s: requested %d, available %d",
		e.VariantID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

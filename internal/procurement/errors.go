package procurement

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrConflict               = errors.New("purchase order was modified concurrently")
	ErrDuplicateExternalID    = errors.New("receiving external id already used")
	ErrInvalidInput           = errors.New("invalid procurement input")
	ErrInvalidState           = errors.New("invalid purchase order state")
	ErrReconciliationConflict = errors.New("receiving could not be reconciled with purchase order")
)

// ConflictError is returned together with the recorded Receiving when stock
// was applied but the purchase-order linkage was rejected.
type ConflictError struct {
	ReceivingID     string
	PurchaseOrderID string
	Reason          string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("receiving %s vs purchase order %s: %s", e.ReceivingID, e.PurchaseOrderID, e.Reason)
}

func (e *ConflictError) Unwrap() error { return ErrReconciliationConflict }

package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// Variant is a purchasable unit (size/color) of a product together with its
// stock counters. For preorder variants Available is ignored and the
// Reserved/Fulfilled counters are kept for reporting only.
type Variant struct {
	ID        string
	ProductID string
	SKU       string
	Preorder  bool
	Price     decimal.Decimal
	Available int
	Reserved  int
	Fulfilled int
	Received  int // running total of Receive increments
	UpdatedAt time.Time
}

// Token addresses one reservation. It is opaque to callers and persisted
// next to the order line that owns it.
type Token string

type ReservationState string

const (
	ReservationHeld      ReservationState = "HELD"
	ReservationCommitted ReservationState = "COMMITTED"
	ReservationReleased  ReservationState = "RELEASED"
)

type Reservation struct {
	Token     Token
	VariantID string
	Qty       int
	State     ReservationState
	CreatedAt time.Time
	SettledAt *time.Time
}

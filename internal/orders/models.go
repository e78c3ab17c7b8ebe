package orders

import (
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/ledger"
	"github.com/ariefcatur/go-order-fulfillment/internal/payment"
	"github.com/shopspring/decimal"
)

const (
	PaymentWindow   = 30 * time.Minute
	MaxSlipAttempts = 3
)

type ItemInput struct {
	VariantID string `json:"variant_id"`
	Qty       int    `json:"qty"`
}

type CreateOrderInput struct {
	ExternalID string // optional idempotency key
	CustomerID string
	Items      []ItemInput
}

// Line is one ordered variant. UnitPrice is the catalog price at checkout;
// Token addresses the ledger reservation backing the line.
type Line struct {
	VariantID string
	Qty       int
	UnitPrice decimal.Decimal
	Token     ledger.Token
}

type Order struct {
	ID                 string
	ExternalID         string
	CustomerID         string
	Lines              []Line
	Payment            PaymentState
	Fulfillment        FulfillmentState
	SlipRef            string
	SlipReviewAttempts int
	LastReasonCode     string
	CancelReason       string
	// LedgerSettled is false between a terminal payment transition and the
	// ledger commit/release it implies.
	LedgerSettled   bool
	CreatedAt       time.Time
	PaymentDeadline time.Time
	UpdatedAt       time.Time
	Version         int
}

func (o *Order) Total() decimal.Decimal {
	sum := decimal.Zero
	for _, l := range o.Lines {
		sum = sum.Add(l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Qty))))
	}
	return sum
}

func (o *Order) AttemptsRemaining() int {
	if n := MaxSlipAttempts - o.SlipReviewAttempts; n > 0 {
		return n
	}
	return 0
}

// Open reports whether payment is still outstanding and the order has not
// been voided.
func (o *Order) Open() bool {
	return (o.Payment == PaymentWaiting || o.Payment == PaymentPendingReview) &&
		o.Fulfillment != FulfillmentCancelled
}

func (o *Order) Overdue(now time.Time) bool { return now.After(o.PaymentDeadline) }

func (o *Order) clone() *Order {
	c := *o
	c.Lines = append([]Line(nil), o.Lines...)
	return &c
}

type OutcomeKind int

const (
	OutcomeAccepted OutcomeKind = iota + 1
	OutcomeRejected
	OutcomeUnavailable
	OutcomeExpired
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeAccepted:
		return "ACCEPTED"
	case OutcomeRejected:
		return "REJECTED"
	case OutcomeUnavailable:
		return "UNAVAILABLE"
	case OutcomeExpired:
		return "EXPIRED"
	}
	return "UNKNOWN"
}

// Outcome is what OnVerificationResult acts on: a checker verdict, or the
// implicit expiry driven by the reaper.
type Outcome struct {
	Kind       OutcomeKind
	ReasonCode string
}

func OutcomeFromResult(r payment.Result) Outcome {
	switch {
	case r.Accepted:
		return Outcome{Kind: OutcomeAccepted}
	case r.Unavailable:
		return Outcome{Kind: OutcomeUnavailable, ReasonCode: r.ReasonCode}
	default:
		return Outcome{Kind: OutcomeRejected, ReasonCode: r.ReasonCode}
	}
}

// SlipReceipt is returned by SubmitSlip. Outcome is nil when verification
// runs asynchronously.
type SlipReceipt struct {
	Order             *Order
	Outcome           *Outcome
	AttemptsRemaining int
}

// Err reports ErrVerificationUnavailable when the checker could not be
// reached, so transports can ask the buyer to retry later.
func (r *SlipReceipt) Err() error {
	if r.Outcome != nil && r.Outcome.Kind == OutcomeUnavailable {
		return ErrVerificationUnavailable
	}
	return nil
}

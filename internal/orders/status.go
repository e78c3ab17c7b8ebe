package orders

import "github.com/pkg/errors"

// PaymentState is the payment axis of an order.
type PaymentState string

const (
	PaymentWaiting       PaymentState = "WAITING"
	PaymentPendingReview PaymentState = "PENDING_REVIEW"
	PaymentConfirmed     PaymentState = "CONFIRMED"
	PaymentRejected      PaymentState = "REJECTED"
	PaymentExpired       PaymentState = "EXPIRED"
)

var paymentNext = map[PaymentState]map[PaymentState]bool{
	PaymentWaiting:       {PaymentPendingReview: true, PaymentExpired: true},
	PaymentPendingReview: {PaymentConfirmed: true, PaymentWaiting: true, PaymentRejected: true, PaymentExpired: true},
	PaymentConfirmed:     {},
	PaymentRejected:      {},
	PaymentExpired:       {},
}

func (s PaymentState) CanTransition(to PaymentState) bool { return paymentNext[s][to] }

// Terminal reports whether no payment transition leaves s.
func (s PaymentState) Terminal() bool {
	next, ok := paymentNext[s]
	return ok && len(next) == 0
}

func ParsePaymentState(s string) (PaymentState, error) {
	if _, ok := paymentNext[PaymentState(s)]; !ok {
		return "", errors.Errorf("unknown payment state %q", s)
	}
	return PaymentState(s), nil
}

// FulfillmentState is the fulfillment axis. The zero value means the order
// has not been confirmed yet.
type FulfillmentState string

const (
	FulfillmentNone      FulfillmentState = ""
	FulfillmentReceived  FulfillmentState = "RECEIVED"
	FulfillmentPreparing FulfillmentState = "PREPARING"
	FulfillmentShipping  FulfillmentState = "SHIPPING"
	FulfillmentCompleted FulfillmentState = "COMPLETED"
	FulfillmentCancelled FulfillmentState = "CANCELLED"
)

var fulfillmentNext = map[FulfillmentState]map[FulfillmentState]bool{
	FulfillmentNone:      {FulfillmentReceived: true, FulfillmentCancelled: true},
	FulfillmentReceived:  {FulfillmentPreparing: true, FulfillmentCancelled: true},
	FulfillmentPreparing: {FulfillmentShipping: true, FulfillmentCancelled: true},
	FulfillmentShipping:  {FulfillmentCompleted: true, FulfillmentCancelled: true},
	FulfillmentCompleted: {},
	FulfillmentCancelled: {},
}

// forward is the staff-driven chain; CANCELLED is reached only through
// cancellation, never by advancing.
var forward = map[FulfillmentState]FulfillmentState{
	FulfillmentReceived:  FulfillmentPreparing,
	FulfillmentPreparing: FulfillmentShipping,
	FulfillmentShipping:  FulfillmentCompleted,
}

func (s FulfillmentState) CanTransition(to FulfillmentState) bool { return fulfillmentNext[s][to] }

// CanAdvance reports whether to is the next step of the forward chain.
func (s FulfillmentState) CanAdvance(to FulfillmentState) bool {
	next, ok := forward[s]
	return ok && next == to
}

func ParseFulfillmentState(s string) (FulfillmentState, error) {
	if _, ok := fulfillmentNext[FulfillmentState(s)]; !ok {
		return "", errors.Errorf("unknown fulfillment state %q", s)
	}
	return FulfillmentState(s), nil
}

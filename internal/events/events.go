// Package events defines the domain events this engine emits and the
// envelope they travel in. Delivery is best effort: a failed publish never
// rolls back or blocks the state change that produced it.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	OrderCreated          = "OrderCreated"
	SlipSubmitted         = "SlipSubmitted"
	OrderConfirmed        = "OrderConfirmed"
	OrderRejected         = "OrderRejected"
	OrderExpired          = "OrderExpired"
	OrderCancelled        = "OrderCancelled"
	FulfillmentAdvanced   = "FulfillmentAdvanced"
	PurchaseOrderReceived = "PurchaseOrderReceived"
	ReceivingRecorded     = "ReceivingRecorded"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // aggregate id
	Payload       json.RawMessage `json:"payload"`
}

func NewEnvelope(eventType, producer, correlationID string, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      producer,
		CorrelationID: correlationID,
		Payload:       b,
	}, nil
}

// ---- payloads ----

type OrderLine struct {
	VariantID string `json:"variant_id"`
	Qty       int    `json:"qty"`
	UnitPrice string `json:"unit_price"`
}

type OrderCreatedPayload struct {
	OrderID         string      `json:"order_id"`
	ExternalID      string      `json:"external_id,omitempty"`
	CustomerID      string      `json:"customer_id"`
	Items           []OrderLine `json:"items"`
	Total           string      `json:"total"`
	PaymentDeadline time.Time   `json:"payment_deadline"`
}

type SlipSubmittedPayload struct {
	OrderID string `json:"order_id"`
	SlipRef string `json:"slip_ref"`
	Attempt int    `json:"attempt"`
}

type OrderConfirmedPayload struct {
	OrderID string `json:"order_id"`
	Total   string `json:"total"`
}

type OrderRejectedPayload struct {
	OrderID  string `json:"order_id"`
	Reason   string `json:"reason"`
	Attempts int    `json:"attempts"`
}

type OrderExpiredPayload struct {
	OrderID         string    `json:"order_id"`
	PaymentDeadline time.Time `json:"payment_deadline"`
}

type OrderCancelledPayload struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
	Actor   string `json:"actor,omitempty"`
}

type FulfillmentAdvancedPayload struct {
	OrderID string `json:"order_id"`
	From    string `json:"from"`
	To      string `json:"to"`
	Actor   string `json:"actor,omitempty"`
}

type ReceivedLine struct {
	VariantID string `json:"variant_id"`
	Qty       int    `json:"qty"`
	UnitCost  string `json:"unit_cost"`
}

type ReceivingRecordedPayload struct {
	ReceivingID     string         `json:"receiving_id"`
	PurchaseOrderID string         `json:"purchase_order_id,omitempty"`
	Items           []ReceivedLine `json:"items"`
	ReceivedBy      string         `json:"received_by"`
	Conflict        string         `json:"conflict,omitempty"`
}

type PurchaseOrderReceivedPayload struct {
	PurchaseOrderID string `json:"purchase_order_id"`
	ReceivingID     string `json:"receiving_id"`
	Status          string `json:"status"`
}

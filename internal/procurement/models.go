package procurement

import (
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusOrdered   Status = "ORDERED"
	StatusPartial   Status = "PARTIAL"
	StatusReceived  Status = "RECEIVED"
	StatusCancelled Status = "CANCELLED"
)

func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusDraft, StatusOrdered, StatusPartial, StatusReceived, StatusCancelled:
		return st, nil
	}
	return "", ErrInvalidState
}

type Line struct {
	VariantID   string
	QtyOrdered  int
	QtyReceived int // may exceed QtyOrdered; over-receipts are kept as recorded
	UnitCost    decimal.Decimal
}

type PurchaseOrder struct {
	ID         string
	SupplierID string
	CreatedBy  string
	Lines      []Line
	Status     Status
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Version    int
}

// derivedStatus applies the receipt rule: RECEIVED once every line is
// complete, PARTIAL once anything arrived, ORDERED otherwise.
func (po *PurchaseOrder) derivedStatus() Status {
	complete, arrived := true, false
	for _, l := range po.Lines {
		if l.QtyReceived < l.QtyOrdered {
			complete = false
		}
		if l.QtyReceived > 0 {
			arrived = true
		}
	}
	switch {
	case complete:
		return StatusReceived
	case arrived:
		return StatusPartial
	}
	return StatusOrdered
}

func (po *PurchaseOrder) clone() *PurchaseOrder {
	c := *po
	c.Lines = append([]Line(nil), po.Lines...)
	return &c
}

type ReceivingLine struct {
	VariantID string
	Qty       int
	UnitCost  decimal.Decimal
}

// Receiving is immutable once recorded. Conflict is set when the linked
// purchase order could not absorb it and it needs manual reconciliation.
type Receiving struct {
	ID              string
	ExternalID      string
	PurchaseOrderID string
	Lines           []ReceivingLine
	ReceivedBy      string
	ReceivedAt      time.Time
	Conflict        string
}

func (r *Receiving) clone() *Receiving {
	c := *r
	c.Lines = append([]ReceivingLine(nil), r.Lines...)
	return &c
}

type LineInput struct {
	VariantID string          `json:"variant_id"`
	Qty       int             `json:"qty"`
	UnitCost  decimal.Decimal `json:"unit_cost"`
}

type CreatePurchaseOrderInput struct {
	SupplierID string
	CreatedBy  string
	Lines      []LineInput
	Submit     bool // create as ORDERED instead of DRAFT
}

type RecordReceivingInput struct {
	ExternalID      string // optional, dedupes scanner retries
	PurchaseOrderID string // optional
	ReceivedBy      string
	Items           []LineInput
}

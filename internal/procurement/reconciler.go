// Package procurement records inbound stock against purchase orders.
package procurement

import (
	"context"
	"strings"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/events"
	"github.com/ariefcatur/go-order-fulfillment/internal/ledger"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const maxApplyAttempts = 5

// Reconciler owns purchase orders and receivings. Physical stock is always
// applied by a receiving; linking it to a purchase order is the part that
// may be refused.
type Reconciler struct {
	Store  Store
	Ledger ledger.Ledger
	Events events.Publisher
	Log    *zap.Logger
	Now    func() time.Time
}

var tracer = otel.Tracer("procurement")

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func (r *Reconciler) log() *zap.Logger {
	if r.Log == nil {
		return zap.NewNop()
	}
	return r.Log
}

func (r *Reconciler) publish(ctx context.Context, eventType, id string, payload any) {
	if r.Events != nil {
		r.Events.Publish(ctx, eventType, id, payload)
	}
}

func (r *Reconciler) checkLines(ctx context.Context, lines []LineInput) error {
	if len(lines) == 0 {
		return errors.Wrap(ErrInvalidInput, "at least one line is required")
	}
	for _, l := range lines {
		if strings.TrimSpace(l.VariantID) == "" {
			return errors.Wrap(ErrInvalidInput, "variant_id is required")
		}
		if l.Qty <= 0 {
			return errors.Wrapf(ErrInvalidInput, "qty for %s must be positive", l.VariantID)
		}
		if l.UnitCost.IsNegative() {
			return errors.Wrapf(ErrInvalidInput, "unit_cost for %s must not be negative", l.VariantID)
		}
		if _, err := r.Ledger.Variant(ctx, l.VariantID); errors.Is(err, ledger.ErrUnknownVariant) {
			return errors.Wrapf(ErrInvalidInput, "unknown variant %s", l.VariantID)
		} else if err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) CreatePurchaseOrder(ctx context.Context, in CreatePurchaseOrderInput) (*PurchaseOrder, error) {
	ctx, span := tracer.Start(ctx, "procurement.CreatePurchaseOrder")
	defer span.End()

	if strings.TrimSpace(in.SupplierID) == "" {
		return nil, errors.Wrap(ErrInvalidInput, "supplier_id is required")
	}
	if err := r.checkLines(ctx, in.Lines); err != nil {
		return nil, err
	}
	now := r.now()
	po := &PurchaseOrder{
		ID:         uuid.NewString(),
		SupplierID: in.SupplierID,
		CreatedBy:  in.CreatedBy,
		Status:     StatusDraft,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if in.Submit {
		po.Status = StatusOrdered
	}
	for _, l := range in.Lines {
		po.Lines = append(po.Lines, Line{VariantID: l.VariantID, QtyOrdered: l.Qty, UnitCost: l.UnitCost})
	}
	if err := r.Store.CreatePurchaseOrder(ctx, po); err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.String("purchase_order.id", po.ID))
	r.log().Info("purchase order created",
		zap.String("purchase_order_id", po.ID), zap.String("status", string(po.Status)))
	return po, nil
}

func (r *Reconciler) GetPurchaseOrder(ctx context.Context, id string) (*PurchaseOrder, error) {
	return r.Store.GetPurchaseOrder(ctx, id)
}

// SubmitPurchaseOrder moves a DRAFT purchase order to ORDERED.
func (r *Reconciler) SubmitPurchaseOrder(ctx context.Context, id string) (*PurchaseOrder, error) {
	return r.transition(ctx, id, func(po *PurchaseOrder) error {
		if po.Status != StatusDraft {
			return errors.Wrapf(ErrInvalidState, "cannot submit %s purchase order", po.Status)
		}
		po.Status = StatusOrdered
		return nil
	})
}

// CancelPurchaseOrder voids a purchase order that has not been fully
// received. Stock already received stays where it is.
func (r *Reconciler) CancelPurchaseOrder(ctx context.Context, id, actor string) (*PurchaseOrder, error) {
	po, err := r.transition(ctx, id, func(po *PurchaseOrder) error {
		if po.Status == StatusReceived || po.Status == StatusCancelled {
			return errors.Wrapf(ErrInvalidState, "cannot cancel %s purchase order", po.Status)
		}
		po.Status = StatusCancelled
		return nil
	})
	if err == nil {
		r.log().Info("purchase order cancelled", zap.String("purchase_order_id", id), zap.String("actor", actor))
	}
	return po, err
}

func (r *Reconciler) transition(ctx context.Context, id string, apply func(*PurchaseOrder) error) (*PurchaseOrder, error) {
	for i := 0; i < maxApplyAttempts; i++ {
		po, err := r.Store.GetPurchaseOrder(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := apply(po); err != nil {
			return nil, err
		}
		po.UpdatedAt = r.now()
		err = r.Store.UpdatePurchaseOrder(ctx, po)
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return po, nil
	}
	return nil, ErrConflict
}

// RecordReceiving applies a physical receipt to stock and, when it names a
// purchase order, to that order's received quantities.
//
// If the purchase order is missing, cancelled, or lacks a line for one of
// the received variants, the stock is still applied and the receiving is
// stored with a conflict; the returned error is then a *ConflictError
// alongside the non-nil receiving. Quantities beyond what was ordered are
// accepted and kept as recorded.
func (r *Reconciler) RecordReceiving(ctx context.Context, in RecordReceivingInput) (*Receiving, error) {
	ctx, span := tracer.Start(ctx, "procurement.RecordReceiving")
	defer span.End()

	if strings.TrimSpace(in.ReceivedBy) == "" {
		return nil, errors.Wrap(ErrInvalidInput, "received_by is required")
	}
	if err := r.checkLines(ctx, in.Items); err != nil {
		return nil, err
	}
	if in.ExternalID != "" {
		if prev, err := r.Store.GetReceivingByExternalID(ctx, in.ExternalID); err == nil {
			return prev, prev.conflictErr()
		} else if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	for i := 0; i < maxApplyAttempts; i++ {
		rcv := &Receiving{
			ID:              uuid.NewString(),
			ExternalID:      in.ExternalID,
			PurchaseOrderID: in.PurchaseOrderID,
			ReceivedBy:      in.ReceivedBy,
			ReceivedAt:      r.now(),
		}
		for _, it := range in.Items {
			rcv.Lines = append(rcv.Lines, ReceivingLine{VariantID: it.VariantID, Qty: it.Qty, UnitCost: it.UnitCost})
		}

		var (
			po         *PurchaseOrder
			prevStatus Status
		)
		if in.PurchaseOrderID != "" {
			cur, err := r.Store.GetPurchaseOrder(ctx, in.PurchaseOrderID)
			switch {
			case errors.Is(err, ErrNotFound):
				rcv.Conflict = "purchase order not found"
			case err != nil:
				return nil, err
			case cur.Status == StatusCancelled:
				rcv.Conflict = "purchase order cancelled"
			default:
				prevStatus = cur.Status
				if reason := absorb(cur, rcv.Lines); reason != "" {
					rcv.Conflict = reason
				} else {
					cur.Status = cur.derivedStatus()
					cur.UpdatedAt = rcv.ReceivedAt
					po = cur
				}
			}
		}

		err := r.Store.ApplyReceiving(ctx, rcv, po)
		if errors.Is(err, ErrConflict) {
			continue
		}
		if errors.Is(err, ErrDuplicateExternalID) {
			prev, gerr := r.Store.GetReceivingByExternalID(ctx, in.ExternalID)
			if gerr != nil {
				return nil, gerr
			}
			return prev, prev.conflictErr()
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "apply receiving")
			return nil, err
		}

		span.SetAttributes(attribute.String("receiving.id", rcv.ID))
		r.recorded(ctx, rcv)
		if po != nil && po.Status == StatusReceived && prevStatus != StatusReceived {
			r.publish(ctx, events.PurchaseOrderReceived, po.ID, events.PurchaseOrderReceivedPayload{
				PurchaseOrderID: po.ID,
				ReceivingID:     rcv.ID,
				Status:          string(po.Status),
			})
		}
		if rcv.Conflict != "" {
			r.log().Warn("receiving needs reconciliation",
				zap.String("receiving_id", rcv.ID),
				zap.String("purchase_order_id", rcv.PurchaseOrderID),
				zap.String("conflict", rcv.Conflict))
		}
		return rcv, rcv.conflictErr()
	}
	return nil, ErrConflict
}

func (r *Reconciler) recorded(ctx context.Context, rcv *Receiving) {
	items := make([]events.ReceivedLine, 0, len(rcv.Lines))
	for _, l := range rcv.Lines {
		items = append(items, events.ReceivedLine{VariantID: l.VariantID, Qty: l.Qty, UnitCost: l.UnitCost.String()})
	}
	r.publish(ctx, events.ReceivingRecorded, rcv.ID, events.ReceivingRecordedPayload{
		ReceivingID:     rcv.ID,
		PurchaseOrderID: rcv.PurchaseOrderID,
		Items:           items,
		ReceivedBy:      rcv.ReceivedBy,
		Conflict:        rcv.Conflict,
	})
}

// absorb adds received quantities to po's lines, filling open lines for a
// variant before over-receiving the first one. It returns a conflict reason
// and leaves po untouched if any variant has no line.
func absorb(po *PurchaseOrder, items []ReceivingLine) string {
	lines := append([]Line(nil), po.Lines...)
	for _, it := range items {
		idx := -1
		for i, l := range lines {
			if l.VariantID != it.VariantID {
				continue
			}
			if idx < 0 {
				idx = i
			}
			if l.QtyReceived < l.QtyOrdered {
				idx = i
				break
			}
		}
		if idx < 0 {
			return "variant " + it.VariantID + " is not on the purchase order"
		}
		lines[idx].QtyReceived += it.Qty
	}
	po.Lines = lines
	return ""
}

func (r *Receiving) conflictErr() error {
	if r.Conflict == "" {
		return nil
	}
	return &ConflictError{ReceivingID: r.ID, PurchaseOrderID: r.PurchaseOrderID, Reason: r.Conflict}
}

func (r *Reconciler) GetReceiving(ctx context.Context, id string) (*Receiving, error) {
	return r.Store.GetReceiving(ctx, id)
}

// ListReceivings returns the receivings linked to a purchase order, oldest
// first. Conflicted receivings that named it are included.
func (r *Reconciler) ListReceivings(ctx context.Context, purchaseOrderID string) ([]*Receiving, error) {
	if _, err := r.Store.GetPurchaseOrder(ctx, purchaseOrderID); err != nil {
		return nil, err
	}
	return r.Store.ListReceivings(ctx, purchaseOrderID)
}

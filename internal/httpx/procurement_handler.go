package httpx

import (
	"context"
	"net/http"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/procurement"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type ProcurementHandler struct {
	Reconciler *procurement.Reconciler
	Log        *zap.Logger
}

type poLineView struct {
	VariantID   string          `json:"variant_id"`
	QtyOrdered  int             `json:"qty_ordered"`
	QtyReceived int             `json:"qty_received"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
}

type purchaseOrderView struct {
	ID         string       `json:"purchase_order_id"`
	SupplierID string       `json:"supplier_id"`
	CreatedBy  string       `json:"created_by,omitempty"`
	Status     string       `json:"status"`
	Lines      []poLineView `json:"lines"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

type receivingLineView struct {
	VariantID string          `json:"variant_id"`
	Qty       int             `json:"qty"`
	UnitCost  decimal.Decimal `json:"unit_cost"`
}

type receivingView struct {
	ID              string              `json:"receiving_id"`
	ExternalID      string              `json:"external_id,omitempty"`
	PurchaseOrderID string              `json:"purchase_order_id,omitempty"`
	Lines           []receivingLineView `json:"items"`
	ReceivedBy      string              `json:"received_by"`
	ReceivedAt      time.Time           `json:"received_at"`
	Conflict        string              `json:"conflict,omitempty"`
}

func viewPurchaseOrder(po *procurement.PurchaseOrder) purchaseOrderView {
	v := purchaseOrderView{
		ID:         po.ID,
		SupplierID: po.SupplierID,
		CreatedBy:  po.CreatedBy,
		Status:     string(po.Status),
		CreatedAt:  po.CreatedAt,
		UpdatedAt:  po.UpdatedAt,
	}
	for _, l := range po.Lines {
		v.Lines = append(v.Lines, poLineView{l.VariantID, l.QtyOrdered, l.QtyReceived, l.UnitCost})
	}
	return v
}

func viewReceiving(rc *procurement.Receiving) receivingView {
	v := receivingView{
		ID:              rc.ID,
		ExternalID:      rc.ExternalID,
		PurchaseOrderID: rc.PurchaseOrderID,
		ReceivedBy:      rc.ReceivedBy,
		ReceivedAt:      rc.ReceivedAt,
		Conflict:        rc.Conflict,
	}
	for _, l := range rc.Lines {
		v.Lines = append(v.Lines, receivingLineView{l.VariantID, l.Qty, l.UnitCost})
	}
	return v
}

func (h *ProcurementHandler) Register(r chi.Router) {
	r.Post("/purchase-orders", requireActor(h.createPurchaseOrder))
	r.Get("/purchase-orders/{id}", h.getPurchaseOrder)
	r.Post("/purchase-orders/{id}/submit", requireActor(h.submitPurchaseOrder))
	r.Post("/purchase-orders/{id}/cancel", requireActor(h.cancelPurchaseOrder))
	r.Get("/purchase-orders/{id}/receivings", h.listReceivings)
	r.Post("/receivings", requireActor(h.recordReceiving))
	r.Get("/receivings/{id}", h.getReceiving)
}

func (h *ProcurementHandler) createPurchaseOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SupplierID string                  `json:"supplier_id"`
		Lines      []procurement.LineInput `json:"lines"`
		Submit     bool                    `json:"submit"`
	}
	if !decode(w, r, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	po, err := h.Reconciler.CreatePurchaseOrder(ctx, procurement.CreatePurchaseOrderInput{
		SupplierID: req.SupplierID,
		CreatedBy:  ActorFrom(r.Context()),
		Lines:      req.Lines,
		Submit:     req.Submit,
	})
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewPurchaseOrder(po))
}

func (h *ProcurementHandler) getPurchaseOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	po, err := h.Reconciler.GetPurchaseOrder(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, viewPurchaseOrder(po))
}

func (h *ProcurementHandler) submitPurchaseOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	po, err := h.Reconciler.SubmitPurchaseOrder(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, viewPurchaseOrder(po))
}

func (h *ProcurementHandler) cancelPurchaseOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	po, err := h.Reconciler.CancelPurchaseOrder(ctx, chi.URLParam(r, "id"), ActorFrom(r.Context()))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, viewPurchaseOrder(po))
}

func (h *ProcurementHandler) listReceivings(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	rcvs, err := h.Reconciler.ListReceivings(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	out := make([]receivingView, 0, len(rcvs))
	for _, rc := range rcvs {
		out = append(out, viewReceiving(rc))
	}
	writeJSON(w, http.StatusOK, out)
}

// recordReceiving answers 201 when the receiving reconciled and 202 when
// stock was applied but the purchase-order linkage needs manual review.
func (h *ProcurementHandler) recordReceiving(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ExternalID      string                  `json:"external_id"`
		PurchaseOrderID string                  `json:"purchase_order_id"`
		Items           []procurement.LineInput `json:"items"`
	}
	if !decode(w, r, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	rc, err := h.Reconciler.RecordReceiving(ctx, procurement.RecordReceivingInput{
		ExternalID:      req.ExternalID,
		PurchaseOrderID: req.PurchaseOrderID,
		ReceivedBy:      ActorFrom(r.Context()),
		Items:           req.Items,
	})
	var conflict *procurement.ConflictError
	switch {
	case errors.As(err, &conflict):
		v := viewReceiving(rc)
		writeJSON(w, http.StatusAccepted, errorBody{Error: "reconciliation_conflict", Message: conflict.Error(), Receiving: &v})
	case err != nil:
		writeError(w, h.Log, err)
	default:
		writeJSON(w, http.StatusCreated, viewReceiving(rc))
	}
}

func (h *ProcurementHandler) getReceiving(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	rc, err := h.Reconciler.GetReceiving(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, viewReceiving(rc))
}

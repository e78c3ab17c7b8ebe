package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// OrderCache is the Redis shortcut in front of order reads. Postgres stays
// the source of truth.
type OrderCache interface {
	OrderStatus(ctx context.Context, orderID string) ([]byte, bool)
	// SetOrderStatus must drop writes older than the last invalidated version.
	SetOrderStatus(ctx context.Context, orderID string, version int, body []byte)
	OrderForExternalID(ctx context.Context, externalID string) (string, bool)
	RememberExternalID(ctx context.Context, externalID, orderID string)
}

type OrdersHandler struct {
	Orders *orders.Manager
	Cache  OrderCache // optional
	Log    *zap.Logger
}

type CreateOrderReq struct {
	ExternalID string             `json:"external_id"`
	CustomerID string             `json:"customer_id"`
	Items      []orders.ItemInput `json:"items"`
}

type lineView struct {
	VariantID string          `json:"variant_id"`
	Qty       int             `json:"qty"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type orderView struct {
	ID                string          `json:"order_id"`
	ExternalID        string          `json:"external_id,omitempty"`
	CustomerID        string          `json:"customer_id"`
	PaymentState      string          `json:"payment_state"`
	FulfillmentState  string          `json:"fulfillment_state,omitempty"`
	AttemptsRemaining int             `json:"attempts_remaining"`
	LastReasonCode    string          `json:"last_reason_code,omitempty"`
	CancelReason      string          `json:"cancel_reason,omitempty"`
	Total             decimal.Decimal `json:"total"`
	Lines             []lineView      `json:"lines"`
	CreatedAt         time.Time       `json:"created_at"`
	PaymentDeadline   time.Time       `json:"payment_deadline"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

func viewOrder(o *orders.Order) orderView {
	v := orderView{
		ID:                o.ID,
		ExternalID:        o.ExternalID,
		CustomerID:        o.CustomerID,
		PaymentState:      string(o.Payment),
		FulfillmentState:  string(o.Fulfillment),
		AttemptsRemaining: o.AttemptsRemaining(),
		LastReasonCode:    o.LastReasonCode,
		CancelReason:      o.CancelReason,
		Total:             o.Total(),
		CreatedAt:         o.CreatedAt,
		PaymentDeadline:   o.PaymentDeadline,
		UpdatedAt:         o.UpdatedAt,
	}
	for _, l := range o.Lines {
		v.Lines = append(v.Lines, lineView{VariantID: l.VariantID, Qty: l.Qty, UnitPrice: l.UnitPrice})
	}
	return v
}

type createOrderResp struct {
	orderView
	Idempotent bool `json:"idempotent"`
}

type slipResp struct {
	Order             orderView `json:"order"`
	Outcome           string    `json:"outcome,omitempty"`
	ReasonCode        string    `json:"reason_code,omitempty"`
	AttemptsRemaining int       `json:"attempts_remaining"`
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Post("/orders", h.createOrder)
	r.Get("/orders/{id}", h.getOrder)
	r.Post("/orders/{id}/slip", h.submitSlip)
	r.Post("/orders/{id}/cancel", requireActor(h.cancelOrder))
	r.Post("/orders/{id}/fulfillment", requireActor(h.advanceFulfillment))
}

func (h *OrdersHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderReq
	if !decode(w, r, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	// Fast-path idempotency via Redis; the order store still decides.
	if req.ExternalID != "" && h.Cache != nil {
		if id, ok := h.Cache.OrderForExternalID(ctx, req.ExternalID); ok {
			if o, err := h.Orders.Get(ctx, id); err == nil {
				writeJSON(w, http.StatusOK, createOrderResp{orderView: viewOrder(o), Idempotent: true})
				return
			}
		}
	}

	o, existed, err := h.Orders.CreateOrder(ctx, orders.CreateOrderInput{
		ExternalID: req.ExternalID,
		CustomerID: req.CustomerID,
		Items:      req.Items,
	})
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	if req.ExternalID != "" && h.Cache != nil {
		h.Cache.RememberExternalID(ctx, req.ExternalID, o.ID)
	}
	code := http.StatusCreated
	if existed {
		code = http.StatusOK
	}
	writeJSON(w, code, createOrderResp{orderView: viewOrder(o), Idempotent: existed})
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if h.Cache != nil {
		if b, ok := h.Cache.OrderStatus(ctx, orderID); ok {
			writeJSON(w, http.StatusOK, json.RawMessage(b))
			return
		}
	}
	o, err := h.Orders.Get(ctx, orderID)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	b, err := json.Marshal(viewOrder(o))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	if h.Cache != nil {
		h.Cache.SetOrderStatus(ctx, orderID, o.Version, b)
	}
	writeJSON(w, http.StatusOK, json.RawMessage(b))
}

func (h *OrdersHandler) submitSlip(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SlipRef string `json:"slip_ref"`
	}
	if !decode(w, r, &req) {
		return
	}
	// Covers the checker timeout plus retries.
	ctx, cancel := context.WithTimeout(r.Context(), 12*time.Second)
	defer cancel()

	rc, err := h.Orders.SubmitSlip(ctx, chi.URLParam(r, "id"), req.SlipRef)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	resp := slipResp{Order: viewOrder(rc.Order), AttemptsRemaining: rc.AttemptsRemaining}
	switch {
	case rc.Outcome == nil:
		writeJSON(w, http.StatusAccepted, resp)
		return
	case rc.Err() != nil:
		_, body := statusFor(rc.Err())
		body.AttemptsRemaining = intPtr(rc.AttemptsRemaining)
		v := resp.Order
		body.Order = &v
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	resp.Outcome = rc.Outcome.Kind.String()
	resp.ReasonCode = rc.Outcome.ReasonCode
	writeJSON(w, http.StatusOK, resp)
}

func (h *OrdersHandler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if !decode(w, r, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Orders.CancelOrder(ctx, chi.URLParam(r, "id"), req.Reason, ActorFrom(r.Context()))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOrder(o))
}

func (h *OrdersHandler) advanceFulfillment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		State string `json:"state"`
	}
	if !decode(w, r, &req) {
		return
	}
	next, err := orders.ParseFulfillmentState(req.State)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_request", Message: "unknown fulfillment state " + req.State})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Orders.AdvanceFulfillment(ctx, chi.URLParam(r, "id"), next, ActorFrom(r.Context()))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOrder(o))
}

package httpx

import (
	"context"
	"net/http"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/ledger"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type VariantsHandler struct {
	Catalog ledger.Catalog
	Log     *zap.Logger
}

type variantView struct {
	ID        string          `json:"variant_id"`
	ProductID string          `json:"product_id"`
	SKU       string          `json:"sku"`
	Preorder  bool            `json:"preorder"`
	Price     decimal.Decimal `json:"price"`
	Available int             `json:"stock_available"`
	Reserved  int             `json:"stock_reserved"`
	Fulfilled int             `json:"stock_fulfilled"`
	Received  int             `json:"stock_received"`
}

func (h *VariantsHandler) Register(r chi.Router) {
	r.Get("/variants/{id}", h.getVariant)
	r.Post("/variants", requireActor(h.registerVariant))
}

func (h *VariantsHandler) getVariant(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	v, err := h.Catalog.Variant(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, viewVariant(v))
}

// registerVariant seeds a variant from the back-office catalog import.
func (h *VariantsHandler) registerVariant(w http.ResponseWriter, r *http.Request) {
	var req variantView
	if !decode(w, r, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	v := ledger.Variant{
		ID:        req.ID,
		ProductID: req.ProductID,
		SKU:       req.SKU,
		Preorder:  req.Preorder,
		Price:     req.Price,
		Available: req.Available,
	}
	if err := h.Catalog.Register(ctx, v); err != nil {
		writeError(w, h.Log, err)
		return
	}
	got, err := h.Catalog.Variant(ctx, v.ID)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewVariant(got))
}

func viewVariant(v ledger.Variant) variantView {
	return variantView{
		ID:        v.ID,
		ProductID: v.ProductID,
		SKU:       v.SKU,
		Preorder:  v.Preorder,
		Price:     v.Price,
		Available: v.Available,
		Reserved:  v.Reserved,
		Fulfilled: v.Fulfilled,
		Received:  v.Received,
	}
}

package httpx

import (
	"encoding/json"
	"net/http"

	"github.com/ariefcatur/go-order-fulfillment/internal/ledger"
	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
	"github.com/ariefcatur/go-order-fulfillment/internal/procurement"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type errorBody struct {
	Error             string         `json:"error"`
	Message           string         `json:"message,omitempty"`
	Details           []shortageView `json:"details,omitempty"`
	AttemptsRemaining *int           `json:"attempts_remaining,omitempty"`
	Receiving         *receivingView `json:"receiving,omitempty"`
	Order             *orderView     `json:"order,omitempty"`
}

type shortageView struct {
	VariantID string `json:"variant_id"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_json", Message: err.Error()})
		return false
	}
	return true
}

func intPtr(n int) *int { return &n }

// statusFor maps domain errors onto HTTP. Order matters: the specific state
// errors also match ErrInvalidState.
func statusFor(err error) (int, errorBody) {
	var (
		short  *orders.StockShortageError
		single *ledger.InsufficientStockError
	)
	switch {
	case errors.As(err, &short):
		body := errorBody{Error: "insufficient_stock", Message: err.Error()}
		for _, s := range short.Shortages {
			body.Details = append(body.Details, shortageView{s.VariantID, s.Requested, s.Available})
		}
		return http.StatusConflict, body
	case errors.As(err, &single):
		return http.StatusConflict, errorBody{
			Error: "insufficient_stock", Message: err.Error(),
			Details: []shortageView{{single.VariantID, single.Requested, single.Available}},
		}
	case errors.Is(err, orders.ErrAttemptsExhausted):
		return http.StatusConflict, errorBody{Error: "attempts_exhausted", Message: err.Error(), AttemptsRemaining: intPtr(0)}
	case errors.Is(err, orders.ErrPaymentDeadlinePassed):
		return http.StatusGone, errorBody{Error: "payment_deadline_passed", Message: err.Error()}
	case errors.Is(err, orders.ErrVerificationUnavailable):
		return http.StatusServiceUnavailable, errorBody{Error: "verification_unavailable", Message: err.Error()}
	case errors.Is(err, orders.ErrInvalidTransition):
		return http.StatusConflict, errorBody{Error: "invalid_transition", Message: err.Error()}
	case errors.Is(err, orders.ErrInvalidState), errors.Is(err, procurement.ErrInvalidState):
		return http.StatusConflict, errorBody{Error: "invalid_state", Message: err.Error()}
	case errors.Is(err, orders.ErrConflict), errors.Is(err, procurement.ErrConflict):
		return http.StatusConflict, errorBody{Error: "concurrent_update", Message: err.Error()}
	case errors.Is(err, ledger.ErrVariantExists):
		return http.StatusConflict, errorBody{Error: "variant_exists", Message: err.Error()}
	case errors.Is(err, orders.ErrNotFound), errors.Is(err, procurement.ErrNotFound), errors.Is(err, ledger.ErrUnknownVariant):
		return http.StatusNotFound, errorBody{Error: "not_found", Message: err.Error()}
	case errors.Is(err, orders.ErrInvalidInput), errors.Is(err, procurement.ErrInvalidInput),
		errors.Is(err, ledger.ErrInvalidQuantity):
		return http.StatusBadRequest, errorBody{Error: "invalid_request", Message: err.Error()}
	}
	return http.StatusInternalServerError, errorBody{Error: "internal", Message: "internal error"}
}

func writeError(w http.ResponseWriter, log *zap.Logger, err error) {
	code, body := statusFor(err)
	if code == http.StatusInternalServerError && log != nil {
		log.Error("request failed", zap.Error(err))
	}
	writeJSON(w, code, body)
}

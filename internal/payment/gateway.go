// Package payment mediates calls to the external slip-verification service.
package payment

import (
	"context"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	ReasonUnavailable    = "VERIFICATION_UNAVAILABLE"
	ReasonRejected       = "SLIP_REJECTED"
	ReasonAmountMismatch = "AMOUNT_MISMATCH"
)

// Result is the checker's verdict. Unavailable marks transport failures and
// timeouts; callers count them as a failed attempt like any rejection.
type Result struct {
	Accepted    bool
	ReasonCode  string
	Unavailable bool
}

type Verifier interface {
	Verify(ctx context.Context, slipRef string, expectedAmount decimal.Decimal) Result
}

type VerifierFunc func(ctx context.Context, slipRef string, expectedAmount decimal.Decimal) Result

func (f VerifierFunc) Verify(ctx context.Context, slipRef string, expectedAmount decimal.Decimal) Result {
	return f(ctx, slipRef, expectedAmount)
}

type Gateway struct {
	client *resty.Client
	log    *zap.Logger
}

type verifyRequest struct {
	SlipRef string `json:"slip_ref"`
	Amount  string `json:"amount"`
}

type verifyResponse struct {
	Accepted   bool   `json:"accepted"`
	ReasonCode string `json:"reason_code"`
	Amount     string `json:"amount,omitempty"`
}

// NewGateway builds a client for the checker at baseURL. retries bounds the
// transport-level retries inside a single verification attempt.
func NewGateway(baseURL string, timeout time.Duration, retries int, log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(retries).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})
	return &Gateway{client: c, log: log}
}

func (g *Gateway) Verify(ctx context.Context, slipRef string, expectedAmount decimal.Decimal) Result {
	var out verifyResponse
	resp, err := g.client.R().
		SetContext(ctx).
		SetBody(verifyRequest{SlipRef: slipRef, Amount: expectedAmount.StringFixed(2)}).
		SetResult(&out).
		SetError(&out).
		Post("/verify")
	if err != nil {
		g.log.Warn("slip checker unreachable", zap.String("slip_ref", slipRef), zap.Error(err))
		return Result{ReasonCode: ReasonUnavailable, Unavailable: true}
	}
	if resp.StatusCode() >= http.StatusInternalServerError || resp.StatusCode() == http.StatusTooManyRequests {
		g.log.Warn("slip checker failed", zap.String("slip_ref", slipRef), zap.Int("status", resp.StatusCode()))
		return Result{ReasonCode: ReasonUnavailable, Unavailable: true}
	}
	if resp.IsError() || !out.Accepted {
		reason := out.ReasonCode
		if reason == "" {
			reason = ReasonRejected
		}
		return Result{ReasonCode: reason}
	}
	if out.Amount != "" {
		paid, err := decimal.NewFromString(out.Amount)
		if err != nil || !paid.Equal(expectedAmount) {
			return Result{ReasonCode: ReasonAmountMismatch}
		}
	}
	return Result{Accepted: true}
}

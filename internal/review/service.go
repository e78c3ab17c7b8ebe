// Package review consumes SlipSubmitted events and runs slip verification
// outside the request path.
package review

import (
	"context"
	"encoding/json"

	"github.com/ariefcatur/go-order-fulfillment/internal/events"
	kafkax "github.com/ariefcatur/go-order-fulfillment/internal/kafka"
	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
	"github.com/pkg/errors"
	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

type Reviewer interface {
	ReviewSlip(ctx context.Context, orderID string, attempt int) (*orders.SlipReceipt, error)
}

type Deduper interface {
	First(ctx context.Context, id string) (bool, error)
	Forget(ctx context.Context, id string) error
}

type Service struct {
	Orders Reviewer
	Dedup  Deduper // optional
	Log    *zap.Logger
}

func (s *Service) log() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}

// HandleSlipSubmitted is installed as the consumer handler. Returning an
// error leaves the message uncommitted; an order whose review keeps failing
// is republished by the reaper's stalled-review sweep.
func (s *Service) HandleSlipSubmitted(ctx context.Context, m kafkago.Message) error {
	var env events.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		s.log().Warn("undecodable message dropped", zap.Int64("offset", m.Offset), zap.Error(err))
		return nil
	}
	if env.EventType != events.SlipSubmitted {
		return nil
	}
	ctx = otel.GetTextMapPropagator().Extract(ctx, kafkax.HeaderCarrier{Headers: &m.Headers})

	if s.Dedup != nil {
		first, err := s.Dedup.First(ctx, env.EventID)
		if err != nil {
			// ReviewSlip is itself idempotent per attempt.
			s.log().Warn("dedup unavailable", zap.String("event_id", env.EventID), zap.Error(err))
		} else if !first {
			return nil
		}
	}

	p, err := kafkax.UnwrapPayload[events.SlipSubmittedPayload](env.Payload)
	if err != nil {
		s.log().Warn("bad SlipSubmitted payload", zap.String("event_id", env.EventID), zap.Error(err))
		return nil
	}

	r, err := s.Orders.ReviewSlip(ctx, p.OrderID, p.Attempt)
	switch {
	case err == nil:
	case errors.Is(err, orders.ErrNotFound),
		errors.Is(err, orders.ErrInvalidState),
		errors.Is(err, orders.ErrConflict):
		// The order moved on without us; nothing left to review.
		s.log().Info("slip review skipped", zap.String("order_id", p.OrderID), zap.Int("attempt", p.Attempt), zap.Error(err))
		return nil
	default:
		if s.Dedup != nil {
			if ferr := s.Dedup.Forget(ctx, env.EventID); ferr != nil {
				s.log().Warn("dedup forget", zap.String("event_id", env.EventID), zap.Error(ferr))
			}
		}
		return errors.Wrapf(err, "review order %s attempt %d", p.OrderID, p.Attempt)
	}

	fields := []zap.Field{
		zap.String("order_id", p.OrderID),
		zap.Int("attempt", p.Attempt),
		zap.String("payment_state", string(r.Order.Payment)),
	}
	if r.Outcome != nil {
		fields = append(fields, zap.Stringer("outcome", r.Outcome.Kind))
	}
	s.log().Info("slip reviewed", fields...)
	return nil
}

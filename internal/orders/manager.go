package orders

import (
	"context"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/events"
	"github.com/ariefcatur/go-order-fulfillment/internal/ledger"
	"github.com/ariefcatur/go-order-fulfillment/internal/payment"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// StatusCache is told whenever an order's state changes. version is the
// order's version after the change; renderings of older versions must not
// be cached again.
type StatusCache interface {
	Invalidate(ctx context.Context, orderID string, version int)
}

// Manager owns the order state machines and is the only component that
// reserves, commits or releases stock on behalf of an order.
//
// Every terminal payment transition follows the same protocol: the new
// state is written with a version-checked update and LedgerSettled=false,
// then the stored tokens are committed or released, then the order is marked
// settled. Ledger operations are idempotent per token, so Settle can be
// re-driven after a crash at any point.
type Manager struct {
	Ledger   ledger.Ledger
	Store    Store
	Verifier payment.Verifier
	Events   events.Publisher
	Cache    StatusCache
	Log      *zap.Logger
	Now      func() time.Time

	// AsyncVerification leaves slip review to a consumer of SlipSubmitted
	// events instead of calling the verifier inline.
	AsyncVerification bool
}

var tracer = otel.Tracer("orders")

// rollbackTimeout bounds the releases of a failed checkout, which run even
// when the caller's context is already done.
const rollbackTimeout = 10 * time.Second

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}

func (m *Manager) log() *zap.Logger {
	if m.Log == nil {
		return zap.NewNop()
	}
	return m.Log
}

func (m *Manager) publish(ctx context.Context, eventType, orderID string, payload any) {
	if m.Events != nil {
		m.Events.Publish(ctx, eventType, orderID, payload)
	}
}

func (m *Manager) touched(ctx context.Context, o *Order) {
	if m.Cache != nil {
		m.Cache.Invalidate(ctx, o.ID, o.Version)
	}
}

func startSpan(ctx context.Context, name, orderID string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, name)
	if orderID != "" {
		span.SetAttributes(attribute.String("order.id", orderID))
	}
	return ctx, span
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (m *Manager) Get(ctx context.Context, orderID string) (*Order, error) {
	return m.Store.Get(ctx, orderID)
}

// CreateOrder reserves every line or none. The returned bool is true when
// ExternalID matched an existing order, which is returned unchanged.
func (m *Manager) CreateOrder(ctx context.Context, in CreateOrderInput) (o *Order, existed bool, err error) {
	ctx, span := startSpan(ctx, "orders.CreateOrder", "")
	defer func() { endSpan(span, err) }()

	if in.CustomerID == "" || len(in.Items) == 0 {
		return nil, false, errors.Wrap(ErrInvalidInput, "customer and items are required")
	}
	for _, it := range in.Items {
		if it.VariantID == "" || it.Qty <= 0 {
			return nil, false, errors.Wrapf(ErrInvalidInput, "invalid qty %d for variant %q", it.Qty, it.VariantID)
		}
	}
	if in.ExternalID != "" {
		prev, err := m.Store.GetByExternalID(ctx, in.ExternalID)
		if err == nil {
			return prev, true, nil
		} else if !errors.Is(err, ErrNotFound) {
			return nil, false, err
		}
	}

	lines := make([]Line, 0, len(in.Items))
	for i, it := range in.Items {
		v, err := m.Ledger.Variant(ctx, it.VariantID)
		if err != nil {
			m.rollback(ctx, lines)
			return nil, false, errors.Wrapf(err, "variant %s", it.VariantID)
		}
		tok, err := m.Ledger.Reserve(ctx, it.VariantID, it.Qty)
		if err != nil {
			m.rollback(ctx, lines)
			var short *ledger.InsufficientStockError
			if errors.As(err, &short) {
				return nil, false, m.shortage(ctx, *short, in.Items[i+1:])
			}
			return nil, false, err
		}
		lines = append(lines, Line{VariantID: it.VariantID, Qty: it.Qty, UnitPrice: v.Price, Token: tok})
	}

	now := m.now()
	o = &Order{
		ID:              uuid.NewString(),
		ExternalID:      in.ExternalID,
		CustomerID:      in.CustomerID,
		Lines:           lines,
		Payment:         PaymentWaiting,
		Fulfillment:     FulfillmentNone,
		LedgerSettled:   true,
		CreatedAt:       now,
		PaymentDeadline: now.Add(PaymentWindow),
		UpdatedAt:       now,
	}
	if err := m.Store.Create(ctx, o); err != nil {
		m.rollback(ctx, lines)
		if errors.Is(err, ErrDuplicateExternalID) {
			prev, gerr := m.Store.GetByExternalID(ctx, in.ExternalID)
			if gerr != nil {
				return nil, false, gerr
			}
			return prev, true, nil
		}
		return nil, false, err
	}
	span.SetAttributes(attribute.String("order.id", o.ID))

	items := make([]events.OrderLine, 0, len(lines))
	for _, l := range lines {
		items = append(items, events.OrderLine{VariantID: l.VariantID, Qty: l.Qty, UnitPrice: l.UnitPrice.String()})
	}
	m.publish(ctx, events.OrderCreated, o.ID, events.OrderCreatedPayload{
		OrderID: o.ID, ExternalID: o.ExternalID, CustomerID: o.CustomerID,
		Items: items, Total: o.Total().String(), PaymentDeadline: o.PaymentDeadline,
	})
	m.log().Info("order created", zap.String("order_id", o.ID), zap.Int("lines", len(lines)),
		zap.String("total", o.Total().String()))
	return o, false, nil
}

// rollback releases reservations taken earlier in the same checkout. It is
// detached from ctx's cancellation: a request that timed out mid-checkout
// still has to give its stock back. Anything left over is an orphan for
// ReleaseOrphans.
func (m *Manager) rollback(ctx context.Context, lines []Line) {
	if len(lines) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()
	for _, l := range lines {
		if err := m.Ledger.Release(ctx, l.Token); err != nil {
			m.log().Error("release during checkout rollback failed",
				zap.String("variant_id", l.VariantID), zap.String("token", string(l.Token)), zap.Error(err))
		}
	}
}

// shortage reports the failed line plus any later line that would also
// fail, using read-only lookups so no further stock is touched.
func (m *Manager) shortage(ctx context.Context, first ledger.InsufficientStockError, rest []ItemInput) error {
	e := &StockShortageError{Shortages: []ledger.InsufficientStockError{first}}
	for _, it := range rest {
		v, err := m.Ledger.Variant(ctx, it.VariantID)
		if err != nil || v.Preorder || v.Available >= it.Qty {
			continue
		}
		e.Shortages = append(e.Shortages, ledger.InsufficientStockError{VariantID: it.VariantID, Requested: it.Qty, Available: v.Available})
	}
	return e
}

// SubmitSlip moves a WAITING order to PENDING_REVIEW and, unless running
// asynchronously, verifies the slip and applies the verdict.
func (m *Manager) SubmitSlip(ctx context.Context, orderID, slipRef string) (r *SlipReceipt, err error) {
	ctx, span := startSpan(ctx, "orders.SubmitSlip", orderID)
	defer func() { endSpan(span, err) }()

	if slipRef == "" {
		return nil, errors.Wrap(ErrInvalidInput, "slip reference is required")
	}
	o, err := m.Store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}

	switch {
	case o.SlipReviewAttempts >= MaxSlipAttempts:
		return nil, ErrAttemptsExhausted
	case !o.Open():
		return nil, errors.Wrapf(ErrInvalidState, "order %s is %s/%s", o.ID, o.Payment, o.Fulfillment)
	case o.Payment != PaymentWaiting:
		return nil, errors.Wrapf(ErrInvalidState, "order %s already has a slip under review", o.ID)
	case o.Overdue(m.now()):
		if _, xerr := m.expire(ctx, o); xerr != nil && !errors.Is(xerr, ErrConflict) {
			m.log().Warn("inline expiry failed", zap.String("order_id", o.ID), zap.Error(xerr))
		}
		return nil, ErrPaymentDeadlinePassed
	}

	o.Payment = PaymentPendingReview
	o.SlipReviewAttempts++
	o.SlipRef = slipRef
	o.UpdatedAt = m.now()
	if err := m.Store.Update(ctx, o); err != nil {
		return nil, err
	}
	m.touched(ctx, o)
	m.publish(ctx, events.SlipSubmitted, o.ID, events.SlipSubmittedPayload{
		OrderID: o.ID, SlipRef: slipRef, Attempt: o.SlipReviewAttempts,
	})
	m.log().Info("slip submitted", zap.String("order_id", o.ID), zap.Int("attempt", o.SlipReviewAttempts))

	if m.AsyncVerification {
		return &SlipReceipt{Order: o, AttemptsRemaining: o.AttemptsRemaining()}, nil
	}
	return m.review(ctx, o)
}

// ReviewSlip runs verification for a submitted slip. It does nothing unless
// the order is still PENDING_REVIEW at the given attempt, so redelivered
// SlipSubmitted events are harmless.
func (m *Manager) ReviewSlip(ctx context.Context, orderID string, attempt int) (*SlipReceipt, error) {
	o, err := m.Store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Payment != PaymentPendingReview || o.SlipReviewAttempts != attempt || !o.Open() {
		return &SlipReceipt{Order: o, AttemptsRemaining: o.AttemptsRemaining()}, nil
	}
	return m.review(ctx, o)
}

// RedriveReview retries a review that has sat in PENDING_REVIEW, for
// example because the verifier consumer failed on its SlipSubmitted event.
// In asynchronous mode the event is published again; otherwise the review
// runs inline. Both end in ReviewSlip, which ignores stale attempts.
func (m *Manager) RedriveReview(ctx context.Context, o *Order) error {
	if m.AsyncVerification {
		m.publish(ctx, events.SlipSubmitted, o.ID, events.SlipSubmittedPayload{
			OrderID: o.ID, SlipRef: o.SlipRef, Attempt: o.SlipReviewAttempts,
		})
		m.log().Info("slip review requeued", zap.String("order_id", o.ID), zap.Int("attempt", o.SlipReviewAttempts))
		return nil
	}
	_, err := m.ReviewSlip(ctx, o.ID, o.SlipReviewAttempts)
	return err
}

// ReleaseOrphans frees reservations created before the given time that no
// order owns: what is left when a checkout crashed between Reserve and
// storing its order, or its rollback could not reach the ledger.
func (m *Manager) ReleaseOrphans(ctx context.Context, before time.Time, limit int) (int, error) {
	n, err := m.Store.ReleaseOrphans(ctx, before, limit)
	if n > 0 {
		m.log().Warn("released orphaned reservations", zap.Int("count", n))
	}
	return n, err
}

// review calls the external checker with no lock held.
func (m *Manager) review(ctx context.Context, o *Order) (*SlipReceipt, error) {
	res := m.Verifier.Verify(ctx, o.SlipRef, o.Total())
	out := OutcomeFromResult(res)
	updated, err := m.OnVerificationResult(ctx, o.ID, out)
	if err != nil {
		return nil, err
	}
	return &SlipReceipt{Order: updated, Outcome: &out, AttemptsRemaining: updated.AttemptsRemaining()}, nil
}

// OnVerificationResult applies a verification verdict, or an expiry, to an
// order under review.
func (m *Manager) OnVerificationResult(ctx context.Context, orderID string, out Outcome) (o *Order, err error) {
	ctx, span := startSpan(ctx, "orders.OnVerificationResult", orderID)
	span.SetAttributes(attribute.String("verification.outcome", out.Kind.String()))
	defer func() { endSpan(span, err) }()

	o, err = m.Store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if out.Kind == OutcomeExpired {
		return m.expire(ctx, o)
	}
	if !o.Open() || o.Payment != PaymentPendingReview {
		return nil, errors.Wrapf(ErrInvalidState, "order %s is %s/%s", o.ID, o.Payment, o.Fulfillment)
	}
	if o.Overdue(m.now()) {
		expired, xerr := m.expire(ctx, o)
		if xerr != nil {
			return nil, xerr
		}
		return expired, ErrPaymentDeadlinePassed
	}

	switch out.Kind {
	case OutcomeAccepted:
		o.Payment = PaymentConfirmed
		if o.Fulfillment == FulfillmentNone {
			o.Fulfillment = FulfillmentReceived
		}
		o.LastReasonCode = ""
		if err := m.claim(ctx, o); err != nil {
			return nil, err
		}
		m.settleLogged(ctx, o)
		m.publish(ctx, events.OrderConfirmed, o.ID, events.OrderConfirmedPayload{OrderID: o.ID, Total: o.Total().String()})
		m.log().Info("order confirmed", zap.String("order_id", o.ID))

	case OutcomeRejected, OutcomeUnavailable:
		o.LastReasonCode = out.ReasonCode
		if o.LastReasonCode == "" {
			o.LastReasonCode = payment.ReasonRejected
		}
		if o.SlipReviewAttempts < MaxSlipAttempts {
			o.Payment = PaymentWaiting
			o.UpdatedAt = m.now()
			if err := m.Store.Update(ctx, o); err != nil {
				return nil, err
			}
			m.touched(ctx, o)
			m.log().Info("slip not accepted, buyer may retry", zap.String("order_id", o.ID),
				zap.String("reason", o.LastReasonCode), zap.Int("attempts_remaining", o.AttemptsRemaining()))
			return o, nil
		}
		o.Payment = PaymentRejected
		o.Fulfillment = FulfillmentCancelled
		if err := m.claim(ctx, o); err != nil {
			return nil, err
		}
		m.settleLogged(ctx, o)
		m.publish(ctx, events.OrderRejected, o.ID, events.OrderRejectedPayload{
			OrderID: o.ID, Reason: o.LastReasonCode, Attempts: o.SlipReviewAttempts,
		})
		m.log().Info("order rejected", zap.String("order_id", o.ID), zap.String("reason", o.LastReasonCode))

	default:
		return nil, errors.Wrapf(ErrInvalidInput, "unknown verification outcome %d", out.Kind)
	}
	return o, nil
}

// expire is the cancel-if-still-pending step shared by the reaper and the
// inline deadline checks.
func (m *Manager) expire(ctx context.Context, o *Order) (*Order, error) {
	if !o.Open() {
		return nil, errors.Wrapf(ErrInvalidState, "order %s is %s/%s", o.ID, o.Payment, o.Fulfillment)
	}
	if !o.Overdue(m.now()) {
		return nil, errors.Wrapf(ErrInvalidState, "order %s deadline not reached", o.ID)
	}
	o.Payment = PaymentExpired
	o.Fulfillment = FulfillmentCancelled
	if err := m.claim(ctx, o); err != nil {
		return nil, err
	}
	m.settleLogged(ctx, o)
	m.publish(ctx, events.OrderExpired, o.ID, events.OrderExpiredPayload{OrderID: o.ID, PaymentDeadline: o.PaymentDeadline})
	m.log().Info("order expired", zap.String("order_id", o.ID))
	return o, nil
}

// CancelOrder voids an order whose payment is still outstanding.
func (m *Manager) CancelOrder(ctx context.Context, orderID, reason, actor string) (o *Order, err error) {
	ctx, span := startSpan(ctx, "orders.CancelOrder", orderID)
	defer func() { endSpan(span, err) }()

	o, err = m.Store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !o.Open() {
		return nil, errors.Wrapf(ErrInvalidState, "order %s is %s/%s", o.ID, o.Payment, o.Fulfillment)
	}
	if o.Overdue(m.now()) {
		if _, xerr := m.expire(ctx, o); xerr != nil && !errors.Is(xerr, ErrConflict) {
			return nil, xerr
		}
		return nil, ErrPaymentDeadlinePassed
	}
	o.Fulfillment = FulfillmentCancelled
	o.CancelReason = reason
	if err := m.claim(ctx, o); err != nil {
		return nil, err
	}
	m.settleLogged(ctx, o)
	m.publish(ctx, events.OrderCancelled, o.ID, events.OrderCancelledPayload{OrderID: o.ID, Reason: reason, Actor: actor})
	m.log().Info("order cancelled", zap.String("order_id", o.ID), zap.String("actor", actor), zap.String("reason", reason))
	return o, nil
}

// AdvanceFulfillment moves a confirmed order one step along
// RECEIVED → PREPARING → SHIPPING → COMPLETED.
func (m *Manager) AdvanceFulfillment(ctx context.Context, orderID string, next FulfillmentState, actor string) (o *Order, err error) {
	ctx, span := startSpan(ctx, "orders.AdvanceFulfillment", orderID)
	defer func() { endSpan(span, err) }()

	o, err = m.Store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Payment != PaymentConfirmed {
		return nil, errors.Wrapf(ErrInvalidTransition, "order %s payment is %s", o.ID, o.Payment)
	}
	if !o.Fulfillment.CanAdvance(next) {
		return nil, errors.Wrapf(ErrInvalidTransition, "%s -> %s", o.Fulfillment, next)
	}
	from := o.Fulfillment
	o.Fulfillment = next
	o.UpdatedAt = m.now()
	if err := m.Store.Update(ctx, o); err != nil {
		return nil, err
	}
	m.touched(ctx, o)
	m.publish(ctx, events.FulfillmentAdvanced, o.ID, events.FulfillmentAdvancedPayload{
		OrderID: o.ID, From: string(from), To: string(next), Actor: actor,
	})
	return o, nil
}

// claim writes a terminal transition with the ledger marked unsettled.
func (m *Manager) claim(ctx context.Context, o *Order) error {
	o.LedgerSettled = false
	o.UpdatedAt = m.now()
	if err := m.Store.Update(ctx, o); err != nil {
		return err
	}
	m.touched(ctx, o)
	return nil
}

func (m *Manager) settleLogged(ctx context.Context, o *Order) {
	if err := m.Settle(ctx, o); err != nil {
		m.log().Warn("ledger settlement deferred", zap.String("order_id", o.ID), zap.Error(err))
	}
}

// Settle applies the ledger effect of an order's current state to all of its
// tokens: commit for CONFIRMED, release for anything voided. Safe to repeat.
func (m *Manager) Settle(ctx context.Context, o *Order) error {
	if o.LedgerSettled {
		return nil
	}
	if o.Open() {
		return errors.Wrapf(ErrInvalidState, "order %s has nothing to settle", o.ID)
	}
	op, name := m.Ledger.Release, "release"
	if o.Payment == PaymentConfirmed {
		op, name = m.Ledger.Commit, "commit"
	}
	for _, l := range o.Lines {
		err := op(ctx, l.Token)
		if errors.Is(err, ledger.ErrReservationSettled) {
			m.log().Error("reservation settled the other way", zap.String("order_id", o.ID),
				zap.String("token", string(l.Token)), zap.String("op", name))
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "%s token %s", name, l.Token)
		}
	}

	for attempt := 0; attempt < 3; attempt++ {
		o.LedgerSettled = true
		o.UpdatedAt = m.now()
		err := m.Store.Update(ctx, o)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrConflict) {
			return err
		}
		fresh, gerr := m.Store.Get(ctx, o.ID)
		if gerr != nil {
			return gerr
		}
		if fresh.LedgerSettled {
			*o = *fresh
			return nil
		}
		*o = *fresh
	}
	return ErrConflict
}

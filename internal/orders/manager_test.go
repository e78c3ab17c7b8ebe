package orders

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/events"
	"github.com/ariefcatur/go-order-fulfillment/internal/ledger"
	"github.com/ariefcatur/go-order-fulfillment/internal/payment"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Setup ---

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// scriptedVerifier answers with queued results, then accepts.
type scriptedVerifier struct {
	mu      sync.Mutex
	results []payment.Result
	calls   int
}

func (v *scriptedVerifier) Verify(context.Context, string, decimal.Decimal) payment.Result {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	if len(v.results) == 0 {
		return payment.Result{Accepted: true}
	}
	r := v.results[0]
	v.results = v.results[1:]
	return r
}

type managerFixture struct {
	m        *Manager
	ledger   *ledger.Memory
	store    *MemoryStore
	verifier *scriptedVerifier
	events   *events.Recorder
	clock    *clock
}

func setupManagerTest(t *testing.T, variants ...ledger.Variant) *managerFixture {
	t.Helper()
	l := ledger.NewMemory()
	for _, v := range variants {
		require.NoError(t, l.Register(context.Background(), v))
	}
	f := &managerFixture{
		ledger:   l,
		store:    NewMemoryStore(l),
		verifier: &scriptedVerifier{},
		events:   &events.Recorder{},
		clock:    &clock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)},
	}
	l.Now = f.clock.Now
	f.m = &Manager{
		Ledger:   l,
		Store:    f.store,
		Verifier: f.verifier,
		Events:   f.events,
		Now:      f.clock.Now,
	}
	return f
}

func variant(id string, available int, price int64) ledger.Variant {
	return ledger.Variant{ID: id, ProductID: "prod-" + id, SKU: "SKU-" + id, Price: decimal.NewFromInt(price), Available: available}
}

func (f *managerFixture) stock(t *testing.T, id string) ledger.Variant {
	t.Helper()
	v, err := f.ledger.Variant(context.Background(), id)
	require.NoError(t, err)
	return v
}

func (f *managerFixture) order(t *testing.T, items ...ItemInput) *Order {
	t.Helper()
	o, existed, err := f.m.CreateOrder(context.Background(), CreateOrderInput{CustomerID: "cust-1", Items: items})
	require.NoError(t, err)
	require.False(t, existed)
	return o
}

var rejected = payment.Result{ReasonCode: "SLIP_REJECTED"}

// --- Tests ---

func TestCreateOrder_ReservesAndSnapshotsPrice(t *testing.T) {
	f := setupManagerTest(t, variant("v1", 5, 120))

	o := f.order(t, ItemInput{VariantID: "v1", Qty: 2})

	assert.Equal(t, PaymentWaiting, o.Payment)
	assert.Equal(t, FulfillmentNone, o.Fulfillment)
	assert.Equal(t, 0, o.SlipReviewAttempts)
	assert.Equal(t, f.clock.Now().Add(30*time.Minute), o.PaymentDeadline)
	require.Len(t, o.Lines, 1)
	assert.NotEmpty(t, o.Lines[0].Token)
	assert.True(t, decimal.NewFromInt(240).Equal(o.Total()))

	v := f.stock(t, "v1")
	assert.Equal(t, 3, v.Available)
	assert.Equal(t, 2, v.Reserved)
	assert.Equal(t, []string{events.OrderCreated}, f.events.Types())
}

func TestCreateOrder_AllOrNothing(t *testing.T) {
	f := setupManagerTest(t, variant("ok", 5, 10), variant("short", 1, 10), variant("also-short", 0, 10))
	ctx := context.Background()

	_, _, err := f.m.CreateOrder(ctx, CreateOrderInput{CustomerID: "c", Items: []ItemInput{
		{VariantID: "ok", Qty: 2},
		{VariantID: "short", Qty: 3},
		{VariantID: "also-short", Qty: 1},
	}})

	require.True(t, errors.Is(err, ledger.ErrInsufficientStock))
	var se *StockShortageError
	require.True(t, errors.As(err, &se))
	require.Len(t, se.Shortages, 2)
	assert.Equal(t, "short", se.Shortages[0].VariantID)
	assert.Equal(t, "also-short", se.Shortages[1].VariantID)

	for id, want := range map[string]int{"ok": 5, "short": 1, "also-short": 0} {
		v := f.stock(t, id)
		assert.Equal(t, want, v.Available, id)
		assert.Equal(t, 0, v.Reserved, id)
	}
	assert.Empty(t, f.events.Types())
}

func TestCreateOrder_Validation(t *testing.T) {
	f := setupManagerTest(t, variant("v1", 5, 10))
	ctx := context.Background()

	_, _, err := f.m.CreateOrder(ctx, CreateOrderInput{CustomerID: "c"})
	assert.True(t, errors.Is(err, ErrInvalidInput))

	_, _, err = f.m.CreateOrder(ctx, CreateOrderInput{CustomerID: "c", Items: []ItemInput{{VariantID: "v1", Qty: 0}}})
	assert.True(t, errors.Is(err, ErrInvalidInput))

	_, _, err = f.m.CreateOrder(ctx, CreateOrderInput{CustomerID: "c", Items: []ItemInput{{VariantID: "v1", Qty: 1}, {VariantID: "ghost", Qty: 1}}})
	assert.True(t, errors.Is(err, ledger.ErrUnknownVariant))
	assert.Equal(t, 5, f.stock(t, "v1").Available)
}

func TestCreateOrder_IdempotentByExternalID(t *testing.T) {
	f := setupManagerTest(t, variant("v1", 5, 10))
	ctx := context.Background()
	in := CreateOrderInput{ExternalID: "cart-42", CustomerID: "c", Items: []ItemInput{{VariantID: "v1", Qty: 1}}}

	first, existed, err := f.m.CreateOrder(ctx, in)
	require.NoError(t, err)
	assert.False(t, existed)

	again, existed, err := f.m.CreateOrder(ctx, in)
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, 4, f.stock(t, "v1").Available)
}

func TestCreateOrder_LastUnitRace(t *testing.T) {
	f := setupManagerTest(t, variant("last", 1, 10))
	ctx := context.Background()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := f.m.CreateOrder(ctx, CreateOrderInput{CustomerID: "c", Items: []ItemInput{{VariantID: "last", Qty: 1}}})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestPaymentConfirmed_CommitsReservation(t *testing.T) {
	f := setupManagerTest(t, variant("v1", 5, 100))
	o := f.order(t, ItemInput{VariantID: "v1", Qty: 2})

	r, err := f.m.SubmitSlip(context.Background(), o.ID, "slip://1")
	require.NoError(t, err)
	require.NotNil(t, r.Outcome)
	assert.Equal(t, OutcomeAccepted, r.Outcome.Kind)
	assert.NoError(t, r.Err())
	assert.Equal(t, PaymentConfirmed, r.Order.Payment)
	assert.Equal(t, FulfillmentReceived, r.Order.Fulfillment)
	assert.True(t, r.Order.LedgerSettled)

	v := f.stock(t, "v1")
	assert.Equal(t, 3, v.Available)
	assert.Equal(t, 0, v.Reserved)
	assert.Equal(t, 2, v.Fulfilled)
	assert.Equal(t, []string{events.OrderCreated, events.SlipSubmitted, events.OrderConfirmed}, f.events.Types())
}

func TestSubmitSlip_AttemptCap(t *testing.T) {
	f := setupManagerTest(t, variant("v1", 5, 100))
	f.verifier.results = []payment.Result{rejected, rejected, rejected}
	o := f.order(t, ItemInput{VariantID: "v1", Qty: 2})
	ctx := context.Background()

	for want := 2; want >= 1; want-- {
		r, err := f.m.SubmitSlip(ctx, o.ID, "slip")
		require.NoError(t, err)
		assert.Equal(t, PaymentWaiting, r.Order.Payment)
		assert.Equal(t, want, r.AttemptsRemaining)
		assert.Equal(t, "SLIP_REJECTED", r.Order.LastReasonCode)
		assert.Equal(t, 2, f.stock(t, "v1").Reserved, "stock stays reserved between attempts")
	}

	r, err := f.m.SubmitSlip(ctx, o.ID, "slip")
	require.NoError(t, err)
	assert.Equal(t, PaymentRejected, r.Order.Payment)
	assert.Equal(t, FulfillmentCancelled, r.Order.Fulfillment)
	assert.Equal(t, 0, r.AttemptsRemaining)

	v := f.stock(t, "v1")
	assert.Equal(t, 5, v.Available)
	assert.Equal(t, 0, v.Reserved)

	// Long after the deadline the cap still wins.
	f.clock.Advance(2 * time.Hour)
	_, err = f.m.SubmitSlip(ctx, o.ID, "slip")
	assert.Equal(t, ErrAttemptsExhausted, err)
	assert.True(t, errors.Is(err, ErrInvalidState))
	assert.Equal(t, 3, f.verifier.calls)
}

func TestSubmitSlip_UnavailableConsumesAttempt(t *testing.T) {
	f := setupManagerTest(t, variant("v1", 5, 100))
	f.verifier.results = []payment.Result{{Unavailable: true, ReasonCode: payment.ReasonUnavailable}}
	o := f.order(t, ItemInput{VariantID: "v1", Qty: 1})

	r, err := f.m.SubmitSlip(context.Background(), o.ID, "slip")
	require.NoError(t, err)
	assert.Equal(t, ErrVerificationUnavailable, r.Err())
	assert.Equal(t, PaymentWaiting, r.Order.Payment)
	assert.Equal(t, 2, r.AttemptsRemaining)
	assert.Equal(t, payment.ReasonUnavailable, r.Order.LastReasonCode)
}

func TestSubmitSlip_DeadlinePrecedence(t *testing.T) {
	f := setupManagerTest(t, variant("v1", 5, 100))
	o := f.order(t, ItemInput{VariantID: "v1", Qty: 2})
	f.clock.Advance(PaymentWindow + time.Second)

	_, err := f.m.SubmitSlip(context.Background(), o.ID, "slip")
	assert.Equal(t, ErrPaymentDeadlinePassed, err)
	assert.True(t, errors.Is(err, ErrInvalidState))
	assert.Equal(t, 0, f.verifier.calls)

	got, err := f.m.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, PaymentExpired, got.Payment)
	assert.Equal(t, FulfillmentCancelled, got.Fulfillment)
	assert.Equal(t, 5, f.stock(t, "v1").Available)
}

func TestSubmitSlip_InvalidStates(t *testing.T) {
	f := setupManagerTest(t, variant("v1", 5, 100))
	ctx := context.Background()

	cancelled := f.order(t, ItemInput{VariantID: "v1", Qty: 1})
	_, err := f.m.CancelOrder(ctx, cancelled.ID, "buyer changed mind", "staff-1")
	require.NoError(t, err)
	_, err = f.m.SubmitSlip(ctx, cancelled.ID, "slip")
	assert.True(t, errors.Is(err, ErrInvalidState))

	confirmed := f.order(t, ItemInput{VariantID: "v1", Qty: 1})
	_, err = f.m.SubmitSlip(ctx, confirmed.ID, "slip")
	require.NoError(t, err)
	_, err = f.m.SubmitSlip(ctx, confirmed.ID, "slip")
	assert.True(t, errors.Is(err, ErrInvalidState))

	_, err = f.m.SubmitSlip(ctx, confirmed.ID, "")
	assert.True(t, errors.Is(err, ErrInvalidInput))
	_, err = f.m.SubmitSlip(ctx, "missing", "slip")
	assert.Equal(t, ErrNotFound, err)
}

func TestCancelOrder(t *testing.T) {
	f := setupManagerTest(t, variant("v1", 5, 100))
	ctx := context.Background()
	o := f.order(t, ItemInput{VariantID: "v1", Qty: 3})

	got, err := f.m.CancelOrder(ctx, o.ID, "out of budget", "staff-1")
	require.NoError(t, err)
	assert.Equal(t, FulfillmentCancelled, got.Fulfillment)
	assert.Equal(t, PaymentWaiting, got.Payment)
	assert.Equal(t, "out of budget", got.CancelReason)
	assert.Equal(t, 5, f.stock(t, "v1").Available)

	_, err = f.m.CancelOrder(ctx, o.ID, "again", "staff-1")
	assert.True(t, errors.Is(err, ErrInvalidState))
	assert.Equal(t, 5, f.stock(t, "v1").Available)

	paid := f.order(t, ItemInput{VariantID: "v1", Qty: 1})
	_, err = f.m.SubmitSlip(ctx, paid.ID, "slip")
	require.NoError(t, err)
	_, err = f.m.CancelOrder(ctx, paid.ID, "late", "staff-1")
	assert.True(t, errors.Is(err, ErrInvalidState))
	assert.Equal(t, 1, f.stock(t, "v1").Fulfilled)
}

func TestAdvanceFulfillment(t *testing.T) {
	f := setupManagerTest(t, variant("v1", 5, 100))
	ctx := context.Background()
	o := f.order(t, ItemInput{VariantID: "v1", Qty: 1})

	_, err := f.m.AdvanceFulfillment(ctx, o.ID, FulfillmentPreparing, "staff")
	assert.True(t, errors.Is(err, ErrInvalidTransition), "not confirmed yet")

	_, err = f.m.SubmitSlip(ctx, o.ID, "slip")
	require.NoError(t, err)

	_, err = f.m.AdvanceFulfillment(ctx, o.ID, FulfillmentShipping, "staff")
	assert.True(t, errors.Is(err, ErrInvalidTransition), "skipping PREPARING")

	for _, next := range []FulfillmentState{FulfillmentPreparing, FulfillmentShipping, FulfillmentCompleted} {
		got, err := f.m.AdvanceFulfillment(ctx, o.ID, next, "staff")
		require.NoError(t, err)
		assert.Equal(t, next, got.Fulfillment)
	}

	_, err = f.m.AdvanceFulfillment(ctx, o.ID, FulfillmentCancelled, "staff")
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestOnVerificationResult_Expiry(t *testing.T) {
	f := setupManagerTest(t, variant("v1", 5, 100))
	ctx := context.Background()
	o := f.order(t, ItemInput{VariantID: "v1", Qty: 2})

	_, err := f.m.OnVerificationResult(ctx, o.ID, Outcome{Kind: OutcomeExpired})
	assert.True(t, errors.Is(err, ErrInvalidState), "deadline not reached")

	f.clock.Advance(PaymentWindow + time.Minute)
	got, err := f.m.OnVerificationResult(ctx, o.ID, Outcome{Kind: OutcomeExpired})
	require.NoError(t, err)
	assert.Equal(t, PaymentExpired, got.Payment)
	assert.Equal(t, FulfillmentCancelled, got.Fulfillment)
	assert.Equal(t, 5, f.stock(t, "v1").Available)

	_, err = f.m.OnVerificationResult(ctx, o.ID, Outcome{Kind: OutcomeExpired})
	assert.True(t, errors.Is(err, ErrInvalidState), "second sweep loses")
	assert.Equal(t, 5, f.stock(t, "v1").Available)
}

func TestOnVerificationResult_LateVerdictExpires(t *testing.T) {
	f := setupManagerTest(t, variant("v1", 5, 100))
	f.m.AsyncVerification = true
	ctx := context.Background()
	o := f.order(t, ItemInput{VariantID: "v1", Qty: 2})

	_, err := f.m.SubmitSlip(ctx, o.ID, "slip")
	require.NoError(t, err)
	f.clock.Advance(PaymentWindow + time.Second)

	got, err := f.m.OnVerificationResult(ctx, o.ID, Outcome{Kind: OutcomeAccepted})
	assert.Equal(t, ErrPaymentDeadlinePassed, err)
	require.NotNil(t, got)
	assert.Equal(t, PaymentExpired, got.Payment)
	assert.Equal(t, 0, f.stock(t, "v1").Fulfilled)
}

func TestAsyncVerification_ReviewSlip(t *testing.T) {
	f := setupManagerTest(t, variant("v1", 5, 100))
	f.m.AsyncVerification = true
	ctx := context.Background()
	o := f.order(t, ItemInput{VariantID: "v1", Qty: 1})

	r, err := f.m.SubmitSlip(ctx, o.ID, "slip")
	require.NoError(t, err)
	assert.Nil(t, r.Outcome)
	assert.Equal(t, PaymentPendingReview, r.Order.Payment)
	assert.Equal(t, 0, f.verifier.calls)

	stale, err := f.m.ReviewSlip(ctx, o.ID, 2)
	require.NoError(t, err)
	assert.Nil(t, stale.Outcome)
	assert.Equal(t, 0, f.verifier.calls)

	done, err := f.m.ReviewSlip(ctx, o.ID, 1)
	require.NoError(t, err)
	require.NotNil(t, done.Outcome)
	assert.Equal(t, PaymentConfirmed, done.Order.Payment)

	again, err := f.m.ReviewSlip(ctx, o.ID, 1)
	require.NoError(t, err)
	assert.Nil(t, again.Outcome)
	assert.Equal(t, 1, f.verifier.calls)
	assert.Equal(t, 1, f.stock(t, "v1").Fulfilled)
}

// flakyLedger fails the first n commits, as a crash between the state write
// and the ledger call would.
type flakyLedger struct {
	*ledger.Memory
	failCommits int
}

func (l *flakyLedger) Commit(ctx context.Context, tok ledger.Token) error {
	if l.failCommits > 0 {
		l.failCommits--
		return errors.New("connection reset")
	}
	return l.Memory.Commit(ctx, tok)
}

func TestSettle_RedrivenAfterLedgerFailure(t *testing.T) {
	f := setupManagerTest(t, variant("v1", 5, 100))
	f.m.Ledger = &flakyLedger{Memory: f.ledger, failCommits: 1}
	ctx := context.Background()
	o := f.order(t, ItemInput{VariantID: "v1", Qty: 2})

	r, err := f.m.SubmitSlip(ctx, o.ID, "slip")
	require.NoError(t, err)
	assert.Equal(t, PaymentConfirmed, r.Order.Payment)
	assert.False(t, r.Order.LedgerSettled)
	assert.Equal(t, 2, f.stock(t, "v1").Reserved)

	pending, err := f.store.ListUnsettled(ctx, f.clock.Now().Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, f.m.Settle(ctx, pending[0]))
	require.NoError(t, f.m.Settle(ctx, pending[0]))

	v := f.stock(t, "v1")
	assert.Equal(t, 0, v.Reserved)
	assert.Equal(t, 2, v.Fulfilled)
	got, _ := f.m.Get(ctx, o.ID)
	assert.True(t, got.LedgerSettled)
}

// cancellingLedger honours ctx the way the Postgres ledger does and runs a
// hook when a given variant is reserved.
type cancellingLedger struct {
	*ledger.Memory
	on   string
	hook func(ctx context.Context)
}

func (l *cancellingLedger) Reserve(ctx context.Context, variantID string, qty int) (ledger.Token, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	tok, err := l.Memory.Reserve(ctx, variantID, qty)
	if err == nil && variantID == l.on {
		l.hook(ctx)
	}
	if err == nil && ctx.Err() != nil {
		// the row commit raced the cancellation; the caller never sees the token
		return "", ctx.Err()
	}
	return tok, err
}

func (l *cancellingLedger) Release(ctx context.Context, tok ledger.Token) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.Memory.Release(ctx, tok)
}

func TestCreateOrder_RollbackSurvivesCancelledRequest(t *testing.T) {
	f := setupManagerTest(t, variant("v1", 5, 10), variant("v2", 5, 10))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.m.Ledger = &cancellingLedger{Memory: f.ledger, on: "v2", hook: func(context.Context) { cancel() }}

	_, _, err := f.m.CreateOrder(ctx, CreateOrderInput{CustomerID: "c", Items: []ItemInput{
		{VariantID: "v1", Qty: 2},
		{VariantID: "v2", Qty: 1},
	}})
	require.ErrorIs(t, err, context.Canceled)

	v1 := f.stock(t, "v1")
	assert.Equal(t, 5, v1.Available)
	assert.Equal(t, 0, v1.Reserved)

	// v2's reservation went through but its token was lost with the
	// request; only the orphan release can return it.
	v2 := f.stock(t, "v2")
	assert.Equal(t, 1, v2.Reserved)
	f.clock.Advance(11 * time.Minute)
	n, err := f.m.ReleaseOrphans(context.Background(), f.clock.Now().Add(-10*time.Minute), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	v2 = f.stock(t, "v2")
	assert.Equal(t, 5, v2.Available)
	assert.Equal(t, 0, v2.Reserved)
}

func TestReleaseOrphans_LeavesOwnedAndFreshReservations(t *testing.T) {
	f := setupManagerTest(t, variant("v1", 10, 10))
	ctx := context.Background()

	orphan, err := f.ledger.Reserve(ctx, "v1", 2)
	require.NoError(t, err)
	o := f.order(t, ItemInput{VariantID: "v1", Qty: 3})
	f.clock.Advance(11 * time.Minute)
	fresh, err := f.ledger.Reserve(ctx, "v1", 1)
	require.NoError(t, err)

	n, err := f.m.ReleaseOrphans(ctx, f.clock.Now().Add(-10*time.Minute), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	states := map[ledger.Token]ledger.ReservationState{}
	for _, tok := range []ledger.Token{orphan, o.Lines[0].Token, fresh} {
		r, err := f.ledger.Reservation(ctx, tok)
		require.NoError(t, err)
		states[tok] = r.State
	}
	assert.Equal(t, ledger.ReservationReleased, states[orphan])
	assert.Equal(t, ledger.ReservationHeld, states[o.Lines[0].Token])
	assert.Equal(t, ledger.ReservationHeld, states[fresh])
	assert.Equal(t, 6, f.stock(t, "v1").Available)

	n, err = f.m.ReleaseOrphans(ctx, f.clock.Now().Add(-10*time.Minute), 100)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCreateOrder_ReservationReleasedBeforeStore(t *testing.T) {
	f := setupManagerTest(t, variant("v1", 5, 10), variant("v2", 5, 10))
	ctx := context.Background()
	f.m.Ledger = &cancellingLedger{Memory: f.ledger, on: "v2", hook: func(ctx context.Context) {
		// an orphan sweep with no grace lands between Reserve and Create
		_, err := f.store.ReleaseOrphans(ctx, f.clock.Now().Add(time.Hour), 0)
		require.NoError(t, err)
	}}

	_, _, err := f.m.CreateOrder(ctx, CreateOrderInput{CustomerID: "c", Items: []ItemInput{
		{VariantID: "v1", Qty: 2},
		{VariantID: "v2", Qty: 1},
	}})
	require.ErrorIs(t, err, ErrReservationLost)
	assert.ErrorIs(t, err, ErrConflict)

	for _, id := range []string{"v1", "v2"} {
		v := f.stock(t, id)
		assert.Equal(t, 5, v.Available, id)
		assert.Equal(t, 0, v.Reserved, id)
	}
	stored, err := f.store.ListOverdue(ctx, f.clock.Now().Add(time.Hour), 0)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestRedriveReview(t *testing.T) {
	f := setupManagerTest(t, variant("v1", 5, 10))
	ctx := context.Background()
	f.m.AsyncVerification = true
	o := f.order(t, ItemInput{VariantID: "v1", Qty: 1})
	_, err := f.m.SubmitSlip(ctx, o.ID, "slip-1")
	require.NoError(t, err)

	pending, err := f.store.Get(ctx, o.ID)
	require.NoError(t, err)
	require.NoError(t, f.m.RedriveReview(ctx, pending))
	assert.Equal(t, []string{events.OrderCreated, events.SlipSubmitted, events.SlipSubmitted}, f.events.Types())
	assert.Zero(t, f.verifier.calls)

	f.m.AsyncVerification = false
	require.NoError(t, f.m.RedriveReview(ctx, pending))
	got, err := f.store.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, PaymentConfirmed, got.Payment)
	assert.Equal(t, 1, f.verifier.calls)

	// a second re-drive of the same attempt is a no-op
	require.NoError(t, f.m.RedriveReview(ctx, pending))
	assert.Equal(t, 1, f.verifier.calls)
}

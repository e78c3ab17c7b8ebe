package reaper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/events"
	"github.com/ariefcatur/go-order-fulfillment/internal/ledger"
	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
	"github.com/ariefcatur/go-order-fulfillment/internal/payment"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	reaper *Reaper
	m      *orders.Manager
	ledger *ledger.Memory
	store  *orders.MemoryStore
	events *events.Recorder
	now    time.Time
	mu     sync.Mutex
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func setupReaperTest(t *testing.T, available int) *fixture {
	t.Helper()
	l := ledger.NewMemory()
	f := &fixture{
		ledger: l,
		store:  orders.NewMemoryStore(l),
		events: &events.Recorder{},
		now:    time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC),
	}
	l.Now = f.clock
	require.NoError(t, f.ledger.Register(context.Background(), ledger.Variant{ID: "v1", Price: decimal.NewFromInt(50), Available: available}))
	f.m = &orders.Manager{
		Ledger: f.ledger,
		Store:  f.store,
		Verifier: payment.VerifierFunc(func(context.Context, string, decimal.Decimal) payment.Result {
			return payment.Result{Accepted: true}
		}),
		Events:            f.events,
		Now:               f.clock,
		AsyncVerification: true,
	}
	f.reaper = &Reaper{Orders: f.m, Store: f.store, Batch: 50, SettleGrace: time.Minute, Now: f.clock}
	return f
}

func (f *fixture) order(t *testing.T, qty int) *orders.Order {
	t.Helper()
	o, _, err := f.m.CreateOrder(context.Background(), orders.CreateOrderInput{
		CustomerID: "c", Items: []orders.ItemInput{{VariantID: "v1", Qty: qty}},
	})
	require.NoError(t, err)
	return o
}

func (f *fixture) available(t *testing.T) int {
	v, err := f.ledger.Variant(context.Background(), "v1")
	require.NoError(t, err)
	return v.Available
}

func countType(types []string, want string) int {
	n := 0
	for _, t := range types {
		if t == want {
			n++
		}
	}
	return n
}

func TestSweep_ExpiresOverdueOrders(t *testing.T) {
	f := setupReaperTest(t, 10)
	ctx := context.Background()
	waiting := f.order(t, 2)
	reviewing := f.order(t, 3)
	_, err := f.m.SubmitSlip(ctx, reviewing.ID, "slip")
	require.NoError(t, err)
	assert.Equal(t, 5, f.available(t))

	st, err := f.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Expired, "nothing due yet")

	f.advance(orders.PaymentWindow + time.Second)
	fresh := f.order(t, 1)

	st, err = f.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Expired)

	for _, id := range []string{waiting.ID, reviewing.ID} {
		o, err := f.m.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, orders.PaymentExpired, o.Payment)
		assert.Equal(t, orders.FulfillmentCancelled, o.Fulfillment)
		assert.True(t, o.LedgerSettled)
	}
	o, _ := f.m.Get(ctx, fresh.ID)
	assert.Equal(t, orders.PaymentWaiting, o.Payment)
	assert.Equal(t, 9, f.available(t))
}

func TestSweep_ConcurrentReapersExpireOnce(t *testing.T) {
	f := setupReaperTest(t, 20)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		f.order(t, 2)
	}
	f.advance(orders.PaymentWindow + time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := *f.reaper
			_, err := r.Sweep(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, countType(f.events.Types(), events.OrderExpired))
	assert.Equal(t, 20, f.available(t))
	v, _ := f.ledger.Variant(ctx, "v1")
	assert.Equal(t, 0, v.Reserved)
}

type fakeLease struct{ granted bool }

func (l *fakeLease) Acquire(context.Context, string, time.Duration) (bool, error) {
	return l.granted, nil
}

func TestSweep_SkipsWithoutLease(t *testing.T) {
	f := setupReaperTest(t, 5)
	f.order(t, 1)
	f.advance(time.Hour)
	f.reaper.Lease = &fakeLease{granted: false}

	st, err := f.reaper.Sweep(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Skipped)
	assert.Equal(t, 4, f.available(t))

	f.reaper.Lease = &fakeLease{granted: true}
	st, err = f.reaper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, st.Expired)
	assert.Equal(t, 5, f.available(t))
}

type failingReleaseLedger struct {
	*ledger.Memory
	fail bool
}

func (l *failingReleaseLedger) Release(ctx context.Context, tok ledger.Token) error {
	if l.fail {
		return errors.New("ledger unreachable")
	}
	return l.Memory.Release(ctx, tok)
}

func TestSweep_RedrivesSettlement(t *testing.T) {
	f := setupReaperTest(t, 5)
	ctx := context.Background()
	o := f.order(t, 2)
	flaky := &failingReleaseLedger{Memory: f.ledger, fail: true}
	f.m.Ledger = flaky

	_, err := f.m.CancelOrder(ctx, o.ID, "fraud check", "staff")
	require.NoError(t, err)
	assert.Equal(t, 3, f.available(t), "release did not go through")

	flaky.fail = false
	st, err := f.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Settled, "still inside the grace period")

	f.advance(2 * time.Minute)
	st, err = f.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Settled)
	assert.Equal(t, 5, f.available(t))
}

func TestSweep_RequeuesStalledReviews(t *testing.T) {
	f := setupReaperTest(t, 5)
	ctx := context.Background()
	o := f.order(t, 1)
	_, err := f.m.SubmitSlip(ctx, o.ID, "slip-1")
	require.NoError(t, err)

	f.advance(time.Minute)
	st, err := f.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Requeued, "review is not stalled yet")

	f.advance(2 * time.Minute)
	st, err = f.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Requeued)
	assert.Equal(t, 2, countType(f.events.Types(), events.SlipSubmitted))

	// the consumer finally handles the republished attempt
	_, err = f.m.ReviewSlip(ctx, o.ID, 1)
	require.NoError(t, err)
	got, err := f.m.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.PaymentConfirmed, got.Payment)

	f.advance(5 * time.Minute)
	st, err = f.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Requeued)
	assert.Equal(t, 2, countType(f.events.Types(), events.SlipSubmitted))
}

func TestSweep_ReleasesOrphanedReservations(t *testing.T) {
	f := setupReaperTest(t, 10)
	ctx := context.Background()
	_, err := f.ledger.Reserve(ctx, "v1", 3) // checkout died before storing its order
	require.NoError(t, err)
	f.order(t, 2)
	assert.Equal(t, 5, f.available(t))

	st, err := f.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Orphans, "inside the grace period")

	f.advance(defaultOrphanGrace + time.Second)
	st, err = f.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Orphans)
	assert.Equal(t, 8, f.available(t))
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := setupReaperTest(t, 5)
	f.reaper.Interval = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.reaper.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}

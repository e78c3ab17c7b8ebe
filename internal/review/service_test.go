package review

import (
	"context"
	"sync"
	"testing"

	"github.com/ariefcatur/go-order-fulfillment/internal/events"
	kafkax "github.com/ariefcatur/go-order-fulfillment/internal/kafka"
	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
	"github.com/pkg/errors"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	orderID string
	attempt int
}

type fakeReviewer struct {
	mu    sync.Mutex
	calls []call
	err   error
}

func (f *fakeReviewer) ReviewSlip(_ context.Context, orderID string, attempt int) (*orders.SlipReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{orderID, attempt})
	if f.err != nil {
		return nil, f.err
	}
	out := orders.Outcome{Kind: orders.OutcomeAccepted}
	return &orders.SlipReceipt{
		Order:   &orders.Order{ID: orderID, Payment: orders.PaymentConfirmed},
		Outcome: &out,
	}, nil
}

type memDedup struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (d *memDedup) First(_ context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen == nil {
		d.seen = map[string]bool{}
	}
	if d.seen[id] {
		return false, nil
	}
	d.seen[id] = true
	return true, nil
}

func (d *memDedup) Forget(_ context.Context, id string) error {
	d.mu.Lock()
	delete(d.seen, id)
	d.mu.Unlock()
	return nil
}

func message(t *testing.T, eventType string, payload any) kafkago.Message {
	t.Helper()
	env, err := events.NewEnvelope(eventType, "test", "o-1", payload)
	require.NoError(t, err)
	return kafkago.Message{Topic: events.Topic(eventType), Value: kafkax.MustMarshal(env)}
}

func TestHandleSlipSubmitted(t *testing.T) {
	ctx := context.Background()
	rv := &fakeReviewer{}
	s := &Service{Orders: rv, Dedup: &memDedup{}}

	m := message(t, events.SlipSubmitted, events.SlipSubmittedPayload{OrderID: "o-1", SlipRef: "slip-1", Attempt: 2})
	require.NoError(t, s.HandleSlipSubmitted(ctx, m))
	require.NoError(t, s.HandleSlipSubmitted(ctx, m), "redelivery is absorbed")

	assert.Equal(t, []call{{"o-1", 2}}, rv.calls)
}

func TestHandleSlipSubmitted_IgnoresOtherMessages(t *testing.T) {
	ctx := context.Background()
	rv := &fakeReviewer{}
	s := &Service{Orders: rv}

	require.NoError(t, s.HandleSlipSubmitted(ctx, message(t, events.OrderCreated, events.OrderCreatedPayload{OrderID: "o-1"})))
	require.NoError(t, s.HandleSlipSubmitted(ctx, kafkago.Message{Value: []byte("not json")}))
	assert.Empty(t, rv.calls)
}

func TestHandleSlipSubmitted_StaleOrderIsCommitted(t *testing.T) {
	ctx := context.Background()
	for _, err := range []error{orders.ErrNotFound, orders.ErrPaymentDeadlinePassed, orders.ErrConflict} {
		rv := &fakeReviewer{err: err}
		s := &Service{Orders: rv}
		m := message(t, events.SlipSubmitted, events.SlipSubmittedPayload{OrderID: "o-1", Attempt: 1})
		assert.NoError(t, s.HandleSlipSubmitted(ctx, m), "error %v", err)
	}
}

func TestHandleSlipSubmitted_FailureIsRetried(t *testing.T) {
	ctx := context.Background()
	rv := &fakeReviewer{err: errors.New("database down")}
	s := &Service{Orders: rv, Dedup: &memDedup{}}
	m := message(t, events.SlipSubmitted, events.SlipSubmittedPayload{OrderID: "o-1", Attempt: 1})

	require.Error(t, s.HandleSlipSubmitted(ctx, m))

	rv.err = nil
	require.NoError(t, s.HandleSlipSubmitted(ctx, m), "dedup mark was cleared")
	assert.Len(t, rv.calls, 2)
}

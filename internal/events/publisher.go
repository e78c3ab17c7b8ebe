package events

import (
	"context"
	"strconv"
	"sync"

	kafkax "github.com/ariefcatur/go-order-fulfillment/internal/kafka"
	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Publisher emits domain events. Implementations must not block on the
// transport and must not report delivery failures to the caller.
type Publisher interface {
	Publish(ctx context.Context, eventType, aggregateID string, payload any)
}

type Nop struct{}

func (Nop) Publish(context.Context, string, string, any) {}

// KafkaPublisher wraps envelopes and hands them to the async producer.
type KafkaPublisher struct {
	Producer *kafkax.Producer
	Service  string
	Log      *zap.Logger
}

func (p *KafkaPublisher) Publish(ctx context.Context, eventType, aggregateID string, payload any) {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	ev, err := NewEnvelope(eventType, p.Service, aggregateID, payload)
	if err != nil {
		log.Warn("encode event", zap.String("event_type", eventType), zap.Error(err))
		return
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		ev.TraceID = sc.TraceID().String()
	}
	headers := []kafkago.Header{
		{Key: "x-event-type", Value: []byte(eventType)},
		{Key: "x-event-version", Value: []byte(strconv.Itoa(ev.EventVersion))},
	}
	otel.GetTextMapPropagator().Inject(ctx, kafkax.HeaderCarrier{Headers: &headers})
	ok := p.Producer.Publish(Topic(eventType), PartitionKey(aggregateID), kafkax.MustMarshal(ev), headers...)
	if !ok {
		log.Warn("event dropped, producer inbox full",
			zap.String("event_type", eventType), zap.String("aggregate_id", aggregateID))
	}
}

// Recorder keeps published envelopes in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Envelope
}

func (r *Recorder) Publish(_ context.Context, eventType, aggregateID string, payload any) {
	ev, err := NewEnvelope(eventType, "recorder", aggregateID, payload)
	if err != nil {
		return
	}
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *Recorder) Events() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Envelope(nil), r.events...)
}

// Types lists event types in publish order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.EventType)
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

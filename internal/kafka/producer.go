package kafka

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Producer writes messages from a buffered inbox on its own goroutine so
// callers never wait on the brokers. The writer has no fixed topic; each
// message names its own.
type Producer struct {
	w       *kafka.Writer
	inbox   chan kafka.Message
	closeCh chan struct{}
	once    sync.Once
	log     *zap.Logger
}

func NewProducer(brokers []string, buf int, log *zap.Logger) *Producer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Producer{
		w: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
		inbox:   make(chan kafka.Message, buf),
		closeCh: make(chan struct{}),
		log:     log,
	}
}

func (p *Producer) Start(ctx context.Context) {
	go func() {
		defer close(p.closeCh)
		defer func() { _ = p.w.Close() }()
		for {
			select {
			case <-ctx.Done():
				p.drain()
				return
			case m, ok := <-p.inbox:
				if !ok {
					return
				}
				p.write(m)
			}
		}
	}()
}

// drain flushes whatever is already buffered after the context is done.
func (p *Producer) drain() {
	for {
		select {
		case m, ok := <-p.inbox:
			if !ok {
				return
			}
			p.write(m)
		default:
			return
		}
	}
}

func (p *Producer) write(m kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.w.WriteMessages(ctx, m); err != nil {
		p.log.Warn("kafka write failed", zap.String("topic", m.Topic), zap.ByteString("key", m.Key), zap.Error(err))
	}
}

// Publish enqueues without blocking. It reports false when the inbox is full
// or closed and the message was dropped.
func (p *Producer) Publish(topic string, key, value []byte, headers ...kafka.Header) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case p.inbox <- kafka.Message{Topic: topic, Key: key, Value: value, Time: time.Now(), Headers: headers}:
		return true
	default:
		return false
	}
}

// Close stops accepting messages; the loop flushes the rest and exits.
func (p *Producer) Close() { p.once.Do(func() { close(p.inbox) }) }

// WaitClosed blocks until the writer is closed.
func (p *Producer) WaitClosed() { <-p.closeCh }

// Package export publishes PnL snapshots to Kafka for downstream
// consumers.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"hl-mm-bot/internal/config"
	"hl-mm-bot/internal/domain"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	publishTimeout = 5 * time.Second
	maxBatch       = 64
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher is a pipeline recorder. Only PnL snapshots are exported; each
// message is keyed by market so a partition sees one market in order.
type Publisher struct {
	writer  messageWriter
	log     *zap.Logger
	queue   chan domain.PnLSnapshot
	dropped atomic.Uint64
	started atomic.Bool
}

func NewPublisher(cfg config.KafkaConfig, log *zap.Logger) (*Publisher, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
	return newPublisher(w, log, cfg.QueueSize), nil
}

func newPublisher(w messageWriter, log *zap.Logger, queueSize int) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Publisher{writer: w, log: log, queue: make(chan domain.PnLSnapshot, queueSize)}
}

func (p *Publisher) RecordQuote(domain.QuoteSnapshot) {}

func (p *Publisher) RecordPnL(snap domain.PnLSnapshot) {
	if p == nil {
		return
	}
	select {
	case p.queue <- snap:
	default:
		if p.dropped.Add(1) == 1 {
			p.log.Warn("kafka pnl queue full")
		}
	}
}

func (p *Publisher) Start(ctx context.Context) {
	if p == nil || !p.started.CompareAndSwap(false, true) {
		return
	}
	go p.run(ctx)
}

func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	return p.writer.Close()
}

func (p *Publisher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-p.queue:
			batch := []domain.PnLSnapshot{snap}
		drain:
			for len(batch) < maxBatch {
				select {
				case next := <-p.queue:
					batch = append(batch, next)
				default:
					break drain
				}
			}
			p.publish(ctx, batch)
		}
	}
}

func (p *Publisher) publish(ctx context.Context, batch []domain.PnLSnapshot) {
	msgs := make([]kafka.Message, 0, len(batch))
	for _, snap := range batch {
		msg, err := encode(snap)
		if err != nil {
			p.log.Warn("kafka encode failed", zap.String("market", snap.Market), zap.Error(err))
			continue
		}
		msgs = append(msgs, msg)
	}
	if len(msgs) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		p.log.Warn("kafka publish failed", zap.Int("messages", len(msgs)), zap.Error(err))
	}
}

func encode(snap domain.PnLSnapshot) (kafka.Message, error) {
	value, err := json.Marshal(snap)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{Key: []byte(snap.Market), Value: value, Time: snap.Time}, nil
}

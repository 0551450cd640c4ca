package app

import (
	"context"
	"sync"
	"time"

	"hl-mm-bot/internal/domain"

	"go.uber.org/zap"
)

type ordersSource interface {
	OrdersSnapshot(ctx context.Context, market string) (domain.OrdersSnapshot, error)
}

type eventSink interface {
	Submit(ctx context.Context, ev domain.Event) error
}

// resyncer fetches open orders over REST for a market that lost track of its
// live orders. At most one fetch per market is in flight; a failed fetch is
// retried until it succeeds or the app stops.
type resyncer struct {
	ctx    context.Context
	source ordersSource
	log    *zap.Logger
	retry  time.Duration

	mu       sync.Mutex
	targets  map[string]eventSink
	inflight map[string]bool
}

func newResyncer(ctx context.Context, source ordersSource, log *zap.Logger) *resyncer {
	if log == nil {
		log = zap.NewNop()
	}
	return &resyncer{
		ctx:      ctx,
		source:   source,
		log:      log,
		retry:    2 * time.Second,
		targets:  make(map[string]eventSink),
		inflight: make(map[string]bool),
	}
}

func (r *resyncer) register(market string, sink eventSink) {
	r.mu.Lock()
	r.targets[market] = sink
	r.mu.Unlock()
}

func (r *resyncer) RequestResync(market string) {
	r.mu.Lock()
	sink, ok := r.targets[market]
	if !ok || r.inflight[market] {
		r.mu.Unlock()
		return
	}
	r.inflight[market] = true
	r.mu.Unlock()
	go r.run(market, sink)
}

func (r *resyncer) run(market string, sink eventSink) {
	defer func() {
		r.mu.Lock()
		delete(r.inflight, market)
		r.mu.Unlock()
	}()
	for {
		snap, err := r.source.OrdersSnapshot(r.ctx, market)
		if err == nil {
			if err := sink.Submit(r.ctx, snap); err != nil && r.ctx.Err() == nil {
				r.log.Warn("resync delivery failed", zap.String("market", market), zap.Error(err))
			}
			return
		}
		if r.ctx.Err() != nil {
			return
		}
		r.log.Warn("open orders fetch failed; retrying", zap.String("market", market), zap.Error(err))
		select {
		case <-r.ctx.Done():
			return
		case <-time.After(r.retry):
		}
	}
}

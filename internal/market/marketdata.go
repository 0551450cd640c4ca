package market

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"hl-mm-bot/internal/domain"
	"hl-mm-bot/internal/hl/rest"
	"hl-mm-bot/internal/hl/ws"

	"go.uber.org/zap"
)

type PerpContext struct {
	Index       int
	SzDecimals  int
	FundingRate float64
	OraclePrice float64
	MarkPrice   float64
	MidPrice    float64
}

// Sink receives events routed to one market.
type Sink func(market string, ev domain.Event)

type MarketData struct {
	rest *rest.Client
	ws   *ws.Client
	log  *zap.Logger

	mu      sync.RWMutex
	perpCtx map[string]PerpContext
	coins   []string
	sink    Sink
}

func New(restClient *rest.Client, wsClient *ws.Client, log *zap.Logger) *MarketData {
	if log == nil {
		log = zap.NewNop()
	}
	return &MarketData{
		rest:    restClient,
		ws:      wsClient,
		log:     log,
		perpCtx: make(map[string]PerpContext),
	}
}

// Start subscribes to l2Book for every coin and streams updates to sink
// until ctx is done. Connection state changes are delivered as
// market-data FeedStatus events to every coin.
func (m *MarketData) Start(ctx context.Context, coins []string, sink Sink) error {
	if sink == nil {
		return errors.New("market data sink is required")
	}
	m.mu.Lock()
	m.coins = append([]string(nil), coins...)
	m.sink = sink
	m.mu.Unlock()
	if m.ws == nil {
		return nil
	}
	m.ws.OnState(m.onState)
	for _, coin := range coins {
		sub := ws.SubscribeRequest(ws.Subscription{"type": "l2Book", "coin": coin})
		if err := m.ws.Subscribe(ctx, sub); err != nil {
			return err
		}
	}
	go func() {
		_ = m.ws.Run(ctx, m.handleMessage)
	}()
	return nil
}

func (m *MarketData) onState(up bool) {
	m.mu.RLock()
	coins := m.coins
	sink := m.sink
	m.mu.RUnlock()
	if !up {
		m.log.Warn("market data feed down")
	}
	now := time.Now().UTC()
	for _, coin := range coins {
		sink(coin, domain.FeedStatus{Feed: domain.FeedMarketData, Up: up, Time: now})
	}
}

func (m *MarketData) handleMessage(raw json.RawMessage) {
	var msg ws.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		m.log.Debug("ws decode error", zap.Error(err))
		return
	}
	if msg.Channel != "l2Book" {
		return
	}
	var payload any
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		m.log.Debug("l2Book decode error", zap.Error(err))
		return
	}
	update, err := parseL2Book(payload)
	if err != nil {
		m.log.Warn("l2Book parse failed", zap.Error(err))
		return
	}
	m.mu.RLock()
	sink := m.sink
	m.mu.RUnlock()
	if sink != nil {
		sink(update.Market, update)
	}
}

// Snapshot fetches the current book for a coin over REST.
func (m *MarketData) Snapshot(ctx context.Context, coin string) (domain.BookUpdate, error) {
	if m.rest == nil {
		return domain.BookUpdate{}, errors.New("rest client is required")
	}
	resp, err := m.rest.L2Book(ctx, coin)
	if err != nil {
		return domain.BookUpdate{}, err
	}
	return parseL2Book(resp)
}

func (m *MarketData) RefreshContexts(ctx context.Context) error {
	if m.rest == nil {
		return nil
	}
	resp, err := m.rest.MetaAndAssetCtxs(ctx)
	if err != nil {
		return err
	}
	perpCtx, err := parsePerpContexts(resp)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.perpCtx = perpCtx
	m.mu.Unlock()
	return nil
}

// PollFunding refreshes asset contexts every interval and publishes the
// current funding rate of every started coin.
func (m *MarketData) PollFunding(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		m.publishFunding(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *MarketData) publishFunding(ctx context.Context) {
	if err := m.RefreshContexts(ctx); err != nil {
		if ctx.Err() == nil {
			m.log.Warn("context refresh failed", zap.Error(err))
		}
		return
	}
	m.mu.RLock()
	coins := m.coins
	sink := m.sink
	m.mu.RUnlock()
	if sink == nil {
		return
	}
	now := time.Now().UTC()
	for _, coin := range coins {
		if pc, ok := m.PerpContext(coin); ok {
			sink(coin, domain.FundingRate{Market: coin, Rate: pc.FundingRate, Time: now})
		}
	}
}

func (m *MarketData) FundingRate(coin string) (float64, bool) {
	pc, ok := m.PerpContext(coin)
	return pc.FundingRate, ok
}

func (m *MarketData) PerpContext(coin string) (PerpContext, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ctx, ok := m.perpCtx[coin]
	return ctx, ok
}

func (m *MarketData) PerpAssetID(coin string) (int, bool) {
	ctx, ok := m.PerpContext(coin)
	if !ok {
		return 0, false
	}
	return ctx.Index, true
}

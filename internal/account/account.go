package account

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"hl-mm-bot/internal/domain"
	"hl-mm-bot/internal/hl/rest"
	"hl-mm-bot/internal/hl/ws"

	"go.uber.org/zap"
)

// Sink receives events routed to one market.
type Sink func(market string, ev domain.Event)

// Account turns the user's private feeds into per-market events. Balance
// and fee updates are account-wide and go to every market.
type Account struct {
	rest *rest.Client
	ws   *ws.Client
	log  *zap.Logger
	user string

	mu            sync.RWMutex
	markets       []string
	sink          Sink
	seenFillKeys  map[string]struct{}
	seenFillOrder []string
	seenFunding   map[string]struct{}
	equity        float64
	hasEquity     bool
}

const maxSeenFillKeys = 5000

func New(restClient *rest.Client, wsClient *ws.Client, log *zap.Logger, user string) *Account {
	if log == nil {
		log = zap.NewNop()
	}
	return &Account{
		rest:         restClient,
		ws:           wsClient,
		log:          log,
		user:         strings.TrimSpace(user),
		seenFillKeys: make(map[string]struct{}),
		seenFunding:  make(map[string]struct{}),
	}
}

func (a *Account) User() string {
	return a.user
}

// Start subscribes to the private channels and streams events to sink.
func (a *Account) Start(ctx context.Context, markets []string, sink Sink) error {
	if sink == nil {
		return errors.New("account sink is required")
	}
	if a.user == "" {
		return errors.New("account user is required for ws subscriptions")
	}
	a.mu.Lock()
	a.markets = append([]string(nil), markets...)
	a.sink = sink
	a.mu.Unlock()
	if a.ws == nil {
		return nil
	}
	a.ws.OnState(a.onState)
	for _, channel := range []string{"userFills", "orderUpdates", "clearinghouseState", "userFundings"} {
		sub := ws.SubscribeRequest(ws.Subscription{"type": channel, "user": a.user})
		if err := a.ws.Subscribe(ctx, sub); err != nil {
			return err
		}
	}
	go func() {
		_ = a.ws.Run(ctx, a.handleMessage)
	}()
	return nil
}

// Bootstrap loads the fee schedule and the current equity over REST and
// broadcasts them, so pipelines can quote before the first ws push.
func (a *Account) Bootstrap(ctx context.Context) error {
	if a.rest == nil {
		return errors.New("rest client is required")
	}
	fees, err := a.rest.UserFees(ctx, a.user)
	if err != nil {
		return err
	}
	if cfg, ok := parseUserFees(fees); ok {
		a.broadcast(cfg)
	} else {
		a.log.Warn("user fees missing rates")
	}
	return a.RefreshBalance(ctx)
}

func (a *Account) RefreshBalance(ctx context.Context) error {
	if a.rest == nil {
		return errors.New("rest client is required")
	}
	state, err := a.rest.ClearinghouseState(ctx, a.user)
	if err != nil {
		return err
	}
	a.applyClearinghouseUpdate(state)
	return nil
}

// Equity reports the last observed account value.
func (a *Account) Equity() (float64, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.equity, a.hasEquity
}

func (a *Account) onState(up bool) {
	if !up {
		a.log.Warn("account feed down")
	}
	a.broadcast(domain.FeedStatus{Feed: domain.FeedAccount, Up: up, Time: time.Now().UTC()})
}

func (a *Account) handleMessage(msg json.RawMessage) {
	var payload map[string]any
	if err := json.Unmarshal(msg, &payload); err != nil {
		a.log.Debug("account ws decode failed", zap.Error(err))
		return
	}
	switch stringFromAny(payload["channel"]) {
	case "userFills":
		a.applyUserFillsUpdate(payload["data"])
	case "orderUpdates":
		a.applyOrderUpdates(payload["data"])
	case "clearinghouseState":
		a.applyClearinghouseUpdate(payload["data"])
	case "webData2":
		if data, ok := payload["data"].(map[string]any); ok {
			a.applyClearinghouseUpdate(data["clearinghouseState"])
		}
	case "userFundings":
		a.applyFundingUpdates(payload["data"])
	}
}

func (a *Account) emit(market string, ev domain.Event) {
	a.mu.RLock()
	sink := a.sink
	a.mu.RUnlock()
	if sink == nil || market == "" {
		return
	}
	sink(market, ev)
}

func (a *Account) broadcast(ev domain.Event) {
	a.mu.RLock()
	markets := a.markets
	sink := a.sink
	a.mu.RUnlock()
	if sink == nil {
		return
	}
	for _, market := range markets {
		sink(market, ev)
	}
}

func stringFromAny(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case float64:
		return strconv.FormatFloat(val, 'f', 0, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case json.Number:
		return val.String()
	default:
		return ""
	}
}

func floatFromAny(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func boolFromAny(v any) (bool, bool) {
	switch val := v.(type) {
	case bool:
		return val, true
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(val))
		return parsed, err == nil
	default:
		return false, false
	}
}

func int64FromAny(v any) int64 {
	switch val := v.(type) {
	case int64:
		return val
	case int:
		return int64(val)
	case float64:
		return int64(val)
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
	case string:
		if i, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64); err == nil {
			return i
		}
	}
	return 0
}

func snapshotFlag(data any) bool {
	if payload, ok := data.(map[string]any); ok {
		if val, ok := boolFromAny(payload["isSnapshot"]); ok {
			return val
		}
	}
	return false
}

func msTime(v any) time.Time {
	ms := int64FromAny(v)
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func floatKey(v float64) string {
	return strconv.FormatFloat(v, 'g', 12, 64)
}

// sideFromWire maps the venue's B/A side codes.
func sideFromWire(v any) (domain.Side, bool) {
	switch strings.ToUpper(stringFromAny(v)) {
	case "B", "BUY", "BID":
		return domain.SideBuy, true
	case "A", "S", "SELL", "ASK":
		return domain.SideSell, true
	default:
		return "", false
	}
}

package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"hl-mm-bot/internal/config"
	"hl-mm-bot/internal/domain"
	"hl-mm-bot/internal/exec"
	"hl-mm-bot/internal/hl/exchange"
	"hl-mm-bot/internal/hl/rest"
	"hl-mm-bot/internal/market"
	"hl-mm-bot/internal/metrics"
	"hl-mm-bot/internal/pipeline"
	"hl-mm-bot/internal/state"

	"go.uber.org/zap"
)

type exchangeCall struct {
	method string
	asset  int
	oid    int64
	cloid  string
	order  exchange.OrderWire
}

type fakeExchange struct {
	mu    sync.Mutex
	calls []exchangeCall
	resp  map[string]any
	err   error
}

func (f *fakeExchange) record(call exchangeCall) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.resp, f.err
}

func (f *fakeExchange) PlaceOrder(_ context.Context, order exchange.OrderWire) (map[string]any, error) {
	return f.record(exchangeCall{method: "order", asset: order.Asset, order: order})
}

func (f *fakeExchange) ModifyOrder(_ context.Context, oid int64, order exchange.OrderWire) (map[string]any, error) {
	return f.record(exchangeCall{method: "modify", asset: order.Asset, oid: oid, order: order})
}

func (f *fakeExchange) CancelOrder(_ context.Context, asset int, oid int64) (map[string]any, error) {
	return f.record(exchangeCall{method: "cancel", asset: asset, oid: oid})
}

func (f *fakeExchange) CancelByCloid(_ context.Context, asset int, cloid string) (map[string]any, error) {
	return f.record(exchangeCall{method: "cancelByCloid", asset: asset, cloid: cloid})
}

func restingResponse(oid int) map[string]any {
	return map[string]any{
		"status": "ok",
		"response": map[string]any{
			"type": "order",
			"data": map[string]any{
				"statuses": []any{map[string]any{"resting": map[string]any{"oid": float64(oid)}}},
			},
		},
	}
}

func TestExchangeAdapterPlacePostOnly(t *testing.T) {
	fake := &fakeExchange{resp: restingResponse(77)}
	adapter := newExchangeAdapter(fake)
	adapter.setSzDecimals(1, 3)

	oid, err := adapter.PlaceOrder(context.Background(), exec.Order{
		Asset: 1, IsBuy: true, Size: 0.0259, LimitPrice: 1998.129, PostOnly: true, ClientOrderID: "0x0123456789abcdef0123456789abcdef",
	})
	if err != nil {
		t.Fatalf("place error: %v", err)
	}
	if oid != "77" {
		t.Fatalf("expected oid 77, got %q", oid)
	}
	if len(fake.calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(fake.calls))
	}
	wire := fake.calls[0].order
	if wire.OrderType.Limit == nil || wire.OrderType.Limit.Tif != exchange.TifAlo {
		t.Fatalf("expected Alo tif, got %+v", wire.OrderType)
	}
	if wire.Price != "1998.1" || wire.Size != "0.025" {
		t.Fatalf("unexpected wire price/size: %s %s", wire.Price, wire.Size)
	}
	if wire.Cloid != "0x0123456789abcdef0123456789abcdef" {
		t.Fatalf("expected cloid passed through, got %q", wire.Cloid)
	}
}

func TestExchangeAdapterGtcWhenNotPostOnly(t *testing.T) {
	fake := &fakeExchange{resp: restingResponse(5)}
	adapter := newExchangeAdapter(fake)
	adapter.setSzDecimals(0, 2)

	if _, err := adapter.PlaceOrder(context.Background(), exec.Order{Asset: 0, Size: 1, LimitPrice: 100}); err != nil {
		t.Fatalf("place error: %v", err)
	}
	if tif := fake.calls[0].order.OrderType.Limit.Tif; tif != exchange.TifGtc {
		t.Fatalf("expected Gtc, got %s", tif)
	}
}

func TestExchangeAdapterClassifiesErrors(t *testing.T) {
	adapter := newExchangeAdapter(&fakeExchange{err: &exchange.RejectionError{Message: "Post only order would have immediately matched"}})
	adapter.setSzDecimals(1, 3)
	_, err := adapter.PlaceOrder(context.Background(), exec.Order{Asset: 1, IsBuy: true, Size: 1, LimitPrice: 2000, PostOnly: true})
	if !errors.Is(err, exec.ErrRejected) {
		t.Fatalf("expected venue refusal to map to ErrRejected, got %v", err)
	}

	adapter = newExchangeAdapter(&fakeExchange{err: errors.New("connection reset")})
	adapter.setSzDecimals(1, 3)
	_, err = adapter.PlaceOrder(context.Background(), exec.Order{Asset: 1, IsBuy: true, Size: 1, LimitPrice: 2000})
	if err == nil || errors.Is(err, exec.ErrRejected) {
		t.Fatalf("expected transport error to stay retryable, got %v", err)
	}
}

func TestExchangeAdapterUnknownAssetRejected(t *testing.T) {
	fake := &fakeExchange{}
	adapter := newExchangeAdapter(fake)
	_, err := adapter.PlaceOrder(context.Background(), exec.Order{Asset: 9, Size: 1, LimitPrice: 10})
	if !errors.Is(err, exec.ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if len(fake.calls) != 0 {
		t.Fatalf("expected no venue call")
	}
}

func TestExchangeAdapterDustSizeRejected(t *testing.T) {
	adapter := newExchangeAdapter(&fakeExchange{})
	adapter.setSzDecimals(1, 2)
	_, err := adapter.PlaceOrder(context.Background(), exec.Order{Asset: 1, Size: 0.001, LimitPrice: 10})
	if !errors.Is(err, exec.ErrRejected) {
		t.Fatalf("expected size below one lot to be rejected, got %v", err)
	}
}

func TestExchangeAdapterModify(t *testing.T) {
	fake := &fakeExchange{resp: restingResponse(901)}
	adapter := newExchangeAdapter(fake)
	adapter.setSzDecimals(1, 3)

	oid, err := adapter.ModifyOrder(context.Background(), exec.Modify{OrderID: "900", Order: exec.Order{Asset: 1, IsBuy: false, Size: 0.5, LimitPrice: 2001.871}})
	if err != nil {
		t.Fatalf("modify error: %v", err)
	}
	if oid != "901" {
		t.Fatalf("expected new oid 901, got %q", oid)
	}
	call := fake.calls[0]
	if call.method != "modify" || call.oid != 900 || call.order.Price != "2001.9" {
		t.Fatalf("unexpected modify call: %+v", call)
	}

	fake.resp = map[string]any{"status": "ok", "response": map[string]any{"type": "default"}}
	oid, err = adapter.ModifyOrder(context.Background(), exec.Modify{OrderID: "900", Order: exec.Order{Asset: 1, Size: 0.5, LimitPrice: 2001}})
	if err != nil || oid != "900" {
		t.Fatalf("expected old oid kept, got %q %v", oid, err)
	}

	_, err = adapter.ModifyOrder(context.Background(), exec.Modify{OrderID: "abc", Order: exec.Order{Asset: 1, Size: 1, LimitPrice: 1}})
	if !errors.Is(err, exec.ErrRejected) {
		t.Fatalf("expected bad oid to be rejected, got %v", err)
	}
}

func TestExchangeAdapterCancel(t *testing.T) {
	fake := &fakeExchange{resp: map[string]any{"status": "ok"}}
	adapter := newExchangeAdapter(fake)

	if err := adapter.CancelOrder(context.Background(), exec.Cancel{Asset: 1, OrderID: "42", ClientID: "0xabc"}); err != nil {
		t.Fatalf("cancel error: %v", err)
	}
	if err := adapter.CancelOrder(context.Background(), exec.Cancel{Asset: 1, ClientID: "0xabc"}); err != nil {
		t.Fatalf("cancel by cloid error: %v", err)
	}
	if fake.calls[0].method != "cancel" || fake.calls[0].oid != 42 {
		t.Fatalf("expected cancel by oid first, got %+v", fake.calls[0])
	}
	if fake.calls[1].method != "cancelByCloid" || fake.calls[1].cloid != "0xabc" {
		t.Fatalf("expected cancel by cloid, got %+v", fake.calls[1])
	}
	if err := adapter.CancelOrder(context.Background(), exec.Cancel{Asset: 1}); !errors.Is(err, exec.ErrRejected) {
		t.Fatalf("expected cancel without ids to be rejected, got %v", err)
	}
}

func TestExchangeAdapterCancelAlreadyGone(t *testing.T) {
	adapter := newExchangeAdapter(&fakeExchange{err: &exchange.RejectionError{Message: "Order was never placed, already canceled, or filled."}})
	if err := adapter.CancelOrder(context.Background(), exec.Cancel{Asset: 1, OrderID: "42"}); err != nil {
		t.Fatalf("expected gone order to count as cancelled, got %v", err)
	}
}

type fakeOrders struct {
	mu    sync.Mutex
	calls int
	fail  int
	snap  domain.OrdersSnapshot
	gate  chan struct{}
}

func (f *fakeOrders) OrdersSnapshot(ctx context.Context, market string) (domain.OrdersSnapshot, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.fail {
		return domain.OrdersSnapshot{}, errors.New("rest unavailable")
	}
	out := f.snap
	out.Market = market
	return out, nil
}

type fakeSink struct {
	events chan domain.Event
}

func (f *fakeSink) Submit(_ context.Context, ev domain.Event) error {
	f.events <- ev
	return nil
}

func TestResyncerRetriesUntilSnapshot(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	source := &fakeOrders{fail: 2, snap: domain.OrdersSnapshot{Orders: []domain.OpenOrder{{OrderID: "1"}}}}
	r := newResyncer(ctx, source, zap.NewNop())
	r.retry = time.Millisecond
	sink := &fakeSink{events: make(chan domain.Event, 1)}
	r.register("ETH", sink)

	r.RequestResync("ETH")
	r.RequestResync("BTC")

	select {
	case ev := <-sink.events:
		snap, ok := ev.(domain.OrdersSnapshot)
		if !ok || snap.Market != "ETH" || len(snap.Orders) != 1 {
			t.Fatalf("unexpected event: %#v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for snapshot")
	}
	source.mu.Lock()
	defer source.mu.Unlock()
	if source.calls != 3 {
		t.Fatalf("expected 3 fetches, got %d", source.calls)
	}
}

func TestResyncerCollapsesConcurrentRequests(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	source := &fakeOrders{gate: make(chan struct{})}
	r := newResyncer(ctx, source, zap.NewNop())
	sink := &fakeSink{events: make(chan domain.Event, 4)}
	r.register("ETH", sink)

	r.RequestResync("ETH")
	r.RequestResync("ETH")
	r.RequestResync("ETH")
	close(source.gate)

	select {
	case <-sink.events:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for snapshot")
	}
	select {
	case ev := <-sink.events:
		t.Fatalf("expected a single resync, got extra %#v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

type fakeScheduler struct {
	mu    sync.Mutex
	times []time.Time
}

func (f *fakeScheduler) ScheduleCancel(_ context.Context, at time.Time) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.times = append(f.times, at)
	return map[string]any{"status": "ok"}, nil
}

func TestDeadMansSwitchRearms(t *testing.T) {
	sched := &fakeScheduler{}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()

	runDeadMansSwitch(ctx, sched, 60*time.Millisecond, zap.NewNop())

	sched.mu.Lock()
	defer sched.mu.Unlock()
	if len(sched.times) < 3 {
		t.Fatalf("expected the switch to be re-armed, got %d arms", len(sched.times))
	}
	if !sched.times[0].After(start.Add(50 * time.Millisecond)) {
		t.Fatalf("expected first deadline one window ahead, got %v", sched.times[0].Sub(start))
	}
}

func TestDeadMansSwitchDisabled(t *testing.T) {
	sched := &fakeScheduler{}
	runDeadMansSwitch(context.Background(), sched, -1, zap.NewNop())
	if len(sched.times) != 0 {
		t.Fatalf("expected no arms when disabled")
	}
}

func validMarket(name string) config.MarketConfig {
	postOnly := true
	return config.MarketConfig{
		Name:                name,
		K:                   0.0005,
		Alpha:               0.5,
		Beta:                0.25,
		BaseSpread:          0.001,
		QuoteNotionalCapUSD: 50,
		MinOrderSize:        0.001,
		PostOnly:            &postOnly,
		ReplaceThresholdBps: 2,
		ReplaceCoalesce:     400 * time.Millisecond,
		BookDepth:           25,
		SigmaWindow:         20,
		SigmaCap:            0.01,
		ValidAfter:          1,
		STP:                 "ACCOUNT",
		Risk:                config.RiskConfig{MaxNetPositionUSD: 200, MaxOpenOrders: 10, MinBalanceUSD: 50},
	}
}

func contextsServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rest.InfoRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Type != "metaAndAssetCtxs" {
			http.Error(w, "unexpected", http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`[{"universe":[{"name":"BTC","szDecimals":5},{"name":"ETH","szDecimals":4}]},[{"funding":"0.0001"},{"funding":"0.0003"}]]`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newSetupApp(t *testing.T, markets ...config.MarketConfig) (*App, *fakeBot) {
	t.Helper()
	srv := contextsServer(t)
	md := market.New(rest.New(srv.URL, time.Second, nil), nil, zap.NewNop())
	if err := md.RefreshContexts(context.Background()); err != nil {
		t.Fatalf("refresh contexts: %v", err)
	}
	venue := newExchangeAdapter(&fakeExchange{})
	bot := &fakeBot{}
	enabled := true
	a := &App{
		cfg: &config.Config{
			Metrics: config.MetricsConfig{Enabled: &enabled, Path: "/metrics"},
			Quoting: config.QuotingConfig{QuoteInterval: time.Hour},
			Markets: markets,
		},
		log:      zap.NewNop(),
		market:   md,
		venue:    venue,
		executor: exec.New(venue, nil, zap.NewNop()),
		prom:     metrics.NewPrometheus(),
		alerts:   bot,
		pnl:      state.NewPnLKeeper(nil, zap.NewNop()),
		markets:  make(map[string]*pipeline.Market),
	}
	return a, bot
}

func TestSetupMarketsSkipsInvalid(t *testing.T) {
	bad := validMarket("BTC")
	bad.K = -1
	disabled := validMarket("SOL")
	off := false
	disabled.Enabled = &off
	a, bot := newSetupApp(t, validMarket("ETH"), bad, validMarket("DOGE"), disabled)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	workers, err := a.setupMarkets(ctx, newResyncer(ctx, &fakeOrders{}, zap.NewNop()))
	if err != nil {
		t.Fatalf("setup error: %v", err)
	}
	if len(workers) != 1 {
		t.Fatalf("expected 1 worker, got %d", len(workers))
	}
	if names := a.marketNames(); len(names) != 1 || names[0] != "ETH" {
		t.Fatalf("expected only ETH, got %v", names)
	}
	msgs := bot.sent()
	if len(msgs) != 2 {
		t.Fatalf("expected alerts for BTC and DOGE, got %v", msgs)
	}
	if !strings.Contains(msgs[0], "BTC") || !strings.Contains(msgs[1], "DOGE") {
		t.Fatalf("unexpected alerts: %v", msgs)
	}
	if _, err := a.venue.decimals(1); err != nil {
		t.Fatalf("expected ETH szDecimals registered: %v", err)
	}
}

func TestSetupMarketsFailsWithoutValidMarket(t *testing.T) {
	bad := validMarket("ETH")
	bad.BaseSpread = 0
	a, _ := newSetupApp(t, bad)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := a.setupMarkets(ctx, newResyncer(ctx, &fakeOrders{}, zap.NewNop())); !errors.Is(err, ErrNoMarkets) {
		t.Fatalf("expected ErrNoMarkets, got %v", err)
	}
}

func TestDeliverRoutesToPipeline(t *testing.T) {
	a, _ := newTestApp(t)
	ctx := context.Background()

	a.deliver(ctx, "eth", domain.BalanceUpdate{Equity: 1234})
	a.deliver(ctx, "XRP", domain.BalanceUpdate{Equity: 1})

	p, _ := a.pipeline("ETH")
	deadline := time.Now().Add(2 * time.Second)
	for {
		st, err := p.Status(ctx)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if st.Equity == 1234 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected equity delivered, got %v", st.Equity)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHTTPResumeEndpoint(t *testing.T) {
	a, _ := newTestApp(t)
	srv := httptest.NewServer(a.httpHandler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/markets/xrp/resume", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown market, got %d", resp.StatusCode)
	}

	if _, err := a.haltMarket(context.Background(), "ETH"); err != nil {
		t.Fatalf("halt: %v", err)
	}
	resp, err = http.Post(srv.URL+"/markets/eth/resume", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body struct {
		Market  string `json:"market"`
		Cleared bool   `json:"cleared"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Market != "ETH" || !body.Cleared {
		t.Fatalf("unexpected body: %+v", body)
	}
	if !hasAuditEntry(a.store.(*memoryStore), "resume") {
		t.Fatalf("expected audit entry for http resume")
	}
}

func TestHTTPMetricsAndMarkets(t *testing.T) {
	a, _ := newTestApp(t)
	srv := httptest.NewServer(a.httpHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected metrics 200, got %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/markets")
	if err != nil {
		t.Fatalf("get markets: %v", err)
	}
	defer resp.Body.Close()
	var out []marketStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 1 || out[0].Market != "ETH" || out[0].Breaker != "closed" {
		t.Fatalf("unexpected markets: %+v", out)
	}
}

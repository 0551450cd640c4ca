package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"hl-mm-bot/internal/account"
	"hl-mm-bot/internal/alerts"
	"hl-mm-bot/internal/config"
	"hl-mm-bot/internal/domain"
	"hl-mm-bot/internal/exec"
	"hl-mm-bot/internal/export"
	"hl-mm-bot/internal/hl/exchange"
	"hl-mm-bot/internal/hl/rest"
	"hl-mm-bot/internal/hl/ws"
	"hl-mm-bot/internal/market"
	"hl-mm-bot/internal/metrics"
	"hl-mm-bot/internal/pipeline"
	"hl-mm-bot/internal/state"
	"hl-mm-bot/internal/state/sqlite"
	"hl-mm-bot/internal/timescale"

	"go.uber.org/zap"
)

var (
	ErrNoMarkets     = errors.New("no valid markets configured")
	errUnknownMarket = errors.New("unknown market")
)

const (
	pnlPersistInterval = 15 * time.Second
	shutdownTimeout    = 10 * time.Second
)

// notifierBot is the telegram surface the app needs: alerts out, operator
// commands in.
type notifierBot interface {
	Send(ctx context.Context, message string) error
	GetUpdates(ctx context.Context, offset int64, wait time.Duration) ([]alerts.Update, error)
}

type App struct {
	cfg       *config.Config
	log       *zap.Logger
	store     state.Store
	rest      *rest.Client
	exchange  *exchange.Client
	venue     *exchangeAdapter
	market    *market.MarketData
	account   *account.Account
	executor  *exec.Executor
	prom      *metrics.Prometheus
	alerts    notifierBot
	timescale *timescale.Writer
	kafka     *export.Publisher
	pnl       *state.PnLKeeper

	mu      sync.RWMutex
	markets map[string]*pipeline.Market
	names   []string

	operatorWarned bool
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	restClient := rest.New(cfg.REST.BaseURL, cfg.REST.Timeout, log)
	marketWS := ws.New(cfg.WS.URL, cfg.WS.ReconnectDelay, cfg.WS.PingInterval, log)
	marketData := market.New(restClient, marketWS, log)

	walletAddress := strings.TrimSpace(os.Getenv("HL_WALLET_ADDRESS"))
	if walletAddress == "" {
		_ = store.Close()
		return nil, errors.New("HL_WALLET_ADDRESS is required")
	}
	privateKey := strings.TrimSpace(os.Getenv("HL_PRIVATE_KEY"))
	if privateKey == "" {
		_ = store.Close()
		return nil, errors.New("HL_PRIVATE_KEY is required")
	}
	accountAddress := strings.TrimSpace(os.Getenv("HL_ACCOUNT_ADDRESS"))
	if accountAddress == "" {
		accountAddress = walletAddress
	}
	vaultAddress := strings.TrimSpace(os.Getenv("HL_VAULT_ADDRESS"))
	isMainnet := !strings.Contains(strings.ToLower(cfg.REST.BaseURL), "testnet")
	signer, err := exchange.NewSigner(privateKey, isMainnet)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if !strings.EqualFold(walletAddress, signer.Address().Hex()) {
		_ = store.Close()
		return nil, fmt.Errorf("wallet address does not match private key: got %s expected %s", walletAddress, signer.Address().Hex())
	}
	exClient, err := exchange.NewClient(cfg.REST.BaseURL, cfg.REST.Timeout, signer, vaultAddress)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	exClient.SetLogger(log)
	venue := newExchangeAdapter(exClient)

	accountWS := ws.New(cfg.WS.URL, cfg.WS.ReconnectDelay, cfg.WS.PingInterval, log)
	accountClient := account.New(restClient, accountWS, log, accountAddress)

	tsWriter, err := timescale.New(cfg.Timescale, log)
	if err != nil {
		log.Warn("timescale disabled", zap.Error(err))
		tsWriter = nil
	}
	publisher, err := export.NewPublisher(cfg.Kafka, log)
	if err != nil {
		log.Warn("kafka export disabled", zap.Error(err))
		publisher = nil
	}

	return &App{
		cfg:       cfg,
		log:       log,
		store:     store,
		rest:      restClient,
		exchange:  exClient,
		venue:     venue,
		market:    marketData,
		account:   accountClient,
		executor:  exec.New(venue, store, log),
		prom:      metrics.NewPrometheus(),
		alerts:    alerts.NewTelegram(cfg.Telegram, log),
		timescale: tsWriter,
		kafka:     publisher,
		pnl:       state.NewPnLKeeper(store, log),
		markets:   make(map[string]*pipeline.Market),
	}, nil
}

// Run starts every valid market and blocks until ctx is cancelled or a
// component fails.
func (a *App) Run(ctx context.Context) error {
	defer a.close()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.initNonceStore(ctx)
	if err := a.market.RefreshContexts(ctx); err != nil {
		a.notify(ctx, fmt.Sprintf("startup failed: asset contexts unavailable: %v", err))
		return fmt.Errorf("load asset contexts: %w", err)
	}
	resync := newResyncer(ctx, a.account, a.log)
	workers, err := a.setupMarkets(ctx, resync)
	if err != nil {
		a.notify(ctx, fmt.Sprintf("startup failed: %v", err))
		return err
	}
	names := a.marketNames()
	a.logLastPnL(ctx, names)
	a.cancelOpenOrders(ctx)

	errCh := make(chan error, 1)
	var wg sync.WaitGroup
	spawn := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				select {
				case errCh <- fmt.Errorf("%s: %w", name, err):
				default:
				}
			}
		}()
	}
	for _, name := range names {
		p, _ := a.pipeline(name)
		spawn("pipeline "+name, p.Run)
	}
	for _, w := range workers {
		spawn("worker", w.Run)
	}

	sink := func(name string, ev domain.Event) {
		a.deliver(ctx, name, ev)
	}
	if err := a.account.Start(ctx, names, sink); err != nil {
		return err
	}
	if err := a.market.Start(ctx, names, sink); err != nil {
		return err
	}
	if err := a.account.Bootstrap(ctx); err != nil {
		a.log.Warn("account bootstrap failed; waiting for ws balance", zap.Error(err))
	}

	a.timescale.Start(ctx)
	a.kafka.Start(ctx)
	go a.market.PollFunding(ctx, a.cfg.Quoting.FundingRefresh)
	go a.pnl.Run(ctx, pnlPersistInterval)
	go runDeadMansSwitch(ctx, a.exchange, a.cfg.Quoting.DeadMansSwitch, a.log)
	if a.cfg.Metrics.EnabledValue() {
		spawn("http", a.serveHTTP)
	}
	a.startOperator(ctx)
	a.log.Info("quoting started", zap.Strings("markets", names))

	var runErr error
	select {
	case <-ctx.Done():
		runErr = ctx.Err()
	case runErr = <-errCh:
		a.log.Error("component failed; shutting down", zap.Error(runErr))
		a.notify(ctx, fmt.Sprintf("bot stopping: %v", runErr))
	}
	cancel()
	wg.Wait()

	shutdownCtx, done := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer done()
	a.cancelOpenOrders(shutdownCtx)
	return runErr
}

func (a *App) close() {
	if a.timescale != nil {
		if err := a.timescale.Close(); err != nil {
			a.log.Warn("timescale close failed", zap.Error(err))
		}
	}
	if a.kafka != nil {
		if err := a.kafka.Close(); err != nil {
			a.log.Warn("kafka close failed", zap.Error(err))
		}
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}

func (a *App) initNonceStore(ctx context.Context) {
	if a.exchange == nil || a.store == nil {
		return
	}
	if err := a.exchange.InitNonceStore(ctx, a.store); err != nil {
		a.log.Warn("nonce store init failed", zap.Error(err))
	} else if st, ok := a.exchange.NonceState(); ok {
		a.log.Info("nonce persistence enabled", zap.String("nonce_key", st.Key), zap.Uint64("nonce_seed", st.Last))
	}
}

// setupMarkets builds one pipeline and one venue worker per valid market.
// An invalid market is skipped with an alert.
func (a *App) setupMarkets(ctx context.Context, resync *resyncer) ([]*exec.Worker, error) {
	var workers []*exec.Worker
	for _, mc := range a.cfg.Markets {
		if !mc.EnabledValue() {
			a.log.Info("market disabled", zap.String("market", mc.Name))
			continue
		}
		if err := mc.Validate(); err != nil {
			a.skipMarket(ctx, mc.Name, err)
			continue
		}
		perp, ok := a.market.PerpContext(mc.Name)
		if !ok {
			a.skipMarket(ctx, mc.Name, fmt.Errorf("perp %s not listed: %w", mc.Name, config.ErrConfigInvalid))
			continue
		}
		if !strings.EqualFold(mc.STP, "ACCOUNT") {
			a.log.Warn("venue only supports account-level self-trade prevention", zap.String("market", mc.Name), zap.String("stp", mc.STP))
		}
		a.venue.setSzDecimals(perp.Index, perp.SzDecimals)

		m := metrics.NewNoop()
		if a.cfg.Metrics.EnabledValue() {
			m = a.prom.ForMarket(mc.Name)
		}
		var worker *exec.Worker
		p := pipeline.New(mc, a.cfg.Quoting, a.cfg.Breaker, pipeline.Deps{
			Log:     a.log,
			Metrics: m,
			Dispatcher: dispatchFunc(func(cmd domain.OrderCommand) bool {
				return worker.Dispatch(cmd)
			}),
			Resyncer:  resync,
			Recorders: a.recorders(),
			Notifier:  a.alerts,
		})
		p.SetLotSize(exchange.LotSize(perp.SzDecimals))
		worker = exec.NewWorker(mc.Name, perp.Index, a.executor, p, a.cfg.Quoting.CommandTimeout, 0, a.log)
		resync.register(mc.Name, p)
		a.addMarket(p)
		workers = append(workers, worker)
		a.log.Info("market ready",
			zap.String("market", mc.Name),
			zap.Int("asset", perp.Index),
			zap.Int("sz_decimals", perp.SzDecimals),
		)
	}
	if len(workers) == 0 {
		return nil, ErrNoMarkets
	}
	return workers, nil
}

func (a *App) skipMarket(ctx context.Context, name string, err error) {
	a.log.Error("market skipped", zap.String("market", name), zap.Error(err))
	a.notify(ctx, fmt.Sprintf("%s disabled: %v", name, err))
}

func (a *App) recorders() []pipeline.Recorder {
	out := []pipeline.Recorder{a.pnl}
	if a.timescale != nil {
		out = append(out, a.timescale)
	}
	if a.kafka != nil {
		out = append(out, a.kafka)
	}
	return out
}

func (a *App) addMarket(p *pipeline.Market) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.markets == nil {
		a.markets = make(map[string]*pipeline.Market)
	}
	a.markets[p.Name()] = p
	a.names = append(a.names, p.Name())
}

func (a *App) pipeline(name string) (*pipeline.Market, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	p, ok := a.markets[strings.ToUpper(strings.TrimSpace(name))]
	return p, ok
}

func (a *App) marketNames() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]string(nil), a.names...)
}

func (a *App) deliver(ctx context.Context, name string, ev domain.Event) {
	p, ok := a.pipeline(name)
	if !ok {
		return
	}
	if err := p.Submit(ctx, ev); err != nil && ctx.Err() == nil {
		a.log.Warn("event delivery failed", zap.String("market", name), zap.Error(err))
	}
}

func (a *App) notify(ctx context.Context, msg string) {
	if a.alerts == nil {
		return
	}
	if err := a.alerts.Send(ctx, msg); err != nil {
		a.log.Warn("alert failed", zap.Error(err))
	}
}

func (a *App) logLastPnL(ctx context.Context, names []string) {
	for _, name := range names {
		snap, ok, err := state.LoadPnLSnapshot(ctx, a.store, name)
		if err != nil {
			a.log.Warn("last pnl snapshot unreadable", zap.String("market", name), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		a.log.Info("previous session pnl",
			zap.String("market", name),
			zap.Time("at", snap.Time),
			zap.Float64("inventory", snap.Inventory),
			zap.Float64("net_pnl", snap.NetPnL),
			zap.Float64("fees", snap.Fees),
			zap.Float64("funding", snap.Funding),
		)
	}
}

// cancelOpenOrders removes resting orders on the configured markets, e.g.
// orphans from a previous session or leftovers at shutdown.
func (a *App) cancelOpenOrders(ctx context.Context) {
	open, err := a.account.OpenOrders(ctx)
	if err != nil {
		a.log.Warn("open orders fetch failed", zap.Error(err))
		return
	}
	for name, orders := range open {
		if _, ok := a.pipeline(name); !ok {
			continue
		}
		asset, ok := a.market.PerpAssetID(name)
		if !ok {
			a.log.Warn("open order on unknown asset", zap.String("market", name))
			continue
		}
		for _, order := range orders {
			err := a.executor.CancelOrder(ctx, exec.Cancel{Asset: asset, OrderID: order.OrderID, ClientID: order.ClientID})
			if err != nil {
				a.log.Warn("failed to cancel order", zap.String("market", name), zap.String("order_id", order.OrderID), zap.Error(err))
				continue
			}
			a.log.Info("cancelled resting order", zap.String("market", name), zap.String("order_id", order.OrderID))
		}
	}
}

type dispatchFunc func(cmd domain.OrderCommand) bool

func (f dispatchFunc) Dispatch(cmd domain.OrderCommand) bool {
	return f(cmd)
}

type cancelScheduler interface {
	ScheduleCancel(ctx context.Context, at time.Time) (map[string]any, error)
}

// runDeadMansSwitch keeps a venue-side cancel-all armed window ahead of now,
// refreshing it every third of the window.
func runDeadMansSwitch(ctx context.Context, sched cancelScheduler, window time.Duration, log *zap.Logger) {
	if sched == nil || window <= 0 {
		return
	}
	if log == nil {
		log = zap.NewNop()
	}
	arm := func() {
		if _, err := sched.ScheduleCancel(ctx, time.Now().Add(window)); err != nil && ctx.Err() == nil {
			log.Warn("dead man's switch arm failed", zap.Error(err))
		}
	}
	arm()
	ticker := time.NewTicker(window / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			arm()
		}
	}
}

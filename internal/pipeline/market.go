// Package pipeline runs one market: a single goroutine owns the book, risk
// state and execution engine and processes every event in arrival order.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"hl-mm-bot/internal/book"
	"hl-mm-bot/internal/config"
	"hl-mm-bot/internal/domain"
	"hl-mm-bot/internal/execution"
	"hl-mm-bot/internal/metrics"
	"hl-mm-bot/internal/pnl"
	"hl-mm-bot/internal/quote"
	"hl-mm-bot/internal/risk"

	"go.uber.org/zap"
)

var ErrStopped = errors.New("pipeline stopped")

// Dispatcher hands a command to the venue worker without blocking. It
// returns false when the command could not be queued.
type Dispatcher interface {
	Dispatch(cmd domain.OrderCommand) bool
}

// Resyncer asks the account feed for a fresh open-orders snapshot, which
// arrives back as a domain.OrdersSnapshot event.
type Resyncer interface {
	RequestResync(market string)
}

type Recorder interface {
	RecordQuote(snap domain.QuoteSnapshot)
	RecordPnL(snap domain.PnLSnapshot)
}

type Notifier interface {
	Send(ctx context.Context, message string) error
}

type Deps struct {
	Log        *zap.Logger
	Metrics    *metrics.Metrics
	Dispatcher Dispatcher
	Resyncer   Resyncer
	Recorders  []Recorder
	Notifier   Notifier
	Clock      func() time.Time
}

type Status struct {
	Market        string
	BookValid     bool
	Mid           float64
	Sigma         float64
	Equity        float64
	FundingRate   float64
	Inventory     float64
	EntryPrice    float64
	NetPnL        float64
	OpenOrders    int
	Stale         bool
	Breaker       risk.BreakerState
	BreakerReason string
}

type control struct {
	fn   func(now time.Time)
	done chan struct{}
}

type Market struct {
	name     string
	cfg      config.MarketConfig
	quoting  config.QuotingConfig
	log      *zap.Logger
	metrics  *metrics.Metrics
	dispatch Dispatcher
	resync   Resyncer
	recorder []Recorder
	notifier Notifier
	clock    func() time.Time

	book    *book.Book
	risk    *risk.Manager
	breaker *risk.Breaker
	engine  *execution.Engine

	inbox   chan domain.Event
	control chan control
	stopped chan struct{}

	equity      float64
	hasEquity   bool
	funding     float64
	marketDown  bool
	accountDown bool
	ticks       int
}

func New(cfg config.MarketConfig, quoting config.QuotingConfig, breaker config.BreakerConfig, deps Deps) *Market {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("market", cfg.Name))
	m := deps.Metrics
	if m == nil {
		m = metrics.NewNoop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	inboxSize := quoting.InboxSize
	if inboxSize <= 0 {
		inboxSize = 1024
	}
	return &Market{
		name:     cfg.Name,
		cfg:      cfg,
		quoting:  quoting,
		log:      log,
		metrics:  m,
		dispatch: deps.Dispatcher,
		resync:   deps.Resyncer,
		recorder: deps.Recorders,
		notifier: deps.Notifier,
		clock:    clock,
		book:     book.New(cfg),
		risk:     risk.NewManager(cfg.Risk, m),
		breaker:  risk.NewBreaker(breaker, m),
		engine:   execution.NewEngine(cfg, log),
		inbox:    make(chan domain.Event, inboxSize),
		control:  make(chan control),
		stopped:  make(chan struct{}),
	}
}

func (m *Market) Name() string {
	return m.name
}

// SetLotSize passes the venue size increment to the execution engine. Call it
// before Run.
func (m *Market) SetLotSize(step float64) {
	m.engine.SetLotSize(step)
}

// Submit queues an event for the pipeline goroutine.
func (m *Market) Submit(ctx context.Context, ev domain.Event) error {
	select {
	case m.inbox <- ev:
		return nil
	case <-m.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run owns all market state until ctx is cancelled.
func (m *Market) Run(ctx context.Context) error {
	defer close(m.stopped)
	interval := m.quoting.QuoteInterval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	m.log.Info("market pipeline started",
		zap.Duration("quote_interval", interval),
		zap.String("stp", m.cfg.STP),
		zap.Bool("post_only", m.cfg.PostOnlyValue()),
	)
	for {
		select {
		case <-ctx.Done():
			m.log.Info("market pipeline stopped")
			return ctx.Err()
		case ev := <-m.inbox:
			m.handle(ctx, ev)
		case req := <-m.control:
			req.fn(m.clock())
			close(req.done)
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// do runs fn on the pipeline goroutine and waits for it.
func (m *Market) do(ctx context.Context, fn func(now time.Time)) error {
	req := control{fn: fn, done: make(chan struct{})}
	select {
	case m.control <- req:
	case <-m.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-req.done:
		return nil
	case <-m.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Market) Status(ctx context.Context) (Status, error) {
	var st Status
	err := m.do(ctx, func(time.Time) { st = m.status() })
	return st, err
}

// Halt trips the breaker by hand. It returns false if it was already open.
func (m *Market) Halt(ctx context.Context) (bool, error) {
	var tripped bool
	err := m.do(ctx, func(now time.Time) {
		tripped = m.breaker.Trip(risk.TripManual, now)
		if tripped {
			m.onTrip(ctx, now)
		}
	})
	return tripped, err
}

// Resume clears an open breaker. Quoting restarts on the next tick.
func (m *Market) Resume(ctx context.Context) (bool, error) {
	var cleared bool
	err := m.do(ctx, func(time.Time) {
		cleared = m.breaker.Reset()
		if cleared {
			m.log.Warn("circuit breaker cleared")
		}
	})
	return cleared, err
}

func (m *Market) status() Status {
	st := m.book.State()
	snap := m.engine.Snapshot()
	return Status{
		Market:        m.name,
		BookValid:     st.Valid && !m.marketDown,
		Mid:           st.Mid,
		Sigma:         st.Sigma,
		Equity:        m.equity,
		FundingRate:   m.funding,
		Inventory:     snap.Position.Inventory,
		EntryPrice:    snap.Position.EntryPrice,
		NetPnL:        pnl.Project(snap, st.Mid, m.clock()).NetPnL,
		OpenOrders:    m.engine.OpenOrders(),
		Stale:         snap.Stale,
		Breaker:       m.breaker.State(),
		BreakerReason: m.breaker.Reason(),
	}
}

func (m *Market) handle(ctx context.Context, ev domain.Event) {
	now := m.clock()
	switch e := ev.(type) {
	case domain.BookUpdate:
		if err := m.book.Apply(e); err != nil {
			m.log.Warn("book update rejected", zap.Error(err))
			return
		}
		if st := m.book.State(); st.Valid {
			m.metrics.Mid.Set(st.Mid)
			m.metrics.Sigma.Set(st.Sigma)
		}
	case domain.Fill:
		if err := m.engine.OnFill(e, m.book.State().Mid); err != nil {
			m.log.Warn("fill rejected", zap.Error(err))
			return
		}
		m.metrics.Fills.Inc()
		m.metrics.Inventory.Set(m.engine.Inventory())
		m.log.Info("fill applied",
			zap.String("side", string(e.Side)),
			zap.Float64("price", e.Price),
			zap.Float64("size", e.Size),
			zap.Float64("inventory", m.engine.Inventory()),
		)
	case domain.BalanceUpdate:
		m.equity = e.Equity
		m.hasEquity = true
	case domain.FeeConfig:
		m.engine.SetMakerRate(e.MakerRate)
	case domain.FundingRate:
		m.funding = e.Rate
	case domain.FundingPayment:
		m.engine.OnFunding(e.Amount)
	case domain.CommandResult:
		m.onResult(ctx, e, now)
	case domain.OrderUpdate:
		if err := m.engine.OnOrderUpdate(e); err != nil {
			m.log.Warn("order update refused", zap.Error(err))
		}
	case domain.OrdersSnapshot:
		m.send(m.engine.Resync(e.Orders, now))
		m.log.Info("orders resynced", zap.Int("open", len(e.Orders)))
	case domain.FeedStatus:
		m.onFeed(e, now)
	default:
		m.log.Warn("unknown event", zap.String("type", fmt.Sprintf("%T", ev)))
	}
}

func (m *Market) onResult(ctx context.Context, res domain.CommandResult, now time.Time) {
	out, err := m.engine.Resolve(res)
	if err != nil {
		m.log.Warn("order transition refused", zap.Error(err))
	}
	if !out.Matched {
		return
	}
	cmd := res.Command
	switch {
	case res.Rejected:
		m.metrics.OrdersRejected.Inc()
		m.log.Warn("venue rejected command",
			zap.String("type", string(cmd.Type)),
			zap.String("side", string(cmd.Side)),
			zap.Float64("price", cmd.Price),
			zap.Error(res.Err),
		)
	case res.Err != nil:
		m.metrics.OrdersFailed.Inc()
		m.log.Error("command failed", zap.String("type", string(cmd.Type)), zap.Error(res.Err))
	default:
		switch cmd.Type {
		case domain.CommandPlace:
			m.metrics.OrdersPlaced.Inc()
		case domain.CommandReplace:
			m.metrics.OrdersReplaced.Inc()
		case domain.CommandCancel:
			m.metrics.OrdersCanceled.Inc()
		}
	}
	if m.breaker.RecordResult(res.Err != nil, res.Latency, now) {
		m.onTrip(ctx, now)
	}
	if out.NeedResync {
		m.engine.MarkStale()
		m.requestResync()
		return
	}
	if m.breaker.IsOpen() {
		m.send(m.engine.CancelAll(now))
		return
	}
	m.send(m.engine.Flush(now))
}

func (m *Market) onFeed(status domain.FeedStatus, now time.Time) {
	switch status.Feed {
	case domain.FeedMarketData:
		m.marketDown = !status.Up
		if !status.Up {
			m.book.Invalidate(now)
			m.log.Warn("market data feed down; book invalidated")
		}
	case domain.FeedAccount:
		if !status.Up {
			m.accountDown = true
			m.engine.MarkStale()
			m.log.Warn("account feed down; live orders marked stale")
			return
		}
		if m.accountDown {
			m.accountDown = false
			m.requestResync()
		}
	}
}

func (m *Market) requestResync() {
	if m.resync != nil {
		m.resync.RequestResync(m.name)
	}
}

func (m *Market) tick(ctx context.Context) {
	now := m.clock()
	st := m.book.State()
	valid := st.Valid && !m.marketDown
	if m.breaker.ObserveBook(valid, st.Sigma, st.HasSigma, now) {
		m.onTrip(ctx, now)
	}
	if m.breaker.IsOpen() {
		m.send(m.engine.CancelAll(now))
		return
	}

	target := domain.NoQuote()
	if !valid {
		m.metrics.BookInvalid.Inc()
	} else if desired, ok := quote.Compute(quote.Inputs{
		Book:        st,
		Inventory:   m.engine.Inventory(),
		Equity:      m.equity,
		FundingRate: m.funding,
	}, m.cfg); ok {
		decision := m.risk.Evaluate(desired, risk.Exposure{
			Inventory:  m.engine.Inventory(),
			Mid:        st.Mid,
			Equity:     m.equity,
			HasEquity:  m.hasEquity,
			OpenOrders: m.engine.OpenOrders(),
			Resting:    m.engine.Resting(),
		})
		if len(decision.Breaches) > 0 {
			m.log.Debug("risk clamped quote", zap.Any("breaches", decision.Breaches), zap.Bool("cancel_all", decision.CancelAll))
		}
		target = decision.Quote
	}
	m.send(m.engine.Reconcile(target, now))

	m.ticks++
	every := m.quoting.SnapshotEvery
	if every <= 0 {
		every = 1
	}
	if m.ticks%every == 0 {
		m.record(st, valid, target, now)
	}
}

func (m *Market) record(st book.State, valid bool, target domain.QuotePair, now time.Time) {
	snap := m.engine.Snapshot()
	p := pnl.Project(snap, st.Mid, now)
	m.metrics.NetPnL.Set(p.NetPnL)
	m.metrics.Inventory.Set(p.Inventory)
	q := domain.QuoteSnapshot{
		Market:    m.name,
		Time:      now,
		Mid:       st.Mid,
		Sigma:     st.Sigma,
		Valid:     valid,
		Inventory: snap.Position.Inventory,
		Bid:       target.Bid,
		Ask:       target.Ask,
	}
	for _, r := range m.recorder {
		r.RecordQuote(q)
		r.RecordPnL(p)
	}
}

func (m *Market) onTrip(ctx context.Context, now time.Time) {
	reason := m.breaker.Reason()
	m.log.Error("circuit breaker tripped; cancelling all orders", zap.String("reason", reason))
	m.send(m.engine.CancelAll(now))
	if m.notifier == nil {
		return
	}
	msg := fmt.Sprintf("%s circuit breaker tripped (%s); quoting suspended until /resume %s", m.name, reason, m.name)
	go func() {
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := m.notifier.Send(sendCtx, msg); err != nil {
			m.log.Warn("breaker alert failed", zap.Error(err))
		}
	}()
}

func (m *Market) send(cmds []domain.OrderCommand) {
	for _, cmd := range cmds {
		if m.dispatch != nil && m.dispatch.Dispatch(cmd) {
			continue
		}
		m.log.Warn("command queue full; dropping command",
			zap.String("type", string(cmd.Type)),
			zap.String("side", string(cmd.Side)),
		)
		out, err := m.engine.Abandon(cmd)
		if err != nil {
			m.log.Warn("order transition refused", zap.Error(err))
		}
		if out.NeedResync {
			m.requestResync()
		}
	}
}

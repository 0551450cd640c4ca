package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"hl-mm-bot/internal/config"
	"hl-mm-bot/internal/domain"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// Writer stores quote and PnL snapshots. Record calls come from market
// pipelines and never block: a full queue drops the snapshot.
type Writer struct {
	db        *sql.DB
	log       *zap.Logger
	schema    string
	quotes    chan domain.QuoteSnapshot
	pnl       chan domain.PnLSnapshot
	started   atomic.Bool
	dropQuote atomic.Uint64
	dropPnL   atomic.Uint64
}

func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	writer := newWriter(db, log, cfg.Schema, cfg.QueueSize)
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func newWriter(db *sql.DB, log *zap.Logger, schema string, queueSize int) *Writer {
	if log == nil {
		log = zap.NewNop()
	}
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = "public"
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Writer{
		db:     db,
		log:    log,
		schema: schema,
		quotes: make(chan domain.QuoteSnapshot, queueSize),
		pnl:    make(chan domain.PnLSnapshot, queueSize),
	}
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) RecordQuote(snap domain.QuoteSnapshot) {
	if w == nil {
		return
	}
	select {
	case w.quotes <- snap:
	default:
		if w.dropQuote.Add(1) == 1 {
			w.log.Warn("timescale quote queue full")
		}
	}
}

func (w *Writer) RecordPnL(snap domain.PnLSnapshot) {
	if w == nil {
		return
	}
	select {
	case w.pnl <- snap:
	default:
		if w.dropPnL.Add(1) == 1 {
			w.log.Warn("timescale pnl queue full")
		}
	}
}

// Dropped reports how many quote and PnL snapshots were discarded.
func (w *Writer) Dropped() (quotes, pnl uint64) {
	return w.dropQuote.Load(), w.dropPnL.Load()
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-w.quotes:
			w.insert(ctx, "quote", w.quoteInsert(), quoteArgs(snap))
		case snap := <-w.pnl:
			w.insert(ctx, "pnl", w.pnlInsert(), pnlArgs(snap))
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		market TEXT NOT NULL,
		mid DOUBLE PRECISION NOT NULL,
		sigma DOUBLE PRECISION NOT NULL,
		book_valid BOOLEAN NOT NULL,
		inventory DOUBLE PRECISION NOT NULL,
		bid_px DOUBLE PRECISION NOT NULL,
		bid_sz DOUBLE PRECISION NOT NULL,
		ask_px DOUBLE PRECISION NOT NULL,
		ask_sz DOUBLE PRECISION NOT NULL
	)`, w.table("quote_snapshots"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		market TEXT NOT NULL,
		mid DOUBLE PRECISION NOT NULL,
		inventory DOUBLE PRECISION NOT NULL,
		entry_price DOUBLE PRECISION NOT NULL,
		spread_pnl DOUBLE PRECISION NOT NULL,
		inventory_pnl DOUBLE PRECISION NOT NULL,
		fees DOUBLE PRECISION NOT NULL,
		funding DOUBLE PRECISION NOT NULL,
		net_pnl DOUBLE PRECISION NOT NULL
	)`, w.table("pnl_snapshots"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		w.log.Warn("timescale extension ensure failed", zap.Error(err))
		return nil
	}
	for _, name := range []string{"quote_snapshots", "pnl_snapshots"} {
		if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(name))); err != nil {
			w.log.Warn("timescale hypertable create failed", zap.String("table", name), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) quoteInsert() string {
	return fmt.Sprintf(`INSERT INTO %s (
		ts, market, mid, sigma, book_valid, inventory, bid_px, bid_sz, ask_px, ask_sz
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`, w.table("quote_snapshots"))
}

func (w *Writer) pnlInsert() string {
	return fmt.Sprintf(`INSERT INTO %s (
		ts, market, mid, inventory, entry_price, spread_pnl, inventory_pnl, fees, funding, net_pnl
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`, w.table("pnl_snapshots"))
}

func quoteArgs(s domain.QuoteSnapshot) []any {
	return []any{
		s.Time, s.Market, s.Mid, s.Sigma, s.Valid, s.Inventory,
		s.Bid.Price, s.Bid.Size, s.Ask.Price, s.Ask.Size,
	}
}

func pnlArgs(s domain.PnLSnapshot) []any {
	return []any{
		s.Time, s.Market, s.Mid, s.Inventory, s.EntryPrice,
		s.SpreadPnL, s.InventoryPnL, s.Fees, s.Funding, s.NetPnL,
	}
}

func (w *Writer) insert(ctx context.Context, kind, query string, args []any) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if _, err := w.db.ExecContext(ctx, query, args...); err != nil {
		w.log.Warn("timescale insert failed", zap.String("kind", kind), zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}

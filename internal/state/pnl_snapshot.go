package state

import (
	"context"
	"strings"
	"sync"
	"time"

	"hl-mm-bot/internal/domain"

	"go.uber.org/zap"
)

const pnlSnapshotPrefix = "pnl:last:"

func PnLSnapshotKey(market string) string {
	return pnlSnapshotPrefix + strings.ToUpper(strings.TrimSpace(market))
}

func LoadPnLSnapshot(ctx context.Context, store Store, market string) (domain.PnLSnapshot, bool, error) {
	if store == nil {
		return domain.PnLSnapshot{}, false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var snapshot domain.PnLSnapshot
	ok, err := GetJSON(ctx, store, PnLSnapshotKey(market), &snapshot)
	if err != nil || !ok {
		return domain.PnLSnapshot{}, false, err
	}
	return snapshot, true, nil
}

func SavePnLSnapshot(ctx context.Context, store Store, snapshot domain.PnLSnapshot) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return SetJSON(ctx, store, PnLSnapshotKey(snapshot.Market), snapshot)
}

// PnLKeeper holds the newest PnL snapshot per market and persists it on an
// interval. Record calls never touch the store.
type PnLKeeper struct {
	store Store
	log   *zap.Logger

	mu      sync.Mutex
	pending map[string]domain.PnLSnapshot
}

func NewPnLKeeper(store Store, log *zap.Logger) *PnLKeeper {
	if log == nil {
		log = zap.NewNop()
	}
	return &PnLKeeper{store: store, log: log, pending: make(map[string]domain.PnLSnapshot)}
}

func (k *PnLKeeper) RecordQuote(domain.QuoteSnapshot) {}

func (k *PnLKeeper) RecordPnL(snap domain.PnLSnapshot) {
	k.mu.Lock()
	k.pending[snap.Market] = snap
	k.mu.Unlock()
}

func (k *PnLKeeper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			k.Flush(flushCtx)
			cancel()
			return
		case <-ticker.C:
			k.Flush(ctx)
		}
	}
}

func (k *PnLKeeper) Flush(ctx context.Context) {
	k.mu.Lock()
	pending := k.pending
	k.pending = make(map[string]domain.PnLSnapshot, len(pending))
	k.mu.Unlock()
	for _, snap := range pending {
		if err := SavePnLSnapshot(ctx, k.store, snap); err != nil {
			k.log.Warn("pnl snapshot persist failed", zap.String("market", snap.Market), zap.Error(err))
		}
	}
}

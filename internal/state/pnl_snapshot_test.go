package state

import (
	"context"
	"sync"
	"testing"
	"time"

	"hl-mm-bot/internal/domain"
)

type memoryStore struct {
	mu    sync.Mutex
	items map[string]string
}

func (m *memoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.items[key]
	return val, ok, nil
}

func (m *memoryStore) Set(ctx context.Context, key, value string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.items == nil {
		m.items = make(map[string]string)
	}
	m.items[key] = value
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *memoryStore) Close() error {
	return nil
}

func TestPnLSnapshotRoundTrip(t *testing.T) {
	store := &memoryStore{}
	ctx := context.Background()
	snapshot := domain.PnLSnapshot{
		Market:       "ETH",
		Time:         time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Mid:          2000,
		Inventory:    0.5,
		EntryPrice:   1990,
		SpreadPnL:    1.5,
		InventoryPnL: 5,
		Fees:         -0.2,
		Funding:      0.1,
		NetPnL:       6.4,
	}
	if err := SavePnLSnapshot(ctx, store, snapshot); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}
	got, ok, err := LoadPnLSnapshot(ctx, store, "eth")
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if !ok {
		t.Fatalf("expected snapshot to be present")
	}
	if !got.Time.Equal(snapshot.Time) {
		t.Fatalf("unexpected time %v", got.Time)
	}
	got.Time = snapshot.Time
	if got != snapshot {
		t.Fatalf("unexpected snapshot: %#v", got)
	}
}

func TestPnLSnapshotMissing(t *testing.T) {
	store := &memoryStore{}
	got, ok, err := LoadPnLSnapshot(context.Background(), store, "ETH")
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if ok {
		t.Fatalf("expected no snapshot, got %#v", got)
	}
}

func TestPnLSnapshotInvalid(t *testing.T) {
	store := &memoryStore{items: map[string]string{PnLSnapshotKey("ETH"): "{"}}
	_, _, err := LoadPnLSnapshot(context.Background(), store, "ETH")
	if err == nil {
		t.Fatalf("expected error for invalid snapshot JSON")
	}
}

func TestPnLKeeperPersistsLatestOnFlush(t *testing.T) {
	store := &memoryStore{}
	keeper := NewPnLKeeper(store, nil)
	keeper.RecordPnL(domain.PnLSnapshot{Market: "ETH", NetPnL: 1})
	keeper.RecordPnL(domain.PnLSnapshot{Market: "ETH", NetPnL: 2})
	keeper.RecordPnL(domain.PnLSnapshot{Market: "BTC", NetPnL: 3})
	if len(store.items) != 0 {
		t.Fatalf("expected nothing persisted before flush")
	}
	keeper.Flush(context.Background())
	got, ok, err := LoadPnLSnapshot(context.Background(), store, "ETH")
	if err != nil || !ok {
		t.Fatalf("load snapshot: ok=%v err=%v", ok, err)
	}
	if got.NetPnL != 2 {
		t.Fatalf("expected newest snapshot, got %v", got.NetPnL)
	}
	if _, ok, _ := LoadPnLSnapshot(context.Background(), store, "BTC"); !ok {
		t.Fatalf("expected BTC snapshot")
	}
}

package exec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"hl-mm-bot/internal/domain"

	"go.uber.org/zap"
)

type memoryStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{data: make(map[string]string)}
}

func (m *memoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.data[key]
	return val, ok, nil
}

func (m *memoryStore) Set(ctx context.Context, key, value string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memoryStore) Close() error { return nil }

type mockVenue struct {
	mu        sync.Mutex
	calls     int
	orderID   string
	failures  int
	placeErr  error
	modifies  []Modify
	cancels   []Cancel
	lastOrder Order
}

func (m *mockVenue) PlaceOrder(ctx context.Context, order Order) (string, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.lastOrder = order
	if m.failures > 0 {
		m.failures--
		return "", errors.New("connection reset")
	}
	if m.placeErr != nil {
		return "", m.placeErr
	}
	return m.orderID, nil
}

func (m *mockVenue) ModifyOrder(ctx context.Context, modify Modify) (string, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.modifies = append(m.modifies, modify)
	return m.orderID, nil
}

func (m *mockVenue) CancelOrder(ctx context.Context, cancel Cancel) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.cancels = append(m.cancels, cancel)
	return nil
}

func fastExecutor(venue Venue) *Executor {
	e := New(venue, newMemoryStore(), zap.NewNop())
	e.backoff = time.Millisecond
	return e
}

func TestExecutorIdempotentPlacement(t *testing.T) {
	store := newMemoryStore()
	venue := &mockVenue{orderID: "oid-1"}
	logger := zap.NewNop()
	executor := New(venue, store, logger)

	ctx := context.Background()
	order := Order{Asset: 1, IsBuy: true, Size: 1, ClientOrderID: "abc"}

	id1, err := executor.PlaceOrder(ctx, order)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	id2, err := executor.PlaceOrder(ctx, order)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected same order id, got %s and %s", id1, id2)
	}
	if venue.calls != 1 {
		t.Fatalf("expected 1 venue call, got %d", venue.calls)
	}

	venue2 := &mockVenue{orderID: "oid-2"}
	executor2 := New(venue2, store, logger)
	id3, err := executor2.PlaceOrder(ctx, order)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id3 != id1 {
		t.Fatalf("expected stored order id %s, got %s", id1, id3)
	}
	if venue2.calls != 0 {
		t.Fatalf("expected no venue calls on restart, got %d", venue2.calls)
	}
}

func TestExecutorRetriesTransportErrors(t *testing.T) {
	venue := &mockVenue{orderID: "oid-9", failures: 2}
	executor := fastExecutor(venue)
	oid, err := executor.PlaceOrder(context.Background(), Order{ClientOrderID: "0x1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if oid != "oid-9" || venue.calls != 3 {
		t.Fatalf("expected oid-9 after 3 calls, got %q after %d", oid, venue.calls)
	}
}

func TestExecutorDoesNotRetryRejections(t *testing.T) {
	venue := &mockVenue{placeErr: fmt.Errorf("post only would cross: %w", ErrRejected)}
	executor := fastExecutor(venue)
	_, err := executor.PlaceOrder(context.Background(), Order{ClientOrderID: "0x2"})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if venue.calls != 1 {
		t.Fatalf("expected a single attempt, got %d", venue.calls)
	}
}

func TestExecutorGivesUpAfterAttempts(t *testing.T) {
	venue := &mockVenue{failures: 10}
	executor := fastExecutor(venue)
	_, err := executor.PlaceOrder(context.Background(), Order{})
	if err == nil {
		t.Fatalf("expected error")
	}
	if venue.calls != 5 {
		t.Fatalf("expected 5 attempts, got %d", venue.calls)
	}
}

func TestExecutorModifyRequiresOrderID(t *testing.T) {
	executor := fastExecutor(&mockVenue{orderID: "x"})
	if _, err := executor.ModifyOrder(context.Background(), Modify{}); err == nil {
		t.Fatalf("expected error for missing order id")
	}
}

type sinkFunc func(ctx context.Context, ev domain.Event) error

func (f sinkFunc) Submit(ctx context.Context, ev domain.Event) error { return f(ctx, ev) }

func TestWorkerRoutesCommands(t *testing.T) {
	venue := &mockVenue{orderID: "77"}
	results := make(chan domain.CommandResult, 3)
	sink := sinkFunc(func(_ context.Context, ev domain.Event) error {
		results <- ev.(domain.CommandResult)
		return nil
	})
	w := NewWorker("ETH", 4, fastExecutor(venue), sink, time.Second, 8, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	cmds := []domain.OrderCommand{
		{Type: domain.CommandPlace, Side: domain.SideBuy, Price: 99, Size: 1, PostOnly: true, ClientOrderID: "0xa"},
		{Type: domain.CommandReplace, Side: domain.SideBuy, Price: 98, Size: 1, OrderID: "77", ClientOrderID: "0xb"},
		{Type: domain.CommandCancel, Side: domain.SideBuy, OrderID: "77"},
	}
	for _, cmd := range cmds {
		if !w.Dispatch(cmd) {
			t.Fatalf("dispatch refused")
		}
	}
	for i := range cmds {
		select {
		case res := <-results:
			if res.Err != nil {
				t.Fatalf("unexpected error for %s: %v", res.Command.Type, res.Err)
			}
			if res.Command.Type != cmds[i].Type {
				t.Fatalf("expected results in order, got %s at %d", res.Command.Type, i)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for result %d", i)
		}
	}
	if !venue.lastOrder.PostOnly || venue.lastOrder.Asset != 4 || !venue.lastOrder.IsBuy {
		t.Fatalf("unexpected order mapping: %+v", venue.lastOrder)
	}
	if len(venue.modifies) != 1 || venue.modifies[0].OrderID != "77" {
		t.Fatalf("unexpected modifies: %+v", venue.modifies)
	}
	if len(venue.cancels) != 1 || venue.cancels[0].Asset != 4 {
		t.Fatalf("unexpected cancels: %+v", venue.cancels)
	}
}

func TestWorkerMarksRejections(t *testing.T) {
	venue := &mockVenue{placeErr: fmt.Errorf("tick size: %w", ErrRejected)}
	w := NewWorker("ETH", 1, fastExecutor(venue), nil, time.Second, 1, nil)
	res := w.execute(context.Background(), domain.OrderCommand{Type: domain.CommandPlace, Side: domain.SideSell, ClientOrderID: "0xc"})
	if !res.Rejected {
		t.Fatalf("expected rejected result, got %+v", res)
	}
}

func TestWorkerDispatchDoesNotBlock(t *testing.T) {
	w := NewWorker("ETH", 1, fastExecutor(&mockVenue{}), nil, time.Second, 1, nil)
	if !w.Dispatch(domain.OrderCommand{}) {
		t.Fatalf("expected first dispatch to queue")
	}
	if w.Dispatch(domain.OrderCommand{}) {
		t.Fatalf("expected full queue to refuse")
	}
}

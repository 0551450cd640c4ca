package exec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"hl-mm-bot/internal/state"

	"go.uber.org/zap"
)

// ErrRejected marks a definitive venue refusal, e.g. a post-only order that
// would cross. Rejections are never retried.
var ErrRejected = errors.New("order rejected by venue")

const cloidPrefix = "cloid:"

type Order struct {
	Asset         int
	IsBuy         bool
	Size          float64
	LimitPrice    float64
	PostOnly      bool
	ClientOrderID string
}

type Modify struct {
	OrderID string
	Order   Order
}

type Cancel struct {
	Asset    int
	OrderID  string
	ClientID string
}

type Venue interface {
	PlaceOrder(ctx context.Context, order Order) (string, error)
	ModifyOrder(ctx context.Context, modify Modify) (string, error)
	CancelOrder(ctx context.Context, cancel Cancel) error
}

type Executor struct {
	venue Venue
	store state.Store
	log   *zap.Logger

	backoff  time.Duration
	attempts int

	mu    sync.Mutex
	cache map[string]string
}

func New(venue Venue, store state.Store, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{
		venue:    venue,
		store:    store,
		log:      log,
		backoff:  200 * time.Millisecond,
		attempts: 5,
		cache:    make(map[string]string),
	}
}

// PlaceOrder is idempotent per client order id: a retried or replayed
// command returns the venue id recorded the first time.
func (e *Executor) PlaceOrder(ctx context.Context, order Order) (string, error) {
	return e.once(ctx, order.ClientOrderID, func() (string, error) {
		return e.venue.PlaceOrder(ctx, order)
	})
}

// ModifyOrder replaces a resting order in one venue action.
func (e *Executor) ModifyOrder(ctx context.Context, modify Modify) (string, error) {
	if modify.OrderID == "" {
		return "", errors.New("modify requires an order id")
	}
	return e.once(ctx, modify.Order.ClientOrderID, func() (string, error) {
		return e.venue.ModifyOrder(ctx, modify)
	})
}

func (e *Executor) CancelOrder(ctx context.Context, cancel Cancel) error {
	return e.retry(ctx, func() error {
		return e.venue.CancelOrder(ctx, cancel)
	})
}

func (e *Executor) once(ctx context.Context, cloid string, fn func() (string, error)) (string, error) {
	if cloid == "" {
		return e.submitWithRetry(ctx, fn)
	}
	cacheKey := cloidPrefix + cloid
	if oid, ok := e.cached(cacheKey); ok {
		return oid, nil
	}
	if e.store != nil {
		if oid, ok, err := e.store.Get(ctx, cacheKey); err != nil {
			return "", err
		} else if ok {
			e.remember(cacheKey, oid)
			return oid, nil
		}
	}
	orderID, err := e.submitWithRetry(ctx, fn)
	if err != nil {
		return "", err
	}
	if e.store != nil {
		if err := e.store.Set(ctx, cacheKey, orderID); err != nil {
			e.log.Warn("failed to persist order id", zap.Error(err))
		}
	}
	e.remember(cacheKey, orderID)
	return orderID, nil
}

func (e *Executor) cached(key string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	oid, ok := e.cache[key]
	return oid, ok
}

func (e *Executor) remember(key, oid string) {
	e.mu.Lock()
	e.cache[key] = oid
	e.mu.Unlock()
}

func (e *Executor) submitWithRetry(ctx context.Context, fn func() (string, error)) (string, error) {
	var orderID string
	err := e.retry(ctx, func() error {
		var err error
		orderID, err = fn()
		return err
	})
	if err != nil {
		return "", err
	}
	if orderID == "" {
		return "", errors.New("empty order id")
	}
	return orderID, nil
}

func (e *Executor) retry(ctx context.Context, fn func() error) error {
	backoff := e.backoff
	for attempt := 0; attempt < e.attempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrRejected) {
			return err
		}
		if attempt == e.attempts-1 {
			return fmt.Errorf("retry failed: %w", err)
		}
		e.log.Debug("venue call failed; retrying", zap.Int("attempt", attempt+1), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return nil
}

package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"hl-mm-bot/internal/exec"
	"hl-mm-bot/internal/hl/exchange"
)

type exchangeAPI interface {
	PlaceOrder(ctx context.Context, order exchange.OrderWire) (map[string]any, error)
	ModifyOrder(ctx context.Context, orderID int64, order exchange.OrderWire) (map[string]any, error)
	CancelOrder(ctx context.Context, asset int, orderID int64) (map[string]any, error)
	CancelByCloid(ctx context.Context, asset int, cloid string) (map[string]any, error)
}

// exchangeAdapter maps executor calls onto signed exchange actions. Prices
// are rounded away from the mid using the asset's szDecimals.
type exchangeAdapter struct {
	client exchangeAPI

	mu         sync.RWMutex
	szDecimals map[int]int
}

func newExchangeAdapter(client exchangeAPI) *exchangeAdapter {
	return &exchangeAdapter{client: client, szDecimals: make(map[int]int)}
}

func (e *exchangeAdapter) setSzDecimals(asset, decimals int) {
	e.mu.Lock()
	e.szDecimals[asset] = decimals
	e.mu.Unlock()
}

func (e *exchangeAdapter) decimals(asset int) (int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	d, ok := e.szDecimals[asset]
	if !ok {
		return 0, fmt.Errorf("unknown asset %d: %w", asset, exec.ErrRejected)
	}
	return d, nil
}

func (e *exchangeAdapter) wire(order exec.Order) (exchange.OrderWire, error) {
	szDecimals, err := e.decimals(order.Asset)
	if err != nil {
		return exchange.OrderWire{}, err
	}
	tif := exchange.TifGtc
	if order.PostOnly {
		tif = exchange.TifAlo
	}
	wire, err := exchange.QuoteOrderWire(order.Asset, szDecimals, order.IsBuy, order.Size, order.LimitPrice, tif, order.ClientOrderID)
	if err != nil {
		// an order that rounds to nothing can never be accepted
		return exchange.OrderWire{}, fmt.Errorf("%w: %w", exec.ErrRejected, err)
	}
	return wire, nil
}

func (e *exchangeAdapter) PlaceOrder(ctx context.Context, order exec.Order) (string, error) {
	if e.client == nil {
		return "", errors.New("exchange client is required")
	}
	wire, err := e.wire(order)
	if err != nil {
		return "", err
	}
	resp, err := e.client.PlaceOrder(ctx, wire)
	if err != nil {
		return "", classify(err)
	}
	orderID := exchange.OrderIDFromResponse(resp)
	if orderID == "" {
		return "", errors.New("missing order id in exchange response")
	}
	return orderID, nil
}

// ModifyOrder sends a single batchModify. The venue may assign a new id;
// when the response carries none the old id stays valid.
func (e *exchangeAdapter) ModifyOrder(ctx context.Context, modify exec.Modify) (string, error) {
	if e.client == nil {
		return "", errors.New("exchange client is required")
	}
	oid, err := parseOrderID(modify.OrderID)
	if err != nil {
		return "", err
	}
	wire, err := e.wire(modify.Order)
	if err != nil {
		return "", err
	}
	resp, err := e.client.ModifyOrder(ctx, oid, wire)
	if err != nil {
		return "", classify(err)
	}
	if orderID := exchange.OrderIDFromResponse(resp); orderID != "" {
		return orderID, nil
	}
	return modify.OrderID, nil
}

// CancelOrder treats an order the venue no longer knows as cancelled.
func (e *exchangeAdapter) CancelOrder(ctx context.Context, cancel exec.Cancel) error {
	if e.client == nil {
		return errors.New("exchange client is required")
	}
	var err error
	switch {
	case cancel.OrderID != "":
		var oid int64
		if oid, err = parseOrderID(cancel.OrderID); err != nil {
			return err
		}
		_, err = e.client.CancelOrder(ctx, cancel.Asset, oid)
	case cancel.ClientID != "":
		_, err = e.client.CancelByCloid(ctx, cancel.Asset, cancel.ClientID)
	default:
		return fmt.Errorf("cancel needs an order id or client id: %w", exec.ErrRejected)
	}
	var rej *exchange.RejectionError
	if errors.As(err, &rej) && exchange.IsAlreadyGone(rej) {
		return nil
	}
	return classify(err)
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	var rej *exchange.RejectionError
	if errors.As(err, &rej) {
		return fmt.Errorf("%w: %w", exec.ErrRejected, err)
	}
	return err
}

func parseOrderID(raw string) (int64, error) {
	oid, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid order id %q: %w", raw, exec.ErrRejected)
	}
	return oid, nil
}

package account

import (
	"context"
	"errors"
	"strings"

	"hl-mm-bot/internal/domain"
)

func (a *Account) applyOrderUpdates(data any) {
	raw, ok := data.([]any)
	if !ok {
		return
	}
	for _, item := range raw {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		update, ok := parseOrderUpdate(entry)
		if !ok {
			continue
		}
		a.emit(update.Market, update)
	}
}

func parseOrderUpdate(entry map[string]any) (domain.OrderUpdate, bool) {
	order, ok := entry["order"].(map[string]any)
	if !ok {
		return domain.OrderUpdate{}, false
	}
	status, ok := orderStatus(stringFromAny(entry["status"]))
	if !ok {
		return domain.OrderUpdate{}, false
	}
	update := domain.OrderUpdate{
		Market:   stringFromAny(order["coin"]),
		OrderID:  stringFromAny(order["oid"]),
		ClientID: stringFromAny(order["cloid"]),
		Status:   status,
		Time:     msTime(entry["statusTimestamp"]),
	}
	if update.OrderID == "" && update.ClientID == "" {
		return domain.OrderUpdate{}, false
	}
	return update, true
}

// orderStatus folds the venue's status zoo into the four states the
// engine distinguishes. Every "*Canceled" variant is a cancel and every
// "*Rejected" variant a reject.
func orderStatus(raw string) (domain.OrderStatus, bool) {
	switch {
	case raw == "open":
		return domain.OrderOpen, true
	case raw == "filled":
		return domain.OrderFilled, true
	case strings.HasSuffix(strings.ToLower(raw), "canceled"):
		return domain.OrderCancelled, true
	case strings.HasSuffix(strings.ToLower(raw), "rejected"):
		return domain.OrderRejected, true
	default:
		return "", false
	}
}

// OpenOrders fetches every resting order and groups them by market.
func (a *Account) OpenOrders(ctx context.Context) (map[string][]domain.OpenOrder, error) {
	if a.rest == nil {
		return nil, errors.New("rest client is required")
	}
	if a.user == "" {
		return nil, errors.New("account user is required")
	}
	raw, err := a.rest.OpenOrders(ctx, a.user)
	if err != nil {
		return nil, err
	}
	return parseOpenOrders(raw), nil
}

// OrdersSnapshot fetches the resting orders of one market for a resync.
func (a *Account) OrdersSnapshot(ctx context.Context, market string) (domain.OrdersSnapshot, error) {
	all, err := a.OpenOrders(ctx)
	if err != nil {
		return domain.OrdersSnapshot{}, err
	}
	return domain.OrdersSnapshot{Market: market, Orders: all[market]}, nil
}

func parseOpenOrders(raw []any) map[string][]domain.OpenOrder {
	out := make(map[string][]domain.OpenOrder)
	for _, item := range raw {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		side, ok := sideFromWire(entry["side"])
		if !ok {
			continue
		}
		coin := stringFromAny(entry["coin"])
		oid := stringFromAny(entry["oid"])
		if coin == "" || oid == "" {
			continue
		}
		px, _ := floatFromAny(entry["limitPx"])
		sz, _ := floatFromAny(entry["sz"])
		out[coin] = append(out[coin], domain.OpenOrder{
			OrderID:  oid,
			ClientID: stringFromAny(entry["cloid"]),
			Side:     side,
			Price:    px,
			Size:     sz,
		})
	}
	return out
}

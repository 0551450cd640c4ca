package account

import (
	"time"

	"hl-mm-bot/internal/domain"
)

func (a *Account) applyClearinghouseUpdate(data any) {
	payload, ok := data.(map[string]any)
	if !ok {
		return
	}
	equity, ok := accountValue(payload)
	if !ok {
		return
	}
	now := time.Now().UTC()
	if ms := int64FromAny(payload["time"]); ms > 0 {
		now = time.UnixMilli(ms).UTC()
	}
	a.mu.Lock()
	a.equity = equity
	a.hasEquity = true
	a.mu.Unlock()
	a.broadcast(domain.BalanceUpdate{Equity: equity, Time: now})
}

// accountValue reads the cross margin summary first.
func accountValue(payload map[string]any) (float64, bool) {
	for _, key := range []string{"crossMarginSummary", "marginSummary"} {
		summary, ok := payload[key].(map[string]any)
		if !ok {
			continue
		}
		if v, ok := floatFromAny(summary["accountValue"]); ok {
			return v, true
		}
	}
	if nested, ok := payload["clearinghouseState"].(map[string]any); ok {
		return accountValue(nested)
	}
	return 0, false
}

func parseUserFees(payload map[string]any) (domain.FeeConfig, bool) {
	maker, okMaker := floatFromAny(payload["userAddRate"])
	taker, okTaker := floatFromAny(payload["userCrossRate"])
	if !okMaker || !okTaker {
		return domain.FeeConfig{}, false
	}
	return domain.FeeConfig{MakerRate: maker, TakerRate: taker}, true
}

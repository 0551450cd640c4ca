package account

import (
	"hl-mm-bot/internal/domain"
)

// applyFundingUpdates emits settled funding payments. As with fills, the
// initial snapshot is history and is only recorded as seen.
func (a *Account) applyFundingUpdates(data any) {
	payload, ok := data.(map[string]any)
	if !ok {
		return
	}
	raw, _ := payload["fundings"].([]any)
	snapshot := snapshotFlag(payload)
	var fresh []domain.FundingPayment
	a.mu.Lock()
	for _, item := range raw {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		payment, ok := parseFundingPayment(entry)
		if !ok {
			continue
		}
		key := payment.Market + ":" + stringFromAny(entry["time"])
		if _, seen := a.seenFunding[key]; seen {
			continue
		}
		a.seenFunding[key] = struct{}{}
		if !snapshot {
			fresh = append(fresh, payment)
		}
	}
	a.mu.Unlock()
	for _, payment := range fresh {
		a.emit(payment.Market, payment)
	}
}

// parseFundingPayment reads the signed usdc amount: positive is received.
func parseFundingPayment(entry map[string]any) (domain.FundingPayment, bool) {
	coin := stringFromAny(entry["coin"])
	amount, ok := floatFromAny(entry["usdc"])
	if coin == "" || !ok {
		return domain.FundingPayment{}, false
	}
	return domain.FundingPayment{Market: coin, Amount: amount, Time: msTime(entry["time"])}, true
}

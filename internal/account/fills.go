package account

import (
	"fmt"

	"hl-mm-bot/internal/domain"
)

// applyUserFillsUpdate emits each new fill once. The initial snapshot only
// seeds the dedupe set: those fills predate this session's position.
func (a *Account) applyUserFillsUpdate(data any) {
	fills := parseFills(data)
	if len(fills) == 0 {
		return
	}
	snapshot := snapshotFlag(data)
	fresh := make([]domain.Fill, 0, len(fills))
	a.mu.Lock()
	for _, fill := range fills {
		key := fill.Hash
		if key == "" {
			key = fmt.Sprintf("%s:%d:%s:%s", fill.OrderID, fill.Time.UnixMilli(), floatKey(fill.Size), floatKey(fill.Price))
		}
		if _, ok := a.seenFillKeys[key]; ok {
			continue
		}
		a.seenFillKeys[key] = struct{}{}
		a.seenFillOrder = append(a.seenFillOrder, key)
		if !snapshot {
			fresh = append(fresh, fill)
		}
	}
	if len(a.seenFillOrder) > maxSeenFillKeys {
		evict := a.seenFillOrder[:len(a.seenFillOrder)-maxSeenFillKeys]
		for _, key := range evict {
			delete(a.seenFillKeys, key)
		}
		a.seenFillOrder = append([]string(nil), a.seenFillOrder[len(a.seenFillOrder)-maxSeenFillKeys:]...)
	}
	a.mu.Unlock()
	for _, fill := range fresh {
		a.emit(fill.Market, fill)
	}
}

func parseFills(payload any) []domain.Fill {
	var raw []any
	switch data := payload.(type) {
	case []any:
		raw = data
	case map[string]any:
		raw, _ = data["fills"].([]any)
	}
	fills := make([]domain.Fill, 0, len(raw))
	for _, item := range raw {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if fill, ok := parseFill(entry); ok {
			fills = append(fills, fill)
		}
	}
	return fills
}

// parseFill converts a venue fill. The venue reports fees as a cost, so
// the sign is flipped into a PnL contribution.
func parseFill(entry map[string]any) (domain.Fill, bool) {
	side, ok := sideFromWire(entry["side"])
	if !ok {
		return domain.Fill{}, false
	}
	px, okPx := floatFromAny(entry["px"])
	sz, okSz := floatFromAny(entry["sz"])
	if !okPx || !okSz {
		return domain.Fill{}, false
	}
	fill := domain.Fill{
		Market:   stringFromAny(entry["coin"]),
		OrderID:  stringFromAny(entry["oid"]),
		ClientID: stringFromAny(entry["cloid"]),
		Side:     side,
		Price:    px,
		Size:     sz,
		Hash:     fillKey(entry),
		Time:     msTime(entry["time"]),
	}
	if fee, ok := floatFromAny(entry["fee"]); ok {
		fill.Fee = -fee
		fill.HasFee = true
	}
	return fill, true
}

// fillKey is unique per fill. One transaction hash can carry several
// fills, so the trade id is preferred.
func fillKey(entry map[string]any) string {
	if tid := stringFromAny(entry["tid"]); tid != "" {
		return "tid:" + tid
	}
	hash := stringFromAny(entry["hash"])
	if hash == "" {
		return ""
	}
	return hash + ":" + stringFromAny(entry["oid"])
}

package market

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"hl-mm-bot/internal/domain"
)

func parsePerpContexts(payload any) (map[string]PerpContext, error) {
	universe, ctxs := extractUniverseAndCtxs(payload, "assetCtxs")
	if len(universe) == 0 || len(ctxs) == 0 {
		return nil, errors.New("metaAndAssetCtxs missing universe or asset contexts")
	}
	result := make(map[string]PerpContext)
	for i, entry := range universe {
		meta, ok := toMap(entry)
		if !ok {
			continue
		}
		name := stringFromMap(meta, "name", "coin", "symbol")
		if name == "" {
			continue
		}
		ctx, ok := indexedMap(ctxs, i)
		if !ok {
			continue
		}
		result[name] = PerpContext{
			Index:       intFromAny(meta["index"], i),
			SzDecimals:  intFromAny(meta["szDecimals"], 0),
			FundingRate: floatFromMap(ctx, "funding", "fundingRate"),
			OraclePrice: floatFromMap(ctx, "oraclePx", "oraclePrice", "oracle"),
			MarkPrice:   floatFromMap(ctx, "markPx", "markPrice", "mark"),
			MidPrice:    floatFromMap(ctx, "midPx"),
		}
	}
	if len(result) == 0 {
		return nil, errors.New("no perp contexts parsed")
	}
	return result, nil
}

// parseL2Book turns an l2Book payload, either a ws data object or the REST
// response, into a full book snapshot. Hyperliquid always pushes the whole
// aggregated book, so every update is a snapshot.
func parseL2Book(payload any) (domain.BookUpdate, error) {
	data, ok := toMap(payload)
	if !ok {
		return domain.BookUpdate{}, errors.New("l2Book payload is not an object")
	}
	coin := stringFromMap(data, "coin")
	if coin == "" {
		return domain.BookUpdate{}, errors.New("l2Book missing coin")
	}
	levels, ok := toSlice(data["levels"])
	if !ok || len(levels) != 2 {
		return domain.BookUpdate{}, fmt.Errorf("l2Book %s: expected two sides", coin)
	}
	bids, err := parseLevels(levels[0])
	if err != nil {
		return domain.BookUpdate{}, fmt.Errorf("l2Book %s bids: %w", coin, err)
	}
	asks, err := parseLevels(levels[1])
	if err != nil {
		return domain.BookUpdate{}, fmt.Errorf("l2Book %s asks: %w", coin, err)
	}
	update := domain.BookUpdate{Market: coin, Bids: bids, Asks: asks, Snapshot: true}
	if ms, ok := floatFromAny(data["time"]); ok && ms > 0 {
		update.Time = time.UnixMilli(int64(ms)).UTC()
	}
	return update, nil
}

func parseLevels(raw any) ([]domain.Level, error) {
	items, ok := toSlice(raw)
	if !ok {
		return nil, errors.New("levels are not a list")
	}
	out := make([]domain.Level, 0, len(items))
	for _, item := range items {
		lvl, ok := toMap(item)
		if !ok {
			return nil, errors.New("level is not an object")
		}
		px, okPx := floatFromAny(lvl["px"])
		sz, okSz := floatFromAny(lvl["sz"])
		if !okPx || !okSz {
			return nil, errors.New("level missing px or sz")
		}
		out = append(out, domain.Level{Price: px, Size: sz})
	}
	return out, nil
}

func extractUniverseAndCtxs(payload any, ctxKey string) ([]any, []any) {
	if arr, ok := toSlice(payload); ok && len(arr) >= 2 {
		metaMap, _ := toMap(arr[0])
		if metaMap != nil {
			if universe, ok := toSlice(metaMap["universe"]); ok {
				ctxs, _ := toSlice(arr[1])
				return universe, ctxs
			}
		}
		if universe, ok := toSlice(arr[0]); ok {
			ctxs, _ := toSlice(arr[1])
			return universe, ctxs
		}
	}
	if metaMap, ok := toMap(payload); ok {
		universe, _ := toSlice(metaMap["universe"])
		ctxs, _ := toSlice(metaMap[ctxKey])
		if len(ctxs) == 0 {
			ctxs, _ = toSlice(metaMap["assetCtxs"])
		}
		return universe, ctxs
	}
	return nil, nil
}

func indexedMap(items []any, idx int) (map[string]any, bool) {
	if idx < 0 || idx >= len(items) {
		return nil, false
	}
	return toMap(items[idx])
}

func toMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func toSlice(v any) ([]any, bool) {
	s, ok := v.([]any)
	return s, ok
}

func stringFromMap(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			if s := stringFromAny(v); s != "" {
				return s
			}
		}
	}
	return ""
}

func stringFromAny(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func floatFromMap(m map[string]any, keys ...string) float64 {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			if f, ok := floatFromAny(v); ok {
				return f
			}
		}
	}
	return 0
}

func floatFromAny(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case int32:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func intFromAny(v any, fallback int) int {
	if f, ok := floatFromAny(v); ok {
		return int(f)
	}
	return fallback
}

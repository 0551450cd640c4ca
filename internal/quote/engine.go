// Package quote turns a book state and inventory into a desired two-sided
// quote. Compute is pure: identical inputs always give identical outputs.
package quote

import (
	"math"

	"hl-mm-bot/internal/book"
	"hl-mm-bot/internal/config"
	"hl-mm-bot/internal/domain"
)

type Inputs struct {
	Book        book.State
	Inventory   float64
	Equity      float64
	FundingRate float64
}

// Compute returns the desired quote for one market. ok is false only when the
// mid is missing or not a positive finite number.
func Compute(in Inputs, cfg config.MarketConfig) (domain.QuotePair, bool) {
	mid := in.Book.Mid
	if !finite(mid) || mid <= 0 {
		return domain.NoQuote(), false
	}

	fair := FairPrice(mid, in.Inventory, in.Equity, cfg.K)
	hs := HalfSpread(in, cfg)
	bidSize, askSize := Sizes(mid, in.Inventory, cfg)

	out := domain.NoQuote()
	if bidPx := fair * (1 - hs); bidSize > 0 && bidPx > 0 && finite(bidPx) {
		out.Bid = domain.Quote{Side: domain.SideBuy, Price: bidPx, Size: bidSize}
	}
	if askPx := fair * (1 + hs); askSize > 0 && askPx > 0 && finite(askPx) {
		out.Ask = domain.Quote{Side: domain.SideSell, Price: askPx, Size: askSize}
	}
	return out, true
}

// FairPrice shifts the mid by the inventory's fraction of equity. Holding the
// same fraction of a larger account gives the same shift.
func FairPrice(mid, inventory, equity, k float64) float64 {
	if equity <= 0 || !finite(equity) {
		return mid
	}
	kRel := -k * mid * mid / equity
	return mid + inventory*kRel
}

func HalfSpread(in Inputs, cfg config.MarketConfig) float64 {
	hs := cfg.BaseSpread
	if !in.Book.Valid || !in.Book.HasSigma {
		return hs
	}
	if finite(in.Book.Sigma) {
		hs += cfg.Alpha * in.Book.Sigma
	}
	if finite(in.FundingRate) {
		hs += cfg.Beta * in.FundingRate / 3
	}
	if floor := cfg.BaseSpread / 2; hs < floor {
		hs = floor
	}
	return hs
}

// Sizes skews the notional-capped base size by inventory. A side that would
// add exposure and lands below min_order_size is dropped; a side that reduces
// exposure is lifted to min_order_size.
func Sizes(mid, inventory float64, cfg config.MarketConfig) (bid, ask float64) {
	base := cfg.QuoteNotionalCapUSD / mid
	skew := inventory * cfg.InventorySensitivity
	bid = clampSize(base-skew, cfg.MaxOrderSize)
	ask = clampSize(base+skew, cfg.MaxOrderSize)
	bid = applyMin(bid, inventory < 0, cfg.MinOrderSize)
	ask = applyMin(ask, inventory > 0, cfg.MinOrderSize)
	return bid, ask
}

func clampSize(size, max float64) float64 {
	if !finite(size) || size < 0 {
		return 0
	}
	if max > 0 && size > max {
		return max
	}
	return size
}

func applyMin(size float64, reducing bool, min float64) float64 {
	if size >= min {
		return size
	}
	if reducing {
		return min
	}
	return 0
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

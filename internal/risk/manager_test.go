package risk

import (
	"math"
	"testing"

	"hl-mm-bot/internal/config"
	"hl-mm-bot/internal/domain"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func limits() config.RiskConfig {
	return config.RiskConfig{MaxNetPositionUSD: 100, MaxOpenOrders: 10, MinBalanceUSD: 50}
}

func pair(bidPx, bidSz, askPx, askSz float64) domain.QuotePair {
	return domain.QuotePair{
		Bid: domain.Quote{Side: domain.SideBuy, Price: bidPx, Size: bidSz},
		Ask: domain.Quote{Side: domain.SideSell, Price: askPx, Size: askSz},
	}
}

func exposure(inv, mid float64) Exposure {
	return Exposure{Inventory: inv, Mid: mid, Equity: 1000, HasEquity: true}
}

func TestLongAtLimitZeroesBuySide(t *testing.T) {
	m := NewManager(limits(), nil)
	desired := pair(99.9, 0.25, 100.1, 0.25)
	d := m.Evaluate(desired, exposure(1, 100))
	require.Zero(t, d.Quote.Bid.Size)
	require.Equal(t, desired.Ask, d.Quote.Ask)
	require.False(t, d.CancelAll)
	require.Equal(t, []Breach{BreachPositionBuy}, d.Breaches)
}

func TestShortAtLimitZeroesSellSide(t *testing.T) {
	m := NewManager(limits(), nil)
	desired := pair(99.9, 0.25, 100.1, 0.25)
	d := m.Evaluate(desired, exposure(-1, 100))
	require.Equal(t, desired.Bid, d.Quote.Bid)
	require.Zero(t, d.Quote.Ask.Size)
}

func TestLimitConvertedAtCurrentMid(t *testing.T) {
	m := NewManager(limits(), nil)
	desired := pair(49.9, 0.5, 50.1, 0.5)
	// 1.5 contracts at mid 50 is 75 USD; at mid 100 it would be 150.
	d := m.Evaluate(desired, exposure(1, 50))
	require.Equal(t, desired, d.Quote)
	d = m.Evaluate(desired, exposure(1, 100))
	require.Zero(t, d.Quote.Bid.Size)
}

func TestOversizedPositionCanStillReduce(t *testing.T) {
	m := NewManager(limits(), nil)
	desired := pair(99.9, 0.1, 100.1, 0.1)
	d := m.Evaluate(desired, exposure(3, 100))
	require.Zero(t, d.Quote.Bid.Size)
	require.Equal(t, 0.1, d.Quote.Ask.Size)
}

func TestBelowMinBalanceCancelsEverything(t *testing.T) {
	m := NewManager(limits(), nil)
	exp := exposure(0, 100)
	exp.Equity = 49.99
	d := m.Evaluate(pair(99.9, 0.1, 100.1, 0.1), exp)
	require.True(t, d.Quote.Empty())
	require.True(t, d.CancelAll)
	require.Equal(t, []Breach{BreachMinBalance}, d.Breaches)
}

func TestUnknownEquityHalts(t *testing.T) {
	m := NewManager(limits(), nil)
	d := m.Evaluate(pair(99.9, 0.1, 100.1, 0.1), Exposure{Mid: 100})
	require.True(t, d.Quote.Empty())
	require.True(t, d.CancelAll)
}

func TestOpenOrderCapBlocksOnlyNewPlacements(t *testing.T) {
	l := limits()
	l.MaxOpenOrders = 1
	m := NewManager(l, nil)
	exp := exposure(0, 100)
	exp.OpenOrders = 1
	exp.Resting = map[domain.Side]bool{domain.SideBuy: true}
	desired := pair(99.9, 0.1, 100.1, 0.1)
	d := m.Evaluate(desired, exp)
	require.Equal(t, desired.Bid, d.Quote.Bid)
	require.Zero(t, d.Quote.Ask.Size)
	require.Equal(t, []Breach{BreachOpenOrders}, d.Breaches)
}

func TestManagerNeverGrowsSize(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := NewManager(limits(), nil)
		mid := rapid.Float64Range(1, 10_000).Draw(t, "mid")
		inv := rapid.Float64Range(-5, 5).Draw(t, "inv")
		bid := rapid.Float64Range(0, 2).Draw(t, "bid")
		ask := rapid.Float64Range(0, 2).Draw(t, "ask")
		desired := pair(mid*0.999, bid, mid*1.001, ask)
		d := m.Evaluate(desired, exposure(inv, mid))
		if d.Quote.Bid.Size > bid || d.Quote.Ask.Size > ask {
			t.Fatalf("risk grew a side: %+v from %+v", d.Quote, desired)
		}
	})
}

func TestExposureAddingSideStaysWithinLimit(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		l := limits()
		l.MaxNetPositionUSD = rapid.Float64Range(1, 10_000).Draw(t, "max_usd")
		m := NewManager(l, nil)
		mid := rapid.Float64Range(0.01, 100_000).Draw(t, "mid")
		inv := rapid.Float64Range(-100, 100).Draw(t, "inv")
		size := rapid.Float64Range(0, 100).Draw(t, "size")
		d := m.Evaluate(pair(mid*0.999, size, mid*1.001, size), exposure(inv, mid))
		tol := 1e-9 * l.MaxNetPositionUSD
		if b := d.Quote.Bid.Size; b > 0 && math.Abs(inv+b) > math.Abs(inv) {
			if math.Abs(inv+b)*mid > l.MaxNetPositionUSD+tol {
				t.Fatalf("buy side exceeds limit: inv %v size %v mid %v", inv, b, mid)
			}
		}
		if a := d.Quote.Ask.Size; a > 0 && math.Abs(inv-a) > math.Abs(inv) {
			if math.Abs(inv-a)*mid > l.MaxNetPositionUSD+tol {
				t.Fatalf("sell side exceeds limit: inv %v size %v mid %v", inv, a, mid)
			}
		}
	})
}

func TestBreachesCounted(t *testing.T) {
	m := NewManager(limits(), nil)
	d := m.Evaluate(pair(99.9, 5, 100.1, 5), exposure(0, 100))
	require.ElementsMatch(t, []Breach{BreachPositionBuy, BreachPositionSell}, d.Breaches)
}

package risk

import (
	"math"

	"hl-mm-bot/internal/config"
	"hl-mm-bot/internal/domain"
	"hl-mm-bot/internal/metrics"
)

type Breach string

const (
	BreachPositionBuy  Breach = "position_buy"
	BreachPositionSell Breach = "position_sell"
	BreachOpenOrders   Breach = "open_orders"
	BreachMinBalance   Breach = "min_balance"
	BreachNoEquity     Breach = "equity_unknown"
	BreachNoMid        Breach = "mid_unknown"
)

// Exposure is the market state a decision is evaluated against.
type Exposure struct {
	Inventory  float64
	Mid        float64
	Equity     float64
	HasEquity  bool
	OpenOrders int
	// Resting reports whether a side already has a live order; the open
	// order cap only blocks new placements.
	Resting map[domain.Side]bool
}

type Decision struct {
	Quote     domain.QuotePair
	CancelAll bool
	Breaches  []Breach
}

// Manager owns one market's limits. Instances are never shared.
type Manager struct {
	limits  config.RiskConfig
	metrics *metrics.Metrics
}

func NewManager(limits config.RiskConfig, m *metrics.Metrics) *Manager {
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Manager{limits: limits, metrics: m}
}

func (m *Manager) Limits() config.RiskConfig {
	return m.limits
}

func (m *Manager) SetLimits(limits config.RiskConfig) {
	m.limits = limits
}

// MaxContracts converts the USD position limit at the given mid. It is
// recomputed on every evaluation.
func (m *Manager) MaxContracts(mid float64) float64 {
	if mid <= 0 || math.IsNaN(mid) || math.IsInf(mid, 0) {
		return 0
	}
	return m.limits.MaxNetPositionUSD / mid
}

// Evaluate clamps a desired quote. It never grows a side: each side is either
// kept as is or zeroed.
func (m *Manager) Evaluate(desired domain.QuotePair, exp Exposure) Decision {
	if !exp.HasEquity {
		return m.halt(BreachNoEquity)
	}
	if exp.Equity < m.limits.MinBalanceUSD {
		return m.halt(BreachMinBalance)
	}
	if exp.Mid <= 0 || math.IsNaN(exp.Mid) || math.IsInf(exp.Mid, 0) {
		return m.reject(Decision{Quote: domain.NoQuote()}, BreachNoMid)
	}

	out := Decision{Quote: desired}
	maxContracts := m.MaxContracts(exp.Mid)

	if bid := out.Quote.Bid; bid.Size > 0 && breaches(exp.Inventory, exp.Inventory+bid.Size, maxContracts) {
		out.Quote.Bid = domain.Quote{Side: domain.SideBuy}
		out = m.reject(out, BreachPositionBuy)
	}
	if ask := out.Quote.Ask; ask.Size > 0 && breaches(exp.Inventory, exp.Inventory-ask.Size, maxContracts) {
		out.Quote.Ask = domain.Quote{Side: domain.SideSell}
		out = m.reject(out, BreachPositionSell)
	}

	if m.limits.MaxOpenOrders > 0 && exp.OpenOrders >= m.limits.MaxOpenOrders {
		for _, side := range domain.Sides {
			q := out.Quote.Side(side)
			if q.Size > 0 && !exp.Resting[side] {
				out.Quote.Set(domain.Quote{Side: side})
				out = m.reject(out, BreachOpenOrders)
			}
		}
	}
	return out
}

// breaches reports whether a full fill would leave the position beyond the
// limit. A fill that shrinks an already oversized position is allowed.
func breaches(inventory, after, maxContracts float64) bool {
	return math.Abs(after) > maxContracts && math.Abs(after) >= math.Abs(inventory)
}

func (m *Manager) halt(reason Breach) Decision {
	return m.reject(Decision{Quote: domain.NoQuote(), CancelAll: true}, reason)
}

func (m *Manager) reject(d Decision, reason Breach) Decision {
	d.Breaches = append(d.Breaches, reason)
	m.metrics.RiskBreaches.Inc()
	return d
}

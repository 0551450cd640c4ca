package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	promNamespace = "hl_mm_bot"
	marketLabel   = "market"
)

type Prometheus struct {
	registry *prometheus.Registry

	ordersPlaced   *prometheus.CounterVec
	ordersReplaced *prometheus.CounterVec
	ordersCanceled *prometheus.CounterVec
	ordersRejected *prometheus.CounterVec
	ordersFailed   *prometheus.CounterVec
	fills          *prometheus.CounterVec
	riskBreaches   *prometheus.CounterVec
	breakerTripped *prometheus.CounterVec
	breakerCleared *prometheus.CounterVec
	bookInvalid    *prometheus.CounterVec

	inventory *prometheus.GaugeVec
	netPnL    *prometheus.GaugeVec
	mid       *prometheus.GaugeVec
	sigma     *prometheus.GaugeVec
}

func newCounter(name, help string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	}, []string{marketLabel})
}

func newGauge(name, help string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	}, []string{marketLabel})
}

func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry:       prometheus.NewRegistry(),
		ordersPlaced:   newCounter("orders_placed_total", "Total number of place commands acknowledged."),
		ordersReplaced: newCounter("orders_replaced_total", "Total number of replace commands acknowledged."),
		ordersCanceled: newCounter("orders_canceled_total", "Total number of cancel commands acknowledged."),
		ordersRejected: newCounter("orders_rejected_total", "Total number of commands rejected by the venue."),
		ordersFailed:   newCounter("orders_failed_total", "Total number of commands that failed in transport."),
		fills:          newCounter("fills_total", "Total number of fills applied."),
		riskBreaches:   newCounter("risk_breaches_total", "Total number of quote sides clamped by risk limits."),
		breakerTripped: newCounter("breaker_tripped_total", "Total number of circuit breaker trips."),
		breakerCleared: newCounter("breaker_cleared_total", "Total number of circuit breaker resets."),
		bookInvalid:    newCounter("book_invalid_total", "Total number of quoting cycles skipped on an invalid book."),
		inventory:      newGauge("inventory_contracts", "Net signed position in contracts."),
		netPnL:         newGauge("net_pnl_usd", "Net PnL in USD since start."),
		mid:            newGauge("mid_price", "Last observed mid price."),
		sigma:          newGauge("sigma", "Rolling volatility of mid returns."),
	}
	p.registry.MustRegister(
		p.ordersPlaced, p.ordersReplaced, p.ordersCanceled, p.ordersRejected, p.ordersFailed,
		p.fills, p.riskBreaches, p.breakerTripped, p.breakerCleared, p.bookInvalid,
		p.inventory, p.netPnL, p.mid, p.sigma,
	)
	return p
}

// ForMarket binds every instrument to one market label.
func (p *Prometheus) ForMarket(market string) *Metrics {
	return &Metrics{
		OrdersPlaced:   p.ordersPlaced.WithLabelValues(market),
		OrdersReplaced: p.ordersReplaced.WithLabelValues(market),
		OrdersCanceled: p.ordersCanceled.WithLabelValues(market),
		OrdersRejected: p.ordersRejected.WithLabelValues(market),
		OrdersFailed:   p.ordersFailed.WithLabelValues(market),
		Fills:          p.fills.WithLabelValues(market),
		RiskBreaches:   p.riskBreaches.WithLabelValues(market),
		BreakerTripped: p.breakerTripped.WithLabelValues(market),
		BreakerCleared: p.breakerCleared.WithLabelValues(market),
		BookInvalid:    p.bookInvalid.WithLabelValues(market),
		Inventory:      p.inventory.WithLabelValues(market),
		NetPnL:         p.netPnL.WithLabelValues(market),
		Mid:            p.mid.WithLabelValues(market),
		Sigma:          p.sigma.WithLabelValues(market),
	}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

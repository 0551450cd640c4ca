package metrics

type Counter interface {
	Inc()
}

type Gauge interface {
	Set(float64)
}

// Metrics is the set of instruments owned by one market pipeline.
type Metrics struct {
	OrdersPlaced   Counter
	OrdersReplaced Counter
	OrdersCanceled Counter
	OrdersRejected Counter
	OrdersFailed   Counter
	Fills          Counter
	RiskBreaches   Counter
	BreakerTripped Counter
	BreakerCleared Counter
	BookInvalid    Counter

	Inventory Gauge
	NetPnL    Gauge
	Mid       Gauge
	Sigma     Gauge
}

type noop struct{}

func (noop) Inc() {}

func (noop) Set(float64) {}

func NewNoop() *Metrics {
	n := noop{}
	return &Metrics{
		OrdersPlaced:   n,
		OrdersReplaced: n,
		OrdersCanceled: n,
		OrdersRejected: n,
		OrdersFailed:   n,
		Fills:          n,
		RiskBreaches:   n,
		BreakerTripped: n,
		BreakerCleared: n,
		BookInvalid:    n,
		Inventory:      n,
		NetPnL:         n,
		Mid:            n,
		Sigma:          n,
	}
}

package domain

import "time"

// Event is the closed set of inputs a market pipeline consumes.
type Event interface {
	isEvent()
}

// BookUpdate carries either a full snapshot or a delta. In a delta a level
// with size 0 removes that price.
type BookUpdate struct {
	Market   string
	Bids     []Level
	Asks     []Level
	Snapshot bool
	Time     time.Time
}

type Fill struct {
	Market   string
	OrderID  string
	ClientID string
	Side     Side
	Price    float64
	Size     float64
	// Fee is signed as PnL: negative when paid, positive for a rebate.
	Fee    float64
	HasFee bool
	Hash   string
	Time   time.Time
}

type BalanceUpdate struct {
	Equity float64
	Time   time.Time
}

type FeeConfig struct {
	MakerRate float64
	TakerRate float64
}

type FundingRate struct {
	Market string
	Rate   float64
	Time   time.Time
}

type FundingPayment struct {
	Market string
	Amount float64
	Time   time.Time
}

// CommandResult resolves an in-flight OrderCommand.
type CommandResult struct {
	Command  OrderCommand
	OrderID  string
	Err      error
	Rejected bool
	Latency  time.Duration
}

type OrderStatus string

const (
	OrderOpen      OrderStatus = "open"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "canceled"
	OrderRejected  OrderStatus = "rejected"
)

// OrderUpdate is a venue-side status change that did not originate from
// a command result, e.g. a margin cancel or a dead man's switch sweep.
type OrderUpdate struct {
	Market   string
	OrderID  string
	ClientID string
	Status   OrderStatus
	Time     time.Time
}

type OrdersSnapshot struct {
	Market string
	Orders []OpenOrder
}

type FeedStatus struct {
	Feed string
	Up   bool
	Time time.Time
}

func (BookUpdate) isEvent()     {}
func (Fill) isEvent()           {}
func (BalanceUpdate) isEvent()  {}
func (FeeConfig) isEvent()      {}
func (FundingRate) isEvent()    {}
func (FundingPayment) isEvent() {}
func (CommandResult) isEvent()  {}
func (OrderUpdate) isEvent()    {}
func (OrdersSnapshot) isEvent() {}
func (FeedStatus) isEvent()     {}

const (
	FeedMarketData = "market_data"
	FeedAccount    = "account"
)

package domain

import "time"

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

var Sides = [2]Side{SideBuy, SideSell}

func (s Side) IsBuy() bool {
	return s == SideBuy
}

// Sign is +1 for buys and -1 for sells: the direction a fill moves inventory.
func (s Side) Sign() float64 {
	if s == SideBuy {
		return 1
	}
	return -1
}

func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

type Level struct {
	Price float64
	Size  float64
}

type Quote struct {
	Side  Side
	Price float64
	Size  float64
}

// QuotePair is a two-sided quote. A side with zero size is absent.
type QuotePair struct {
	Bid Quote
	Ask Quote
}

func NoQuote() QuotePair {
	return QuotePair{Bid: Quote{Side: SideBuy}, Ask: Quote{Side: SideSell}}
}

func (q QuotePair) Side(side Side) Quote {
	if side == SideBuy {
		return q.Bid
	}
	return q.Ask
}

func (q *QuotePair) Set(quote Quote) {
	if quote.Side == SideBuy {
		q.Bid = quote
		return
	}
	q.Ask = quote
}

func (q QuotePair) Empty() bool {
	return q.Bid.Size <= 0 && q.Ask.Size <= 0
}

type CommandType string

const (
	CommandPlace   CommandType = "PLACE"
	CommandCancel  CommandType = "CANCEL"
	CommandReplace CommandType = "REPLACE"
)

// OrderCommand is an outgoing intent for the venue. OrderID is set for
// Cancel and Replace and names the resting order being acted on.
type OrderCommand struct {
	Type          CommandType
	Market        string
	Side          Side
	Price         float64
	Size          float64
	PostOnly      bool
	ClientOrderID string
	OrderID       string
	IssuedAt      time.Time
}

type OpenOrder struct {
	OrderID  string
	ClientID string
	Side     Side
	Price    float64
	Size     float64
}

type PnLSnapshot struct {
	Market       string    `json:"market"`
	Time         time.Time `json:"time"`
	Mid          float64   `json:"mid"`
	Inventory    float64   `json:"inventory"`
	EntryPrice   float64   `json:"entry_price"`
	SpreadPnL    float64   `json:"spread_pnl"`
	InventoryPnL float64   `json:"inventory_pnl"`
	Fees         float64   `json:"fees"`
	Funding      float64   `json:"funding"`
	NetPnL       float64   `json:"net_pnl"`
}

// QuoteSnapshot records one quoting decision for storage.
type QuoteSnapshot struct {
	Market    string
	Time      time.Time
	Mid       float64
	Sigma     float64
	Valid     bool
	Inventory float64
	Bid       Quote
	Ask       Quote
}

package book

import (
	"errors"
	"fmt"
	"math"
	"time"

	"hl-mm-bot/internal/config"
	"hl-mm-bot/internal/domain"

	"github.com/tidwall/btree"
)

// ErrMalformedUpdate rejects updates whose structure is unusable, e.g. a
// negative size. The book is left untouched.
var ErrMalformedUpdate = errors.New("malformed book update")

const minSigmaReturns = 2

// State is an immutable view of the top of book. A zero State is invalid.
type State struct {
	BestBid  float64
	BestAsk  float64
	Mid      float64
	Sigma    float64
	HasSigma bool
	Valid    bool
	Time     time.Time
}

type Book struct {
	market     string
	depth      int
	sigmaCap   float64
	validAfter int

	bids *btree.Map[float64, float64]
	asks *btree.Map[float64, float64]

	mids   []float64
	head   int
	filled int

	latched bool
	streak  int
	state   State
}

func New(cfg config.MarketConfig) *Book {
	window := cfg.SigmaWindow
	if window < minSigmaReturns+1 {
		window = minSigmaReturns + 1
	}
	validAfter := cfg.ValidAfter
	if validAfter < 1 {
		validAfter = 1
	}
	return &Book{
		market:     cfg.Name,
		depth:      cfg.BookDepth,
		sigmaCap:   cfg.SigmaCap,
		validAfter: validAfter,
		bids:       btree.NewMap[float64, float64](32),
		asks:       btree.NewMap[float64, float64](32),
		mids:       make([]float64, window),
		latched:    true,
	}
}

// Apply ingests a snapshot or delta and recomputes the state. A crossed or
// one-sided result is not an error; it only marks the state invalid.
func (b *Book) Apply(update domain.BookUpdate) error {
	if update.Market != "" && b.market != "" && update.Market != b.market {
		return fmt.Errorf("update for %s applied to %s: %w", update.Market, b.market, ErrMalformedUpdate)
	}
	if err := checkLevels(update.Bids); err != nil {
		return fmt.Errorf("bids: %w", err)
	}
	if err := checkLevels(update.Asks); err != nil {
		return fmt.Errorf("asks: %w", err)
	}
	if update.Snapshot {
		b.bids = btree.NewMap[float64, float64](32)
		b.asks = btree.NewMap[float64, float64](32)
	}
	applyLevels(b.bids, update.Bids)
	applyLevels(b.asks, update.Asks)
	b.truncate()
	b.recompute(update.Time)
	return nil
}

// Invalidate drops all levels and the mid history and latches the state
// invalid, e.g. after a feed disconnect. Quoting resumes after validAfter
// consecutive valid updates; σ restarts from mids seen after the gap.
func (b *Book) Invalidate(now time.Time) {
	b.bids = btree.NewMap[float64, float64](32)
	b.asks = btree.NewMap[float64, float64](32)
	b.head, b.filled = 0, 0
	b.latched = true
	b.streak = 0
	b.state = State{Time: now}
}

func (b *Book) State() State {
	return b.state
}

// Levels returns up to depth levels per side, best first.
func (b *Book) Levels(depth int) (bids, asks []domain.Level) {
	b.bids.Reverse(func(price, size float64) bool {
		bids = append(bids, domain.Level{Price: price, Size: size})
		return depth <= 0 || len(bids) < depth
	})
	b.asks.Scan(func(price, size float64) bool {
		asks = append(asks, domain.Level{Price: price, Size: size})
		return depth <= 0 || len(asks) < depth
	})
	return bids, asks
}

func checkLevels(levels []domain.Level) error {
	for _, lvl := range levels {
		if math.IsNaN(lvl.Price) || math.IsInf(lvl.Price, 0) || lvl.Price <= 0 {
			return fmt.Errorf("price %v: %w", lvl.Price, ErrMalformedUpdate)
		}
		if math.IsNaN(lvl.Size) || math.IsInf(lvl.Size, 0) || lvl.Size < 0 {
			return fmt.Errorf("size %v at %v: %w", lvl.Size, lvl.Price, ErrMalformedUpdate)
		}
	}
	return nil
}

func applyLevels(side *btree.Map[float64, float64], levels []domain.Level) {
	for _, lvl := range levels {
		if lvl.Size == 0 {
			side.Delete(lvl.Price)
			continue
		}
		side.Set(lvl.Price, lvl.Size)
	}
}

func (b *Book) truncate() {
	if b.depth <= 0 {
		return
	}
	for b.bids.Len() > b.depth {
		b.bids.PopMin()
	}
	for b.asks.Len() > b.depth {
		b.asks.PopMax()
	}
}

func (b *Book) recompute(ts time.Time) {
	bid, _, hasBid := b.bids.Max()
	ask, _, hasAsk := b.asks.Min()
	next := State{Time: ts, Sigma: b.state.Sigma, HasSigma: b.state.HasSigma}
	if hasBid {
		next.BestBid = bid
	}
	if hasAsk {
		next.BestAsk = ask
	}
	if !hasBid || !hasAsk || bid >= ask {
		b.latched = true
		b.streak = 0
		b.state = next
		return
	}
	next.Mid = (bid + ask) / 2
	b.recordMid(next.Mid)
	next.Sigma, next.HasSigma = b.sigma()
	if b.latched {
		b.streak++
		if b.streak >= b.validAfter {
			b.latched = false
		}
	}
	next.Valid = !b.latched
	b.state = next
}

func (b *Book) recordMid(mid float64) {
	b.mids[b.head] = mid
	b.head = (b.head + 1) % len(b.mids)
	if b.filled < len(b.mids) {
		b.filled++
	}
}

// sigma is the population standard deviation of simple mid returns over the
// window, capped at sigmaCap.
func (b *Book) sigma() (float64, bool) {
	if b.filled < minSigmaReturns+1 {
		return 0, false
	}
	start := (b.head - b.filled + len(b.mids)) % len(b.mids)
	var sum, sumSq, count float64
	prev := b.mids[start]
	for i := 1; i < b.filled; i++ {
		curr := b.mids[(start+i)%len(b.mids)]
		if prev > 0 {
			r := (curr - prev) / prev
			sum += r
			sumSq += r * r
			count++
		}
		prev = curr
	}
	if count < minSigmaReturns {
		return 0, false
	}
	mean := sum / count
	variance := sumSq/count - mean*mean
	if variance < 0 {
		variance = 0
	}
	std := math.Sqrt(variance)
	if b.sigmaCap > 0 && std > b.sigmaCap {
		std = b.sigmaCap
	}
	return std, true
}

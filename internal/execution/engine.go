// Package execution reconciles risk-adjusted quotes against live orders and
// applies fills to inventory. An Engine is owned by a single goroutine.
package execution

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"time"

	"hl-mm-bot/internal/config"
	"hl-mm-bot/internal/domain"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrInvalidFill = errors.New("invalid fill")

type Snapshot struct {
	Market   string
	Position Position
	Orders   []LiveOrder
	InFlight int
	Stale    bool
	Fills    int
}

// Resolution reports what a settled command means for the caller.
type Resolution struct {
	Matched    bool
	Rejected   bool
	NeedResync bool
}

type Engine struct {
	market   string
	cfg      config.MarketConfig
	log      *zap.Logger
	newCloid func() string

	orders   map[domain.Side]*LiveOrder
	inflight map[domain.Side]*domain.OrderCommand
	desired  map[domain.Side]domain.Quote
	lastSent map[domain.Side]time.Time
	sweeping map[string]domain.OrderCommand

	lotSize   float64
	makerRate float64
	stale     bool
	fills     int
	position  Position
}

func NewEngine(cfg config.MarketConfig, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		market:   cfg.Name,
		cfg:      cfg,
		log:      log,
		newCloid: NewClientOrderID,
		orders:   make(map[domain.Side]*LiveOrder),
		inflight: make(map[domain.Side]*domain.OrderCommand),
		desired:  make(map[domain.Side]domain.Quote),
		lastSent: make(map[domain.Side]time.Time),
		sweeping: make(map[string]domain.OrderCommand),
	}
}

// NewClientOrderID returns a 128-bit hex client order id.
func NewClientOrderID() string {
	id := uuid.New()
	return "0x" + hex.EncodeToString(id[:])
}

// SetLotSize sets the size increment used to decide whether a size changed.
func (e *Engine) SetLotSize(step float64) {
	e.lotSize = step
}

func (e *Engine) SetMakerRate(rate float64) {
	e.makerRate = rate
}

func (e *Engine) Inventory() float64 {
	return e.position.Inventory
}

func (e *Engine) Stale() bool {
	return e.stale
}

// OpenOrders counts live orders, pending ones included.
func (e *Engine) OpenOrders() int {
	return len(e.orders) + len(e.sweeping)
}

// Resting reports which sides currently hold an order.
func (e *Engine) Resting() map[domain.Side]bool {
	out := make(map[domain.Side]bool, len(e.orders))
	for side := range e.orders {
		out[side] = true
	}
	return out
}

// Reconcile records the target and returns the commands needed to reach it.
// Calling it again with the same target and no new events returns nothing.
func (e *Engine) Reconcile(target domain.QuotePair, now time.Time) []domain.OrderCommand {
	for _, side := range domain.Sides {
		q := target.Side(side)
		q.Side = side
		e.desired[side] = q
	}
	return e.Flush(now)
}

// Flush re-evaluates the last desired state for every side, e.g. after an
// in-flight command resolved or a coalesce window elapsed.
func (e *Engine) Flush(now time.Time) []domain.OrderCommand {
	if e.stale {
		return nil
	}
	var out []domain.OrderCommand
	for _, side := range domain.Sides {
		if cmd, ok := e.decide(side, now); ok {
			out = append(out, cmd)
		}
	}
	return out
}

func (e *Engine) decide(side domain.Side, now time.Time) (domain.OrderCommand, bool) {
	if e.inflight[side] != nil {
		return domain.OrderCommand{}, false
	}
	want, ok := e.desired[side]
	if !ok {
		return domain.OrderCommand{}, false
	}
	live := e.orders[side]

	var cmd domain.OrderCommand
	switch {
	case live == nil && want.Size <= 0:
		return cmd, false
	case live == nil:
		cmd = e.command(domain.CommandPlace, want, now)
	case !live.resting():
		return cmd, false
	case want.Size <= 0:
		cmd = e.cancel(live, now)
	case !e.needsUpdate(live, want):
		return cmd, false
	case live.Status == StatusPartiallyFilled:
		cmd = e.cancel(live, now)
	default:
		cmd = e.command(domain.CommandReplace, want, now)
		cmd.OrderID = live.ID
	}

	if cmd.Type != domain.CommandCancel && e.coalescing(side, now) {
		return domain.OrderCommand{}, false
	}
	if err := e.track(cmd, live); err != nil {
		e.log.Warn("order transition refused", zap.Error(err))
		return domain.OrderCommand{}, false
	}
	return cmd, true
}

func (e *Engine) cancel(live *LiveOrder, now time.Time) domain.OrderCommand {
	return domain.OrderCommand{
		Type:          domain.CommandCancel,
		Market:        e.market,
		Side:          live.Side,
		Price:         live.Price,
		Size:          live.Size,
		ClientOrderID: live.ClientID,
		OrderID:       live.ID,
		IssuedAt:      now,
	}
}

func (e *Engine) command(kind domain.CommandType, want domain.Quote, now time.Time) domain.OrderCommand {
	cmd := domain.OrderCommand{
		Type:     kind,
		Market:   e.market,
		Side:     want.Side,
		Price:    want.Price,
		Size:     want.Size,
		PostOnly: e.cfg.PostOnlyValue(),
		IssuedAt: now,
	}
	cmd.ClientOrderID = e.newCloid()
	return cmd
}

// coalescing is a leading-edge debounce: the first change goes out at once,
// later ones wait until the window since the last send has passed.
func (e *Engine) coalescing(side domain.Side, now time.Time) bool {
	last, ok := e.lastSent[side]
	return ok && e.cfg.ReplaceCoalesce > 0 && now.Sub(last) < e.cfg.ReplaceCoalesce
}

func (e *Engine) needsUpdate(live *LiveOrder, want domain.Quote) bool {
	if live.Price <= 0 {
		return true
	}
	driftBps := math.Abs(want.Price-live.Price) / live.Price * 1e4
	if driftBps >= e.cfg.ReplaceThresholdBps {
		return true
	}
	if live.Status == StatusPartiallyFilled {
		return false
	}
	return e.sizeChanged(live.Size, want.Size)
}

func (e *Engine) sizeChanged(have, want float64) bool {
	if e.lotSize > 0 {
		return math.Round(have/e.lotSize) != math.Round(want/e.lotSize)
	}
	return math.Abs(have-want) > 1e-9*math.Max(math.Abs(have), math.Abs(want))
}

func (e *Engine) track(cmd domain.OrderCommand, live *LiveOrder) error {
	switch cmd.Type {
	case domain.CommandPlace:
		e.orders[cmd.Side] = &LiveOrder{
			ClientID: cmd.ClientOrderID,
			Side:     cmd.Side,
			Price:    cmd.Price,
			Size:     cmd.Size,
			Status:   StatusWorking,
		}
	case domain.CommandCancel:
		if err := live.transition(StatusPendingCancel); err != nil {
			return err
		}
	case domain.CommandReplace:
		if err := live.transition(StatusPendingReplace); err != nil {
			return err
		}
		live.nextPrice = cmd.Price
		live.nextSize = cmd.Size
		live.nextClientID = cmd.ClientOrderID
	}
	c := cmd
	e.inflight[cmd.Side] = &c
	e.lastSent[cmd.Side] = cmd.IssuedAt
	return nil
}

// Resolve settles an in-flight command with the venue's answer.
func (e *Engine) Resolve(res domain.CommandResult) (Resolution, error) {
	cmd := res.Command
	if _, ok := e.sweeping[cmd.OrderID]; ok && cmd.Type == domain.CommandCancel {
		delete(e.sweeping, cmd.OrderID)
		// only venue truth can say whether a refused sweep is still resting
		return Resolution{Matched: true, Rejected: res.Rejected, NeedResync: res.Err != nil}, nil
	}
	pending := e.inflight[cmd.Side]
	if pending == nil || pending.Type != cmd.Type || pending.ClientOrderID != cmd.ClientOrderID || pending.OrderID != cmd.OrderID {
		e.log.Debug("ignoring result for unknown command",
			zap.String("type", string(cmd.Type)),
			zap.String("side", string(cmd.Side)),
			zap.String("cloid", cmd.ClientOrderID),
		)
		return Resolution{}, nil
	}
	delete(e.inflight, cmd.Side)

	out := Resolution{Matched: true, Rejected: res.Rejected, NeedResync: res.Err != nil && !res.Rejected}
	if res.Err != nil {
		// Drop the target so the next tick recomputes instead of resending.
		delete(e.desired, cmd.Side)
	}
	live := e.orders[cmd.Side]
	if live == nil {
		return out, nil
	}

	switch cmd.Type {
	case domain.CommandPlace:
		if live.ClientID != cmd.ClientOrderID {
			return out, nil
		}
		if res.Err != nil {
			delete(e.orders, cmd.Side)
			return out, nil
		}
		live.ID = res.OrderID
	case domain.CommandCancel:
		if live.Status != StatusPendingCancel {
			return out, nil
		}
		if res.Err == nil {
			if err := live.transition(StatusCancelled); err != nil {
				return out, err
			}
			delete(e.orders, cmd.Side)
			return out, nil
		}
		// The order may still rest on the venue. Keep it and let a resync
		// confirm what is there before anything new goes out on this side.
		out.NeedResync = true
		return out, live.revert()
	case domain.CommandReplace:
		if live.Status != StatusPendingReplace {
			return out, nil
		}
		if res.Err != nil {
			return out, live.revert()
		}
		next := StatusWorking
		if live.nextFilled > 0 {
			next = StatusPartiallyFilled
		}
		if err := live.transition(next); err != nil {
			return out, err
		}
		live.ID = res.OrderID
		live.ClientID = live.nextClientID
		live.Price = live.nextPrice
		live.Size = live.nextSize
		live.Filled = live.nextFilled
		live.clearNext()
	}
	return out, nil
}

// Abandon unwinds local tracking for a command that never reached the venue.
// Orders it meant to cancel or replace are resting again.
func (e *Engine) Abandon(cmd domain.OrderCommand) (Resolution, error) {
	if _, ok := e.sweeping[cmd.OrderID]; ok && cmd.Type == domain.CommandCancel {
		delete(e.sweeping, cmd.OrderID)
		return Resolution{Matched: true, NeedResync: true}, nil
	}
	pending := e.inflight[cmd.Side]
	if pending == nil || pending.Type != cmd.Type || pending.ClientOrderID != cmd.ClientOrderID || pending.OrderID != cmd.OrderID {
		return Resolution{}, nil
	}
	delete(e.inflight, cmd.Side)
	delete(e.desired, cmd.Side)
	delete(e.lastSent, cmd.Side)

	live := e.orders[cmd.Side]
	if live == nil {
		return Resolution{Matched: true}, nil
	}
	switch cmd.Type {
	case domain.CommandPlace:
		if live.ClientID == cmd.ClientOrderID {
			delete(e.orders, cmd.Side)
		}
	case domain.CommandCancel:
		if live.Status == StatusPendingCancel {
			return Resolution{Matched: true}, live.revert()
		}
	case domain.CommandReplace:
		if live.Status == StatusPendingReplace {
			return Resolution{Matched: true}, live.revert()
		}
	}
	return Resolution{Matched: true}, nil
}

// OnFill applies a fill at the given mid. Fills for orders no longer tracked
// still move inventory.
func (e *Engine) OnFill(fill domain.Fill, mid float64) error {
	if !(fill.Size > 0) || !(fill.Price > 0) || math.IsInf(fill.Size, 0) || math.IsInf(fill.Price, 0) {
		return fmt.Errorf("size %v price %v: %w", fill.Size, fill.Price, ErrInvalidFill)
	}
	if fill.Side != domain.SideBuy && fill.Side != domain.SideSell {
		return fmt.Errorf("side %q: %w", fill.Side, ErrInvalidFill)
	}
	if !(mid > 0) || math.IsInf(mid, 0) {
		mid = fill.Price
	}
	signed := fill.Side.Sign() * fill.Size

	e.position.apply(signed, fill.Price)
	e.position.SpreadPnL += (fill.Price - mid) * -signed
	e.position.MidCost += signed * mid
	if fill.HasFee {
		e.position.Fees += fill.Fee
	} else {
		e.position.Fees -= e.makerRate * fill.Price * fill.Size
	}
	e.fills++

	return e.fillOrder(fill)
}

func (e *Engine) fillOrder(fill domain.Fill) error {
	live := e.orders[fill.Side]
	if live == nil {
		return nil
	}
	if live.replacing(fill.ClientID) {
		// the replacement is already on the book and trading
		live.nextSize -= fill.Size
		live.nextFilled += fill.Size
		if live.nextSize <= flatEpsilon {
			return e.filled(live)
		}
		return nil
	}
	if !matches(live, fill.OrderID, fill.ClientID) {
		return nil
	}
	live.Size -= fill.Size
	live.Filled += fill.Size
	if live.Size <= flatEpsilon {
		return e.filled(live)
	}
	if live.Status == StatusWorking {
		return live.transition(StatusPartiallyFilled)
	}
	return nil
}

func (e *Engine) filled(live *LiveOrder) error {
	live.Size = 0
	if err := live.transition(StatusFilled); err != nil {
		return err
	}
	delete(e.orders, live.Side)
	return nil
}

func matches(live *LiveOrder, oid, cloid string) bool {
	if oid != "" && live.ID != "" {
		return oid == live.ID
	}
	return cloid != "" && cloid == live.ClientID
}

func (e *Engine) OnFunding(amount float64) {
	if math.IsNaN(amount) || math.IsInf(amount, 0) {
		return
	}
	e.position.Funding += amount
}

// OnOrderUpdate handles venue-side terminal states, e.g. a post-only order
// cancelled after it was acknowledged or an order that filled completely.
func (e *Engine) OnOrderUpdate(update domain.OrderUpdate) error {
	switch update.Status {
	case domain.OrderFilled, domain.OrderCancelled, domain.OrderRejected:
	default:
		return nil
	}
	for _, live := range e.orders {
		replacement := live.replacing(update.ClientID)
		if !replacement && !matches(live, update.OrderID, update.ClientID) {
			continue
		}
		if update.Status == domain.OrderFilled {
			return e.filled(live)
		}
		if live.Status == StatusPendingReplace {
			// the replace result decides what rests next
			return nil
		}
		if err := live.transition(StatusCancelled); err != nil {
			return err
		}
		delete(e.orders, live.Side)
		return nil
	}
	return nil
}

// MarkStale flags every tracked order as unknown and stops issuing commands
// until Resync.
func (e *Engine) MarkStale() {
	e.stale = true
	for _, live := range e.orders {
		live.Stale = true
	}
}

// Resync replaces the tracked orders with venue truth and returns cancels for
// any surplus orders found on a side.
func (e *Engine) Resync(open []domain.OpenOrder, now time.Time) []domain.OrderCommand {
	orders := make(map[domain.Side]*LiveOrder, 2)
	var sweep []domain.OrderCommand
	for _, o := range open {
		if o.Side != domain.SideBuy && o.Side != domain.SideSell {
			continue
		}
		if _, taken := orders[o.Side]; taken {
			cmd := domain.OrderCommand{
				Type:          domain.CommandCancel,
				Market:        e.market,
				Side:          o.Side,
				Price:         o.Price,
				Size:          o.Size,
				ClientOrderID: o.ClientID,
				OrderID:       o.OrderID,
				IssuedAt:      now,
			}
			if _, dup := e.sweeping[o.OrderID]; !dup {
				e.sweeping[o.OrderID] = cmd
				sweep = append(sweep, cmd)
			}
			continue
		}
		orders[o.Side] = &LiveOrder{
			ID:       o.OrderID,
			ClientID: o.ClientID,
			Side:     o.Side,
			Price:    o.Price,
			Size:     o.Size,
			Status:   StatusWorking,
		}
	}
	for side, pending := range e.inflight {
		live := e.orders[side]
		switch pending.Type {
		case domain.CommandPlace:
			if got := orders[side]; got == nil && live != nil {
				// not visible yet; keep the local entry until the ack
				orders[side] = live
			}
		case domain.CommandCancel, domain.CommandReplace:
			if got := orders[side]; got != nil && live != nil && got.ID == live.ID {
				orders[side] = live
			}
		}
		if orders[side] != nil {
			orders[side].Stale = false
		}
	}
	e.orders = orders
	e.stale = false
	return sweep
}

// CancelAll drops every desired quote and returns cancels for all resting
// orders that are not already being acted on.
func (e *Engine) CancelAll(now time.Time) []domain.OrderCommand {
	return e.Reconcile(domain.NoQuote(), now)
}

func (e *Engine) Snapshot() Snapshot {
	snap := Snapshot{
		Market:   e.market,
		Position: e.position,
		InFlight: len(e.inflight),
		Stale:    e.stale,
		Fills:    e.fills,
	}
	for _, side := range domain.Sides {
		if live := e.orders[side]; live != nil {
			snap.Orders = append(snap.Orders, *live)
		}
	}
	return snap
}

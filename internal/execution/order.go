package execution

import (
	"errors"
	"fmt"

	"hl-mm-bot/internal/domain"
)

var ErrInvalidTransition = errors.New("invalid order transition")

type Status string

const (
	StatusWorking         Status = "working"
	StatusPendingReplace  Status = "pending_replace"
	StatusPendingCancel   Status = "pending_cancel"
	StatusPartiallyFilled Status = "partially_filled"
	StatusFilled          Status = "filled"
	StatusCancelled       Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled
}

// transitions lists every permitted status change: the three main
// lifecycles plus the edges where a fill or a venue-side cancel races a
// pending command, and a failed cancel or replace falling back to the
// resting state it left.
var transitions = map[Status][]Status{
	StatusWorking: {
		StatusPendingCancel,
		StatusPendingReplace,
		StatusPartiallyFilled,
		StatusFilled,
		StatusCancelled,
	},
	StatusPendingCancel: {
		StatusCancelled,
		StatusFilled,
		StatusWorking,
		StatusPartiallyFilled,
	},
	StatusPendingReplace: {
		StatusWorking,
		StatusFilled,
		StatusPartiallyFilled,
	},
	StatusPartiallyFilled: {
		StatusFilled,
		StatusPendingCancel,
		StatusCancelled,
	},
}

func canTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// LiveOrder is the local view of one resting order. Size is the remaining
// open size.
type LiveOrder struct {
	ID       string
	ClientID string
	Side     domain.Side
	Price    float64
	Size     float64
	Filled   float64
	Status   Status
	// Stale is set after a connectivity loss until a venue resync confirms
	// the order.
	Stale bool

	// replace target while PendingReplace
	nextPrice    float64
	nextSize     float64
	nextFilled   float64
	nextClientID string
	// status to fall back to if a cancel or replace does not go through
	prev Status
}

func (o *LiveOrder) transition(to Status) error {
	if !canTransition(o.Status, to) {
		return fmt.Errorf("%s %s -> %s: %w", o.Side, o.Status, to, ErrInvalidTransition)
	}
	if to == StatusPendingCancel || to == StatusPendingReplace {
		if o.Status != StatusPendingCancel && o.Status != StatusPendingReplace {
			o.prev = o.Status
		}
	}
	o.Status = to
	return nil
}

// revert undoes a pending cancel or replace.
func (o *LiveOrder) revert() error {
	back := o.prev
	if back == "" {
		back = StatusWorking
	}
	if o.Filled > 0 {
		back = StatusPartiallyFilled
	}
	if err := o.transition(back); err != nil {
		return err
	}
	o.clearNext()
	return nil
}

func (o *LiveOrder) clearNext() {
	o.nextPrice, o.nextSize, o.nextFilled, o.nextClientID = 0, 0, 0, ""
}

// replacing reports whether cloid names the order a pending replace put up.
func (o LiveOrder) replacing(cloid string) bool {
	return o.Status == StatusPendingReplace && cloid != "" && cloid == o.nextClientID
}

func (o LiveOrder) resting() bool {
	return o.Status == StatusWorking || o.Status == StatusPartiallyFilled
}

// Package pnl derives read-only PnL snapshots from execution state.
package pnl

import (
	"time"

	"hl-mm-bot/internal/domain"
	"hl-mm-bot/internal/execution"
)

// Project marks a position at mid. It works on a copy and never writes back
// to the engine.
func Project(snap execution.Snapshot, mid float64, now time.Time) domain.PnLSnapshot {
	p := snap.Position
	out := domain.PnLSnapshot{
		Market:     snap.Market,
		Time:       now,
		Mid:        mid,
		Inventory:  p.Inventory,
		EntryPrice: p.EntryPrice,
		SpreadPnL:  p.SpreadPnL,
		Fees:       p.Fees,
		Funding:    p.Funding,
	}
	if mid > 0 {
		out.InventoryPnL = p.InventoryPnL(mid)
	} else if p.Inventory == 0 {
		out.InventoryPnL = -p.MidCost
	}
	out.NetPnL = out.SpreadPnL + out.InventoryPnL + out.Fees + out.Funding
	return out
}

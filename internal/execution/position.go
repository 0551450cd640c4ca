package execution

import "math"

const flatEpsilon = 1e-12

// Position tracks inventory and the accumulated PnL components for one
// market. It only changes through fills and funding payments.
type Position struct {
	Inventory  float64
	EntryPrice float64
	Realized   float64
	SpreadPnL  float64
	Fees       float64
	Funding    float64
	// MidCost is the signed fill volume valued at the mid of each fill. The
	// inventory component of PnL is Inventory*mark - MidCost.
	MidCost float64
}

// apply moves inventory by a signed size at price px. Extending uses a
// volume-weighted entry; reducing books realized PnL and keeps the entry;
// crossing through zero restarts the entry at px.
func (p *Position) apply(signed, px float64) {
	inv := p.Inventory
	next := inv + signed
	switch {
	case inv == 0 || math.Signbit(inv) == math.Signbit(signed):
		p.EntryPrice = (math.Abs(inv)*p.EntryPrice + math.Abs(signed)*px) / math.Abs(next)
	case math.Abs(signed) <= math.Abs(inv):
		p.Realized += (px - p.EntryPrice) * -signed
	default:
		p.Realized += (px - p.EntryPrice) * inv
		p.EntryPrice = px
	}
	p.Inventory = next
	if math.Abs(p.Inventory) < flatEpsilon {
		p.Inventory = 0
		p.EntryPrice = 0
	}
}

// InventoryPnL marks the position against mid.
func (p Position) InventoryPnL(mid float64) float64 {
	return p.Inventory*mid - p.MidCost
}

func (p Position) NetPnL(mid float64) float64 {
	return p.SpreadPnL + p.InventoryPnL(mid) + p.Fees + p.Funding
}

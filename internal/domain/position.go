package domain

import "time"

// Position is one bracketed position, at most one open per symbol.
type Position struct {
	Symbol string
	Side   Side

	RequestedQuantity float64
	FilledQuantity    float64

	EntryOrderID          string
	EntryReferencePrice   float64
	EntryAverageFillPrice *float64 // nil until a fill is observed

	StopLossPct     float64 // bracket parameters, kept to protect a late entry fill
	RewardRisk      float64
	StopLossPrice   float64
	TakeProfitPrice float64

	// Quantity and notional already closed by protective orders that were
	// later canceled or replaced, e.g. a partly filled take-profit limit.
	ExitedQuantity float64
	ExitNotional   float64

	StopOrderID      string
	StopOrderKind    OrderType
	StopUsedFallback bool

	TakeProfitOrderID      string
	TakeProfitOrderKind    OrderType
	TakeProfitUsedFallback bool

	Lifecycle LifecycleState
	CreatedAt time.Time
	ClosedAt  *time.Time

	Errors []string
}

// EntryPrice returns the realized average fill price, or the reference price
// when the exchange has not reported one.
func (p *Position) EntryPrice() float64 {
	if p.EntryAverageFillPrice != nil && *p.EntryAverageFillPrice > 0 {
		return *p.EntryAverageFillPrice
	}
	return p.EntryReferencePrice
}

// OpenQuantity returns the filled quantity not yet closed by a partial exit.
func (p *Position) OpenQuantity() float64 {
	if q := p.FilledQuantity - p.ExitedQuantity; q > 0 {
		return q
	}
	return 0
}

// AwaitingEntry reports whether the entry order may still fill while nothing
// has filled and no protective order exists.
func (p *Position) AwaitingEntry() bool {
	return p.FilledQuantity <= 0 && p.EntryOrderID != "" && !p.HasProtection()
}

// HasProtection reports whether at least one protective order is outstanding.
func (p *Position) HasProtection() bool {
	return p.StopOrderID != "" || p.TakeProfitOrderID != ""
}

// Clone returns a deep copy.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	c := *p
	if p.EntryAverageFillPrice != nil {
		v := *p.EntryAverageFillPrice
		c.EntryAverageFillPrice = &v
	}
	if p.ClosedAt != nil {
		t := *p.ClosedAt
		c.ClosedAt = &t
	}
	c.Errors = append([]string(nil), p.Errors...)
	return &c
}

// ClosedPosition is the closed-history record of a position.
type ClosedPosition struct {
	Position  *Position
	PNL       float64
	Reason    CloseReason
	ExitPrice float64
	ClosedAt  time.Time
}

// SettlePNL combines earlier partial exits with a final exit of qty at
// exit. It returns the blended exit price, total exited quantity and PNL.
func SettlePNL(p *Position, exit, qty float64) (avgExit, total, pnl float64) {
	total = p.ExitedQuantity + qty
	if total <= 0 {
		return exit, 0, 0
	}
	avgExit = (p.ExitNotional + exit*qty) / total
	return avgExit, total, RealizedPNL(p.Side, p.EntryPrice(), avgExit, total)
}

// RealizedPNL computes profit and loss for qty closed at exit; the sign flips for shorts.
func RealizedPNL(side Side, entry, exit, qty float64) float64 {
	if side == Short {
		return (entry - exit) * qty
	}
	return (exit - entry) * qty
}

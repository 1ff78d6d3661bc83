package domain

// Side is the direction of a position.
type Side string

const (
	Long  Side = "long"
	Short Side = "short"
)

// Valid reports whether s is a known position side.
func (s Side) Valid() bool {
	return s == Long || s == Short
}

// EntryOrderSide returns the order side that opens a position of this side.
func (s Side) EntryOrderSide() OrderSide {
	if s == Short {
		return Sell
	}
	return Buy
}

// ExitOrderSide returns the order side that reduces a position of this side.
func (s Side) ExitOrderSide() OrderSide {
	if s == Short {
		return Buy
	}
	return Sell
}

// PositionSide returns the hedge-mode position side (LONG/SHORT).
func (s Side) PositionSide() PositionSide {
	if s == Short {
		return PositionSideShort
	}
	return PositionSideLong
}

// OrderSide represents the side of an order (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// PositionSide is the hedge-mode leg an order belongs to. Empty means one-way mode.
type PositionSide string

const (
	PositionSideNone  PositionSide = ""
	PositionSideLong  PositionSide = "LONG"
	PositionSideShort PositionSide = "SHORT"
)

// OrderType enumerates the order kinds the bracket lifecycle needs.
type OrderType string

const (
	OrderTypeLimit            OrderType = "LIMIT"
	OrderTypeMarket           OrderType = "MARKET"
	OrderTypeStopMarket       OrderType = "STOP_MARKET"
	OrderTypeTakeProfit       OrderType = "TAKE_PROFIT" // take-profit limit
	OrderTypeTakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
)

// WorkingType selects the price a conditional order triggers off.
type WorkingType string

const (
	WorkingTypeDefault  WorkingType = ""
	WorkingTypeMark     WorkingType = "MARK_PRICE"
	WorkingTypeContract WorkingType = "CONTRACT_PRICE"
)

// OrderStatus is the normalized exchange order status.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// IsTerminal reports whether the order can no longer fill.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// CloseReason indicates why a position was closed.
type CloseReason string

const (
	CloseReasonStopLoss   CloseReason = "stop_loss"
	CloseReasonTakeProfit CloseReason = "take_profit"
	CloseReasonManual     CloseReason = "manual"
)

// LifecycleState tracks a position through the open-and-protect sequence.
type LifecycleState string

const (
	StateInit                   LifecycleState = "INIT"
	StateAmountAdjusted         LifecycleState = "AMOUNT_ADJUSTED"
	StateEntryPlaced            LifecycleState = "ENTRY_PLACED"
	StateEntryFillAwaited       LifecycleState = "ENTRY_FILL_AWAITED"
	StateEntryFilled            LifecycleState = "ENTRY_FILLED"
	StateEntryTimedOut          LifecycleState = "ENTRY_TIMED_OUT"
	StateEntryRejected          LifecycleState = "ENTRY_REJECTED"
	StateProtectiveOrdersPlaced LifecycleState = "PROTECTIVE_ORDERS_PLACED"
	StateProtected              LifecycleState = "PROTECTED"
	StateDegraded               LifecycleState = "DEGRADED"
	StateAborted                LifecycleState = "ABORTED"
	StateClosed                 LifecycleState = "CLOSED"
)

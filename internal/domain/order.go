package domain

import "time"

// OrderRequest describes an order to submit through an exchange gateway.
type OrderRequest struct {
	Symbol        string
	Type          OrderType
	Side          OrderSide
	PositionSide  PositionSide // set only in hedge mode
	Quantity      float64
	Price         float64 // limit price, 0 for market/stop-market
	StopPrice     float64 // trigger price for conditional orders
	ReduceOnly    bool
	PostOnly      bool // maker-only (GTX) limit
	WorkingType   WorkingType
	ClientOrderID string
}

// OrderHandle is the normalized view of an exchange order.
type OrderHandle struct {
	ID            string
	ClientOrderID string
	Symbol        string
	Type          OrderType
	Side          OrderSide
	Status        OrderStatus
	Price         float64
	StopPrice     float64
	OrigQuantity  float64
	FilledQty     float64
	AveragePrice  float64 // 0 when the exchange did not report one
	UpdatedAt     time.Time
}

// IsFilled reports whether the order is fully filled.
func (o *OrderHandle) IsFilled() bool {
	return o != nil && o.Status == OrderStatusFilled
}

// Ticker is a snapshot of market prices for a symbol.
type Ticker struct {
	Symbol    string
	Last      float64
	Bid       float64
	Ask       float64
	MarkPrice float64 // 0 when unavailable
}

package ports

import (
	"context"

	"cryptoBracketBot/internal/domain"
)

// ExchangeGateway is the order capability surface the bracket lifecycle consumes.
// Implementations translate vendor errors into the sentinels in errors.go.
type ExchangeGateway interface {
	// AdjustQuantityToStep rounds qty down to the symbol's lot step.
	AdjustQuantityToStep(ctx context.Context, symbol string, qty float64) (float64, error)

	// CreateOrder submits an order and returns the exchange's view of it.
	CreateOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderHandle, error)

	// FetchOrder returns the current state of an order.
	// Returns an error wrapping ErrOrderNotFound when the exchange has no such order.
	FetchOrder(ctx context.Context, symbol, orderID string) (*domain.OrderHandle, error)

	// CancelOrder cancels a resting order.
	CancelOrder(ctx context.Context, symbol, orderID string) error

	// FetchTicker returns last/bid/ask and, when available, mark price.
	FetchTicker(ctx context.Context, symbol string) (*domain.Ticker, error)

	// IsHedgeMode reports whether the account uses dual-side (hedge) positions.
	IsHedgeMode(ctx context.Context) (bool, error)
}

// AccountReader exposes account equity for sizing and risk admission.
type AccountReader interface {
	// GetAccountBalance retrieves the wallet balance for a specific asset (e.g., "USDT").
	GetAccountBalance(ctx context.Context, asset string) (float64, error)
}

// PriceSource provides last prices; used by the paper gateway.
type PriceSource interface {
	GetTickerPrice(ctx context.Context, symbol string) (float64, error)
}

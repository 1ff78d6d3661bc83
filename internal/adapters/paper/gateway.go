// Package paper provides an in-memory exchange gateway for dry runs.
//
// Prices come from a ports.PriceSource (usually the live public ticker) and
// orders never reach the exchange:
//   - LIMIT entries fill immediately at their limit price
//   - MARKET orders fill at the last price
//   - conditional orders rest until FetchOrder sees the last price cross their trigger
package paper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"cryptoBracketBot/internal/domain"
	"cryptoBracketBot/internal/ports"
)

// Config holds configuration for the paper gateway.
type Config struct {
	Prices   ports.PriceSource
	Logger   ports.Logger
	StepSize float64 // lot step applied to every symbol, default 0.001
	Equity   float64 // balance reported for USDT
}

// Gateway implements ports.ExchangeGateway and ports.AccountReader in memory.
type Gateway struct {
	prices ports.PriceSource
	logger ports.Logger
	step   decimal.Decimal
	equity float64
	now    func() time.Time

	mu     sync.Mutex
	orders map[string]*domain.OrderHandle
}

// New creates a paper gateway.
func New(cfg Config) (*Gateway, error) {
	if cfg.Prices == nil {
		return nil, fmt.Errorf("paper gateway: %w: price source is required", ports.ErrConfigurationError)
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for paper gateway")
	}
	step := cfg.StepSize
	if step <= 0 {
		step = 0.001
	}
	return &Gateway{
		prices: cfg.Prices,
		logger: cfg.Logger,
		step:   decimal.NewFromFloat(step),
		equity: cfg.Equity,
		now:    time.Now,
		orders: make(map[string]*domain.OrderHandle),
	}, nil
}

func (g *Gateway) AdjustQuantityToStep(_ context.Context, _ string, qty float64) (float64, error) {
	q := decimal.NewFromFloat(qty).Div(g.step).Floor().Mul(g.step)
	if q.IsNegative() {
		return 0, nil
	}
	return q.InexactFloat64(), nil
}

func (g *Gateway) IsHedgeMode(context.Context) (bool, error) { return false, nil }

// GetAccountBalance reports the configured paper equity for USDT.
func (g *Gateway) GetAccountBalance(_ context.Context, asset string) (float64, error) {
	if asset != "USDT" {
		return 0, fmt.Errorf("GetAccountBalance failed: %w: asset %s", ports.ErrNotFound, asset)
	}
	return g.equity, nil
}

func (g *Gateway) FetchTicker(ctx context.Context, symbol string) (*domain.Ticker, error) {
	last, err := g.prices.GetTickerPrice(ctx, symbol)
	if err != nil {
		return nil, err
	}
	return &domain.Ticker{Symbol: symbol, Last: last, Bid: last, Ask: last, MarkPrice: last}, nil
}

// CreateOrder simulates order entry. Conditional orders that would trigger
// at once are rejected with ports.ErrOrderWouldTrigger.
func (g *Gateway) CreateOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderHandle, error) {
	op := "CreateOrder"
	qty, _ := g.AdjustQuantityToStep(ctx, req.Symbol, req.Quantity)
	if qty <= 0 {
		return nil, fmt.Errorf("%s failed: %w: quantity %v below lot size", op, ports.ErrInvalidRequest, req.Quantity)
	}
	last, err := g.prices.GetTickerPrice(ctx, req.Symbol)
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w", op, err)
	}

	o := &domain.OrderHandle{
		ID:            uuid.NewString(),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Type:          req.Type,
		Side:          req.Side,
		Status:        domain.OrderStatusNew,
		Price:         req.Price,
		StopPrice:     req.StopPrice,
		OrigQuantity:  qty,
		UpdatedAt:     g.now(),
	}

	switch req.Type {
	case domain.OrderTypeLimit:
		g.fill(o, req.Price)
	case domain.OrderTypeMarket:
		g.fill(o, last)
	case domain.OrderTypeStopMarket, domain.OrderTypeTakeProfit, domain.OrderTypeTakeProfitMarket:
		if triggered(o, last) {
			return nil, fmt.Errorf("%s failed: %w: %s trigger %v against last %v", op, ports.ErrOrderWouldTrigger, req.Type, req.StopPrice, last)
		}
	default:
		return nil, fmt.Errorf("%s failed: %w: unsupported order type %s", op, ports.ErrInvalidRequest, req.Type)
	}

	g.mu.Lock()
	g.orders[o.ID] = o
	g.mu.Unlock()

	g.logger.Info(ctx, "Paper order accepted", map[string]interface{}{
		"symbol": o.Symbol, "type": o.Type, "side": o.Side, "quantity": qty, "orderID": o.ID, "status": o.Status,
	})
	c := *o
	return &c, nil
}

// FetchOrder returns the order, first triggering it when the last price has
// crossed its stop.
func (g *Gateway) FetchOrder(ctx context.Context, symbol, orderID string) (*domain.OrderHandle, error) {
	g.mu.Lock()
	o, ok := g.orders[orderID]
	g.mu.Unlock()
	if !ok || o.Symbol != symbol {
		return nil, fmt.Errorf("FetchOrder failed: %w: %s", ports.ErrOrderNotFound, orderID)
	}

	if o.Status == domain.OrderStatusNew {
		last, err := g.prices.GetTickerPrice(ctx, symbol)
		if err != nil {
			return nil, fmt.Errorf("FetchOrder failed: %w", err)
		}
		g.mu.Lock()
		if o.Status == domain.OrderStatusNew && triggered(o, last) {
			price := o.StopPrice
			if o.Type == domain.OrderTypeTakeProfit && o.Price > 0 {
				price = o.Price
			}
			g.fill(o, price)
			g.logger.Info(ctx, "Paper order triggered", map[string]interface{}{"symbol": symbol, "orderID": orderID, "type": o.Type, "price": price})
		}
		g.mu.Unlock()
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	c := *o
	return &c, nil
}

func (g *Gateway) CancelOrder(ctx context.Context, symbol, orderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.orders[orderID]
	if !ok || o.Symbol != symbol {
		return fmt.Errorf("CancelOrder failed: %w: %s", ports.ErrOrderNotFound, orderID)
	}
	if o.Status.IsTerminal() {
		return fmt.Errorf("CancelOrder failed: %w: order %s is %s", ports.ErrOrderCancelFailed, orderID, o.Status)
	}
	o.Status = domain.OrderStatusCanceled
	o.UpdatedAt = g.now()
	g.logger.Info(ctx, "Paper order canceled", map[string]interface{}{"symbol": symbol, "orderID": orderID})
	return nil
}

// fill marks o fully filled at price. Callers hold g.mu or own o exclusively.
func (g *Gateway) fill(o *domain.OrderHandle, price float64) {
	o.Status = domain.OrderStatusFilled
	o.FilledQty = o.OrigQuantity
	o.AveragePrice = price
	o.UpdatedAt = g.now()
}

// triggered reports whether a conditional order fires at last.
// Stops fire against the position, take-profits in its favor.
func triggered(o *domain.OrderHandle, last float64) bool {
	switch o.Type {
	case domain.OrderTypeStopMarket:
		if o.Side == domain.Sell {
			return last <= o.StopPrice
		}
		return last >= o.StopPrice
	case domain.OrderTypeTakeProfit, domain.OrderTypeTakeProfitMarket:
		if o.Side == domain.Sell {
			return last >= o.StopPrice
		}
		return last <= o.StopPrice
	}
	return false
}

var (
	_ ports.ExchangeGateway = (*Gateway)(nil)
	_ ports.AccountReader   = (*Gateway)(nil)
)

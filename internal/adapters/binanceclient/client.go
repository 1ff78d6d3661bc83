package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/jpillora/backoff"

	"cryptoBracketBot/internal/domain"
	"cryptoBracketBot/internal/ports"
)

const (
	// Base URLs
	baseURLProduction = "https://fapi.binance.com"
	baseURLTestnet    = "https://testnet.binancefuture.com"
)

// Client implements ports.ExchangeGateway, ports.AccountReader and
// ports.PriceSource for Binance USDT-M futures using the go-binance library.
type Client struct {
	futuresClient        *futures.Client
	logger               ports.Logger
	reconnectDelay       time.Duration
	maxReconnectAttempts int

	mu      sync.RWMutex
	filters map[string]symbolFilters
	hedge   *bool // position mode, cached after first query
}

// Config holds configuration specific to the Binance client adapter.
type Config struct {
	APIKey               string
	SecretKey            string
	UseTestnet           bool
	BaseURL              string // overrides the testnet/production URL when set
	Logger               ports.Logger
	ReconnectDelay       time.Duration // Reconnect delay (e.g., 1 * time.Second)
	MaxReconnectAttempts int           // Max attempts before giving up
}

// New creates a new Binance client adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance client")
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		cfg.Logger.Warn(context.Background(), "APIKey or SecretKey is empty. Client will only work for public endpoints.")
	}

	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)

	// Set BaseURL directly instead of using global futures.UseTestnet
	switch {
	case cfg.BaseURL != "":
		client.BaseURL = cfg.BaseURL
	case cfg.UseTestnet:
		client.BaseURL = baseURLTestnet
		cfg.Logger.Info(context.Background(), "Binance client configured for Testnet", map[string]interface{}{"baseURL": client.BaseURL})
	default:
		client.BaseURL = baseURLProduction
		cfg.Logger.Info(context.Background(), "Binance client configured for Production", map[string]interface{}{"baseURL": client.BaseURL})
	}

	// Default reconnect settings if not provided
	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = 1 * time.Second
	}
	maxAttempts := cfg.MaxReconnectAttempts
	if maxAttempts <= 0 {
		maxAttempts = 10
	}

	return &Client{
		futuresClient:        client,
		logger:               cfg.Logger,
		reconnectDelay:       reconnectDelay,
		maxReconnectAttempts: maxAttempts,
		filters:              make(map[string]symbolFilters),
	}, nil
}

// handleError translates common Binance API errors into standardized ports errors.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message

		// Map specific Binance error codes to custom errors
		var mappedErr error
		switch apiErr.Code {
		case -1003: // Too many requests
			mappedErr = ports.ErrRateLimited
		case -1001, -1007: // Internal error; timeout waiting for backend
			mappedErr = ports.ErrExchangeUnavailable
		case -1021: // Timestamp for this request is outside of the recvWindow
			mappedErr = ports.ErrTimeout // Or a specific timing error
		case -1022: // Signature for this request is not valid
			mappedErr = ports.ErrAuthenticationFailed
		case -1121: // Invalid symbol
			mappedErr = ports.ErrUnknownSymbol
		case -1101, -1102, -1103, -1104, -1105, -1106, -1111, -1115, -1116, -1117, -1120, -1125, -1127, -1128, -1130: // Parameter/Request format errors
			mappedErr = ports.ErrInvalidRequest
		case -2010: // New order rejected
			mappedErr = ports.ErrOrderPlacementFailed
		case -2011: // Cancel order rejected
			mappedErr = ports.ErrOrderCancelFailed
		case -2013: // Order does not exist
			mappedErr = ports.ErrOrderNotFound
		case -2014: // API-key format invalid
			mappedErr = ports.ErrInvalidAPIKeys
		case -2015: // Invalid API-key, IP, or permissions for action
			mappedErr = ports.ErrInvalidAPIKeys // Could also be PermissionDenied
		case -2019: // Margin is insufficient
			mappedErr = ports.ErrInsufficientFunds
		case -2021: // Order would immediately trigger
			mappedErr = ports.ErrOrderWouldTrigger
		case -2022: // ReduceOnly Order is rejected
			mappedErr = ports.ErrReduceOnlyRejected
		case -3005: // Insufficient balance
			mappedErr = ports.ErrInsufficientFunds
		case -3041: // Position is not sufficient
			mappedErr = ports.ErrInsufficientFunds
		case -4003: // Qty not within permissible range
			mappedErr = ports.ErrInvalidRequest
		case -4014: // Price not within permissible range
			mappedErr = ports.ErrInvalidRequest
		case -4015: // Leverage is not valid
			mappedErr = ports.ErrInvalidRequest
		case -4044: // Position not found
			mappedErr = ports.ErrPositionNotFound
		case -4047: // Exceeded the maximum allowable position at current leverage.
			mappedErr = ports.ErrInsufficientFunds // Or a specific position limit error
		case -4061: // Order's position side does not match user's setting
			mappedErr = ports.ErrInvalidRequest
		case -5022: // Post Only order will be rejected (GTX would take)
			mappedErr = ports.ErrOrderWouldTrigger
		default:
			// General classification for unmapped API errors
			mappedErr = ports.ErrUnknown
		}
		finalErr := fmt.Errorf("%s failed: %w: %w", operation, mappedErr, err)
		c.logger.Error(ctx, err, fmt.Sprintf("%s failed with API error", operation), fields)
		return finalErr
	}

	// Handle non-API errors (network, context cancellation, etc.)
	var finalErr error
	if errors.Is(err, context.DeadlineExceeded) {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	} else if errors.Is(err, context.Canceled) {
		finalErr = fmt.Errorf("%s operation canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	} else if strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "connection reset by peer") {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrConnectionFailed, err)
	} else {
		// Default for other errors (e.g., parsing errors within the adapter)
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrUnknown, err)
	}

	c.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	return finalErr
}

// SetServerTime synchronizes the client's time with the server's time.
func (c *Client) SetServerTime(ctx context.Context) error {
	op := "SetServerTime"
	_, err := c.futuresClient.NewSetServerTimeService().Do(ctx)
	if err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Debug(ctx, op+" successful")
	return nil
}

// Ping checks the connectivity to the exchange API.
func (c *Client) Ping(ctx context.Context) error {
	op := "Ping"
	err := c.futuresClient.NewPingService().Do(ctx)
	if err != nil {
		return c.handleError(ctx, fmt.Errorf("ping failed: %w", err), op)
	}
	c.logger.Debug(ctx, op+" successful")
	return nil
}

// WaitReady pings the exchange until it answers, backing off between
// attempts up to the configured reconnect limit.
func (c *Client) WaitReady(ctx context.Context) error {
	b := &backoff.Backoff{Min: c.reconnectDelay, Max: 10 * c.reconnectDelay, Factor: 2, Jitter: true}
	var err error
	for attempt := 1; attempt <= c.maxReconnectAttempts; attempt++ {
		if err = c.Ping(ctx); err == nil {
			return nil
		}
		if errors.Is(err, ports.ErrContextCanceled) || errors.Is(err, ports.ErrInvalidAPIKeys) {
			return err
		}
		wait := b.Duration()
		c.logger.Warn(ctx, "Exchange not reachable, retrying", map[string]interface{}{"attempt": attempt, "wait": wait.String()})
		select {
		case <-ctx.Done():
			return fmt.Errorf("WaitReady: %w: %w", ports.ErrContextCanceled, ctx.Err())
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("WaitReady: exchange unreachable after %d attempts: %w", c.maxReconnectAttempts, err)
}

// SetLeverage sets the leverage for a specific symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	op := "SetLeverage"
	_, err := c.futuresClient.NewChangeLeverageService().
		Symbol(symbol).
		Leverage(leverage).
		Do(ctx)
	if err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "leverage": leverage})
	return nil
}

// GetMarkPrice retrieves the current mark price for a given symbol.
func (c *Client) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	op := "GetMarkPrice"
	tickers, err := c.futuresClient.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, c.handleError(ctx, err, op)
	}
	if len(tickers) == 0 {
		err := fmt.Errorf("no price data returned for symbol %s", symbol)
		return 0, c.handleError(ctx, err, op)
	}

	price, err := strconv.ParseFloat(tickers[0].MarkPrice, 64)
	if err != nil {
		parseErr := fmt.Errorf("could not parse price '%s': %w", tickers[0].MarkPrice, err)
		return 0, c.handleError(ctx, parseErr, op)
	}
	return price, nil
}

// GetTickerPrice retrieves the last ticker price for a given symbol.
func (c *Client) GetTickerPrice(ctx context.Context, symbol string) (float64, error) {
	op := "GetTickerPrice"
	tickers, err := c.futuresClient.NewListPriceChangeStatsService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, c.handleError(ctx, err, op)
	}
	if len(tickers) == 0 {
		err := fmt.Errorf("no ticker data returned for symbol %s", symbol)
		return 0, c.handleError(ctx, err, op)
	}

	price, err := strconv.ParseFloat(tickers[0].LastPrice, 64)
	if err != nil {
		parseErr := fmt.Errorf("could not parse price '%s': %w", tickers[0].LastPrice, err)
		return 0, c.handleError(ctx, parseErr, op)
	}
	return price, nil
}

// FetchTicker combines last price, top of book and mark price. A missing
// mark price is reported as 0 rather than failing the call.
func (c *Client) FetchTicker(ctx context.Context, symbol string) (*domain.Ticker, error) {
	op := "FetchTicker"
	last, err := c.GetTickerPrice(ctx, symbol)
	if err != nil {
		return nil, err
	}
	t := &domain.Ticker{Symbol: symbol, Last: last}

	books, err := c.futuresClient.NewListBookTickersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	if len(books) > 0 {
		t.Bid, _ = strconv.ParseFloat(books[0].BidPrice, 64)
		t.Ask, _ = strconv.ParseFloat(books[0].AskPrice, 64)
	}

	if mark, err := c.GetMarkPrice(ctx, symbol); err == nil {
		t.MarkPrice = mark
	}
	return t, nil
}

// GetAccountBalance retrieves the wallet balance for a specific asset (e.g., "USDT").
func (c *Client) GetAccountBalance(ctx context.Context, asset string) (float64, error) {
	op := "GetAccountBalance"
	account, err := c.futuresClient.NewGetAccountService().Do(ctx)
	if err != nil {
		return 0, c.handleError(ctx, err, op)
	}

	for _, bal := range account.Assets {
		if bal.Asset == asset {
			balance, err := strconv.ParseFloat(bal.WalletBalance, 64)
			if err != nil {
				parseErr := fmt.Errorf("could not parse balance '%s' for asset %s: %w", bal.WalletBalance, asset, err)
				return 0, c.handleError(ctx, parseErr, op)
			}
			return balance, nil
		}
	}

	err = fmt.Errorf("asset %s not found in account balance", asset)
	return 0, c.handleError(ctx, err, op)
}

// IsHedgeMode reports whether the account uses dual-side positions. The
// answer is cached for the life of the client.
func (c *Client) IsHedgeMode(ctx context.Context) (bool, error) {
	c.mu.RLock()
	cached := c.hedge
	c.mu.RUnlock()
	if cached != nil {
		return *cached, nil
	}

	op := "GetPositionMode"
	mode, err := c.futuresClient.NewGetPositionModeService().Do(ctx)
	if err != nil {
		return false, c.handleError(ctx, err, op)
	}
	dual := mode.DualSidePosition
	c.mu.Lock()
	c.hedge = &dual
	c.mu.Unlock()
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"hedgeMode": dual})
	return dual, nil
}

// AdjustQuantityToStep rounds qty down to the symbol's LOT_SIZE step.
func (c *Client) AdjustQuantityToStep(ctx context.Context, symbol string, qty float64) (float64, error) {
	f, err := c.filtersFor(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return f.floorQty(qty).InexactFloat64(), nil
}

// CreateOrder submits any order kind the bracket lifecycle needs. In hedge
// mode the position side is sent and reduceOnly is omitted, as Binance
// rejects the flag there.
func (c *Client) CreateOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderHandle, error) {
	op := "CreateOrder"
	f, err := c.filtersFor(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}
	qty := f.floorQty(req.Quantity)
	if !qty.IsPositive() {
		return nil, fmt.Errorf("%s failed: %w: quantity %v below lot size", op, ports.ErrInvalidRequest, req.Quantity)
	}

	svc := c.futuresClient.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideType(req.Side)).
		Type(futures.OrderType(req.Type)).
		Quantity(qty.String())

	if req.PositionSide != domain.PositionSideNone {
		svc = svc.PositionSide(futures.PositionSideType(req.PositionSide))
	} else if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}

	switch req.Type {
	case domain.OrderTypeLimit, domain.OrderTypeTakeProfit:
		svc = svc.Price(f.roundPrice(req.Price).String())
		if req.PostOnly {
			svc = svc.TimeInForce(futures.TimeInForceTypeGTX)
		} else {
			svc = svc.TimeInForce(futures.TimeInForceTypeGTC)
		}
	}
	switch req.Type {
	case domain.OrderTypeStopMarket, domain.OrderTypeTakeProfit, domain.OrderTypeTakeProfitMarket:
		svc = svc.StopPrice(f.roundPrice(req.StopPrice).String())
		if req.WorkingType != domain.WorkingTypeDefault {
			svc = svc.WorkingType(futures.WorkingType(req.WorkingType))
		}
	}
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}

	order, err := svc.Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	h := translateCreateResponse(order)
	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"symbol": req.Symbol, "type": req.Type, "side": req.Side, "quantity": qty.String(),
		"price": req.Price, "stopPrice": req.StopPrice, "orderID": h.ID, "status": h.Status,
	})
	return h, nil
}

// FetchOrder returns the current state of an order.
func (c *Client) FetchOrder(ctx context.Context, symbol, orderID string) (*domain.OrderHandle, error) {
	op := "FetchOrder"
	id, err := parseOrderID(orderID)
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w: %w", op, ports.ErrInvalidRequest, err)
	}
	order, err := c.futuresClient.NewGetOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	return translateOrder(order), nil
}

// CancelOrder cancels an open order on Binance.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	op := "CancelOrder"
	id, err := parseOrderID(orderID)
	if err != nil {
		return fmt.Errorf("%s failed: %w: %w", op, ports.ErrInvalidRequest, err)
	}
	c.logger.Debug(ctx, "Attempting to cancel order", map[string]interface{}{"symbol": symbol, "orderID": orderID})

	res, err := c.futuresClient.NewCancelOrderService().
		Symbol(symbol).
		OrderID(id).
		Do(ctx)
	if err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "orderID": orderID, "status": res.Status})
	return nil
}

// --- Translation Helpers ---

func parseOrderID(orderID string) (int64, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("order id %q is not numeric", orderID)
	}
	return id, nil
}

func translateCreateResponse(order *futures.CreateOrderResponse) *domain.OrderHandle {
	price, _ := strconv.ParseFloat(order.Price, 64)
	stopPrice, _ := strconv.ParseFloat(order.StopPrice, 64)
	avgPrice, _ := strconv.ParseFloat(order.AvgPrice, 64)
	origQty, _ := strconv.ParseFloat(order.OrigQuantity, 64)
	execQty, _ := strconv.ParseFloat(order.ExecutedQuantity, 64)

	return &domain.OrderHandle{
		ID:            strconv.FormatInt(order.OrderID, 10),
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Type:          domain.OrderType(order.Type),
		Side:          domain.OrderSide(order.Side),
		Status:        domain.OrderStatus(order.Status),
		Price:         price,
		StopPrice:     stopPrice,
		OrigQuantity:  origQty,
		FilledQty:     execQty,
		AveragePrice:  avgPrice,
		UpdatedAt:     time.UnixMilli(order.UpdateTime),
	}
}

func translateOrder(order *futures.Order) *domain.OrderHandle {
	price, _ := strconv.ParseFloat(order.Price, 64)
	stopPrice, _ := strconv.ParseFloat(order.StopPrice, 64)
	avgPrice, _ := strconv.ParseFloat(order.AvgPrice, 64)
	origQty, _ := strconv.ParseFloat(order.OrigQuantity, 64)
	execQty, _ := strconv.ParseFloat(order.ExecutedQuantity, 64)

	return &domain.OrderHandle{
		ID:            strconv.FormatInt(order.OrderID, 10),
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Type:          domain.OrderType(order.Type),
		Side:          domain.OrderSide(order.Side),
		Status:        domain.OrderStatus(order.Status),
		Price:         price,
		StopPrice:     stopPrice,
		OrigQuantity:  origQty,
		FilledQty:     execQty,
		AveragePrice:  avgPrice,
		UpdatedAt:     time.UnixMilli(order.UpdateTime),
	}
}

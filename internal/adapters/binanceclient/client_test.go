package binanceclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptoBracketBot/internal/domain"
	"cryptoBracketBot/internal/ports"
)

const exchangeInfoJSON = `{
  "timezone": "UTC",
  "serverTime": 1700000000000,
  "symbols": [{
    "symbol": "BTCUSDT",
    "status": "TRADING",
    "filters": [
      {"filterType": "PRICE_FILTER", "tickSize": "0.10", "minPrice": "556.80", "maxPrice": "4529764"},
      {"filterType": "LOT_SIZE", "stepSize": "0.001", "minQty": "0.001", "maxQty": "1000"}
    ]
  }]
}`

// fakeExchange is a minimal stand-in for the futures REST API.
type fakeExchange struct {
	mu       sync.Mutex
	requests map[string][]url.Values // path -> captured params
	handlers map[string]http.HandlerFunc
}

func newFakeExchange(t *testing.T) (*fakeExchange, *Client) {
	t.Helper()
	fx := &fakeExchange{
		requests: make(map[string][]url.Values),
		handlers: make(map[string]http.HandlerFunc),
	}
	fx.handle("/fapi/v1/exchangeInfo", jsonResponse(http.StatusOK, exchangeInfoJSON))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		fx.mu.Lock()
		fx.requests[r.URL.Path] = append(fx.requests[r.URL.Path], r.Form)
		h, ok := fx.handlers[r.Method+" "+r.URL.Path]
		if !ok {
			h, ok = fx.handlers[r.URL.Path]
		}
		fx.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		h(w, r)
	}))
	t.Cleanup(srv.Close)

	c, err := New(Config{
		APIKey:               "key",
		SecretKey:            "secret",
		BaseURL:              srv.URL,
		Logger:               ports.NopLogger{},
		ReconnectDelay:       time.Millisecond,
		MaxReconnectAttempts: 2,
	})
	require.NoError(t, err)
	return fx, c
}

func (fx *fakeExchange) handle(pattern string, h http.HandlerFunc) {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	fx.handlers[pattern] = h
}

func (fx *fakeExchange) calls(path string) []url.Values {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	return append([]url.Values(nil), fx.requests[path]...)
}

func jsonResponse(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

func TestNew_RequiresLogger(t *testing.T) {
	_, err := New(Config{APIKey: "k", SecretKey: "s"})
	assert.Error(t, err)
}

func TestAdjustQuantityToStep(t *testing.T) {
	fx, c := newFakeExchange(t)
	ctx := context.Background()

	q, err := c.AdjustQuantityToStep(ctx, "BTCUSDT", 0.12345)
	require.NoError(t, err)
	assert.InDelta(t, 0.123, q, 1e-12)

	q, err = c.AdjustQuantityToStep(ctx, "BTCUSDT", 0.0004)
	require.NoError(t, err)
	assert.Zero(t, q)

	// Filters are cached after the first load.
	assert.Len(t, fx.calls("/fapi/v1/exchangeInfo"), 1)

	_, err = c.AdjustQuantityToStep(ctx, "DOGEUSDT", 1)
	assert.ErrorIs(t, err, ports.ErrUnknownSymbol)
	assert.Len(t, fx.calls("/fapi/v1/exchangeInfo"), 2)
}

func TestCreateOrder_PostOnlyLimit(t *testing.T) {
	fx, c := newFakeExchange(t)
	fx.handle("POST /fapi/v1/order", jsonResponse(http.StatusOK, `{
		"orderId": 4242, "clientOrderId": "bb-entry-1", "symbol": "BTCUSDT",
		"status": "NEW", "type": "LIMIT", "side": "BUY",
		"price": "100.3", "origQty": "0.123", "executedQty": "0", "avgPrice": "0.00000",
		"updateTime": 1700000000000
	}`))

	h, err := c.CreateOrder(context.Background(), domain.OrderRequest{
		Symbol:        "BTCUSDT",
		Type:          domain.OrderTypeLimit,
		Side:          domain.Buy,
		Quantity:      0.12345,
		Price:         100.30000000000001,
		PostOnly:      true,
		ClientOrderID: "bb-entry-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "4242", h.ID)
	assert.Equal(t, domain.OrderStatusNew, h.Status)
	assert.InDelta(t, 0.123, h.OrigQuantity, 1e-12)
	assert.Zero(t, h.FilledQty)

	sent := fx.calls("/fapi/v1/order")
	require.Len(t, sent, 1)
	p := sent[0]
	assert.Equal(t, "LIMIT", p.Get("type"))
	assert.Equal(t, "GTX", p.Get("timeInForce"))
	assert.Equal(t, "0.123", p.Get("quantity"))
	assert.Equal(t, "100.3", p.Get("price"))
	assert.Equal(t, "bb-entry-1", p.Get("newClientOrderId"))
	assert.Empty(t, p.Get("reduceOnly"))
	assert.Empty(t, p.Get("positionSide"))
}

func TestCreateOrder_StopMarketOneWay(t *testing.T) {
	fx, c := newFakeExchange(t)
	fx.handle("POST /fapi/v1/order", jsonResponse(http.StatusOK, `{
		"orderId": 7, "symbol": "BTCUSDT", "status": "NEW", "type": "STOP_MARKET",
		"side": "SELL", "stopPrice": "99.8", "origQty": "1"
	}`))

	_, err := c.CreateOrder(context.Background(), domain.OrderRequest{
		Symbol:      "BTCUSDT",
		Type:        domain.OrderTypeStopMarket,
		Side:        domain.Sell,
		Quantity:    1,
		StopPrice:   99.8,
		ReduceOnly:  true,
		WorkingType: domain.WorkingTypeMark,
	})
	require.NoError(t, err)

	p := fx.calls("/fapi/v1/order")[0]
	assert.Equal(t, "STOP_MARKET", p.Get("type"))
	assert.Equal(t, "99.8", p.Get("stopPrice"))
	assert.Equal(t, "MARK_PRICE", p.Get("workingType"))
	assert.Equal(t, "true", p.Get("reduceOnly"))
	assert.Empty(t, p.Get("price"))
	assert.Empty(t, p.Get("timeInForce"))
}

func TestCreateOrder_HedgeModeOmitsReduceOnly(t *testing.T) {
	fx, c := newFakeExchange(t)
	fx.handle("POST /fapi/v1/order", jsonResponse(http.StatusOK, `{"orderId": 8, "status": "NEW"}`))

	_, err := c.CreateOrder(context.Background(), domain.OrderRequest{
		Symbol:       "BTCUSDT",
		Type:         domain.OrderTypeTakeProfit,
		Side:         domain.Sell,
		PositionSide: domain.PositionSideLong,
		Quantity:     1,
		Price:        100.3,
		StopPrice:    100.3,
		ReduceOnly:   true,
	})
	require.NoError(t, err)

	p := fx.calls("/fapi/v1/order")[0]
	assert.Equal(t, "LONG", p.Get("positionSide"))
	assert.Empty(t, p.Get("reduceOnly"))
	assert.Equal(t, "GTC", p.Get("timeInForce"))
	assert.Equal(t, "100.3", p.Get("price"))
	assert.Equal(t, "100.3", p.Get("stopPrice"))
}

func TestCreateOrder_QuantityBelowStep(t *testing.T) {
	fx, c := newFakeExchange(t)
	_, err := c.CreateOrder(context.Background(), domain.OrderRequest{
		Symbol: "BTCUSDT", Type: domain.OrderTypeMarket, Side: domain.Buy, Quantity: 0.0001,
	})
	assert.ErrorIs(t, err, ports.ErrInvalidRequest)
	assert.Empty(t, fx.calls("/fapi/v1/order"))
}

func TestCreateOrder_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{"would trigger", `{"code":-2021,"msg":"Order would immediately trigger."}`, ports.ErrOrderWouldTrigger},
		{"post only", `{"code":-5022,"msg":"Due to the order could not be executed as maker."}`, ports.ErrOrderWouldTrigger},
		{"reduce only", `{"code":-2022,"msg":"ReduceOnly Order is rejected."}`, ports.ErrReduceOnlyRejected},
		{"rate limited", `{"code":-1003,"msg":"Too many requests."}`, ports.ErrRateLimited},
		{"unavailable", `{"code":-1001,"msg":"Internal error."}`, ports.ErrExchangeUnavailable},
		{"bad key", `{"code":-2015,"msg":"Invalid API-key."}`, ports.ErrInvalidAPIKeys},
		{"margin", `{"code":-2019,"msg":"Margin is insufficient."}`, ports.ErrInsufficientFunds},
		{"unmapped", `{"code":-9999,"msg":"??"}`, ports.ErrUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx, c := newFakeExchange(t)
			fx.handle("POST /fapi/v1/order", jsonResponse(http.StatusBadRequest, tt.body))
			_, err := c.CreateOrder(context.Background(), domain.OrderRequest{
				Symbol: "BTCUSDT", Type: domain.OrderTypeMarket, Side: domain.Sell, Quantity: 1,
			})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestFetchOrder(t *testing.T) {
	fx, c := newFakeExchange(t)
	fx.handle("GET /fapi/v1/order", jsonResponse(http.StatusOK, `{
		"orderId": 4242, "symbol": "BTCUSDT", "status": "PARTIALLY_FILLED", "type": "LIMIT",
		"side": "BUY", "price": "100", "origQty": "1", "executedQty": "0.4",
		"avgPrice": "99.95", "updateTime": 1700000000123
	}`))

	h, err := c.FetchOrder(context.Background(), "BTCUSDT", "4242")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPartiallyFilled, h.Status)
	assert.InDelta(t, 0.4, h.FilledQty, 1e-12)
	assert.InDelta(t, 99.95, h.AveragePrice, 1e-12)
	assert.Equal(t, int64(1700000000123), h.UpdatedAt.UnixMilli())
	assert.Equal(t, "4242", fx.calls("/fapi/v1/order")[0].Get("orderId"))

	_, err = c.FetchOrder(context.Background(), "BTCUSDT", "paper-1")
	assert.ErrorIs(t, err, ports.ErrInvalidRequest)
}

func TestFetchOrder_NotFound(t *testing.T) {
	fx, c := newFakeExchange(t)
	fx.handle("GET /fapi/v1/order", jsonResponse(http.StatusBadRequest, `{"code":-2013,"msg":"Order does not exist."}`))
	_, err := c.FetchOrder(context.Background(), "BTCUSDT", "1")
	assert.ErrorIs(t, err, ports.ErrOrderNotFound)
}

func TestCancelOrder(t *testing.T) {
	fx, c := newFakeExchange(t)
	fx.handle("DELETE /fapi/v1/order", jsonResponse(http.StatusOK, `{"orderId": 5, "symbol": "BTCUSDT", "status": "CANCELED"}`))
	require.NoError(t, c.CancelOrder(context.Background(), "BTCUSDT", "5"))

	fx.handle("DELETE /fapi/v1/order", jsonResponse(http.StatusBadRequest, `{"code":-2011,"msg":"Unknown order sent."}`))
	err := c.CancelOrder(context.Background(), "BTCUSDT", "5")
	assert.ErrorIs(t, err, ports.ErrOrderCancelFailed)
}

func TestIsHedgeMode_Cached(t *testing.T) {
	fx, c := newFakeExchange(t)
	fx.handle("/fapi/v1/positionSide/dual", jsonResponse(http.StatusOK, `{"dualSidePosition": true}`))

	for i := 0; i < 3; i++ {
		hedge, err := c.IsHedgeMode(context.Background())
		require.NoError(t, err)
		assert.True(t, hedge)
	}
	assert.Len(t, fx.calls("/fapi/v1/positionSide/dual"), 1)
}

func TestFetchTicker(t *testing.T) {
	fx, c := newFakeExchange(t)
	fx.handle("/fapi/v1/ticker/24hr", jsonResponse(http.StatusOK, `{"symbol": "BTCUSDT", "lastPrice": "100.1"}`))
	fx.handle("/fapi/v1/ticker/bookTicker", jsonResponse(http.StatusOK, `{"symbol": "BTCUSDT", "bidPrice": "100.0", "askPrice": "100.2"}`))
	fx.handle("/fapi/v1/premiumIndex", jsonResponse(http.StatusOK, `{"symbol": "BTCUSDT", "markPrice": "100.05"}`))

	tk, err := c.FetchTicker(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.InDelta(t, 100.1, tk.Last, 1e-12)
	assert.InDelta(t, 100.0, tk.Bid, 1e-12)
	assert.InDelta(t, 100.2, tk.Ask, 1e-12)
	assert.InDelta(t, 100.05, tk.MarkPrice, 1e-12)
}

func TestFetchTicker_MarkPriceOptional(t *testing.T) {
	fx, c := newFakeExchange(t)
	fx.handle("/fapi/v1/ticker/24hr", jsonResponse(http.StatusOK, `{"symbol": "BTCUSDT", "lastPrice": "100.1"}`))
	fx.handle("/fapi/v1/ticker/bookTicker", jsonResponse(http.StatusOK, `{"symbol": "BTCUSDT", "bidPrice": "100.0", "askPrice": "100.2"}`))

	tk, err := c.FetchTicker(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Zero(t, tk.MarkPrice)
}

func TestWaitReady(t *testing.T) {
	fx, c := newFakeExchange(t)
	fx.handle("/fapi/v1/ping", func(w http.ResponseWriter, r *http.Request) {
		if len(fx.calls("/fapi/v1/ping")) == 1 {
			jsonResponse(http.StatusBadRequest, `{"code":-1001,"msg":"down"}`)(w, r)
			return
		}
		jsonResponse(http.StatusOK, `{}`)(w, r)
	})
	require.NoError(t, c.WaitReady(context.Background()))
	assert.Len(t, fx.calls("/fapi/v1/ping"), 2)
}

func TestWaitReady_GivesUp(t *testing.T) {
	fx, c := newFakeExchange(t)
	fx.handle("/fapi/v1/ping", jsonResponse(http.StatusBadRequest, `{"code":-1001,"msg":"down"}`))
	err := c.WaitReady(context.Background())
	assert.ErrorIs(t, err, ports.ErrExchangeUnavailable)
	assert.Len(t, fx.calls("/fapi/v1/ping"), 2)
}

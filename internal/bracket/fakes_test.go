package bracket

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"cryptoBracketBot/internal/domain"
	"cryptoBracketBot/internal/ports"
)

// fakeGateway is a scripted in-memory exchange.
type fakeGateway struct {
	mu sync.Mutex

	step      float64
	hedge     bool
	last      float64
	tickerErr error

	// failCreate may reject a request before it reaches the book.
	failCreate func(req domain.OrderRequest) error
	// entryOnFetch mutates the entry order on each status poll.
	entryOnFetch func(fetches int, h *domain.OrderHandle)
	// entryOnCreate mutates the entry order right after creation.
	entryOnCreate func(h *domain.OrderHandle)
	cancelErr     map[string]error

	nextID      int
	orders      map[string]*domain.OrderHandle
	requests    []domain.OrderRequest
	canceled    []string
	cancelCalls map[string]int
	entryID     string
	fetches     int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		step:        0.001,
		last:        100,
		orders:      make(map[string]*domain.OrderHandle),
		cancelErr:   make(map[string]error),
		cancelCalls: make(map[string]int),
		entryOnFetch: func(_ int, h *domain.OrderHandle) {
			h.Status = domain.OrderStatusFilled
			h.FilledQty = h.OrigQuantity
			h.AveragePrice = h.Price
		},
	}
}

func (g *fakeGateway) AdjustQuantityToStep(_ context.Context, _ string, qty float64) (float64, error) {
	steps := math.Floor(qty/g.step + 1e-9)
	return steps * g.step, nil
}

func (g *fakeGateway) CreateOrder(_ context.Context, req domain.OrderRequest) (*domain.OrderHandle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if g.failCreate != nil {
		if err := g.failCreate(req); err != nil {
			return nil, err
		}
	}
	g.nextID++
	h := &domain.OrderHandle{
		ID:            strconv.Itoa(g.nextID),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Type:          req.Type,
		Side:          req.Side,
		Status:        domain.OrderStatusNew,
		Price:         req.Price,
		StopPrice:     req.StopPrice,
		OrigQuantity:  req.Quantity,
		UpdatedAt:     time.Now(),
	}
	switch req.Type {
	case domain.OrderTypeMarket:
		h.Status = domain.OrderStatusFilled
		h.FilledQty = req.Quantity
		h.AveragePrice = g.last
	case domain.OrderTypeLimit:
		if !req.ReduceOnly {
			g.entryID = h.ID
			if g.entryOnCreate != nil {
				g.entryOnCreate(h)
			}
		}
	}
	g.orders[h.ID] = h
	out := *h
	return &out, nil
}

func (g *fakeGateway) FetchOrder(_ context.Context, _ string, orderID string) (*domain.OrderHandle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	h, ok := g.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("fetch %s: %w", orderID, ports.ErrOrderNotFound)
	}
	if orderID == g.entryID && !h.Status.IsTerminal() && g.entryOnFetch != nil {
		g.fetches++
		g.entryOnFetch(g.fetches, h)
	}
	out := *h
	return &out, nil
}

func (g *fakeGateway) CancelOrder(_ context.Context, _ string, orderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelCalls[orderID]++
	if err := g.cancelErr[orderID]; err != nil {
		return err
	}
	h, ok := g.orders[orderID]
	if !ok {
		return fmt.Errorf("cancel %s: %w", orderID, ports.ErrOrderNotFound)
	}
	if h.Status.IsTerminal() {
		return fmt.Errorf("cancel %s: %w", orderID, ports.ErrOrderNotFound)
	}
	h.Status = domain.OrderStatusCanceled
	g.canceled = append(g.canceled, orderID)
	return nil
}

func (g *fakeGateway) FetchTicker(_ context.Context, symbol string) (*domain.Ticker, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.tickerErr != nil {
		return nil, g.tickerErr
	}
	return &domain.Ticker{Symbol: symbol, Last: g.last, Bid: g.last, Ask: g.last, MarkPrice: g.last}, nil
}

func (g *fakeGateway) IsHedgeMode(context.Context) (bool, error) {
	return g.hedge, nil
}

// fill marks an order filled at avg.
func (g *fakeGateway) fill(orderID string, avg float64, at time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	h := g.orders[orderID]
	h.Status = domain.OrderStatusFilled
	h.FilledQty = h.OrigQuantity
	h.AveragePrice = avg
	h.UpdatedAt = at
}

// partialFill marks an order partly filled at avg and leaves it open.
func (g *fakeGateway) partialFill(orderID string, qty, avg float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	h := g.orders[orderID]
	h.Status = domain.OrderStatusPartiallyFilled
	h.FilledQty = qty
	h.AveragePrice = avg
	h.UpdatedAt = time.Now()
}

func (g *fakeGateway) allowCancel(orderID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.cancelErr, orderID)
}

func (g *fakeGateway) cancelAttempts(orderID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cancelCalls[orderID]
}

func (g *fakeGateway) setStatus(orderID string, s domain.OrderStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.orders[orderID].Status = s
}

func (g *fakeGateway) setLast(p float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.last = p
}

func (g *fakeGateway) requestsOfType(t domain.OrderType) []domain.OrderRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []domain.OrderRequest
	for _, r := range g.requests {
		if r.Type == t {
			out = append(out, r)
		}
	}
	return out
}

func (g *fakeGateway) wasCanceled(orderID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range g.canceled {
		if id == orderID {
			return true
		}
	}
	return false
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (n *recordingNotifier) Notify(_ context.Context, text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, text)
}

func (n *recordingNotifier) messages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.msgs...)
}

func (n *recordingNotifier) count(substr string) int {
	c := 0
	for _, m := range n.messages() {
		if strings.Contains(m, substr) {
			c++
		}
	}
	return c
}

type recordingLedger struct {
	mu     sync.Mutex
	closed []float64
}

func (l *recordingLedger) OnClosed(_ string, pnl float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = append(l.closed, pnl)
}

type memJournal struct {
	mu     sync.Mutex
	open   map[string]*domain.Position
	closed []*domain.ClosedPosition
}

func newMemJournal() *memJournal {
	return &memJournal{open: make(map[string]*domain.Position)}
}

func (j *memJournal) SaveOpen(_ context.Context, p *domain.Position) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.open[p.Symbol] = p.Clone()
	return nil
}

func (j *memJournal) SaveClosed(_ context.Context, c *domain.ClosedPosition) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.open, c.Position.Symbol)
	j.closed = append(j.closed, c)
	return nil
}

func (j *memJournal) DeleteOpen(_ context.Context, symbol string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.open, symbol)
	return nil
}

func (j *memJournal) LoadOpen(context.Context) ([]*domain.Position, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []*domain.Position
	for _, p := range j.open {
		out = append(out, p.Clone())
	}
	return out, nil
}

func (j *memJournal) RealizedSince(context.Context, time.Time) (float64, int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	pnl := 0.0
	for _, c := range j.closed {
		pnl += c.PNL
	}
	return pnl, len(j.closed), nil
}

package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"cryptoBracketBot/config"
	"cryptoBracketBot/internal/bracket"
	"cryptoBracketBot/internal/domain"
	"cryptoBracketBot/internal/ports"
	"cryptoBracketBot/internal/risk"
	"cryptoBracketBot/internal/state"
)

const quoteAsset = "USDT"

// ErrTradeRejected is returned when the risk gate refuses a trade.
var ErrTradeRejected = errors.New("trade rejected by risk gate")

// ServerClock synchronizes request timestamps with the exchange.
type ServerClock interface {
	SetServerTime(ctx context.Context) error
}

// LeverageSetter applies the configured leverage per symbol.
type LeverageSetter interface {
	SetLeverage(ctx context.Context, symbol string, leverage int) error
}

// MetricsServer serves metrics until ctx is done.
type MetricsServer interface {
	Serve(ctx context.Context, addr string, logger ports.Logger) error
}

// Deps are the collaborators of a TradingService. Clock, Leverage and
// Metrics are optional.
type Deps struct {
	Account  ports.AccountReader
	Manager  *bracket.Manager
	Store    *state.Store
	Gate     *risk.Gate
	Journal  ports.PositionJournal
	Clock    ServerClock
	Leverage LeverageSetter
	Metrics  MetricsServer
}

// TradeRequest is an operator or strategy request for one bracketed entry.
// Zero Quantity sizes the trade from equity; zero StopLossPct and RewardRisk
// use the configured defaults.
type TradeRequest struct {
	Symbol      string
	Side        domain.Side
	Price       float64
	Quantity    float64
	StopLossPct float64
	RewardRisk  float64
}

// TradingService wires risk admission, the bracket manager and the close
// monitor into one runnable unit.
type TradingService struct {
	cfg    *config.Config
	logger ports.Logger
	deps   Deps
	now    func() time.Time
}

// NewTradingService creates a new application service instance.
func NewTradingService(cfg *config.Config, logger ports.Logger, deps Deps) (*TradingService, error) {
	if cfg == nil || logger == nil || deps.Account == nil || deps.Manager == nil ||
		deps.Store == nil || deps.Gate == nil || deps.Journal == nil {
		return nil, fmt.Errorf("missing required dependencies for TradingService")
	}
	if len(cfg.Symbols) == 0 {
		return nil, fmt.Errorf("configuration Symbols must not be empty")
	}
	return &TradingService{cfg: cfg, logger: logger, deps: deps, now: time.Now}, nil
}

// OpenTrade admits, opens and protects one position.
func (s *TradingService) OpenTrade(ctx context.Context, tr TradeRequest) (bracket.Result, error) {
	op := "OpenTrade"
	rejected := func(reason string) bracket.Result {
		return bracket.Result{Symbol: tr.Symbol, Side: tr.Side, Lifecycle: domain.StateAborted, Errors: []string{"risk_rejected: " + reason}}
	}

	if !slices.Contains(s.cfg.Symbols, tr.Symbol) {
		return rejected("symbol not configured"), fmt.Errorf("%s: %w: symbol %q is not configured", op, ports.ErrInvalidRequest, tr.Symbol)
	}
	if tr.Price <= 0 {
		return rejected("price must be positive"), fmt.Errorf("%s: %w: price must be positive", op, ports.ErrInvalidRequest)
	}
	if tr.StopLossPct <= 0 {
		tr.StopLossPct = s.cfg.StopLossPct
	}
	if tr.RewardRisk <= 0 {
		tr.RewardRisk = s.cfg.RiskRewardRatio
	}

	equity, err := s.deps.Account.GetAccountBalance(ctx, quoteAsset)
	if err != nil {
		s.logger.Error(ctx, err, op+": failed to read account equity")
		return rejected("equity unavailable"), fmt.Errorf("%s: %w", op, err)
	}

	qty := tr.Quantity
	if qty <= 0 {
		pct := s.deps.Gate.ValidatePositionSize(equity, s.cfg.PositionSizePct)
		qty = equity * pct * float64(s.cfg.Leverage) / tr.Price
		s.logger.Debug(ctx, op+": sized from equity", map[string]interface{}{"equity": equity, "pct": pct, "qty": qty})
	}

	tc := risk.TradeContext{
		Symbol:           tr.Symbol,
		Side:             tr.Side,
		EntryPrice:       tr.Price,
		PositionSizeUSD:  qty * tr.Price,
		StopLossPct:      tr.StopLossPct,
		EquityUSD:        equity,
		CurrentPositions: s.deps.Store.Count(),
	}
	slot, reason := s.deps.Gate.Reserve(tc)
	if slot == nil {
		s.logger.Warn(ctx, op+": trade rejected", map[string]interface{}{"symbol": tr.Symbol, "reason": reason})
		return rejected(reason), fmt.Errorf("%s: %w: %s", op, ErrTradeRejected, reason)
	}

	res := s.deps.Manager.Open(ctx, bracket.Request{
		Symbol:            tr.Symbol,
		Side:              tr.Side,
		ReferencePrice:    tr.Price,
		Quantity:          qty,
		StopLossPct:       tr.StopLossPct,
		RewardRisk:        tr.RewardRisk,
		EntryTimeout:      s.cfg.EntryFillTimeout,
		TakeProfitTimeout: s.cfg.TakeProfitTimeout,
	})
	if res.Lifecycle != domain.StateAborted {
		slot.Commit()
	} else {
		slot.Release()
	}

	s.logger.Info(ctx, op+": finished", map[string]interface{}{
		"symbol": res.Symbol, "lifecycle": res.Lifecycle, "filledQty": res.FilledQty,
		"stopOrderID": res.StopOrderID, "takeProfitOrderID": res.TakeProfitOrderID, "errors": res.Errors,
	})
	return res, nil
}

// Start restores state and runs the close monitor and metrics server until
// ctx is canceled or SIGINT/SIGTERM arrives. Resting protective orders are
// left live on shutdown.
func (s *TradingService) Start(ctx context.Context) error {
	s.logger.Info(ctx, "Starting Trading Service...")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			s.logger.Info(ctx, "Received shutdown signal", map[string]interface{}{"signal": sig.String()})
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := s.Prepare(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.deps.Manager.Run(gctx) })
	if s.deps.Metrics != nil && s.cfg.MetricsAddr != "" {
		g.Go(func() error { return s.deps.Metrics.Serve(gctx, s.cfg.MetricsAddr, s.logger) })
	}

	err := g.Wait()
	s.deps.Manager.Close()
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error(context.Background(), err, "Trading service stopped with error")
		return err
	}
	s.logger.Info(context.Background(), "Trading service stopped", map[string]interface{}{"openPositions": s.deps.Store.Count()})
	return nil
}

// Prepare syncs the clock, applies leverage and restores persisted state.
// Start calls it; one-shot tools call it before OpenTrade.
func (s *TradingService) Prepare(ctx context.Context) error {
	if s.deps.Clock != nil {
		if err := s.deps.Clock.SetServerTime(ctx); err != nil {
			s.logger.Error(ctx, err, "Failed to synchronize server time")
			return fmt.Errorf("failed to set server time: %w", err)
		}
		s.logger.Info(ctx, "Server time synchronized")
	}

	if s.deps.Leverage != nil {
		for _, symbol := range s.cfg.Symbols {
			if err := s.deps.Leverage.SetLeverage(ctx, symbol, s.cfg.Leverage); err != nil {
				// Continue with the exchange-side leverage instead of failing.
				s.logger.Warn(ctx, "Failed to set leverage, continuing", map[string]interface{}{
					"symbol": symbol, "leverage": s.cfg.Leverage, "error": err.Error(),
				})
			}
		}
	}

	restored, err := s.deps.Manager.Restore(ctx)
	if err != nil {
		s.logger.Error(ctx, err, "Failed to restore open positions")
		return fmt.Errorf("failed to restore open positions: %w", err)
	}

	dayStart := startOfUTCDay(s.now())
	pnl, trades, err := s.deps.Journal.RealizedSince(ctx, dayStart)
	if err != nil {
		s.logger.Error(ctx, err, "Failed to load today's realized PnL")
		return fmt.Errorf("failed to load today's realized PnL: %w", err)
	}
	open := s.deps.Store.Count()
	openedToday := 0
	for _, p := range s.deps.Store.OpenPositions() {
		if !p.CreatedAt.Before(dayStart) {
			openedToday++
		}
	}
	s.deps.Gate.Restore(pnl, trades+openedToday, open)

	s.logger.Info(ctx, "Initial state synchronized", map[string]interface{}{
		"restored": restored, "dailyPnL": math.Round(pnl*1e4) / 1e4, "tradesToday": trades + openedToday,
	})
	return nil
}

func startOfUTCDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

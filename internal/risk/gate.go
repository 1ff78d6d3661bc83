package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cryptoBracketBot/internal/domain"
	"cryptoBracketBot/internal/ports"
)

// Config holds configuration for pre-trade admission.
type Config struct {
	MaxConcurrentPositions int
	MaxDailyLossPct        float64 // fraction of equity, e.g. 0.05
	DailyProfitTarget      float64 // quote currency, 0 disables
	MaxTradesPerDay        int     // 0 disables
	MaxRiskPerTradePct     float64 // fraction of equity lost if the stop is hit
	PositionSizePct        float64 // margin ceiling as a fraction of equity
	Leverage               int
}

// TradeContext describes a prospective trade.
type TradeContext struct {
	Symbol           string
	Side             domain.Side
	EntryPrice       float64
	PositionSizeUSD  float64 // notional
	StopLossPct      float64
	EquityUSD        float64
	CurrentPositions int
}

// State is the per-UTC-day risk ledger.
type State struct {
	DailyRealizedPNL  float64
	OpenPositionCount int
	TradeCountToday   int
	DailyLossLimitHit bool
	LastResetDate     string // YYYY-MM-DD, UTC
}

// Gate performs pre-trade admission and tracks daily counters.
type Gate struct {
	cfg    Config
	logger ports.Logger

	mu       sync.Mutex
	state    State
	reserved int // admitted trades not yet committed or released
	now      func() time.Time
}

// NewGate creates a risk gate.
func NewGate(cfg Config, logger ports.Logger) *Gate {
	if cfg.Leverage <= 0 {
		cfg.Leverage = 1
	}
	g := &Gate{cfg: cfg, logger: logger, now: time.Now}
	g.state.LastResetDate = g.today()
	return g
}

func (g *Gate) today() string {
	return g.now().UTC().Format("2006-01-02")
}

// resetIfNewDayLocked zeroes daily counters the first time a new UTC date is observed.
func (g *Gate) resetIfNewDayLocked() {
	today := g.today()
	if g.state.LastResetDate == today {
		return
	}
	if g.logger != nil {
		g.logger.Info(context.Background(), "Risk: new trading day, resetting daily counters", map[string]interface{}{
			"previousDate": g.state.LastResetDate,
			"dailyPNL":     g.state.DailyRealizedPNL,
			"trades":       g.state.TradeCountToday,
		})
	}
	g.state.DailyRealizedPNL = 0
	g.state.TradeCountToday = 0
	g.state.DailyLossLimitHit = false
	g.state.LastResetDate = today
}

// Admit returns whether a trade may be opened and, if not, the first violated limit.
func (g *Gate) Admit(tc TradeContext) (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resetIfNewDayLocked()
	return g.admitLocked(tc)
}

// Reserve admits a trade and holds a concurrency slot for it until the
// returned reservation is committed or released. Slots held by other
// in-flight trades count against MaxConcurrentPositions.
func (g *Gate) Reserve(tc TradeContext) (*Reservation, string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resetIfNewDayLocked()

	if held := g.state.OpenPositionCount + g.reserved; held > tc.CurrentPositions {
		tc.CurrentPositions = held
	}
	if ok, reason := g.admitLocked(tc); !ok {
		return nil, reason
	}
	g.reserved++
	return &Reservation{gate: g}, ""
}

func (g *Gate) admitLocked(tc TradeContext) (bool, string) {
	if tc.CurrentPositions >= g.cfg.MaxConcurrentPositions {
		return false, fmt.Sprintf("max concurrent positions reached (%d)", g.cfg.MaxConcurrentPositions)
	}

	maxLoss := tc.EquityUSD * g.cfg.MaxDailyLossPct
	if g.state.DailyRealizedPNL <= -maxLoss {
		g.state.DailyLossLimitHit = true
		return false, fmt.Sprintf("max daily loss reached (%.2f%% of equity)", g.cfg.MaxDailyLossPct*100)
	}

	if g.cfg.DailyProfitTarget > 0 && g.state.DailyRealizedPNL >= g.cfg.DailyProfitTarget {
		return false, fmt.Sprintf("daily profit target reached (%.2f)", g.cfg.DailyProfitTarget)
	}

	if g.cfg.MaxTradesPerDay > 0 && g.state.TradeCountToday >= g.cfg.MaxTradesPerDay {
		return false, fmt.Sprintf("max trades per day reached (%d)", g.cfg.MaxTradesPerDay)
	}

	margin := tc.PositionSizeUSD / float64(g.cfg.Leverage)
	if margin > tc.EquityUSD*g.cfg.PositionSizePct*(1+1e-9) {
		return false, fmt.Sprintf("position size exceeds %.2f%% of equity", g.cfg.PositionSizePct*100)
	}

	atRisk := tc.PositionSizeUSD
	if tc.StopLossPct > 0 {
		atRisk = tc.PositionSizeUSD * tc.StopLossPct
	}
	if atRisk > tc.EquityUSD*g.cfg.MaxRiskPerTradePct*(1+1e-9) {
		return false, fmt.Sprintf("risk exceeds max risk per trade (%.2f%%)", g.cfg.MaxRiskPerTradePct*100)
	}

	return true, ""
}

// OnOpened records a newly opened position.
func (g *Gate) OnOpened(tc TradeContext) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.openedLocked()
}

func (g *Gate) openedLocked() {
	g.resetIfNewDayLocked()
	g.state.OpenPositionCount++
	g.state.TradeCountToday++
}

// Reservation is a concurrency slot held between admission and the outcome
// of the open. Commit and Release are idempotent; only the first call counts.
type Reservation struct {
	gate *Gate
	once sync.Once
}

// Commit turns the slot into an open position.
func (r *Reservation) Commit() {
	r.once.Do(func() {
		g := r.gate
		g.mu.Lock()
		defer g.mu.Unlock()
		g.reserved--
		g.openedLocked()
	})
}

// Release gives the slot back without counting a trade.
func (r *Reservation) Release() {
	r.once.Do(func() {
		g := r.gate
		g.mu.Lock()
		defer g.mu.Unlock()
		g.reserved--
	})
}

// OnClosed records a closed position's realized PNL.
func (g *Gate) OnClosed(symbol string, pnl float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resetIfNewDayLocked()
	if g.state.OpenPositionCount > 0 {
		g.state.OpenPositionCount--
	}
	g.state.DailyRealizedPNL += pnl
}

// ValidatePositionSize clamps a requested size fraction to the configured
// ceilings. Values >= 1 are read as percentages. Never returns more than requested.
func (g *Gate) ValidatePositionSize(equity, requestedPct float64) float64 {
	pct := requestedPct
	if pct >= 1 {
		pct /= 100
	}
	if pct < 0 {
		pct = 0
	}
	if pct > g.cfg.PositionSizePct {
		g.warn("position size capped at plan maximum", pct, g.cfg.PositionSizePct, equity)
		pct = g.cfg.PositionSizePct
	}
	if pct > g.cfg.MaxRiskPerTradePct {
		g.warn("position size capped at max risk per trade", pct, g.cfg.MaxRiskPerTradePct, equity)
		pct = g.cfg.MaxRiskPerTradePct
	}
	return pct
}

func (g *Gate) warn(msg string, requested, limit, equity float64) {
	if g.logger == nil {
		return
	}
	g.logger.Warn(context.Background(), "Risk: "+msg, map[string]interface{}{
		"requestedPct": requested,
		"limitPct":     limit,
		"equity":       equity,
	})
}

// Restore seeds the ledger from persisted history, e.g. after a restart.
func (g *Gate) Restore(dailyPNL float64, tradesToday, openPositions int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state.LastResetDate = g.today()
	g.state.DailyRealizedPNL = dailyPNL
	g.state.TradeCountToday = tradesToday
	g.state.OpenPositionCount = openPositions
}

// Snapshot returns the current ledger after applying any pending rollover.
func (g *Gate) Snapshot() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resetIfNewDayLocked()
	return g.state
}

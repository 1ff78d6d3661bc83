package risk

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptoBracketBot/internal/domain"
)

func testConfig() Config {
	return Config{
		MaxConcurrentPositions: 3,
		MaxDailyLossPct:        0.05,
		DailyProfitTarget:      50,
		MaxTradesPerDay:        10,
		MaxRiskPerTradePct:     0.01,
		PositionSizePct:        0.02,
		Leverage:               5,
	}
}

func okContext() TradeContext {
	// 1000 notional / 5x = 200 margin = 2% of 10k; risk at 0.2% stop = 2.
	return TradeContext{
		Symbol:          "BTCUSDT",
		Side:            domain.Long,
		EntryPrice:      100,
		PositionSizeUSD: 1000,
		StopLossPct:     0.002,
		EquityUSD:       10000,
	}
}

func fixedClock(t *time.Time) func() time.Time {
	return func() time.Time { return *t }
}

func TestGate_Admit(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(g *Gate)
		mutate    func(tc *TradeContext)
		wantOK    bool
		wantInMsg string
	}{
		{name: "admitted", wantOK: true},
		{
			name:      "max concurrent positions",
			mutate:    func(tc *TradeContext) { tc.CurrentPositions = 3 },
			wantInMsg: "max concurrent positions",
		},
		{
			name:      "daily loss limit",
			setup:     func(g *Gate) { g.OnClosed("ETHUSDT", -500) },
			wantInMsg: "max daily loss",
		},
		{
			name:      "daily profit target",
			setup:     func(g *Gate) { g.OnClosed("ETHUSDT", 60) },
			wantInMsg: "daily profit target",
		},
		{
			name: "max trades per day",
			setup: func(g *Gate) {
				for i := 0; i < 10; i++ {
					g.OnOpened(okContext())
				}
			},
			wantInMsg: "max trades per day",
		},
		{
			name:      "position size",
			mutate:    func(tc *TradeContext) { tc.PositionSizeUSD = 5000 },
			wantInMsg: "position size exceeds",
		},
		{
			name: "risk per trade",
			mutate: func(tc *TradeContext) {
				tc.PositionSizeUSD = 1000
				tc.StopLossPct = 0.2
			},
			wantInMsg: "max risk per trade",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGate(testConfig(), nil)
			if tt.setup != nil {
				tt.setup(g)
			}
			tc := okContext()
			if tt.mutate != nil {
				tt.mutate(&tc)
			}
			ok, reason := g.Admit(tc)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Empty(t, reason)
			} else {
				assert.Contains(t, reason, tt.wantInMsg)
			}
		})
	}
}

func TestGate_MaxPositionsWinsRegardlessOfOtherFields(t *testing.T) {
	g := NewGate(testConfig(), nil)
	tc := TradeContext{CurrentPositions: 3}
	ok, reason := g.Admit(tc)
	assert.False(t, ok)
	assert.Contains(t, reason, "max concurrent positions")
}

func TestGate_DailyLossSetsFlag(t *testing.T) {
	g := NewGate(testConfig(), nil)
	g.OnClosed("BTCUSDT", -600)
	ok, _ := g.Admit(okContext())
	assert.False(t, ok)
	assert.True(t, g.Snapshot().DailyLossLimitHit)
}

func TestGate_Counters(t *testing.T) {
	g := NewGate(testConfig(), nil)
	g.OnOpened(okContext())
	g.OnOpened(okContext())
	g.OnClosed("BTCUSDT", 1.5)
	g.OnClosed("BTCUSDT", -0.5)
	g.OnClosed("BTCUSDT", 0) // extra close never drives the count negative

	s := g.Snapshot()
	assert.Equal(t, 0, s.OpenPositionCount)
	assert.Equal(t, 2, s.TradeCountToday)
	assert.InDelta(t, 1.0, s.DailyRealizedPNL, 1e-12)
}

func TestGate_ReserveHoldsSlot(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentPositions = 1
	g := NewGate(cfg, nil)

	first, reason := g.Reserve(okContext())
	require.NotNil(t, first, reason)

	// The store does not show the in-flight trade yet.
	second, reason := g.Reserve(okContext())
	assert.Nil(t, second)
	assert.Contains(t, reason, "max concurrent positions")

	first.Release()
	first.Release()
	assert.Equal(t, State{LastResetDate: g.today()}, g.Snapshot())

	third, reason := g.Reserve(okContext())
	require.NotNil(t, third, reason)
	third.Commit()
	third.Commit()
	third.Release()

	s := g.Snapshot()
	assert.Equal(t, 1, s.OpenPositionCount)
	assert.Equal(t, 1, s.TradeCountToday)

	// A committed slot is held until the position closes.
	_, reason = g.Reserve(okContext())
	assert.Contains(t, reason, "max concurrent positions")
	g.OnClosed("BTCUSDT", 0)
	fourth, reason := g.Reserve(okContext())
	require.NotNil(t, fourth, reason)
	fourth.Release()
}

func TestGate_ReserveIsExclusiveUnderContention(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentPositions = 2
	g := NewGate(cfg, nil)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r, _ := g.Reserve(okContext()); r != nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 2, granted)
}

func TestGate_DailyRollover(t *testing.T) {
	now := time.Date(2024, 5, 1, 23, 59, 0, 0, time.UTC)
	g := NewGate(testConfig(), nil)
	g.now = fixedClock(&now)
	g.state.LastResetDate = g.today()

	g.OnOpened(okContext())
	g.OnClosed("BTCUSDT", -600)
	ok, _ := g.Admit(okContext())
	assert.False(t, ok)

	// Same day: nothing resets.
	now = now.Add(30 * time.Second)
	s := g.Snapshot()
	assert.Equal(t, 1, s.TradeCountToday)
	assert.InDelta(t, -600, s.DailyRealizedPNL, 1e-12)

	// First use after midnight UTC resets daily counters but not open positions.
	g.OnOpened(okContext())
	now = time.Date(2024, 5, 2, 0, 0, 1, 0, time.UTC)
	ok, reason := g.Admit(okContext())
	assert.True(t, ok, reason)

	s = g.Snapshot()
	assert.Zero(t, s.DailyRealizedPNL)
	assert.Zero(t, s.TradeCountToday)
	assert.False(t, s.DailyLossLimitHit)
	assert.Equal(t, 1, s.OpenPositionCount)
	assert.Equal(t, "2024-05-02", s.LastResetDate)
}

func TestGate_ValidatePositionSize(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRiskPerTradePct = 0.05
	g := NewGate(cfg, nil)

	assert.InDelta(t, 0.01, g.ValidatePositionSize(10000, 0.01), 1e-12)
	assert.InDelta(t, 0.02, g.ValidatePositionSize(10000, 0.5), 1e-12)
	assert.InDelta(t, 0.015, g.ValidatePositionSize(10000, 1.5), 1e-12) // percent form
	assert.InDelta(t, 0.02, g.ValidatePositionSize(10000, 25), 1e-12)
	assert.Zero(t, g.ValidatePositionSize(10000, -1))

	cfg.MaxRiskPerTradePct = 0.005
	g = NewGate(cfg, nil)
	assert.InDelta(t, 0.005, g.ValidatePositionSize(10000, 0.02), 1e-12)
}

func TestGate_Restore(t *testing.T) {
	g := NewGate(testConfig(), nil)
	g.Restore(-12.5, 4, 2)
	s := g.Snapshot()
	assert.InDelta(t, -12.5, s.DailyRealizedPNL, 1e-12)
	assert.Equal(t, 4, s.TradeCountToday)
	assert.Equal(t, 2, s.OpenPositionCount)
}

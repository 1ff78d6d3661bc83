package ports

// Metrics receives bracket lifecycle counters.
type Metrics interface {
	BracketOutcome(state string)
	ProtectiveFallback(kind string)
	PositionClosed(reason string, pnl float64)
	OpenPositions(n int)
}

// NopMetrics discards all observations.
type NopMetrics struct{}

func (NopMetrics) BracketOutcome(string)          {}
func (NopMetrics) ProtectiveFallback(string)      {}
func (NopMetrics) PositionClosed(string, float64) {}
func (NopMetrics) OpenPositions(int)              {}

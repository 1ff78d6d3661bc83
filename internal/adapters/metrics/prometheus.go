// Package metrics exposes bracket lifecycle counters in Prometheus format.
//
//   - bracket_outcomes_total{state}           final state of each Open call
//   - bracket_protective_fallbacks_total{kind} fallback order kinds used
//   - bracket_positions_closed_total{reason}  closes by reason
//   - bracket_realized_pnl_usdt               cumulative realized PnL
//   - bracket_open_positions                  positions currently held
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cryptoBracketBot/internal/ports"
)

// Prometheus implements ports.Metrics on its own registry.
type Prometheus struct {
	registry *prometheus.Registry

	outcomes      *prometheus.CounterVec
	fallbacks     *prometheus.CounterVec
	closes        *prometheus.CounterVec
	realizedPNL   prometheus.Gauge
	openPositions prometheus.Gauge
}

// NewPrometheus registers the bracket collectors plus the Go runtime collector.
func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bracket_outcomes_total",
				Help: "Bracket open attempts by final lifecycle state",
			},
			[]string{"state"},
		),
		fallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bracket_protective_fallbacks_total",
				Help: "Protective orders placed with a fallback variant",
			},
			[]string{"kind"},
		),
		closes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bracket_positions_closed_total",
				Help: "Closed positions by reason",
			},
			[]string{"reason"},
		),
		realizedPNL: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "bracket_realized_pnl_usdt",
				Help: "Cumulative realized PnL since process start",
			},
		),
		openPositions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "bracket_open_positions",
				Help: "Open bracketed positions",
			},
		),
	}
	p.registry.MustRegister(p.outcomes, p.fallbacks, p.closes, p.realizedPNL, p.openPositions)
	p.registry.MustRegister(collectors.NewGoCollector())
	return p
}

func (p *Prometheus) BracketOutcome(state string) { p.outcomes.WithLabelValues(state).Inc() }

func (p *Prometheus) ProtectiveFallback(kind string) { p.fallbacks.WithLabelValues(kind).Inc() }

func (p *Prometheus) PositionClosed(reason string, pnl float64) {
	p.closes.WithLabelValues(reason).Inc()
	p.realizedPNL.Add(pnl)
}

func (p *Prometheus) OpenPositions(n int) { p.openPositions.Set(float64(n)) }

// Registry exposes the underlying registry.
func (p *Prometheus) Registry() *prometheus.Registry { return p.registry }

// Handler serves /metrics and /healthz.
func (p *Prometheus) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{}))
	return mux
}

// Serve listens on addr until ctx is canceled.
func (p *Prometheus) Serve(ctx context.Context, addr string, logger ports.Logger) error {
	srv := &http.Server{Addr: addr, Handler: p.Handler(), ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "Serving metrics", map[string]interface{}{"addr": addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

var _ ports.Metrics = (*Prometheus)(nil)

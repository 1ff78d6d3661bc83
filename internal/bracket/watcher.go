package bracket

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cryptoBracketBot/internal/domain"
	"cryptoBracketBot/internal/ports"
)

// tpWatcher replaces a resting take-profit limit with a take-profit-market
// order if the limit is still open when its timer fires.
type tpWatcher struct {
	orderID string
	qty     float64
	cancel  context.CancelFunc
}

func (m *Manager) startTPWatcher(symbol, orderID string, qty float64, after time.Duration) {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()
	if old, ok := m.watchers[symbol]; ok {
		old.cancel()
	}
	if m.baseCtx.Err() != nil {
		return
	}
	ctx, cancel := context.WithCancel(m.baseCtx)
	w := &tpWatcher{orderID: orderID, qty: qty, cancel: cancel}
	m.watchers[symbol] = w
	m.watchWG.Add(1)
	go m.runTPWatcher(ctx, symbol, w, after)
}

// stopTPWatcher cancels the symbol's watcher without waiting for it, so it
// is safe to call while holding the symbol lock.
func (m *Manager) stopTPWatcher(symbol string) {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()
	if w, ok := m.watchers[symbol]; ok {
		w.cancel()
		delete(m.watchers, symbol)
	}
}

// activeWatchers returns how many take-profit watchers are live.
func (m *Manager) activeWatchers() int {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()
	return len(m.watchers)
}

func (m *Manager) runTPWatcher(ctx context.Context, symbol string, w *tpWatcher, after time.Duration) {
	defer m.watchWG.Done()
	defer func() {
		m.watchMu.Lock()
		if cur, ok := m.watchers[symbol]; ok && cur == w {
			delete(m.watchers, symbol)
		}
		m.watchMu.Unlock()
		w.cancel()
	}()

	timer := time.NewTimer(after)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	unlock, err := m.locks.Lock(ctx, symbol)
	if err != nil {
		return
	}
	defer unlock()
	// The position may have closed while we waited for the lock.
	if ctx.Err() != nil {
		return
	}
	m.degradeTakeProfit(ctx, symbol, w)
}

// degradeTakeProfit runs under the symbol lock.
func (m *Manager) degradeTakeProfit(ctx context.Context, symbol string, w *tpWatcher) {
	op := "degradeTakeProfit"
	pos, ok := m.store.Get(symbol)
	if !ok || pos.TakeProfitOrderID != w.orderID {
		return
	}
	fields := map[string]interface{}{"symbol": symbol, "orderID": w.orderID}

	h, err := m.gw.FetchOrder(ctx, symbol, w.orderID)
	if err != nil {
		// A vanished order is handled by reconciliation.
		m.logger.Warn(ctx, op+": take-profit status unavailable", mergeFields(fields, "error", err.Error()))
		return
	}
	if h.Status.IsTerminal() {
		return
	}

	if err := m.gw.CancelOrder(ctx, symbol, w.orderID); err != nil && !errors.Is(err, ports.ErrOrderNotFound) {
		m.recordError(pos, tag(TagTPTimeoutCancelFailed, err))
		m.logger.Error(ctx, err, op+": could not cancel resting take-profit, leaving it live", fields)
		return
	}
	if after, err := m.gw.FetchOrder(ctx, symbol, w.orderID); err == nil {
		if after.Status == domain.OrderStatusFilled {
			m.logger.Info(ctx, op+": take-profit filled during cancel", fields)
			return
		}
		h = after
	}
	m.recordPartialExit(ctx, pos, h, pos.TakeProfitPrice)

	remaining := w.qty - h.FilledQty
	if rq, err := m.gw.AdjustQuantityToStep(ctx, symbol, remaining); err == nil {
		remaining = rq
	}
	if remaining <= 0 {
		return
	}

	hedge := m.hedgeMode(ctx)
	req := domain.OrderRequest{
		Symbol:        symbol,
		Type:          domain.OrderTypeTakeProfitMarket,
		Side:          pos.Side.ExitOrderSide(),
		PositionSide:  positionSide(hedge, pos.Side),
		Quantity:      remaining,
		StopPrice:     pos.TakeProfitPrice,
		ReduceOnly:    true,
		ClientOrderID: clientOrderID("tpm"),
	}
	repl, err := m.cfg.Retry.create(ctx, m.gw, req)
	if err != nil {
		m.recordError(pos, tag(TagTPFallbackFailed, err))
		m.storeErr(ctx, m.store.SetTakeProfitOrder(symbol, "", domain.OrderTypeTakeProfit, false))
		m.setLifecycle(pos, domain.StateDegraded)
		m.persist(ctx, symbol)
		m.metrics.BracketOutcome(string(domain.StateDegraded))
		m.logger.Error(ctx, err, op+": take-profit market replacement failed", fields)
		m.notifier.Notify(ctx, fmt.Sprintf("🚨 DEGRADED %s: take-profit limit canceled after timeout and market replacement failed: %v", symbol, err))
		return
	}

	m.storeErr(ctx, m.store.SetTakeProfitOrder(symbol, repl.ID, domain.OrderTypeTakeProfitMarket, true))
	m.persist(ctx, symbol)
	m.metrics.ProtectiveFallback("tp_timeout_market")
	m.logger.Info(ctx, op+": take-profit limit replaced with market trigger", mergeFields(fields, "newOrderID", repl.ID))
	m.notifier.Notify(ctx, fmt.Sprintf("ℹ️ %s take-profit limit unfilled after timeout, replaced by TAKE_PROFIT_MARKET @ %g", symbol, pos.TakeProfitPrice))
}

func mergeFields(base map[string]interface{}, k string, v interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+1)
	for key, val := range base {
		out[key] = val
	}
	out[k] = v
	return out
}

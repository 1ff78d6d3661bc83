package bracket

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cryptoBracketBot/internal/domain"
	"cryptoBracketBot/internal/ports"
	"cryptoBracketBot/internal/state"
)

// Run polls every open position's protective orders until ctx is done.
// Symbols busy with another operation are skipped for that tick.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info(ctx, "Close monitor started", map[string]interface{}{"interval": m.cfg.MonitorInterval.String()})
	ticker := time.NewTicker(m.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info(ctx, "Close monitor stopped")
			return nil
		case <-ticker.C:
			m.reconcileAll(ctx)
		}
	}
}

func (m *Manager) reconcileAll(ctx context.Context) {
	for _, symbol := range m.store.Symbols() {
		if ctx.Err() != nil {
			return
		}
		unlock, ok := m.locks.TryLock(symbol)
		if !ok {
			continue
		}
		if _, err := m.reconcileLocked(ctx, symbol); err != nil {
			m.logger.Warn(ctx, "Reconciliation failed", map[string]interface{}{"symbol": symbol, "error": err.Error()})
		}
		unlock()
	}
	m.metrics.OpenPositions(m.store.Count())
}

// Reconcile checks one symbol's protective orders, waiting for its lock.
// It returns the closed record when a protective fill closed the position.
func (m *Manager) Reconcile(ctx context.Context, symbol string) (*domain.ClosedPosition, error) {
	unlock, err := m.locks.Lock(ctx, symbol)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return m.reconcileLocked(ctx, symbol)
}

// HandleOrderUpdate reconciles the position owning orderID, e.g. after an
// external fill notification. Unknown order ids are ignored.
func (m *Manager) HandleOrderUpdate(ctx context.Context, orderID string) (*domain.ClosedPosition, error) {
	symbol, ok := m.store.FindSymbolByOrderID(orderID)
	if !ok {
		m.logger.Debug(ctx, "Order update for untracked order", map[string]interface{}{"orderID": orderID})
		return nil, nil
	}
	return m.Reconcile(ctx, symbol)
}

// reconcileLocked must run under the symbol lock.
func (m *Manager) reconcileLocked(ctx context.Context, symbol string) (*domain.ClosedPosition, error) {
	op := "reconcile"
	pos, ok := m.store.Get(symbol)
	if !ok {
		return nil, nil
	}
	if pos.AwaitingEntry() {
		return m.resolvePendingEntry(ctx, pos)
	}
	if !pos.HasProtection() {
		return nil, nil
	}

	sl, slGone, err := m.fetchProtective(ctx, symbol, pos.StopOrderID)
	if err != nil {
		return nil, err
	}
	tp, tpGone, err := m.fetchProtective(ctx, symbol, pos.TakeProfitOrderID)
	if err != nil {
		return nil, err
	}

	slFilled, tpFilled := sl.IsFilled(), tp.IsFilled()
	switch {
	case slFilled && tpFilled:
		winner, reason := sl, domain.CloseReasonStopLoss
		if tp.UpdatedAt.Before(sl.UpdatedAt) {
			winner, reason = tp, domain.CloseReasonTakeProfit
		}
		m.recordError(pos, TagBothProtectiveFilled)
		m.logger.Error(ctx, errors.New("both protective orders filled"), op+": anomaly, counting first fill only", map[string]interface{}{
			"symbol": symbol, "slOrderID": sl.ID, "tpOrderID": tp.ID, "winner": reason,
		})
		return m.closeOnFill(ctx, pos, winner, reason, "")
	case slFilled:
		return m.closeOnFill(ctx, pos, sl, domain.CloseReasonStopLoss, pos.TakeProfitOrderID)
	case tpFilled:
		return m.closeOnFill(ctx, pos, tp, domain.CloseReasonTakeProfit, pos.StopOrderID)
	}

	lost := false
	if slGone {
		m.stopLost(ctx, pos, sl)
		lost = true
	}
	if tpGone {
		m.takeProfitLost(ctx, pos, tp)
		lost = true
	}
	if lost {
		m.setLifecycle(pos, domain.StateDegraded)
		m.persist(ctx, symbol)
		m.metrics.BracketOutcome(string(domain.StateDegraded))
		m.notifier.Notify(ctx, fmt.Sprintf("🚨 DEGRADED %s: protective order lost, SL=%q TP=%q errors=%v",
			symbol, pos.StopOrderID, pos.TakeProfitOrderID, pos.Errors))
	}
	return nil, nil
}

// fetchProtective returns the order and whether it is gone without a fill.
// A transport error aborts the reconciliation round.
func (m *Manager) fetchProtective(ctx context.Context, symbol, orderID string) (*domain.OrderHandle, bool, error) {
	if orderID == "" {
		return nil, false, nil
	}
	h, err := m.gw.FetchOrder(ctx, symbol, orderID)
	if errors.Is(err, ports.ErrOrderNotFound) {
		return &domain.OrderHandle{ID: orderID, Status: domain.OrderStatusCanceled}, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("fetch order %s: %w", orderID, err)
	}
	gone := h.Status.IsTerminal() && h.Status != domain.OrderStatusFilled
	return h, gone, nil
}

func (m *Manager) stopLost(ctx context.Context, pos *domain.Position, h *domain.OrderHandle) {
	m.recordError(pos, fmt.Sprintf("%s:%s", TagSLOrderLost, h.Status))
	m.logger.Error(ctx, errors.New("stop-loss no longer live"), "Stop-loss order lost", map[string]interface{}{"symbol": pos.Symbol, "orderID": h.ID, "status": h.Status})
	m.recordPartialExit(ctx, pos, h, pos.StopLossPrice)
	pos.StopOrderID = ""
	m.storeErr(ctx, m.store.SetStopOrder(pos.Symbol, "", pos.StopOrderKind, false))
}

func (m *Manager) takeProfitLost(ctx context.Context, pos *domain.Position, h *domain.OrderHandle) {
	m.stopTPWatcher(pos.Symbol)
	m.recordError(pos, fmt.Sprintf("%s:%s", TagTPOrderLost, h.Status))
	m.logger.Error(ctx, errors.New("take-profit no longer live"), "Take-profit order lost", map[string]interface{}{"symbol": pos.Symbol, "orderID": h.ID, "status": h.Status})
	m.recordPartialExit(ctx, pos, h, pos.TakeProfitPrice)
	pos.TakeProfitOrderID = ""
	m.storeErr(ctx, m.store.SetTakeProfitOrder(pos.Symbol, "", pos.TakeProfitOrderKind, false))
}

// recordPartialExit books whatever a no-longer-live protective order filled,
// priced at its average or else at level.
func (m *Manager) recordPartialExit(ctx context.Context, pos *domain.Position, h *domain.OrderHandle, level float64) {
	if h == nil || h.FilledQty <= 0 {
		return
	}
	price := h.AveragePrice
	if price <= 0 {
		price = level
	}
	pos.ExitedQuantity += h.FilledQty
	pos.ExitNotional += h.FilledQty * price
	m.storeErr(ctx, m.store.RecordPartialExit(pos.Symbol, h.FilledQty, price))
	m.logger.Warn(ctx, "Protective order closed part of the position before it went away", map[string]interface{}{
		"symbol": pos.Symbol, "orderID": h.ID, "filledQty": h.FilledQty, "price": price,
	})
}

// closeOnFill settles a position whose protective order filled: PNL, risk
// ledger, sibling cancel, closed history, journal and one notification.
func (m *Manager) closeOnFill(ctx context.Context, pos *domain.Position, fill *domain.OrderHandle, reason domain.CloseReason, siblingID string) (*domain.ClosedPosition, error) {
	m.stopTPWatcher(pos.Symbol)

	if siblingID != "" {
		if err := m.cancelQuietly(ctx, pos.Symbol, siblingID); err != nil {
			m.recordError(pos, tag(TagSiblingCancelFailed, err))
		}
		// A sibling that filled partly before the cancel closed part of the position.
		level := pos.TakeProfitPrice
		if reason == domain.CloseReasonTakeProfit {
			level = pos.StopLossPrice
		}
		if h, err := m.gw.FetchOrder(ctx, pos.Symbol, siblingID); err == nil {
			m.recordPartialExit(ctx, pos, h, level)
		} else if !errors.Is(err, ports.ErrOrderNotFound) {
			m.logger.Warn(ctx, "Sibling status unavailable after cancel", map[string]interface{}{"symbol": pos.Symbol, "orderID": siblingID, "error": err.Error()})
		}
	}

	exit := fill.AveragePrice
	if exit <= 0 {
		exit = fallbackExitPrice(fill, pos, reason)
	}
	return m.settle(ctx, pos, exit, fill.FilledQty, reason)
}

func fallbackExitPrice(h *domain.OrderHandle, pos *domain.Position, reason domain.CloseReason) float64 {
	switch {
	case h.StopPrice > 0:
		return h.StopPrice
	case h.Price > 0:
		return h.Price
	case reason == domain.CloseReasonStopLoss:
		return pos.StopLossPrice
	default:
		return pos.TakeProfitPrice
	}
}

func (m *Manager) settle(ctx context.Context, pos *domain.Position, exit, qty float64, reason domain.CloseReason) (*domain.ClosedPosition, error) {
	if open := pos.OpenQuantity(); qty <= 0 || qty > open {
		qty = open
	}
	exit, total, pnl := domain.SettlePNL(pos, exit, qty)

	rec, err := m.store.Close(pos.Symbol, pnl, reason, exit)
	if err != nil {
		return nil, err
	}
	m.ledger.OnClosed(pos.Symbol, pnl)
	if err := m.journal.SaveClosed(ctx, rec); err != nil {
		m.logger.Error(ctx, err, "Failed to journal closed position", map[string]interface{}{"symbol": pos.Symbol})
	}
	m.metrics.PositionClosed(string(reason), pnl)
	m.metrics.OpenPositions(m.store.Count())

	m.logger.Info(ctx, "Position closed", map[string]interface{}{
		"symbol": pos.Symbol, "reason": reason, "entry": pos.EntryPrice(), "exit": exit, "qty": total, "pnl": pnl,
	})
	m.notifier.Notify(ctx, fmt.Sprintf("🏁 %s %s closed (%s) entry=%g exit=%g qty=%g PnL=%.4f",
		pos.Symbol, pos.Side, reason, pos.EntryPrice(), exit, total, pnl))
	return rec, nil
}

// ForceClose closes a position at market. The market close is placed
// before the protective orders are canceled so a failed close leaves the
// position protected.
func (m *Manager) ForceClose(ctx context.Context, symbol string, reason domain.CloseReason) (*domain.ClosedPosition, error) {
	op := "ForceClose"
	if reason == "" {
		reason = domain.CloseReasonManual
	}
	unlock, err := m.locks.Lock(ctx, symbol)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// A protective fill that already happened wins over the manual close.
	if rec, err := m.reconcileLocked(ctx, symbol); err != nil {
		m.logger.Warn(ctx, op+": pre-close reconciliation failed", map[string]interface{}{"symbol": symbol, "error": err.Error()})
	} else if rec != nil {
		return rec, nil
	}

	pos, ok := m.store.Get(symbol)
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", op, symbol, state.ErrPositionNotFound)
	}
	if pos.AwaitingEntry() {
		return nil, fmt.Errorf("%s %s: %w: entry order %s has no fills and could not be canceled", op, symbol, ports.ErrOrderCancelFailed, pos.EntryOrderID)
	}
	m.stopTPWatcher(symbol)

	qty, err := m.gw.AdjustQuantityToStep(ctx, symbol, pos.OpenQuantity())
	if err != nil || qty <= 0 {
		qty = pos.OpenQuantity()
	}
	closeOrder, err := m.gw.CreateOrder(ctx, domain.OrderRequest{
		Symbol:        symbol,
		Type:          domain.OrderTypeMarket,
		Side:          pos.Side.ExitOrderSide(),
		PositionSide:  positionSide(m.hedgeMode(ctx), pos.Side),
		Quantity:      qty,
		ReduceOnly:    true,
		ClientOrderID: clientOrderID("close"),
	})
	if err != nil {
		m.recordError(pos, tag(TagForceCloseFailed, err))
		m.logger.Error(ctx, err, op+": market close failed, protective orders left in place", map[string]interface{}{"symbol": symbol})
		return nil, fmt.Errorf("%s %s: %w", op, symbol, err)
	}

	for _, id := range []string{pos.StopOrderID, pos.TakeProfitOrderID} {
		if err := m.cancelQuietly(ctx, symbol, id); err != nil {
			m.recordError(pos, tag(TagSiblingCancelFailed, err))
		}
	}

	exit := closeOrder.AveragePrice
	if exit <= 0 {
		if h, err := m.gw.FetchOrder(ctx, symbol, closeOrder.ID); err == nil {
			closeOrder = h
			exit = h.AveragePrice
		}
	}
	if exit <= 0 {
		if t, err := m.gw.FetchTicker(ctx, symbol); err == nil {
			exit = t.Last
		}
	}
	if exit <= 0 {
		exit = pos.EntryPrice()
	}
	return m.settle(ctx, pos, exit, closeOrder.FilledQty, reason)
}

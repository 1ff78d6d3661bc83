package bracket

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"cryptoBracketBot/internal/domain"
	"cryptoBracketBot/internal/ports"
)

const cleanupTimeout = 10 * time.Second

type fillOutcome struct {
	qty      float64
	avgPrice float64
	partial  bool
	rejected bool
	// live is set when the entry could not be canceled and may still fill.
	live bool
}

// isComplete treats a fill within a relative epsilon of the target as full.
func isComplete(filled, requested float64) bool {
	return filled >= requested-1e-9*math.Max(1, requested)
}

// awaitFill polls the entry order until it fills, is rejected, or the
// timeout elapses. On timeout the entry is canceled and the final fill
// re-read so the caller only ever protects real fills.
func (m *Manager) awaitFill(ctx context.Context, pos *domain.Position, entry *domain.OrderHandle, timeout time.Duration) fillOutcome {
	op := "awaitFill"
	last := entry
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if last != nil {
			if isComplete(last.FilledQty, pos.RequestedQuantity) || last.Status == domain.OrderStatusFilled {
				qty := last.FilledQty
				if qty <= 0 {
					qty = pos.RequestedQuantity
				}
				return fillOutcome{qty: qty, avgPrice: last.AveragePrice}
			}
			switch last.Status {
			case domain.OrderStatusRejected, domain.OrderStatusExpired:
				m.recordError(pos, fmt.Sprintf("%s:%s", TagEntryRejected, last.Status))
				m.logger.Warn(ctx, op+": entry order "+string(last.Status), map[string]interface{}{"symbol": pos.Symbol, "orderID": pos.EntryOrderID, "filledQty": last.FilledQty})
				return fillOutcome{qty: last.FilledQty, avgPrice: last.AveragePrice, partial: last.FilledQty > 0, rejected: last.FilledQty <= 0}
			case domain.OrderStatusCanceled:
				m.recordError(pos, TagEntryNotFilled)
				return fillOutcome{qty: last.FilledQty, avgPrice: last.AveragePrice, partial: last.FilledQty > 0}
			}
		}

		select {
		case <-ctx.Done():
			m.logger.Warn(ctx, op+": context done while awaiting fill", map[string]interface{}{"symbol": pos.Symbol, "orderID": pos.EntryOrderID})
			return m.expireEntry(ctx, pos, last)
		case <-deadline.C:
			return m.expireEntry(ctx, pos, last)
		case <-ticker.C:
			h, err := m.gw.FetchOrder(ctx, pos.Symbol, pos.EntryOrderID)
			if err != nil {
				m.logger.Warn(ctx, op+": entry status poll failed", map[string]interface{}{"symbol": pos.Symbol, "orderID": pos.EntryOrderID, "error": err.Error()})
				continue
			}
			last = h
			if h.FilledQty > 0 {
				m.storeErr(ctx, m.store.UpdateEntryExecution(pos.Symbol, h.FilledQty, h.AveragePrice))
			}
		}
	}
}

// expireEntry cancels a timed-out entry and returns whatever actually filled.
func (m *Manager) expireEntry(ctx context.Context, pos *domain.Position, last *domain.OrderHandle) fillOutcome {
	op := "expireEntry"
	m.setLifecycle(pos, domain.StateEntryTimedOut)
	m.recordError(pos, TagEntryNotFilled)

	// The caller's context may already be done; cleanup must still reach the exchange.
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	cancelErr := m.cfg.Retry.cancel(cctx, m.gw, pos.Symbol, pos.EntryOrderID)
	if cancelErr != nil {
		m.recordError(pos, tag(TagEntryCancelFailed, cancelErr))
		m.logger.Error(ctx, cancelErr, op+": entry cancel failed", map[string]interface{}{"symbol": pos.Symbol, "orderID": pos.EntryOrderID})
	}

	final := last
	if h, err := m.gw.FetchOrder(cctx, pos.Symbol, pos.EntryOrderID); err == nil {
		final = h
	} else {
		m.logger.Warn(ctx, op+": final entry status unavailable, using last observed", map[string]interface{}{"symbol": pos.Symbol, "error": err.Error()})
	}

	out := fillOutcome{}
	if final != nil {
		out.qty = final.FilledQty
		out.avgPrice = final.AveragePrice
	}
	out.partial = out.qty > 0 && !isComplete(out.qty, pos.RequestedQuantity)
	out.live = cancelErr != nil && (final == nil || !final.Status.IsTerminal())
	if out.live {
		m.logger.Warn(ctx, op+": entry may still be resting after timeout", map[string]interface{}{"symbol": pos.Symbol, "orderID": pos.EntryOrderID, "filledQty": out.qty})
		return out
	}
	m.logger.Info(ctx, op+": entry canceled after timeout", map[string]interface{}{"symbol": pos.Symbol, "orderID": pos.EntryOrderID, "filledQty": out.qty})
	return out
}

// holdPendingEntry keeps an unfilled entry that could not be canceled in
// the store so the close monitor can protect a late fill.
func (m *Manager) holdPendingEntry(ctx context.Context, pos *domain.Position) Result {
	m.recordError(pos, TagEntryMayBeLive)
	m.setLifecycle(pos, domain.StateDegraded)
	m.persist(ctx, pos.Symbol)
	m.metrics.BracketOutcome(string(domain.StateDegraded))
	m.logger.Error(ctx, errors.New("entry order may still fill"), "Open: entry left resting, monitor will protect late fills", map[string]interface{}{
		"symbol": pos.Symbol, "orderID": pos.EntryOrderID, "errors": pos.Errors,
	})
	m.notifier.Notify(ctx, fmt.Sprintf("🚨 DEGRADED %s %s: entry order %s could not be canceled and may still fill; it will be protected or dropped by the monitor",
		pos.Symbol, pos.Side, pos.EntryOrderID))
	return resultFrom(pos)
}

// resolvePendingEntry runs under the symbol lock for a position whose entry
// cancel failed. A late fill is protected; an entry that ended without fills
// is dropped. A still-resting unfilled entry is canceled again.
func (m *Manager) resolvePendingEntry(ctx context.Context, pos *domain.Position) (*domain.ClosedPosition, error) {
	op := "resolvePendingEntry"
	fields := map[string]interface{}{"symbol": pos.Symbol, "orderID": pos.EntryOrderID}

	h, err := m.gw.FetchOrder(ctx, pos.Symbol, pos.EntryOrderID)
	switch {
	case errors.Is(err, ports.ErrOrderNotFound):
		h = &domain.OrderHandle{ID: pos.EntryOrderID, Status: domain.OrderStatusCanceled}
	case err != nil:
		return nil, fmt.Errorf("fetch entry %s: %w", pos.EntryOrderID, err)
	}

	if !h.Status.IsTerminal() {
		if err := m.cancelQuietly(ctx, pos.Symbol, pos.EntryOrderID); err != nil {
			if h.FilledQty <= 0 {
				return nil, nil
			}
			m.recordError(pos, tag(TagEntryCancelFailed, err))
		} else if after, err := m.gw.FetchOrder(ctx, pos.Symbol, pos.EntryOrderID); err == nil {
			h = after
		}
	}

	if h.FilledQty <= 0 {
		if !h.Status.IsTerminal() {
			return nil, nil
		}
		m.store.Discard(pos.Symbol)
		if err := m.journal.DeleteOpen(ctx, pos.Symbol); err != nil {
			m.logger.Error(ctx, err, op+": failed to drop journaled entry", fields)
		}
		// Frees the concurrency slot taken when the entry was held.
		m.ledger.OnClosed(pos.Symbol, 0)
		m.metrics.OpenPositions(m.store.Count())
		m.logger.Info(ctx, op+": resting entry ended without fills", mergeFields(fields, "status", h.Status))
		m.notifier.Notify(ctx, fmt.Sprintf("ℹ️ %s entry order %s ended %s without fills", pos.Symbol, pos.EntryOrderID, h.Status))
		return nil, nil
	}

	pos.FilledQuantity = math.Min(h.FilledQty, pos.RequestedQuantity)
	if h.AveragePrice > 0 {
		avg := h.AveragePrice
		pos.EntryAverageFillPrice = &avg
	}
	m.storeErr(ctx, m.store.UpdateEntryExecution(pos.Symbol, pos.FilledQuantity, h.AveragePrice))
	m.setLifecycle(pos, domain.StateEntryFilled)
	m.logger.Warn(ctx, op+": late entry fill, placing protective orders", mergeFields(fields, "filledQty", pos.FilledQuantity))

	m.protect(ctx, pos, Request{StopLossPct: pos.StopLossPct, RewardRisk: pos.RewardRisk}, m.hedgeMode(ctx))
	m.finish(ctx, pos)
	if pos.TakeProfitOrderKind == domain.OrderTypeMarket && pos.TakeProfitOrderID != "" {
		return m.reconcileLocked(ctx, pos.Symbol)
	}
	return nil, nil
}

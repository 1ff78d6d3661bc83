package bracket

import (
	"context"
	"fmt"
	"time"

	"cryptoBracketBot/internal/domain"
)

// ProtectivePrices derives stop-loss and take-profit levels from the entry.
// The take-profit sits rewardRisk stop-distances away on the profitable side.
func ProtectivePrices(side domain.Side, entry, stopPct, rewardRisk float64) (stopLoss, takeProfit float64) {
	if side == domain.Short {
		stopLoss = entry * (1 + stopPct)
		takeProfit = entry - (stopLoss-entry)*rewardRisk
		return stopLoss, takeProfit
	}
	stopLoss = entry * (1 - stopPct)
	takeProfit = entry + (entry-stopLoss)*rewardRisk
	return stopLoss, takeProfit
}

// takeProfitBreached reports whether last is already at, through, or within
// minBps of the take-profit level.
func takeProfitBreached(side domain.Side, last, takeProfit, minBps float64) bool {
	if last <= 0 {
		return false
	}
	guard := minBps / 10000
	if side == domain.Short {
		return last <= takeProfit*(1+guard)
	}
	return last >= takeProfit*(1-guard)
}

// protect computes levels off the real fill and places stop-loss then
// take-profit. Both are attempted regardless of the other's outcome.
func (m *Manager) protect(ctx context.Context, pos *domain.Position, req Request, hedge bool) {
	op := "protect"
	entry := pos.EntryPrice()
	pos.StopLossPrice, pos.TakeProfitPrice = ProtectivePrices(pos.Side, entry, req.StopLossPct, req.RewardRisk)
	m.storeErr(ctx, m.store.SetProtectivePrices(pos.Symbol, pos.StopLossPrice, pos.TakeProfitPrice))

	qty, err := m.gw.AdjustQuantityToStep(ctx, pos.Symbol, pos.FilledQuantity)
	if err != nil {
		m.logger.Warn(ctx, op+": protective quantity adjust failed, using filled quantity", map[string]interface{}{"symbol": pos.Symbol, "error": err.Error()})
		qty = pos.FilledQuantity
	}
	if qty <= 0 {
		m.recordError(pos, TagRealQtyZero)
		m.logger.Error(ctx, fmt.Errorf("filled %g rounds to zero", pos.FilledQuantity), op+": cannot size protective orders", map[string]interface{}{"symbol": pos.Symbol})
		return
	}

	m.placeStopLoss(ctx, pos, qty, hedge)

	tpTimeout := req.TakeProfitTimeout
	if tpTimeout <= 0 {
		tpTimeout = m.cfg.TakeProfitTimeout
	}
	m.placeTakeProfit(ctx, pos, qty, hedge, tpTimeout)
	m.setLifecycle(pos, domain.StateProtectiveOrdersPlaced)
}

type orderVariant struct {
	req      domain.OrderRequest
	fallback bool
	failTag  string
}

// placeFirst walks the variants in order and returns the first accepted order.
func (m *Manager) placeFirst(ctx context.Context, pos *domain.Position, variants []orderVariant) (*domain.OrderHandle, orderVariant, bool) {
	for _, v := range variants {
		h, err := m.cfg.Retry.create(ctx, m.gw, v.req)
		if err == nil {
			return h, v, true
		}
		m.recordError(pos, tag(v.failTag, err))
		m.logger.Error(ctx, err, "Protective order placement failed", map[string]interface{}{
			"symbol":      pos.Symbol,
			"type":        v.req.Type,
			"workingType": v.req.WorkingType,
			"stopPrice":   v.req.StopPrice,
			"qty":         v.req.Quantity,
		})
		if m.cfg.Retry.fatal(err) {
			break
		}
	}
	return nil, orderVariant{}, false
}

func (m *Manager) placeStopLoss(ctx context.Context, pos *domain.Position, qty float64, hedge bool) bool {
	base := domain.OrderRequest{
		Symbol:       pos.Symbol,
		Type:         domain.OrderTypeStopMarket,
		Side:         pos.Side.ExitOrderSide(),
		PositionSide: positionSide(hedge, pos.Side),
		Quantity:     qty,
		StopPrice:    pos.StopLossPrice,
		ReduceOnly:   true,
	}
	var variants []orderVariant
	if m.cfg.UseMarkPrice {
		mark := base
		mark.WorkingType = domain.WorkingTypeMark
		mark.ClientOrderID = clientOrderID("sl")
		variants = append(variants, orderVariant{req: mark, failTag: TagSLCreateFailed})
	}
	contract := base
	contract.WorkingType = domain.WorkingTypeContract
	contract.ClientOrderID = clientOrderID("sl")
	if len(variants) == 0 {
		variants = append(variants, orderVariant{req: contract, failTag: TagSLCreateFailed})
	} else {
		variants = append(variants, orderVariant{req: contract, fallback: true, failTag: TagSLFallbackFailed})
	}

	h, v, ok := m.placeFirst(ctx, pos, variants)
	if !ok {
		return false
	}
	pos.StopOrderID, pos.StopOrderKind = h.ID, domain.OrderTypeStopMarket
	pos.StopUsedFallback = pos.StopUsedFallback || v.fallback
	m.storeErr(ctx, m.store.SetStopOrder(pos.Symbol, h.ID, domain.OrderTypeStopMarket, v.fallback))
	if v.fallback {
		m.metrics.ProtectiveFallback("sl_contract_price")
	}
	m.logger.Info(ctx, "Stop-loss placed", map[string]interface{}{"symbol": pos.Symbol, "orderID": h.ID, "stopPrice": pos.StopLossPrice, "qty": qty, "workingType": v.req.WorkingType})
	return true
}

func (m *Manager) placeTakeProfit(ctx context.Context, pos *domain.Position, qty float64, hedge bool, tpTimeout time.Duration) bool {
	base := domain.OrderRequest{
		Symbol:       pos.Symbol,
		Side:         pos.Side.ExitOrderSide(),
		PositionSide: positionSide(hedge, pos.Side),
		Quantity:     qty,
		ReduceOnly:   true,
	}

	breached := false
	if t, err := m.gw.FetchTicker(ctx, pos.Symbol); err != nil {
		m.recordError(pos, tag(TagTPTickerFailed, err))
		m.logger.Warn(ctx, "Ticker unavailable for take-profit guard, placing limit", map[string]interface{}{"symbol": pos.Symbol, "error": err.Error()})
	} else {
		breached = takeProfitBreached(pos.Side, t.Last, pos.TakeProfitPrice, m.cfg.TPMinDistanceBps)
		if breached {
			m.logger.Warn(ctx, "Take-profit already breached, closing at market", map[string]interface{}{"symbol": pos.Symbol, "last": t.Last, "takeProfit": pos.TakeProfitPrice})
		}
	}

	var variants []orderVariant
	if breached {
		closeReq := base
		closeReq.Type = domain.OrderTypeMarket
		closeReq.ClientOrderID = clientOrderID("close")
		variants = []orderVariant{{req: closeReq, fallback: true, failTag: TagTPFallbackFailed}}
	} else {
		limit := base
		limit.Type = domain.OrderTypeTakeProfit
		limit.Price = pos.TakeProfitPrice
		limit.StopPrice = pos.TakeProfitPrice
		limit.ClientOrderID = clientOrderID("tp")
		market := base
		market.Type = domain.OrderTypeTakeProfitMarket
		market.StopPrice = pos.TakeProfitPrice
		market.ClientOrderID = clientOrderID("tpm")
		variants = []orderVariant{
			{req: limit, failTag: TagTPCreateFailed},
			{req: market, fallback: true, failTag: TagTPFallbackFailed},
		}
	}

	h, v, ok := m.placeFirst(ctx, pos, variants)
	if !ok {
		return false
	}
	kind := v.req.Type
	pos.TakeProfitOrderID, pos.TakeProfitOrderKind = h.ID, kind
	pos.TakeProfitUsedFallback = pos.TakeProfitUsedFallback || v.fallback
	m.storeErr(ctx, m.store.SetTakeProfitOrder(pos.Symbol, h.ID, kind, v.fallback))
	switch kind {
	case domain.OrderTypeMarket:
		m.metrics.ProtectiveFallback("tp_immediate_close")
	case domain.OrderTypeTakeProfitMarket:
		m.metrics.ProtectiveFallback("tp_market")
	case domain.OrderTypeTakeProfit:
		m.startTPWatcher(pos.Symbol, h.ID, qty, tpTimeout)
	}
	m.logger.Info(ctx, "Take-profit placed", map[string]interface{}{"symbol": pos.Symbol, "orderID": h.ID, "type": kind, "price": pos.TakeProfitPrice, "qty": qty})
	return true
}

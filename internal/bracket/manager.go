// Package bracket drives the open-and-protect sequence for bracketed futures
// positions and reconciles them until a protective order closes them.
package bracket

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"cryptoBracketBot/internal/domain"
	"cryptoBracketBot/internal/ports"
	"cryptoBracketBot/internal/state"
)

// Failure tags appended to Position.Errors.
const (
	TagInvalidRequest         = "invalid_request"
	TagPositionAlreadyOpen    = "position_already_open"
	TagLockWaitCanceled       = "lock_wait_canceled"
	TagAmountAdjustFailed     = "amount_adjust_failed"
	TagAmountBelowMinStep     = "amount_below_min_step"
	TagEntryCreateFailed      = "entry_create_failed"
	TagEntryRegisterFailed    = "entry_register_failed"
	TagEntryNotFilled         = "entry_not_filled_within_timeout"
	TagEntryCancelFailed      = "entry_cancel_failed"
	TagEntryRejected          = "entry_rejected"
	TagEntryNoFills           = "entry_no_fills"
	TagEntryMayBeLive         = "entry_may_still_fill"
	TagRealQtyZero            = "real_qty_after_adjustment_zero"
	TagSLCreateFailed         = "sl_create_failed"
	TagSLFallbackFailed       = "sl_fallback_failed"
	TagTPCreateFailed         = "tp_create_failed"
	TagTPFallbackFailed       = "tp_fallback_failed"
	TagTPTickerFailed         = "tp_ticker_failed"
	TagTPTimeoutCancelFailed  = "tp_timeout_cancel_failed"
	TagSLOrderLost            = "sl_order_lost"
	TagTPOrderLost            = "tp_order_lost"
	TagSiblingCancelFailed    = "sibling_cancel_failed"
	TagBothProtectiveFilled   = "both_protective_filled"
	TagForceCloseFailed       = "force_close_failed"
	TagRestoredWithoutProtect = "restored_without_protection"
)

// Config tunes the open-and-protect sequence.
type Config struct {
	EntryTimeout      time.Duration // default fill wait
	TakeProfitTimeout time.Duration // resting take-profit limit lifetime before market fallback
	PollInterval      time.Duration
	MonitorInterval   time.Duration
	UseMarkPrice      bool    // stop-loss triggers off mark price first
	TPMinDistanceBps  float64 // immediate-trigger guard for take-profit
	Retry             RetryPolicy
}

func (c *Config) withDefaults() {
	if c.EntryTimeout <= 0 {
		c.EntryTimeout = 60 * time.Second
	}
	if c.TakeProfitTimeout <= 0 {
		c.TakeProfitTimeout = 10 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = 2 * time.Second
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 1
	}
}

// RiskLedger receives realized PNL when a position closes.
type RiskLedger interface {
	OnClosed(symbol string, pnl float64)
}

// Deps are the collaborators of a Manager. Gateway and Store are required.
type Deps struct {
	Gateway  ports.ExchangeGateway
	Store    *state.Store
	Ledger   RiskLedger
	Journal  ports.PositionJournal
	Notifier ports.Notifier
	Metrics  ports.Metrics
	Logger   ports.Logger
}

// Request describes a desired entry.
type Request struct {
	Symbol            string
	Side              domain.Side
	ReferencePrice    float64
	Quantity          float64
	StopLossPct       float64 // e.g. 0.002
	RewardRisk        float64 // take-profit distance / stop distance
	EntryTimeout      time.Duration
	TakeProfitTimeout time.Duration
}

func (r Request) validate() error {
	switch {
	case r.Symbol == "":
		return errors.New("symbol is empty")
	case !r.Side.Valid():
		return fmt.Errorf("unknown side %q", r.Side)
	case r.ReferencePrice <= 0:
		return errors.New("reference price must be positive")
	case r.Quantity <= 0:
		return errors.New("quantity must be positive")
	case r.StopLossPct <= 0 || r.StopLossPct >= 1:
		return errors.New("stop loss pct must be in (0, 1)")
	case r.RewardRisk <= 0:
		return errors.New("reward:risk must be positive")
	}
	return nil
}

// Result is the terminal view of one Open call.
type Result struct {
	Symbol                 string                `json:"symbol"`
	Side                   domain.Side           `json:"side"`
	Lifecycle              domain.LifecycleState `json:"lifecycle"`
	RequestedQty           float64               `json:"requestedQty"`
	FilledQty              float64               `json:"filledQty"`
	EntryAvgPrice          float64               `json:"entryAvgPrice"`
	StopPrice              float64               `json:"stopPrice"`
	TakeProfitPrice        float64               `json:"takeProfitPrice"`
	StopOrderID            string                `json:"stopOrderId"`
	TakeProfitOrderID      string                `json:"takeProfitOrderId"`
	StopUsedFallback       bool                  `json:"stopUsedFallback"`
	TakeProfitUsedFallback bool                  `json:"takeProfitUsedFallback"`
	Errors                 []string              `json:"errors"`
}

// Opened reports whether the call left a live position behind.
func (r Result) Opened() bool {
	return r.Lifecycle == domain.StateProtected || r.Lifecycle == domain.StateDegraded
}

func resultFrom(p *domain.Position) Result {
	r := Result{
		Symbol:                 p.Symbol,
		Side:                   p.Side,
		Lifecycle:              p.Lifecycle,
		RequestedQty:           p.RequestedQuantity,
		FilledQty:              p.FilledQuantity,
		StopPrice:              p.StopLossPrice,
		TakeProfitPrice:        p.TakeProfitPrice,
		StopOrderID:            p.StopOrderID,
		TakeProfitOrderID:      p.TakeProfitOrderID,
		StopUsedFallback:       p.StopUsedFallback,
		TakeProfitUsedFallback: p.TakeProfitUsedFallback,
		Errors:                 append([]string(nil), p.Errors...),
	}
	if p.EntryAverageFillPrice != nil {
		r.EntryAvgPrice = *p.EntryAverageFillPrice
	}
	return r
}

// Manager owns every bracketed position. It is the only writer of the
// state store; all mutations for a symbol happen under that symbol's lock.
type Manager struct {
	cfg      Config
	gw       ports.ExchangeGateway
	store    *state.Store
	ledger   RiskLedger
	journal  ports.PositionJournal
	notifier ports.Notifier
	metrics  ports.Metrics
	logger   ports.Logger

	locks *symbolLocks

	watchMu  sync.Mutex
	watchers map[string]*tpWatcher
	watchWG  sync.WaitGroup
	baseCtx  context.Context
	stopAll  context.CancelFunc

	now func() time.Time
}

// New creates a Manager. Optional dependencies default to no-ops.
func New(cfg Config, deps Deps) *Manager {
	cfg.withDefaults()
	if deps.Ledger == nil {
		deps.Ledger = nopLedger{}
	}
	if deps.Journal == nil {
		deps.Journal = nopJournal{}
	}
	if deps.Notifier == nil {
		deps.Notifier = ports.NopNotifier{}
	}
	if deps.Logger == nil {
		deps.Logger = ports.NopLogger{}
	}
	if deps.Metrics == nil {
		deps.Metrics = ports.NopMetrics{}
	}
	base, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		gw:       deps.Gateway,
		store:    deps.Store,
		ledger:   deps.Ledger,
		journal:  deps.Journal,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		locks:    newSymbolLocks(),
		watchers: make(map[string]*tpWatcher),
		baseCtx:  base,
		stopAll:  cancel,
		now:      time.Now,
	}
}

// Close cancels every take-profit watcher and waits for them to exit.
// Resting exchange orders are left untouched.
func (m *Manager) Close() {
	m.stopAll()
	m.watchMu.Lock()
	for sym, w := range m.watchers {
		w.cancel()
		delete(m.watchers, sym)
	}
	m.watchMu.Unlock()
	m.watchWG.Wait()
}

// Open runs the full open-and-protect sequence for one entry. It never
// returns an error; every failure is reflected in the result's lifecycle
// and error tags.
func (m *Manager) Open(ctx context.Context, req Request) Result {
	op := "Open"
	pos := &domain.Position{
		Symbol:              req.Symbol,
		Side:                req.Side,
		RequestedQuantity:   req.Quantity,
		EntryReferencePrice: req.ReferencePrice,
		StopLossPct:         req.StopLossPct,
		RewardRisk:          req.RewardRisk,
		Lifecycle:           domain.StateInit,
		CreatedAt:           m.now().UTC(),
	}
	fields := map[string]interface{}{"symbol": req.Symbol, "side": req.Side, "price": req.ReferencePrice, "qty": req.Quantity}
	m.logger.Info(ctx, op+": bracket requested", fields)

	if err := req.validate(); err != nil {
		return m.abort(ctx, pos, tag(TagInvalidRequest, err), false)
	}

	unlock, err := m.locks.Lock(ctx, req.Symbol)
	if err != nil {
		return m.abort(ctx, pos, tag(TagLockWaitCanceled, err), false)
	}
	defer unlock()

	if _, exists := m.store.Get(req.Symbol); exists {
		return m.abort(ctx, pos, TagPositionAlreadyOpen, false)
	}

	// 1. Quantity normalization.
	qty, err := m.gw.AdjustQuantityToStep(ctx, req.Symbol, req.Quantity)
	if err != nil {
		return m.abort(ctx, pos, tag(TagAmountAdjustFailed, err), false)
	}
	if qty <= 0 {
		return m.abort(ctx, pos, TagAmountBelowMinStep, false)
	}
	pos.RequestedQuantity = qty
	pos.Lifecycle = domain.StateAmountAdjusted

	hedge := m.hedgeMode(ctx)

	// 2. Entry placement.
	entry, err := m.gw.CreateOrder(ctx, domain.OrderRequest{
		Symbol:        req.Symbol,
		Type:          domain.OrderTypeLimit,
		Side:          req.Side.EntryOrderSide(),
		PositionSide:  positionSide(hedge, req.Side),
		Quantity:      qty,
		Price:         req.ReferencePrice,
		PostOnly:      true,
		ClientOrderID: clientOrderID("entry"),
	})
	if err != nil {
		m.logger.Error(ctx, err, op+": entry order placement failed", fields)
		return m.abort(ctx, pos, tag(TagEntryCreateFailed, err), false)
	}
	pos.EntryOrderID = entry.ID
	pos.Lifecycle = domain.StateEntryPlaced
	if err := m.store.Register(pos); err != nil {
		m.cancelQuietly(ctx, req.Symbol, entry.ID)
		return m.abort(ctx, pos, tag(TagEntryRegisterFailed, err), false)
	}
	m.metrics.OpenPositions(m.store.Count())
	m.logger.Info(ctx, op+": entry order placed", map[string]interface{}{"symbol": req.Symbol, "orderID": entry.ID, "qty": qty, "price": req.ReferencePrice})

	// 3. Fill awaiting.
	m.setLifecycle(pos, domain.StateEntryFillAwaited)
	timeout := req.EntryTimeout
	if timeout <= 0 {
		timeout = m.cfg.EntryTimeout
	}
	fill := m.awaitFill(ctx, pos, entry, timeout)
	if fill.qty <= 0 {
		if fill.live {
			return m.holdPendingEntry(context.WithoutCancel(ctx), pos)
		}
		if fill.rejected {
			m.setLifecycle(pos, domain.StateEntryRejected)
		}
		return m.abort(ctx, pos, TagEntryNoFills, true)
	}
	pos.FilledQuantity = math.Min(fill.qty, pos.RequestedQuantity)
	if fill.avgPrice > 0 {
		avg := fill.avgPrice
		pos.EntryAverageFillPrice = &avg
	}
	m.storeErr(ctx, m.store.UpdateEntryExecution(pos.Symbol, pos.FilledQuantity, fill.avgPrice))
	m.setLifecycle(pos, domain.StateEntryFilled)
	m.logger.Info(ctx, op+": entry filled", map[string]interface{}{"symbol": pos.Symbol, "filledQty": pos.FilledQuantity, "avgPrice": pos.EntryPrice(), "partial": fill.partial})

	// 4-6. Protective orders. A live fill is protected even if the caller has gone away.
	ctx = context.WithoutCancel(ctx)
	m.protect(ctx, pos, req, hedge)

	res := m.finish(ctx, pos)

	// An immediate take-profit close is already done; settle it now.
	if pos.TakeProfitOrderKind == domain.OrderTypeMarket && pos.TakeProfitOrderID != "" {
		if _, err := m.reconcileLocked(ctx, pos.Symbol); err != nil {
			m.logger.Warn(ctx, op+": immediate close reconciliation deferred to monitor", map[string]interface{}{"symbol": pos.Symbol, "error": err.Error()})
		}
	}
	return res
}

// abort records the failure and ends the sequence. Positions that were
// registered are discarded; they never became live.
func (m *Manager) abort(ctx context.Context, pos *domain.Position, failure string, registered bool) Result {
	pos.Errors = append(pos.Errors, failure)
	pos.Lifecycle = domain.StateAborted
	if registered {
		m.store.Discard(pos.Symbol)
		m.metrics.OpenPositions(m.store.Count())
	}
	m.metrics.BracketOutcome(string(domain.StateAborted))
	m.logger.Warn(ctx, "Open: bracket aborted", map[string]interface{}{"symbol": pos.Symbol, "errors": pos.Errors})
	m.notifier.Notify(ctx, fmt.Sprintf("⚠️ %s %s bracket aborted: %s", pos.Symbol, pos.Side, failure))
	return resultFrom(pos)
}

// finish settles PROTECTED or DEGRADED, journals the position and sends the
// single terminal notification.
func (m *Manager) finish(ctx context.Context, pos *domain.Position) Result {
	final := domain.StateProtected
	if pos.StopOrderID == "" || pos.TakeProfitOrderID == "" {
		final = domain.StateDegraded
	}
	m.setLifecycle(pos, final)
	m.persist(ctx, pos.Symbol)
	m.metrics.BracketOutcome(string(final))

	fields := map[string]interface{}{
		"symbol":     pos.Symbol,
		"filledQty":  pos.FilledQuantity,
		"entry":      pos.EntryPrice(),
		"stopLoss":   pos.StopLossPrice,
		"takeProfit": pos.TakeProfitPrice,
		"slOrderID":  pos.StopOrderID,
		"tpOrderID":  pos.TakeProfitOrderID,
	}
	if final == domain.StateDegraded {
		fields["errors"] = pos.Errors
		m.logger.Error(ctx, errors.New("position open with reduced protection"), "Open: bracket DEGRADED", fields)
		m.notifier.Notify(ctx, fmt.Sprintf("🚨 DEGRADED %s %s qty=%g entry=%g: SL=%q TP=%q errors=%v",
			pos.Symbol, pos.Side, pos.FilledQuantity, pos.EntryPrice(), pos.StopOrderID, pos.TakeProfitOrderID, pos.Errors))
	} else {
		m.logger.Info(ctx, "Open: bracket protected", fields)
		m.notifier.Notify(ctx, fmt.Sprintf("✅ %s %s qty=%g entry=%g SL=%g TP=%g",
			pos.Symbol, pos.Side, pos.FilledQuantity, pos.EntryPrice(), pos.StopLossPrice, pos.TakeProfitPrice))
	}
	return resultFrom(pos)
}

func (m *Manager) hedgeMode(ctx context.Context) bool {
	hedge, err := m.gw.IsHedgeMode(ctx)
	if err != nil {
		m.logger.Warn(ctx, "Position mode query failed, assuming one-way mode", map[string]interface{}{"error": err.Error()})
		return false
	}
	return hedge
}

// setLifecycle mirrors a transition into the local copy and the store.
func (m *Manager) setLifecycle(pos *domain.Position, s domain.LifecycleState) {
	pos.Lifecycle = s
	_ = m.store.SetLifecycle(pos.Symbol, s)
}

// recordError appends a failure tag to the local copy and the store.
func (m *Manager) recordError(pos *domain.Position, failure string) {
	pos.Errors = append(pos.Errors, failure)
	_ = m.store.RecordError(pos.Symbol, failure)
}

func (m *Manager) storeErr(ctx context.Context, err error) {
	if err != nil {
		m.logger.Error(ctx, err, "State store update failed")
	}
}

// persist snapshots the open position to the journal. Journal failures are
// logged only; the in-memory store stays authoritative.
func (m *Manager) persist(ctx context.Context, symbol string) {
	pos, ok := m.store.Get(symbol)
	if !ok {
		return
	}
	if err := m.journal.SaveOpen(ctx, pos); err != nil {
		m.logger.Error(ctx, err, "Failed to journal open position", map[string]interface{}{"symbol": symbol})
	}
}

// cancelQuietly cancels an order, tolerating one that no longer exists.
func (m *Manager) cancelQuietly(ctx context.Context, symbol, orderID string) error {
	if orderID == "" {
		return nil
	}
	err := m.gw.CancelOrder(ctx, symbol, orderID)
	if err != nil && !errors.Is(err, ports.ErrOrderNotFound) {
		m.logger.Warn(ctx, "Order cancel failed", map[string]interface{}{"symbol": symbol, "orderID": orderID, "error": err.Error()})
		return err
	}
	return nil
}

// Restore loads journaled open positions into the store. Positions that were
// interrupted before protection are marked DEGRADED for operator attention.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	positions, err := m.journal.LoadOpen(ctx)
	if err != nil {
		return 0, fmt.Errorf("restore open positions: %w", err)
	}
	n := 0
	for _, p := range positions {
		if p.Lifecycle != domain.StateProtected && p.Lifecycle != domain.StateDegraded {
			p.Lifecycle = domain.StateDegraded
			p.Errors = append(p.Errors, TagRestoredWithoutProtect)
		}
		if err := m.store.Register(p); err != nil {
			m.logger.Warn(ctx, "Skipping journaled position", map[string]interface{}{"symbol": p.Symbol, "error": err.Error()})
			continue
		}
		n++
		if p.Lifecycle == domain.StateDegraded && !p.HasProtection() {
			m.notifier.Notify(ctx, fmt.Sprintf("🚨 DEGRADED %s restored without protective orders (qty=%g)", p.Symbol, p.FilledQuantity))
		}
		m.logger.Info(ctx, "Restored open position", map[string]interface{}{"symbol": p.Symbol, "lifecycle": p.Lifecycle, "slOrderID": p.StopOrderID, "tpOrderID": p.TakeProfitOrderID})
	}
	m.metrics.OpenPositions(m.store.Count())
	return n, nil
}

func positionSide(hedge bool, side domain.Side) domain.PositionSide {
	if !hedge {
		return domain.PositionSideNone
	}
	return side.PositionSide()
}

func clientOrderID(role string) string {
	return "bb-" + role + "-" + uuid.NewString()[:8]
}

func tag(name string, err error) string {
	return name + ":" + err.Error()
}

type nopLedger struct{}

func (nopLedger) OnClosed(string, float64) {}

type nopJournal struct{}

func (nopJournal) SaveOpen(context.Context, *domain.Position) error         { return nil }
func (nopJournal) SaveClosed(context.Context, *domain.ClosedPosition) error { return nil }
func (nopJournal) DeleteOpen(context.Context, string) error                 { return nil }
func (nopJournal) LoadOpen(context.Context) ([]*domain.Position, error)     { return nil, nil }
func (nopJournal) RealizedSince(context.Context, time.Time) (float64, int, error) {
	return 0, 0, nil
}

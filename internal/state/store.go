// Package state holds the in-memory record of open bracketed positions and
// their closed history. It performs no exchange I/O; the bracket manager is the
// only writer and calls mutating methods while holding the symbol's lock.
package state

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"cryptoBracketBot/internal/domain"
)

var (
	ErrPositionExists   = errors.New("position already open for symbol")
	ErrPositionNotFound = errors.New("no open position for symbol")
)

// Store indexes open positions by symbol and by every constituent order id.
type Store struct {
	mu      sync.RWMutex
	open    map[string]*domain.Position
	byOrder map[string]string // order id -> symbol
	history []domain.ClosedPosition
	now     func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		open:    make(map[string]*domain.Position),
		byOrder: make(map[string]string),
		now:     time.Now,
	}
}

// Register stores a copy of pos. Only one open position per symbol is allowed.
func (s *Store) Register(pos *domain.Position) error {
	if pos == nil || pos.Symbol == "" {
		return fmt.Errorf("register: position without symbol")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.open[pos.Symbol]; ok {
		return fmt.Errorf("register %s: %w", pos.Symbol, ErrPositionExists)
	}
	c := pos.Clone()
	s.open[c.Symbol] = c
	s.indexLocked(c.Symbol, c.EntryOrderID)
	s.indexLocked(c.Symbol, c.StopOrderID)
	s.indexLocked(c.Symbol, c.TakeProfitOrderID)
	return nil
}

// Get returns a snapshot of the open position for symbol.
func (s *Store) Get(symbol string) (*domain.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.open[symbol]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// Count returns the number of open positions.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.open)
}

// Symbols returns the symbols with an open position, sorted.
func (s *Store) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.open))
	for sym := range s.open {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// OpenPositions returns snapshots of all open positions, sorted by symbol.
func (s *Store) OpenPositions() []*domain.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Position, 0, len(s.open))
	for _, p := range s.open {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// UpdateEntryExecution records the observed entry fill.
func (s *Store) UpdateEntryExecution(symbol string, filledQty, avgPrice float64) error {
	return s.mutate(symbol, func(p *domain.Position) {
		p.FilledQuantity = filledQty
		if avgPrice > 0 {
			v := avgPrice
			p.EntryAverageFillPrice = &v
		}
	})
}

// SetProtectivePrices records the computed stop-loss and take-profit levels.
func (s *Store) SetProtectivePrices(symbol string, stopLoss, takeProfit float64) error {
	return s.mutate(symbol, func(p *domain.Position) {
		p.StopLossPrice = stopLoss
		p.TakeProfitPrice = takeProfit
	})
}

// RecordPartialExit accumulates quantity closed at price by a protective
// order that is no longer live.
func (s *Store) RecordPartialExit(symbol string, qty, price float64) error {
	if qty <= 0 {
		return nil
	}
	return s.mutate(symbol, func(p *domain.Position) {
		p.ExitedQuantity += qty
		p.ExitNotional += qty * price
	})
}

// SetStopOrder records (or clears, with an empty id) the live stop-loss order.
func (s *Store) SetStopOrder(symbol, orderID string, kind domain.OrderType, usedFallback bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.open[symbol]
	if !ok {
		return fmt.Errorf("set stop order %s: %w", symbol, ErrPositionNotFound)
	}
	delete(s.byOrder, p.StopOrderID)
	p.StopOrderID = orderID
	p.StopOrderKind = kind
	p.StopUsedFallback = p.StopUsedFallback || usedFallback
	s.indexLocked(symbol, orderID)
	return nil
}

// SetTakeProfitOrder records (or clears, with an empty id) the live take-profit order.
func (s *Store) SetTakeProfitOrder(symbol, orderID string, kind domain.OrderType, usedFallback bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.open[symbol]
	if !ok {
		return fmt.Errorf("set take-profit order %s: %w", symbol, ErrPositionNotFound)
	}
	delete(s.byOrder, p.TakeProfitOrderID)
	p.TakeProfitOrderID = orderID
	p.TakeProfitOrderKind = kind
	p.TakeProfitUsedFallback = p.TakeProfitUsedFallback || usedFallback
	s.indexLocked(symbol, orderID)
	return nil
}

// SetLifecycle moves the position to state.
func (s *Store) SetLifecycle(symbol string, state domain.LifecycleState) error {
	return s.mutate(symbol, func(p *domain.Position) { p.Lifecycle = state })
}

// RecordError appends a failure tag to the position's diagnostics.
func (s *Store) RecordError(symbol, tag string) error {
	return s.mutate(symbol, func(p *domain.Position) { p.Errors = append(p.Errors, tag) })
}

// Close atomically removes the open position and appends it to closed history.
func (s *Store) Close(symbol string, pnl float64, reason domain.CloseReason, exitPrice float64) (*domain.ClosedPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.open[symbol]
	if !ok {
		return nil, fmt.Errorf("close %s: %w", symbol, ErrPositionNotFound)
	}
	s.dropLocked(symbol, p)

	now := s.now().UTC()
	p.Lifecycle = domain.StateClosed
	p.ClosedAt = &now
	rec := domain.ClosedPosition{Position: p, PNL: pnl, Reason: reason, ExitPrice: exitPrice, ClosedAt: now}
	s.history = append(s.history, rec)

	out := rec
	out.Position = p.Clone()
	return &out, nil
}

// Discard removes a position that never became live (no fills) without
// recording it in closed history.
func (s *Store) Discard(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.open[symbol]; ok {
		s.dropLocked(symbol, p)
	}
}

// FindSymbolByOrderID resolves the symbol owning an entry, stop or take-profit order.
func (s *Store) FindSymbolByOrderID(orderID string) (string, bool) {
	if orderID == "" {
		return "", false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	sym, ok := s.byOrder[orderID]
	return sym, ok
}

// History returns a copy of the closed-position history in close order.
func (s *Store) History() []domain.ClosedPosition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ClosedPosition, len(s.history))
	for i, rec := range s.history {
		rec.Position = rec.Position.Clone()
		out[i] = rec
	}
	return out
}

func (s *Store) mutate(symbol string, fn func(p *domain.Position)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.open[symbol]
	if !ok {
		return fmt.Errorf("update %s: %w", symbol, ErrPositionNotFound)
	}
	fn(p)
	return nil
}

func (s *Store) indexLocked(symbol, orderID string) {
	if orderID != "" {
		s.byOrder[orderID] = symbol
	}
}

func (s *Store) dropLocked(symbol string, p *domain.Position) {
	delete(s.open, symbol)
	delete(s.byOrder, p.EntryOrderID)
	delete(s.byOrder, p.StopOrderID)
	delete(s.byOrder, p.TakeProfitOrderID)
}

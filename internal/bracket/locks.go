package bracket

import (
	"context"
	"sync"
)

// symbolLocks serializes work per symbol. Waiting honours context
// cancellation so a stale watcher never blocks behind a long open sequence.
type symbolLocks struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func newSymbolLocks() *symbolLocks {
	return &symbolLocks{slots: make(map[string]chan struct{})}
}

func (l *symbolLocks) slot(symbol string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[symbol]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[symbol] = ch
	}
	return ch
}

// Lock blocks until the symbol is free or ctx is done.
func (l *symbolLocks) Lock(ctx context.Context, symbol string) (func(), error) {
	ch := l.slot(symbol)
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock acquires the symbol only if nobody holds it.
func (l *symbolLocks) TryLock(symbol string) (func(), bool) {
	ch := l.slot(symbol)
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, true
	default:
		return nil, false
	}
}

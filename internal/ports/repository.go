package ports

import (
	"context"
	"time"

	"cryptoBracketBot/internal/domain"
)

// PositionJournal durably records open position snapshots and closed history so
// state can be reconstructed after a restart.
type PositionJournal interface {
	// SaveOpen upserts the snapshot of an open position keyed by symbol.
	SaveOpen(ctx context.Context, pos *domain.Position) error
	// SaveClosed appends a closed-history row and removes the open snapshot.
	SaveClosed(ctx context.Context, closed *domain.ClosedPosition) error
	// DeleteOpen drops the open snapshot of a position that never filled.
	DeleteOpen(ctx context.Context, symbol string) error
	// LoadOpen returns every open snapshot.
	LoadOpen(ctx context.Context) ([]*domain.Position, error)
	// RealizedSince sums PNL and counts closed trades since the given time.
	RealizedSince(ctx context.Context, since time.Time) (pnl float64, trades int, err error)
}

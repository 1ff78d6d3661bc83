package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"cryptoBracketBot/internal/domain"
	"cryptoBracketBot/internal/ports"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Repository implements ports.PositionJournal using SQLite.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository creates a new SQLite repository instance.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/bracket_bot.db" // Default path
	}

	// Create data directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w: %w", dbPath, ports.ErrDBConnection, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w: %w", dbPath, ports.ErrDBConnection, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// One writer keeps SQLite from returning SQLITE_BUSY under the monitor loop.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	repo := &Repository{db: db, logger: cfg.Logger}
	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "SQLite position journal ready", map[string]interface{}{"path": dbPath})

	return repo, nil
}

func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS open_positions (
		symbol TEXT PRIMARY KEY,
		side TEXT NOT NULL,
		requested_qty REAL NOT NULL,
		filled_qty REAL NOT NULL,
		entry_order_id TEXT NOT NULL,
		entry_reference_price REAL NOT NULL,
		entry_avg_price REAL DEFAULT NULL,
		stop_loss_pct REAL NOT NULL DEFAULT 0,
		reward_risk REAL NOT NULL DEFAULT 0,
		stop_loss REAL NOT NULL,
		take_profit REAL NOT NULL,
		stop_order_id TEXT NOT NULL DEFAULT '',
		stop_order_kind TEXT NOT NULL DEFAULT '',
		stop_fallback INTEGER NOT NULL DEFAULT 0,
		tp_order_id TEXT NOT NULL DEFAULT '',
		tp_order_kind TEXT NOT NULL DEFAULT '',
		tp_fallback INTEGER NOT NULL DEFAULT 0,
		exited_qty REAL NOT NULL DEFAULT 0,
		exit_notional REAL NOT NULL DEFAULT 0,
		lifecycle TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		errors TEXT NOT NULL DEFAULT '[]'
	);

	CREATE TABLE IF NOT EXISTS closed_positions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity REAL NOT NULL,
		entry_price REAL NOT NULL,
		exit_price REAL NOT NULL,
		pnl REAL NOT NULL,
		close_reason TEXT NOT NULL,
		stop_fallback INTEGER NOT NULL DEFAULT 0,
		tp_fallback INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		closed_at_ms INTEGER NOT NULL,
		errors TEXT NOT NULL DEFAULT '[]'
	);
	CREATE INDEX IF NOT EXISTS idx_closed_positions_closed_at ON closed_positions (closed_at_ms);
	`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing SQLite database connection")
		return r.db.Close()
	}
	return nil
}

// SaveOpen upserts the snapshot of an open position.
func (r *Repository) SaveOpen(ctx context.Context, pos *domain.Position) error {
	const query = `
	INSERT INTO open_positions (symbol, side, requested_qty, filled_qty, entry_order_id,
	                            entry_reference_price, entry_avg_price, stop_loss_pct, reward_risk,
	                            stop_loss, take_profit,
	                            stop_order_id, stop_order_kind, stop_fallback,
	                            tp_order_id, tp_order_kind, tp_fallback,
	                            exited_qty, exit_notional,
	                            lifecycle, created_at, errors)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(symbol) DO UPDATE SET
		side = excluded.side,
		requested_qty = excluded.requested_qty,
		filled_qty = excluded.filled_qty,
		entry_order_id = excluded.entry_order_id,
		entry_reference_price = excluded.entry_reference_price,
		entry_avg_price = excluded.entry_avg_price,
		stop_loss_pct = excluded.stop_loss_pct,
		reward_risk = excluded.reward_risk,
		stop_loss = excluded.stop_loss,
		take_profit = excluded.take_profit,
		stop_order_id = excluded.stop_order_id,
		stop_order_kind = excluded.stop_order_kind,
		stop_fallback = excluded.stop_fallback,
		tp_order_id = excluded.tp_order_id,
		tp_order_kind = excluded.tp_order_kind,
		tp_fallback = excluded.tp_fallback,
		exited_qty = excluded.exited_qty,
		exit_notional = excluded.exit_notional,
		lifecycle = excluded.lifecycle,
		created_at = excluded.created_at,
		errors = excluded.errors`

	errs, err := encodeErrors(pos.Errors)
	if err != nil {
		return err
	}
	var avg sql.NullFloat64
	if pos.EntryAverageFillPrice != nil {
		avg = sql.NullFloat64{Float64: *pos.EntryAverageFillPrice, Valid: true}
	}

	_, err = r.db.ExecContext(ctx, query,
		pos.Symbol, string(pos.Side), pos.RequestedQuantity, pos.FilledQuantity, pos.EntryOrderID,
		pos.EntryReferencePrice, avg, pos.StopLossPct, pos.RewardRisk,
		pos.StopLossPrice, pos.TakeProfitPrice,
		pos.StopOrderID, string(pos.StopOrderKind), pos.StopUsedFallback,
		pos.TakeProfitOrderID, string(pos.TakeProfitOrderKind), pos.TakeProfitUsedFallback,
		pos.ExitedQuantity, pos.ExitNotional,
		string(pos.Lifecycle), pos.CreatedAt.UTC(), errs)
	if err != nil {
		return fmt.Errorf("failed to save open position for symbol %s: %w: %w", pos.Symbol, ports.ErrUpdateFailed, err)
	}
	r.logger.Debug(ctx, "Open position saved", map[string]interface{}{"symbol": pos.Symbol, "lifecycle": pos.Lifecycle})
	return nil
}

// SaveClosed appends the closed record and drops the open snapshot in one transaction.
func (r *Repository) SaveClosed(ctx context.Context, closed *domain.ClosedPosition) error {
	const insert = `
	INSERT INTO closed_positions (symbol, side, quantity, entry_price, exit_price, pnl, close_reason,
	                              stop_fallback, tp_fallback, created_at, closed_at_ms, errors)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	pos := closed.Position
	if pos == nil {
		return fmt.Errorf("SaveClosed: %w: missing position", ports.ErrInvalidRequest)
	}
	errs, err := encodeErrors(pos.Errors)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w: %w", ports.ErrDBConnection, err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	_, err = tx.ExecContext(ctx, insert,
		pos.Symbol, string(pos.Side), pos.FilledQuantity, pos.EntryPrice(), closed.ExitPrice, closed.PNL,
		string(closed.Reason), pos.StopUsedFallback, pos.TakeProfitUsedFallback,
		pos.CreatedAt.UTC(), closed.ClosedAt.UnixMilli(), errs)
	if err != nil {
		return fmt.Errorf("failed to insert closed position for symbol %s: %w: %w", pos.Symbol, ports.ErrUpdateFailed, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM open_positions WHERE symbol = ?`, pos.Symbol); err != nil {
		return fmt.Errorf("failed to delete open position for symbol %s: %w: %w", pos.Symbol, ports.ErrUpdateFailed, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit closed position for symbol %s: %w: %w", pos.Symbol, ports.ErrUpdateFailed, err)
	}
	r.logger.Debug(ctx, "Closed position saved", map[string]interface{}{"symbol": pos.Symbol, "pnl": closed.PNL, "reason": closed.Reason})
	return nil
}

// DeleteOpen removes the open snapshot for symbol, if any.
func (r *Repository) DeleteOpen(ctx context.Context, symbol string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM open_positions WHERE symbol = ?`, symbol); err != nil {
		return fmt.Errorf("failed to delete open position for symbol %s: %w: %w", symbol, ports.ErrUpdateFailed, err)
	}
	r.logger.Debug(ctx, "Open position deleted", map[string]interface{}{"symbol": symbol})
	return nil
}

// LoadOpen returns every open snapshot ordered by creation time.
func (r *Repository) LoadOpen(ctx context.Context) ([]*domain.Position, error) {
	const query = `
	SELECT symbol, side, requested_qty, filled_qty, entry_order_id,
	       entry_reference_price, entry_avg_price, stop_loss_pct, reward_risk,
	       stop_loss, take_profit,
	       stop_order_id, stop_order_kind, stop_fallback,
	       tp_order_id, tp_order_kind, tp_fallback,
	       exited_qty, exit_notional,
	       lifecycle, created_at, errors
	FROM open_positions
	ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query open positions: %w: %w", ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	positions := make([]*domain.Position, 0)
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan open position: %w: %w", ports.ErrQueryFailed, err)
		}
		positions = append(positions, pos)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating open position rows: %w", err)
	}
	return positions, nil
}

// RealizedSince sums PNL and counts closed trades at or after since.
func (r *Repository) RealizedSince(ctx context.Context, since time.Time) (float64, int, error) {
	const query = `SELECT COALESCE(SUM(pnl), 0), COUNT(*) FROM closed_positions WHERE closed_at_ms >= ?`
	var pnl float64
	var trades int
	if err := r.db.QueryRowContext(ctx, query, since.UnixMilli()).Scan(&pnl, &trades); err != nil {
		return 0, 0, fmt.Errorf("failed to sum realized PNL: %w: %w", ports.ErrQueryFailed, err)
	}
	return pnl, trades, nil
}

// ClosedSince returns closed records at or after since, newest first.
func (r *Repository) ClosedSince(ctx context.Context, since time.Time) ([]*domain.ClosedPosition, error) {
	const query = `
	SELECT symbol, side, quantity, entry_price, exit_price, pnl, close_reason,
	       stop_fallback, tp_fallback, created_at, closed_at_ms, errors
	FROM closed_positions
	WHERE closed_at_ms >= ?
	ORDER BY closed_at_ms DESC, id DESC`

	rows, err := r.db.QueryContext(ctx, query, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query closed positions: %w: %w", ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	out := make([]*domain.ClosedPosition, 0)
	for rows.Next() {
		c, err := scanClosed(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan closed position: %w: %w", ports.ErrQueryFailed, err)
		}
		out = append(out, c)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating closed position rows: %w", err)
	}
	return out, nil
}

// --- Helper Scan Functions ---

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(s scanner) (*domain.Position, error) {
	p := &domain.Position{}
	var side, stopKind, tpKind, lifecycle, errs string
	var avg sql.NullFloat64
	err := s.Scan(
		&p.Symbol, &side, &p.RequestedQuantity, &p.FilledQuantity, &p.EntryOrderID,
		&p.EntryReferencePrice, &avg, &p.StopLossPct, &p.RewardRisk,
		&p.StopLossPrice, &p.TakeProfitPrice,
		&p.StopOrderID, &stopKind, &p.StopUsedFallback,
		&p.TakeProfitOrderID, &tpKind, &p.TakeProfitUsedFallback,
		&p.ExitedQuantity, &p.ExitNotional,
		&lifecycle, &p.CreatedAt, &errs)
	if err != nil {
		return nil, err
	}
	p.Side = domain.Side(side)
	p.StopOrderKind = domain.OrderType(stopKind)
	p.TakeProfitOrderKind = domain.OrderType(tpKind)
	p.Lifecycle = domain.LifecycleState(lifecycle)
	if avg.Valid {
		v := avg.Float64
		p.EntryAverageFillPrice = &v
	}
	if p.Errors, err = decodeErrors(errs); err != nil {
		return nil, err
	}
	return p, nil
}

func scanClosed(s scanner) (*domain.ClosedPosition, error) {
	p := &domain.Position{Lifecycle: domain.StateClosed}
	c := &domain.ClosedPosition{Position: p}
	var side, reason, errs string
	var entry float64
	var closedMs int64
	err := s.Scan(
		&p.Symbol, &side, &p.FilledQuantity, &entry, &c.ExitPrice, &c.PNL, &reason,
		&p.StopUsedFallback, &p.TakeProfitUsedFallback, &p.CreatedAt, &closedMs, &errs)
	if err != nil {
		return nil, err
	}
	p.Side = domain.Side(side)
	p.RequestedQuantity = p.FilledQuantity
	p.EntryReferencePrice = entry
	p.EntryAverageFillPrice = &entry
	c.Reason = domain.CloseReason(reason)
	c.ClosedAt = time.UnixMilli(closedMs).UTC()
	closedAt := c.ClosedAt
	p.ClosedAt = &closedAt
	if p.Errors, err = decodeErrors(errs); err != nil {
		return nil, err
	}
	return c, nil
}

func encodeErrors(errs []string) (string, error) {
	if len(errs) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(errs)
	if err != nil {
		return "", fmt.Errorf("failed to encode position errors: %w", err)
	}
	return string(b), nil
}

func decodeErrors(s string) ([]string, error) {
	var errs []string
	if s == "" || s == "[]" {
		return nil, nil
	}
	if err := json.Unmarshal([]byte(s), &errs); err != nil {
		return nil, fmt.Errorf("failed to decode position errors: %w", err)
	}
	return errs, nil
}

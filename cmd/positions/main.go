// Command positions prints journaled open positions and today's realized PnL.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"cryptoBracketBot/config"
	"cryptoBracketBot/internal/adapters/logger"
	"cryptoBracketBot/internal/adapters/sqlite"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}
	appLogger := logger.New(logger.LevelWarn, cfg.LogFormat)
	ctx := context.Background()

	repo, err := sqlite.NewRepository(sqlite.Config{DBPath: cfg.DBPath, Logger: appLogger})
	if err != nil {
		log.Fatalf("FATAL: Failed to open journal: %v", err)
	}
	defer repo.Close()

	open, err := repo.LoadOpen(ctx)
	if err != nil {
		log.Fatalf("FATAL: Failed to load open positions: %v", err)
	}
	y, m, d := time.Now().UTC().Date()
	dayStart := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	pnl, trades, err := repo.RealizedSince(ctx, dayStart)
	if err != nil {
		log.Fatalf("FATAL: Failed to sum realized PnL: %v", err)
	}
	closed, err := repo.ClosedSince(ctx, dayStart)
	if err != nil {
		log.Fatalf("FATAL: Failed to load closed positions: %v", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "OPEN (%d)\n", len(open))
	fmt.Fprintln(w, "SYMBOL\tSIDE\tQTY\tENTRY\tSL\tTP\tSTATE\tSL ORDER\tTP ORDER\tERRORS")
	for _, p := range open {
		fmt.Fprintf(w, "%s\t%s\t%g\t%g\t%g\t%g\t%s\t%s\t%s\t%v\n",
			p.Symbol, p.Side, p.FilledQuantity, p.EntryPrice(), p.StopLossPrice, p.TakeProfitPrice,
			p.Lifecycle, p.StopOrderID, p.TakeProfitOrderID, p.Errors)
	}
	fmt.Fprintf(w, "\nCLOSED TODAY (%d)  realized PnL %.4f USDT\n", trades, pnl)
	fmt.Fprintln(w, "SYMBOL\tSIDE\tQTY\tENTRY\tEXIT\tPNL\tREASON\tCLOSED AT")
	for _, c := range closed {
		fmt.Fprintf(w, "%s\t%s\t%g\t%g\t%g\t%.4f\t%s\t%s\n",
			c.Position.Symbol, c.Position.Side, c.Position.FilledQuantity, c.Position.EntryPrice(),
			c.ExitPrice, c.PNL, c.Reason, c.ClosedAt.Format(time.RFC3339))
	}
	if err := w.Flush(); err != nil {
		log.Printf("failed to flush output: %v", err)
	}
}

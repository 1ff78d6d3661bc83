// Command open_bracket opens one bracketed position and prints the result as
// JSON. The position stays protected on the exchange after the command
// exits; the main bot's close monitor picks it up from the journal.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"strings"
	"time"

	"cryptoBracketBot/config"
	"cryptoBracketBot/internal/adapters/logger"
	"cryptoBracketBot/internal/app"
	"cryptoBracketBot/internal/domain"
)

func main() {
	symbol := flag.String("symbol", "BTCUSDT", "futures symbol")
	side := flag.String("side", "long", "long or short")
	price := flag.Float64("price", 0, "entry limit price, 0 uses the last price")
	qty := flag.Float64("qty", 0, "quantity, 0 sizes from equity")
	wait := flag.Bool("wait", true, "stay up for the take-profit timeout so an unfilled limit is replaced")
	flag.Parse()

	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}
	appLogger := logger.New(cfg.LogLevel, cfg.LogFormat)
	ctx := context.Background()

	// 2. Wire the bot without starting the monitor
	rt, err := app.Bootstrap(ctx, cfg, appLogger)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize application: %v", err)
	}
	defer rt.Close()
	if err := rt.Service.Prepare(ctx); err != nil {
		rt.Close()
		log.Fatalf("FATAL: Failed to prepare trading service: %v", err)
	}

	entry := *price
	if entry <= 0 {
		entry, err = rt.Client.GetTickerPrice(ctx, strings.ToUpper(*symbol))
		if err != nil {
			rt.Close()
			log.Fatalf("FATAL: Failed to read last price: %v", err)
		}
	}

	// 3. Open and protect
	res, err := rt.Service.OpenTrade(ctx, app.TradeRequest{
		Symbol:   strings.ToUpper(*symbol),
		Side:     domain.Side(strings.ToLower(*side)),
		Price:    entry,
		Quantity: *qty,
	})
	if err != nil {
		appLogger.Error(ctx, err, "Trade not opened")
	}
	if *wait && res.Opened() && res.TakeProfitOrderID != "" {
		time.Sleep(cfg.TakeProfitTimeout + cfg.FillPollInterval)
		if _, err := rt.Manager.Reconcile(ctx, res.Symbol); err != nil {
			appLogger.Warn(ctx, "Final reconciliation failed", map[string]interface{}{"error": err.Error()})
		}
		if pos, ok := rt.Store.Get(res.Symbol); ok {
			res.TakeProfitOrderID = pos.TakeProfitOrderID
			res.TakeProfitUsedFallback = pos.TakeProfitUsedFallback
			res.Lifecycle = pos.Lifecycle
			res.Errors = pos.Errors
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		log.Printf("failed to encode result: %v", err)
	}
}

package main

import (
	"context"
	"log" // Use standard log only for initial fatal errors before logger is set up

	"cryptoBracketBot/config"
	"cryptoBracketBot/internal/adapters/logger"
	"cryptoBracketBot/internal/app"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	appLogger := logger.New(cfg.LogLevel, cfg.LogFormat)
	appLogger.Info(context.Background(), "Logger initialized", map[string]interface{}{
		"level":   cfg.LogLevel.String(),
		"symbols": cfg.Symbols,
		"testnet": cfg.IsTestnet,
		"dryRun":  cfg.DryRun,
	})

	// 3. Wire adapters, risk gate and bracket manager
	rt, err := app.Bootstrap(context.Background(), cfg, appLogger)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize application")
		log.Fatalf("FATAL: Failed to initialize application: %v", err)
	}
	defer rt.Close()

	// 4. Run the close monitor until SIGINT/SIGTERM
	if err := rt.Service.Start(context.Background()); err != nil {
		appLogger.Error(context.Background(), err, "Trading service exited with error")
		rt.Close()
		log.Fatalf("FATAL: Trading service exited with error: %v", err)
	}

	appLogger.Info(context.Background(), "Application finished gracefully.")
}

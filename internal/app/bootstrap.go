package app

import (
	"context"
	"fmt"

	"cryptoBracketBot/config"
	"cryptoBracketBot/internal/adapters/binanceclient"
	"cryptoBracketBot/internal/adapters/logger"
	"cryptoBracketBot/internal/adapters/metrics"
	"cryptoBracketBot/internal/adapters/paper"
	"cryptoBracketBot/internal/adapters/sqlite"
	"cryptoBracketBot/internal/adapters/telegram"
	"cryptoBracketBot/internal/bracket"
	"cryptoBracketBot/internal/ports"
	"cryptoBracketBot/internal/risk"
	"cryptoBracketBot/internal/state"
)

// Runtime is the fully wired bot.
type Runtime struct {
	Service *TradingService
	Manager *bracket.Manager
	Store   *state.Store
	Gate    *risk.Gate
	Journal *sqlite.Repository
	Client  *binanceclient.Client
	Metrics *metrics.Prometheus

	notifier *telegram.Notifier
	logger   ports.Logger
}

// Bootstrap builds every adapter from cfg. In dry-run mode orders go to the
// paper gateway while prices still come from the exchange's public API.
func Bootstrap(ctx context.Context, cfg *config.Config, log *logger.ZeroLogger) (*Runtime, error) {
	rt := &Runtime{logger: log}

	repo, err := sqlite.NewRepository(sqlite.Config{DBPath: cfg.DBPath, Logger: log.WithComponent("journal")})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database repository: %w", err)
	}
	rt.Journal = repo

	client, err := binanceclient.New(binanceclient.Config{
		APIKey:               cfg.APIKey,
		SecretKey:            cfg.SecretKey,
		UseTestnet:           cfg.IsTestnet,
		Logger:               log.WithComponent("binance"),
		ReconnectDelay:       cfg.ReconnectDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	})
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to initialize Binance client: %w", err)
	}
	rt.Client = client
	if err := client.WaitReady(ctx); err != nil {
		rt.Close()
		return nil, err
	}

	var (
		gateway ports.ExchangeGateway = client
		account ports.AccountReader   = client
		deps    Deps
	)
	if cfg.DryRun {
		pg, err := paper.New(paper.Config{Prices: client, Logger: log.WithComponent("paper"), Equity: cfg.PaperEquityUSDT})
		if err != nil {
			rt.Close()
			return nil, err
		}
		gateway, account = pg, pg
		log.Warn(ctx, "DRY_RUN enabled: orders are simulated in memory", map[string]interface{}{"equity": cfg.PaperEquityUSDT})
	} else {
		deps.Clock = client
		deps.Leverage = client
	}

	var notifier ports.Notifier = ports.NopNotifier{}
	if cfg.TelegramEnabled() {
		tn, err := telegram.New(telegram.Config{Token: cfg.TelegramToken, ChatID: cfg.TelegramChatID, Logger: log.WithComponent("telegram")})
		if err != nil {
			log.Warn(ctx, "Telegram notifier disabled", map[string]interface{}{"error": err.Error()})
		} else {
			rt.notifier = tn
			notifier = tn
		}
	}

	rt.Metrics = metrics.NewPrometheus()
	rt.Store = state.NewStore()
	rt.Gate = risk.NewGate(risk.Config{
		MaxConcurrentPositions: cfg.MaxConcurrentPositions,
		MaxDailyLossPct:        cfg.MaxDailyLossPct,
		DailyProfitTarget:      cfg.DailyProfitTarget,
		MaxTradesPerDay:        cfg.MaxTradesPerDay,
		MaxRiskPerTradePct:     cfg.MaxRiskPerTradePct,
		PositionSizePct:        cfg.PositionSizePct,
		Leverage:               cfg.Leverage,
	}, log.WithComponent("risk"))

	retry := bracket.DefaultRetryPolicy()
	retry.MaxAttempts = cfg.PlacementAttempts
	if cfg.PlacementBackoff > 0 {
		retry.MinBackoff = cfg.PlacementBackoff
		retry.MaxBackoff = 8 * cfg.PlacementBackoff
	}
	rt.Manager = bracket.New(bracket.Config{
		EntryTimeout:      cfg.EntryFillTimeout,
		TakeProfitTimeout: cfg.TakeProfitTimeout,
		PollInterval:      cfg.FillPollInterval,
		MonitorInterval:   cfg.MonitorInterval,
		UseMarkPrice:      cfg.UseMarkPriceForSL,
		TPMinDistanceBps:  cfg.TPMinDistanceBps,
		Retry:             retry,
	}, bracket.Deps{
		Gateway:  gateway,
		Store:    rt.Store,
		Ledger:   rt.Gate,
		Journal:  repo,
		Notifier: notifier,
		Metrics:  rt.Metrics,
		Logger:   log.WithComponent("bracket"),
	})

	deps.Account = account
	deps.Manager = rt.Manager
	deps.Store = rt.Store
	deps.Gate = rt.Gate
	deps.Journal = repo
	deps.Metrics = rt.Metrics
	svc, err := NewTradingService(cfg, log.WithComponent("service"), deps)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Service = svc
	return rt, nil
}

// Close stops the watchers and notifier, then closes the database.
func (r *Runtime) Close() {
	if r.Manager != nil {
		r.Manager.Close()
	}
	if r.notifier != nil {
		r.notifier.Close()
	}
	if r.Journal != nil {
		if err := r.Journal.Close(); err != nil {
			r.logger.Error(context.Background(), err, "Error closing database repository")
		}
	}
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"cryptoBracketBot/internal/adapters/logger"
)

// Config holds all application configuration.
type Config struct {
	// Binance API
	APIKey    string
	SecretKey string
	IsTestnet bool
	DryRun    bool // route orders through the in-memory paper gateway

	// Trading Parameters
	Symbols  []string
	Leverage int

	// Bracket Parameters
	StopLossPct       float64 // e.g. 0.002 for 0.2%
	RiskRewardRatio   float64 // take-profit distance / stop distance
	EntryFillTimeout  time.Duration
	TakeProfitTimeout time.Duration
	FillPollInterval  time.Duration
	MonitorInterval   time.Duration
	UseMarkPriceForSL bool
	TPMinDistanceBps  float64
	PlacementAttempts int
	PlacementBackoff  time.Duration
	PaperEquityUSDT   float64

	// Risk Parameters
	MaxConcurrentPositions int
	MaxDailyLossPct        float64
	DailyProfitTarget      float64 // absolute quote currency, 0 disables
	MaxTradesPerDay        int
	MaxRiskPerTradePct     float64
	PositionSizePct        float64

	// Database
	DBPath string

	// Logging
	LogLevel  logger.LogLevel
	LogFormat logger.Format

	// Notifications
	TelegramToken  string
	TelegramChatID int64

	// Metrics
	MetricsAddr string

	// Connection Settings
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string // Collect validation errors

	// Binance API
	cfg.APIKey = getEnv("BINANCE_API_KEY", "")
	cfg.SecretKey = getEnv("BINANCE_API_SECRET", "")
	cfg.IsTestnet = getEnvAsBool("IS_TESTNET", true) // Default to testnet for safety
	cfg.DryRun = getEnvAsBool("DRY_RUN", false)

	// Paper trading still reads public market data, keys are optional there.
	if !cfg.DryRun {
		if cfg.APIKey == "" {
			errs = append(errs, "BINANCE_API_KEY must be set")
		}
		if cfg.SecretKey == "" {
			errs = append(errs, "BINANCE_API_SECRET must be set")
		}
	}

	// Trading Parameters
	cfg.Symbols = getEnvAsList("SYMBOLS", []string{"BTCUSDT", "ETHUSDT"})
	if len(cfg.Symbols) == 0 {
		errs = append(errs, "SYMBOLS must list at least one symbol")
	}

	cfg.Leverage, err = getEnvAsIntRequired("LEVERAGE", 5)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid LEVERAGE: %v", err))
	} else if cfg.Leverage <= 0 {
		errs = append(errs, "LEVERAGE must be positive")
	}

	// Bracket Parameters
	cfg.StopLossPct, err = getEnvAsFloatRequired("STOP_LOSS_PCT", 0.002)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid STOP_LOSS_PCT: %v", err))
	} else if cfg.StopLossPct <= 0 || cfg.StopLossPct >= 1.0 {
		errs = append(errs, "STOP_LOSS_PCT must be between 0.0 and 1.0 (exclusive)")
	}

	cfg.RiskRewardRatio, err = getEnvAsFloatRequired("RISK_REWARD_RATIO", 1.5)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid RISK_REWARD_RATIO: %v", err))
	} else if cfg.RiskRewardRatio <= 0 {
		errs = append(errs, "RISK_REWARD_RATIO must be positive")
	}

	entryTimeoutSec := getEnvAsInt("ENTRY_FILL_TIMEOUT_SEC", 60)
	tpTimeoutSec := getEnvAsInt("TP_TIMEOUT_SEC", 10)
	if entryTimeoutSec <= 0 {
		errs = append(errs, "ENTRY_FILL_TIMEOUT_SEC must be positive")
	}
	if tpTimeoutSec <= 0 {
		errs = append(errs, "TP_TIMEOUT_SEC must be positive")
	}
	if tpTimeoutSec >= entryTimeoutSec {
		errs = append(errs, "TP_TIMEOUT_SEC must be shorter than ENTRY_FILL_TIMEOUT_SEC")
	}
	cfg.EntryFillTimeout = time.Duration(entryTimeoutSec) * time.Second
	cfg.TakeProfitTimeout = time.Duration(tpTimeoutSec) * time.Second

	pollMs := getEnvAsInt("FILL_POLL_INTERVAL_MS", 500)
	if pollMs <= 0 {
		errs = append(errs, "FILL_POLL_INTERVAL_MS must be positive")
	}
	cfg.FillPollInterval = time.Duration(pollMs) * time.Millisecond

	monitorSec := getEnvAsInt("MONITOR_INTERVAL_SEC", 2)
	if monitorSec <= 0 {
		errs = append(errs, "MONITOR_INTERVAL_SEC must be positive")
	}
	cfg.MonitorInterval = time.Duration(monitorSec) * time.Second

	cfg.UseMarkPriceForSL = getEnvAsBool("USE_MARK_PRICE_FOR_SL", true)

	cfg.TPMinDistanceBps, err = getEnvAsFloatRequired("TP_MIN_DISTANCE_BPS", 2)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid TP_MIN_DISTANCE_BPS: %v", err))
	} else if cfg.TPMinDistanceBps < 0 {
		errs = append(errs, "TP_MIN_DISTANCE_BPS cannot be negative")
	}

	cfg.PlacementAttempts = getEnvAsInt("PLACEMENT_MAX_ATTEMPTS", 2)
	if cfg.PlacementAttempts <= 0 {
		errs = append(errs, "PLACEMENT_MAX_ATTEMPTS must be positive")
	}
	backoffMs := getEnvAsInt("PLACEMENT_BACKOFF_MS", 250)
	if backoffMs < 0 {
		errs = append(errs, "PLACEMENT_BACKOFF_MS cannot be negative")
	}
	cfg.PlacementBackoff = time.Duration(backoffMs) * time.Millisecond

	cfg.PaperEquityUSDT, err = getEnvAsFloatRequired("PAPER_EQUITY_USDT", 10000)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid PAPER_EQUITY_USDT: %v", err))
	} else if cfg.PaperEquityUSDT <= 0 {
		errs = append(errs, "PAPER_EQUITY_USDT must be positive")
	}

	// Risk Parameters
	cfg.MaxConcurrentPositions = getEnvAsInt("MAX_CONCURRENT_POSITIONS", 5)
	if cfg.MaxConcurrentPositions <= 0 {
		errs = append(errs, "MAX_CONCURRENT_POSITIONS must be positive")
	}

	cfg.MaxDailyLossPct, err = getEnvAsFloatRequired("MAX_DAILY_LOSS_PCT", 0.05)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_DAILY_LOSS_PCT: %v", err))
	} else if cfg.MaxDailyLossPct <= 0 || cfg.MaxDailyLossPct >= 1.0 {
		errs = append(errs, "MAX_DAILY_LOSS_PCT must be between 0.0 and 1.0 (exclusive)")
	}

	cfg.DailyProfitTarget, err = getEnvAsFloatRequired("DAILY_PROFIT_TARGET", 50)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid DAILY_PROFIT_TARGET: %v", err))
	} else if cfg.DailyProfitTarget < 0 {
		errs = append(errs, "DAILY_PROFIT_TARGET cannot be negative")
	}

	cfg.MaxTradesPerDay, err = getEnvAsIntRequired("MAX_TRADES_PER_DAY", 50)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_TRADES_PER_DAY: %v", err))
	} else if cfg.MaxTradesPerDay < 0 {
		errs = append(errs, "MAX_TRADES_PER_DAY cannot be negative")
	}

	cfg.MaxRiskPerTradePct, err = getEnvAsFloatRequired("MAX_RISK_PER_TRADE_PCT", 0.01)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_RISK_PER_TRADE_PCT: %v", err))
	} else if cfg.MaxRiskPerTradePct <= 0 || cfg.MaxRiskPerTradePct >= 1.0 {
		errs = append(errs, "MAX_RISK_PER_TRADE_PCT must be between 0.0 and 1.0 (exclusive)")
	}

	cfg.PositionSizePct, err = getEnvAsFloatRequired("POSITION_SIZE_PCT", 0.02)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid POSITION_SIZE_PCT: %v", err))
	} else if cfg.PositionSizePct <= 0 || cfg.PositionSizePct > 1.0 {
		errs = append(errs, "POSITION_SIZE_PCT must be in (0.0, 1.0]")
	}

	// Database
	cfg.DBPath = getEnv("DB_PATH", "./data/bracket_bot.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	// Logging
	cfg.LogLevel = logger.ParseLevel(getEnv("LOG_LEVEL", "INFO"))
	switch format := strings.ToLower(getEnv("LOG_FORMAT", "console")); format {
	case "console", "json":
		cfg.LogFormat = logger.Format(format)
	default:
		errs = append(errs, fmt.Sprintf("LOG_FORMAT must be console or json, got %q", format))
	}

	// Notifications (optional; both or neither)
	cfg.TelegramToken = getEnv("TELEGRAM_BOT_TOKEN", "")
	if chat := getEnv("TELEGRAM_CHAT_ID", ""); chat != "" {
		cfg.TelegramChatID, err = strconv.ParseInt(chat, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Sprintf("invalid TELEGRAM_CHAT_ID: %v", err))
		}
	}
	if cfg.TelegramToken != "" && cfg.TelegramChatID == 0 {
		errs = append(errs, "TELEGRAM_CHAT_ID must be set when TELEGRAM_BOT_TOKEN is set")
	}

	cfg.MetricsAddr = getEnv("METRICS_ADDR", ":9102")

	// Connection Settings
	reconnectDelaySeconds := getEnvAsInt("RECONNECT_DELAY_SECONDS", 5)
	if reconnectDelaySeconds <= 0 {
		errs = append(errs, "RECONNECT_DELAY_SECONDS must be positive")
	}
	cfg.ReconnectDelay = time.Duration(reconnectDelaySeconds) * time.Second

	cfg.MaxReconnectAttempts = getEnvAsInt("MAX_RECONNECT_ATTEMPTS", 10)
	if cfg.MaxReconnectAttempts < 0 {
		errs = append(errs, "MAX_RECONNECT_ATTEMPTS cannot be negative")
	}

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// TelegramEnabled reports whether a notification channel is configured.
func (c *Config) TelegramEnabled() bool {
	return c.TelegramToken != "" && c.TelegramChatID != 0
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if s := strings.ToUpper(strings.TrimSpace(part)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsIntRequired(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, fmt.Errorf("invalid integer value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsFloatRequired(key string, defaultValue float64) (float64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

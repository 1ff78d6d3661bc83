package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptoBracketBot/internal/adapters/logger"
)

func setRequiredKeys(t *testing.T) {
	t.Setenv("BINANCE_API_KEY", "key")
	t.Setenv("BINANCE_API_SECRET", "secret")
}

func TestLoadConfig_Defaults(t *testing.T) {
	setRequiredKeys(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.True(t, cfg.IsTestnet)
	assert.False(t, cfg.DryRun)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.Symbols)
	assert.Equal(t, 5, cfg.Leverage)
	assert.InDelta(t, 0.002, cfg.StopLossPct, 1e-12)
	assert.InDelta(t, 1.5, cfg.RiskRewardRatio, 1e-12)
	assert.Equal(t, 60*time.Second, cfg.EntryFillTimeout)
	assert.Equal(t, 10*time.Second, cfg.TakeProfitTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.FillPollInterval)
	assert.Equal(t, 2*time.Second, cfg.MonitorInterval)
	assert.True(t, cfg.UseMarkPriceForSL)
	assert.Equal(t, 2, cfg.PlacementAttempts)
	assert.Equal(t, 5, cfg.MaxConcurrentPositions)
	assert.Equal(t, "./data/bracket_bot.db", cfg.DBPath)
	assert.Equal(t, logger.LevelInfo, cfg.LogLevel)
	assert.Equal(t, logger.FormatConsole, cfg.LogFormat)
	assert.Equal(t, ":9102", cfg.MetricsAddr)
	assert.False(t, cfg.TelegramEnabled())
}

func TestLoadConfig_Overrides(t *testing.T) {
	setRequiredKeys(t)
	t.Setenv("SYMBOLS", " solusdt, ,XRPUSDT ")
	t.Setenv("STOP_LOSS_PCT", "0.01")
	t.Setenv("TP_TIMEOUT_SEC", "5")
	t.Setenv("LOG_FORMAT", "JSON")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("TELEGRAM_BOT_TOKEN", "tok")
	t.Setenv("TELEGRAM_CHAT_ID", "-100123")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, []string{"SOLUSDT", "XRPUSDT"}, cfg.Symbols)
	assert.InDelta(t, 0.01, cfg.StopLossPct, 1e-12)
	assert.Equal(t, 5*time.Second, cfg.TakeProfitTimeout)
	assert.Equal(t, logger.FormatJSON, cfg.LogFormat)
	assert.Equal(t, logger.LevelDebug, cfg.LogLevel)
	assert.Equal(t, int64(-100123), cfg.TelegramChatID)
	assert.True(t, cfg.TelegramEnabled())
}

func TestLoadConfig_DryRunSkipsKeys(t *testing.T) {
	t.Setenv("BINANCE_API_KEY", "")
	t.Setenv("BINANCE_API_SECRET", "")
	t.Setenv("DRY_RUN", "true")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.True(t, cfg.DryRun)
}

func TestLoadConfig_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"missing key", map[string]string{"BINANCE_API_KEY": ""}, "BINANCE_API_KEY must be set"},
		{"stop out of range", map[string]string{"STOP_LOSS_PCT": "1.5"}, "STOP_LOSS_PCT must be between"},
		{"stop not a number", map[string]string{"STOP_LOSS_PCT": "abc"}, "invalid STOP_LOSS_PCT"},
		{"tp timeout too long", map[string]string{"TP_TIMEOUT_SEC": "90"}, "TP_TIMEOUT_SEC must be shorter"},
		{"bad log format", map[string]string{"LOG_FORMAT": "xml"}, "LOG_FORMAT must be console or json"},
		{"telegram without chat", map[string]string{"TELEGRAM_BOT_TOKEN": "tok"}, "TELEGRAM_CHAT_ID must be set"},
		{"zero positions", map[string]string{"MAX_CONCURRENT_POSITIONS": "0"}, "MAX_CONCURRENT_POSITIONS must be positive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredKeys(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

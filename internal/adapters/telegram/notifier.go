package telegram

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"cryptoBracketBot/internal/ports"
)

const queueSize = 64

// Config holds configuration for the Telegram notifier.
type Config struct {
	Token       string
	ChatID      int64
	APIEndpoint string // defaults to tgbotapi.APIEndpoint
	Logger      ports.Logger
}

// Notifier implements ports.Notifier by posting messages to one Telegram chat.
// Messages are queued and delivered by a background goroutine so callers
// holding a symbol lock never wait on the Telegram API.
type Notifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger ports.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan string
	done   chan struct{}
}

// New authorizes the bot and starts the delivery loop.
func New(cfg Config) (*Notifier, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Telegram notifier")
	}
	if cfg.Token == "" || cfg.ChatID == 0 {
		return nil, fmt.Errorf("telegram notifier: %w: token and chat id are required", ports.ErrConfigurationError)
	}
	endpoint := cfg.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}

	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Token, endpoint, &http.Client{Timeout: 10 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("telegram notifier: failed to init bot: %w", err)
	}
	cfg.Logger.Info(context.Background(), "Telegram notifier authorized", map[string]interface{}{"account": bot.Self.UserName})

	n := &Notifier{
		bot:    bot,
		chatID: cfg.ChatID,
		logger: cfg.Logger,
		queue:  make(chan string, queueSize),
		done:   make(chan struct{}),
	}
	go n.loop()
	return n, nil
}

// Notify enqueues text for delivery. When the queue is full the message is
// dropped and a warning logged.
func (n *Notifier) Notify(ctx context.Context, text string) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return
	}
	select {
	case n.queue <- text:
	default:
		n.logger.Warn(ctx, "Telegram queue full, dropping notification", map[string]interface{}{"text": text})
	}
}

// Close stops accepting messages and waits until queued ones are sent.
func (n *Notifier) Close() {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.queue)
	}
	n.mu.Unlock()
	<-n.done
}

func (n *Notifier) loop() {
	defer close(n.done)
	for text := range n.queue {
		msg := tgbotapi.NewMessage(n.chatID, text)
		msg.DisableWebPagePreview = true
		if _, err := n.bot.Send(msg); err != nil {
			n.logger.Error(context.Background(), err, "Telegram send failed", map[string]interface{}{"chatID": n.chatID})
		}
	}
}

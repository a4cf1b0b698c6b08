package alerting

import (
	"context"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Alias1177/Sentinel/config"
	phttp "github.com/Alias1177/Sentinel/internal/platform/http"
	"github.com/Alias1177/Sentinel/internal/telemetry"
	"github.com/Alias1177/Sentinel/models"
)

const queueSize = 64

// Sender is the part of tgbotapi.BotAPI the notifier needs
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Notifier posts trust-level and market-state transitions to a Telegram chat.
// Enqueueing never blocks: alerts beyond the per-minute budget or a full queue
// are dropped and counted.
type Notifier struct {
	sender  Sender
	chatID  int64
	limiter *rate.Limiter
	queue   chan string
	logger  zerolog.Logger
	metrics *telemetry.Metrics
}

// NewBot authorizes a bot that talks to Telegram through the rate limited,
// retrying transport.
func NewBot(cfg config.TelegramConfig) (*tgbotapi.BotAPI, error) {
	client := phttp.NewClient(phttp.ClientOptions{
		Timeout:         10 * time.Second,
		RequestsPerSec:  1,
		MaxRetryTimeout: 30 * time.Second,
	})
	bot, err := tgbotapi.NewBotAPIWithClient(cfg.BotToken, tgbotapi.APIEndpoint, client)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return bot, nil
}

// NewNotifier creates a notifier. maxPerMinute <= 0 disables the budget.
func NewNotifier(sender Sender, chatID int64, maxPerMinute int, logger zerolog.Logger, metrics *telemetry.Metrics) *Notifier {
	limit := rate.Inf
	burst := 1
	if maxPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(maxPerMinute))
		burst = maxPerMinute
	}
	return &Notifier{
		sender:  sender,
		chatID:  chatID,
		limiter: rate.NewLimiter(limit, burst),
		queue:   make(chan string, queueSize),
		logger:  logger.With().Str("component", "alerting").Logger(),
		metrics: metrics,
	}
}

// Run delivers queued alerts until ctx is done, then flushes what is left
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case text := <-n.queue:
			n.deliver(text)
		case <-ctx.Done():
			for {
				select {
				case text := <-n.queue:
					n.deliver(text)
				default:
					return
				}
			}
		}
	}
}

// TrustLevelChanged queues an alert when an instrument's level moves
func (n *Notifier) TrustLevelChanged(instrument string, prev, cur models.TrustState) {
	if prev.Level == cur.Level {
		return
	}
	n.enqueue(FormatTrustTransition(instrument, prev, cur))
}

// MarketStateChanged queues an alert when the market state moves
func (n *Notifier) MarketStateChanged(prev, cur models.StabilityReport) {
	if prev.MarketState == cur.MarketState {
		return
	}
	n.enqueue(FormatMarketTransition(prev, cur))
}

func (n *Notifier) enqueue(text string) {
	if !n.limiter.Allow() {
		n.logger.Warn().Msg("alert budget exhausted, dropping alert")
		n.metrics.AlertDropped("rate_limited")
		return
	}
	select {
	case n.queue <- text:
	default:
		n.logger.Warn().Msg("alert queue full, dropping alert")
		n.metrics.AlertDropped("queue_full")
	}
}

func (n *Notifier) deliver(text string) {
	msg := tgbotapi.NewMessage(n.chatID, text)
	if _, err := n.sender.Send(msg); err != nil {
		n.logger.Error().Err(err).Msg("failed to send alert")
		n.metrics.AlertDropped("send_failed")
		return
	}
	n.metrics.AlertSent()
}

// FormatTrustTransition renders a trust-level change
func FormatTrustTransition(instrument string, prev, cur models.TrustState) string {
	icon := "⚠️"
	switch cur.Level {
	case models.LevelDangerous:
		icon = "🛑"
	case models.LevelSafe:
		icon = "✅"
	}
	return fmt.Sprintf("%s %s trust %s → %s\nScore: %.1f (was %.1f)\nAt: %s",
		icon, instrument, prev.Level, cur.Level, cur.Score, prev.Score,
		cur.LastUpdated.UTC().Format(time.RFC3339))
}

// FormatMarketTransition renders a market-state change
func FormatMarketTransition(prev, cur models.StabilityReport) string {
	return fmt.Sprintf("📊 Market state %s → %s\nMSI: %.1f (was %.1f)\nRisk: %s",
		prev.MarketState, cur.MarketState, cur.MSIScore, prev.MSIScore, cur.RiskLevel)
}

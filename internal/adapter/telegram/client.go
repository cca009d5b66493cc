// Package telegram wraps the Telegram Bot API: sending text, registering the
// webhook, long polling, and converting updates into chat messages.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/pscheid92/chatbridge/internal/adapter/metrics"
	"github.com/pscheid92/chatbridge/internal/domain"
	"github.com/sony/gobreaker"
)

const (
	DefaultAPIEndpoint = tgbotapi.APIEndpoint

	breakerName        = "telegram"
	breakerTripAfter   = 5
	breakerOpenTimeout = 30 * time.Second
	pollTimeoutSeconds = 30
	defaultHTTPTimeout = 45 * time.Second
)

// ErrUnavailable is returned while the circuit breaker is open.
var ErrUnavailable = errors.New("telegram unavailable")

type Config struct {
	Token string
	// APIEndpoint is a format string taking the token and the method
	// ("https://api.telegram.org/bot%s/%s").
	APIEndpoint string
	HTTPClient  *http.Client
	Metrics     *metrics.BreakerMetrics
}

// Client sends messages through the Bot API behind a circuit breaker.
type Client struct {
	bot     *tgbotapi.BotAPI
	breaker *gobreaker.CircuitBreaker
}

var _ domain.Messenger = (*Client)(nil)

// NewClient connects to the Bot API and verifies the token with getMe.
func NewClient(cfg Config) (*Client, error) {
	endpoint := cfg.APIEndpoint
	if endpoint == "" {
		endpoint = DefaultAPIEndpoint
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Token, endpoint, httpClient)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to telegram: %w", err)
	}
	slog.Info("Telegram bot connected", "username", bot.Self.UserName)

	return &Client{
		bot:     bot,
		breaker: newBreaker(cfg.Metrics),
	}, nil
}

// newBreaker trips after consecutive send failures and probes again after
// breakerOpenTimeout.
func newBreaker(m *metrics.BreakerMetrics) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Timeout:     breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerTripAfter
		},
		IsSuccessful: func(err error) bool {
			// A rejected request (bad chat id, blocked by user) is not an outage.
			var apiErr *tgbotapi.Error
			return err == nil || errors.As(err, &apiErr)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Circuit breaker state changed", "component", name, "from", from.String(), "to", to.String())
			m.Transition(name, to.String(), breakerStateValue(to))
		},
	})
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return metrics.BreakerHalfOpen
	case gobreaker.StateOpen:
		return metrics.BreakerOpen
	default:
		return metrics.BreakerClosed
	}
}

// Username returns the bot's @username as reported by getMe.
func (c *Client) Username() string {
	return c.bot.Self.UserName
}

// BreakerState reports the send circuit breaker state.
func (c *Client) BreakerState() gobreaker.State {
	return c.breaker.State()
}

func (c *Client) SendText(ctx context.Context, chatID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := c.breaker.Execute(func() (any, error) {
		return c.bot.Send(tgbotapi.NewMessage(chatID, text))
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err != nil {
		return fmt.Errorf("failed to send telegram message to chat %d: %w", chatID, err)
	}
	return nil
}

// SetWebhook points Telegram at url. secret is echoed back by Telegram in the
// X-Telegram-Bot-Api-Secret-Token header of every delivery.
func (c *Client) SetWebhook(ctx context.Context, url, secret string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	params := tgbotapi.Params{"url": url}
	if secret != "" {
		params["secret_token"] = secret
	}
	if _, err := c.bot.MakeRequest("setWebhook", params); err != nil {
		return fmt.Errorf("failed to set telegram webhook: %w", err)
	}
	slog.InfoContext(ctx, "Telegram webhook registered", "url", url)
	return nil
}

// DeleteWebhook removes any webhook so getUpdates can be used.
func (c *Client) DeleteWebhook(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := c.bot.MakeRequest("deleteWebhook", nil); err != nil {
		return fmt.Errorf("failed to delete telegram webhook: %w", err)
	}
	return nil
}

// UpdateHandler processes one inbound chat message.
type UpdateHandler func(ctx context.Context, msg domain.ChatMessage)

// Poll receives updates by long polling until ctx is cancelled. Updates that
// carry no text are skipped.
func (c *Client) Poll(ctx context.Context, handle UpdateHandler) error {
	if err := c.DeleteWebhook(ctx); err != nil {
		return err
	}

	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = pollTimeoutSeconds
	updates := c.bot.GetUpdatesChan(cfg)
	slog.Info("Telegram long polling started")

	for {
		select {
		case <-ctx.Done():
			c.bot.StopReceivingUpdates()
			slog.Info("Telegram long polling stopped")
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if msg, ok := ToChatMessage(update); ok {
				handle(ctx, msg)
			}
		}
	}
}

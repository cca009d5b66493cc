package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"8080"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	DatabaseURL        string `env:"DATABASE_URL"`
	RedisURL           string `env:"REDIS_URL"`
	TokenEncryptionKey string `env:"TOKEN_ENCRYPTION_KEY"`

	SessionSecret string        `env:"SESSION_SECRET"`
	SessionMaxAge time.Duration `env:"SESSION_MAX_AGE" default:"1h"`
	AdminAPIKey   string        `env:"ADMIN_API_KEY"`

	PortalDomain           string        `env:"PORTAL_DOMAIN"`
	PortalClientID         string        `env:"PORTAL_CLIENT_ID"`
	PortalClientSecret     string        `env:"PORTAL_CLIENT_SECRET"`
	PortalRedirectURI      string        `env:"PORTAL_REDIRECT_URI"`
	PortalOAuthURL         string        `env:"PORTAL_OAUTH_URL" default:"https://oauth.bitrix.info"`
	PortalWebhookURL       string        `env:"PORTAL_WEBHOOK_URL"`
	PortalApplicationToken string        `env:"PORTAL_APPLICATION_TOKEN"`
	PortalEventHandlerURL  string        `env:"PORTAL_EVENT_HANDLER_URL"`
	PortalBotCode          string        `env:"PORTAL_BOT_CODE" default:"telegram_bridge"`
	PortalBotName          string        `env:"PORTAL_BOT_NAME" default:"Telegram Bridge"`
	PortalResponsibleID    int64         `env:"PORTAL_RESPONSIBLE_ID" default:"1"`
	PortalTimeout          time.Duration `env:"PORTAL_TIMEOUT" default:"10s"`

	TelegramToken         string `env:"TELEGRAM_TOKEN"`
	TelegramAPIEndpoint   string `env:"TELEGRAM_API_ENDPOINT" default:"https://api.telegram.org/bot%s/%s"`
	TelegramWebhookURL    string `env:"TELEGRAM_WEBHOOK_URL"`
	TelegramWebhookSecret string `env:"TELEGRAM_WEBHOOK_SECRET"`
	TelegramDefaultChatID int64  `env:"TELEGRAM_DEFAULT_CHAT_ID"`

	WebhookRateLimit float64 `env:"WEBHOOK_RATE_LIMIT" default:"20"`
	WebhookRateBurst int     `env:"WEBHOOK_RATE_BURST" default:"40"`
}

// Load reads configuration from the environment (and an optional .env file).
// Only formats are validated here; features whose settings are missing are
// disabled individually at runtime.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.TokenEncryptionKey != "" {
		keyBytes, err := hex.DecodeString(cfg.TokenEncryptionKey)
		if err != nil {
			return fmt.Errorf("TOKEN_ENCRYPTION_KEY must be valid hex: %w", err)
		}
		if len(keyBytes) != 32 {
			return fmt.Errorf("TOKEN_ENCRYPTION_KEY must be exactly 64 hex characters (32 bytes), got %d bytes", len(keyBytes))
		}
	}

	if cfg.TelegramWebhookSecret != "" && (len(cfg.TelegramWebhookSecret) > 256 || !isSecretToken(cfg.TelegramWebhookSecret)) {
		return errors.New("TELEGRAM_WEBHOOK_SECRET must be 1-256 characters of A-Z, a-z, 0-9, _ or -")
	}

	if cfg.TelegramWebhookURL != "" && cfg.TelegramWebhookSecret == "" {
		return errors.New("TELEGRAM_WEBHOOK_SECRET is required when TELEGRAM_WEBHOOK_URL is set")
	}

	if cfg.SessionSecret != "" && len(cfg.SessionSecret) < 16 {
		return errors.New("SESSION_SECRET must be at least 16 characters")
	}

	if cfg.PortalTimeout <= 0 {
		return errors.New("PORTAL_TIMEOUT must be positive")
	}

	return nil
}

func isSecretToken(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

// OAuthEnabled reports whether the portal authorization-code flow can run.
func (c *Config) OAuthEnabled() bool {
	return c.PortalClientID != "" && c.PortalClientSecret != "" && c.SessionSecret != ""
}

// TelegramEnabled reports whether a Telegram bot token is configured.
func (c *Config) TelegramEnabled() bool {
	return c.TelegramToken != ""
}

// TelegramWebhookMode reports whether Telegram pushes updates to our webhook
// instead of being polled.
func (c *Config) TelegramWebhookMode() bool {
	return c.TelegramEnabled() && c.TelegramWebhookURL != ""
}

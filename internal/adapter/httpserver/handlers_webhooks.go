package httpserver

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/chatbridge/internal/adapter/bitrix"
	"github.com/pscheid92/chatbridge/internal/adapter/telegram"
	apperrors "github.com/pscheid92/chatbridge/internal/platform/errors"
)

const maxWebhookBody = 1 << 20

func (s *Server) registerWebhookRoutes(rateLimiter echo.MiddlewareFunc) {
	s.echo.POST("/webhooks/telegram", s.handleTelegramWebhook, rateLimiter)
	s.echo.POST("/webhooks/portal", s.handlePortalWebhook, rateLimiter)
}

// handleTelegramWebhook answers 200 for every authenticated delivery, even
// when processing fails, so Telegram does not redeliver the update. The
// endpoint only exists in webhook mode and always requires the secret.
func (s *Server) handleTelegramWebhook(c echo.Context) error {
	if !s.config.TelegramEnabled() {
		return apperrors.UnavailableError("telegram is not configured (TELEGRAM_TOKEN)")
	}

	if !s.config.TelegramWebhookMode() {
		return apperrors.NotFoundError("telegram updates are received by polling")
	}
	secret := s.config.TelegramWebhookSecret
	if secret == "" {
		return apperrors.UnavailableError("telegram webhook secret is not configured (TELEGRAM_WEBHOOK_SECRET)")
	}
	got := c.Request().Header.Get(telegram.SecretHeader)
	if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
		return apperrors.UnauthorizedError("invalid webhook secret")
	}

	ctx := c.Request().Context()

	update, err := telegram.DecodeUpdate(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		slog.WarnContext(ctx, "Dropping undecodable Telegram update", "error", err)
		return c.NoContent(http.StatusOK)
	}

	msg, ok := telegram.ToChatMessage(update)
	if !ok {
		slog.DebugContext(ctx, "Ignoring Telegram update without text", "update_id", update.UpdateID)
		return c.NoContent(http.StatusOK)
	}

	if err := s.app.HandleChatMessage(ctx, msg); err != nil {
		slog.ErrorContext(ctx, "Failed to handle Telegram message", "update_id", update.UpdateID, "chat_id", msg.ChatID, "error", err)
	}
	return c.NoContent(http.StatusOK)
}

func (s *Server) handlePortalWebhook(c echo.Context) error {
	ctx := c.Request().Context()

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return apperrors.ValidationError("failed to read request body")
	}

	event, err := bitrix.ParseEvent(c.Request().Header.Get(echo.HeaderContentType), body, s.clock.Now())
	if errors.Is(err, bitrix.ErrInvalidEvent) {
		return apperrors.ValidationError(err.Error())
	}
	if err != nil {
		return apperrors.InternalError("failed to parse portal event", err)
	}

	outcome, err := s.app.HandlePortalEvent(ctx, event)
	if err != nil {
		return err
	}

	slog.InfoContext(ctx, "Portal event handled", "event", event.Type, "outcome", outcome)
	if err := c.JSON(http.StatusOK, map[string]string{"event": event.Type, "outcome": string(outcome)}); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

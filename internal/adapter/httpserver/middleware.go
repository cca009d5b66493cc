package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/chatbridge/internal/adapter/bitrix"
	"github.com/pscheid92/chatbridge/internal/adapter/telegram"
	"github.com/pscheid92/chatbridge/internal/domain"
	"github.com/pscheid92/chatbridge/internal/platform/correlation"
	apperrors "github.com/pscheid92/chatbridge/internal/platform/errors"
)

// requestIDMiddleware tags the request context with the inbound
// X-Request-ID (or a fresh id) and echoes it back.
func requestIDMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := correlation.FromHeader(c.Request().Header.Get(correlation.HeaderName))
		ctx := correlation.WithID(c.Request().Context(), id)
		c.SetRequest(c.Request().WithContext(ctx))
		c.Response().Header().Set(correlation.HeaderName, id)
		return next(c)
	}
}

func ErrorHandlingMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			if err == nil {
				return nil
			}

			var httpErr *echo.HTTPError
			if errors.As(err, &httpErr) {
				return err
			}

			return HandleError(c, err)
		}
	}
}

// toStructuredError maps domain and adapter errors onto the response
// taxonomy. Portal envelopes keep their own code and description.
func toStructuredError(err error) *apperrors.Error {
	var structured *apperrors.Error
	if errors.As(err, &structured) {
		return structured
	}

	var apiErr *bitrix.APIError
	if errors.As(err, &apiErr) {
		msg := apiErr.Description
		if msg == "" {
			msg = "portal API error"
		}
		return apperrors.ExternalError(msg, err).WithCode(apiErr.Code)
	}

	var tgErr *tgbotapi.Error
	var refreshErr *bitrix.TokenRefreshError
	switch {
	case errors.Is(err, domain.ErrNotAuthorized):
		return apperrors.UnauthorizedError("portal is not authorized, install the app first").WithCode("not_authorized")
	case errors.As(err, &refreshErr):
		return apperrors.ExternalError("portal token refresh failed", err).WithCode("token_refresh_failed")
	case errors.Is(err, domain.ErrBotNotFound):
		return apperrors.NotFoundError("bot is not registered")
	case errors.Is(err, domain.ErrLinkNotFound):
		return apperrors.NotFoundError("chat link not found")
	case errors.Is(err, domain.ErrTokenNotFound):
		return apperrors.NotFoundError("no portal token stored")
	case errors.Is(err, telegram.ErrUnavailable):
		return apperrors.ExternalError("telegram is temporarily unavailable", err).WithCode("telegram_unavailable")
	case errors.As(err, &tgErr):
		return apperrors.ExternalError(tgErr.Message, err).WithCode("telegram_error")
	case errors.Is(err, context.DeadlineExceeded):
		return apperrors.ExternalError("upstream request timed out", err).WithCode("timeout")
	default:
		return apperrors.AsStructuredError(err)
	}
}

func logError(c echo.Context, err *apperrors.Error) {
	ctx := c.Request().Context()
	attrs := []any{
		"error_type", err.Type,
		"message", err.Message,
		"path", c.Request().URL.Path,
		"method", c.Request().Method,
		"status", err.HTTPStatus(),
	}
	if err.Code != "" {
		attrs = append(attrs, "code", err.Code)
	}

	for k, v := range err.Context {
		attrs = append(attrs, k, v)
	}

	switch err.Type {
	case apperrors.TypeValidation:
		slog.InfoContext(ctx, "Validation error", attrs...)
	case apperrors.TypeNotFound:
		slog.InfoContext(ctx, "Not found", attrs...)
	case apperrors.TypeUnauthorized:
		slog.InfoContext(ctx, "Unauthorized", attrs...)
	case apperrors.TypeConflict:
		slog.WarnContext(ctx, "Conflict", attrs...)
	case apperrors.TypeUnavailable:
		slog.WarnContext(ctx, "Feature unavailable", attrs...)
	case apperrors.TypeInternal:
		if err.Cause != nil {
			attrs = append(attrs, "cause", err.Cause)
		}
		slog.ErrorContext(ctx, "Internal error", attrs...)
	case apperrors.TypeExternal:
		if err.Cause != nil {
			attrs = append(attrs, "cause", err.Cause)
		}
		slog.ErrorContext(ctx, "External service error", attrs...)
	default:
		slog.ErrorContext(ctx, "Unknown error type", attrs...)
	}
}

func HandleError(c echo.Context, err error) error {
	if err == nil {
		return nil
	}

	structuredErr := toStructuredError(err)
	logError(c, structuredErr)
	if err := c.JSON(structuredErr.HTTPStatus(), structuredErr.ToResponse()); err != nil {
		return fmt.Errorf("failed to write error response: %w", err)
	}
	return nil
}

// requireAPIKey guards the admin API. Without a configured key the whole
// API is unavailable.
func (s *Server) requireAPIKey(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.config.AdminAPIKey == "" {
			return apperrors.UnavailableError("admin API is not configured (ADMIN_API_KEY)")
		}
		return next(c)
	}
}

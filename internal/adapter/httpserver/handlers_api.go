package httpserver

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pscheid92/chatbridge/internal/app"
	apperrors "github.com/pscheid92/chatbridge/internal/platform/errors"
)

const apiKeyHeader = "X-API-Key"

func (s *Server) registerAPIRoutes() {
	api := s.echo.Group("/api", s.requireAPIKey, middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		KeyLookup: "header:" + apiKeyHeader,
		Validator: func(key string, _ echo.Context) (bool, error) {
			return subtle.ConstantTimeCompare([]byte(key), []byte(s.config.AdminAPIKey)) == 1, nil
		},
		ErrorHandler: func(error, echo.Context) error {
			return apperrors.UnauthorizedError("missing or invalid " + apiKeyHeader)
		},
	}))

	api.GET("/bot", s.handleGetBot)
	api.POST("/bot/register", s.handleRegisterBot)
	api.POST("/messages", s.handleSendMessage)
	api.GET("/links", s.handleListLinks)
	api.DELETE("/links", s.handleResetLinks)
	api.DELETE("/links/:chat_id", s.handleUnlink)
}

func (s *Server) handleGetBot(c echo.Context) error {
	bot, err := s.app.Bot(c.Request().Context())
	if err != nil {
		return err
	}

	if err := c.JSON(http.StatusOK, botResponse(bot.BotID, bot.Code, bot.MemberID)); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleRegisterBot(c echo.Context) error {
	bot, err := s.app.EnsureBot(c.Request().Context())
	if err != nil {
		return err
	}

	if err := c.JSON(http.StatusOK, botResponse(bot.BotID, bot.Code, bot.MemberID)); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func botResponse(botID int64, code, memberID string) map[string]any {
	return map[string]any{
		"bot_id":    botID,
		"code":      code,
		"member_id": memberID,
	}
}

func (s *Server) handleSendMessage(c echo.Context) error {
	var req app.SendRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid JSON body")
	}

	result, err := s.app.SendMessage(c.Request().Context(), req)
	if err != nil {
		return err
	}

	if err := c.JSON(http.StatusOK, result); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleListLinks(c echo.Context) error {
	links, err := s.app.Links(c.Request().Context())
	if err != nil {
		return err
	}

	if err := c.JSON(http.StatusOK, map[string]any{"links": links, "count": len(links)}); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleResetLinks(c echo.Context) error {
	removed, err := s.app.ResetLinks(c.Request().Context())
	if err != nil {
		return err
	}

	if err := c.JSON(http.StatusOK, map[string]int{"removed": removed}); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleUnlink(c echo.Context) error {
	raw := c.Param("chat_id")
	chatID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return apperrors.ValidationError("chat_id must be an integer").WithField("chat_id", raw)
	}

	if err := s.app.Unlink(c.Request().Context(), chatID); err != nil {
		return err
	}

	return c.NoContent(http.StatusNoContent)
}

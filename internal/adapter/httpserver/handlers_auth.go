package httpserver

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	apperrors "github.com/pscheid92/chatbridge/internal/platform/errors"
)

const oauthTimeout = 15 * time.Second

func (s *Server) registerAuthRoutes(rateLimiter echo.MiddlewareFunc) {
	s.echo.GET("/auth/install", s.handleInstall, rateLimiter)
	s.echo.GET("/auth/callback", s.handleOAuthCallback, rateLimiter)
}

func generateOAuthState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate OAuth state: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func (s *Server) requireOAuth() error {
	if s.oauth == nil || !s.config.OAuthEnabled() {
		return apperrors.UnavailableError("portal OAuth is not configured (PORTAL_CLIENT_ID, PORTAL_CLIENT_SECRET, SESSION_SECRET)")
	}
	return nil
}

// handleInstall starts the authorization-code flow. ?domain= overrides
// the configured portal domain.
func (s *Server) handleInstall(c echo.Context) error {
	if err := s.requireOAuth(); err != nil {
		return err
	}

	portalDomain := strings.TrimSpace(c.QueryParam("domain"))
	if portalDomain == "" {
		portalDomain = s.config.PortalDomain
	}
	if portalDomain == "" || strings.ContainsAny(portalDomain, "/?#@ ") {
		return apperrors.ValidationError("a portal domain is required (?domain= or PORTAL_DOMAIN)")
	}

	state, err := generateOAuthState()
	if err != nil {
		return apperrors.InternalError("failed to generate OAuth state", err)
	}

	session, err := s.sessionStore.Get(c.Request(), sessionName)
	if err != nil {
		slog.WarnContext(c.Request().Context(), "Discarding unreadable session", "error", err)
	}

	session.Values[sessionKeyOAuthState] = state
	session.Values[sessionKeyDomain] = portalDomain
	if err := session.Save(c.Request(), c.Response().Writer); err != nil {
		return apperrors.InternalError("failed to save OAuth state session", err)
	}

	if err := c.Redirect(http.StatusFound, s.oauth.AuthorizeURL(portalDomain, state)); err != nil {
		return fmt.Errorf("failed to redirect: %w", err)
	}
	return nil
}

type installedPage struct {
	Domain   string
	MemberID string
	BotID    int64
}

func (s *Server) handleOAuthCallback(c echo.Context) error {
	if err := s.requireOAuth(); err != nil {
		return err
	}

	if oauthErr := c.QueryParam("error"); oauthErr != "" {
		return apperrors.ValidationError("authorization was denied").WithCode(oauthErr)
	}

	code := c.QueryParam("code")
	if code == "" {
		return apperrors.ValidationError("missing code parameter")
	}

	session, err := s.sessionStore.Get(c.Request(), sessionName)
	if err != nil {
		return apperrors.ValidationError("invalid session")
	}

	expectedState, ok := session.Values[sessionKeyOAuthState].(string)
	if !ok || expectedState == "" {
		return apperrors.ValidationError("missing OAuth state")
	}
	if subtle.ConstantTimeCompare([]byte(c.QueryParam("state")), []byte(expectedState)) != 1 {
		return apperrors.ValidationError("invalid OAuth state")
	}

	// The state is single-use.
	session.Options.MaxAge = -1
	if err := session.Save(c.Request(), c.Response().Writer); err != nil {
		return apperrors.InternalError("failed to clear OAuth state session", err)
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), oauthTimeout)
	defer cancel()

	token, err := s.oauth.Exchange(ctx, code)
	if err != nil {
		return err
	}

	saved, err := s.app.CompleteAuthorization(ctx, token)
	if err != nil {
		return apperrors.InternalError("failed to store portal token", err).WithField("member_id", token.MemberID)
	}

	page := installedPage{Domain: saved.Domain, MemberID: saved.MemberID}
	if bot, err := s.app.Bot(ctx); err == nil {
		page.BotID = bot.BotID
	}

	slog.InfoContext(ctx, "Portal installation completed", "domain", saved.Domain, "member_id", saved.MemberID)
	return s.renderTemplate(c, "installed.html", page)
}

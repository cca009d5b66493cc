// Package httpserver exposes the HTTP surface: health probes, portal OAuth,
// webhook intake for Telegram and the portal, and the admin API.
package httpserver

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/sessions"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/chatbridge/internal/app"
	"github.com/pscheid92/chatbridge/internal/domain"
	"github.com/pscheid92/chatbridge/internal/platform/config"
	"github.com/pscheid92/chatbridge/web"
)

type appService interface {
	HandleChatMessage(ctx context.Context, msg domain.ChatMessage) error
	HandlePortalEvent(ctx context.Context, event *domain.PortalEvent) (domain.EventOutcome, error)
	CompleteAuthorization(ctx context.Context, token *domain.Token) (*domain.Token, error)
	EnsureBot(ctx context.Context) (*domain.BotIdentity, error)
	Bot(ctx context.Context) (*domain.BotIdentity, error)
	SendMessage(ctx context.Context, req app.SendRequest) (*app.SendResult, error)
	Links(ctx context.Context) ([]domain.ChatLink, error)
	Unlink(ctx context.Context, chatID int64) error
	ResetLinks(ctx context.Context) (int, error)
	Status(ctx context.Context) (*app.Status, error)
	StartupComplete() bool
}

type oauthClient interface {
	AuthorizeURL(portalDomain, state string) string
	Exchange(ctx context.Context, code string) (*domain.Token, error)
}

// Deps are the collaborators the server needs besides its configuration.
type Deps struct {
	// OAuth is nil when the portal authorization-code flow is not configured.
	OAuth oauthClient
	// Metrics serves /metrics; MetricsMiddleware records request metrics.
	Metrics           http.Handler
	MetricsMiddleware echo.MiddlewareFunc
	HealthChecks      []HealthCheck
	Clock             clockwork.Clock
}

type Server struct {
	echo   *echo.Echo
	config *config.Config

	app   appService
	oauth oauthClient

	metricsHandler    http.Handler
	metricsMiddleware echo.MiddlewareFunc

	templates    *template.Template
	sessionStore *sessions.CookieStore
	healthChecks []HealthCheck
	clock        clockwork.Clock
	startTime    time.Time
}

func NewServer(cfg *config.Config, svc appService, deps Deps) (*Server, error) {
	templates, err := template.ParseFS(web.TemplateFiles, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}

	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := &Server{
		echo:              e,
		config:            cfg,
		app:               svc,
		oauth:             deps.OAuth,
		metricsHandler:    deps.Metrics,
		metricsMiddleware: deps.MetricsMiddleware,
		templates:         templates,
		sessionStore:      setupSessionStore(cfg),
		healthChecks:      deps.HealthChecks,
		clock:             clock,
		startTime:         clock.Now(),
	}

	srv.registerRoutes()

	return srv, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

// Session keys
const (
	sessionName          = "chatbridge-session"
	sessionKeyOAuthState = "oauth_state"
	sessionKeyDomain     = "portal_domain"
)

func (s *Server) renderTemplate(c echo.Context, name string, data any) error {
	var buf bytes.Buffer
	if err := s.templates.ExecuteTemplate(&buf, name, data); err != nil {
		slog.ErrorContext(c.Request().Context(), "Template execution failed", "path", c.Request().URL.Path, "error", err)
		if err := c.String(http.StatusInternalServerError, "Failed to render page"); err != nil {
			return fmt.Errorf("failed to send error response: %w", err)
		}
		return nil
	}
	if err := c.HTMLBlob(http.StatusOK, buf.Bytes()); err != nil {
		return fmt.Errorf("failed to send HTML response: %w", err)
	}
	return nil
}

func setupSessionStore(cfg *config.Config) *sessions.CookieStore {
	sessionStore := sessions.NewCookieStore([]byte(cfg.SessionSecret))
	sessionStore.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   int(cfg.SessionMaxAge.Seconds()),
		HttpOnly: true,
		Secure:   cfg.AppEnv == "production",
		SameSite: http.SameSiteLaxMode,
	}
	return sessionStore
}

package httpserver

import (
	"context"
	"errors"
	"html/template"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/sessions"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/chatbridge/internal/app"
	"github.com/pscheid92/chatbridge/internal/domain"
	"github.com/pscheid92/chatbridge/internal/platform/config"
	"github.com/stretchr/testify/require"
)

// --- Mock implementations ---

type mockAppService struct {
	handleChatMessageFn     func(ctx context.Context, msg domain.ChatMessage) error
	handlePortalEventFn     func(ctx context.Context, event *domain.PortalEvent) (domain.EventOutcome, error)
	completeAuthorizationFn func(ctx context.Context, token *domain.Token) (*domain.Token, error)
	ensureBotFn             func(ctx context.Context) (*domain.BotIdentity, error)
	botFn                   func(ctx context.Context) (*domain.BotIdentity, error)
	sendMessageFn           func(ctx context.Context, req app.SendRequest) (*app.SendResult, error)
	linksFn                 func(ctx context.Context) ([]domain.ChatLink, error)
	unlinkFn                func(ctx context.Context, chatID int64) error
	resetLinksFn            func(ctx context.Context) (int, error)
	statusFn                func(ctx context.Context) (*app.Status, error)
	startupComplete         bool
}

func (m *mockAppService) HandleChatMessage(ctx context.Context, msg domain.ChatMessage) error {
	if m.handleChatMessageFn != nil {
		return m.handleChatMessageFn(ctx, msg)
	}
	return nil
}

func (m *mockAppService) HandlePortalEvent(ctx context.Context, event *domain.PortalEvent) (domain.EventOutcome, error) {
	if m.handlePortalEventFn != nil {
		return m.handlePortalEventFn(ctx, event)
	}
	return domain.OutcomeIgnored, nil
}

func (m *mockAppService) CompleteAuthorization(ctx context.Context, token *domain.Token) (*domain.Token, error) {
	if m.completeAuthorizationFn != nil {
		return m.completeAuthorizationFn(ctx, token)
	}
	return token, nil
}

func (m *mockAppService) EnsureBot(ctx context.Context) (*domain.BotIdentity, error) {
	if m.ensureBotFn != nil {
		return m.ensureBotFn(ctx)
	}
	return nil, errors.New("not implemented")
}

func (m *mockAppService) Bot(ctx context.Context) (*domain.BotIdentity, error) {
	if m.botFn != nil {
		return m.botFn(ctx)
	}
	return nil, domain.ErrBotNotFound
}

func (m *mockAppService) SendMessage(ctx context.Context, req app.SendRequest) (*app.SendResult, error) {
	if m.sendMessageFn != nil {
		return m.sendMessageFn(ctx, req)
	}
	return nil, errors.New("not implemented")
}

func (m *mockAppService) Links(ctx context.Context) ([]domain.ChatLink, error) {
	if m.linksFn != nil {
		return m.linksFn(ctx)
	}
	return []domain.ChatLink{}, nil
}

func (m *mockAppService) Unlink(ctx context.Context, chatID int64) error {
	if m.unlinkFn != nil {
		return m.unlinkFn(ctx, chatID)
	}
	return nil
}

func (m *mockAppService) ResetLinks(ctx context.Context) (int, error) {
	if m.resetLinksFn != nil {
		return m.resetLinksFn(ctx)
	}
	return 0, nil
}

func (m *mockAppService) Status(ctx context.Context) (*app.Status, error) {
	if m.statusFn != nil {
		return m.statusFn(ctx)
	}
	return &app.Status{Mode: "oauth"}, nil
}

func (m *mockAppService) StartupComplete() bool {
	return m.startupComplete
}

type mockOAuthClient struct {
	exchangeFn func(ctx context.Context, code string) (*domain.Token, error)
}

func (m *mockOAuthClient) AuthorizeURL(portalDomain, state string) string {
	return "https://" + portalDomain + "/oauth/authorize/?client_id=local.test&state=" + state
}

func (m *mockOAuthClient) Exchange(ctx context.Context, code string) (*domain.Token, error) {
	if m.exchangeFn != nil {
		return m.exchangeFn(ctx, code)
	}
	return nil, errors.New("not implemented")
}

// --- Test helpers ---

const (
	testAPIKey        = "admin-key"
	testWebhookSecret = "s3cret"
)

func testServerConfig() *config.Config {
	return &config.Config{
		AppEnv:                "test",
		SessionSecret:         "test-secret-key-32-bytes-long!!!",
		AdminAPIKey:           testAPIKey,
		PortalDomain:          "b24.example.com",
		PortalClientID:        "local.test",
		PortalClientSecret:    "secret",
		TelegramToken:         "123:abc",
		TelegramWebhookURL:    "https://bridge.example.com/webhooks/telegram",
		TelegramWebhookSecret: testWebhookSecret,
	}
}

func newTestServer(t *testing.T, svc appService, opts ...func(*Server)) *Server {
	t.Helper()

	tmpl := template.Must(template.New("installed.html").Parse(`Installed {{.Domain}} {{.MemberID}} {{.BotID}}`))

	store := sessions.NewCookieStore([]byte("test-secret-key-32-bytes-long!!!"))
	store.Options = &sessions.Options{
		Path:   "/",
		MaxAge: 3600,
	}

	clock := clockwork.NewFakeClock()
	srv := &Server{
		echo:         echo.New(),
		config:       testServerConfig(),
		app:          svc,
		oauth:        &mockOAuthClient{},
		sessionStore: store,
		templates:    tmpl,
		clock:        clock,
		startTime:    clock.Now(),
	}

	for _, opt := range opts {
		opt(srv)
	}

	srv.registerRoutes()

	return srv
}

func withConfig(mutate func(*config.Config)) func(*Server) {
	return func(s *Server) {
		mutate(s.config)
	}
}

func withOAuthClient(oauth oauthClient) func(*Server) {
	return func(s *Server) {
		s.oauth = oauth
	}
}

func withHealthChecks(checks ...HealthCheck) func(*Server) {
	return func(s *Server) {
		s.healthChecks = checks
	}
}

// serve runs a request through the full router and middleware stack.
func serve(srv *Server, method, target string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	req.RemoteAddr = "10.0.0.1:1234"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)
	return rec
}

func apiRequest(srv *Server, method, target, body string) *httptest.ResponseRecorder {
	var r io.Reader
	headers := map[string]string{apiKeyHeader: testAPIKey}
	if body != "" {
		r = strings.NewReader(body)
		headers[echo.HeaderContentType] = echo.MIMEApplicationJSON
	}
	return serve(srv, method, target, r, headers)
}

func cookiesFrom(t *testing.T, rec *httptest.ResponseRecorder) []*http.Cookie {
	t.Helper()
	cookies := rec.Result().Cookies()
	require.NotEmpty(t, cookies)
	return cookies
}

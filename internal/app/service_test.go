package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/chatbridge/internal/adapter/memory"
	"github.com/pscheid92/chatbridge/internal/domain"
	apperrors "github.com/pscheid92/chatbridge/internal/platform/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Mock implementations ---

type mockPortal struct {
	currentUserFn    func(ctx context.Context) (*domain.PortalUser, error)
	listLeadsFn      func(ctx context.Context, limit int) ([]domain.Lead, error)
	createTaskFn     func(ctx context.Context, task domain.NewTask) (int64, error)
	addCommentFn     func(ctx context.Context, taskID int64, text string) (int64, error)
	getCommentFn     func(ctx context.Context, taskID, commentID int64) (*domain.TaskComment, error)
	registerBotFn    func(ctx context.Context, profile domain.BotProfile) (int64, error)
	updateBotFn      func(ctx context.Context, botID int64, profile domain.BotProfile) error
	sendBotMessageFn func(ctx context.Context, botID int64, dialogID, text string) (int64, error)
}

func (m *mockPortal) CurrentUser(ctx context.Context) (*domain.PortalUser, error) {
	if m.currentUserFn != nil {
		return m.currentUserFn(ctx)
	}
	return nil, fmt.Errorf("not implemented")
}

func (m *mockPortal) ListLeads(ctx context.Context, limit int) ([]domain.Lead, error) {
	if m.listLeadsFn != nil {
		return m.listLeadsFn(ctx, limit)
	}
	return nil, fmt.Errorf("not implemented")
}

func (m *mockPortal) CreateTask(ctx context.Context, task domain.NewTask) (int64, error) {
	if m.createTaskFn != nil {
		return m.createTaskFn(ctx, task)
	}
	return 0, fmt.Errorf("not implemented")
}

func (m *mockPortal) AddTaskComment(ctx context.Context, taskID int64, text string) (int64, error) {
	if m.addCommentFn != nil {
		return m.addCommentFn(ctx, taskID, text)
	}
	return 0, fmt.Errorf("not implemented")
}

func (m *mockPortal) GetTaskComment(ctx context.Context, taskID, commentID int64) (*domain.TaskComment, error) {
	if m.getCommentFn != nil {
		return m.getCommentFn(ctx, taskID, commentID)
	}
	return nil, fmt.Errorf("not implemented")
}

func (m *mockPortal) RegisterBot(ctx context.Context, profile domain.BotProfile) (int64, error) {
	if m.registerBotFn != nil {
		return m.registerBotFn(ctx, profile)
	}
	return 0, fmt.Errorf("not implemented")
}

func (m *mockPortal) UpdateBot(ctx context.Context, botID int64, profile domain.BotProfile) error {
	if m.updateBotFn != nil {
		return m.updateBotFn(ctx, botID, profile)
	}
	return fmt.Errorf("not implemented")
}

func (m *mockPortal) SendBotMessage(ctx context.Context, botID int64, dialogID, text string) (int64, error) {
	if m.sendBotMessageFn != nil {
		return m.sendBotMessageFn(ctx, botID, dialogID, text)
	}
	return 0, fmt.Errorf("not implemented")
}

type sentText struct {
	ChatID int64
	Text   string
}

// recordingMessenger records every send; sendErr, when set, fails them all.
type recordingMessenger struct {
	mu      sync.Mutex
	sent    []sentText
	sendErr error
}

func (m *recordingMessenger) SendText(_ context.Context, chatID int64, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, sentText{ChatID: chatID, Text: text})
	return nil
}

func (m *recordingMessenger) Sent() []sentText {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentText(nil), m.sent...)
}

type mockWebhooks struct {
	setWebhookFn func(ctx context.Context, url, secret string) error
}

func (m *mockWebhooks) SetWebhook(ctx context.Context, url, secret string) error {
	if m.setWebhookFn != nil {
		return m.setWebhookFn(ctx, url, secret)
	}
	return nil
}

type testEnv struct {
	svc       *Service
	portal    *mockPortal
	messenger *recordingMessenger
	tokens    *memory.TokenRepo
	bots      *memory.BotRepo
	links     *memory.LinkStore
	clock     *clockwork.FakeClock
}

func testConfig() Config {
	return Config{
		Bot: domain.BotProfile{
			Code:            "telegram_bridge",
			Name:            "Telegram Bridge",
			EventHandlerURL: "https://bridge.example.com/webhooks/portal",
		},
		ResponsibleID: 7,
		PortalDomain:  "b24.example.com",
	}
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	clock := clockwork.NewFakeClockAt(time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC))
	env := &testEnv{
		portal:    &mockPortal{},
		messenger: &recordingMessenger{},
		tokens:    memory.NewTokenRepo(clock),
		bots:      memory.NewBotRepo(),
		links:     memory.NewLinkStore(clock),
		clock:     clock,
	}
	env.svc = NewService(Deps{
		Portal:    env.portal,
		Tokens:    env.tokens,
		Bots:      env.bots,
		Links:     env.links,
		Messenger: env.messenger,
		Clock:     clock,
	}, cfg)
	env.svc.startupBackoff = 0
	return env
}

func portalAPIError() error {
	return fmt.Errorf("tasks.task.add: %w", domain.ErrPortalAPI)
}

// --- EnsureBot ---

func TestEnsureBot_RegistersWhenNothingCached(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()

	_, err := env.tokens.Save(ctx, &domain.Token{MemberID: "m-1", Domain: "b24.example.com", AccessToken: "a"})
	require.NoError(t, err)

	var registered domain.BotProfile
	env.portal.registerBotFn = func(_ context.Context, profile domain.BotProfile) (int64, error) {
		registered = profile
		return 42, nil
	}

	bot, err := env.svc.EnsureBot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(42), bot.BotID)
	assert.Equal(t, "m-1", bot.MemberID)
	assert.Equal(t, "telegram_bridge", registered.Code)

	cached, err := env.bots.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(42), cached.BotID)
	assert.Equal(t, env.clock.Now(), cached.RegisteredAt)
}

func TestEnsureBot_UpdatesCachedBot(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()
	require.NoError(t, env.bots.Save(ctx, &domain.BotIdentity{BotID: 9, Code: "telegram_bridge"}))

	var updatedID int64
	env.portal.updateBotFn = func(_ context.Context, botID int64, _ domain.BotProfile) error {
		updatedID = botID
		return nil
	}
	env.portal.registerBotFn = func(context.Context, domain.BotProfile) (int64, error) {
		t.Fatal("register must not be called when update succeeds")
		return 0, nil
	}

	bot, err := env.svc.EnsureBot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(9), bot.BotID)
	assert.Equal(t, int64(9), updatedID)
}

func TestEnsureBot_ReregistersWhenUpdateRejected(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()
	require.NoError(t, env.bots.Save(ctx, &domain.BotIdentity{BotID: 9}))

	env.portal.updateBotFn = func(context.Context, int64, domain.BotProfile) error {
		return fmt.Errorf("imbot.update: %w", domain.ErrPortalAPI)
	}
	env.portal.registerBotFn = func(context.Context, domain.BotProfile) (int64, error) {
		return 10, nil
	}

	bot, err := env.svc.EnsureBot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), bot.BotID)
}

func TestEnsureBot_TransportErrorOnUpdateIsReturned(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()
	require.NoError(t, env.bots.Save(ctx, &domain.BotIdentity{BotID: 9}))

	env.portal.updateBotFn = func(context.Context, int64, domain.BotProfile) error {
		return errors.New("connection refused")
	}

	_, err := env.svc.EnsureBot(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestEnsureBot_UnavailableWithoutHandlerURL(t *testing.T) {
	cfg := testConfig()
	cfg.Bot.EventHandlerURL = ""
	env := newTestEnv(t, cfg)

	_, err := env.svc.EnsureBot(context.Background())

	var appErr *apperrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.TypeUnavailable, appErr.Type)
}

// --- CompleteAuthorization ---

func TestCompleteAuthorization_SavesTokenAndRegistersBot(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()
	env.portal.registerBotFn = func(context.Context, domain.BotProfile) (int64, error) { return 5, nil }

	saved, err := env.svc.CompleteAuthorization(ctx, &domain.Token{MemberID: "m-1", Domain: "b24.example.com", AccessToken: "a"})
	require.NoError(t, err)
	assert.Equal(t, "m-1", saved.MemberID)

	bot, err := env.bots.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), bot.BotID)
}

func TestCompleteAuthorization_KeepsApplicationTokenOfSameMember(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()
	_, err := env.tokens.Save(ctx, &domain.Token{MemberID: "m-1", AccessToken: "old", ApplicationToken: "app-secret"})
	require.NoError(t, err)

	saved, err := env.svc.CompleteAuthorization(ctx, &domain.Token{MemberID: "m-1", AccessToken: "fresh"})
	require.NoError(t, err)
	assert.Equal(t, "fresh", saved.AccessToken)
	assert.Equal(t, "app-secret", saved.ApplicationToken)
}

func TestCompleteAuthorization_BotFailureIsNotFatal(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.portal.registerBotFn = func(context.Context, domain.BotProfile) (int64, error) {
		return 0, portalAPIError()
	}

	_, err := env.svc.CompleteAuthorization(context.Background(), &domain.Token{MemberID: "m-1", AccessToken: "a"})
	require.NoError(t, err)
}

// --- Status ---

func TestStatus(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()

	st, err := env.svc.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.Authorized)
	assert.Equal(t, "oauth", st.Mode)
	assert.Equal(t, "b24.example.com", st.PortalDomain)
	assert.True(t, st.TelegramConfigured)

	_, err = env.tokens.Save(ctx, &domain.Token{MemberID: "m", Domain: "other.example.com", AccessToken: "a"})
	require.NoError(t, err)
	require.NoError(t, env.bots.Save(ctx, &domain.BotIdentity{BotID: 3}))
	require.NoError(t, env.links.Link(ctx, 100, 200))

	st, err = env.svc.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Authorized)
	assert.Equal(t, "other.example.com", st.PortalDomain)
	assert.Equal(t, int64(3), st.BotID)
	assert.Equal(t, 1, st.Links)
}

func TestStatus_WebhookModeIsAuthorized(t *testing.T) {
	cfg := testConfig()
	cfg.WebhookMode = true
	env := newTestEnv(t, cfg)

	st, err := env.svc.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Authorized)
	assert.Equal(t, "webhook", st.Mode)
}

// --- StartupCheck ---

func TestStartupCheck_RetriesBotRegistration(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()
	_, err := env.tokens.Save(ctx, &domain.Token{MemberID: "m", AccessToken: "a"})
	require.NoError(t, err)

	attempts := 0
	env.portal.registerBotFn = func(context.Context, domain.BotProfile) (int64, error) {
		attempts++
		if attempts < 3 {
			return 0, errors.New("timeout")
		}
		return 11, nil
	}

	assert.False(t, env.svc.StartupComplete())
	env.svc.StartupCheck(ctx)

	assert.True(t, env.svc.StartupComplete())
	assert.Equal(t, 3, attempts)
	bot, err := env.bots.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(11), bot.BotID)
}

func TestStartupCheck_StopsOnPortalAPIError(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()
	_, err := env.tokens.Save(ctx, &domain.Token{MemberID: "m", AccessToken: "a"})
	require.NoError(t, err)

	attempts := 0
	env.portal.registerBotFn = func(context.Context, domain.BotProfile) (int64, error) {
		attempts++
		return 0, portalAPIError()
	}

	env.svc.StartupCheck(ctx)
	assert.Equal(t, 1, attempts)
	assert.True(t, env.svc.StartupComplete())
}

func TestStartupCheck_SkipsBotWithoutToken(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.portal.registerBotFn = func(context.Context, domain.BotProfile) (int64, error) {
		t.Fatal("bot registration needs a token")
		return 0, nil
	}

	env.svc.StartupCheck(context.Background())
	assert.True(t, env.svc.StartupComplete())
}

func TestStartupCheck_RegistersTelegramWebhook(t *testing.T) {
	cfg := testConfig()
	cfg.Bot.EventHandlerURL = ""
	cfg.TelegramWebhookURL = "https://bridge.example.com/webhooks/telegram"
	cfg.TelegramWebhookSecret = "s3cret"
	env := newTestEnv(t, cfg)

	var gotURL, gotSecret string
	env.svc.webhooks = &mockWebhooks{setWebhookFn: func(_ context.Context, url, secret string) error {
		gotURL, gotSecret = url, secret
		return nil
	}}

	env.svc.StartupCheck(context.Background())
	assert.Equal(t, cfg.TelegramWebhookURL, gotURL)
	assert.Equal(t, "s3cret", gotSecret)
}

// --- Links ---

func TestLinks_UnlinkAndReset(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()
	require.NoError(t, env.links.Link(ctx, 1, 10))
	require.NoError(t, env.links.Link(ctx, 2, 20))

	links, err := env.svc.Links(ctx)
	require.NoError(t, err)
	assert.Len(t, links, 2)

	require.NoError(t, env.svc.Unlink(ctx, 1))
	assert.ErrorIs(t, env.svc.Unlink(ctx, 1), domain.ErrLinkNotFound)

	n, err := env.svc.ResetLinks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

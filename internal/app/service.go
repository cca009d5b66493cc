package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/chatbridge/internal/adapter/metrics"
	"github.com/pscheid92/chatbridge/internal/domain"
	apperrors "github.com/pscheid92/chatbridge/internal/platform/errors"
	"github.com/pscheid92/chatbridge/internal/platform/retry"
	"golang.org/x/sync/singleflight"
)

// WebhookRegistrar points the messenger at our webhook endpoint.
type WebhookRegistrar interface {
	SetWebhook(ctx context.Context, url, secret string) error
}

type Config struct {
	// Bot is the portal chat-bot profile; EventHandlerURL empty disables
	// bot registration.
	Bot domain.BotProfile
	// ResponsibleID is assigned to tasks opened from chats.
	ResponsibleID int64
	// DefaultChatID receives bot messages that name no task. Zero disables.
	DefaultChatID int64
	// ApplicationToken, when set, must match auth.application_token on
	// every portal event. Otherwise the token stored at installation is used.
	ApplicationToken string
	// PortalDomain is reported when no token is stored yet.
	PortalDomain string
	// WebhookMode means the portal is reached through a static inbound
	// webhook and needs no OAuth token.
	WebhookMode bool

	TelegramWebhookURL    string
	TelegramWebhookSecret string
}

type Deps struct {
	Portal domain.Portal
	Tokens domain.TokenRepository
	Bots   domain.BotRepository
	Links  domain.LinkStore
	// Messenger is nil when no Telegram token is configured.
	Messenger domain.Messenger
	// Webhooks is nil when updates arrive by polling.
	Webhooks WebhookRegistrar
	Clock    clockwork.Clock
	Metrics  *metrics.RelayMetrics
}

// Service is the application layer. It is the only component that
// references more than one domain port.
type Service struct {
	portal    domain.Portal
	tokens    domain.TokenRepository
	bots      domain.BotRepository
	links     domain.LinkStore
	messenger domain.Messenger
	webhooks  WebhookRegistrar
	clock     clockwork.Clock
	metrics   *metrics.RelayMetrics
	cfg       Config

	botGroup       singleflight.Group
	startupDone    atomic.Bool
	startupBackoff time.Duration
}

func NewService(deps Deps, cfg Config) *Service {
	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{
		portal:         deps.Portal,
		tokens:         deps.Tokens,
		bots:           deps.Bots,
		links:          deps.Links,
		messenger:      deps.Messenger,
		webhooks:       deps.Webhooks,
		clock:          clock,
		metrics:        deps.Metrics,
		cfg:            cfg,
		startupBackoff: 2 * time.Second,
	}
}

// CompleteAuthorization stores a freshly exchanged token and then tries to
// register the bot. An OAuth exchange carries no application token, so the
// one stored for the same member is kept. A bot failure is logged, not returned: the token is
// already usable.
func (s *Service) CompleteAuthorization(ctx context.Context, token *domain.Token) (*domain.Token, error) {
	if token.ApplicationToken == "" {
		if existing, err := s.tokens.Get(ctx); err == nil && existing.MemberID == token.MemberID {
			carried := *token
			carried.ApplicationToken = existing.ApplicationToken
			token = &carried
		}
	}

	saved, err := s.tokens.Save(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("failed to save token: %w", err)
	}
	slog.InfoContext(ctx, "Portal authorized", "domain", saved.Domain, "member_id", saved.MemberID)

	if s.cfg.Bot.EventHandlerURL != "" {
		if _, err := s.EnsureBot(ctx); err != nil {
			slog.WarnContext(ctx, "Bot registration after authorization failed", "error", err)
		}
	}
	return saved, nil
}

// EnsureBot updates the cached bot, or registers a new one when none is
// cached or the portal rejects the update. Concurrent calls share one run.
func (s *Service) EnsureBot(ctx context.Context) (*domain.BotIdentity, error) {
	if s.cfg.Bot.EventHandlerURL == "" {
		return nil, apperrors.UnavailableError("bot registration is not configured (PORTAL_EVENT_HANDLER_URL)")
	}

	v, err, _ := s.botGroup.Do("ensure-bot", func() (any, error) {
		return s.ensureBot(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.BotIdentity), nil
}

func (s *Service) ensureBot(ctx context.Context) (*domain.BotIdentity, error) {
	existing, err := s.bots.Get(ctx)
	switch {
	case err == nil:
		updateErr := s.portal.UpdateBot(ctx, existing.BotID, s.cfg.Bot)
		if updateErr == nil {
			slog.InfoContext(ctx, "Portal bot updated", "bot_id", existing.BotID)
			return existing, nil
		}
		if !errors.Is(updateErr, domain.ErrPortalAPI) {
			return nil, fmt.Errorf("failed to update bot: %w", updateErr)
		}
		slog.WarnContext(ctx, "Portal rejected bot update, registering again", "bot_id", existing.BotID, "error", updateErr)
	case errors.Is(err, domain.ErrBotNotFound):
	default:
		return nil, fmt.Errorf("failed to load bot identity: %w", err)
	}

	botID, err := s.portal.RegisterBot(ctx, s.cfg.Bot)
	if err != nil {
		return nil, fmt.Errorf("failed to register bot: %w", err)
	}

	identity := &domain.BotIdentity{
		BotID:        botID,
		Code:         s.cfg.Bot.Code,
		RegisteredAt: s.clock.Now(),
	}
	if token, err := s.tokens.Get(ctx); err == nil {
		identity.MemberID = token.MemberID
	}
	if err := s.bots.Save(ctx, identity); err != nil {
		return nil, fmt.Errorf("failed to save bot identity: %w", err)
	}

	slog.InfoContext(ctx, "Portal bot registered", "bot_id", botID, "code", identity.Code)
	return identity, nil
}

// Bot returns the cached bot identity.
func (s *Service) Bot(ctx context.Context) (*domain.BotIdentity, error) {
	return s.bots.Get(ctx)
}

func (s *Service) Links(ctx context.Context) ([]domain.ChatLink, error) {
	return s.links.List(ctx)
}

func (s *Service) Unlink(ctx context.Context, chatID int64) error {
	return s.links.Unlink(ctx, chatID)
}

func (s *Service) ResetLinks(ctx context.Context) (int, error) {
	return s.links.Reset(ctx)
}

type Status struct {
	Authorized         bool   `json:"authorized"`
	Mode               string `json:"mode"`
	PortalDomain       string `json:"portal_domain,omitempty"`
	BotID              int64  `json:"bot_id,omitempty"`
	TelegramConfigured bool   `json:"telegram_configured"`
	Links              int    `json:"links"`
}

func (s *Service) Status(ctx context.Context) (*Status, error) {
	st := &Status{
		Mode:               "oauth",
		PortalDomain:       s.cfg.PortalDomain,
		TelegramConfigured: s.messenger != nil,
	}

	if s.cfg.WebhookMode {
		st.Mode = "webhook"
		st.Authorized = true
	}

	token, err := s.tokens.Get(ctx)
	switch {
	case err == nil:
		st.Authorized = true
		if token.Domain != "" {
			st.PortalDomain = token.Domain
		}
	case !errors.Is(err, domain.ErrTokenNotFound):
		return nil, fmt.Errorf("failed to load token: %w", err)
	}

	if bot, err := s.bots.Get(ctx); err == nil {
		st.BotID = bot.BotID
	} else if !errors.Is(err, domain.ErrBotNotFound) {
		return nil, fmt.Errorf("failed to load bot identity: %w", err)
	}

	links, err := s.links.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list links: %w", err)
	}
	st.Links = len(links)

	return st, nil
}

// StartupCheck registers the Telegram webhook and ensures the portal bot,
// each with a few retries. Failures are logged; the service keeps running.
func (s *Service) StartupCheck(ctx context.Context) {
	defer s.startupDone.Store(true)

	policy := retry.Policy{
		MaxAttempts:    3,
		InitialBackoff: s.startupBackoff,
		Clock:          s.clock,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			slog.WarnContext(ctx, "Startup step failed, retrying", "attempt", attempt, "backoff", backoff, "error", err)
		},
	}

	if s.webhooks != nil && s.cfg.TelegramWebhookURL != "" {
		err := retry.DoVoid(ctx, policy, classifyStartup, func(ctx context.Context) error {
			return s.webhooks.SetWebhook(ctx, s.cfg.TelegramWebhookURL, s.cfg.TelegramWebhookSecret)
		})
		if err != nil {
			slog.ErrorContext(ctx, "Telegram webhook registration failed", "error", err)
		}
	}

	if s.cfg.Bot.EventHandlerURL == "" || !s.portalReachable(ctx) {
		return
	}
	err := retry.DoVoid(ctx, policy, classifyStartup, func(ctx context.Context) error {
		_, err := s.EnsureBot(ctx)
		return err
	})
	if err != nil {
		slog.ErrorContext(ctx, "Portal bot check failed", "error", err)
	}
}

// StartupComplete reports whether StartupCheck has finished.
func (s *Service) StartupComplete() bool {
	return s.startupDone.Load()
}

func (s *Service) portalReachable(ctx context.Context) bool {
	if s.cfg.WebhookMode {
		return true
	}
	_, err := s.tokens.Get(ctx)
	return err == nil
}

// classifyStartup stops on errors a retry cannot fix.
func classifyStartup(err error) retry.Action {
	var structured *apperrors.Error
	switch {
	case errors.Is(err, domain.ErrNotAuthorized), errors.Is(err, domain.ErrPortalAPI):
		return retry.Stop
	case errors.As(err, &structured) && structured.Type == apperrors.TypeUnavailable:
		return retry.Stop
	default:
		return retry.Retry
	}
}

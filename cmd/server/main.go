package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"

	"github.com/pscheid92/chatbridge/internal/adapter/bitrix"
	"github.com/pscheid92/chatbridge/internal/adapter/httpserver"
	"github.com/pscheid92/chatbridge/internal/adapter/memory"
	"github.com/pscheid92/chatbridge/internal/adapter/metrics"
	"github.com/pscheid92/chatbridge/internal/adapter/postgres"
	"github.com/pscheid92/chatbridge/internal/adapter/redis"
	"github.com/pscheid92/chatbridge/internal/adapter/telegram"
	"github.com/pscheid92/chatbridge/internal/app"
	"github.com/pscheid92/chatbridge/internal/domain"
	"github.com/pscheid92/chatbridge/internal/platform/config"
	"github.com/pscheid92/chatbridge/internal/platform/crypto"
	"github.com/pscheid92/chatbridge/internal/platform/logging"
	"github.com/pscheid92/chatbridge/internal/platform/version"
)

const (
	connectTimeout  = 10 * time.Second
	shutdownTimeout = 10 * time.Second
)

type stores struct {
	tokens       domain.TokenRepository
	bots         domain.BotRepository
	links        domain.LinkStore
	healthChecks []httpserver.HealthCheck
	closers      []func()
}

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupCrypto(cfg *config.Config) crypto.Service {
	if cfg.TokenEncryptionKey == "" {
		slog.Warn("TOKEN_ENCRYPTION_KEY not set, portal tokens are stored unencrypted")
		return crypto.Plaintext{}
	}
	svc, err := crypto.NewAesGcmService(cfg.TokenEncryptionKey)
	if err != nil {
		slog.Error("Failed to create crypto service", "error", err)
		os.Exit(1)
	}
	return svc
}

func setupDB(cfg *config.Config, m *metrics.DBMetrics) *pgxpool.Pool {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL, postgres.NewMetricsTracer(m))
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	if err := postgres.RunMigrationsWithLock(ctx, pool); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	return pool
}

func setupRedis(cfg *config.Config, breakerMetrics *metrics.BreakerMetrics, redisMetrics *metrics.RedisMetrics, clock clockwork.Clock) *goredis.Client {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	client, err := redis.NewClient(ctx, cfg.RedisURL,
		redis.NewMetricsHook(redisMetrics, clock),
		redis.NewCircuitBreakerHook(redis.DefaultBreakerSettings, breakerMetrics),
	)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

// setupStores picks PostgreSQL and Redis when configured and falls back to
// process-lifetime memory stores otherwise.
func setupStores(cfg *config.Config, reg prometheus.Registerer, breakerMetrics *metrics.BreakerMetrics, clock clockwork.Clock) stores {
	var s stores

	if cfg.DatabaseURL != "" {
		pool := setupDB(cfg, metrics.NewDBMetrics(reg))
		s.tokens = postgres.NewTokenRepo(pool, setupCrypto(cfg))
		s.bots = postgres.NewBotRepo(pool, cfg.PortalBotCode)
		s.healthChecks = append(s.healthChecks, httpserver.HealthCheck{Name: "postgres", Check: pool.Ping})
		s.closers = append(s.closers, pool.Close)
	} else {
		slog.Warn("DATABASE_URL not set, portal token and bot identity are kept in memory")
		s.tokens = memory.NewTokenRepo(clock)
		s.bots = memory.NewBotRepo()
	}

	if cfg.RedisURL != "" {
		client := setupRedis(cfg, breakerMetrics, metrics.NewRedisMetrics(reg), clock)
		s.links = redis.NewLinkStore(client, clock)
		s.healthChecks = append(s.healthChecks, httpserver.HealthCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return client.Ping(ctx).Err() },
		})
		s.closers = append(s.closers, func() { _ = client.Close() })
	} else {
		slog.Warn("REDIS_URL not set, chat links are kept in memory")
		s.links = memory.NewLinkStore(clock)
	}

	return s
}

func setupTelegram(cfg *config.Config, m *metrics.BreakerMetrics) *telegram.Client {
	if !cfg.TelegramEnabled() {
		slog.Warn("TELEGRAM_TOKEN not set, Telegram relay is disabled")
		return nil
	}

	client, err := telegram.NewClient(telegram.Config{
		Token:       cfg.TelegramToken,
		APIEndpoint: cfg.TelegramAPIEndpoint,
		Metrics:     m,
	})
	if err != nil {
		slog.Error("Failed to connect to Telegram", "error", err)
		os.Exit(1)
	}
	return client
}

func runGracefulShutdown(srv *httpserver.Server, cancelBackground context.CancelFunc) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		cancelBackground()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "version", version.Version, "env", cfg.AppEnv, "port", cfg.Port)

	registry := metrics.NewRegistry()
	breakerMetrics := metrics.NewBreakerMetrics(registry)

	st := setupStores(cfg, registry, breakerMetrics, clock)
	defer func() {
		for _, closeFn := range st.closers {
			closeFn()
		}
	}()

	// Interface values stay nil (not typed-nil) when a feature is off.
	var (
		oauth     *bitrix.OAuthClient
		refresher bitrix.Refresher
	)
	if cfg.OAuthEnabled() {
		oauth = bitrix.NewOAuthClient(bitrix.OAuthConfig{
			ClientID:     cfg.PortalClientID,
			ClientSecret: cfg.PortalClientSecret,
			RedirectURI:  cfg.PortalRedirectURI,
			OAuthURL:     cfg.PortalOAuthURL,
			Clock:        clock,
		})
		refresher = oauth
	} else if cfg.PortalWebhookURL == "" {
		slog.Warn("Neither portal OAuth nor PORTAL_WEBHOOK_URL is configured, portal calls will fail until a token is installed")
	}

	portal := bitrix.NewClient(st.tokens, refresher, bitrix.ClientConfig{
		WebhookURL: cfg.PortalWebhookURL,
		Timeout:    cfg.PortalTimeout,
		Clock:      clock,
		Metrics:    metrics.NewPortalMetrics(registry),
	})

	tg := setupTelegram(cfg, breakerMetrics)

	deps := app.Deps{
		Portal:  portal,
		Tokens:  st.tokens,
		Bots:    st.bots,
		Links:   st.links,
		Clock:   clock,
		Metrics: metrics.NewRelayMetrics(registry),
	}
	webhookMode := cfg.TelegramWebhookMode()
	if tg != nil {
		deps.Messenger = tg
		if webhookMode {
			deps.Webhooks = tg
		}
	}

	appSvc := app.NewService(deps, app.Config{
		Bot: domain.BotProfile{
			Code:            cfg.PortalBotCode,
			Name:            cfg.PortalBotName,
			EventHandlerURL: cfg.PortalEventHandlerURL,
		},
		ResponsibleID:         cfg.PortalResponsibleID,
		DefaultChatID:         cfg.TelegramDefaultChatID,
		ApplicationToken:      cfg.PortalApplicationToken,
		PortalDomain:          cfg.PortalDomain,
		WebhookMode:           portal.UsesWebhook(),
		TelegramWebhookURL:    cfg.TelegramWebhookURL,
		TelegramWebhookSecret: cfg.TelegramWebhookSecret,
	})

	httpMetrics := metrics.NewHTTPMetrics(registry)
	serverDeps := httpserver.Deps{
		Metrics:           metrics.Handler(registry),
		MetricsMiddleware: httpMetrics.Middleware(),
		HealthChecks:      st.healthChecks,
		Clock:             clock,
	}
	if oauth != nil {
		serverDeps.OAuth = oauth
	}

	srv, err := httpserver.NewServer(cfg, appSvc, serverDeps)
	if err != nil {
		slog.Error("Failed to create server", "error", err)
		os.Exit(1)
	}

	bgCtx, cancelBackground := context.WithCancel(context.Background())
	defer cancelBackground()

	go appSvc.StartupCheck(bgCtx)

	if tg != nil && !webhookMode {
		go func() {
			err := tg.Poll(bgCtx, func(ctx context.Context, msg domain.ChatMessage) {
				if err := appSvc.HandleChatMessage(ctx, msg); err != nil {
					slog.ErrorContext(ctx, "Failed to handle Telegram message", "chat_id", msg.ChatID, "error", err)
				}
			})
			if err != nil {
				slog.Error("Telegram polling stopped", "error", err)
			}
		}()
	}

	done := runGracefulShutdown(srv, cancelBackground)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}

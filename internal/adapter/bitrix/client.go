// Package bitrix talks to the portal REST API: authenticated calls with
// token refresh, OAuth grants, and inbound event parsing.
package bitrix

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/chatbridge/internal/adapter/metrics"
	"github.com/pscheid92/chatbridge/internal/domain"
	"github.com/pscheid92/chatbridge/internal/platform/version"
	"golang.org/x/sync/singleflight"
)

const (
	// refreshWindow is how close to expiry a token is refreshed before use.
	refreshWindow  = 60 * time.Second
	defaultTimeout = 10 * time.Second
	maxBodyBytes   = 4 << 20
)

// Refresher obtains a new token pair from a refresh token.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*domain.Token, error)
}

type ClientConfig struct {
	// WebhookURL is a static inbound webhook ("https://host/rest/1/secret/").
	// When set, calls go there with no auth parameter and no refresh.
	WebhookURL string
	Timeout    time.Duration
	HTTPClient *http.Client
	Clock      clockwork.Clock
	Metrics    *metrics.PortalMetrics
}

// Client calls portal REST methods on behalf of the stored installation.
type Client struct {
	tokens     domain.TokenRepository
	refresher  Refresher
	webhookURL string
	timeout    time.Duration
	httpClient *http.Client
	clock      clockwork.Clock
	metrics    *metrics.PortalMetrics

	refreshGroup singleflight.Group
}

// NewClient creates a portal client. refresher may be nil when OAuth is not
// configured; expired tokens then surface the portal's error.
func NewClient(tokens domain.TokenRepository, refresher Refresher, cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	webhookURL := cfg.WebhookURL
	if webhookURL != "" && !strings.HasSuffix(webhookURL, "/") {
		webhookURL += "/"
	}

	return &Client{
		tokens:     tokens,
		refresher:  refresher,
		webhookURL: webhookURL,
		timeout:    timeout,
		httpClient: httpClient,
		clock:      clock,
		metrics:    cfg.Metrics,
	}
}

// UsesWebhook reports whether calls go through a static inbound webhook.
func (c *Client) UsesWebhook() bool {
	return c.webhookURL != ""
}

// Call invokes a REST method and returns the raw "result" field.
//
// An expired_token or invalid_token response triggers exactly one refresh and
// one retry. If the retry fails too, its *APIError is returned unchanged.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	start := c.clock.Now()
	result, err := c.call(ctx, method, params)
	c.metrics.ObserveCall(method, callOutcome(err), c.clock.Since(start))
	return result, err
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if c.webhookURL != "" {
		return c.do(ctx, c.webhookURL+method+".json", params)
	}

	token, err := c.tokens.Get(ctx)
	if errors.Is(err, domain.ErrTokenNotFound) {
		return nil, domain.ErrNotAuthorized
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load token: %w", err)
	}

	refreshed := false
	if token.ExpiresWithin(c.clock.Now(), refreshWindow) && c.refresher != nil {
		token, err = c.refresh(ctx, token)
		if err != nil {
			return nil, err
		}
		refreshed = true
	}

	result, err := c.do(ctx, methodURL(token, method), params)

	var apiErr *APIError
	if err == nil || refreshed || c.refresher == nil || !errors.As(err, &apiErr) || !apiErr.TokenExpired() {
		return result, err
	}

	slog.DebugContext(ctx, "Portal rejected token, refreshing", "method", method, "code", apiErr.Code)
	token, err = c.refresh(ctx, token)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, methodURL(token, method), params)
}

func methodURL(token *domain.Token, method string) string {
	return token.RESTEndpoint() + method + ".json?auth=" + url.QueryEscape(token.AccessToken)
}

// refresh exchanges the refresh token and persists the result. Concurrent
// callers holding the same refresh token share one upstream request, and a
// caller whose token was already rotated by an earlier refresh gets the
// stored token instead of spending the used refresh token again.
func (c *Client) refresh(ctx context.Context, current *domain.Token) (*domain.Token, error) {
	v, err, _ := c.refreshGroup.Do(current.RefreshToken, func() (any, error) {
		stored, err := c.tokens.Get(ctx)
		if err != nil && !errors.Is(err, domain.ErrTokenNotFound) {
			return nil, fmt.Errorf("failed to reload token: %w", err)
		}
		if stored != nil && stored.RefreshToken != current.RefreshToken {
			slog.DebugContext(ctx, "Portal token already refreshed", "member_id", stored.MemberID)
			return stored, nil
		}

		fresh, err := c.refresher.Refresh(ctx, current.RefreshToken)
		if err != nil {
			var refreshErr *TokenRefreshError
			if errors.As(err, &refreshErr) && refreshErr.Revoked {
				c.metrics.ObserveRefresh("revoked")
			} else {
				c.metrics.ObserveRefresh("error")
			}
			return nil, err
		}

		merged := mergeToken(current, fresh)
		saved, err := c.tokens.Save(ctx, merged)
		if err != nil {
			c.metrics.ObserveRefresh("error")
			return nil, fmt.Errorf("failed to save refreshed token: %w", err)
		}

		c.metrics.ObserveRefresh("success")
		slog.InfoContext(ctx, "Portal token refreshed", "member_id", saved.MemberID, "expires_at", saved.ExpiresAt)
		return saved, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Token), nil
}

// mergeToken fills fields the refresh response may omit from the current record.
func mergeToken(current, fresh *domain.Token) *domain.Token {
	merged := *fresh
	merged.ID = current.ID
	merged.CreatedAt = current.CreatedAt
	merged.MemberID = coalesce(fresh.MemberID, current.MemberID)
	merged.Domain = coalesce(fresh.Domain, current.Domain)
	merged.ClientEndpoint = coalesce(fresh.ClientEndpoint, current.ClientEndpoint)
	merged.RefreshToken = coalesce(fresh.RefreshToken, current.RefreshToken)
	merged.Scope = coalesce(fresh.Scope, current.Scope)
	merged.ApplicationToken = coalesce(fresh.ApplicationToken, current.ApplicationToken)
	return &merged
}

type envelope struct {
	Result           json.RawMessage `json:"result"`
	Error            string          `json:"error"`
	ErrorDescription string          `json:"error_description"`
}

func (c *Client) do(ctx context.Context, endpoint string, params any) (json.RawMessage, error) {
	if params == nil {
		params = map[string]any{}
	}
	payload, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode params: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return nil, &APIError{Status: resp.StatusCode, Code: "http_error", Description: truncate(string(body), 256)}
		}
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if env.Error != "" {
		return nil, &APIError{Status: resp.StatusCode, Code: env.Error, Description: env.ErrorDescription}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, &APIError{Status: resp.StatusCode, Code: "http_error", Description: http.StatusText(resp.StatusCode)}
	}

	return env.Result, nil
}

func callOutcome(err error) string {
	var apiErr *APIError
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, domain.ErrNotAuthorized):
		return "unauthorized"
	case errors.As(err, &apiErr):
		return "api_error"
	default:
		return "error"
	}
}

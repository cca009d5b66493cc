package bitrix

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/chatbridge/internal/domain"
)

const defaultOAuthURL = "https://oauth.bitrix.info"

type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	// OAuthURL is the token server base URL (configurable for testing).
	OAuthURL   string
	HTTPClient *http.Client
	Clock      clockwork.Clock
}

// OAuthClient runs the portal's authorization-code and refresh grants.
type OAuthClient struct {
	clientID     string
	clientSecret string
	redirectURI  string
	oauthURL     string
	httpClient   *http.Client
	clock        clockwork.Clock
}

func NewOAuthClient(cfg OAuthConfig) *OAuthClient {
	oauthURL := strings.TrimRight(cfg.OAuthURL, "/")
	if oauthURL == "" {
		oauthURL = defaultOAuthURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &OAuthClient{
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		redirectURI:  cfg.RedirectURI,
		oauthURL:     oauthURL,
		httpClient:   httpClient,
		clock:        clock,
	}
}

// AuthorizeURL returns the portal page where an administrator grants access.
func (c *OAuthClient) AuthorizeURL(portalDomain, state string) string {
	q := url.Values{}
	q.Set("client_id", c.clientID)
	q.Set("response_type", "code")
	q.Set("state", state)
	if c.redirectURI != "" {
		q.Set("redirect_uri", c.redirectURI)
	}
	return "https://" + portalDomain + "/oauth/authorize/?" + q.Encode()
}

// Exchange trades an authorization code for a token pair.
func (c *OAuthClient) Exchange(ctx context.Context, code string) (*domain.Token, error) {
	q := url.Values{}
	q.Set("grant_type", "authorization_code")
	q.Set("code", code)
	return c.requestToken(ctx, q)
}

// Refresh obtains a new token pair using a refresh token.
func (c *OAuthClient) Refresh(ctx context.Context, refreshToken string) (*domain.Token, error) {
	q := url.Values{}
	q.Set("grant_type", "refresh_token")
	q.Set("refresh_token", refreshToken)
	return c.requestToken(ctx, q)
}

type tokenResponse struct {
	AccessToken    string `json:"access_token"`
	RefreshToken   string `json:"refresh_token"`
	ExpiresIn      int64  `json:"expires_in"`
	Expires        int64  `json:"expires"`
	Domain         string `json:"domain"`
	MemberID       string `json:"member_id"`
	ClientEndpoint string `json:"client_endpoint"`
	Scope          string `json:"scope"`

	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (c *OAuthClient) requestToken(ctx context.Context, q url.Values) (*domain.Token, error) {
	q.Set("client_id", c.clientID)
	q.Set("client_secret", c.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.oauthURL+"/oauth/token/", nil)
	if err != nil {
		return nil, &TokenRefreshError{Err: fmt.Errorf("failed to create token request: %w", err)}
	}
	req.URL.RawQuery = q.Encode()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TokenRefreshError{Err: fmt.Errorf("failed to execute token request: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &TokenRefreshError{Err: fmt.Errorf("failed to read token response: %w", err)}
	}

	var tr tokenResponse
	decodeErr := json.Unmarshal(body, &tr)

	if resp.StatusCode != http.StatusOK || tr.Error != "" {
		// A rejected grant will not succeed on retry
		revoked := resp.StatusCode == http.StatusBadRequest ||
			resp.StatusCode == http.StatusUnauthorized ||
			tr.Error == codeInvalidGrant
		return nil, &TokenRefreshError{
			Revoked: revoked,
			Err:     fmt.Errorf("token endpoint returned status %d: %s", resp.StatusCode, truncate(string(body), 256)),
		}
	}
	if decodeErr != nil {
		return nil, &TokenRefreshError{Err: fmt.Errorf("failed to decode token response: %w", decodeErr)}
	}
	if tr.AccessToken == "" {
		return nil, &TokenRefreshError{Err: fmt.Errorf("token response has no access_token")}
	}

	return tr.toToken(c.clock.Now()), nil
}

func (tr *tokenResponse) toToken(now time.Time) *domain.Token {
	tok := &domain.Token{
		MemberID:       tr.MemberID,
		Domain:         tr.Domain,
		ClientEndpoint: tr.ClientEndpoint,
		AccessToken:    tr.AccessToken,
		RefreshToken:   tr.RefreshToken,
		Scope:          tr.Scope,
	}
	switch {
	case tr.Expires > 0:
		tok.ExpiresAt = time.Unix(tr.Expires, 0).UTC()
	case tr.ExpiresIn > 0:
		tok.ExpiresAt = now.Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return tok
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Token is the portal OAuth record for one installation.
type Token struct {
	ID             uuid.UUID
	MemberID       string
	Domain         string
	ClientEndpoint string
	AccessToken    string
	RefreshToken   string
	ExpiresAt      time.Time
	Scope          string
	// ApplicationToken authenticates inbound portal events. It arrives with
	// the installation event, not with OAuth exchanges.
	ApplicationToken string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ExpiresWithin reports whether the access token is expired or will expire
// within d of now. A zero ExpiresAt means unknown and is treated as valid.
func (t *Token) ExpiresWithin(now time.Time, d time.Duration) bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(d).Before(t.ExpiresAt)
}

// RESTEndpoint returns the base URL for REST calls, ending in "/".
func (t *Token) RESTEndpoint() string {
	if t.ClientEndpoint != "" {
		if t.ClientEndpoint[len(t.ClientEndpoint)-1] != '/' {
			return t.ClientEndpoint + "/"
		}
		return t.ClientEndpoint
	}
	return "https://" + t.Domain + "/rest/"
}

// TokenRepository stores the active token. Get returns the most recently
// updated record, or ErrTokenNotFound.
type TokenRepository interface {
	Get(ctx context.Context) (*Token, error)
	Save(ctx context.Context, token *Token) (*Token, error)
}

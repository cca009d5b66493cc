package bitrix

import (
	"fmt"

	"github.com/pscheid92/chatbridge/internal/domain"
)

// Portal error codes that mean the access token must be refreshed.
const (
	codeExpiredToken = "expired_token"
	codeInvalidToken = "invalid_token"
	codeInvalidGrant = "invalid_grant"
)

// APIError is an error envelope returned by the portal, kept verbatim.
type APIError struct {
	Status      int
	Code        string
	Description string
}

func (e *APIError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("portal error %s (status %d)", e.Code, e.Status)
	}
	return fmt.Sprintf("portal error %s (status %d): %s", e.Code, e.Status, e.Description)
}

// Is lets callers match any portal error with domain.ErrPortalAPI.
func (e *APIError) Is(target error) bool {
	return target == domain.ErrPortalAPI
}

// TokenExpired reports whether a refresh could fix this error.
func (e *APIError) TokenExpired() bool {
	return e.Code == codeExpiredToken || e.Code == codeInvalidToken
}

// TokenRefreshError is returned when the OAuth server rejects an exchange
// or refresh. Revoked means the grant is gone and the app must be
// re-authorized.
type TokenRefreshError struct {
	Revoked bool
	Err     error
}

func (e *TokenRefreshError) Error() string {
	if e.Revoked {
		return fmt.Sprintf("token revoked: %v", e.Err)
	}
	return fmt.Sprintf("token refresh failed: %v", e.Err)
}

// Is reports a revoked grant as domain.ErrNotAuthorized.
func (e *TokenRefreshError) Is(target error) bool {
	return e.Revoked && target == domain.ErrNotAuthorized
}

func (e *TokenRefreshError) Unwrap() error {
	return e.Err
}

package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pscheid92/chatbridge/internal/domain"
	"github.com/pscheid92/chatbridge/internal/platform/crypto"
)

// tokenColumns must match the Scan order in scanToken.
const tokenColumns = `id, member_id, domain, client_endpoint, access_token, refresh_token, expires_at, scope, application_token, created_at, updated_at`

// TokenRepo implements domain.TokenRepository. Access, refresh and
// application tokens are sealed with the member id as associated data.
type TokenRepo struct {
	pool   *pgxpool.Pool
	crypto crypto.Service
}

var _ domain.TokenRepository = (*TokenRepo)(nil)

func NewTokenRepo(pool *pgxpool.Pool, cryptoSvc crypto.Service) *TokenRepo {
	if cryptoSvc == nil {
		cryptoSvc = crypto.Plaintext{}
	}
	return &TokenRepo{pool: pool, crypto: cryptoSvc}
}

func (r *TokenRepo) Get(ctx context.Context) (*domain.Token, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+tokenColumns+` FROM portal_tokens ORDER BY updated_at DESC LIMIT 1`)

	token, err := r.scanToken(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	return token, nil
}

// Save upserts the record for token.MemberID and returns it as stored.
func (r *TokenRepo) Save(ctx context.Context, token *domain.Token) (*domain.Token, error) {
	accessSealed, err := r.crypto.Encrypt(token.AccessToken, token.MemberID)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt access token: %w", err)
	}
	refreshSealed, err := r.crypto.Encrypt(token.RefreshToken, token.MemberID)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
	}
	appSealed, err := r.sealOptional(token.ApplicationToken, token.MemberID)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt application token: %w", err)
	}

	id := token.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO portal_tokens (id, member_id, domain, client_endpoint, access_token, refresh_token, expires_at, scope, application_token)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (member_id) DO UPDATE SET
			domain = EXCLUDED.domain,
			client_endpoint = EXCLUDED.client_endpoint,
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expires_at = EXCLUDED.expires_at,
			scope = EXCLUDED.scope,
			application_token = EXCLUDED.application_token,
			updated_at = NOW()
		RETURNING `+tokenColumns,
		id, token.MemberID, token.Domain, token.ClientEndpoint, accessSealed, refreshSealed,
		nullableTime(token.ExpiresAt), token.Scope, appSealed,
	)

	saved, err := r.scanToken(row)
	if err != nil {
		return nil, fmt.Errorf("failed to save token: %w", err)
	}
	return saved, nil
}

func (r *TokenRepo) scanToken(row pgx.Row) (*domain.Token, error) {
	var (
		t         domain.Token
		expiresAt *time.Time
	)
	if err := row.Scan(&t.ID, &t.MemberID, &t.Domain, &t.ClientEndpoint, &t.AccessToken, &t.RefreshToken,
		&expiresAt, &t.Scope, &t.ApplicationToken, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	if expiresAt != nil {
		t.ExpiresAt = expiresAt.UTC()
	}

	var err error
	if t.AccessToken, err = r.crypto.Decrypt(t.AccessToken, t.MemberID); err != nil {
		return nil, fmt.Errorf("failed to decrypt access token: %w", err)
	}
	if t.RefreshToken, err = r.crypto.Decrypt(t.RefreshToken, t.MemberID); err != nil {
		return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}
	if t.ApplicationToken != "" {
		if t.ApplicationToken, err = r.crypto.Decrypt(t.ApplicationToken, t.MemberID); err != nil {
			return nil, fmt.Errorf("failed to decrypt application token: %w", err)
		}
	}
	return &t, nil
}

// sealOptional keeps an empty value empty so "not learned yet" survives
// encryption.
func (r *TokenRepo) sealOptional(value, memberID string) (string, error) {
	if value == "" {
		return "", nil
	}
	return r.crypto.Encrypt(value, memberID)
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pscheid92/chatbridge/internal/domain"
)

// BotRepo implements domain.BotRepository for one bot code.
type BotRepo struct {
	pool *pgxpool.Pool
	code string
}

var _ domain.BotRepository = (*BotRepo)(nil)

func NewBotRepo(pool *pgxpool.Pool, code string) *BotRepo {
	return &BotRepo{pool: pool, code: code}
}

func (r *BotRepo) Get(ctx context.Context) (*domain.BotIdentity, error) {
	var bot domain.BotIdentity
	err := r.pool.QueryRow(ctx,
		`SELECT bot_id, code, member_id, registered_at FROM portal_bots WHERE code = $1`, r.code,
	).Scan(&bot.BotID, &bot.Code, &bot.MemberID, &bot.RegisteredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrBotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bot identity: %w", err)
	}
	return &bot, nil
}

func (r *BotRepo) Save(ctx context.Context, bot *domain.BotIdentity) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO portal_bots (code, bot_id, member_id, registered_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (code) DO UPDATE SET
			bot_id = EXCLUDED.bot_id,
			member_id = EXCLUDED.member_id,
			registered_at = EXCLUDED.registered_at`,
		r.code, bot.BotID, bot.MemberID, bot.RegisteredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save bot identity: %w", err)
	}
	return nil
}

func (r *BotRepo) Delete(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM portal_bots WHERE code = $1`, r.code); err != nil {
		return fmt.Errorf("failed to delete bot identity: %w", err)
	}
	return nil
}

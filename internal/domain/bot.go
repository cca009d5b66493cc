package domain

import (
	"context"
	"time"
)

// BotIdentity is the portal-issued chat-bot id used for outbound messages.
type BotIdentity struct {
	BotID        int64
	Code         string
	MemberID     string
	RegisteredAt time.Time
}

// BotProfile is what gets sent on registration and update.
type BotProfile struct {
	Code            string
	Name            string
	EventHandlerURL string
}

type BotRepository interface {
	Get(ctx context.Context) (*BotIdentity, error)
	Save(ctx context.Context, bot *BotIdentity) error
	Delete(ctx context.Context) error
}

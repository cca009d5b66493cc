package domain

import (
	"context"
	"time"
)

// ChatLink associates a messenger chat with a portal task.
type ChatLink struct {
	ChatID   int64     `json:"chat_id"`
	TaskID   int64     `json:"task_id"`
	LinkedAt time.Time `json:"linked_at"`
}

// LinkStore keeps chat<->task links. Link is last-write-wins in both
// directions: linking chat C to task T drops any earlier link of C and of T.
type LinkStore interface {
	Link(ctx context.Context, chatID, taskID int64) error
	TaskForChat(ctx context.Context, chatID int64) (int64, error)
	ChatForTask(ctx context.Context, taskID int64) (int64, error)
	Unlink(ctx context.Context, chatID int64) error
	List(ctx context.Context) ([]ChatLink, error)
	Reset(ctx context.Context) (int, error)
}

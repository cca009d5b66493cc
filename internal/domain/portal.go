package domain

import "context"

type PortalUser struct {
	ID       int64
	Name     string
	LastName string
	Email    string
}

type Lead struct {
	ID    int64
	Title string
}

type NewTask struct {
	Title         string
	Description   string
	ResponsibleID int64
}

type TaskComment struct {
	ID         int64
	TaskID     int64
	AuthorID   int64
	AuthorName string
	Message    string
}

// Portal is the subset of the portal REST API the service uses.
type Portal interface {
	CurrentUser(ctx context.Context) (*PortalUser, error)
	ListLeads(ctx context.Context, limit int) ([]Lead, error)
	CreateTask(ctx context.Context, task NewTask) (int64, error)
	AddTaskComment(ctx context.Context, taskID int64, text string) (int64, error)
	GetTaskComment(ctx context.Context, taskID, commentID int64) (*TaskComment, error)
	RegisterBot(ctx context.Context, profile BotProfile) (int64, error)
	UpdateBot(ctx context.Context, botID int64, profile BotProfile) error
	SendBotMessage(ctx context.Context, botID int64, dialogID, text string) (int64, error)
}

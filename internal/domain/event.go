package domain

// Portal event types handled by the service.
const (
	EventBotMessageAdd  = "ONIMBOTMESSAGEADD"
	EventBotJoinChat    = "ONIMBOTJOINCHAT"
	EventBotDelete      = "ONIMBOTDELETE"
	EventTaskCommentAdd = "ONTASKCOMMENTADD"
	EventAppInstall     = "ONAPPINSTALL"
)

// PortalEvent is an inbound portal event after field extraction.
type PortalEvent struct {
	Type             string
	ApplicationToken string

	DialogID   string
	Message    string
	AuthorName string
	BotID      int64

	TaskID    int64
	CommentID int64

	// Auth is set when the event carries installation credentials.
	Auth *Token
}

type EventOutcome string

const (
	OutcomeRelayed EventOutcome = "relayed"
	OutcomeHandled EventOutcome = "handled"
	OutcomeIgnored EventOutcome = "ignored"
)

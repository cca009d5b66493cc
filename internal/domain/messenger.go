package domain

import "context"

// ChatMessage is an inbound messenger message after conversion.
type ChatMessage struct {
	ChatID     int64
	MessageID  int
	SenderName string
	Text       string
	// Command is the bot command without the leading slash; empty for plain text.
	Command string
	Args    string
}

// Messenger sends text into a messenger chat.
type Messenger interface {
	SendText(ctx context.Context, chatID int64, text string) error
}

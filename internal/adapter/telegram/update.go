package telegram

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/pscheid92/chatbridge/internal/domain"
)

// SecretHeader carries the webhook secret on every Telegram delivery.
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// DecodeUpdate reads a webhook delivery body.
func DecodeUpdate(r io.Reader) (tgbotapi.Update, error) {
	var update tgbotapi.Update
	if err := json.NewDecoder(r).Decode(&update); err != nil {
		return tgbotapi.Update{}, fmt.Errorf("failed to decode telegram update: %w", err)
	}
	return update, nil
}

// ToChatMessage converts an update into a chat message. Edited messages are
// treated like new ones. ok is false for updates without text or caption.
func ToChatMessage(update tgbotapi.Update) (domain.ChatMessage, bool) {
	m := update.Message
	if m == nil {
		m = update.EditedMessage
	}
	if m == nil || m.Chat == nil {
		return domain.ChatMessage{}, false
	}

	text := m.Text
	if text == "" {
		text = m.Caption
	}
	if strings.TrimSpace(text) == "" {
		return domain.ChatMessage{}, false
	}

	msg := domain.ChatMessage{
		ChatID:     m.Chat.ID,
		MessageID:  m.MessageID,
		SenderName: senderName(m),
		Text:       text,
	}
	if m.Text != "" && m.IsCommand() {
		msg.Command = strings.ToLower(m.Command())
		msg.Args = strings.TrimSpace(m.CommandArguments())
	}
	return msg, true
}

func senderName(m *tgbotapi.Message) string {
	if u := m.From; u != nil {
		name := strings.TrimSpace(u.FirstName + " " + u.LastName)
		if name != "" {
			return name
		}
		if u.UserName != "" {
			return "@" + u.UserName
		}
	}
	if m.SenderChat != nil && m.SenderChat.Title != "" {
		return m.SenderChat.Title
	}
	if m.Chat.Title != "" {
		return m.Chat.Title
	}
	return fmt.Sprintf("chat %d", m.Chat.ID)
}

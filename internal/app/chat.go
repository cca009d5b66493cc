package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pscheid92/chatbridge/internal/domain"
)

// RelayMarker prefixes every comment written on behalf of a chat user. Portal
// comments starting with it are our own and are never relayed back.
const RelayMarker = "[Telegram]"

const leadsLimit = 10

const helpText = `Hi! I connect this chat with the portal.
Every message you send is added to a portal task.

/me - your portal profile
/leads - first 10 CRM leads
/task - task linked to this chat
/new - start a new task with the next message
/help - this help`

const notConnectedText = "The portal is not connected yet. Ask an administrator to install the app."

// HandleChatMessage answers bot commands and relays plain text into the
// portal. Replies go back to the originating chat.
func (s *Service) HandleChatMessage(ctx context.Context, msg domain.ChatMessage) error {
	var (
		reply string
		err   error
	)
	switch msg.Command {
	case "":
		reply, err = s.relayToPortal(ctx, msg)
	case "start", "help":
		reply = helpText
	case "me":
		reply, err = s.describeCurrentUser(ctx)
	case "leads":
		reply, err = s.describeLeads(ctx)
	case "task":
		reply, err = s.describeLinkedTask(ctx, msg.ChatID)
	case "new":
		reply, err = s.startNewTask(ctx, msg.ChatID)
	default:
		reply = fmt.Sprintf("Unknown command /%s. Send /help for the list of commands.", msg.Command)
	}

	if err != nil {
		reply = failureReply(err)
	}
	if reply != "" {
		if sendErr := s.reply(ctx, msg.ChatID, reply); sendErr != nil {
			return errors.Join(err, sendErr)
		}
	}
	if errors.Is(err, domain.ErrNotAuthorized) {
		// Answered; nothing for the caller to report.
		return nil
	}
	return err
}

func failureReply(err error) string {
	if errors.Is(err, domain.ErrNotAuthorized) {
		return notConnectedText
	}
	if errors.Is(err, domain.ErrPortalAPI) {
		return "The portal rejected the request: " + err.Error()
	}
	return "Something went wrong, please try again later."
}

func (s *Service) reply(ctx context.Context, chatID int64, text string) error {
	if s.messenger == nil {
		slog.WarnContext(ctx, "No messenger configured, dropping reply")
		return nil
	}
	return s.messenger.SendText(ctx, chatID, text)
}

// RelayText formats a chat message as it appears in the portal.
func RelayText(sender, text string) string {
	return fmt.Sprintf("%s %s: %s", RelayMarker, sender, text)
}

// IsRelayed reports whether a portal text was written by this service.
func IsRelayed(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), RelayMarker)
}

func (s *Service) relayToPortal(ctx context.Context, msg domain.ChatMessage) (string, error) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return "", nil
	}

	taskID, err := s.links.TaskForChat(ctx, msg.ChatID)
	switch {
	case err == nil:
		_, commentErr := s.portal.AddTaskComment(ctx, taskID, RelayText(msg.SenderName, text))
		if commentErr == nil {
			s.metrics.Message("to_portal", "comment")
			slog.DebugContext(ctx, "Relayed chat message as comment", "chat_id", msg.ChatID, "task_id", taskID)
			return "", nil
		}
		if !errors.Is(commentErr, domain.ErrPortalAPI) {
			s.metrics.Message("to_portal", "failed")
			return "", fmt.Errorf("failed to comment on task %d: %w", taskID, commentErr)
		}
		// The task is gone or closed for comments; open a fresh one.
		slog.WarnContext(ctx, "Portal rejected comment, opening a new task", "chat_id", msg.ChatID, "task_id", taskID, "error", commentErr)
	case errors.Is(err, domain.ErrLinkNotFound):
	default:
		return "", fmt.Errorf("failed to look up chat link: %w", err)
	}

	newTaskID, err := s.portal.CreateTask(ctx, domain.NewTask{
		Title:         "Telegram: " + msg.SenderName,
		Description:   text,
		ResponsibleID: s.cfg.ResponsibleID,
	})
	if err != nil {
		s.metrics.Message("to_portal", "failed")
		return "", fmt.Errorf("failed to create task: %w", err)
	}
	if err := s.links.Link(ctx, msg.ChatID, newTaskID); err != nil {
		return "", fmt.Errorf("failed to link chat to task %d: %w", newTaskID, err)
	}

	s.metrics.Message("to_portal", "task")
	slog.InfoContext(ctx, "Opened portal task for chat", "chat_id", msg.ChatID, "task_id", newTaskID)
	return fmt.Sprintf("Created task #%d. Follow-up messages will be added to it.", newTaskID), nil
}

func (s *Service) describeCurrentUser(ctx context.Context) (string, error) {
	u, err := s.portal.CurrentUser(ctx)
	if err != nil {
		return "", err
	}
	name := strings.TrimSpace(u.Name + " " + u.LastName)
	return fmt.Sprintf("%s\nEmail: %s", name, u.Email), nil
}

func (s *Service) describeLeads(ctx context.Context) (string, error) {
	leads, err := s.portal.ListLeads(ctx, leadsLimit)
	if err != nil {
		return "", err
	}
	if len(leads) == 0 {
		return "No leads.", nil
	}

	var b strings.Builder
	b.WriteString("Leads:")
	for _, l := range leads {
		fmt.Fprintf(&b, "\n%d: %s", l.ID, l.Title)
	}
	return b.String(), nil
}

func (s *Service) describeLinkedTask(ctx context.Context, chatID int64) (string, error) {
	taskID, err := s.links.TaskForChat(ctx, chatID)
	if errors.Is(err, domain.ErrLinkNotFound) {
		return "This chat has no task yet. Send a message to open one.", nil
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("This chat is linked to task #%d.", taskID), nil
}

func (s *Service) startNewTask(ctx context.Context, chatID int64) (string, error) {
	err := s.links.Unlink(ctx, chatID)
	if err != nil && !errors.Is(err, domain.ErrLinkNotFound) {
		return "", err
	}
	return "Your next message will open a new task.", nil
}

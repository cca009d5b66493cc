package app

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/pscheid92/chatbridge/internal/domain"
	apperrors "github.com/pscheid92/chatbridge/internal/platform/errors"
)

var taskPrefix = regexp.MustCompile(`^#(\d+)\s*`)

const welcomeText = "Hi! Messages written here are forwarded to Telegram. Start a message with #<task id> to reach the chat linked to that task."

const routingHint = "Message not delivered: start it with #<task id> to address a linked Telegram chat."

// HandlePortalEvent processes one inbound portal event.
func (s *Service) HandlePortalEvent(ctx context.Context, event *domain.PortalEvent) (domain.EventOutcome, error) {
	if err := s.verifyEvent(ctx, event); err != nil {
		outcome := "failed"
		if apperrors.AsStructuredError(err).Type == apperrors.TypeValidation {
			outcome = "rejected"
		}
		s.metrics.Event(event.Type, outcome)
		return "", err
	}

	outcome, err := s.dispatchEvent(ctx, event)
	if err != nil {
		s.metrics.Event(event.Type, "failed")
		return "", err
	}
	s.metrics.Event(event.Type, string(outcome))
	return outcome, nil
}

// verifyEvent checks the event's application token against the configured
// one, or else the one stored at installation. Until either exists, only a
// first installation may bring credentials.
func (s *Service) verifyEvent(ctx context.Context, event *domain.PortalEvent) error {
	if s.cfg.ApplicationToken != "" {
		return matchApplicationToken(event, s.cfg.ApplicationToken)
	}

	stored, err := s.tokens.Get(ctx)
	switch {
	case err == nil && stored.ApplicationToken != "":
		return matchApplicationToken(event, stored.ApplicationToken)
	case err != nil && !errors.Is(err, domain.ErrTokenNotFound):
		return fmt.Errorf("failed to load token: %w", err)
	}

	if event.Type != domain.EventAppInstall || event.Auth == nil {
		return nil
	}
	if stored != nil {
		return apperrors.ValidationError("portal already connected; set PORTAL_APPLICATION_TOKEN to accept reinstallation").
			WithField("event", event.Type)
	}
	if event.ApplicationToken == "" {
		return apperrors.ValidationError("installation event carries no application token").WithField("event", event.Type)
	}
	return nil
}

func matchApplicationToken(event *domain.PortalEvent, expected string) error {
	if subtle.ConstantTimeCompare([]byte(event.ApplicationToken), []byte(expected)) != 1 {
		return apperrors.ValidationError("application token mismatch").WithField("event", event.Type)
	}
	return nil
}

func (s *Service) dispatchEvent(ctx context.Context, event *domain.PortalEvent) (domain.EventOutcome, error) {
	switch event.Type {
	case domain.EventBotMessageAdd:
		return s.onBotMessage(ctx, event)
	case domain.EventTaskCommentAdd:
		return s.onTaskComment(ctx, event)
	case domain.EventBotJoinChat:
		return s.onJoinChat(ctx, event)
	case domain.EventBotDelete:
		return s.onBotDelete(ctx, event)
	case domain.EventAppInstall:
		return s.onAppInstall(ctx, event)
	default:
		slog.DebugContext(ctx, "Ignoring portal event", "event", event.Type)
		return domain.OutcomeIgnored, nil
	}
}

func (s *Service) onBotMessage(ctx context.Context, event *domain.PortalEvent) (domain.EventOutcome, error) {
	text := strings.TrimSpace(event.Message)
	if text == "" {
		return domain.OutcomeIgnored, nil
	}

	chatID := s.cfg.DefaultChatID
	if m := taskPrefix.FindStringSubmatch(text); m != nil {
		linked, err := s.chatForTaskRef(ctx, m[1])
		if err != nil {
			return "", err
		}
		chatID = linked
		if linked != 0 {
			text = strings.TrimSpace(text[len(m[0]):])
		}
	}

	if chatID == 0 || s.messenger == nil {
		if err := s.botReply(ctx, event, routingHint); err != nil {
			return "", err
		}
		return domain.OutcomeHandled, nil
	}

	if err := s.messenger.SendText(ctx, chatID, prefixAuthor(event.AuthorName, text)); err != nil {
		s.metrics.Message("to_telegram", "failed")
		return "", fmt.Errorf("failed to relay bot message to chat %d: %w", chatID, err)
	}
	s.metrics.Message("to_telegram", "bot_message")
	slog.InfoContext(ctx, "Relayed portal message to chat", "chat_id", chatID, "dialog_id", event.DialogID)
	return domain.OutcomeRelayed, nil
}

// chatForTaskRef resolves the digits of a "#<task id>" prefix to the linked
// chat. Zero means no target: the task is unlinked or the id overflows.
func (s *Service) chatForTaskRef(ctx context.Context, ref string) (int64, error) {
	taskID, err := strconv.ParseInt(ref, 10, 64)
	if err != nil {
		return 0, nil
	}
	chatID, err := s.links.ChatForTask(ctx, taskID)
	if errors.Is(err, domain.ErrLinkNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to look up task link: %w", err)
	}
	return chatID, nil
}

func (s *Service) onTaskComment(ctx context.Context, event *domain.PortalEvent) (domain.EventOutcome, error) {
	if event.TaskID == 0 || event.CommentID == 0 {
		return domain.OutcomeIgnored, nil
	}

	chatID, err := s.links.ChatForTask(ctx, event.TaskID)
	if errors.Is(err, domain.ErrLinkNotFound) {
		return domain.OutcomeIgnored, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up task link: %w", err)
	}

	comment, err := s.portal.GetTaskComment(ctx, event.TaskID, event.CommentID)
	if err != nil {
		return "", fmt.Errorf("failed to fetch comment %d: %w", event.CommentID, err)
	}
	if IsRelayed(comment.Message) || strings.TrimSpace(comment.Message) == "" {
		return domain.OutcomeIgnored, nil
	}
	if s.messenger == nil {
		return domain.OutcomeIgnored, nil
	}

	text := fmt.Sprintf("Task #%d, %s", event.TaskID, prefixAuthor(comment.AuthorName, comment.Message))
	if err := s.messenger.SendText(ctx, chatID, text); err != nil {
		s.metrics.Message("to_telegram", "failed")
		return "", fmt.Errorf("failed to relay comment to chat %d: %w", chatID, err)
	}
	s.metrics.Message("to_telegram", "comment")
	slog.InfoContext(ctx, "Relayed task comment to chat", "chat_id", chatID, "task_id", event.TaskID)
	return domain.OutcomeRelayed, nil
}

func (s *Service) onJoinChat(ctx context.Context, event *domain.PortalEvent) (domain.EventOutcome, error) {
	if event.DialogID == "" {
		return domain.OutcomeIgnored, nil
	}
	if err := s.botReply(ctx, event, welcomeText); err != nil {
		return "", err
	}
	return domain.OutcomeHandled, nil
}

func (s *Service) onBotDelete(ctx context.Context, event *domain.PortalEvent) (domain.EventOutcome, error) {
	if err := s.bots.Delete(ctx); err != nil && !errors.Is(err, domain.ErrBotNotFound) {
		return "", fmt.Errorf("failed to forget bot identity: %w", err)
	}
	slog.InfoContext(ctx, "Portal bot deleted", "bot_id", event.BotID)
	return domain.OutcomeHandled, nil
}

func (s *Service) onAppInstall(ctx context.Context, event *domain.PortalEvent) (domain.EventOutcome, error) {
	if event.Auth == nil {
		return domain.OutcomeIgnored, nil
	}
	token := *event.Auth
	token.ApplicationToken = event.ApplicationToken
	if _, err := s.CompleteAuthorization(ctx, &token); err != nil {
		return "", err
	}
	return domain.OutcomeHandled, nil
}

// botReply posts text into the event's dialog as our bot. The cached
// identity wins over the id carried by the event.
func (s *Service) botReply(ctx context.Context, event *domain.PortalEvent, text string) error {
	botID := event.BotID
	if bot, err := s.bots.Get(ctx); err == nil {
		botID = bot.BotID
	}
	if botID == 0 || event.DialogID == "" {
		slog.WarnContext(ctx, "Cannot answer in portal dialog, bot or dialog unknown", "event", event.Type)
		return nil
	}
	if _, err := s.portal.SendBotMessage(ctx, botID, event.DialogID, text); err != nil {
		return fmt.Errorf("failed to answer in dialog %s: %w", event.DialogID, err)
	}
	return nil
}

func prefixAuthor(author, text string) string {
	if author == "" {
		return text
	}
	return author + ": " + text
}

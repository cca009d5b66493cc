package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pscheid92/chatbridge/internal/domain"
	apperrors "github.com/pscheid92/chatbridge/internal/platform/errors"
)

const (
	TargetTelegram = "telegram"
	TargetPortal   = "portal"
)

// SendRequest is a manual send. Telegram targets take ChatID or TaskID
// (the chat linked to it); portal targets take DialogID (bot message) or
// TaskID (comment).
type SendRequest struct {
	Target   string `json:"target"`
	ChatID   int64  `json:"chat_id,omitempty"`
	TaskID   int64  `json:"task_id,omitempty"`
	DialogID string `json:"dialog_id,omitempty"`
	Text     string `json:"text"`
}

type SendResult struct {
	Target    string `json:"target"`
	ChatID    int64  `json:"chat_id,omitempty"`
	TaskID    int64  `json:"task_id,omitempty"`
	DialogID  string `json:"dialog_id,omitempty"`
	MessageID int64  `json:"message_id,omitempty"`
	CommentID int64  `json:"comment_id,omitempty"`
}

func (s *Service) SendMessage(ctx context.Context, req SendRequest) (*SendResult, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, apperrors.ValidationError("text is required")
	}

	switch req.Target {
	case TargetTelegram:
		return s.sendToTelegram(ctx, req)
	case TargetPortal:
		return s.sendToPortal(ctx, req)
	default:
		return nil, apperrors.ValidationError(`target must be "telegram" or "portal"`).WithField("target", req.Target)
	}
}

func (s *Service) sendToTelegram(ctx context.Context, req SendRequest) (*SendResult, error) {
	if s.messenger == nil {
		return nil, apperrors.UnavailableError("telegram is not configured (TELEGRAM_TOKEN)")
	}

	chatID := req.ChatID
	if chatID == 0 {
		if req.TaskID == 0 {
			return nil, apperrors.ValidationError("chat_id or task_id is required")
		}
		linked, err := s.links.ChatForTask(ctx, req.TaskID)
		if errors.Is(err, domain.ErrLinkNotFound) {
			return nil, apperrors.NotFoundError("no chat is linked to this task").WithField("task_id", req.TaskID)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to look up task link: %w", err)
		}
		chatID = linked
	}

	if err := s.messenger.SendText(ctx, chatID, req.Text); err != nil {
		s.metrics.Message("to_telegram", "failed")
		return nil, err
	}
	s.metrics.Message("to_telegram", "manual")
	return &SendResult{Target: TargetTelegram, ChatID: chatID, TaskID: req.TaskID}, nil
}

func (s *Service) sendToPortal(ctx context.Context, req SendRequest) (*SendResult, error) {
	switch {
	case req.DialogID != "":
		bot, err := s.bots.Get(ctx)
		if errors.Is(err, domain.ErrBotNotFound) {
			return nil, apperrors.NotFoundError("bot is not registered")
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load bot identity: %w", err)
		}
		messageID, err := s.portal.SendBotMessage(ctx, bot.BotID, req.DialogID, req.Text)
		if err != nil {
			s.metrics.Message("to_portal", "failed")
			return nil, err
		}
		s.metrics.Message("to_portal", "manual")
		return &SendResult{Target: TargetPortal, DialogID: req.DialogID, MessageID: messageID}, nil

	case req.TaskID != 0:
		commentID, err := s.portal.AddTaskComment(ctx, req.TaskID, req.Text)
		if err != nil {
			s.metrics.Message("to_portal", "failed")
			return nil, err
		}
		s.metrics.Message("to_portal", "manual")
		return &SendResult{Target: TargetPortal, TaskID: req.TaskID, CommentID: commentID}, nil

	default:
		return nil, apperrors.ValidationError("dialog_id or task_id is required")
	}
}

package bitrix

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pscheid92/chatbridge/internal/domain"
)

var _ domain.Portal = (*Client)(nil)

func (c *Client) CurrentUser(ctx context.Context) (*domain.PortalUser, error) {
	raw, err := c.Call(ctx, "user.current", nil)
	if err != nil {
		return nil, err
	}

	var u struct {
		ID       flexID `json:"ID"`
		Name     string `json:"NAME"`
		LastName string `json:"LAST_NAME"`
		Email    string `json:"EMAIL"`
	}
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, fmt.Errorf("failed to decode user.current result: %w", err)
	}

	return &domain.PortalUser{ID: int64(u.ID), Name: u.Name, LastName: u.LastName, Email: u.Email}, nil
}

// ListLeads returns at most limit leads in portal order.
func (c *Client) ListLeads(ctx context.Context, limit int) ([]domain.Lead, error) {
	raw, err := c.Call(ctx, "crm.lead.list", map[string]any{
		"order":  map[string]string{"ID": "ASC"},
		"select": []string{"ID", "TITLE"},
	})
	if err != nil {
		return nil, err
	}

	var rows []struct {
		ID    flexID `json:"ID"`
		Title string `json:"TITLE"`
	}
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode crm.lead.list result: %w", err)
	}

	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	leads := make([]domain.Lead, 0, len(rows))
	for _, r := range rows {
		leads = append(leads, domain.Lead{ID: int64(r.ID), Title: r.Title})
	}
	return leads, nil
}

func (c *Client) CreateTask(ctx context.Context, task domain.NewTask) (int64, error) {
	raw, err := c.Call(ctx, "tasks.task.add", map[string]any{
		"fields": map[string]any{
			"TITLE":          task.Title,
			"DESCRIPTION":    task.Description,
			"RESPONSIBLE_ID": task.ResponsibleID,
		},
	})
	if err != nil {
		return 0, err
	}

	var res struct {
		Task struct {
			ID flexID `json:"id"`
		} `json:"task"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return 0, fmt.Errorf("failed to decode tasks.task.add result: %w", err)
	}
	if res.Task.ID == 0 {
		return 0, fmt.Errorf("tasks.task.add returned no task id")
	}
	return int64(res.Task.ID), nil
}

func (c *Client) AddTaskComment(ctx context.Context, taskID int64, text string) (int64, error) {
	raw, err := c.Call(ctx, "task.commentitem.add", map[string]any{
		"TASKID": taskID,
		"FIELDS": map[string]any{"POST_MESSAGE": text},
	})
	if err != nil {
		return 0, err
	}
	return decodeID(raw, "task.commentitem.add")
}

func (c *Client) GetTaskComment(ctx context.Context, taskID, commentID int64) (*domain.TaskComment, error) {
	raw, err := c.Call(ctx, "task.commentitem.get", map[string]any{
		"TASKID": taskID,
		"ITEMID": commentID,
	})
	if err != nil {
		return nil, err
	}

	var cm struct {
		ID          flexID `json:"ID"`
		AuthorID    flexID `json:"AUTHOR_ID"`
		AuthorName  string `json:"AUTHOR_NAME"`
		PostMessage string `json:"POST_MESSAGE"`
	}
	if err := json.Unmarshal(raw, &cm); err != nil {
		return nil, fmt.Errorf("failed to decode task.commentitem.get result: %w", err)
	}

	return &domain.TaskComment{
		ID:         int64(cm.ID),
		TaskID:     taskID,
		AuthorID:   int64(cm.AuthorID),
		AuthorName: cm.AuthorName,
		Message:    cm.PostMessage,
	}, nil
}

func (c *Client) RegisterBot(ctx context.Context, profile domain.BotProfile) (int64, error) {
	params := botFields(profile)
	params["CODE"] = profile.Code
	params["TYPE"] = "B"
	params["OPENLINE"] = "N"

	raw, err := c.Call(ctx, "imbot.register", params)
	if err != nil {
		return 0, err
	}
	return decodeID(raw, "imbot.register")
}

func (c *Client) UpdateBot(ctx context.Context, botID int64, profile domain.BotProfile) error {
	_, err := c.Call(ctx, "imbot.update", map[string]any{
		"BOT_ID": botID,
		"FIELDS": botFields(profile),
	})
	return err
}

func (c *Client) SendBotMessage(ctx context.Context, botID int64, dialogID, text string) (int64, error) {
	raw, err := c.Call(ctx, "imbot.message.add", map[string]any{
		"BOT_ID":    botID,
		"DIALOG_ID": dialogID,
		"MESSAGE":   text,
	})
	if err != nil {
		return 0, err
	}
	return decodeID(raw, "imbot.message.add")
}

func botFields(profile domain.BotProfile) map[string]any {
	return map[string]any{
		"EVENT_MESSAGE_ADD":     profile.EventHandlerURL,
		"EVENT_WELCOME_MESSAGE": profile.EventHandlerURL,
		"EVENT_BOT_DELETE":      profile.EventHandlerURL,
		"PROPERTIES":            map[string]any{"NAME": profile.Name},
	}
}

func decodeID(raw json.RawMessage, method string) (int64, error) {
	var id flexID
	if err := json.Unmarshal(raw, &id); err != nil {
		return 0, fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return int64(id), nil
}

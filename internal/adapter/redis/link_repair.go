package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
)

// RepairReport summarises a consistency pass over the link hashes.
type RepairReport struct {
	ChatEntries     int
	TaskEntries     int
	RestoredReverse int
	DroppedChat     int
	DroppedTask     int
}

// Repair makes the two link hashes mirror images again. A chat entry whose
// task has no reverse entry gets it restored; a chat entry whose task
// points at another chat, or that cannot be parsed, is dropped; task
// entries not confirmed by their chat are dropped. With dryRun nothing is
// written.
//
// Repair is not atomic with concurrent Link calls and is meant for
// maintenance windows.
func (s *LinkStore) Repair(ctx context.Context, dryRun bool) (*RepairReport, error) {
	chats, err := s.rdb.HGetAll(ctx, chatKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read chat links: %w", err)
	}
	tasks, err := s.rdb.HGetAll(ctx, taskKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read task links: %w", err)
	}

	report := &RepairReport{ChatEntries: len(chats), TaskEntries: len(tasks)}
	var dropChat, dropTask []string
	restore := make(map[string]string)

	for chatField, val := range chats {
		chatID, err := strconv.ParseInt(chatField, 10, 64)
		if err != nil {
			dropChat = append(dropChat, chatField)
			continue
		}
		link, err := parseChatValue(chatID, val)
		if err != nil {
			dropChat = append(dropChat, chatField)
			continue
		}

		taskField := strconv.FormatInt(link.TaskID, 10)
		owner, ok := tasks[taskField]
		switch {
		case !ok:
			if _, claimed := restore[taskField]; claimed {
				dropChat = append(dropChat, chatField)
				continue
			}
			restore[taskField] = chatField
		case owner != chatField:
			dropChat = append(dropChat, chatField)
		}
	}

	for taskField, chatField := range tasks {
		val, ok := chats[chatField]
		if !ok {
			dropTask = append(dropTask, taskField)
			continue
		}
		chatID, _ := strconv.ParseInt(chatField, 10, 64)
		link, err := parseChatValue(chatID, val)
		if err != nil || strconv.FormatInt(link.TaskID, 10) != taskField {
			dropTask = append(dropTask, taskField)
		}
	}

	report.RestoredReverse = len(restore)
	report.DroppedChat = len(dropChat)
	report.DroppedTask = len(dropTask)

	for _, f := range dropChat {
		slog.DebugContext(ctx, "Dropping stale chat link", "chat_id", f, "dry_run", dryRun)
	}
	for _, f := range dropTask {
		slog.DebugContext(ctx, "Dropping orphan task link", "task_id", f, "dry_run", dryRun)
	}
	if dryRun {
		return report, nil
	}

	pipe := s.rdb.TxPipeline()
	if len(dropChat) > 0 {
		pipe.HDel(ctx, chatKey, dropChat...)
	}
	if len(dropTask) > 0 {
		pipe.HDel(ctx, taskKey, dropTask...)
	}
	for taskField, chatField := range restore {
		pipe.HSet(ctx, taskKey, taskField, chatField)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to apply link repair: %w", err)
	}
	return report, nil
}

package redis

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/chatbridge/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

// Link hashes. chatKey maps chat id -> "<task id>:<linked at ms>",
// taskKey maps task id -> chat id.
const (
	chatKey = "chatbridge:links:chat"
	taskKey = "chatbridge:links:task"
)

// linkScript relinks a chat and a task atomically, dropping any previous link
// of either side so both hashes stay mirror images.
// ARGV: [1]=chat_id, [2]=task_id, [3]=now_ms
var linkScript = goredis.NewScript(`
local old = redis.call('HGET', KEYS[1], ARGV[1])
if old then
  local old_task = string.match(old, '^(-?%d+)')
  if old_task and redis.call('HGET', KEYS[2], old_task) == ARGV[1] then
    redis.call('HDEL', KEYS[2], old_task)
  end
end
local old_chat = redis.call('HGET', KEYS[2], ARGV[2])
if old_chat then
  redis.call('HDEL', KEYS[1], old_chat)
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2] .. ':' .. ARGV[3])
redis.call('HSET', KEYS[2], ARGV[2], ARGV[1])
return 1
`)

// unlinkScript removes a chat's link from both hashes. Returns 0 when the
// chat had no link.
// ARGV: [1]=chat_id
var unlinkScript = goredis.NewScript(`
local old = redis.call('HGET', KEYS[1], ARGV[1])
if not old then
  return 0
end
redis.call('HDEL', KEYS[1], ARGV[1])
local old_task = string.match(old, '^(-?%d+)')
if old_task and redis.call('HGET', KEYS[2], old_task) == ARGV[1] then
  redis.call('HDEL', KEYS[2], old_task)
end
return 1
`)

// LinkStore implements domain.LinkStore on two Redis hashes.
type LinkStore struct {
	rdb   goredis.Cmdable
	clock clockwork.Clock
}

var _ domain.LinkStore = (*LinkStore)(nil)

func NewLinkStore(rdb goredis.Cmdable, clock clockwork.Clock) *LinkStore {
	return &LinkStore{rdb: rdb, clock: clock}
}

func (s *LinkStore) Link(ctx context.Context, chatID, taskID int64) error {
	err := linkScript.Run(ctx, s.rdb, []string{chatKey, taskKey},
		strconv.FormatInt(chatID, 10),
		strconv.FormatInt(taskID, 10),
		strconv.FormatInt(s.clock.Now().UnixMilli(), 10),
	).Err()
	if err != nil {
		return fmt.Errorf("link script failed: %w", err)
	}
	return nil
}

func (s *LinkStore) TaskForChat(ctx context.Context, chatID int64) (int64, error) {
	val, err := s.rdb.HGet(ctx, chatKey, strconv.FormatInt(chatID, 10)).Result()
	if errors.Is(err, goredis.Nil) {
		return 0, domain.ErrLinkNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get task for chat: %w", err)
	}

	link, err := parseChatValue(chatID, val)
	if err != nil {
		return 0, err
	}
	return link.TaskID, nil
}

func (s *LinkStore) ChatForTask(ctx context.Context, taskID int64) (int64, error) {
	val, err := s.rdb.HGet(ctx, taskKey, strconv.FormatInt(taskID, 10)).Result()
	if errors.Is(err, goredis.Nil) {
		return 0, domain.ErrLinkNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get chat for task: %w", err)
	}

	chatID, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt link for task %d: %w", taskID, err)
	}
	return chatID, nil
}

func (s *LinkStore) Unlink(ctx context.Context, chatID int64) error {
	removed, err := unlinkScript.Run(ctx, s.rdb, []string{chatKey, taskKey}, strconv.FormatInt(chatID, 10)).Int()
	if err != nil {
		return fmt.Errorf("unlink script failed: %w", err)
	}
	if removed == 0 {
		return domain.ErrLinkNotFound
	}
	return nil
}

// List returns all links ordered by chat id.
func (s *LinkStore) List(ctx context.Context) ([]domain.ChatLink, error) {
	entries, err := s.rdb.HGetAll(ctx, chatKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list links: %w", err)
	}

	links := make([]domain.ChatLink, 0, len(entries))
	for field, val := range entries {
		chatID, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt link key %q: %w", field, err)
		}
		link, err := parseChatValue(chatID, val)
		if err != nil {
			return nil, err
		}
		links = append(links, link)
	}

	slices.SortFunc(links, func(a, b domain.ChatLink) int { return cmp.Compare(a.ChatID, b.ChatID) })
	return links, nil
}

// Reset deletes every link and returns how many there were.
func (s *LinkStore) Reset(ctx context.Context) (int, error) {
	var count *goredis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		count = pipe.HLen(ctx, chatKey)
		pipe.Del(ctx, chatKey, taskKey)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to reset links: %w", err)
	}
	return int(count.Val()), nil
}

func parseChatValue(chatID int64, val string) (domain.ChatLink, error) {
	taskPart, msPart, _ := strings.Cut(val, ":")
	taskID, err := strconv.ParseInt(taskPart, 10, 64)
	if err != nil {
		return domain.ChatLink{}, fmt.Errorf("corrupt link for chat %d: %w", chatID, err)
	}

	link := domain.ChatLink{ChatID: chatID, TaskID: taskID}
	if ms, err := strconv.ParseInt(msPart, 10, 64); err == nil {
		link.LinkedAt = time.UnixMilli(ms).UTC()
	}
	return link, nil
}

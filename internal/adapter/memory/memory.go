// Package memory provides process-lifetime stores used when no database or
// Redis is configured.
package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/chatbridge/internal/domain"
)

// TokenRepo keeps one token per member id; Get returns the most recently saved.
type TokenRepo struct {
	mu     sync.RWMutex
	clock  clockwork.Clock
	tokens map[string]domain.Token
	latest string
}

var _ domain.TokenRepository = (*TokenRepo)(nil)

func NewTokenRepo(clock clockwork.Clock) *TokenRepo {
	return &TokenRepo{clock: clock, tokens: make(map[string]domain.Token)}
}

func (r *TokenRepo) Get(_ context.Context) (*domain.Token, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tokens[r.latest]
	if !ok {
		return nil, domain.ErrTokenNotFound
	}
	return &t, nil
}

func (r *TokenRepo) Save(_ context.Context, token *domain.Token) (*domain.Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	t := *token
	if existing, ok := r.tokens[t.MemberID]; ok {
		t.ID = existing.ID
		t.CreatedAt = existing.CreatedAt
	} else {
		if t.ID == uuid.Nil {
			t.ID = uuid.New()
		}
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	r.tokens[t.MemberID] = t
	r.latest = t.MemberID
	return &t, nil
}

// BotRepo holds a single bot identity.
type BotRepo struct {
	mu  sync.RWMutex
	bot *domain.BotIdentity
}

var _ domain.BotRepository = (*BotRepo)(nil)

func NewBotRepo() *BotRepo {
	return &BotRepo{}
}

func (r *BotRepo) Get(_ context.Context) (*domain.BotIdentity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.bot == nil {
		return nil, domain.ErrBotNotFound
	}
	b := *r.bot
	return &b, nil
}

func (r *BotRepo) Save(_ context.Context, bot *domain.BotIdentity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := *bot
	r.bot = &b
	return nil
}

func (r *BotRepo) Delete(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.bot = nil
	return nil
}

// LinkStore keeps chat<->task links in two mirrored maps.
type LinkStore struct {
	mu     sync.RWMutex
	clock  clockwork.Clock
	byChat map[int64]domain.ChatLink
	byTask map[int64]int64
}

var _ domain.LinkStore = (*LinkStore)(nil)

func NewLinkStore(clock clockwork.Clock) *LinkStore {
	return &LinkStore{
		clock:  clock,
		byChat: make(map[int64]domain.ChatLink),
		byTask: make(map[int64]int64),
	}
}

func (s *LinkStore) Link(_ context.Context, chatID, taskID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.byChat[chatID]; ok && s.byTask[old.TaskID] == chatID {
		delete(s.byTask, old.TaskID)
	}
	if oldChat, ok := s.byTask[taskID]; ok {
		delete(s.byChat, oldChat)
	}

	s.byChat[chatID] = domain.ChatLink{ChatID: chatID, TaskID: taskID, LinkedAt: s.clock.Now()}
	s.byTask[taskID] = chatID
	return nil
}

func (s *LinkStore) TaskForChat(_ context.Context, chatID int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	link, ok := s.byChat[chatID]
	if !ok {
		return 0, domain.ErrLinkNotFound
	}
	return link.TaskID, nil
}

func (s *LinkStore) ChatForTask(_ context.Context, taskID int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chatID, ok := s.byTask[taskID]
	if !ok {
		return 0, domain.ErrLinkNotFound
	}
	return chatID, nil
}

func (s *LinkStore) Unlink(_ context.Context, chatID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	link, ok := s.byChat[chatID]
	if !ok {
		return domain.ErrLinkNotFound
	}
	delete(s.byChat, chatID)
	if s.byTask[link.TaskID] == chatID {
		delete(s.byTask, link.TaskID)
	}
	return nil
}

func (s *LinkStore) List(_ context.Context) ([]domain.ChatLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	links := make([]domain.ChatLink, 0, len(s.byChat))
	for _, l := range s.byChat {
		links = append(links, l)
	}
	slices.SortFunc(links, func(a, b domain.ChatLink) int { return cmp.Compare(a.ChatID, b.ChatID) })
	return links, nil
}

func (s *LinkStore) Reset(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.byChat)
	clear(s.byChat)
	clear(s.byTask)
	return n, nil
}

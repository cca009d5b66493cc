package app

import (
	"context"
	"testing"

	"github.com/pscheid92/chatbridge/internal/domain"
	apperrors "github.com/pscheid92/chatbridge/internal/platform/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlePortalEvent_ApplicationTokenMismatch(t *testing.T) {
	cfg := testConfig()
	cfg.ApplicationToken = "app-token"
	env := newTestEnv(t, cfg)

	_, err := env.svc.HandlePortalEvent(context.Background(), &domain.PortalEvent{Type: domain.EventBotDelete, ApplicationToken: "wrong"})

	var appErr *apperrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.TypeValidation, appErr.Type)
}

func TestHandlePortalEvent_UnknownTypeIgnored(t *testing.T) {
	env := newTestEnv(t, testConfig())

	outcome, err := env.svc.HandlePortalEvent(context.Background(), &domain.PortalEvent{Type: "ONCRMLEADADD"})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeIgnored, outcome)
}

func TestHandlePortalEvent_BotMessageRouting(t *testing.T) {
	tests := []struct {
		name        string
		defaultChat int64
		message     string
		wantOutcome domain.EventOutcome
		wantChat    int64
		wantText    string
		wantHint    bool
	}{
		{"task prefix routes to linked chat", 0, "#77 on my way", domain.OutcomeRelayed, 100, "Olga: on my way", false},
		{"no prefix goes to default chat", 555, "hello all", domain.OutcomeRelayed, 555, "Olga: hello all", false},
		{"no prefix and no default answers with hint", 0, "hello all", domain.OutcomeHandled, 0, "", true},
		{"unlinked task answers with hint", 555, "#99 hi", domain.OutcomeHandled, 0, "", true},
		{"overflowing task id answers with hint", 555, "#99999999999999999999 hi", domain.OutcomeHandled, 0, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.DefaultChatID = tt.defaultChat
			env := newTestEnv(t, cfg)
			ctx := context.Background()
			require.NoError(t, env.links.Link(ctx, 100, 77))

			var hint string
			env.portal.sendBotMessageFn = func(_ context.Context, botID int64, dialogID, text string) (int64, error) {
				assert.Equal(t, int64(12), botID)
				assert.Equal(t, "chat5", dialogID)
				hint = text
				return 1, nil
			}

			outcome, err := env.svc.HandlePortalEvent(ctx, &domain.PortalEvent{
				Type:       domain.EventBotMessageAdd,
				DialogID:   "chat5",
				Message:    tt.message,
				AuthorName: "Olga",
				BotID:      12,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.wantOutcome, outcome)

			sent := env.messenger.Sent()
			if tt.wantHint {
				assert.Empty(t, sent)
				assert.Equal(t, routingHint, hint)
				return
			}
			require.Len(t, sent, 1)
			assert.Equal(t, sentText{ChatID: tt.wantChat, Text: tt.wantText}, sent[0])
		})
	}
}

func TestHandlePortalEvent_TaskComment(t *testing.T) {
	tests := []struct {
		name        string
		message     string
		wantOutcome domain.EventOutcome
		wantSent    string
	}{
		{"relays to linked chat", "Price is 100", domain.OutcomeRelayed, "Task #77, Olga: Price is 100"},
		{"own relay marker is not echoed", "[Telegram] Ivan: hi", domain.OutcomeIgnored, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, testConfig())
			ctx := context.Background()
			require.NoError(t, env.links.Link(ctx, 100, 77))

			env.portal.getCommentFn = func(_ context.Context, taskID, commentID int64) (*domain.TaskComment, error) {
				assert.Equal(t, int64(77), taskID)
				assert.Equal(t, int64(5), commentID)
				return &domain.TaskComment{ID: 5, TaskID: 77, AuthorName: "Olga", Message: tt.message}, nil
			}

			outcome, err := env.svc.HandlePortalEvent(ctx, &domain.PortalEvent{Type: domain.EventTaskCommentAdd, TaskID: 77, CommentID: 5})
			require.NoError(t, err)
			assert.Equal(t, tt.wantOutcome, outcome)

			sent := env.messenger.Sent()
			if tt.wantSent == "" {
				assert.Empty(t, sent)
				return
			}
			require.Len(t, sent, 1)
			assert.Equal(t, sentText{ChatID: 100, Text: tt.wantSent}, sent[0])
		})
	}
}

func TestHandlePortalEvent_TaskCommentOnUnlinkedTask(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.portal.getCommentFn = func(context.Context, int64, int64) (*domain.TaskComment, error) {
		t.Fatal("unlinked tasks need no comment fetch")
		return nil, nil
	}

	outcome, err := env.svc.HandlePortalEvent(context.Background(), &domain.PortalEvent{Type: domain.EventTaskCommentAdd, TaskID: 1, CommentID: 2})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeIgnored, outcome)
}

func TestHandlePortalEvent_JoinChatWelcomes(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()
	require.NoError(t, env.bots.Save(ctx, &domain.BotIdentity{BotID: 30}))

	var gotBot int64
	var gotText string
	env.portal.sendBotMessageFn = func(_ context.Context, botID int64, _ string, text string) (int64, error) {
		gotBot, gotText = botID, text
		return 1, nil
	}

	outcome, err := env.svc.HandlePortalEvent(ctx, &domain.PortalEvent{Type: domain.EventBotJoinChat, DialogID: "chat9", BotID: 12})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeHandled, outcome)
	assert.Equal(t, int64(30), gotBot, "cached identity wins")
	assert.Equal(t, welcomeText, gotText)
}

func TestHandlePortalEvent_BotDeleteForgetsIdentity(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()
	require.NoError(t, env.bots.Save(ctx, &domain.BotIdentity{BotID: 30}))

	outcome, err := env.svc.HandlePortalEvent(ctx, &domain.PortalEvent{Type: domain.EventBotDelete, BotID: 30})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeHandled, outcome)

	_, err = env.bots.Get(ctx)
	assert.ErrorIs(t, err, domain.ErrBotNotFound)
}

func TestHandlePortalEvent_AppInstallStoresToken(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()
	env.portal.registerBotFn = func(context.Context, domain.BotProfile) (int64, error) { return 8, nil }

	outcome, err := env.svc.HandlePortalEvent(ctx, &domain.PortalEvent{
		Type:             domain.EventAppInstall,
		ApplicationToken: "app-secret",
		Auth:             &domain.Token{MemberID: "m-9", Domain: "b24.example.com", AccessToken: "a", RefreshToken: "r"},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeHandled, outcome)

	tok, err := env.tokens.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "m-9", tok.MemberID)
	assert.Equal(t, "app-secret", tok.ApplicationToken)

	bot, err := env.bots.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(8), bot.BotID)
}

func TestHandlePortalEvent_AppInstallWithoutAuthIgnored(t *testing.T) {
	env := newTestEnv(t, testConfig())

	outcome, err := env.svc.HandlePortalEvent(context.Background(), &domain.PortalEvent{Type: domain.EventAppInstall})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeIgnored, outcome)
}

func TestHandlePortalEvent_InstallCannotReplaceConnectedPortal(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()
	_, err := env.tokens.Save(ctx, &domain.Token{MemberID: "m-1", Domain: "b24.example.com", AccessToken: "good"})
	require.NoError(t, err)

	_, err = env.svc.HandlePortalEvent(ctx, &domain.PortalEvent{
		Type:             domain.EventAppInstall,
		ApplicationToken: "anything",
		Auth:             &domain.Token{MemberID: "evil", ClientEndpoint: "https://attacker.example/rest/", AccessToken: "attacker"},
	})

	var appErr *apperrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.TypeValidation, appErr.Type)

	tok, err := env.tokens.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "m-1", tok.MemberID)
	assert.Equal(t, "good", tok.AccessToken)
}

func TestHandlePortalEvent_FirstInstallNeedsApplicationToken(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()

	_, err := env.svc.HandlePortalEvent(ctx, &domain.PortalEvent{
		Type: domain.EventAppInstall,
		Auth: &domain.Token{MemberID: "m-1", AccessToken: "a"},
	})

	var appErr *apperrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.TypeValidation, appErr.Type)
	_, err = env.tokens.Get(ctx)
	assert.ErrorIs(t, err, domain.ErrTokenNotFound)
}

func TestHandlePortalEvent_StoredApplicationTokenGuardsLaterEvents(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()
	env.portal.registerBotFn = func(context.Context, domain.BotProfile) (int64, error) { return 8, nil }

	_, err := env.svc.HandlePortalEvent(ctx, &domain.PortalEvent{
		Type:             domain.EventAppInstall,
		ApplicationToken: "app-secret",
		Auth:             &domain.Token{MemberID: "m-1", AccessToken: "a"},
	})
	require.NoError(t, err)

	tests := []struct {
		name    string
		event   domain.PortalEvent
		wantErr bool
	}{
		{"wrong token", domain.PortalEvent{Type: domain.EventBotDelete, ApplicationToken: "wrong"}, true},
		{"missing token", domain.PortalEvent{Type: domain.EventBotDelete}, true},
		{"reinstall with wrong token", domain.PortalEvent{
			Type: domain.EventAppInstall, ApplicationToken: "wrong",
			Auth: &domain.Token{MemberID: "evil", AccessToken: "attacker"},
		}, true},
		{"matching token", domain.PortalEvent{Type: "ONCRMLEADADD", ApplicationToken: "app-secret"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.HandlePortalEvent(ctx, &tt.event)
			if tt.wantErr {
				var appErr *apperrors.Error
				require.ErrorAs(t, err, &appErr)
				assert.Equal(t, apperrors.TypeValidation, appErr.Type)
				return
			}
			assert.NoError(t, err)
		})
	}

	tok, err := env.tokens.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", tok.AccessToken)
}

func TestHandlePortalEvent_ReinstallWithMatchingTokenUpdatesCredentials(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()
	_, err := env.tokens.Save(ctx, &domain.Token{MemberID: "m-1", AccessToken: "old", ApplicationToken: "app-secret"})
	require.NoError(t, err)

	outcome, err := env.svc.HandlePortalEvent(ctx, &domain.PortalEvent{
		Type:             domain.EventAppInstall,
		ApplicationToken: "app-secret",
		Auth:             &domain.Token{MemberID: "m-1", AccessToken: "new"},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeHandled, outcome)

	tok, err := env.tokens.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "new", tok.AccessToken)
	assert.Equal(t, "app-secret", tok.ApplicationToken)
}

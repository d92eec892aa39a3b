package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"chatgateway/internal/kv"
	"chatgateway/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipeline_UserMessageInBotMode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, room := f.userRoom(t)

	require.NoError(t, f.pipeline.HandleUserMessage(ctx, a, room.ID, "hello"))

	rows := f.chatsIn(t, room.ID)
	require.Len(t, rows, 2)
	assert.Equal(t, models.RoleUser, rows[0].Role)
	assert.Equal(t, a.UserID, rows[0].SenderID)
	assert.Equal(t, models.RoleChatbot, rows[1].Role)
	assert.Equal(t, models.ChatbotID, rows[1].SenderID)
	assert.Equal(t, "bot says hi", rows[1].Message)
	require.NotNil(t, rows[1].ResponseCategory)
	assert.Equal(t, "answer", *rows[1].ResponseCategory)
	require.NotNil(t, rows[1].TotalTokens)
	assert.Equal(t, 15, *rows[1].TotalTokens)
	assert.InDelta(t, 0.12, *rows[1].Latency, 1e-9)
	assert.Equal(t, []string{"faq"}, rows[1].ToolsCalled)
	assert.True(t, rows[1].CreatedAt.After(rows[0].CreatedAt))

	chatNew := f.pub.ofType(EventChatNew)
	require.Len(t, chatNew, 2)
	assert.Equal(t, kv.RoomChannel(room.ID), chatNew[0].channel)
	assert.Equal(t, "user", chatNew[0].payload["role"])
	assert.Equal(t, "chatbot", chatNew[1].payload["role"])
	assert.Len(t, f.pub.ofType(EventActiveRooms), 2)

	member, err := f.rooms.IsMember(ctx, room.ID, models.ChatbotID)
	require.NoError(t, err)
	assert.True(t, member, "chatbot member is created before the first reply")
}

func TestPipeline_HistoryExcludesCurrentAndHonoursLookback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, room := f.userRoom(t)

	require.NoError(t, f.pipeline.HandleUserMessage(ctx, a, room.ID, "one"))
	require.NoError(t, f.pipeline.HandleUserMessage(ctx, a, room.ID, "two"))
	require.NoError(t, f.pipeline.HandleUserMessage(ctx, a, room.ID, "three"))

	reqs := f.bot.requests()
	require.Len(t, reqs, 3)
	assert.Empty(t, reqs[0].History)
	last := reqs[2]
	assert.Equal(t, "three", last.Message)
	require.Len(t, last.History, 3)
	assert.Equal(t, "bot says hi", last.History[0].Message)
	assert.Equal(t, "two", last.History[1].Message)
	assert.Equal(t, models.RoleChatbot, last.History[2].Role)
	assert.Equal(t, room.ID, last.RoomID)
	assert.Equal(t, f.tenantID, last.TenantID)
}

func TestPipeline_BotFailureWritesFallback(t *testing.T) {
	for name, b := range map[string]*fakeBot{
		"error":   {err: errors.New("upstream 500")},
		"timeout": {text: "too late", delay: 2 * time.Second},
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			f.bot.err, f.bot.text, f.bot.delay = b.err, b.text, b.delay
			a, room := f.userRoom(t)

			require.NoError(t, f.pipeline.HandleUserMessage(context.Background(), a, room.ID, "help"))

			rows := f.chatsIn(t, room.ID)
			require.Len(t, rows, 2)
			assert.Equal(t, "help", rows[0].Message)
			assert.Equal(t, "sorry", rows[1].Message)
			require.NotNil(t, rows[1].ResponseCategory)
			assert.Equal(t, "error", *rows[1].ResponseCategory)
			assert.Nil(t, rows[1].TotalTokens)
		})
	}
}

func TestPipeline_TakeoverSuppressesBot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, room := f.userRoom(t)
	admin := f.admin()

	_, err := f.pipeline.JoinRoom(ctx, admin, room.ID)
	require.NoError(t, err)
	require.NoError(t, f.pipeline.SetMode(ctx, admin, room.ID, models.ModeAdminTakeover))
	require.NoError(t, f.pipeline.HandleUserMessage(ctx, a, room.ID, "agent please"))

	rows := f.chatsIn(t, room.ID)
	require.Len(t, rows, 1)
	assert.Equal(t, models.RoleUser, rows[0].Role)
	assert.Empty(t, f.bot.requests())

	modeEvents := f.pub.ofType(EventModeChanged)
	require.Len(t, modeEvents, 1)
	assert.Equal(t, models.ModeAdminTakeover, modeEvents[0].payload["mode"])

	var stored models.Room
	require.NoError(t, f.db.First(&stored, "id = ?", room.ID).Error)
	assert.True(t, stored.AgentActive)

	require.NoError(t, f.pipeline.SetMode(ctx, admin, room.ID, models.ModeBot))
	require.NoError(t, f.db.First(&stored, "id = ?", room.ID).Error)
	assert.False(t, stored.AgentActive)
}

func TestPipeline_AssistWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now()
	f.modes.now = func() time.Time { return now }
	a, room := f.userRoom(t)
	admin := f.admin()

	_, err := f.pipeline.JoinRoom(ctx, admin, room.ID)
	require.NoError(t, err)
	require.NoError(t, f.pipeline.SetMode(ctx, admin, room.ID, models.ModeAdminAssist))

	// no admin message yet: bot answers
	require.NoError(t, f.pipeline.HandleUserMessage(ctx, a, room.ID, "q1"))
	require.Len(t, f.bot.requests(), 1)

	joined, err := f.pipeline.HandleAdminMessage(ctx, admin, room.ID, "on it")
	require.NoError(t, err)
	assert.False(t, joined)

	now = now.Add(10 * time.Second)
	require.NoError(t, f.pipeline.HandleUserMessage(ctx, a, room.ID, "q2"))
	assert.Len(t, f.bot.requests(), 1, "admin spoke 10s ago")

	now = now.Add(25 * time.Second)
	require.NoError(t, f.pipeline.HandleUserMessage(ctx, a, room.ID, "q3"))
	assert.Len(t, f.bot.requests(), 2, "admin silent for 35s")
}

func TestPipeline_AdminMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, room := f.userRoom(t)
	admin := f.admin()

	_, err := f.pipeline.HandleAdminMessage(ctx, a, room.ID, "x")
	assert.ErrorIs(t, err, ErrNotAuthorized)
	_, err = f.pipeline.HandleAdminMessage(ctx, admin, "", "x")
	assert.ErrorIs(t, err, ErrValidation)
	_, err = f.pipeline.HandleAdminMessage(ctx, admin, uuid.NewString(), "x")
	assert.ErrorIs(t, err, ErrNotFound)

	joined, err := f.pipeline.HandleAdminMessage(ctx, admin, room.ID, "hi there")
	require.NoError(t, err)
	assert.True(t, joined)
	joined, err = f.pipeline.HandleAdminMessage(ctx, admin, room.ID, "again")
	require.NoError(t, err)
	assert.False(t, joined)

	raw, err := f.mr.Get(kv.LastAdminKey(room.ID))
	require.NoError(t, err)
	assert.NotEmpty(t, raw)
	assert.Empty(t, f.bot.requests(), "admin messages never trigger the bot")

	mapping, err := f.rooms.GetRoomMapping(ctx, models.RoleAdmin, admin.UserID, f.tenantID)
	require.NoError(t, err)
	assert.Equal(t, room.ID, mapping)

	other := Actor{TenantID: uuid.NewString(), UserID: uuid.NewString(), Role: models.RoleAdmin}
	_, err = f.pipeline.HandleAdminMessage(ctx, other, room.ID, "sneaky")
	assert.ErrorIs(t, err, ErrNotAuthorized)
}

func TestPipeline_ChatbotMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, room := f.userRoom(t)
	b := Actor{TenantID: f.tenantID, UserID: uuid.NewString(), Role: models.RoleChatbot}

	require.NoError(t, f.pipeline.HandleChatbotMessage(ctx, b, room.ID, "pushed reply"))
	rows := f.chatsIn(t, room.ID)
	require.Len(t, rows, 1)
	assert.Equal(t, models.ChatbotID, rows[0].SenderID)
	assert.Empty(t, f.bot.requests())

	assert.ErrorIs(t, f.pipeline.HandleChatbotMessage(ctx, b, "", "x"), ErrValidation)
}

func TestPipeline_ValidationAndModeRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, room := f.userRoom(t)
	admin := f.admin()

	assert.ErrorIs(t, f.pipeline.HandleUserMessage(ctx, a, room.ID, "  "), ErrValidation)
	assert.ErrorIs(t, f.pipeline.SetMode(ctx, a, room.ID, models.ModeBot), ErrNotAuthorized)
	assert.ErrorIs(t, f.pipeline.SetMode(ctx, admin, room.ID, "chaos"), ErrValidation)
	assert.ErrorIs(t, f.pipeline.SetMode(ctx, admin, room.ID, models.ModeAdminAssist), ErrNotAuthorized, "must join first")
	_, err := f.pipeline.JoinRoom(ctx, a, room.ID)
	assert.ErrorIs(t, err, ErrNotAuthorized)

	_, err = f.pipeline.JoinRoom(ctx, admin, room.ID)
	require.NoError(t, err)
	mode, err := f.modes.Mode(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ModeBot, mode, "joining does not change mode")
	presence := f.pub.ofType(EventPresenceChange)
	require.Len(t, presence, 1)
	assert.Equal(t, admin.UserID, presence[0].payload["user_id"])
}

func TestPipeline_CloseRoom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, room := f.userRoom(t)
	admin := f.admin()
	require.NoError(t, f.rooms.SetRoomMapping(ctx, models.RoleUser, a.UserID, f.tenantID, room.ID))
	require.NoError(t, f.modes.SetMode(ctx, room.ID, models.ModeAdminTakeover))

	closed, err := f.pipeline.CloseRoom(ctx, admin, room.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoomClosed, closed.Status)

	_, err = f.rooms.GetRoomMapping(ctx, models.RoleUser, a.UserID, f.tenantID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, f.mr.Exists(kv.ModeKey(room.ID)))
	require.Len(t, f.pub.ofType(EventRoomClosed), 1)

	_, err = f.pipeline.HandleAdminMessage(ctx, admin, room.ID, "late")
	assert.ErrorIs(t, err, ErrValidation)
	assert.ErrorIs(t, err, ErrRoomClosed)

	next, created, err := f.rooms.FindOrCreateRoom(ctx, f.tenantID, a.UserID)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, room.ID, next.ID)
}

func TestPipeline_UserMessageToClosedRoomIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, room := f.userRoom(t)
	// closed elsewhere while this node still routes the user to the room
	require.NoError(t, f.db.Model(&models.Room{}).Where("id = ?", room.ID).Update("status", models.RoomClosed).Error)

	err := f.pipeline.HandleUserMessage(ctx, a, room.ID, "still there?")
	require.ErrorIs(t, err, ErrRoomClosed)
	assert.Equal(t, "validation error: room is closed", ClientMessage(err))
	assert.Empty(t, f.chatsIn(t, room.ID))
	assert.Empty(t, f.bot.requests())
}

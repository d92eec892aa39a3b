package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"chatgateway/internal/bot"
	"chatgateway/internal/models"
	"chatgateway/internal/testutil"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type published struct {
	channel string
	payload map[string]any
}

// recordingPub stands in for the bus and keeps every event it was asked to publish.
type recordingPub struct {
	mu     sync.Mutex
	events []published
}

func (p *recordingPub) Publish(_ context.Context, channel string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	p.mu.Lock()
	p.events = append(p.events, published{channel: channel, payload: m})
	p.mu.Unlock()
	return nil
}

func (p *recordingPub) ofType(typ string) []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []published
	for _, e := range p.events {
		if e.payload["type"] == typ {
			out = append(out, e)
		}
	}
	return out
}

// fakeBot answers with text, or fails with err; it records the requests it saw.
type fakeBot struct {
	mu    sync.Mutex
	reqs  []bot.Request
	text  string
	err   error
	delay time.Duration
}

func (b *fakeBot) Reply(ctx context.Context, req bot.Request) (bot.Reply, error) {
	b.mu.Lock()
	b.reqs = append(b.reqs, req)
	text, err, delay := b.text, b.err, b.delay
	b.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return bot.Reply{}, ctx.Err()
		}
	}
	if err != nil {
		return bot.Reply{}, err
	}
	return bot.Reply{Text: text, Latency: 120 * time.Millisecond, InputTokens: 10, OutputTokens: 5, TotalTokens: 15, Category: "answer", Tools: []string{"faq"}}, nil
}

func (b *fakeBot) requests() []bot.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]bot.Request(nil), b.reqs...)
}

type fixture struct {
	db       *gorm.DB
	mr       *miniredis.Miniredis
	rdb      *redis.Client
	rooms    *RoomService
	chats    *ChatService
	modes    *ModeArbiter
	bot      *fakeBot
	pub      *recordingPub
	pipeline *Pipeline
	tenantID string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	mr, rdb := testutil.NewRedis(t)
	f := &fixture{
		db:       db,
		mr:       mr,
		rdb:      rdb,
		rooms:    NewRoomService(db, rdb, time.Hour),
		chats:    NewChatService(db, nil),
		modes:    NewModeArbiter(rdb, 30*time.Second),
		bot:      &fakeBot{text: "bot says hi"},
		pub:      &recordingPub{},
		tenantID: uuid.NewString(),
	}
	f.pipeline = NewPipeline(f.rooms, f.chats, f.modes, bot.NewAdapter(f.bot, 500*time.Millisecond), f.pub,
		PipelineConfig{HistoryLookback: 3, FallbackText: "sorry"})
	return f
}

func (f *fixture) userRoom(t *testing.T) (Actor, models.Room) {
	t.Helper()
	a := Actor{TenantID: f.tenantID, UserID: uuid.NewString(), Role: models.RoleUser}
	room, _, err := f.rooms.FindOrCreateRoom(context.Background(), a.TenantID, a.UserID)
	require.NoError(t, err)
	return a, room
}

func (f *fixture) admin() Actor {
	return Actor{TenantID: f.tenantID, UserID: uuid.NewString(), Role: models.RoleAdmin}
}

func (f *fixture) chatsIn(t *testing.T, roomID string) []models.Chat {
	t.Helper()
	var out []models.Chat
	require.NoError(t, f.db.Where("room_id = ?", roomID).Order("created_at asc").Order("id asc").Find(&out).Error)
	return out
}

package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"chatgateway/internal/bot"
	"chatgateway/internal/kv"
	"chatgateway/internal/models"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const categoryError = "error"

// Actor 是已通过握手认证的发送方。
type Actor struct {
	TenantID string
	UserID   string
	Role     string
}

// BotReplier 由 bot.Adapter 实现。
type BotReplier interface {
	Reply(ctx context.Context, req bot.Request) (bot.Reply, error)
}

// Pipeline 处理入站帧：落库、按模式决定是否调用机器人、发布事件。
type Pipeline struct {
	rooms    *RoomService
	chats    *ChatService
	modes    *ModeArbiter
	bot      BotReplier
	pub      Publisher
	lookback int
	fallback string
}

type PipelineConfig struct {
	HistoryLookback int
	FallbackText    string
}

func NewPipeline(rooms *RoomService, chats *ChatService, modes *ModeArbiter, b BotReplier, pub Publisher, cfg PipelineConfig) *Pipeline {
	return &Pipeline{
		rooms:    rooms,
		chats:    chats,
		modes:    modes,
		bot:      b,
		pub:      pub,
		lookback: cfg.HistoryLookback,
		fallback: cfg.FallbackText,
	}
}

func validText(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: message must not be empty", ErrValidation)
	}
	return nil
}

// HandleUserMessage 先落库并广播用户消息，再视模式调用机器人。
// 机器人失败时写入兜底回复（response_category=error），用户消息不受影响。
func (p *Pipeline) HandleUserMessage(ctx context.Context, a Actor, roomID, text string) error {
	ctx, span := otel.Tracer("service/Pipeline").Start(ctx, "HandleUserMessage",
		trace.WithAttributes(
			attribute.String("tenant.id", a.TenantID),
			attribute.String("room.id", roomID),
		),
	)
	defer span.End()

	if err := validText(text); err != nil {
		return err
	}
	// 房间可能已被其他节点关闭；检查与写入之间仍有很小的窗口，不加行锁
	room, err := p.rooms.RoomForTenant(ctx, a.TenantID, roomID)
	if err != nil {
		return err
	}
	if room.Status != models.RoomOpen {
		return ErrRoomClosed
	}
	userChat, err := p.chats.Create(ctx, models.Chat{RoomID: roomID, SenderID: a.UserID, Role: models.RoleUser, Message: text})
	if err != nil {
		return err
	}
	p.publishChat(ctx, a.TenantID, userChat)

	reply, mode, err := p.modes.ShouldBotReply(ctx, roomID)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.String("room.mode", mode), attribute.Bool("bot.reply", reply))
	if !reply {
		log.Debug().Str("room_id", roomID).Str("mode", mode).Msg("bot reply suppressed")
		return nil
	}

	history, err := p.chats.Recent(ctx, roomID, p.lookback, userChat.ID)
	if err != nil {
		log.Warn().Err(err).Str("room_id", roomID).Msg("load history failed, replying without context")
		history = nil
	}
	if err := p.rooms.EnsureChatbotMember(ctx, a.TenantID, roomID); err != nil {
		log.Warn().Err(err).Str("room_id", roomID).Msg("ensure chatbot member failed")
	}

	turns := make([]bot.Turn, 0, len(history))
	for _, h := range history {
		turns = append(turns, bot.Turn{Role: h.Role, Message: h.Message})
	}
	botChat := models.Chat{RoomID: roomID, SenderID: models.ChatbotID, Role: models.RoleChatbot}
	r, err := p.bot.Reply(ctx, bot.Request{TenantID: a.TenantID, RoomID: roomID, History: turns, Message: text})
	if err != nil {
		log.Warn().Err(err).Str("room_id", roomID).Msg("bot unavailable, sending fallback")
		category := categoryError
		botChat.Message = p.fallback
		botChat.ResponseCategory = &category
	} else {
		latency := r.Latency.Seconds()
		in, out, total := r.InputTokens, r.OutputTokens, r.TotalTokens
		botChat.Message = r.Text
		botChat.Latency = &latency
		botChat.InputTokens, botChat.OutputTokens, botChat.TotalTokens = &in, &out, &total
		if r.Category != "" {
			category := r.Category
			botChat.ResponseCategory = &category
		}
		botChat.ToolsCalled = r.Tools
	}
	saved, err := p.chats.Create(ctx, botChat)
	if err != nil {
		return err
	}
	p.publishChat(ctx, a.TenantID, saved)
	return nil
}

// HandleAdminMessage 坐席发言不触发机器人。坐席尚未加入房间时自动加入，joined 为 true。
func (p *Pipeline) HandleAdminMessage(ctx context.Context, a Actor, roomID, text string) (joined bool, err error) {
	ctx, span := otel.Tracer("service/Pipeline").Start(ctx, "HandleAdminMessage",
		trace.WithAttributes(attribute.String("room.id", roomID), attribute.String("admin.id", a.UserID)),
	)
	defer span.End()

	if a.Role != models.RoleAdmin {
		return false, fmt.Errorf("%w: admin only", ErrNotAuthorized)
	}
	if roomID == "" {
		return false, fmt.Errorf("%w: room_id is required", ErrValidation)
	}
	if err := validText(text); err != nil {
		return false, err
	}
	room, err := p.rooms.RoomForTenant(ctx, a.TenantID, roomID)
	if err != nil {
		return false, err
	}
	if room.Status != models.RoomOpen {
		return false, ErrRoomClosed
	}
	member, err := p.rooms.IsMember(ctx, roomID, a.UserID)
	if err != nil {
		return false, err
	}
	if !member {
		if _, err := p.joinRoom(ctx, a, roomID); err != nil {
			return false, err
		}
		joined = true
	}
	if err := p.modes.TouchAdmin(ctx, roomID); err != nil {
		return joined, err
	}
	c, err := p.chats.Create(ctx, models.Chat{RoomID: roomID, SenderID: a.UserID, Role: models.RoleAdmin, Message: text})
	if err != nil {
		return joined, err
	}
	p.publishChat(ctx, a.TenantID, c)
	return joined, nil
}

// HandleChatbotMessage 外部机器人进程直接推送的回复，按 chatbot 角色落库。
func (p *Pipeline) HandleChatbotMessage(ctx context.Context, a Actor, roomID, text string) error {
	if roomID == "" {
		return fmt.Errorf("%w: room_id is required", ErrValidation)
	}
	if err := validText(text); err != nil {
		return err
	}
	room, err := p.rooms.RoomForTenant(ctx, a.TenantID, roomID)
	if err != nil {
		return err
	}
	if room.Status != models.RoomOpen {
		return ErrRoomClosed
	}
	if err := p.rooms.EnsureChatbotMember(ctx, a.TenantID, roomID); err != nil {
		return err
	}
	c, err := p.chats.Create(ctx, models.Chat{RoomID: roomID, SenderID: models.ChatbotID, Role: models.RoleChatbot, Message: text})
	if err != nil {
		return err
	}
	p.publishChat(ctx, a.TenantID, c)
	return nil
}

// JoinRoom 把坐席加入房间，不改变模式。
func (p *Pipeline) JoinRoom(ctx context.Context, a Actor, roomID string) (models.Room, error) {
	if a.Role != models.RoleAdmin {
		return models.Room{}, fmt.Errorf("%w: admin only", ErrNotAuthorized)
	}
	return p.joinRoom(ctx, a, roomID)
}

func (p *Pipeline) joinRoom(ctx context.Context, a Actor, roomID string) (models.Room, error) {
	room, err := p.rooms.AddAdminToRoom(ctx, a.TenantID, a.UserID, roomID)
	if err != nil {
		return models.Room{}, err
	}
	if err := p.rooms.SetRoomMapping(ctx, models.RoleAdmin, a.UserID, a.TenantID, roomID); err != nil {
		return room, err
	}
	p.publish(ctx, kv.RoomChannel(roomID), PresenceEvent{
		Type: EventPresenceChange, RoomID: roomID, UserID: a.UserID, Role: models.RoleAdmin, Online: true,
	})
	return room, nil
}

// SetMode 仅房间内的坐席可以切换模式；agent_active 随之更新。
func (p *Pipeline) SetMode(ctx context.Context, a Actor, roomID, mode string) error {
	if a.Role != models.RoleAdmin {
		return fmt.Errorf("%w: admin only", ErrNotAuthorized)
	}
	if !models.ValidMode(mode) {
		return fmt.Errorf("%w: unknown mode %q", ErrValidation, mode)
	}
	if _, err := p.rooms.RoomForTenant(ctx, a.TenantID, roomID); err != nil {
		return err
	}
	member, err := p.rooms.IsMember(ctx, roomID, a.UserID)
	if err != nil {
		return err
	}
	if !member {
		return fmt.Errorf("%w: join the room first", ErrNotAuthorized)
	}
	if err := p.modes.SetMode(ctx, roomID, mode); err != nil {
		return err
	}
	if err := p.rooms.SetAgentActive(ctx, roomID, mode != models.ModeBot); err != nil {
		return err
	}
	p.publish(ctx, kv.RoomChannel(roomID), ModeEvent{Type: EventModeChanged, RoomID: roomID, Mode: mode})
	p.publish(ctx, kv.ActiveRoomsChannel(a.TenantID), ActiveRoomsEvent{Type: EventActiveRooms, RoomID: roomID, Reason: EventModeChanged})
	return nil
}

// CloseRoom 关闭房间并通知房间内所有连接。
func (p *Pipeline) CloseRoom(ctx context.Context, a Actor, roomID string) (models.Room, error) {
	if a.Role != models.RoleAdmin {
		return models.Room{}, fmt.Errorf("%w: admin only", ErrNotAuthorized)
	}
	room, err := p.rooms.CloseRoom(ctx, a.TenantID, roomID)
	if err != nil {
		return models.Room{}, err
	}
	if err := p.modes.ClearMode(ctx, roomID); err != nil {
		log.Warn().Err(err).Str("room_id", roomID).Msg("clear mode failed")
	}
	p.publish(ctx, kv.RoomChannel(roomID), RoomClosedEvent{Type: EventRoomClosed, RoomID: roomID})
	p.publish(ctx, kv.ActiveRoomsChannel(a.TenantID), ActiveRoomsEvent{Type: EventActiveRooms, RoomID: roomID, Reason: EventRoomClosed})
	return room, nil
}

// RoomCreated 通知坐席工作台有新房间。
func (p *Pipeline) RoomCreated(ctx context.Context, tenantID, roomID string) {
	p.publish(ctx, kv.ActiveRoomsChannel(tenantID), ActiveRoomsEvent{Type: EventActiveRooms, RoomID: roomID, Reason: "room_created"})
}

// PublishPresence 为每个受影响的房间发布 presence_change。
func (p *Pipeline) PublishPresence(ctx context.Context, changes []MemberChange) {
	for _, c := range changes {
		p.publish(ctx, kv.RoomChannel(c.RoomID), PresenceEvent{
			Type: EventPresenceChange, RoomID: c.RoomID, UserID: c.UserID, Role: c.Role, Online: c.Online,
		})
	}
}

func (p *Pipeline) publishChat(ctx context.Context, tenantID string, c models.Chat) {
	p.publish(ctx, kv.RoomChannel(c.RoomID), ChatEvent{Type: EventChatNew, ChatDTO: toChatDTO(c)})
	p.publish(ctx, kv.ActiveRoomsChannel(tenantID), ActiveRoomsEvent{Type: EventActiveRooms, RoomID: c.RoomID, Reason: EventChatNew})
}

// publish 失败只记日志：消息已落库，客户端重连后可通过历史接口补齐。
func (p *Pipeline) publish(ctx context.Context, channel string, v any) {
	if err := p.pub.Publish(ctx, channel, v); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn().Err(err).Str("channel", channel).Msg("publish failed")
	}
}

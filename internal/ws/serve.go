package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"chatgateway/internal/auth"
	"chatgateway/internal/bus"
	"chatgateway/internal/kv"
	"chatgateway/internal/metrics"
	"chatgateway/internal/models"
	"chatgateway/internal/presence"
	"chatgateway/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Authenticator 由 auth.Resolver 实现。
type Authenticator interface {
	Resolve(ctx context.Context, c auth.Credentials) (auth.Identity, error)
}

type Options struct {
	PresenceTTL   time.Duration
	MailboxCap    int
	ReadLimit     int64
	FrameRate     float64
	FrameBurst    int
	FrameTimeout  time.Duration
	InboundBuffer int
}

// Gateway 持有连接管理所需的全部依赖，由 main 创建一次并显式传入。
type Gateway struct {
	hub      *Hub
	auth     Authenticator
	rooms    *service.RoomService
	pipeline *service.Pipeline
	presence *presence.Registry
	bus      *bus.Bus
	opts     Options
	validate *validator.Validate
}

func NewGateway(hub *Hub, a Authenticator, rooms *service.RoomService, pipeline *service.Pipeline,
	reg *presence.Registry, b *bus.Bus, opts Options) *Gateway {
	if opts.MailboxCap <= 0 {
		opts.MailboxCap = 64
	}
	if opts.InboundBuffer <= 0 {
		opts.InboundBuffer = 32
	}
	if opts.FrameTimeout <= 0 {
		opts.FrameTimeout = 90 * time.Second
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 1 << 20
	}
	return &Gateway{hub: hub, auth: a, rooms: rooms, pipeline: pipeline, presence: reg, bus: b, opts: opts, validate: newValidator()}
}

func (g *Gateway) Hub() *Hub { return g.hub }

// Serve 处理 /ws/chat：先升级，再校验参数与凭证，这样失败时可以用关闭码告知客户端。
func Serve(g *Gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		var hs handshake
		bindErr := c.ShouldBindQuery(&hs)

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		if bindErr != nil {
			rejectHandshake(conn, websocket.ClosePolicyViolation, "invalid query")
			return
		}
		if err := g.validate.Struct(hs); err != nil {
			rejectHandshake(conn, websocket.ClosePolicyViolation, service.ClientMessage(validationError(err)))
			return
		}
		if hs.Role == models.RoleAdmin && hs.AccessToken == "" {
			rejectHandshake(conn, websocket.ClosePolicyViolation, "access_token is required")
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
		identity, err := g.auth.Resolve(ctx, auth.Credentials{
			Host:        c.Request.Host,
			Role:        hs.Role,
			UserID:      hs.UserID,
			APIKey:      hs.APIKey,
			AccessToken: hs.AccessToken,
		})
		cancel()
		if err != nil {
			if errors.Is(err, auth.ErrAuthRejected) {
				log.Info().Err(err).Str("role", hs.Role).Str("user_id", hs.UserID).Msg("ws auth rejected")
				rejectHandshake(conn, websocket.ClosePolicyViolation, "authentication failed")
				return
			}
			log.Error().Err(err).Msg("ws auth lookup failed")
			rejectHandshake(conn, websocket.CloseInternalServerErr, "internal error")
			return
		}

		g.run(conn, identity)
	}
}

func rejectHandshake(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	_ = conn.Close()
}

// run 完成注册后阻塞在读循环上，返回前完成断连清理。
func (g *Gateway) run(conn *websocket.Conn, id auth.Identity) {
	connID := uuid.NewString()
	logger := log.With().Str("conn_id", connID).Str("tenant_id", id.TenantID).
		Str("user_id", id.UserID).Str("role", id.Role).Logger()
	c := newClient(connID, conn, id, g.opts.MailboxCap, logger)

	g.hub.wg.Add(1)
	defer g.hub.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := g.register(ctx, c); err != nil {
		logger.Error().Err(err).Msg("ws register failed")
		c.dropAllSubs()
		c.Close(websocket.CloseInternalServerErr, "internal error")
		return
	}
	logger.Info().Str("room_id", c.RoomID()).Msg("ws connected")

	go g.presence.Heartbeat(ctx, id.TenantID, id.Role, id.UserID, g.opts.PresenceTTL)
	go c.writePump()

	inbound := make(chan []byte, g.opts.InboundBuffer)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		for data := range inbound {
			g.handleFrame(c, data)
		}
	}()

	g.readPump(c, inbound)
	close(inbound)
	<-workerDone
	cancel()
	g.unregister(c)
	logger.Info().Msg("ws disconnected")
}

func (g *Gateway) register(ctx context.Context, c *Client) error {
	id := c.identity
	actx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := g.subscribe(actx, c, kv.UserChannel(id.TenantID, id.UserID)); err != nil {
		return err
	}
	switch id.Role {
	case models.RoleUser:
		room, created, err := g.rooms.FindOrCreateRoom(actx, id.TenantID, id.UserID)
		if err != nil {
			return err
		}
		if err := g.bindUserRoom(actx, c, room.ID); err != nil {
			return err
		}
		if created {
			g.pipeline.RoomCreated(actx, id.TenantID, room.ID)
		}
	case models.RoleAdmin:
		if err := g.subscribe(actx, c, kv.ActiveRoomsChannel(id.TenantID)); err != nil {
			return err
		}
	}

	g.hub.Register(c)
	if err := g.presence.MarkOnline(actx, id.TenantID, id.Role, id.UserID, g.opts.PresenceTTL); err != nil {
		g.hub.Unregister(c)
		return err
	}
	changes, err := g.rooms.SetOnline(actx, id.TenantID, id.UserID, true)
	if err != nil {
		c.log.Warn().Err(err).Msg("mark member online failed")
	}
	if id.Role == models.RoleAdmin {
		// 坐席重连后恢复已加入房间的订阅
		for _, ch := range changes {
			if err := g.subscribe(actx, c, kv.RoomChannel(ch.RoomID)); err != nil {
				c.log.Warn().Err(err).Str("room_id", ch.RoomID).Msg("resubscribe room failed")
			}
		}
	}
	g.pipeline.PublishPresence(actx, changes)
	return nil
}

// bindUserRoom 把用户连接绑定到房间：写映射、切换房间频道订阅并告知客户端。
func (g *Gateway) bindUserRoom(ctx context.Context, c *Client, roomID string) error {
	id := c.identity
	if err := g.rooms.SetRoomMapping(ctx, models.RoleUser, id.UserID, id.TenantID, roomID); err != nil {
		return err
	}
	old := c.RoomID()
	if old == roomID {
		return nil
	}
	if err := g.subscribe(ctx, c, kv.RoomChannel(roomID)); err != nil {
		return err
	}
	if old != "" {
		c.dropSub(kv.RoomChannel(old))
	}
	c.setRoomID(roomID)
	c.SendJSON(service.RoomAssignedEvent{Type: service.EventRoomAssigned, RoomID: roomID})
	return nil
}

func (g *Gateway) subscribe(ctx context.Context, c *Client, channel string) error {
	if c.hasSub(channel) {
		return nil
	}
	cancel, err := g.bus.Subscribe(ctx, channel, func(_ string, payload []byte) {
		c.Enqueue(payload)
	})
	if err != nil {
		return fmt.Errorf("%w: subscribe %s: %w", service.ErrStoreUnavailable, channel, err)
	}
	if !c.addSub(channel, cancel) {
		cancel()
	}
	return nil
}

func (g *Gateway) unregister(c *Client) {
	id := c.identity
	c.dropAllSubs()
	c.Close(websocket.CloseNormalClosure, "")
	if !g.hub.Unregister(c) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.presence.MarkOffline(ctx, id.TenantID, id.Role, id.UserID); err != nil {
		c.log.Warn().Err(err).Msg("mark offline failed")
	}
	if id.Role != models.RoleChatbot {
		if err := g.rooms.ClearRoomMapping(ctx, id.Role, id.UserID, id.TenantID); err != nil {
			c.log.Warn().Err(err).Msg("clear room mapping failed")
		}
	}
	changes, err := g.rooms.SetOnline(ctx, id.TenantID, id.UserID, false)
	if err != nil {
		c.log.Warn().Err(err).Msg("mark member offline failed")
		return
	}
	g.pipeline.PublishPresence(ctx, changes)
}

// readPump 是唯一读取 socket 的地方；帧交给 worker 顺序处理，读循环不被机器人调用阻塞。
func (g *Gateway) readPump(c *Client, inbound chan<- []byte) {
	c.conn.SetReadLimit(g.opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	var limiter *rate.Limiter
	if g.opts.FrameRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(g.opts.FrameRate), g.opts.FrameBurst)
	}
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.log.Debug().Err(err).Msg("ws read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if limiter != nil && !limiter.Allow() {
			metrics.WsFramesTotal.WithLabelValues("any", "rate_limited").Inc()
			c.SendJSON(errorFrame{Type: frameError, Error: "rate limited"})
			continue
		}
		select {
		case inbound <- data:
		default:
			metrics.WsFramesTotal.WithLabelValues("any", "busy").Inc()
			c.SendJSON(errorFrame{Type: frameError, Error: "too many pending frames"})
		}
	}
}

func (g *Gateway) handleFrame(c *Client, data []byte) {
	var in inboundFrame
	if err := json.Unmarshal(data, &in); err != nil {
		metrics.WsFramesTotal.WithLabelValues("invalid", "error").Inc()
		c.SendJSON(errorFrame{Type: frameError, Error: "invalid frame"})
		return
	}
	// 断连不取消正在处理的帧，消息仍会落库；节点关闭时由 hub 取消
	fctx, cancel := context.WithTimeout(g.hub.ctx, g.opts.FrameTimeout)
	defer cancel()

	var err error
	switch in.Type {
	case frameMessage:
		err = g.onMessage(fctx, c, in)
	case frameJoinRoom:
		err = g.onJoinRoom(fctx, c, in)
	case frameSetMode:
		err = g.onSetMode(fctx, c, in)
	default:
		c.log.Warn().Str("type", in.Type).Msg("unknown frame type ignored")
		metrics.WsFramesTotal.WithLabelValues("unknown", "ignored").Inc()
		return
	}
	if err == nil {
		metrics.WsFramesTotal.WithLabelValues(in.Type, "ok").Inc()
		return
	}
	metrics.WsFramesTotal.WithLabelValues(in.Type, "error").Inc()
	if service.Internal(err) {
		c.log.Error().Err(err).Str("type", in.Type).Msg("frame failed, closing connection")
		c.Close(websocket.CloseInternalServerErr, "internal error")
		return
	}
	c.log.Debug().Err(err).Str("type", in.Type).Msg("frame rejected")
	c.SendJSON(errorFrame{Type: frameError, Error: service.ClientMessage(err)})
}

func (c *Client) actor() service.Actor {
	return service.Actor{TenantID: c.identity.TenantID, UserID: c.identity.UserID, Role: c.identity.Role}
}

func (g *Gateway) onMessage(ctx context.Context, c *Client, in inboundFrame) error {
	f := messageFrame{Message: in.Message, RoomID: in.RoomID}
	if err := g.validate.Struct(f); err != nil {
		return validationError(err)
	}
	switch c.identity.Role {
	case models.RoleUser:
		roomID, err := g.userRoom(ctx, c)
		if err != nil {
			return err
		}
		if f.RoomID != "" && f.RoomID != roomID {
			return fmt.Errorf("%w: room_id does not match your room", service.ErrValidation)
		}
		err = g.pipeline.HandleUserMessage(ctx, c.actor(), roomID, f.Message)
		if !errors.Is(err, service.ErrRoomClosed) || f.RoomID != "" {
			return err
		}
		// 映射还指向已关闭的房间：清掉映射后换到新房间重发一次
		if cerr := g.rooms.ClearRoomMapping(ctx, models.RoleUser, c.identity.UserID, c.identity.TenantID); cerr != nil {
			return cerr
		}
		if roomID, err = g.userRoom(ctx, c); err != nil {
			return err
		}
		return g.pipeline.HandleUserMessage(ctx, c.actor(), roomID, f.Message)
	case models.RoleAdmin:
		joined, err := g.pipeline.HandleAdminMessage(ctx, c.actor(), f.RoomID, f.Message)
		if joined {
			if serr := g.subscribe(ctx, c, kv.RoomChannel(f.RoomID)); serr != nil {
				c.log.Warn().Err(serr).Str("room_id", f.RoomID).Msg("subscribe after auto-join failed")
			}
		}
		return err
	case models.RoleChatbot:
		return g.pipeline.HandleChatbotMessage(ctx, c.actor(), f.RoomID, f.Message)
	}
	return service.ErrNotAuthorized
}

// userRoom 返回用户当前映射的房间；映射过期或房间被关闭后重新查找或创建。
func (g *Gateway) userRoom(ctx context.Context, c *Client) (string, error) {
	id := c.identity
	roomID, err := g.rooms.GetRoomMapping(ctx, models.RoleUser, id.UserID, id.TenantID)
	if err == nil {
		if roomID != c.RoomID() {
			if err := g.bindUserRoom(ctx, c, roomID); err != nil {
				return "", err
			}
		}
		return roomID, nil
	}
	if !errors.Is(err, service.ErrNotFound) {
		return "", err
	}
	room, created, err := g.rooms.FindOrCreateRoom(ctx, id.TenantID, id.UserID)
	if err != nil {
		return "", err
	}
	if err := g.bindUserRoom(ctx, c, room.ID); err != nil {
		return "", err
	}
	if created {
		g.pipeline.RoomCreated(ctx, id.TenantID, room.ID)
	}
	return room.ID, nil
}

func (g *Gateway) onJoinRoom(ctx context.Context, c *Client, in inboundFrame) error {
	f := joinRoomFrame{RoomID: in.RoomID}
	if err := g.validate.Struct(f); err != nil {
		return validationError(err)
	}
	if _, err := g.pipeline.JoinRoom(ctx, c.actor(), f.RoomID); err != nil {
		return err
	}
	if err := g.subscribe(ctx, c, kv.RoomChannel(f.RoomID)); err != nil {
		return err
	}
	c.SendJSON(joinRoomAck{Type: frameJoinRoom, Success: true, Message: "joined", RoomID: f.RoomID})
	return nil
}

func (g *Gateway) onSetMode(ctx context.Context, c *Client, in inboundFrame) error {
	f := setModeFrame{RoomID: in.RoomID, Mode: in.Mode}
	if err := g.validate.Struct(f); err != nil {
		return validationError(err)
	}
	if err := g.pipeline.SetMode(ctx, c.actor(), f.RoomID, f.Mode); err != nil {
		return err
	}
	c.SendJSON(setModeAck{Type: frameSetMode, Success: true, RoomID: f.RoomID, Mode: f.Mode})
	return nil
}

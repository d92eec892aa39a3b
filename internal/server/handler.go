package server

import (
	"errors"
	"net/http"

	"chatgateway/internal/auth"
	"chatgateway/internal/presence"
	"chatgateway/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Handler 聚合坐席 REST 接口，依赖注入 service 层。
type Handler struct {
	resolver *auth.Resolver
	rooms    *service.RoomService
	chats    *service.ChatService
	pipeline *service.Pipeline
	presence *presence.Registry
}

func NewHandler(resolver *auth.Resolver, rooms *service.RoomService, chats *service.ChatService,
	pipeline *service.Pipeline, reg *presence.Registry) *Handler {
	return &Handler{resolver: resolver, rooms: rooms, chats: chats, pipeline: pipeline, presence: reg}
}

// statusOf 把业务错误映射为 HTTP 状态码。
func statusOf(err error) int {
	switch {
	case errors.Is(err, service.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrAuthRejected):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrStoreUnavailable), errors.Is(err, service.ErrBotUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, err error, msg string) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.FullPath()).Msg(msg)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": service.ClientMessage(err)})
}

func actorOf(c *gin.Context) service.Actor {
	id := auth.GetIdentity(c)
	return service.Actor{TenantID: id.TenantID, UserID: id.UserID, Role: id.Role}
}

type loginRequest struct {
	Name     string `json:"name" binding:"required,max=64"`
	Password string `json:"password" binding:"required,max=128"`
}

// Login 处理坐席登录，租户由 Host 子域名决定。
func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	token, id, err := h.resolver.Login(c.Request.Context(), c.Request.Host, req.Name, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrAuthRejected) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		log.Error().Err(err).Str("name", req.Name).Msg("admin login")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token": token,
		"token_type":   "Bearer",
		"admin":        gin.H{"id": id.UserID, "tenant_id": id.TenantID},
	})
}

type pageQuery struct {
	Limit  int `form:"limit" binding:"omitempty,min=1,max=200"`
	Offset int `form:"offset" binding:"omitempty,min=0"`
}

// ListRooms 返回本租户的 open 房间，最近有消息的在前。
func (h *Handler) ListRooms(c *gin.Context) {
	var q pageQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query"})
		return
	}
	rooms, err := h.rooms.ListActiveRooms(c.Request.Context(), auth.GetIdentity(c).TenantID, q.Limit, q.Offset)
	if err != nil {
		fail(c, err, "list active rooms")
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

type historyQuery struct {
	Limit  int    `form:"limit" binding:"omitempty,min=1,max=200"`
	Before string `form:"before" binding:"omitempty,uuid"`
}

type roomURI struct {
	ID string `uri:"id" binding:"required,uuid"`
}

// ListMessages 分页返回房间历史，before 为上一页最早一条消息的 id。
func (h *Handler) ListMessages(c *gin.Context) {
	var uri roomURI
	if err := c.ShouldBindUri(&uri); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room id"})
		return
	}
	var q historyQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query"})
		return
	}
	ctx := c.Request.Context()
	if _, err := h.rooms.RoomForTenant(ctx, auth.GetIdentity(c).TenantID, uri.ID); err != nil {
		fail(c, err, "load room")
		return
	}
	msgs, err := h.chats.ListByRoom(ctx, uri.ID, q.Limit, q.Before)
	if err != nil {
		fail(c, err, "list messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

type onlineQuery struct {
	Role string `form:"role" binding:"required,oneof=user admin"`
}

// ListOnline 返回本租户当前在线的用户或坐席 ID。
func (h *Handler) ListOnline(c *gin.Context) {
	var q onlineQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "role must be user or admin"})
		return
	}
	ids, err := h.presence.ListOnline(c.Request.Context(), auth.GetIdentity(c).TenantID, q.Role)
	if err != nil {
		fail(c, service.ErrStoreUnavailable, "list online")
		return
	}
	if ids == nil {
		ids = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"role": q.Role, "users": ids})
}

// JoinRoom 把当前坐席加入房间，不改变模式。
func (h *Handler) JoinRoom(c *gin.Context) {
	var uri roomURI
	if err := c.ShouldBindUri(&uri); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room id"})
		return
	}
	room, err := h.pipeline.JoinRoom(c.Request.Context(), actorOf(c), uri.ID)
	if err != nil {
		fail(c, err, "join room")
		return
	}
	c.JSON(http.StatusOK, gin.H{"room_id": room.ID, "status": room.Status})
}

type modeRequest struct {
	Mode string `json:"mode" binding:"required,oneof=bot admin_assist admin_takeover"`
}

// SetMode 切换房间模式，要求坐席已在房间内。
func (h *Handler) SetMode(c *gin.Context) {
	var uri roomURI
	if err := c.ShouldBindUri(&uri); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room id"})
		return
	}
	var req modeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode must be one of [bot admin_assist admin_takeover]"})
		return
	}
	if err := h.pipeline.SetMode(c.Request.Context(), actorOf(c), uri.ID, req.Mode); err != nil {
		fail(c, err, "set mode")
		return
	}
	c.JSON(http.StatusOK, gin.H{"room_id": uri.ID, "mode": req.Mode})
}

// CloseRoom 关闭房间，房间内的连接会收到 room_closed。
func (h *Handler) CloseRoom(c *gin.Context) {
	var uri roomURI
	if err := c.ShouldBindUri(&uri); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room id"})
		return
	}
	room, err := h.pipeline.CloseRoom(c.Request.Context(), actorOf(c), uri.ID)
	if err != nil {
		fail(c, err, "close room")
		return
	}
	c.JSON(http.StatusOK, gin.H{"room_id": room.ID, "status": room.Status})
}

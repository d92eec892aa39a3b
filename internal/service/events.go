package service

import "context"

// 服务端推送的事件类型。
const (
	EventChatNew        = "chat_new"
	EventModeChanged    = "mode_changed"
	EventPresenceChange = "presence_change"
	EventRoomClosed     = "room_closed"
	EventActiveRooms    = "active_rooms_changed"
	EventRoomAssigned   = "room_assigned"
)

// Publisher 由 bus.Bus 实现，v 会被序列化为 JSON。
type Publisher interface {
	Publish(ctx context.Context, channel string, v any) error
}

type ChatEvent struct {
	Type string `json:"type"`
	ChatDTO
}

type ModeEvent struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
	Mode   string `json:"mode"`
}

type PresenceEvent struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	Online bool   `json:"online"`
}

type RoomClosedEvent struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// ActiveRoomsEvent 只是刷新提示，坐席端收到后重新拉取列表。
type ActiveRoomsEvent struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
	Reason string `json:"reason"`
}

type RoomAssignedEvent struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

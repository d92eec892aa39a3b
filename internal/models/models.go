package models

import "time"

// 成员角色。
const (
	RoleUser    = "user"
	RoleAdmin   = "admin"
	RoleChatbot = "chatbot"
)

// 房间状态。
const (
	RoomOpen   = "open"
	RoomClosed = "closed"
)

// 租户状态。
const (
	TenantActive   = "active"
	TenantInactive = "inactive"
)

// 会话模式，决定机器人是否回复用户消息。
const (
	ModeBot           = "bot"
	ModeAdminAssist   = "admin_assist"
	ModeAdminTakeover = "admin_takeover"
)

// ChatbotID 是机器人成员与机器人消息的固定 sender_id。
const ChatbotID = "00000000-0000-0000-0000-000000000000"

// ValidRole 判断握手参数中的角色是否合法。
func ValidRole(role string) bool {
	switch role {
	case RoleUser, RoleAdmin, RoleChatbot:
		return true
	}
	return false
}

// ValidMode 判断模式取值是否合法。
func ValidMode(mode string) bool {
	switch mode {
	case ModeBot, ModeAdminAssist, ModeAdminTakeover:
		return true
	}
	return false
}

type Tenant struct {
	ID         string `gorm:"type:varchar(36);primaryKey"`
	Subdomain  string `gorm:"uniqueIndex;size:63;not null"`
	APIKeyHash string `gorm:"size:100;not null"`
	Status     string `gorm:"size:16;not null;default:active"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (Tenant) TableName() string { return "tenant" }

// Admin 是租户下的坐席账号，令牌中的 subject 指向它。
type Admin struct {
	ID           string `gorm:"type:varchar(36);primaryKey"`
	TenantID     string `gorm:"type:varchar(36);uniqueIndex:ux_admin_tenant_name;not null"`
	Name         string `gorm:"size:128;uniqueIndex:ux_admin_tenant_name;not null"`
	PasswordHash string `gorm:"size:100"`
	CreatedAt    time.Time
}

func (Admin) TableName() string { return "admin" }

// Room 的 (tenant_id, user_id) 在 status=open 时唯一，见 db.Migrate。
type Room struct {
	ID          string `gorm:"type:varchar(36);primaryKey"`
	TenantID    string `gorm:"type:varchar(36);index;not null"`
	UserID      string `gorm:"type:varchar(36);index;not null"`
	Status      string `gorm:"size:16;index;not null;default:open"`
	AgentActive bool   `gorm:"not null;default:false"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (Room) TableName() string { return "room" }

type Member struct {
	ID       string    `gorm:"type:varchar(36);primaryKey"`
	TenantID string    `gorm:"type:varchar(36);index;not null"`
	RoomID   string    `gorm:"type:varchar(36);uniqueIndex:ux_member_room_user;not null"`
	UserID   string    `gorm:"type:varchar(36);uniqueIndex:ux_member_room_user;index;not null"`
	Role     string    `gorm:"size:16;not null"`
	IsOnline bool      `gorm:"not null;default:false"`
	JoinedAt time.Time `gorm:"not null"`
}

func (Member) TableName() string { return "member" }

// Chat 只追加不修改；ID 为 UUIDv7，同一节点内与 created_at 同序。
type Chat struct {
	ID               string    `gorm:"type:varchar(36);primaryKey"`
	RoomID           string    `gorm:"type:varchar(36);index:idx_chat_room_time,priority:1;not null"`
	SenderID         string    `gorm:"type:varchar(36);not null"`
	Role             string    `gorm:"size:16;not null"`
	Message          string    `gorm:"type:text;not null"`
	CreatedAt        time.Time `gorm:"index:idx_chat_room_time,priority:2;not null"`
	ResponseCategory *string   `gorm:"size:32"`
	Latency          *float64
	InputTokens      *int
	OutputTokens     *int
	TotalTokens      *int
	ToolsCalled      []string `gorm:"serializer:json;type:text"`
}

func (Chat) TableName() string { return "chat" }

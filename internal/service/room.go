package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"chatgateway/internal/kv"
	"chatgateway/internal/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RoomService 封装房间与成员相关的业务逻辑。
type RoomService struct {
	db         *gorm.DB
	rdb        *redis.Client
	mappingTTL time.Duration
	sf         singleflight.Group
}

func NewRoomService(db *gorm.DB, rdb *redis.Client, mappingTTL time.Duration) *RoomService {
	return &RoomService{db: db, rdb: rdb, mappingTTL: mappingTTL}
}

type roomResult struct {
	room    models.Room
	created bool
}

// FindOrCreateRoom 返回用户唯一的 open 房间，不存在则创建。
// 本节点内并发请求合并为一次；跨节点依赖 ux_room_open_user 唯一索引，冲突时回读已存在的房间。
func (s *RoomService) FindOrCreateRoom(ctx context.Context, tenantID, userID string) (models.Room, bool, error) {
	v, err, _ := s.sf.Do(tenantID+"|"+userID, func() (any, error) {
		room, err := s.findOpenRoom(ctx, tenantID, userID)
		if err == nil {
			return roomResult{room: room}, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		room, err = s.createRoom(ctx, tenantID, userID)
		if err == nil {
			return roomResult{room: room, created: true}, nil
		}
		existing, lerr := s.findOpenRoom(ctx, tenantID, userID)
		if lerr == nil {
			return roomResult{room: existing}, nil
		}
		return nil, storeErr("create room", err)
	})
	if err != nil {
		return models.Room{}, false, err
	}
	res := v.(roomResult)
	return res.room, res.created, nil
}

func (s *RoomService) findOpenRoom(ctx context.Context, tenantID, userID string) (models.Room, error) {
	return retryRead(ctx, func() (models.Room, error) {
		var room models.Room
		err := s.db.WithContext(ctx).Model(&models.Room{}).Select("room.*").
			Joins("JOIN member ON member.room_id = room.id AND member.user_id = ? AND member.role = ?", userID, models.RoleUser).
			Where("room.tenant_id = ? AND room.status = ?", tenantID, models.RoomOpen).
			Order("room.created_at desc").
			First(&room).Error
		return room, err
	})
}

func (s *RoomService) createRoom(ctx context.Context, tenantID, userID string) (models.Room, error) {
	now := time.Now().UTC()
	room := models.Room{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		UserID:    userID,
		Status:    models.RoomOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&room).Error; err != nil {
			return err
		}
		return tx.Create(&models.Member{
			ID:       uuid.NewString(),
			TenantID: tenantID,
			RoomID:   room.ID,
			UserID:   userID,
			Role:     models.RoleUser,
			IsOnline: true,
			JoinedAt: now,
		}).Error
	})
	return room, err
}

// GetRoom 按 ID 读取房间。
func (s *RoomService) GetRoom(ctx context.Context, roomID string) (models.Room, error) {
	return retryRead(ctx, func() (models.Room, error) {
		var room models.Room
		err := s.db.WithContext(ctx).Where("id = ?", roomID).First(&room).Error
		return room, err
	})
}

// RoomForTenant 读取房间并校验归属租户。
func (s *RoomService) RoomForTenant(ctx context.Context, tenantID, roomID string) (models.Room, error) {
	room, err := s.GetRoom(ctx, roomID)
	if err != nil {
		return models.Room{}, err
	}
	if room.TenantID != tenantID {
		return models.Room{}, fmt.Errorf("%w: room belongs to another tenant", ErrNotAuthorized)
	}
	return room, nil
}

// ensureMember 以 (room_id, user_id) 为冲突键插入成员，已存在则只更新在线标记。
func (s *RoomService) ensureMember(ctx context.Context, tenantID, roomID, userID, role string, online bool) error {
	m := models.Member{
		ID:       uuid.NewString(),
		TenantID: tenantID,
		RoomID:   roomID,
		UserID:   userID,
		Role:     role,
		IsOnline: online,
		JoinedAt: time.Now().UTC(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "room_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"is_online"}),
	}).Create(&m).Error
	return storeErr("upsert member", err)
}

// AddAdminToRoom 把坐席加入同租户的 open 房间。
func (s *RoomService) AddAdminToRoom(ctx context.Context, tenantID, adminID, roomID string) (models.Room, error) {
	room, err := s.RoomForTenant(ctx, tenantID, roomID)
	if err != nil {
		return models.Room{}, err
	}
	if room.Status != models.RoomOpen {
		return models.Room{}, ErrRoomClosed
	}
	if err := s.ensureMember(ctx, tenantID, roomID, adminID, models.RoleAdmin, true); err != nil {
		return models.Room{}, err
	}
	return room, nil
}

// EnsureChatbotMember 在机器人首次回复前补建 chatbot 成员。
func (s *RoomService) EnsureChatbotMember(ctx context.Context, tenantID, roomID string) error {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Member{}).
		Where("room_id = ? AND user_id = ?", roomID, models.ChatbotID).Count(&n).Error
	if err == nil && n > 0 {
		return nil
	}
	return s.ensureMember(ctx, tenantID, roomID, models.ChatbotID, models.RoleChatbot, true)
}

func (s *RoomService) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	n, err := retryRead(ctx, func() (int64, error) {
		var n int64
		err := s.db.WithContext(ctx).Model(&models.Member{}).
			Where("room_id = ? AND user_id = ?", roomID, userID).Count(&n).Error
		return n, err
	})
	return n > 0, err
}

// MemberChange 描述一次成员在线状态变化，用于发布 presence_change。
type MemberChange struct {
	TenantID string
	RoomID   string
	UserID   string
	Role     string
	Online   bool
}

// SetOnline 更新用户在所有 open 房间中的在线标记，返回受影响的房间。
func (s *RoomService) SetOnline(ctx context.Context, tenantID, userID string, online bool) ([]MemberChange, error) {
	var members []models.Member
	err := s.db.WithContext(ctx).Model(&models.Member{}).Select("member.*").
		Joins("JOIN room ON room.id = member.room_id AND room.status = ?", models.RoomOpen).
		Where("member.tenant_id = ? AND member.user_id = ?", tenantID, userID).
		Find(&members).Error
	if err != nil {
		return nil, storeErr("list memberships", err)
	}
	if len(members) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(members))
	out := make([]MemberChange, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.ID)
		out = append(out, MemberChange{TenantID: tenantID, RoomID: m.RoomID, UserID: userID, Role: m.Role, Online: online})
	}
	err = s.db.WithContext(ctx).Model(&models.Member{}).Where("id IN ?", ids).Update("is_online", online).Error
	if err != nil {
		return nil, storeErr("update member online", err)
	}
	return out, nil
}

// SetAgentActive 记录房间是否由人工坐席接管。
func (s *RoomService) SetAgentActive(ctx context.Context, roomID string, active bool) error {
	err := s.db.WithContext(ctx).Model(&models.Room{}).Where("id = ?", roomID).
		Updates(map[string]any{"agent_active": active, "updated_at": time.Now().UTC()}).Error
	return storeErr("update room", err)
}

// CloseRoom 关闭房间并清理用户映射，之后该用户再次连接会得到新房间。
func (s *RoomService) CloseRoom(ctx context.Context, tenantID, roomID string) (models.Room, error) {
	room, err := s.RoomForTenant(ctx, tenantID, roomID)
	if err != nil {
		return models.Room{}, err
	}
	if room.Status == models.RoomClosed {
		return room, nil
	}
	now := time.Now().UTC()
	err = s.db.WithContext(ctx).Model(&models.Room{}).Where("id = ?", roomID).
		Updates(map[string]any{"status": models.RoomClosed, "agent_active": false, "updated_at": now}).Error
	if err != nil {
		return models.Room{}, storeErr("close room", err)
	}
	room.Status, room.AgentActive, room.UpdatedAt = models.RoomClosed, false, now
	if err := s.ClearRoomMapping(ctx, models.RoleUser, room.UserID, tenantID); err != nil {
		return room, err
	}
	return room, nil
}

// ActiveRoom 是坐席工作台上的一行。
type ActiveRoom struct {
	RoomID      string    `json:"room_id"`
	UserID      string    `json:"user_id"`
	AgentActive bool      `json:"agent_active"`
	CreatedAt   time.Time `json:"created_at"`
	LastMessage *ChatDTO  `json:"last_message,omitempty"`
}

func (a ActiveRoom) lastActivity() time.Time {
	if a.LastMessage != nil {
		return a.LastMessage.CreatedAt
	}
	return a.CreatedAt
}

// ListActiveRooms 返回租户的 open 房间，按最近一条消息时间倒序。
func (s *RoomService) ListActiveRooms(ctx context.Context, tenantID string, limit, offset int) ([]ActiveRoom, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rooms, err := retryRead(ctx, func() ([]models.Room, error) {
		var out []models.Room
		err := s.db.WithContext(ctx).Where("tenant_id = ? AND status = ?", tenantID, models.RoomOpen).Find(&out).Error
		return out, err
	})
	if err != nil {
		return nil, err
	}
	if len(rooms) == 0 {
		return []ActiveRoom{}, nil
	}
	roomIDs := make([]string, 0, len(rooms))
	for _, r := range rooms {
		roomIDs = append(roomIDs, r.ID)
	}
	// 每个房间按 (created_at, id) 取最后一条
	latest, err := retryRead(ctx, func() ([]models.Chat, error) {
		var out []models.Chat
		err := s.db.WithContext(ctx).Table("chat AS c").Select("c.*").
			Where("c.room_id IN ?", roomIDs).
			Where(`NOT EXISTS (SELECT 1 FROM chat n WHERE n.room_id = c.room_id
				AND (n.created_at > c.created_at OR (n.created_at = c.created_at AND n.id > c.id)))`).
			Find(&out).Error
		return out, err
	})
	if err != nil {
		return nil, err
	}
	byRoom := make(map[string]models.Chat, len(latest))
	for _, c := range latest {
		byRoom[c.RoomID] = c
	}

	out := make([]ActiveRoom, 0, len(rooms))
	for _, r := range rooms {
		ar := ActiveRoom{RoomID: r.ID, UserID: r.UserID, AgentActive: r.AgentActive, CreatedAt: r.CreatedAt}
		if c, ok := byRoom[r.ID]; ok {
			dto := toChatDTO(c)
			ar.LastMessage = &dto
		}
		out = append(out, ar)
	}
	sort.SliceStable(out, func(i, j int) bool {
		ti, tj := out[i].lastActivity(), out[j].lastActivity()
		if ti.Equal(tj) {
			return out[i].RoomID > out[j].RoomID
		}
		return ti.After(tj)
	})
	if offset >= len(out) {
		return []ActiveRoom{}, nil
	}
	end := offset + limit
	if end > len(out) {
		end = len(out)
	}
	return out[offset:end], nil
}

type roomMapping struct {
	Room string `json:"room"`
}

// SetRoomMapping 记录 {role}_room:{user}:{tenant} -> {"room": id}。
func (s *RoomService) SetRoomMapping(ctx context.Context, role, userID, tenantID, roomID string) error {
	b, _ := json.Marshal(roomMapping{Room: roomID})
	if err := s.rdb.Set(ctx, kv.RoomMappingKey(role, userID, tenantID), b, s.mappingTTL).Err(); err != nil {
		return storeErr("set room mapping", err)
	}
	return nil
}

// GetRoomMapping 返回映射的房间 ID，不存在时返回 ErrNotFound。
func (s *RoomService) GetRoomMapping(ctx context.Context, role, userID, tenantID string) (string, error) {
	raw, err := s.rdb.Get(ctx, kv.RoomMappingKey(role, userID, tenantID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", storeErr("get room mapping", err)
	}
	var m roomMapping
	if err := json.Unmarshal(raw, &m); err != nil || m.Room == "" {
		return "", ErrNotFound
	}
	return m.Room, nil
}

func (s *RoomService) ClearRoomMapping(ctx context.Context, role, userID, tenantID string) error {
	if err := s.rdb.Del(ctx, kv.RoomMappingKey(role, userID, tenantID)).Err(); err != nil {
		return storeErr("clear room mapping", err)
	}
	return nil
}

// OnlineChecker 由 presence.Registry 实现。
type OnlineChecker interface {
	IsOnline(ctx context.Context, tenantID, role, userID string) (bool, error)
}

// SweepOffline 把 presence 键已过期但仍标记在线的成员改为离线，用于节点崩溃后的恢复。
func (s *RoomService) SweepOffline(ctx context.Context, checker OnlineChecker) ([]MemberChange, error) {
	var members []models.Member
	err := s.db.WithContext(ctx).Model(&models.Member{}).Select("member.*").
		Joins("JOIN room ON room.id = member.room_id AND room.status = ?", models.RoomOpen).
		Where("member.is_online = ? AND member.role <> ?", true, models.RoleChatbot).
		Find(&members).Error
	if err != nil {
		return nil, storeErr("list online members", err)
	}
	var changed []MemberChange
	for _, m := range members {
		online, err := checker.IsOnline(ctx, m.TenantID, m.Role, m.UserID)
		if err != nil {
			return changed, storeErr("presence lookup", err)
		}
		if online {
			continue
		}
		if err := s.db.WithContext(ctx).Model(&models.Member{}).Where("id = ?", m.ID).Update("is_online", false).Error; err != nil {
			return changed, storeErr("update member online", err)
		}
		changed = append(changed, MemberChange{TenantID: m.TenantID, RoomID: m.RoomID, UserID: m.UserID, Role: m.Role})
	}
	return changed, nil
}

package service

import (
	"context"
	"fmt"
	"time"

	"chatgateway/internal/metrics"
	"chatgateway/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ChatSink 接收每条已落库的消息，例如归档到 Kafka。不能阻塞。
type ChatSink interface {
	Emit(c models.Chat)
}

// ChatService 负责 chat 表的追加写与历史查询。
type ChatService struct {
	db    *gorm.DB
	clock *clock
	sink  ChatSink
}

func NewChatService(db *gorm.DB, sink ChatSink) *ChatService {
	return &ChatService{db: db, clock: newClock(), sink: sink}
}

// ChatDTO 是对外输出的消息数据，也是 chat_new 事件的主体。
type ChatDTO struct {
	ID               string    `json:"id"`
	RoomID           string    `json:"room_id"`
	SenderID         string    `json:"sender_id"`
	Role             string    `json:"role"`
	Message          string    `json:"message"`
	CreatedAt        time.Time `json:"created_at"`
	ResponseCategory *string   `json:"response_category,omitempty"`
	Latency          *float64  `json:"latency,omitempty"`
	InputTokens      *int      `json:"input_tokens,omitempty"`
	OutputTokens     *int      `json:"output_tokens,omitempty"`
	TotalTokens      *int      `json:"total_tokens,omitempty"`
	ToolsCalled      []string  `json:"tools_called,omitempty"`
}

func toChatDTO(c models.Chat) ChatDTO {
	return ChatDTO{
		ID:               c.ID,
		RoomID:           c.RoomID,
		SenderID:         c.SenderID,
		Role:             c.Role,
		Message:          c.Message,
		CreatedAt:        c.CreatedAt,
		ResponseCategory: c.ResponseCategory,
		Latency:          c.Latency,
		InputTokens:      c.InputTokens,
		OutputTokens:     c.OutputTokens,
		TotalTokens:      c.TotalTokens,
		ToolsCalled:      c.ToolsCalled,
	}
}

// Create 追加一条消息，ID 与 created_at 由本节点生成。写失败不重试。
func (s *ChatService) Create(ctx context.Context, c models.Chat) (models.Chat, error) {
	c.ID = newChatID()
	c.CreatedAt = s.clock.Next()
	if err := s.db.WithContext(ctx).Create(&c).Error; err != nil {
		return models.Chat{}, storeErr("create chat", err)
	}
	metrics.ChatsTotal.WithLabelValues(c.Role).Inc()
	if s.sink != nil {
		s.sink.Emit(c)
	}
	return c, nil
}

// Recent 返回房间最近 n 条消息（按时间升序），excludeID 用于排除刚写入的当前消息。
func (s *ChatService) Recent(ctx context.Context, roomID string, n int, excludeID string) ([]models.Chat, error) {
	chats, err := retryRead(ctx, func() ([]models.Chat, error) {
		var out []models.Chat
		q := s.db.WithContext(ctx).Where("room_id = ?", roomID)
		if excludeID != "" {
			q = q.Where("id <> ?", excludeID)
		}
		err := q.Order("created_at desc").Order("id desc").Limit(n).Find(&out).Error
		return out, err
	})
	if err != nil {
		return nil, err
	}
	reverse(chats)
	return chats, nil
}

// ListByRoom 分页查询指定房间的消息，按 (created_at, id) 升序返回。
func (s *ChatService) ListByRoom(ctx context.Context, roomID string, limit int, beforeID string) ([]ChatDTO, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if beforeID != "" {
		if _, err := uuid.Parse(beforeID); err != nil {
			return nil, fmt.Errorf("%w: invalid before id", ErrValidation)
		}
		if _, err := retryRead(ctx, func() (models.Chat, error) {
			var c models.Chat
			err := s.db.WithContext(ctx).Select("id").Where("id = ? AND room_id = ?", beforeID, roomID).First(&c).Error
			return c, err
		}); err != nil {
			return nil, err
		}
	}
	msgs, err := retryRead(ctx, func() ([]models.Chat, error) {
		var out []models.Chat
		q := s.db.WithContext(ctx).Where("room_id = ?", roomID)
		if beforeID != "" {
			// 游标按 (created_at, id) 比较；多节点写入时 id 顺序不一定与时间一致
			q = q.Where("(created_at < (?) OR (created_at = (?) AND id < ?))",
				s.createdAtOf(beforeID), s.createdAtOf(beforeID), beforeID)
		}
		err := q.Order("created_at desc").Order("id desc").Limit(limit).Find(&out).Error
		return out, err
	})
	if err != nil {
		return nil, err
	}

	// 反转为升序
	reverse(msgs)
	out := make([]ChatDTO, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toChatDTO(m))
	}
	return out, nil
}

func (s *ChatService) createdAtOf(id string) *gorm.DB {
	return s.db.Model(&models.Chat{}).Select("created_at").Where("id = ?", id)
}

func reverse(cs []models.Chat) {
	for i, j := 0, len(cs)-1; i < j; i, j = i+1, j-1 {
		cs[i], cs[j] = cs[j], cs[i]
	}
}

package kv

import (
	"context"
	"fmt"
	"time"

	"chatgateway/internal/config"

	"github.com/redis/go-redis/v9"
)

// NewClient 创建 Redis 客户端并 PING 一次确认可用。
func NewClient(cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// 键名。
func PresenceKey(tenantID, role, userID string) string {
	return fmt.Sprintf("presence:%s:%s:%s", tenantID, role, userID)
}

func PresencePattern(tenantID, role string) string {
	return fmt.Sprintf("presence:%s:%s:*", tenantID, role)
}

func ModeKey(roomID string) string { return "mode:" + roomID }

func LastAdminKey(roomID string) string { return "last_admin:" + roomID }

// RoomMappingKey 是 {role}_room:{user}:{tenant}，值为 {"room": id}。
func RoomMappingKey(role, userID, tenantID string) string {
	return fmt.Sprintf("%s_room:%s:%s", role, userID, tenantID)
}

// 频道名。
func RoomChannel(roomID string) string { return "room:" + roomID }

func UserChannel(tenantID, userID string) string {
	return fmt.Sprintf("user:%s:%s", tenantID, userID)
}

func ActiveRoomsChannel(tenantID string) string { return "active_rooms:" + tenantID }

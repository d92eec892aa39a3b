package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"chatgateway/internal/kv"
	"chatgateway/internal/models"

	"github.com/redis/go-redis/v9"
)

// ModeArbiter 维护每个房间的会话模式：
//
//	bot            机器人回复每条用户消息
//	admin_assist   坐席最近 assistDelay 内发过言则机器人不回复
//	admin_takeover 机器人从不回复
//
// 模式键缺失视为 bot。
type ModeArbiter struct {
	rdb         *redis.Client
	assistDelay time.Duration
	now         func() time.Time
}

func NewModeArbiter(rdb *redis.Client, assistDelay time.Duration) *ModeArbiter {
	return &ModeArbiter{rdb: rdb, assistDelay: assistDelay, now: time.Now}
}

func (m *ModeArbiter) Mode(ctx context.Context, roomID string) (string, error) {
	v, err := m.rdb.Get(ctx, kv.ModeKey(roomID)).Result()
	if errors.Is(err, redis.Nil) {
		return models.ModeBot, nil
	}
	if err != nil {
		return "", storeErr("get mode", err)
	}
	if !models.ValidMode(v) {
		return models.ModeBot, nil
	}
	return v, nil
}

func (m *ModeArbiter) SetMode(ctx context.Context, roomID, mode string) error {
	if !models.ValidMode(mode) {
		return fmt.Errorf("%w: unknown mode %q", ErrValidation, mode)
	}
	if err := m.rdb.Set(ctx, kv.ModeKey(roomID), mode, 0).Err(); err != nil {
		return storeErr("set mode", err)
	}
	return nil
}

// ClearMode 删除模式与坐席时间戳，房间关闭时调用。
func (m *ModeArbiter) ClearMode(ctx context.Context, roomID string) error {
	if err := m.rdb.Del(ctx, kv.ModeKey(roomID), kv.LastAdminKey(roomID)).Err(); err != nil {
		return storeErr("clear mode", err)
	}
	return nil
}

// TouchAdmin 记录坐席最近一次发言时间（unix 秒）。
func (m *ModeArbiter) TouchAdmin(ctx context.Context, roomID string) error {
	sec := m.now().Unix()
	if err := m.rdb.Set(ctx, kv.LastAdminKey(roomID), strconv.FormatInt(sec, 10), 0).Err(); err != nil {
		return storeErr("touch last admin", err)
	}
	return nil
}

// ShouldBotReply 对一条用户消息只采样一次模式；之后模式再变化不影响这条消息。
func (m *ModeArbiter) ShouldBotReply(ctx context.Context, roomID string) (bool, string, error) {
	mode, err := m.Mode(ctx, roomID)
	if err != nil {
		return false, "", err
	}
	switch mode {
	case models.ModeAdminTakeover:
		return false, mode, nil
	case models.ModeAdminAssist:
		raw, err := m.rdb.Get(ctx, kv.LastAdminKey(roomID)).Result()
		if errors.Is(err, redis.Nil) {
			return true, mode, nil
		}
		if err != nil {
			return false, mode, storeErr("get last admin", err)
		}
		sec, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return true, mode, nil
		}
		last := time.Unix(sec, 0)
		return m.now().Sub(last) >= m.assistDelay, mode, nil
	default:
		return true, mode, nil
	}
}

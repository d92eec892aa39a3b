package presence

import (
	"context"
	"strings"
	"time"

	"chatgateway/internal/kv"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Registry 用带 TTL 的 Redis 键记录在线状态，节点崩溃后键自然过期。
type Registry struct {
	rdb *redis.Client
}

func NewRegistry(rdb *redis.Client) *Registry { return &Registry{rdb: rdb} }

func (r *Registry) MarkOnline(ctx context.Context, tenantID, role, userID string, ttl time.Duration) error {
	return r.rdb.Set(ctx, kv.PresenceKey(tenantID, role, userID), "1", ttl).Err()
}

func (r *Registry) MarkOffline(ctx context.Context, tenantID, role, userID string) error {
	return r.rdb.Del(ctx, kv.PresenceKey(tenantID, role, userID)).Err()
}

func (r *Registry) IsOnline(ctx context.Context, tenantID, role, userID string) (bool, error) {
	n, err := r.rdb.Exists(ctx, kv.PresenceKey(tenantID, role, userID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListOnline 通过 SCAN 枚举某租户某角色的在线用户。
func (r *Registry) ListOnline(ctx context.Context, tenantID, role string) ([]string, error) {
	prefix := kv.PresenceKey(tenantID, role, "")
	seen := make(map[string]struct{})
	out := []string{}
	iter := r.rdb.Scan(ctx, 0, kv.PresencePattern(tenantID, role), 200).Iterator()
	for iter.Next(ctx) {
		id := strings.TrimPrefix(iter.Val(), prefix)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Heartbeat 每 ttl/2 续期一次，直到 ctx 取消。键已过期时会被重新写入。
func (r *Registry) Heartbeat(ctx context.Context, tenantID, role, userID string, ttl time.Duration) {
	interval := ttl / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.MarkOnline(ctx, tenantID, role, userID, ttl); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Str("tenant_id", tenantID).Str("user_id", userID).Msg("presence heartbeat failed")
			}
		}
	}
}

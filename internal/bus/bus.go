package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"chatgateway/internal/metrics"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

var ErrClosed = errors.New("bus closed")

// Handler 在 bus 的分发 goroutine 上被调用，不能阻塞。
type Handler func(channel string, payload []byte)

// Bus 基于 Redis Pub/Sub 做跨节点事件扇出。本节点所有订阅共用一个 PubSub 连接，
// 同一频道的多个本地订阅按引用计数，只向 Redis 发一次 SUBSCRIBE。
type Bus struct {
	rdb *redis.Client

	mu       sync.Mutex
	ps       *redis.PubSub
	handlers map[string]map[uint64]Handler
	ready    map[string]chan struct{}
	seq      uint64
	closed   bool
	done     chan struct{}
}

func New(rdb *redis.Client) *Bus {
	return &Bus{
		rdb:      rdb,
		handlers: make(map[string]map[uint64]Handler),
		ready:    make(map[string]chan struct{}),
		done:     make(chan struct{}),
	}
}

// Publish 把 v 序列化为 JSON 发布到频道。
func (b *Bus) Publish(ctx context.Context, channel string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return err
	}
	metrics.BusPublishedTotal.Inc()
	return nil
}

// Subscribe 注册 handler，并在 Redis 确认订阅后返回，之后发布的事件一定能收到。
// 返回的 cancel 可重复调用。
func (b *Bus) Subscribe(ctx context.Context, channel string, h Handler) (func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.seq++
	id := b.seq
	hs, ok := b.handlers[channel]
	if !ok {
		hs = make(map[uint64]Handler)
		b.handlers[channel] = hs
		b.ready[channel] = make(chan struct{})
		if err := b.subscribeLocked(ctx, channel); err != nil {
			delete(b.handlers, channel)
			delete(b.ready, channel)
			b.mu.Unlock()
			return nil, err
		}
	}
	hs[id] = h
	ready := b.ready[channel]
	b.mu.Unlock()

	cancel := func() { b.unsubscribe(channel, id) }
	select {
	case <-ready:
		return cancel, nil
	case <-b.done:
		cancel()
		return nil, ErrClosed
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	}
}

func (b *Bus) subscribeLocked(ctx context.Context, channel string) error {
	if b.ps == nil {
		ps := b.rdb.Subscribe(ctx, channel)
		b.ps = ps
		go b.run(ps.ChannelWithSubscriptions(redis.WithChannelSize(1024)))
		return nil
	}
	return b.ps.Subscribe(ctx, channel)
}

func (b *Bus) unsubscribe(channel string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	hs, ok := b.handlers[channel]
	if !ok {
		return
	}
	if _, ok := hs[id]; !ok {
		return
	}
	delete(hs, id)
	if len(hs) > 0 {
		return
	}
	delete(b.handlers, channel)
	delete(b.ready, channel)
	if b.ps != nil && !b.closed {
		if err := b.ps.Unsubscribe(context.Background(), channel); err != nil {
			log.Warn().Err(err).Str("channel", channel).Msg("bus unsubscribe failed")
		}
	}
}

func (b *Bus) run(ch <-chan interface{}) {
	for raw := range ch {
		switch m := raw.(type) {
		case *redis.Subscription:
			if m.Kind != "subscribe" {
				continue
			}
			b.mu.Lock()
			if r, ok := b.ready[m.Channel]; ok {
				select {
				case <-r:
				default:
					close(r)
				}
			}
			b.mu.Unlock()
		case *redis.Message:
			b.dispatch(m.Channel, []byte(m.Payload))
		}
	}
}

func (b *Bus) dispatch(channel string, payload []byte) {
	b.mu.Lock()
	hs := make([]Handler, 0, len(b.handlers[channel]))
	for _, h := range b.handlers[channel] {
		hs = append(hs, h)
	}
	b.mu.Unlock()
	for _, h := range hs {
		h(channel, payload)
	}
}

// Close 关闭 PubSub 连接，正在等待确认的 Subscribe 返回 ErrClosed。
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)
	if b.ps != nil {
		return b.ps.Close()
	}
	return nil
}

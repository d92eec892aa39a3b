package ws

import (
	"context"
	"sync"

	"chatgateway/internal/metrics"

	"github.com/gorilla/websocket"
)

type connKey struct {
	role     string
	tenantID string
	userID   string
}

// Hub 是本节点的本地连接表：(role, tenant, user) -> 该用户在本节点上的所有连接。
// 只在建连和断连时写，投递时读。
type Hub struct {
	mu    sync.RWMutex
	conns map[connKey]map[*Client]struct{}
	wg    sync.WaitGroup

	// ctx 是正在处理的帧的上级上下文，Shutdown 时取消
	ctx    context.Context
	cancel context.CancelFunc
}

func NewHub() *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{conns: make(map[connKey]map[*Client]struct{}), ctx: ctx, cancel: cancel}
}

// Register 加入连接表，first 表示这是该用户在本节点上的第一个连接。
func (h *Hub) Register(c *Client) (first bool) {
	k := c.key()
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[k]
	if !ok {
		set = make(map[*Client]struct{})
		h.conns[k] = set
	}
	set[c] = struct{}{}
	metrics.WsConnections.WithLabelValues(k.role).Inc()
	return len(set) == 1
}

// Unregister 移出连接表，last 表示该用户在本节点上已无连接。
func (h *Hub) Unregister(c *Client) (last bool) {
	k := c.key()
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[k]
	if !ok {
		return false
	}
	if _, ok := set[c]; !ok {
		return false
	}
	delete(set, c)
	metrics.WsConnections.WithLabelValues(k.role).Dec()
	if len(set) == 0 {
		delete(h.conns, k)
		return true
	}
	return false
}

// Count 返回某用户在本节点上的连接数。
func (h *Hub) Count(role, tenantID, userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[connKey{role: role, tenantID: tenantID, userID: userID}])
}

// Len 返回本节点连接总数。
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.conns {
		n += len(set)
	}
	return n
}

func (h *Hub) snapshot() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.conns))
	for _, set := range h.conns {
		for c := range set {
			out = append(out, c)
		}
	}
	return out
}

// Shutdown 向所有连接发送 1001，取消仍在处理的帧，并等待各连接的断连清理（释放 presence 等）完成。
func (h *Hub) Shutdown(ctx context.Context) error {
	for _, c := range h.snapshot() {
		c.Close(websocket.CloseGoingAway, "server shutting down")
	}
	h.cancel()
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

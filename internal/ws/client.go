package ws

import (
	"encoding/json"
	"sync"
	"time"

	"chatgateway/internal/auth"
	"chatgateway/internal/metrics"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Client 是一个 WebSocket 连接。只有 writePump 写数据帧，其余路径都经由有界的 send 邮箱；
// 邮箱满时以 1008 关闭该连接，不阻塞广播方。
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
	log  zerolog.Logger

	identity auth.Identity

	mu     sync.Mutex
	roomID string
	subs   map[string]func()
}

func newClient(id string, conn *websocket.Conn, identity auth.Identity, mailbox int, logger zerolog.Logger) *Client {
	return &Client{
		id:       id,
		conn:     conn,
		send:     make(chan []byte, mailbox),
		done:     make(chan struct{}),
		log:      logger,
		identity: identity,
		subs:     make(map[string]func()),
	}
}

func (c *Client) key() connKey {
	return connKey{role: c.identity.Role, tenantID: c.identity.TenantID, userID: c.identity.UserID}
}

func (c *Client) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

func (c *Client) setRoomID(id string) {
	c.mu.Lock()
	c.roomID = id
	c.mu.Unlock()
}

// Enqueue 投递一帧到邮箱，不阻塞。
func (c *Client) Enqueue(b []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- b:
		return true
	default:
		metrics.WsMailboxOverflowTotal.Inc()
		c.log.Warn().Msg("send mailbox full, closing slow consumer")
		go c.Close(websocket.ClosePolicyViolation, "send buffer full")
		return false
	}
}

// SendJSON 序列化后投递。
func (c *Client) SendJSON(v any) bool {
	b, err := json.Marshal(v)
	if err != nil {
		c.log.Error().Err(err).Msg("marshal outbound frame")
		return false
	}
	return c.Enqueue(b)
}

// Close 发送关闭帧并断开底层连接，可重复调用。
func (c *Client) Close(code int, reason string) {
	c.once.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = c.conn.Close()
	})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			return
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// addSub 记录订阅的取消函数；同一频道重复订阅时返回 false。
func (c *Client) addSub(channel string, cancel func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[channel]; ok {
		return false
	}
	c.subs[channel] = cancel
	return true
}

func (c *Client) hasSub(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[channel]
	return ok
}

func (c *Client) dropSub(channel string) {
	c.mu.Lock()
	cancel, ok := c.subs[channel]
	delete(c.subs, channel)
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

func (c *Client) dropAllSubs() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]func())
	c.mu.Unlock()
	for _, cancel := range subs {
		cancel()
	}
}

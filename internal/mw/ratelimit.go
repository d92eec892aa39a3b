package mw

import (
	"net/http"
	"sync"
	"time"

	"chatgateway/internal/metrics"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// KeyFunc 决定请求落在哪个令牌桶。
type KeyFunc func(c *gin.Context) string

// KeyByHostIPRoute 按租户 Host、客户端 IP 与路由模板分桶，不同租户互不影响。
func KeyByHostIPRoute(c *gin.Context) string {
	route := c.FullPath()
	if route == "" {
		route = c.Request.URL.Path
	}
	return c.Request.Host + "|" + c.ClientIP() + "|" + route
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// Limiter 是按 key 分桶的令牌桶限速器，空闲超过 ttl 的桶会被回收。
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	r       rate.Limit
	burst   int
	ttl     time.Duration
	key     KeyFunc
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

func NewLimiter(r rate.Limit, burst int, ttl time.Duration, key KeyFunc) *Limiter {
	if key == nil {
		key = KeyByHostIPRoute
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		r:       r,
		burst:   burst,
		ttl:     ttl,
		key:     key,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
}

// Allow 消耗 key 对应桶中的一个令牌。
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.r, l.burst)}
		l.buckets[key] = b
	}
	b.seen = l.now()
	l.mu.Unlock()
	return b.lim.Allow()
}

// Len 返回当前桶数量。
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *Limiter) sweep() {
	cutoff := l.now().Add(-l.ttl)
	l.mu.Lock()
	for k, b := range l.buckets {
		if b.seen.Before(cutoff) {
			delete(l.buckets, k)
		}
	}
	l.mu.Unlock()
}

// Run 周期性回收空闲桶，直到 Stop。
func (l *Limiter) Run(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

// Stop 停止回收 goroutine，可重复调用。
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Handler 超限时返回 429。
func (l *Limiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow(l.key(c)) {
			path := c.FullPath()
			if path == "" {
				path = "unmatched"
			}
			metrics.HttpRateLimitedTotal.WithLabelValues(path).Inc()
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}

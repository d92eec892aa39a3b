package server

import (
	"context"
	"net/http"
	"time"

	"chatgateway/internal/auth"
	"chatgateway/internal/config"
	"chatgateway/internal/metrics"
	"chatgateway/internal/mw"
	"chatgateway/internal/ws"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// Probe 是一项就绪检查，例如 DB 或 Redis 的 ping。
type Probe func(ctx context.Context) error

// Deps 是路由需要的全部组件，由 main 组装。
type Deps struct {
	Handler  *Handler
	Resolver *auth.Resolver
	Gateway  *ws.Gateway
	Limiter  *mw.Limiter
	Probes   map[string]Probe
}

// SetupRouter 统一初始化 Gin 中间件、坐席 REST API 以及 WebSocket 端点。
func SetupRouter(cfg config.Config, d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if cfg.OTEL.Enabled {
		r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	}
	r.Use(metrics.GinMiddleware())
	r.Use(corsMiddleware(cfg.AllowedOrigins))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/readyz", readyz(d.Probes))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// WebSocket 不经过 gzip 与 HTTP 限速，入站帧由连接自身限速
	r.GET("/ws/chat", ws.Serve(d.Gateway))

	api := r.Group("/api/v1")
	api.Use(gzip.Gzip(gzip.DefaultCompression))
	if d.Limiter != nil {
		api.Use(d.Limiter.Handler())
	}
	api.POST("/auth/login", d.Handler.Login)

	// 需要坐席 Bearer Token 的接口。
	admin := api.Group("")
	admin.Use(auth.AdminMiddleware(d.Resolver))
	admin.GET("/rooms", d.Handler.ListRooms)
	admin.GET("/rooms/:id/messages", d.Handler.ListMessages)
	admin.POST("/rooms/:id/join", d.Handler.JoinRoom)
	admin.POST("/rooms/:id/mode", d.Handler.SetMode)
	admin.POST("/rooms/:id/close", d.Handler.CloseRoom)
	admin.GET("/online", d.Handler.ListOnline)

	r.NoRoute(func(c *gin.Context) { c.JSON(http.StatusNotFound, gin.H{"error": "route not found"}) })
	return r
}

// corsMiddleware 未配置白名单时放开所有来源，但不允许携带凭证。
func corsMiddleware(origins []string) gin.HandlerFunc {
	cc := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Length", "Retry-After"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 {
		cc.AllowAllOrigins = true
	} else {
		cc.AllowOrigins = origins
		cc.AllowCredentials = true
	}
	return cors.New(cc)
}

func readyz(probes map[string]Probe) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		checks := make(map[string]string, len(probes))
		ok := true
		for name, probe := range probes {
			if err := probe(ctx); err != nil {
				log.Warn().Err(err).Str("probe", name).Msg("readiness check failed")
				checks[name] = "down"
				ok = false
				continue
			}
			checks[name] = "up"
		}
		status := http.StatusOK
		if !ok {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"ready": ok, "checks": checks})
	}
}

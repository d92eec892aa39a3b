package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatgateway/internal/archive"
	"chatgateway/internal/auth"
	"chatgateway/internal/bot"
	"chatgateway/internal/bus"
	"chatgateway/internal/config"
	"chatgateway/internal/db"
	"chatgateway/internal/kv"
	clog "chatgateway/internal/log"
	"chatgateway/internal/mw"
	"chatgateway/internal/observability"
	"chatgateway/internal/presence"
	"chatgateway/internal/server"
	"chatgateway/internal/service"
	"chatgateway/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", true, "run schema migration before serving")
	return cmd
}

func serve(parent context.Context, cfg config.Config, migrate bool) error {
	clog.Init(cfg.Env, cfg.LogLevel)
	if cfg.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	gdb, err := db.Connect(ctx, cfg.DatabaseDSN)
	if err != nil {
		return err
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	if migrate {
		if err := db.Migrate(gdb); err != nil {
			return err
		}
	}

	rdb, err := kv.NewClient(cfg.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()
	b := bus.New(rdb)
	defer b.Close()
	reg := presence.NewRegistry(rdb)

	var sink service.ChatSink
	if len(cfg.Kafka.Brokers) > 0 {
		arch, err := archive.New(cfg.Kafka.Brokers, cfg.Kafka.ChatTopic)
		if err != nil {
			return err
		}
		defer arch.Close()
		sink = arch
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.ChatTopic).Msg("chat archive enabled")
	}

	bt, err := newBot(cfg)
	if err != nil {
		return err
	}
	rooms := service.NewRoomService(gdb, rdb, cfg.UserRoomMappingTTL)
	chats := service.NewChatService(gdb, sink)
	modes := service.NewModeArbiter(rdb, cfg.AdminAssistDelay)
	pipeline := service.NewPipeline(rooms, chats, modes, bot.NewAdapter(bt, cfg.BotTimeout), b, service.PipelineConfig{
		HistoryLookback: cfg.HistoryLookback,
		FallbackText:    cfg.BotFallbackText,
	})
	resolver := auth.NewResolver(gdb, cfg.JWTSecret, cfg.AccessTokenTTL)

	hub := ws.NewHub()
	gw := ws.NewGateway(hub, resolver, rooms, pipeline, reg, b, ws.Options{
		PresenceTTL:  cfg.PresenceTTL,
		MailboxCap:   cfg.SendMailboxCap,
		ReadLimit:    cfg.WSReadLimit,
		FrameRate:    cfg.WSFrameRate,
		FrameBurst:   cfg.WSFrameBurst,
		FrameTimeout: cfg.BotTimeout + 30*time.Second,
	})
	// 控制单个租户+IP+路由的速率
	limiter := mw.NewLimiter(rate.Every(time.Second/20), 40, 2*time.Minute, nil)
	engine := server.SetupRouter(cfg, server.Deps{
		Handler:  server.NewHandler(resolver, rooms, chats, pipeline, reg),
		Resolver: resolver,
		Gateway:  gw,
		Limiter:  limiter,
		Probes: map[string]server.Probe{
			"postgres": sqlDB.PingContext,
			"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		},
	})
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		limiter.Run(30 * time.Second)
		return nil
	})
	g.Go(func() error {
		sweepPresence(gctx, rooms, reg, pipeline, cfg.PresenceTTL)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		limiter.Stop()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Warn().Err(err).Msg("http shutdown")
		}
		// 已升级的连接不受 srv.Shutdown 管理，由 hub 发送 1001 并等待清理
		if err := hub.Shutdown(sctx); err != nil {
			log.Warn().Err(err).Int("remaining", hub.Len()).Msg("ws shutdown incomplete")
		}
		return nil
	})
	return g.Wait()
}

// newBot 配置了 OPENAI_API_KEY 时使用模型，否则使用固定回复。
func newBot(cfg config.Config) (bot.Bot, error) {
	if cfg.OpenAI.APIKey == "" {
		if cfg.Env != "dev" {
			log.Warn().Msg("OPENAI_API_KEY not set, using static bot replies")
		}
		return bot.Static{}, nil
	}
	return bot.NewOpenAI(cfg.OpenAI)
}

// sweepPresence 周期性修正 presence 已过期但仍标记在线的成员，覆盖其他节点崩溃的情况。
func sweepPresence(ctx context.Context, rooms *service.RoomService, reg *presence.Registry, p *service.Pipeline, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			changes, err := rooms.SweepOffline(ctx, reg)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Warn().Err(err).Msg("presence sweep")
			}
			if len(changes) > 0 {
				log.Info().Int("members", len(changes)).Msg("presence sweep marked members offline")
				p.PublishPresence(ctx, changes)
			}
		}
	}
}

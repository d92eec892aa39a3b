package db

import (
	"context"
	"fmt"
	"time"

	"chatgateway/internal/models"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"
)

const connectTries = 10

// openRoomIndex 保证同一租户下每个终端用户最多一个 open 房间。
const openRoomIndex = `CREATE UNIQUE INDEX IF NOT EXISTS ux_room_open_user ON room (tenant_id, user_id) WHERE status = 'open'`

// Connect 连接 Postgres，容器未就绪时按指数退避重试，并挂上 OTel 插件。
func Connect(ctx context.Context, dsn string) (*gorm.DB, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second

	attempt := 0
	gdb, err := backoff.Retry(ctx, func() (*gorm.DB, error) {
		attempt++
		gdb, err := open(ctx, dsn)
		if err != nil {
			log.Warn().Err(err).Int("attempt", attempt).Msg("postgres not ready")
		}
		return gdb, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(connectTries))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := gdb.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
		return nil, err
	}
	return gdb, nil
}

func open(ctx context.Context, dsn string) (*gorm.DB, error) {
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetConnMaxLifetime(time.Hour)
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return gdb, nil
}

// Migrate 迁移 tenant/admin/room/member/chat 表，并补建 open 房间的部分唯一索引。
func Migrate(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(&models.Tenant{}, &models.Admin{}, &models.Room{}, &models.Member{}, &models.Chat{}); err != nil {
		return err
	}
	return gdb.Exec(openRoomIndex).Error
}

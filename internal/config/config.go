package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

type KafkaConfig struct {
	Brokers   []string
	ChatTopic string
}

type OTELConfig struct {
	Enabled     bool
	Endpoint    string
	Insecure    bool
	ServiceName string
	SampleRatio float64
}

type Config struct {
	Port        string
	Env         string
	LogLevel    string
	DatabaseDSN string
	JWTSecret   string
	// 坐席访问令牌有效期
	AccessTokenTTL time.Duration
	Redis          RedisConfig

	AdminAssistDelay   time.Duration
	PresenceTTL        time.Duration
	UserRoomMappingTTL time.Duration
	BotTimeout         time.Duration
	HistoryLookback    int
	SendMailboxCap     int
	BotFallbackText    string

	WSReadLimit    int64
	WSFrameRate    float64
	WSFrameBurst   int
	AllowedOrigins []string

	OpenAI OpenAIConfig
	Kafka  KafkaConfig
	OTEL   OTELConfig
}

const defaultFallback = "Sorry, I can't answer right now. A support agent will get back to you shortly."

// MustLoad 加载配置，校验失败直接 panic。
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load 从环境变量读取配置并做基本校验。
func Load() (Config, error) {
	cfg := Config{
		Port:           getenv("APP_PORT", "8080"),
		Env:            getenv("APP_ENV", "dev"),
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		DatabaseDSN:    getenv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=chatgateway port=5432 sslmode=disable TimeZone=UTC"),
		JWTSecret:      getenv("JWT_SECRET", "dev-secret-change-me"),
		AccessTokenTTL: time.Duration(getint("ACCESS_TOKEN_TTL_MINUTES", 480)) * time.Minute,
		Redis: RedisConfig{
			Addr:     getenv("REDIS_ADDR", "localhost:6379"),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getint("REDIS_DB", 0),
			PoolSize: getint("REDIS_POOL_SIZE", 20),
		},

		AdminAssistDelay:   getseconds("ADMIN_ASSIST_DELAY_SECONDS", 30),
		PresenceTTL:        getseconds("PRESENCE_TTL_SECONDS", 30),
		UserRoomMappingTTL: getseconds("USER_ROOM_MAPPING_TTL_SECONDS", 3600),
		BotTimeout:         getseconds("BOT_TIMEOUT_SECONDS", 60),
		HistoryLookback:    getint("HISTORY_LOOKBACK", 20),
		SendMailboxCap:     getint("SEND_MAILBOX_CAPACITY", 64),
		BotFallbackText:    getenv("BOT_FALLBACK_TEXT", defaultFallback),

		WSReadLimit:    int64(getint("WS_READ_LIMIT_BYTES", 1<<20)),
		WSFrameRate:    getfloat("WS_FRAME_RATE", 5),
		WSFrameBurst:   getint("WS_FRAME_BURST", 20),
		AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),

		OpenAI: OpenAIConfig{
			APIKey:  getenv("OPENAI_API_KEY", ""),
			Model:   getenv("OPENAI_MODEL", "gpt-4o-mini"),
			BaseURL: getenv("OPENAI_BASE_URL", ""),
		},
		Kafka: KafkaConfig{
			Brokers:   splitCSV(getenv("KAFKA_BROKERS", "")),
			ChatTopic: getenv("KAFKA_CHAT_TOPIC", "chat.archive"),
		},
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "chat-gateway"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("APP_PORT must not be empty")
	}
	if cfg.Env != "dev" && cfg.JWTSecret == "dev-secret-change-me" {
		return cfg, errors.New("JWT_SECRET must be set outside dev")
	}
	if cfg.AccessTokenTTL <= 0 || cfg.AdminAssistDelay <= 0 || cfg.PresenceTTL <= 0 || cfg.UserRoomMappingTTL <= 0 || cfg.BotTimeout <= 0 {
		return cfg, errors.New("ttl and timeout settings must be positive")
	}
	if cfg.HistoryLookback < 1 || cfg.HistoryLookback > 200 {
		return cfg, errors.New("HISTORY_LOOKBACK must be between 1 and 200")
	}
	if cfg.SendMailboxCap < 1 {
		return cfg, errors.New("SEND_MAILBOX_CAPACITY must be >= 1")
	}
	if cfg.WSReadLimit <= 0 {
		return cfg, errors.New("WS_READ_LIMIT_BYTES must be > 0")
	}
	if cfg.WSFrameRate <= 0 || cfg.WSFrameBurst < 1 {
		return cfg, errors.New("WS_FRAME_RATE must be > 0 and WS_FRAME_BURST >= 1")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}
	return cfg, nil
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getint(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getfloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getbool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}

// getseconds 读取以秒为单位的整数配置。
func getseconds(key string, def int) time.Duration {
	return time.Duration(getint(key, def)) * time.Second
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

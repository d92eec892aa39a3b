package bot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatgateway/internal/metrics"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrUnavailable 表示机器人超时或上游出错，调用方应写入兜底回复。
var ErrUnavailable = errors.New("bot unavailable")

// Turn 是提供给机器人的一条历史消息。
type Turn struct {
	Role    string
	Message string
}

type Request struct {
	TenantID string
	RoomID   string
	History  []Turn
	Message  string
}

// Reply 是机器人回复及其调用指标。
type Reply struct {
	Text         string
	Latency      time.Duration
	InputTokens  int
	OutputTokens int
	TotalTokens  int
	Category     string
	Tools        []string
}

type Bot interface {
	Reply(ctx context.Context, req Request) (Reply, error)
}

// Adapter 给任意 Bot 加上墙钟超时，并把所有失败归一为 ErrUnavailable。
type Adapter struct {
	bot     Bot
	timeout time.Duration
}

func NewAdapter(b Bot, timeout time.Duration) *Adapter {
	return &Adapter{bot: b, timeout: timeout}
}

type result struct {
	reply Reply
	err   error
}

func (a *Adapter) Reply(ctx context.Context, req Request) (Reply, error) {
	ctx, span := otel.Tracer("bot/Adapter").Start(ctx, "Reply",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("room.id", req.RoomID), attribute.Int("history.len", len(req.History))),
	)
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	start := time.Now()

	ch := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- result{err: fmt.Errorf("panic: %v", p)}
			}
		}()
		r, err := a.bot.Reply(ctx, req)
		ch <- result{reply: r, err: err}
	}()

	select {
	case <-ctx.Done():
		metrics.BotRequestDuration.WithLabelValues("timeout").Observe(time.Since(start).Seconds())
		span.SetStatus(codes.Error, "timeout")
		return Reply{}, fmt.Errorf("%w: %w", ErrUnavailable, ctx.Err())
	case res := <-ch:
		elapsed := time.Since(start)
		if res.err != nil {
			metrics.BotRequestDuration.WithLabelValues("error").Observe(elapsed.Seconds())
			span.RecordError(res.err)
			span.SetStatus(codes.Error, "bot error")
			return Reply{}, fmt.Errorf("%w: %w", ErrUnavailable, res.err)
		}
		metrics.BotRequestDuration.WithLabelValues("ok").Observe(elapsed.Seconds())
		span.SetAttributes(attribute.Int("tokens.total", res.reply.TotalTokens))
		if res.reply.Latency == 0 {
			res.reply.Latency = elapsed
		}
		return res.reply, nil
	}
}

// Static 固定回复，未配置模型时在开发环境使用。
type Static struct {
	Text string
}

func (s Static) Reply(_ context.Context, req Request) (Reply, error) {
	text := s.Text
	if text == "" {
		text = "Thanks for your message, an agent will follow up."
	}
	return Reply{Text: text, Category: "static"}, nil
}

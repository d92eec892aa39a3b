package service

import (
	"errors"
	"fmt"

	"chatgateway/internal/auth"
	"chatgateway/internal/bot"
)

// 业务层错误分类，ws 与 handler 根据 errors.Is 决定关闭码、内联错误或 HTTP 状态码。
var (
	ErrAuthRejected     = auth.ErrAuthRejected
	ErrValidation       = errors.New("validation error")
	ErrNotAuthorized    = errors.New("not authorized")
	ErrNotFound         = errors.New("not found")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrBotUnavailable   = bot.ErrUnavailable
	ErrInternal         = errors.New("internal error")

	// ErrRoomClosed 归入 ErrValidation，客户端看到 "validation error: room is closed"。
	ErrRoomClosed = fmt.Errorf("%w: room is closed", ErrValidation)
)

// ClientMessage 返回可以直接回给客户端的错误文本，不泄露底层细节。
func ClientMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return err.Error()
	case errors.Is(err, ErrNotAuthorized):
		return "not authorized"
	case errors.Is(err, ErrNotFound):
		return "not found"
	case errors.Is(err, ErrStoreUnavailable):
		return "temporarily unavailable, please retry"
	case errors.Is(err, ErrAuthRejected):
		return "authentication failed"
	default:
		return "internal error"
	}
}

// Internal 表示需要关闭连接的错误。
func Internal(err error) bool {
	return err != nil && !errors.Is(err, ErrValidation) && !errors.Is(err, ErrNotAuthorized) &&
		!errors.Is(err, ErrNotFound) && !errors.Is(err, ErrStoreUnavailable) && !errors.Is(err, ErrBotUnavailable)
}

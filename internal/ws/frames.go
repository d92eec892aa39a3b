package ws

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"chatgateway/internal/service"

	"github.com/go-playground/validator/v10"
)

// 客户端帧类型与服务端直接回复的类型。
const (
	frameMessage  = "message"
	frameJoinRoom = "join_room"
	frameSetMode  = "set_mode"
	frameError    = "error"
)

type inboundFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	RoomID  string `json:"room_id"`
	Mode    string `json:"mode"`
}

type messageFrame struct {
	Message string `json:"message" validate:"required,max=4000"`
	RoomID  string `json:"room_id" validate:"omitempty,uuid"`
}

type joinRoomFrame struct {
	RoomID string `json:"room_id" validate:"required,uuid"`
}

type setModeFrame struct {
	RoomID string `json:"room_id" validate:"required,uuid"`
	Mode   string `json:"mode" validate:"required,oneof=bot admin_assist admin_takeover"`
}

// handshake 是 /ws/chat 的查询参数。
type handshake struct {
	UserID      string `form:"user_id" validate:"required,uuid"`
	Role        string `form:"role" validate:"required,oneof=user admin chatbot"`
	APIKey      string `form:"api_key" validate:"required_without=AccessToken"`
	AccessToken string `form:"access_token"`
}

type errorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

type joinRoomAck struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Message string `json:"message"`
	RoomID  string `json:"room_id"`
}

type setModeAck struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	RoomID  string `json:"room_id"`
	Mode    string `json:"mode"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		for _, tag := range []string{"json", "form"} {
			if name := strings.SplitN(f.Tag.Get(tag), ",", 2)[0]; name != "" && name != "-" {
				return name
			}
		}
		return f.Name
	})
	return v
}

// validationError 把 validator 的错误转成 ErrValidation，文本只包含首个字段。
func validationError(err error) error {
	var ve validator.ValidationErrors
	if errors.As(err, &ve) && len(ve) > 0 {
		fe := ve[0]
		switch fe.Tag() {
		case "required", "required_without":
			return fmt.Errorf("%w: %s is required", service.ErrValidation, fe.Field())
		case "uuid":
			return fmt.Errorf("%w: %s must be a UUID", service.ErrValidation, fe.Field())
		case "oneof":
			return fmt.Errorf("%w: %s must be one of [%s]", service.ErrValidation, fe.Field(), fe.Param())
		case "max":
			return fmt.Errorf("%w: %s is too long", service.ErrValidation, fe.Field())
		}
		return fmt.Errorf("%w: %s is invalid", service.ErrValidation, fe.Field())
	}
	return fmt.Errorf("%w: %v", service.ErrValidation, err)
}

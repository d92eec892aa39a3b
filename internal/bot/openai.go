package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatgateway/internal/config"
	"chatgateway/internal/models"

	"github.com/rs/zerolog/log"
	"github.com/sashabaranov/go-openai"
)

const defaultPersona = "You are a helpful customer-support assistant. Answer briefly. If you cannot help, say a human agent will follow up."

// OpenAI 通过 Chat Completions 接口生成回复。
type OpenAI struct {
	client  *openai.Client
	model   string
	persona string
}

func NewOpenAI(cfg config.OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("OPENAI_API_KEY not set")
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAI{client: openai.NewClientWithConfig(oc), model: model, persona: defaultPersona}, nil
}

func (o *OpenAI) Reply(ctx context.Context, req Request) (Reply, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: o.persona})
	for _, t := range req.History {
		role := openai.ChatMessageRoleAssistant
		if t.Role == models.RoleUser {
			role = openai.ChatMessageRoleUser
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: t.Message})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Message})

	start := time.Now()
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: msgs,
		User:     req.TenantID,
	})
	if err != nil {
		return Reply{}, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Reply{}, errors.New("openai returned no choices")
	}
	choice := resp.Choices[0]
	log.Debug().Str("room_id", req.RoomID).Str("finish_reason", string(choice.FinishReason)).Msg("bot reply")

	var tools []string
	for _, tc := range choice.Message.ToolCalls {
		tools = append(tools, tc.Function.Name)
	}
	text := strings.TrimSpace(choice.Message.Content)
	if text == "" && len(tools) == 0 {
		return Reply{}, errors.New("openai returned empty content")
	}
	return Reply{
		Text:         text,
		Latency:      time.Since(start),
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		TotalTokens:  resp.Usage.TotalTokens,
		Category:     category(choice.FinishReason),
		Tools:        tools,
	}, nil
}

func category(r openai.FinishReason) string {
	switch r {
	case openai.FinishReasonLength:
		return "truncated"
	case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
		return "tool"
	case openai.FinishReasonContentFilter:
		return "filtered"
	default:
		return "answer"
	}
}

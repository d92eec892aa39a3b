package bot

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"chatgateway/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type funcBot func(ctx context.Context, req Request) (Reply, error)

func (f funcBot) Reply(ctx context.Context, req Request) (Reply, error) { return f(ctx, req) }

func TestAdapter_Success(t *testing.T) {
	a := NewAdapter(funcBot(func(ctx context.Context, req Request) (Reply, error) {
		return Reply{Text: "echo " + req.Message, TotalTokens: 7}, nil
	}), time.Second)

	r, err := a.Reply(context.Background(), Request{Message: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "echo hi", r.Text)
	assert.Equal(t, 7, r.TotalTokens)
	assert.Greater(t, r.Latency, time.Duration(0))
}

func TestAdapter_Timeout(t *testing.T) {
	a := NewAdapter(funcBot(func(ctx context.Context, req Request) (Reply, error) {
		time.Sleep(500 * time.Millisecond)
		return Reply{Text: "late"}, nil
	}), 50*time.Millisecond)

	start := time.Now()
	_, err := a.Reply(context.Background(), Request{Message: "hi"})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 400*time.Millisecond)
}

func TestAdapter_UpstreamErrorAndPanic(t *testing.T) {
	boom := errors.New("boom")
	a := NewAdapter(funcBot(func(ctx context.Context, req Request) (Reply, error) {
		return Reply{}, boom
	}), time.Second)
	_, err := a.Reply(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, boom)

	p := NewAdapter(funcBot(func(ctx context.Context, req Request) (Reply, error) {
		panic("bad bot")
	}), time.Second)
	_, err = p.Reply(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestOpenAI_Reply(t *testing.T) {
	var got struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id":"c1","object":"chat.completion","created":1,"model":"gpt-4o-mini",
			"choices":[{"index":0,"finish_reason":"tool_calls","message":{"role":"assistant","content":"Your order ships today.",
				"tool_calls":[{"id":"t1","type":"function","function":{"name":"lookup_order","arguments":"{}"}}]}}],
			"usage":{"prompt_tokens":12,"completion_tokens":5,"total_tokens":17}
		}`))
	}))
	defer srv.Close()

	o, err := NewOpenAI(config.OpenAIConfig{APIKey: "sk-test", Model: "gpt-4o-mini", BaseURL: srv.URL + "/v1"})
	require.NoError(t, err)

	r, err := o.Reply(context.Background(), Request{
		TenantID: "t1",
		RoomID:   "r1",
		History:  []Turn{{Role: "user", Message: "where is my order"}, {Role: "chatbot", Message: "let me check"}},
		Message:  "any update?",
	})
	require.NoError(t, err)
	assert.Equal(t, "Your order ships today.", r.Text)
	assert.Equal(t, 12, r.InputTokens)
	assert.Equal(t, 5, r.OutputTokens)
	assert.Equal(t, 17, r.TotalTokens)
	assert.Equal(t, "tool", r.Category)
	assert.Equal(t, []string{"lookup_order"}, r.Tools)

	require.Len(t, got.Messages, 4)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "user", got.Messages[1].Role)
	assert.Equal(t, "assistant", got.Messages[2].Role)
	assert.Equal(t, "any update?", got.Messages[3].Content)
}

func TestOpenAI_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
	}))
	defer srv.Close()

	o, err := NewOpenAI(config.OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL + "/v1"})
	require.NoError(t, err)
	a := NewAdapter(o, 5*time.Second)
	_, err = a.Reply(context.Background(), Request{Message: "hi"})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestNewOpenAI_RequiresKey(t *testing.T) {
	_, err := NewOpenAI(config.OpenAIConfig{})
	assert.Error(t, err)
}

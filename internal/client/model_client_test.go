package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shelfscan/api/internal/config"
	"github.com/shelfscan/api/internal/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newModelServer(t *testing.T, handler func(w http.ResponseWriter, body map[string]interface{})) *ModelClient {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"), r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(raw, &body))

		w.Header().Set("Content-Type", "application/json")
		handler(w, body)
	}))
	t.Cleanup(srv.Close)

	return NewModelClient(&config.ModelConfig{
		APIKey:       "sk-test",
		BaseURL:      srv.URL,
		DefaultModel: "vision-default",
		MaxTokens:    512,
		Timeout:      5 * time.Second,
	})
}

func completionJSON(message string) string {
	return `{"id":"cmpl-1","object":"chat.completion","created":1,"model":"m","choices":[{"index":0,"finish_reason":"stop","message":` + message + `}]}`
}

func TestModelClient_ToolCallTurn(t *testing.T) {
	var got map[string]interface{}
	c := newModelServer(t, func(w http.ResponseWriter, body map[string]interface{}) {
		got = body
		_, _ = io.WriteString(w, completionJSON(`{"role":"assistant","content":null,"tool_calls":[{"id":"call_1","type":"function","function":{"name":"web_search","arguments":"{\"query\":\"4006381333931\"}"}}]}`))
	})

	req := pipeline.BuildInitialRequest(pipeline.Input{Barcodes: "4006381333931"}, "")
	req.Messages[1].Images = []pipeline.Image{{ContentType: "image/png", Data: []byte("png-bytes")}}

	turn, err := c.Generate(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, turn.ToolCalls, 1)
	assert.Equal(t, "call_1", turn.ToolCalls[0].ID)
	assert.Equal(t, pipeline.SearchToolName, turn.ToolCalls[0].Name)
	assert.JSONEq(t, `{"query":"4006381333931"}`, turn.ToolCalls[0].Arguments)

	assert.Equal(t, "vision-default", got["model"])
	assert.EqualValues(t, 512, got["max_tokens"])

	tools := got["tools"].([]interface{})
	require.Len(t, tools, 1)
	fn := tools[0].(map[string]interface{})["function"].(map[string]interface{})
	assert.Equal(t, pipeline.SearchToolName, fn["name"])

	messages := got["messages"].([]interface{})
	user := messages[1].(map[string]interface{})
	parts := user["content"].([]interface{})
	require.Len(t, parts, 2)
	image := parts[1].(map[string]interface{})["image_url"].(map[string]interface{})
	assert.True(t, strings.HasPrefix(image["url"].(string), "data:image/png;base64,"))
}

func TestModelClient_ReplaysToolRound(t *testing.T) {
	var got map[string]interface{}
	c := newModelServer(t, func(w http.ResponseWriter, body map[string]interface{}) {
		got = body
		_, _ = io.WriteString(w, completionJSON(`{"role":"assistant","content":"{\"products\":[]}"}`))
	})

	req := &pipeline.ModelRequest{
		Model: "override",
		Messages: []pipeline.Message{
			{Role: pipeline.RoleSystem, Content: "sys"},
			{Role: pipeline.RoleUser, Content: "find it"},
			{Role: pipeline.RoleAssistant, ToolCalls: []pipeline.ToolCall{{ID: "c1", Name: "web_search", Arguments: `{"query":"x"}`}}},
			{Role: pipeline.RoleTool, ToolCallID: "c1", Content: "results"},
		},
	}

	turn, err := c.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, `{"products":[]}`, turn.Content)
	assert.Empty(t, turn.ToolCalls)

	assert.Equal(t, "override", got["model"])
	messages := got["messages"].([]interface{})
	require.Len(t, messages, 4)

	assistant := messages[2].(map[string]interface{})
	assert.Equal(t, "assistant", assistant["role"])
	calls := assistant["tool_calls"].([]interface{})
	require.Len(t, calls, 1)
	assert.Equal(t, "c1", calls[0].(map[string]interface{})["id"])

	tool := messages[3].(map[string]interface{})
	assert.Equal(t, "tool", tool["role"])
	assert.Equal(t, "c1", tool["tool_call_id"])
}

func TestModelClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		status int
		want   pipeline.Code
	}{
		{http.StatusTooManyRequests, pipeline.CodeTransientProvider},
		{http.StatusBadGateway, pipeline.CodeTransientProvider},
		{http.StatusServiceUnavailable, pipeline.CodeTransientProvider},
		{http.StatusBadRequest, pipeline.CodeProvider},
		{http.StatusUnauthorized, pipeline.CodeProvider},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			calls := 0
			c := newModelServer(t, func(w http.ResponseWriter, _ map[string]interface{}) {
				calls++
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, `{"error":{"message":"nope","type":"x"}}`)
			})

			_, err := c.Generate(context.Background(), pipeline.BuildInitialRequest(pipeline.Input{Barcodes: "1"}, ""))
			require.Error(t, err)
			assert.Equal(t, tt.want, pipeline.CodeOf(err))
			assert.Equal(t, 1, calls, "sdk retries must stay disabled")
		})
	}
}

func TestModelClient_UnreachableIsTransient(t *testing.T) {
	c := NewModelClient(&config.ModelConfig{APIKey: "k", BaseURL: "http://127.0.0.1:1", DefaultModel: "m"})

	_, err := c.Generate(context.Background(), pipeline.BuildInitialRequest(pipeline.Input{Barcodes: "1"}, ""))
	assert.Equal(t, pipeline.CodeTransientProvider, pipeline.CodeOf(err))
}

func TestModelClient_CancelledContext(t *testing.T) {
	c := newModelServer(t, func(w http.ResponseWriter, _ map[string]interface{}) {
		_, _ = io.WriteString(w, completionJSON(`{"role":"assistant","content":"late"}`))
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Generate(ctx, pipeline.BuildInitialRequest(pipeline.Input{Barcodes: "1"}, ""))
	assert.Equal(t, pipeline.CodeCancelled, pipeline.CodeOf(err))
}

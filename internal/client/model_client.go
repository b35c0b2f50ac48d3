package client

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
	"github.com/shelfscan/api/internal/config"
	"github.com/shelfscan/api/internal/pipeline"
)

// ModelClient talks to an OpenAI-compatible chat completions endpoint with
// vision and function calling.
type ModelClient struct {
	client       openai.Client
	defaultModel string
	maxTokens    int
}

// NewModelClient creates a model client. SDK retries are disabled; the job
// runner owns retry policy.
func NewModelClient(cfg *config.ModelConfig, opts ...option.RequestOption) *ModelClient {
	reqOpts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		reqOpts = append(reqOpts, option.WithRequestTimeout(cfg.Timeout))
	}
	reqOpts = append(reqOpts, opts...)

	return &ModelClient{
		client:       openai.NewClient(reqOpts...),
		defaultModel: cfg.DefaultModel,
		maxTokens:    cfg.MaxTokens,
	}
}

func (c *ModelClient) DefaultModel() string {
	return c.defaultModel
}

// Generate sends the whole conversation and returns the model's next turn.
func (c *ModelClient) Generate(ctx context.Context, req *pipeline.ModelRequest) (*pipeline.ModelTurn, error) {
	modelName := req.Model
	if modelName == "" {
		modelName = c.defaultModel
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(modelName),
		Messages: toMessageParams(req.Messages),
	}
	for _, tool := range req.Tools {
		params.Tools = append(params.Tools, openai.ChatCompletionFunctionTool(shared.FunctionDefinitionParam{
			Name:        tool.Name,
			Description: openai.String(tool.Description),
			Parameters:  shared.FunctionParameters(tool.Parameters),
		}))
	}
	if c.maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(c.maxTokens))
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, classifyModelError(ctx, err)
	}
	if len(completion.Choices) == 0 {
		return nil, pipeline.NewError(pipeline.CodeProvider, nil, "model returned no choices")
	}

	msg := completion.Choices[0].Message
	turn := &pipeline.ModelTurn{Content: msg.Content}
	for _, call := range msg.ToolCalls {
		turn.ToolCalls = append(turn.ToolCalls, pipeline.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
		})
	}
	return turn, nil
}

func toMessageParams(msgs []pipeline.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case pipeline.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case pipeline.RoleUser:
			out = append(out, userMessage(m))
		case pipeline.RoleAssistant:
			out = append(out, assistantMessage(m))
		case pipeline.RoleTool:
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		}
	}
	return out
}

func userMessage(m pipeline.Message) openai.ChatCompletionMessageParamUnion {
	if len(m.Images) == 0 {
		return openai.UserMessage(m.Content)
	}

	parts := []openai.ChatCompletionContentPartUnionParam{openai.TextContentPart(m.Content)}
	for _, img := range m.Images {
		parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
			URL: dataURL(img),
		}))
	}
	return openai.UserMessage(parts)
}

func assistantMessage(m pipeline.Message) openai.ChatCompletionMessageParamUnion {
	param := openai.ChatCompletionAssistantMessageParam{}
	if m.Content != "" {
		param.Content.OfString = openai.String(m.Content)
	}
	for _, call := range m.ToolCalls {
		param.ToolCalls = append(param.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
			OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
				ID: call.ID,
				Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
					Name:      call.Name,
					Arguments: call.Arguments,
				},
			},
		})
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: &param}
}

func dataURL(img pipeline.Image) string {
	contentType := img.ContentType
	if contentType == "" {
		contentType = http.DetectContentType(img.Data)
	}
	return fmt.Sprintf("data:%s;base64,%s", contentType, base64.StdEncoding.EncodeToString(img.Data))
}

// classifyModelError maps transport failures onto pipeline codes. Rate
// limits, timeouts and server errors are transient; other rejections are not.
func classifyModelError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests,
			apiErr.StatusCode == http.StatusRequestTimeout,
			apiErr.StatusCode >= 500:
			return pipeline.NewError(pipeline.CodeTransientProvider, err, "model API error (status %d)", apiErr.StatusCode)
		default:
			return pipeline.NewError(pipeline.CodeProvider, err, "model API rejected request (status %d)", apiErr.StatusCode)
		}
	}

	return pipeline.NewError(pipeline.CodeTransientProvider, err, "failed to reach model API")
}

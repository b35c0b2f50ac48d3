package pipeline

import (
	"context"

	"github.com/shelfscan/api/internal/model"
)

// Role of a conversation message
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one conversation turn sent to the model
type Message struct {
	Role       Role
	Content    string
	Images     []Image
	ToolCalls  []ToolCall
	ToolCallID string
}

// Image is an attachment, either inline (Data set) or addressed by Key in the blob store
type Image struct {
	Key         string
	ContentType string
	Size        int64
	Data        []byte
}

// ToolSpec declares a tool the model may call
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// ToolCall is a model-issued request to run a tool
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ModelRequest is a full conversation handed to the model in one call
type ModelRequest struct {
	Model    string
	Messages []Message
	Tools    []ToolSpec
}

// ModelTurn is the model's reply: tool calls, a final answer, or both
type ModelTurn struct {
	Content   string
	ToolCalls []ToolCall
}

// Model is a multimodal generative model with tool calling.
// Implementations classify transport failures as ErrTransientProvider or ErrProvider.
type Model interface {
	Generate(ctx context.Context, req *ModelRequest) (*ModelTurn, error)
	DefaultModel() string
}

// SearchResult is the ranked output of one search query
type SearchResult struct {
	Engine   string
	Snippets []model.SearchSnippet
}

// Searcher runs external search queries
type Searcher interface {
	Search(ctx context.Context, query string) (*SearchResult, error)
}

// ImageFetcher loads attachment bytes from the blob store
type ImageFetcher interface {
	Download(ctx context.Context, key string) ([]byte, error)
}

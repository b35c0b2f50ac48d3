package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/shelfscan/api/internal/model"
)

// Conversation is the outcome of a converged orchestration run
type Conversation struct {
	Content   string
	Trace     []model.ToolCallRecord
	ModelUsed string
}

// Orchestrator drives the model/search conversation to a final answer
type Orchestrator struct {
	model         Model
	search        Searcher
	images        ImageFetcher
	maxIterations int
	logger        *zap.Logger
}

// NewOrchestrator creates an orchestrator. maxIterations bounds the number of
// tool rounds; a model that asks for another round after that fails the run.
func NewOrchestrator(m Model, search Searcher, images ImageFetcher, maxIterations int, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		model:         m,
		search:        search,
		images:        images,
		maxIterations: maxIterations,
		logger:        logger,
	}
}

// Run executes the conversation. Every returned *Error carries the model id
// and the trace accumulated so far.
func (o *Orchestrator) Run(ctx context.Context, in Input) (*Conversation, error) {
	req := BuildInitialRequest(in, o.model.DefaultModel())
	run := &orchestrationRun{modelUsed: req.Model}
	log := o.logger.With(zap.String("model", req.Model))

	images, err := o.resolveImages(ctx, in.Images)
	if err != nil {
		return nil, run.fail(ctx, err)
	}
	req.Messages[1].Images = images

	for iteration := 0; ; {
		if err := ctx.Err(); err != nil {
			return nil, run.fail(ctx, err)
		}

		turn, err := o.model.Generate(ctx, req)
		if err != nil {
			return nil, run.fail(ctx, err)
		}

		// Tool calls win over content in the same turn.
		if len(turn.ToolCalls) == 0 {
			log.Debug("model returned final answer",
				zap.Int("iterations", iteration),
				zap.Int("tool_calls", len(run.trace)))
			return &Conversation{
				Content:   turn.Content,
				Trace:     run.snapshot(),
				ModelUsed: run.modelUsed,
			}, nil
		}

		if iteration >= o.maxIterations {
			return nil, run.fail(ctx, NewError(CodeIterationExceeded, nil,
				"model still requesting tools after %d iterations", o.maxIterations))
		}

		req.Messages = append(req.Messages, Message{
			Role:      RoleAssistant,
			Content:   turn.Content,
			ToolCalls: turn.ToolCalls,
		})
		for _, call := range turn.ToolCalls {
			record, reply := o.runTool(ctx, call)
			if err := ctx.Err(); err != nil {
				return nil, run.fail(ctx, err)
			}
			run.trace = append(run.trace, record)
			req.Messages = append(req.Messages, Message{
				Role:       RoleTool,
				ToolCallID: call.ID,
				Content:    reply,
			})
			log.Debug("tool call executed",
				zap.Int("iteration", iteration),
				zap.String("tool", call.Name),
				zap.String("query", record.Query),
				zap.Int("snippets", len(record.Snippets)),
				zap.String("error", record.Error))
		}
		iteration++
	}
}

func (o *Orchestrator) resolveImages(ctx context.Context, images []Image) ([]Image, error) {
	resolved := make([]Image, len(images))
	for i, img := range images {
		resolved[i] = img
		if img.Data != nil {
			continue
		}
		if o.images == nil {
			return nil, NewError(CodeInternal, nil, "no blob store configured to fetch image %s", img.Key)
		}
		data, err := o.images.Download(ctx, img.Key)
		if err != nil {
			return nil, NewError(CodeTransientProvider, err, "failed to fetch image %s", img.Key)
		}
		resolved[i].Data = data
	}
	return resolved, nil
}

type toolArguments struct {
	Query string `json:"query"`
}

type toolReply struct {
	Engine  string                `json:"engine,omitempty"`
	Results []model.SearchSnippet `json:"results,omitempty"`
	Error   string                `json:"error,omitempty"`
}

// runTool executes one tool call. Failures are recorded on the trace entry and
// reported back to the model rather than aborting the run.
func (o *Orchestrator) runTool(ctx context.Context, call ToolCall) (model.ToolCallRecord, string) {
	record := model.ToolCallRecord{Engine: call.Name, Snippets: []model.SearchSnippet{}}

	if call.Name != SearchToolName {
		record.Error = fmt.Sprintf("unknown tool %q", call.Name)
		return record, encodeReply(toolReply{Error: record.Error})
	}

	var args toolArguments
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil || strings.TrimSpace(args.Query) == "" {
		record.Error = "invalid arguments: a non-empty query is required"
		return record, encodeReply(toolReply{Error: record.Error})
	}
	record.Query = args.Query

	result, err := o.search.Search(ctx, args.Query)
	if err != nil {
		record.Error = err.Error()
		return record, encodeReply(toolReply{Error: "search failed: " + record.Error})
	}

	record.Engine = result.Engine
	if result.Snippets != nil {
		record.Snippets = result.Snippets
	}
	return record, encodeReply(toolReply{Engine: result.Engine, Results: record.Snippets})
}

func encodeReply(reply toolReply) string {
	data, err := json.Marshal(reply)
	if err != nil {
		return `{"error":"failed to encode tool result"}`
	}
	return string(data)
}

type orchestrationRun struct {
	modelUsed string
	trace     []model.ToolCallRecord
}

func (r *orchestrationRun) snapshot() []model.ToolCallRecord {
	return append([]model.ToolCallRecord{}, r.trace...)
}

// fail classifies err and stamps it with the model id and trace. A cancelled
// context wins over whatever error the interrupted call produced.
func (r *orchestrationRun) fail(ctx context.Context, err error) *Error {
	var classified Error
	if ctxErr := ctx.Err(); ctxErr != nil {
		classified = Error{Code: CodeCancelled, Message: "identification cancelled", Err: ctxErr}
	} else {
		classified = *AsError(err)
	}
	classified.ModelUsed = r.modelUsed
	classified.Trace = r.snapshot()
	return &classified
}

package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/shelfscan/api/internal/model"
)

// scriptedModel replays turns in order and records every request it saw.
type scriptedModel struct {
	mu       sync.Mutex
	turns    []*ModelTurn
	errs     []error
	requests []*ModelRequest
	loop     *ModelTurn
}

func (m *scriptedModel) Generate(ctx context.Context, req *ModelRequest) (*ModelTurn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := *req
	snapshot.Messages = append([]Message(nil), req.Messages...)
	m.requests = append(m.requests, &snapshot)

	idx := len(m.requests) - 1
	if idx < len(m.errs) && m.errs[idx] != nil {
		return nil, m.errs[idx]
	}
	if m.loop != nil {
		return m.loop, nil
	}
	if idx >= len(m.turns) {
		return nil, fmt.Errorf("script exhausted after %d turns", len(m.turns))
	}
	return m.turns[idx], nil
}

func (m *scriptedModel) DefaultModel() string {
	return "default-model"
}

func (m *scriptedModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

type fakeSearch struct {
	mu      sync.Mutex
	queries []string
	err     error
}

func (s *fakeSearch) Search(ctx context.Context, query string) (*SearchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = append(s.queries, query)
	if s.err != nil {
		return nil, s.err
	}
	return &SearchResult{
		Engine: "fake",
		Snippets: []model.SearchSnippet{
			{Title: "Result for " + query, URL: "https://example.com/" + query, Snippet: "snippet"},
		},
	}, nil
}

func (s *fakeSearch) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queries)
}

type fakeBlobs map[string][]byte

func (b fakeBlobs) Download(ctx context.Context, key string) ([]byte, error) {
	data, ok := b[key]
	if !ok {
		return nil, fmt.Errorf("object %s not found", key)
	}
	return data, nil
}

func searchCall(id, query string) ToolCall {
	return ToolCall{ID: id, Name: SearchToolName, Arguments: fmt.Sprintf(`{"query":%q}`, query)}
}

const productsAnswer = `{"products":[{"identification":{"method":"barcode","barcodes":["4001234567"],"name":"Widget","confidence":0.8},"details":{"features":[],"attributes":{},"identifiers":{},"images":[],"pricing":{"lowest_price":{"amount":12.5,"currency":"EUR","sources":["shop"]},"confidence":0.5}},"ops":{"sync_status":"pending","revision":1}}]}`

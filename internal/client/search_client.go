package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shelfscan/api/internal/config"
	"github.com/shelfscan/api/internal/model"
	"github.com/shelfscan/api/internal/pipeline"
)

// SearchEngineName is recorded on every trace entry produced by SearchClient
const SearchEngineName = "google"

const maxSearchResults = 10

// SearchClient queries a Custom Search JSON API compatible endpoint
type SearchClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	engineID   string
	results    int
}

type searchResponse struct {
	Items []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
	} `json:"items"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// NewSearchClient creates a new web search client
func NewSearchClient(cfg *config.SearchConfig) *SearchClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	results := cfg.Results
	if results <= 0 || results > maxSearchResults {
		results = maxSearchResults
	}

	return &SearchClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		engineID:   cfg.EngineID,
		results:    results,
	}
}

// Search runs one query and returns the ranked hits
func (c *SearchClient) Search(ctx context.Context, query string) (*pipeline.SearchResult, error) {
	params := url.Values{}
	params.Set("key", c.apiKey)
	params.Set("q", query)
	params.Set("num", strconv.Itoa(c.results))
	if c.engineID != "" {
		params.Set("cx", c.engineID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var searchResp searchResponse
	if err := json.Unmarshal(respBody, &searchResp); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("search API error (status %d): %s", resp.StatusCode, string(respBody))
		}
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := string(respBody)
		if searchResp.Error != nil {
			msg = searchResp.Error.Message
		}
		return nil, fmt.Errorf("search API error (status %d): %s", resp.StatusCode, msg)
	}

	result := &pipeline.SearchResult{
		Engine:   SearchEngineName,
		Snippets: make([]model.SearchSnippet, 0, len(searchResp.Items)),
	}
	for _, item := range searchResp.Items {
		result.Snippets = append(result.Snippets, model.SearchSnippet{
			Title:   item.Title,
			URL:     item.Link,
			Snippet: item.Snippet,
		})
	}
	return result, nil
}

// IsConfigured returns true if the client has valid configuration
func (c *SearchClient) IsConfigured() bool {
	return c.apiKey != "" && c.baseURL != ""
}

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shelfscan/api/internal/auth"
	"github.com/shelfscan/api/internal/client"
	"github.com/shelfscan/api/internal/config"
	"github.com/shelfscan/api/internal/middleware"
	"github.com/shelfscan/api/internal/model"
	"github.com/shelfscan/api/internal/pipeline"
	"github.com/shelfscan/api/internal/server"
	"github.com/shelfscan/api/internal/service"
	"github.com/shelfscan/api/internal/store"
	ws "github.com/shelfscan/api/internal/websocket"
	"github.com/shelfscan/api/internal/worker"
)

const (
	testJWTSecret = "test-secret-for-e2e"
	testBarcode   = "4006381333931"
)

const catalogAnswer = `{"products":[{"identification":{"method":"barcode","barcodes":["4006381333931"],"name":"Boss Original Highlighter","brand":"Stabilo","confidence":0.9},"details":{"features":[],"attributes":{},"identifiers":{},"images":[]},"ops":{"sync_status":"pending","revision":1}}]}`

// catalogModel searches once for the first barcode, then answers from the catalog.
type catalogModel struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (m *catalogModel) Generate(ctx context.Context, req *pipeline.ModelRequest) (*pipeline.ModelTurn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role == pipeline.RoleTool {
		return &pipeline.ModelTurn{Content: catalogAnswer}, nil
	}
	return &pipeline.ModelTurn{ToolCalls: []pipeline.ToolCall{{
		ID:        fmt.Sprintf("call-%d", m.calls),
		Name:      pipeline.SearchToolName,
		Arguments: fmt.Sprintf(`{"query":%q}`, testBarcode),
	}}}, nil
}

func (m *catalogModel) DefaultModel() string {
	return "catalog-model"
}

func (m *catalogModel) fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

type catalogSearch struct{}

func (catalogSearch) Search(ctx context.Context, query string) (*pipeline.SearchResult, error) {
	return &pipeline.SearchResult{
		Engine: "catalog",
		Snippets: []model.SearchSnippet{
			{Title: "Stabilo Boss " + query, URL: "https://example.com/" + query, Snippet: "Highlighter"},
		},
	}, nil
}

// testApp holds the wired application and the fakes behind it
type testApp struct {
	app   *fiber.App
	model *catalogModel
	store store.JobStore
}

// setupApp wires the same server as the serve command, backed by SQLite, a
// local blob directory, the in-process queue and a scripted model.
func setupApp(t *testing.T) *testApp {
	t.Helper()
	logger := zaptest.NewLogger(t)
	dir := t.TempDir()

	jobStore, err := store.OpenSQLite(filepath.Join(dir, "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = jobStore.Close() })

	blobs, err := client.NewLocalStorage(filepath.Join(dir, "blobs"))
	require.NoError(t, err)

	cfg := &config.Config{
		Server:    config.ServerConfig{Env: "test", BodyLimitMB: 10},
		JWT:       config.JWTConfig{Secret: testJWTSecret},
		RateLimit: config.RateLimitConfig{SubmitPerMin: 10000, IdentifyPerMin: 10000},
		Worker:    config.WorkerConfig{Queue: "local", JobTimeout: 5 * time.Second},
	}

	fakeModel := &catalogModel{}
	identifier := pipeline.NewIdentifier(
		pipeline.NewValidator(pipeline.Limits{MaxBarcodes: 5, MaxImageBytes: 1 << 20}),
		pipeline.NewOrchestrator(fakeModel, catalogSearch{}, blobs, 4, logger),
		pipeline.NewNormalizer(),
	)

	hubCtx, stopHub := context.WithCancel(context.Background())
	hub := ws.NewHub(logger)
	go hub.Run(hubCtx)
	t.Cleanup(stopHub)

	runner := worker.NewRunner(jobStore, identifier, hub, worker.RunnerConfig{
		MaxAttempts: 2,
		JobTimeout:  5 * time.Second,
		Backoff: worker.BackoffPolicy{
			InitialInterval: 5 * time.Millisecond,
			MaxInterval:     20 * time.Millisecond,
			Multiplier:      2,
		},
	}, logger)
	queue := worker.NewLocalQueue(runner, 2, 16, logger)
	queue.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = queue.Shutdown(ctx)
	})

	svc := service.NewIdentifyService(jobStore, queue, blobs, identifier, hub, logger)
	app := server.New(server.Deps{
		Config:        cfg,
		Service:       svc,
		Hub:           hub,
		Authenticator: auth.NewAuthenticator(nil, testJWTSecret),
		RateLimiter:   middleware.NewRateLimiter(nil, logger),
		Logger:        logger,
		Health:        map[string]bool{"model": true, "search": true},
	})

	return &testApp{app: app, model: fakeModel, store: jobStore}
}

// generateToken creates an HMAC token for test requests.
func generateToken(t *testing.T) string {
	t.Helper()
	token, err := auth.IssueLegacyToken(testJWTSecret, "test-user-123", "test@example.com", time.Hour)
	require.NoError(t, err)
	return token
}

// formFile is one image part of a multipart request
type formFile struct {
	name        string
	contentType string
	data        []byte
}

// multipartBody encodes fields and images[] files.
func multipartBody(t *testing.T, fields map[string]string, files ...formFile) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	for _, f := range files {
		header := make(map[string][]string)
		header["Content-Disposition"] = []string{fmt.Sprintf(`form-data; name="images[]"; filename=%q`, f.name)}
		header["Content-Type"] = []string{f.contentType}
		part, err := w.CreatePart(header)
		require.NoError(t, err)
		_, err = part.Write(f.data)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

// doRequest performs a request against the test app.
func doRequest(t *testing.T, app *fiber.App, method, path string, body io.Reader, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, path, body)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

// doAuthRequest performs an authenticated request.
func doAuthRequest(t *testing.T, app *fiber.App, method, path string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	headers := map[string]string{"Authorization": "Bearer " + generateToken(t)}
	if contentType != "" {
		headers["Content-Type"] = contentType
	}
	return doRequest(t, app, method, path, body, headers)
}

// parseJSON parses the response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var result map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &result), "body: %s", b)
	return result
}

// errorCode returns error.code from either error envelope.
func errorCode(t *testing.T, body map[string]interface{}) string {
	t.Helper()
	errObj, ok := body["error"].(map[string]interface{})
	require.True(t, ok, "expected error object in %v", body)
	code, _ := errObj["code"].(string)
	return code
}

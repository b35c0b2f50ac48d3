package worker

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shelfscan/api/internal/model"
	"github.com/shelfscan/api/internal/pipeline"
	"github.com/shelfscan/api/internal/store"
)

// fakeIdentifier keys calls by the barcodes string so tests can tell jobs apart.
type fakeIdentifier struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(ctx context.Context, in pipeline.Input, call int) (*pipeline.Result, error)
}

func newFakeIdentifier(fn func(ctx context.Context, in pipeline.Input, call int) (*pipeline.Result, error)) *fakeIdentifier {
	return &fakeIdentifier{calls: make(map[string]int), fn: fn}
}

func (f *fakeIdentifier) Identify(ctx context.Context, in pipeline.Input) (*pipeline.Result, error) {
	f.mu.Lock()
	f.calls[in.Barcodes]++
	call := f.calls[in.Barcodes]
	f.mu.Unlock()
	return f.fn(ctx, in, call)
}

func (f *fakeIdentifier) callsFor(barcodes string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[barcodes]
}

func okResult() *pipeline.Result {
	return &pipeline.Result{
		Bundle:    &model.ProductBundle{Products: []model.Product{{Identification: model.Identification{Name: "Widget"}}}},
		Trace:     []model.ToolCallRecord{{Engine: "fake", Query: "q", Snippets: []model.SearchSnippet{}}},
		ModelUsed: "model-x",
	}
}

func succeed(ctx context.Context, in pipeline.Input, call int) (*pipeline.Result, error) {
	return okResult(), nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	statuses []model.JobStatus
}

func (n *recordingNotifier) JobUpdated(job *model.Job) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statuses = append(n.statuses, job.Status)
}

func (n *recordingNotifier) seen() []model.JobStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]model.JobStatus(nil), n.statuses...)
}

func openStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func fastBackoff() BackoffPolicy {
	return BackoffPolicy{
		InitialInterval:     5 * time.Millisecond,
		MaxInterval:         20 * time.Millisecond,
		Multiplier:          2,
		RandomizationFactor: 0,
	}
}

func createJob(t *testing.T, s store.JobStore, barcodes string) *model.Job {
	t.Helper()
	job, err := s.Create(context.Background(), model.JobPayload{Barcodes: barcodes, Locale: "en"})
	require.NoError(t, err)
	return job
}

func waitForStatus(t *testing.T, s store.JobStore, id string, status model.JobStatus) *model.Job {
	t.Helper()
	var job *model.Job
	require.Eventually(t, func() bool {
		got, err := s.Get(context.Background(), id)
		if err != nil {
			return false
		}
		job = got
		return got.Status == status
	}, 5*time.Second, 5*time.Millisecond, "job %s never reached %s", id, status)
	return job
}

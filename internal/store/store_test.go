package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfscan/api/internal/model"
)

func TestCanTransition(t *testing.T) {
	statuses := []model.JobStatus{
		model.JobStatusPending, model.JobStatusRunning, model.JobStatusDone, model.JobStatusFailed,
	}
	legal := map[[2]model.JobStatus]bool{
		{model.JobStatusPending, model.JobStatusRunning}: true,
		{model.JobStatusRunning, model.JobStatusDone}:    true,
		{model.JobStatusRunning, model.JobStatusFailed}:  true,
		{model.JobStatusRunning, model.JobStatusPending}: true,
	}

	for _, from := range statuses {
		for _, to := range statuses {
			assert.Equal(t, legal[[2]model.JobStatus{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestApply_UpdatedAtIsMonotonic(t *testing.T) {
	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	job := NewJob(model.JobPayload{}, start)

	require.NoError(t, Apply(job, ToRunning(), start.Add(-time.Minute)))
	assert.Equal(t, start, job.UpdatedAt)
	assert.Equal(t, start, *job.StartedAt)
}

func TestApply_ReleaseKeepsAttemptsAndStart(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	job := NewJob(model.JobPayload{}, t0)

	require.NoError(t, Apply(job, ToRunning(), t0.Add(time.Second)))
	require.NoError(t, Apply(job, ToPending(), t0.Add(2*time.Second)))
	require.NoError(t, Apply(job, ToRunning(), t0.Add(3*time.Second)))

	assert.Equal(t, 2, job.Attempts)
	assert.Equal(t, t0.Add(time.Second), *job.StartedAt)
	assert.Nil(t, job.FinishedAt)
}

func TestApply_TerminalRejectsEverything(t *testing.T) {
	job := NewJob(model.JobPayload{}, time.Now())
	require.NoError(t, Apply(job, ToRunning(), time.Now()))
	require.NoError(t, Apply(job, ToDone("m", &model.ProductBundle{}, nil), time.Now()))

	for _, tr := range []Transition{ToRunning(), ToPending(), ToFailed("m", model.JobError{}, nil)} {
		err := Apply(job, tr, time.Now())
		assert.True(t, errors.Is(err, ErrStateConflict))
	}
	assert.Equal(t, model.JobStatusDone, job.Status)
}

func openTestSQLite(t *testing.T) JobStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "data", "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, openTestSQLite)
}

func TestSQLiteStore_ReopenKeepsJobs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.db")
	ctx := context.Background()

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	job, err := s.Create(ctx, model.JobPayload{Barcodes: "123"})
	require.NoError(t, err)
	_, err = s.MarkRunning(ctx, job.ID)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := OpenSQLite(path)
	require.NoError(t, err)
	defer reopened.Close()

	unfinished, err := reopened.ListUnfinished(ctx)
	require.NoError(t, err)
	require.Len(t, unfinished, 1)
	assert.Equal(t, model.JobStatusRunning, unfinished[0].Status)
	assert.Equal(t, "123", unfinished[0].Payload.Barcodes)
}

// runStoreSuite exercises the behaviour every backend must share.
func runStoreSuite(t *testing.T, open func(t *testing.T) JobStore) {
	t.Run("create and get", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		job, err := s.Create(ctx, model.JobPayload{
			Barcodes: "4001234567",
			Locale:   "de-DE",
			Images:   []model.FileRef{{Key: "uploads/a.jpg", ContentType: "image/jpeg", Size: 42}},
		})
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusPending, job.Status)
		assert.Equal(t, 0, job.Attempts)

		got, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, job.ID, got.ID)
		assert.Equal(t, model.JobStatusPending, got.Status)
		assert.Equal(t, "de-DE", got.Payload.Locale)
		require.Len(t, got.Payload.Images, 1)
		assert.Equal(t, int64(42), got.Payload.Images[0].Size)
		assert.True(t, job.CreatedAt.Equal(got.CreatedAt))
	})

	t.Run("get missing", func(t *testing.T) {
		s := open(t)
		_, err := s.Get(context.Background(), "does-not-exist")
		assert.True(t, errors.Is(err, ErrNotFound))

		_, err = s.MarkRunning(context.Background(), "does-not-exist")
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("done lifecycle", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		job, err := s.Create(ctx, model.JobPayload{Barcodes: "1"})
		require.NoError(t, err)

		running, err := s.MarkRunning(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, running.Attempts)
		require.NotNil(t, running.StartedAt)

		bundle := &model.ProductBundle{Products: []model.Product{{
			Identification: model.Identification{Method: model.MethodBarcode, Name: "Widget", Confidence: 0.9},
		}}}
		trace := []model.ToolCallRecord{{Engine: "google", Query: "1", Snippets: []model.SearchSnippet{}}}
		done, err := s.MarkDone(ctx, job.ID, "model-a", bundle, trace)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusDone, done.Status)

		got, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusDone, got.Status)
		assert.Equal(t, "model-a", got.ModelUsed)
		require.NotNil(t, got.Result)
		assert.Equal(t, "Widget", got.Result.Products[0].Identification.Name)
		assert.Len(t, got.Trace, 1)
		require.NotNil(t, got.FinishedAt)
		assert.False(t, got.FinishedAt.Before(*got.StartedAt))
		assert.False(t, got.UpdatedAt.Before(got.CreatedAt))
		assert.Nil(t, got.Error)
	})

	t.Run("failed lifecycle", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		job, err := s.Create(ctx, model.JobPayload{})
		require.NoError(t, err)
		_, err = s.MarkRunning(ctx, job.ID)
		require.NoError(t, err)

		_, err = s.MarkFailed(ctx, job.ID, "model-b",
			model.JobError{Code: "ITERATION_EXCEEDED", Message: "too many rounds"},
			[]model.ToolCallRecord{{Query: "a"}, {Query: "b"}})
		require.NoError(t, err)

		got, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusFailed, got.Status)
		require.NotNil(t, got.Error)
		assert.Equal(t, "ITERATION_EXCEEDED", got.Error.Code)
		assert.Len(t, got.Trace, 2)
		assert.Nil(t, got.Result)
	})

	t.Run("illegal transitions", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		job, err := s.Create(ctx, model.JobPayload{})
		require.NoError(t, err)

		_, err = s.MarkDone(ctx, job.ID, "m", &model.ProductBundle{}, nil)
		assert.True(t, errors.Is(err, ErrStateConflict))
		_, err = s.Release(ctx, job.ID)
		assert.True(t, errors.Is(err, ErrStateConflict))

		_, err = s.MarkRunning(ctx, job.ID)
		require.NoError(t, err)
		_, err = s.MarkRunning(ctx, job.ID)
		assert.True(t, errors.Is(err, ErrStateConflict))

		got, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusRunning, got.Status)
		assert.Equal(t, 1, got.Attempts)
	})

	t.Run("release preserves attempts", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		job, err := s.Create(ctx, model.JobPayload{})
		require.NoError(t, err)

		_, err = s.MarkRunning(ctx, job.ID)
		require.NoError(t, err)
		released, err := s.Release(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusPending, released.Status)
		assert.Equal(t, 1, released.Attempts)

		again, err := s.MarkRunning(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, again.Attempts)
	})

	t.Run("list unfinished", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		var ids []string
		for i := 0; i < 4; i++ {
			job, err := s.Create(ctx, model.JobPayload{})
			require.NoError(t, err)
			ids = append(ids, job.ID)
			time.Sleep(2 * time.Millisecond)
		}

		_, err := s.MarkRunning(ctx, ids[1])
		require.NoError(t, err)
		_, err = s.MarkRunning(ctx, ids[2])
		require.NoError(t, err)
		_, err = s.MarkDone(ctx, ids[2], "m", &model.ProductBundle{Products: []model.Product{}}, nil)
		require.NoError(t, err)

		unfinished, err := s.ListUnfinished(ctx)
		require.NoError(t, err)
		require.Len(t, unfinished, 3)
		assert.Equal(t, ids[0], unfinished[0].ID)
		assert.Equal(t, ids[1], unfinished[1].ID)
		assert.Equal(t, model.JobStatusRunning, unfinished[1].Status)
		assert.Equal(t, ids[3], unfinished[2].ID)
	})

	t.Run("concurrent mark running admits one winner", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		job, err := s.Create(ctx, model.JobPayload{})
		require.NoError(t, err)

		const contenders = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			winners   int
			conflicts int
		)
		for i := 0; i < contenders; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.MarkRunning(ctx, job.ID)
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					winners++
				} else if errors.Is(err, ErrStateConflict) {
					conflicts++
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, winners)
		assert.Equal(t, contenders-1, conflicts)

		got, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.Attempts)
	})
}

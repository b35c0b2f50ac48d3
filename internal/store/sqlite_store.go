package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/shelfscan/api/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is bumped whenever schema.sql changes incompatibly.
const schemaVersion = 1

// ErrSchemaMismatch indicates the database was created by a different schema version.
var ErrSchemaMismatch = errors.New("schema version mismatch")

// timeLayout is fixed width so created_at sorts lexically in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const jobColumns = `id, status, attempts, payload_json, model_used, result_json, trace_json, error_json,
    created_at, updated_at, started_at, finished_at`

// SQLiteStore keeps job documents in an embedded SQLite database
type SQLiteStore struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// OpenSQLite opens or creates the database at path and applies the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// one writer at a time; transactions would otherwise race on lock upgrades
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	s := &SQLiteStore{db: db, path: path, now: time.Now}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}

	if tableExists == 0 {
		return s.createSchema(ctx)
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: database %s has version %d, expected %d",
			ErrSchemaMismatch, s.path, version, schemaVersion)
	}
	return nil
}

func (s *SQLiteStore) createSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	return nil
}

// Create inserts a new pending job.
func (s *SQLiteStore) Create(ctx context.Context, payload model.JobPayload) (*model.Job, error) {
	job := NewJob(payload, s.now())

	payloadJSON, err := json.Marshal(job.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, status, attempts, payload_json, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.Status,
		job.Attempts,
		string(payloadJSON),
		formatTime(job.CreatedAt),
		formatTime(job.UpdatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// Get fetches a job by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *SQLiteStore) MarkRunning(ctx context.Context, id string) (*model.Job, error) {
	return s.transition(ctx, id, ToRunning())
}

func (s *SQLiteStore) MarkDone(ctx context.Context, id, modelUsed string, result *model.ProductBundle, trace []model.ToolCallRecord) (*model.Job, error) {
	return s.transition(ctx, id, ToDone(modelUsed, result, trace))
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, id, modelUsed string, jobErr model.JobError, trace []model.ToolCallRecord) (*model.Job, error) {
	return s.transition(ctx, id, ToFailed(modelUsed, jobErr, trace))
}

func (s *SQLiteStore) Release(ctx context.Context, id string) (*model.Job, error) {
	return s.transition(ctx, id, ToPending())
}

// ListUnfinished returns pending and running jobs ordered by creation time.
func (s *SQLiteStore) ListUnfinished(ctx context.Context) ([]*model.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status IN (?, ?) ORDER BY created_at, id`,
		model.JobStatusPending, model.JobStatusRunning,
	)
	if err != nil {
		return nil, fmt.Errorf("list unfinished jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// transition applies t inside a transaction. The UPDATE is guarded by the
// status read in the same transaction so a concurrent writer loses cleanly.
func (s *SQLiteStore) transition(ctx context.Context, id string, t Transition) (*model.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transition tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	job, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}

	from := job.Status
	if err := Apply(job, t, s.now()); err != nil {
		return nil, err
	}

	resultJSON, err := marshalNullable(job.Result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	traceJSON, err := marshalNullable(job.Trace)
	if err != nil {
		return nil, fmt.Errorf("marshal trace: %w", err)
	}
	errorJSON, err := marshalNullable(job.Error)
	if err != nil {
		return nil, fmt.Errorf("marshal error: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE jobs
         SET status = ?, attempts = ?, model_used = ?, result_json = ?, trace_json = ?, error_json = ?,
             updated_at = ?, started_at = ?, finished_at = ?
         WHERE id = ? AND status = ?`,
		job.Status,
		job.Attempts,
		nullableString(job.ModelUsed),
		resultJSON,
		traceJSON,
		errorJSON,
		formatTime(job.UpdatedAt),
		nullableTime(job.StartedAt),
		nullableTime(job.FinishedAt),
		id,
		from,
	)
	if err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if affected != 1 {
		return nil, fmt.Errorf("%w: job %s changed concurrently", ErrStateConflict, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transition: %w", err)
	}
	return job, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.Job, error) {
	var (
		job         model.Job
		payloadJSON string
		modelUsed   sql.NullString
		resultJSON  sql.NullString
		traceJSON   sql.NullString
		errorJSON   sql.NullString
		createdAt   string
		updatedAt   string
		startedAt   sql.NullString
		finishedAt  sql.NullString
	)

	if err := row.Scan(
		&job.ID,
		&job.Status,
		&job.Attempts,
		&payloadJSON,
		&modelUsed,
		&resultJSON,
		&traceJSON,
		&errorJSON,
		&createdAt,
		&updatedAt,
		&startedAt,
		&finishedAt,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(payloadJSON), &job.Payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	job.ModelUsed = modelUsed.String
	if resultJSON.Valid {
		if err := json.Unmarshal([]byte(resultJSON.String), &job.Result); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
	}
	if traceJSON.Valid {
		if err := json.Unmarshal([]byte(traceJSON.String), &job.Trace); err != nil {
			return nil, fmt.Errorf("decode trace: %w", err)
		}
	}
	if errorJSON.Valid {
		if err := json.Unmarshal([]byte(errorJSON.String), &job.Error); err != nil {
			return nil, fmt.Errorf("decode error: %w", err)
		}
	}

	var err error
	if job.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if job.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if job.StartedAt, err = parseNullableTime(startedAt); err != nil {
		return nil, err
	}
	if job.FinishedAt, err = parseNullableTime(finishedAt); err != nil {
		return nil, err
	}
	return &job, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) (time.Time, error) {
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", value, err)
	}
	return t, nil
}

func parseNullableTime(value sql.NullString) (*time.Time, error) {
	if !value.Valid || value.String == "" {
		return nil, nil
	}
	t, err := parseTime(value.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func marshalNullable[T any](value T) (any, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	if string(data) == "null" {
		return nil, nil
	}
	return string(data), nil
}

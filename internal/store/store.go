// Package store persists per-job status and stage results. Stage
// results are append-only: once written for a (job, stage) pair they
// are never mutated or replaced.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/avabot/avatard/internal/artifact"
)

// Common errors
var (
	ErrNotFound       = errors.New("job not found")
	ErrStageNotFound  = errors.New("stage result not found")
	ErrDuplicateJob   = errors.New("job id already exists")
	ErrDuplicateStage = errors.New("stage result already written")
	ErrTerminal       = errors.New("job already in a terminal state")
)

// Status is the job lifecycle state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// StageResult is one recorded stage output.
type StageResult struct {
	Stage      string           `json:"stage"`
	Locator    artifact.Locator `json:"locator"`
	Duration   time.Duration    `json:"duration"`
	Success    bool             `json:"success"`
	ProducedAt time.Time        `json:"produced_at"`
}

// JobStatus is the full status projection for one job.
type JobStatus struct {
	JobID        string        `json:"job_id"`
	ClientID     string        `json:"client_id,omitempty"`
	Status       Status        `json:"status"`
	Results      []StageResult `json:"results"`
	FailingStage string        `json:"failing_stage,omitempty"`
	ErrorReason  string        `json:"error_reason,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id            TEXT PRIMARY KEY,
	client_id     TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL,
	failing_stage TEXT NOT NULL DEFAULT '',
	error_reason  TEXT NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS stage_results (
	job_id      TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	stage       TEXT NOT NULL,
	locator     TEXT NOT NULL,
	duration_ms INTEGER NOT NULL,
	success     INTEGER NOT NULL,
	produced_at INTEGER NOT NULL,
	PRIMARY KEY (job_id, stage)
);
CREATE INDEX IF NOT EXISTS idx_jobs_updated ON jobs(updated_at);
`

// Store is a SQLite-backed result store.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the result database at path with WAL mode
// and a busy timeout, and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	ctx := context.Background()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema on %s: %w", path, err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Create allocates the job's namespace with PENDING status. A second
// create under the same id fails with ErrDuplicateJob.
func (s *Store) Create(ctx context.Context, jobID, clientID string) error {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, client_id, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		jobID, clientID, StatusPending, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateJob, jobID)
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

// SetStatus transitions the job. Transitions out of a terminal state
// are refused with ErrTerminal.
func (s *Store) SetStatus(ctx context.Context, jobID string, status Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status NOT IN (?, ?)`,
		status, time.Now().UnixMilli(), jobID, StatusCompleted, StatusFailed)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish unknown job from a terminal one.
		cur, err := s.readJobStatus(ctx, jobID)
		if err != nil {
			return err
		}
		if cur.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrTerminal, jobID, cur)
		}
		return fmt.Errorf("set status: no rows affected for %s", jobID)
	}
	return nil
}

// SetFailed marks the job FAILED with the failing stage and reason.
func (s *Store) SetFailed(ctx context.Context, jobID, stage, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, failing_stage = ?, error_reason = ?, updated_at = ?
		 WHERE id = ? AND status NOT IN (?, ?)`,
		StatusFailed, stage, reason, time.Now().UnixMilli(), jobID, StatusCompleted, StatusFailed)
	if err != nil {
		return fmt.Errorf("set failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		cur, err := s.readJobStatus(ctx, jobID)
		if err != nil {
			return err
		}
		if cur.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrTerminal, jobID, cur)
		}
		return fmt.Errorf("set failed: no rows affected for %s", jobID)
	}
	return nil
}

// AppendStageResult records one stage output. A duplicate write for the
// same (job, stage) pair is rejected with ErrDuplicateStage.
func (s *Store) AppendStageResult(ctx context.Context, jobID string, res StageResult) error {
	if _, err := s.readJobStatus(ctx, jobID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stage_results (job_id, stage, locator, duration_ms, success, produced_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		jobID, res.Stage, res.Locator.String(), res.Duration.Milliseconds(),
		boolToInt(res.Success), res.ProducedAt.UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s/%s", ErrDuplicateStage, jobID, res.Stage)
		}
		return fmt.Errorf("append stage result: %w", err)
	}
	return nil
}

// ReadStatus returns the job's status and its stage results in the
// order they were produced.
func (s *Store) ReadStatus(ctx context.Context, jobID string) (*JobStatus, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT client_id, status, failing_stage, error_reason, created_at, updated_at FROM jobs WHERE id = ?`,
		jobID)

	var (
		js                 JobStatus
		createdMs, updated int64
	)
	js.JobID = jobID
	err := row.Scan(&js.ClientID, &js.Status, &js.FailingStage, &js.ErrorReason, &createdMs, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("read status: %w", err)
	}
	js.CreatedAt = time.UnixMilli(createdMs)
	js.UpdatedAt = time.UnixMilli(updated)

	rows, err := s.db.QueryContext(ctx,
		`SELECT stage, locator, duration_ms, success, produced_at FROM stage_results
		 WHERE job_id = ? ORDER BY produced_at, rowid`,
		jobID)
	if err != nil {
		return nil, fmt.Errorf("read stage results: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			sr         StageResult
			loc        string
			durMs      int64
			success    int
			producedMs int64
		)
		if err := rows.Scan(&sr.Stage, &loc, &durMs, &success, &producedMs); err != nil {
			return nil, fmt.Errorf("scan stage result: %w", err)
		}
		sr.Locator = artifact.Locator(loc)
		sr.Duration = time.Duration(durMs) * time.Millisecond
		sr.Success = success != 0
		sr.ProducedAt = time.UnixMilli(producedMs)
		js.Results = append(js.Results, sr)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &js, nil
}

// ReadStage returns a single stage result for the job.
func (s *Store) ReadStage(ctx context.Context, jobID, stage string) (*StageResult, error) {
	if _, err := s.readJobStatus(ctx, jobID); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT locator, duration_ms, success, produced_at FROM stage_results WHERE job_id = ? AND stage = ?`,
		jobID, stage)

	var (
		sr         StageResult
		loc        string
		durMs      int64
		success    int
		producedMs int64
	)
	sr.Stage = stage
	err := row.Scan(&loc, &durMs, &success, &producedMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrStageNotFound, jobID, stage)
	}
	if err != nil {
		return nil, fmt.Errorf("read stage: %w", err)
	}
	sr.Locator = artifact.Locator(loc)
	sr.Duration = time.Duration(durMs) * time.Millisecond
	sr.Success = success != 0
	sr.ProducedAt = time.UnixMilli(producedMs)
	return &sr, nil
}

// DeleteOlderThan removes terminal jobs not updated within age and
// returns the locators of their stage artifacts so the caller can
// reclaim them. Running and pending jobs are never touched.
func (s *Store) DeleteOlderThan(ctx context.Context, age time.Duration) ([]artifact.Locator, error) {
	cutoff := time.Now().Add(-age).UnixMilli()

	rows, err := s.db.QueryContext(ctx,
		`SELECT sr.locator FROM stage_results sr
		 JOIN jobs j ON j.id = sr.job_id
		 WHERE j.status IN (?, ?) AND j.updated_at < ?`,
		StatusCompleted, StatusFailed, cutoff)
	if err != nil {
		return nil, fmt.Errorf("collect expired artifacts: %w", err)
	}
	var locs []artifact.Locator
	for rows.Next() {
		var loc string
		if err := rows.Scan(&loc); err != nil {
			rows.Close()
			return nil, err
		}
		locs = append(locs, artifact.Locator(loc))
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE status IN (?, ?) AND updated_at < ?`,
		StatusCompleted, StatusFailed, cutoff); err != nil {
		return nil, fmt.Errorf("delete expired jobs: %w", err)
	}

	return locs, nil
}

func (s *Store) readJobStatus(ctx context.Context, jobID string) (Status, error) {
	var status Status
	err := s.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, jobID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	if err != nil {
		return "", err
	}
	return status, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed")
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// JobName identifies what a job asks the worker to do.
type JobName string

const (
	// JobRun executes an external command described by the payload.
	JobRun JobName = "run"
	// JobTerminate stops the worker's currently running process, if any.
	JobTerminate JobName = "terminate"
)

// Status is the lifecycle state of a job record. Valid transitions are
// queued → running → {completed|failed|cancelled}; terminal states are
// immutable.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Payload describes the command a run job executes. Terminate jobs carry
// an empty payload.
type Payload struct {
	Cmd         string            `json:"cmd,omitempty"`
	Args        []string          `json:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Cwd         string            `json:"cwd,omitempty"`
	Interactive bool              `json:"interactive,omitempty"`
	TimeoutMs   int64             `json:"timeoutMs,omitempty"`
}

// JobRecord is one row of the jobs table.
type JobRecord struct {
	ID           uuid.UUID
	JobName      JobName
	Status       Status
	Payload      Payload
	Priority     int32
	Owner        string
	CreatedAt    time.Time
	StartedAt    *time.Time
	FinishedAt   *time.Time
	ErrorMessage *string
}

// jobColumns is the canonical select list; keep in sync with scanJob.
const jobColumns = "id, job_name, status, payload, priority, owner, created_at, started_at, finished_at, error_message"

func scanJob(row pgx.Row) (JobRecord, error) {
	var j JobRecord
	err := row.Scan(
		&j.ID, &j.JobName, &j.Status, &j.Payload, &j.Priority, &j.Owner,
		&j.CreatedAt, &j.StartedAt, &j.FinishedAt, &j.ErrorMessage,
	)
	return j, err
}

// ListQueued returns all queued jobs in claim order: priority descending,
// then created_at ascending. A non-empty owner restricts the result to
// rows whose owner column matches exactly.
func (s *Store) ListQueued(ctx context.Context, owner string) ([]JobRecord, error) {
	psql := sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	sb := psql.Select(jobColumns).
		From("jobs").
		Where(sq.Eq{"status": StatusQueued}).
		OrderBy("priority DESC, created_at ASC")

	if owner != "" {
		sb = sb.Where(sq.Eq{"owner": owner})
	}

	query, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("list queued: build query: %w", err)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list queued: %w", err)
	}
	defer rows.Close()

	var result []JobRecord
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("list queued: scan: %w", err)
		}
		result = append(result, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list queued: %w", err)
	}
	return result, nil
}

// Claim atomically transitions the job from queued to running and returns
// the updated row. This is the only code path allowed to set running.
// Returns (nil, nil) when the job was already claimed, finalized, or does
// not exist — a claim race is not an error.
func (s *Store) Claim(ctx context.Context, id uuid.UUID) (*JobRecord, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = 'running', started_at = now()
		WHERE id = $1 AND status = 'queued'
		RETURNING `+jobColumns,
		id,
	)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim job %s: %w", id, err)
	}
	return &j, nil
}

// Finalize writes a terminal status, finished_at, and optional error
// message. The write is unconditional: the caller must already hold the
// job via Claim (or be finalizing a terminate job it claimed).
func (s *Store) Finalize(ctx context.Context, id uuid.UUID, status Status, finishedAt time.Time, errMsg *string) error {
	if !status.Terminal() {
		return fmt.Errorf("finalize job %s: status %q is not terminal", id, status)
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, finished_at = $3, error_message = $4
		WHERE id = $1`,
		id, status, finishedAt, errMsg,
	)
	if err != nil {
		return fmt.Errorf("finalize job %s: %w", id, err)
	}
	return nil
}

// Get returns the job by id, or (nil, nil) if no such row exists.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*JobRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return &j, nil
}

// EnqueueParams holds the fields for creating a job record.
type EnqueueParams struct {
	JobName  JobName
	Payload  Payload
	Priority int32
	Owner    string
}

// Enqueue inserts a new queued job and returns the stored row. Producers
// are external to the worker core; this method backs the jobd enqueue and
// terminate subcommands and the test suites.
func (s *Store) Enqueue(ctx context.Context, p EnqueueParams) (JobRecord, error) {
	if p.JobName != JobRun && p.JobName != JobTerminate {
		return JobRecord{}, fmt.Errorf("enqueue: unknown job name %q", p.JobName)
	}

	payload, err := json.Marshal(p.Payload)
	if err != nil {
		return JobRecord{}, fmt.Errorf("enqueue: marshal payload: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO jobs (job_name, payload, priority, owner)
		VALUES ($1, $2::jsonb, $3, $4)
		RETURNING `+jobColumns,
		p.JobName, string(payload), p.Priority, p.Owner,
	)
	j, err := scanJob(row)
	if err != nil {
		return JobRecord{}, fmt.Errorf("enqueue: %w", err)
	}
	return j, nil
}

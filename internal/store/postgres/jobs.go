package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"mlx/internal/job"
	"mlx/internal/store"
)

const jobColumns = `id, kind, spec, state, attempt, max_retries, node_name,
	container_backend, container_id, cancel_requested, error_kind,
	error_message, created_at, transitioned_at`

// CreateJob inserts a new job record. The coordinator is the only caller.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	specJSON, err := json.Marshal(j.Spec)
	if err != nil {
		return fmt.Errorf("failed to marshal spec: %w", err)
	}

	backend, containerID := containerParts(j)
	errKind, errMsg := errorParts(j)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, kind, spec, state, attempt, max_retries, node_name,
			container_backend, container_id, cancel_requested, error_kind,
			error_message, created_at, transitioned_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, j.ID, j.Kind, specJSON, j.State, j.Attempt, j.MaxRetries, j.NodeName,
		backend, containerID, j.CancelRequested, errKind, errMsg,
		j.CreatedAt, j.TransitionedAt)
	if err != nil {
		return fmt.Errorf("failed to insert job %s: %w", j.ID, err)
	}
	return nil
}

// SaveJob persists the job's mutable fields.
func (s *Store) SaveJob(ctx context.Context, j *job.Job) error {
	backend, containerID := containerParts(j)
	errKind, errMsg := errorParts(j)

	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET state = $2, attempt = $3, node_name = $4, container_backend = $5,
			container_id = $6, cancel_requested = $7, error_kind = $8,
			error_message = $9, transitioned_at = $10
		WHERE id = $1
	`, j.ID, j.State, j.Attempt, j.NodeName, backend, containerID,
		j.CancelRequested, errKind, errMsg, j.TransitionedAt)
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", j.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s: %w", j.ID, store.ErrNotFound)
	}
	return nil
}

// GetJob returns a job by ID.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	return j, err
}

// ListJobs returns all jobs, newest first.
func (s *Store) ListJobs(ctx context.Context) ([]job.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// RequestCancel flags the job for cancellation. The flag is observed by the
// lease holder; pending jobs are cancelled directly by the coordinator.
func (s *Store) RequestCancel(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET cancel_requested = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to flag cancel for %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// CancelPending transitions the job to cancelled only if it is still
// pending. A worker that claimed the job in the meantime wins the race
// and the cancel falls back to the flag set by RequestCancel.
func (s *Store) CancelPending(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET state = $2, transitioned_at = NOW()
		WHERE id = $1 AND state = $3
	`, id, job.StateCancelled, job.StatePending)
	if err != nil {
		return false, fmt.Errorf("failed to cancel pending job %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CountActiveByNode returns the number of non-terminal jobs per node.
func (s *Store) CountActiveByNode(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT node_name, COUNT(*)
		FROM jobs
		WHERE node_name <> '' AND state NOT IN ('succeeded', 'failed', 'cancelled')
		GROUP BY node_name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count active jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			return nil, err
		}
		counts[name] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*job.Job, error) {
	var j job.Job
	var specJSON []byte
	var backend, containerID, errKind, errMsg string

	err := row.Scan(&j.ID, &j.Kind, &specJSON, &j.State, &j.Attempt,
		&j.MaxRetries, &j.NodeName, &backend, &containerID,
		&j.CancelRequested, &errKind, &errMsg, &j.CreatedAt, &j.TransitionedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(specJSON, &j.Spec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal spec for %s: %w", j.ID, err)
	}
	if containerID != "" {
		j.Container = &job.ContainerRef{Backend: job.Backend(backend), ID: containerID}
	}
	if errKind != "" {
		j.LastError = &job.Cause{Kind: errKind, Message: errMsg}
	}
	return &j, nil
}

func containerParts(j *job.Job) (backend, id string) {
	if j.Container == nil {
		return "", ""
	}
	return string(j.Container.Backend), j.Container.ID
}

func errorParts(j *job.Job) (kind, msg string) {
	if j.LastError == nil {
		return "", ""
	}
	return j.LastError.Kind, j.LastError.Message
}

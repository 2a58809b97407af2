package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mlx/internal/job"
	"mlx/internal/store"
)

// Enqueue makes the job's queue entry visible at visibleAfter. A retrying
// job keeps its original queue position via ON CONFLICT, preserving FIFO
// fairness by first submission.
func (s *Store) Enqueue(ctx context.Context, jobID uuid.UUID, visibleAfter time.Time) error {
	if visibleAfter.IsZero() {
		visibleAfter = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dispatch_queue (job_id, visible_after)
		VALUES ($1, $2)
		ON CONFLICT (job_id) DO UPDATE
		SET visible_after = EXCLUDED.visible_after, claimed_by = '', lease_until = NULL
	`, jobID, visibleAfter)
	if err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", jobID, err)
	}
	return nil
}

// DequeueWithLock claims at most one visible entry using
// SELECT ... FOR UPDATE SKIP LOCKED, so concurrent workers never claim the
// same job. The lease is written as the entry's next visibility: a worker
// that dies without renewing hands the entry back automatically.
func (s *Store) DequeueWithLock(ctx context.Context, workerID string, lease time.Duration) (*store.Claim, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT q.id, j.id, j.kind, j.spec, j.state, j.attempt, j.max_retries,
			j.node_name, j.container_backend, j.container_id,
			j.cancel_requested, j.error_kind, j.error_message,
			j.created_at, j.transitioned_at
		FROM dispatch_queue q
		JOIN jobs j ON j.id = q.job_id
		WHERE q.visible_after <= NOW()
		ORDER BY q.created_at ASC
		FOR UPDATE OF q SKIP LOCKED
		LIMIT 1
	`)

	var queueID int64
	j, err := scanQueuedJob(row, &queueID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue query failed: %w", err)
	}

	leaseUntil := time.Now().Add(lease)
	_, err = tx.ExecContext(ctx, `
		UPDATE dispatch_queue
		SET visible_after = $2, claimed_by = $3, lease_until = $2
		WHERE id = $1
	`, queueID, leaseUntil, workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to lease queue entry %d: %w", queueID, err)
	}

	err = tx.QueryRowContext(ctx, `
		UPDATE jobs SET attempt = attempt + 1 WHERE id = $1 RETURNING attempt
	`, j.ID).Scan(&j.Attempt)
	if err != nil {
		return nil, fmt.Errorf("failed to bump attempt for %s: %w", j.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &store.Claim{Job: *j, WorkerID: workerID, LeaseUntil: leaseUntil}, nil
}

// RenewLease extends the claim on jobID.
func (s *Store) RenewLease(ctx context.Context, jobID uuid.UUID, until time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE dispatch_queue
		SET visible_after = $2, lease_until = $2
		WHERE job_id = $1
	`, jobID, until)
	if err != nil {
		return fmt.Errorf("failed to renew lease for %s: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("queue entry for %s: %w", jobID, store.ErrNotFound)
	}
	return nil
}

// Release hands the entry back to the queue, visible at visibleAfter.
func (s *Store) Release(ctx context.Context, jobID uuid.UUID, visibleAfter time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE dispatch_queue
		SET visible_after = $2, claimed_by = '', lease_until = NULL
		WHERE job_id = $1
	`, jobID, visibleAfter)
	if err != nil {
		return fmt.Errorf("failed to release %s: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("queue entry for %s: %w", jobID, store.ErrNotFound)
	}
	return nil
}

// Remove drops the queue entry for a job that reached a terminal state.
func (s *Store) Remove(ctx context.Context, jobID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM dispatch_queue WHERE job_id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("failed to remove %s from queue: %w", jobID, err)
	}
	return nil
}

// Depth returns the number of entries in the queue.
func (s *Store) Depth(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dispatch_queue`).Scan(&n)
	return n, err
}

func scanQueuedJob(row rowScanner, queueID *int64) (*job.Job, error) {
	var j job.Job
	var specJSON []byte
	var backend, containerID, errKind, errMsg string

	err := row.Scan(queueID, &j.ID, &j.Kind, &specJSON, &j.State, &j.Attempt,
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

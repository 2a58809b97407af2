package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"mlx/internal/job"
)

// ErrNotFound is returned when a job or node does not exist.
var ErrNotFound = errors.New("not found")

// Queue is the durable dispatch hand-off. Delivery is at-least-once: a
// claim whose lease expires becomes reclaimable, so consumers must treat
// dispatch as idempotent.
type Queue interface {
	// Enqueue makes the job's queue entry visible at visibleAfter.
	Enqueue(ctx context.Context, jobID uuid.UUID, visibleAfter time.Time) error

	// DequeueWithLock claims at most one visible entry, leasing it to
	// workerID for lease. The claimed job's attempt count is incremented.
	// Returns nil when the queue is empty.
	DequeueWithLock(ctx context.Context, workerID string, lease time.Duration) (*Claim, error)

	// RenewLease extends the claim on jobID. The holder must renew before
	// expiry or the entry becomes reclaimable by another worker.
	RenewLease(ctx context.Context, jobID uuid.UUID, until time.Time) error

	// Release returns the entry to the queue, visible again at
	// visibleAfter (retry with backoff).
	Release(ctx context.Context, jobID uuid.UUID, visibleAfter time.Time) error

	// Remove drops the entry: the job reached a terminal state.
	Remove(ctx context.Context, jobID uuid.UUID) error

	// Depth returns the number of entries in the queue.
	Depth(ctx context.Context) (int64, error)
}

// JobStore persists job records. Only the coordinator creates or mutates
// them; everything else reads.
type JobStore interface {
	CreateJob(ctx context.Context, j *job.Job) error
	SaveJob(ctx context.Context, j *job.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*job.Job, error)
	ListJobs(ctx context.Context) ([]job.Job, error)

	// RequestCancel flags the job; the lease holder observes the flag.
	RequestCancel(ctx context.Context, id uuid.UUID) error

	// CancelPending moves the job to cancelled only if it is still
	// pending, so a racing claim cannot be overwritten. Reports whether
	// the transition applied.
	CancelPending(ctx context.Context, id uuid.UUID) (bool, error)

	// CountActiveByNode returns how many non-terminal jobs each node
	// carries, for least-loaded placement.
	CountActiveByNode(ctx context.Context) (map[string]int, error)
}

// StatusBus broadcasts job state changes to subscribers.
type StatusBus interface {
	// PublishStatus broadcasts the job's current snapshot.
	PublishStatus(ctx context.Context, j *job.Job) error

	// Subscribe delivers status snapshots for id until the job reaches a
	// terminal state or ctx is cancelled; the channel is then closed.
	Subscribe(ctx context.Context, id uuid.UUID) (<-chan JobStatus, error)
}

// NodeStore is the node registry. Capability sets are declared at
// registration and refreshed by heartbeat, never re-derived.
type NodeStore interface {
	RegisterNode(ctx context.Context, n *Node) error
	GetNode(ctx context.Context, name string) (*Node, error)
	ListNodes(ctx context.Context) ([]Node, error)

	// TouchNode stamps a successful heartbeat and refreshes capacity.
	TouchNode(ctx context.Context, name string, capacity job.Resources, at time.Time) error

	// MarkUnreachable excludes the node from placement.
	MarkUnreachable(ctx context.Context, name string, unreachable bool) error
}

// Store is the full queue and state contract the coordinator depends on.
type Store interface {
	Queue
	JobStore
	StatusBus
	NodeStore
}

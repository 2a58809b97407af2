// Package coordinator drives each job through its state machine: submission,
// placement, dispatch, monitoring, retry and completion. Multiple coordinator
// instances may run against the same store; the queue's per-job lease is the
// only mutual exclusion between them.
package coordinator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"mlx/internal/artifact"
	"mlx/internal/config"
	"mlx/internal/job"
	"mlx/internal/remote"
	"mlx/internal/runtime"
	"mlx/internal/store"
)

// DefaultImage runs jobs that ship a code source without naming an image.
const DefaultImage = "docker.io/library/python:3.11-slim"

// Metrics is the subset of instruments the dispatch loop records.
type Metrics interface {
	RecordClaim(ctx context.Context)
	RecordRetry(ctx context.Context)
	RecordTerminal(ctx context.Context, state job.State)
	RecordDispatch(ctx context.Context, seconds float64)
}

// Connector is the node transport the coordinator dispatches through.
// Satisfied by *remote.Connector; narrowed so tests can fake it.
type Connector interface {
	RuntimeFor(node *store.Node) (runtime.Runtime, error)
	Deploy(ctx context.Context, node *store.Node, jobID string, art *artifact.Artifact) (string, error)
	Cleanup(ctx context.Context, node *store.Node, jobID string) error
	Probe(ctx context.Context, node *store.Node) error
	Forget(nodeName string)
}

var _ Connector = (*remote.Connector)(nil)

// Coordinator owns job lifecycles. Safe for concurrent use.
type Coordinator struct {
	store   store.Store
	conn    Connector
	cfg     *config.Config
	log     *slog.Logger
	metrics Metrics
	tracer  trace.Tracer

	workerID string
}

// New builds a coordinator. metrics may be nil when instrumentation is off.
func New(st store.Store, conn Connector, cfg *config.Config, log *slog.Logger, metrics Metrics) *Coordinator {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Coordinator{
		store:    st,
		conn:     conn,
		cfg:      cfg,
		log:      log,
		metrics:  metrics,
		tracer:   otel.Tracer("mlx-coordinator"),
		workerID: "coordinator-" + uuid.NewString()[:8],
	}
}

func (c *Coordinator) limits() job.Limits {
	return job.Limits{
		MaxCPUMillis: c.cfg.MaxCPUMillis,
		MaxMemoryMB:  c.cfg.MaxMemoryMB,
		MaxGPUs:      c.cfg.MaxGPUs,
	}
}

// Submit validates spec, persists the job as pending and enqueues it for
// dispatch.
func (c *Coordinator) Submit(ctx context.Context, spec job.Spec, maxRetries int) (*job.Job, error) {
	j, err := job.New(spec, maxRetries, c.limits())
	if err != nil {
		return nil, err
	}

	if err := c.store.CreateJob(ctx, j); err != nil {
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}
	if err := c.store.Enqueue(ctx, j.ID, j.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}
	c.store.PublishStatus(ctx, j)

	c.log.Info("job submitted", "job_id", j.ID, "kind", j.Kind, "name", j.Spec.Name)
	return j, nil
}

// Cancel requests cancellation of a job. Pending jobs cancel immediately;
// for claimed jobs the flag is observed by the lease holder, which stops
// the container and confirms. Cancelling a terminal job is a no-op.
func (c *Coordinator) Cancel(ctx context.Context, id uuid.UUID) error {
	j, err := c.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if j.State.Terminal() {
		return nil
	}

	if err := c.store.RequestCancel(ctx, id); err != nil {
		return err
	}

	// No lease holder to observe the flag while the job is still pending,
	// so apply the cancellation directly. The conditional update keeps a
	// worker that claimed the job since our read from being overwritten;
	// in that case the claim holder honors the flag instead.
	if j.State == job.StatePending {
		applied, err := c.store.CancelPending(ctx, id)
		if err != nil {
			return err
		}
		if !applied {
			return nil
		}
		c.store.Remove(ctx, id)
		if j, err = c.store.GetJob(ctx, id); err != nil {
			return err
		}
		c.store.PublishStatus(ctx, j)
		c.metrics.RecordTerminal(ctx, j.State)
		c.log.Info("job cancelled before dispatch", "job_id", id)
	}
	return nil
}

// GetJob returns the job's current record.
func (c *Coordinator) GetJob(ctx context.Context, id uuid.UUID) (*job.Job, error) {
	return c.store.GetJob(ctx, id)
}

// ListJobs returns all jobs, newest first.
func (c *Coordinator) ListJobs(ctx context.Context) ([]job.Job, error) {
	return c.store.ListJobs(ctx)
}

// Subscribe streams status snapshots for id until the job reaches a
// terminal state or ctx is cancelled.
func (c *Coordinator) Subscribe(ctx context.Context, id uuid.UUID) (<-chan store.JobStatus, error) {
	return c.store.Subscribe(ctx, id)
}

// RegisterNode adds or updates a node in the registry.
func (c *Coordinator) RegisterNode(ctx context.Context, n *store.Node) error {
	if n.Name == "" {
		return fmt.Errorf("node name is required")
	}
	if n.Address == "" && n.Backend != job.BackendKubernetes {
		return fmt.Errorf("node address is required")
	}
	switch n.Backend {
	case job.BackendPodman, job.BackendKubernetes:
	default:
		return fmt.Errorf("unknown backend %q", n.Backend)
	}
	if err := c.store.RegisterNode(ctx, n); err != nil {
		return err
	}
	c.log.Info("node registered", "node", n.Name, "backend", n.Backend)
	return nil
}

// ListNodes returns the node registry.
func (c *Coordinator) ListNodes(ctx context.Context) ([]store.Node, error) {
	return c.store.ListNodes(ctx)
}

// Logs re-attaches to a job's container and returns its log stream.
func (c *Coordinator) Logs(ctx context.Context, id uuid.UUID) (io.ReadCloser, error) {
	j, err := c.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.Container == nil {
		return nil, fmt.Errorf("job %s has no container yet", id)
	}
	node, err := c.store.GetNode(ctx, j.NodeName)
	if err != nil {
		return nil, err
	}
	rt, err := c.conn.RuntimeFor(node)
	if err != nil {
		return nil, err
	}
	h, err := rt.Attach(ctx, *j.Container)
	if err != nil {
		return nil, err
	}
	return h.Logs(ctx)
}

// Run starts the dispatch loop and the node heartbeat monitor, blocking
// until ctx is cancelled. In-flight dispatches drain before return.
func (c *Coordinator) Run(ctx context.Context) error {
	c.log.Info("coordinator starting",
		"worker_id", c.workerID,
		"concurrency", c.cfg.WorkerConcurrency)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.runHeartbeatMonitor(ctx)
	}()

	err := c.runDispatchLoop(ctx)
	wg.Wait()
	return err
}

// transition applies ev, persists and publishes. The caller must hold the
// job's lease.
func (c *Coordinator) transition(ctx context.Context, j *job.Job, ev job.Event) error {
	if err := j.Apply(ev); err != nil {
		return err
	}
	if err := c.store.SaveJob(ctx, j); err != nil {
		return err
	}
	c.store.PublishStatus(ctx, j)
	return nil
}

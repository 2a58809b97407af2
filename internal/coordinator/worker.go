package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"mlx/internal/artifact"
	"mlx/internal/job"
	"mlx/internal/logger"
	"mlx/internal/remote"
	"mlx/internal/runtime"
	"mlx/internal/store"
)

// runDispatchLoop polls the queue and dispatches claims to a bounded pool
// of goroutines. Polling is adaptive: the interval doubles while the queue
// is empty (capped at WorkerMaxBackoff) and snaps back to WorkerPollInterval
// as soon as work appears or a slot frees up.
func (c *Coordinator) runDispatchLoop(ctx context.Context) error {
	sem := make(chan struct{}, c.cfg.WorkerConcurrency)
	var wg sync.WaitGroup

	pollNow := make(chan struct{}, 1)
	triggerPoll := func() {
		select {
		case pollNow <- struct{}{}:
		default:
		}
	}
	triggerPoll()

	backoff := c.cfg.WorkerPollInterval

	for {
		select {
		case <-ctx.Done():
			c.log.Info("dispatch loop stopping, draining in-flight jobs")
			wg.Wait()
			return ctx.Err()

		case <-time.After(backoff):
			triggerPoll()

		case <-pollNow:
			if len(sem) == cap(sem) {
				continue
			}

			claim, err := c.store.DequeueWithLock(ctx, c.workerID, c.cfg.LeaseDuration)
			if err != nil {
				if ctx.Err() == nil {
					c.log.Error("dequeue failed", "error", err)
				}
				continue
			}
			if claim == nil {
				backoff *= 2
				if backoff > c.cfg.WorkerMaxBackoff {
					backoff = c.cfg.WorkerMaxBackoff
				}
				continue
			}
			backoff = c.cfg.WorkerPollInterval

			sem <- struct{}{}
			wg.Add(1)
			go func(cl *store.Claim) {
				defer wg.Done()
				defer func() {
					<-sem
					triggerPoll()
				}()
				c.process(ctx, cl)
			}(claim)

			// More work may be waiting and slots may remain.
			triggerPoll()
		}
	}
}

// process drives one claimed job as far as it can go: to terminal state,
// or back to the queue for a later attempt. The claim's lease is renewed
// in the background for the whole duration.
func (c *Coordinator) process(ctx context.Context, claim *store.Claim) {
	j := &claim.Job
	ctx = logger.WithJobID(ctx, j.ID)
	log := logger.FromContext(ctx, c.log)

	ctx, span := c.tracer.Start(ctx, "dispatch_job",
		trace.WithAttributes(
			attribute.String("job.id", j.ID.String()),
			attribute.String("job.kind", string(j.Kind)),
			attribute.String("job.name", j.Spec.Name),
			attribute.Int("job.attempt", j.Attempt),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	c.metrics.RecordClaim(ctx)
	claimedAt := time.Now()

	renewCtx, stopRenew := context.WithCancel(context.Background())
	defer stopRenew()
	go c.renewLease(renewCtx, j)

	// Stale entry: the job already finished under a previous lease whose
	// removal never landed. Redelivery is expected; just drop it.
	if j.State.Terminal() {
		c.store.Remove(ctx, j.ID)
		return
	}

	if j.CancelRequested && j.State == job.StatePending {
		c.cancelPending(ctx, j, log)
		return
	}

	log.Info("job claimed", "state", j.State, "attempt", j.Attempt)

	node, err := c.placeJob(ctx, j)
	if err != nil {
		span.RecordError(err)
		c.failAttempt(ctx, j, nil, causeOf(err), log)
		return
	}
	j.NodeName = node.Name
	span.SetAttributes(attribute.String("job.node", node.Name))

	if err := c.transition(ctx, j, job.EventPlace); err != nil {
		log.Error("place transition failed", "error", err)
		c.store.Release(ctx, j.ID, time.Now())
		return
	}
	if err := c.transition(ctx, j, job.EventDispatch); err != nil {
		log.Error("dispatch transition failed", "error", err)
		c.store.Release(ctx, j.ID, time.Now())
		return
	}

	handle, err := c.dispatch(ctx, j, node)
	if err != nil {
		span.RecordError(err)
		c.failAttempt(ctx, j, node, causeOf(err), log)
		return
	}

	ref := handle.Ref()
	j.Container = &ref
	if err := c.transition(ctx, j, job.EventRun); err != nil {
		log.Error("run transition failed", "error", err)
		c.store.Release(ctx, j.ID, time.Now())
		return
	}
	c.metrics.RecordDispatch(ctx, time.Since(claimedAt).Seconds())
	log.Info("job running", "node", node.Name, "container", ref.ID)

	c.monitor(ctx, j, node, handle, log)
}

// dispatch packages the job's code, pushes it to the node and starts the
// container.
func (c *Coordinator) dispatch(ctx context.Context, j *job.Job, node *store.Node) (runtime.Handle, error) {
	art, err := artifact.Package(ctx, j.Spec.Source)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", remote.ErrDeployFailed, err)
	}
	if art != nil {
		defer art.Close()
	}

	workspace, err := c.conn.Deploy(ctx, node, j.ID.String(), art)
	if err != nil {
		return nil, err
	}

	rt, err := c.conn.RuntimeFor(node)
	if err != nil {
		return nil, err
	}

	image := j.Spec.Image
	if image == "" {
		image = DefaultImage
	}
	resolved, err := rt.BuildOrPull(ctx, image)
	if err != nil {
		return nil, err
	}

	return rt.Start(ctx, j.ID, runtime.RunSpec{
		Image:        resolved,
		Command:      j.Spec.Command,
		Env:          j.Spec.Env,
		Resources:    j.Spec.Resources,
		Port:         j.Spec.Port,
		WorkspaceDir: workspace,
	})
}

// monitor polls the container until it exits, the job is cancelled, or the
// backend stays unreachable past the failure limit.
func (c *Coordinator) monitor(ctx context.Context, j *job.Job, node *store.Node, handle runtime.Handle, log *slog.Logger) {
	ticker := time.NewTicker(c.cfg.InspectInterval)
	defer ticker.Stop()

	unreachable := 0
	for {
		select {
		case <-ctx.Done():
			// Shutdown mid-run: the container keeps going, the lease
			// expires, and the next claim re-attaches idempotently.
			c.store.Release(context.Background(), j.ID, time.Now())
			return
		case <-ticker.C:
		}

		fresh, err := c.store.GetJob(ctx, j.ID)
		if err == nil && fresh.CancelRequested {
			c.cancelRunning(ctx, j, node, handle, log)
			return
		}

		st, err := handle.Inspect(ctx)
		if err != nil {
			unreachable++
			if unreachable >= c.cfg.HeartbeatFailLimit {
				c.failAttempt(ctx, j, node, causeOf(err), log)
				return
			}
			continue
		}
		unreachable = 0

		switch st.Phase {
		case runtime.PhaseExited:
			if st.ExitCode == 0 {
				c.finish(ctx, j, node, job.EventSucceed, log)
			} else {
				c.failAttempt(ctx, j, node, &job.Cause{
					Kind:    "container_crashed",
					Message: fmt.Sprintf("exit code %d", st.ExitCode),
				}, log)
			}
			return
		case runtime.PhaseUnknown:
			// Container gone without an observed exit. Treat as a crash.
			c.failAttempt(ctx, j, node, &job.Cause{
				Kind:    "container_crashed",
				Message: "container disappeared before exit was observed",
			}, log)
			return
		}
	}
}

// cancelPending resolves a cancellation for a job no one dispatched yet.
func (c *Coordinator) cancelPending(ctx context.Context, j *job.Job, log *slog.Logger) {
	if err := c.transition(ctx, j, job.EventCancel); err != nil {
		log.Error("cancel transition failed", "error", err)
		return
	}
	c.store.Remove(ctx, j.ID)
	c.metrics.RecordTerminal(ctx, j.State)
	log.Info("job cancelled")
}

// cancelRunning stops the container and confirms the cancellation. The
// acknowledgement never depends on a clean stop: past the grace period the
// engine kills the container and we proceed regardless.
func (c *Coordinator) cancelRunning(ctx context.Context, j *job.Job, node *store.Node, handle runtime.Handle, log *slog.Logger) {
	if err := c.transition(ctx, j, job.EventCancelRequest); err != nil {
		log.Error("cancelling transition failed", "error", err)
		return
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), c.cfg.StopGracePeriod+10*time.Second)
	defer cancel()
	if err := handle.Stop(stopCtx, c.cfg.StopGracePeriod); err != nil {
		log.Error("container stop failed, proceeding with cancellation", "error", err)
	}

	c.finish(ctx, j, node, job.EventCancel, log)
}

// finish drives j to a terminal state, removes its queue entry and cleans
// up its workspace.
func (c *Coordinator) finish(ctx context.Context, j *job.Job, node *store.Node, ev job.Event, log *slog.Logger) {
	if err := c.transition(ctx, j, ev); err != nil {
		log.Error("terminal transition failed", "event", ev, "error", err)
		return
	}
	c.store.Remove(ctx, j.ID)
	c.metrics.RecordTerminal(ctx, j.State)

	if node != nil {
		if err := c.conn.Cleanup(ctx, node, j.ID.String()); err != nil {
			log.Error("workspace cleanup failed", "node", node.Name, "error", err)
		}
	}
	log.Info("job finished", "state", j.State)
}

// failAttempt records cause on j and either re-queues it with backoff or
// drives it to terminal failed. Fatal causes skip the retry budget.
func (c *Coordinator) failAttempt(ctx context.Context, j *job.Job, node *store.Node, cause *job.Cause, log *slog.Logger) {
	if err := j.Fail(cause); err != nil {
		log.Error("fail transition failed", "error", err)
		c.store.Release(ctx, j.ID, time.Now())
		return
	}

	if retryable(cause) && j.CanRetry() {
		if err := j.Apply(job.EventRetry); err != nil {
			log.Error("retry transition failed", "error", err)
		} else {
			delay := c.retryBackoff(j.Attempt)
			if err := c.store.SaveJob(ctx, j); err != nil {
				log.Error("failed to persist retry", "error", err)
			}
			c.store.PublishStatus(ctx, j)
			if err := c.store.Release(ctx, j.ID, time.Now().Add(delay)); err != nil {
				log.Error("failed to release queue entry", "error", err)
			}
			c.metrics.RecordRetry(ctx)
			log.Info("attempt failed, retrying",
				"cause", cause.Kind, "attempt", j.Attempt, "backoff", delay)
			return
		}
	}

	if err := c.store.SaveJob(ctx, j); err != nil {
		log.Error("failed to persist terminal failure", "error", err)
	}
	c.store.PublishStatus(ctx, j)
	c.store.Remove(ctx, j.ID)
	c.metrics.RecordTerminal(ctx, j.State)

	if node != nil {
		c.conn.Cleanup(ctx, node, j.ID.String())
	}
	log.Error("job failed", "cause", cause.Kind, "message", cause.Message, "attempt", j.Attempt)
}

// retryBackoff returns base * 2^(attempt-1), capped.
func (c *Coordinator) retryBackoff(attempt int) time.Duration {
	d := c.cfg.RetryBackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.cfg.RetryBackoffMax {
			return c.cfg.RetryBackoffMax
		}
	}
	if d > c.cfg.RetryBackoffMax {
		d = c.cfg.RetryBackoffMax
	}
	return d
}

// renewLease extends the claim periodically until the job resolves. Runs
// on a background context so a coordinator shutdown does not drop the
// lease out from under an in-flight drain.
func (c *Coordinator) renewLease(ctx context.Context, j *job.Job) {
	ticker := time.NewTicker(c.cfg.LeaseRenewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			until := time.Now().Add(c.cfg.LeaseDuration)
			if err := c.store.RenewLease(context.Background(), j.ID, until); err != nil {
				c.log.Error("lease renewal failed", "job_id", j.ID, "error", err)
			}
		}
	}
}

// causeOf maps an error from placement, deploy or the runtime onto the
// structured cause attached to the job.
func causeOf(err error) *job.Cause {
	kind := "unknown"
	switch {
	case errors.Is(err, ErrNoEligibleNode), errors.Is(err, runtime.ErrResourceUnavailable):
		kind = "resource_unavailable"
	case errors.Is(err, runtime.ErrBackendUnreachable):
		kind = "backend_unreachable"
	case errors.Is(err, runtime.ErrImagePullFailed):
		kind = "image_pull_failed"
	case errors.Is(err, remote.ErrConnectionFailed):
		kind = "connection_failed"
	case errors.Is(err, remote.ErrAuthFailed):
		kind = "auth_failed"
	case errors.Is(err, remote.ErrDeployFailed):
		kind = "deploy_failed"
	}
	return &job.Cause{Kind: kind, Message: err.Error()}
}

// retryable reports whether a cause is eligible for the retry budget.
// Auth failures are fatal: retrying bad credentials never helps.
func retryable(cause *job.Cause) bool {
	switch cause.Kind {
	case "auth_failed", "invalid_spec":
		return false
	}
	return true
}

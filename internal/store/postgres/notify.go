package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"mlx/internal/job"
	"mlx/internal/store"
)

// statusChannel is the NOTIFY channel all job status snapshots go through.
// Subscribers filter by job ID on their side.
const statusChannel = "mlx_job_status"

// keepaliveInterval paces connection pings and job re-reads during long
// quiet stretches of a subscription.
var keepaliveInterval = 90 * time.Second

// PublishStatus broadcasts the job's current snapshot via pg_notify.
// The job row itself must already be saved; this only notifies.
func (s *Store) PublishStatus(ctx context.Context, j *job.Job) error {
	payload, err := json.Marshal(store.StatusOf(j))
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, statusChannel, string(payload))
	if err != nil {
		return fmt.Errorf("failed to publish status for %s: %w", j.ID, err)
	}
	return nil
}

// statusListener is the LISTEN connection a subscription forwards from.
type statusListener interface {
	NotificationChannel() <-chan *pq.Notification
	Ping() error
	Close() error
}

// Subscribe delivers status snapshots for id over a dedicated LISTEN
// connection. The current snapshot is delivered first; the channel closes
// once the job reaches a terminal state or ctx is cancelled.
func (s *Store) Subscribe(ctx context.Context, id uuid.UUID) (<-chan store.JobStatus, error) {
	listener := pq.NewListener(s.dsn, 10*time.Second, time.Minute, nil)
	if err := listener.Listen(statusChannel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", statusChannel, err)
	}

	// Snapshot only after LISTEN is active: a status published in between
	// arrives as a notification instead of being lost.
	current, err := s.GetJob(ctx, id)
	if err != nil {
		listener.Close()
		return nil, err
	}

	out := make(chan store.JobStatus, 16)

	// Terminal jobs need no listener: one snapshot and done.
	if current.State.Terminal() {
		listener.Close()
		out <- store.StatusOf(current)
		close(out)
		return out, nil
	}

	go s.forwardStatuses(ctx, id, current, listener, out)
	return out, nil
}

// forwardStatuses relays matching notifications to out until the job
// reaches a terminal state or ctx is cancelled.
func (s *Store) forwardStatuses(ctx context.Context, id uuid.UUID, current *job.Job, listener statusListener, out chan<- store.JobStatus) {
	defer close(out)
	defer listener.Close()

	out <- store.StatusOf(current)

	notify := listener.NotificationChannel()
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-notify:
			if n == nil {
				// Connection re-established; the listener re-listens on
				// its own. Re-read state in case we missed events.
				if s.refreshSubscriber(ctx, id, out, true) {
					return
				}
				continue
			}
			var status store.JobStatus
			if err := json.Unmarshal([]byte(n.Extra), &status); err != nil {
				continue
			}
			if status.ID != id {
				continue
			}
			select {
			case out <- status:
			case <-ctx.Done():
				return
			}
			if status.State.Terminal() {
				return
			}
		case <-time.After(keepaliveInterval):
			// Keep the connection honest during long quiet periods, and
			// re-read the job so a terminal event missed around a dropped
			// connection cannot strand the subscriber.
			go listener.Ping()
			if s.refreshSubscriber(ctx, id, out, false) {
				return
			}
		}
	}
}

// refreshSubscriber re-reads the job, forwards its snapshot (always, or
// only when terminal) and reports whether the subscription is finished.
func (s *Store) refreshSubscriber(ctx context.Context, id uuid.UUID, out chan<- store.JobStatus, always bool) bool {
	j, err := s.GetJob(ctx, id)
	if err != nil {
		return false
	}
	if always || j.State.Terminal() {
		select {
		case out <- store.StatusOf(j):
		case <-ctx.Done():
			return true
		}
	}
	return j.State.Terminal()
}

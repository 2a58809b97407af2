// Package runtime presents one interface over the container backends a node
// may run: a single-host rootless engine (podman, via its docker-compatible
// API) and a cluster pod API (kubernetes). Backend selection happens at
// placement time, per node capability; callers never pick a backend.
package runtime

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"

	"mlx/internal/job"
)

// JobIDLabel marks every container/pod with its owning job. Start uses it
// to find a prior live container and stay idempotent under redelivery.
const JobIDLabel = "mlx.job-id"

var (
	// ErrImagePullFailed - image could not be resolved or pulled.
	ErrImagePullFailed = errors.New("image pull failed")

	// ErrResourceUnavailable - target lacks the CPU/memory/GPU requested.
	// Transient: placement is optimistic and overcommit resolves here.
	ErrResourceUnavailable = errors.New("resource unavailable")

	// ErrBackendUnreachable - engine or apiserver unreachable. Transient.
	ErrBackendUnreachable = errors.New("backend unreachable")
)

// Phase is the observed container status.
type Phase string

const (
	PhaseCreated Phase = "created"
	PhaseRunning Phase = "running"
	PhaseExited  Phase = "exited"
	PhaseUnknown Phase = "unknown"
)

// Status is a point-in-time observation of a container.
type Status struct {
	Phase    Phase
	ExitCode int
}

// RunSpec carries everything a backend needs to start a job's container.
type RunSpec struct {
	Image     string
	Command   []string
	Env       map[string]string
	Resources job.Resources

	// Port is published for serve jobs; zero otherwise.
	Port int

	// WorkspaceDir is the host directory holding the deployed code
	// artifact, mounted at /workspace when set. Single-host backends only.
	WorkspaceDir string
}

// Handle references one live or exited container. The adapter only reports
// observations through it; job state belongs to the coordinator.
type Handle interface {
	// Ref identifies the container for persistence and re-attachment.
	Ref() job.ContainerRef

	// Inspect returns the observed status.
	Inspect(ctx context.Context) (Status, error)

	// Stop terminates the container, gracefully within grace, then hard.
	Stop(ctx context.Context, grace time.Duration) error

	// Logs returns a follow stream of the container's output. The stream
	// is finite once the container exits and cancels with ctx.
	Logs(ctx context.Context) (io.ReadCloser, error)
}

// Runtime is a container backend.
type Runtime interface {
	Backend() job.Backend

	// Ping checks the backend is reachable and serving.
	Ping(ctx context.Context) error

	// BuildOrPull ensures imageRef is runnable on this backend and
	// returns the resolved (digest-pinned when possible) reference.
	BuildOrPull(ctx context.Context, imageRef string) (string, error)

	// Start runs the job's container. Idempotent: if a live container for
	// jobID already exists, its handle is returned instead of a duplicate.
	Start(ctx context.Context, jobID uuid.UUID, spec RunSpec) (Handle, error)

	// Attach rebuilds a handle from a stored container reference.
	Attach(ctx context.Context, ref job.ContainerRef) (Handle, error)
}

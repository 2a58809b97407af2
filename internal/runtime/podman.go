package runtime

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"

	"mlx/internal/job"
)

// PodmanRuntime drives a single-host rootless engine through its
// docker-compatible API socket.
type PodmanRuntime struct {
	client client.APIClient
}

// NewPodmanRuntime connects to the engine at host, e.g.
// "tcp://10.0.0.5:2375" or "unix:///run/user/1000/podman/podman.sock".
// An empty host falls back to the standard environment variables.
func NewPodmanRuntime(host string) (*PodmanRuntime, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if host == "" {
		opts = append(opts, client.FromEnv)
	} else {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine client: %w", err)
	}
	return &PodmanRuntime{client: cli}, nil
}

func (p *PodmanRuntime) Backend() job.Backend { return job.BackendPodman }

// Ping checks the engine answers on its API socket.
func (p *PodmanRuntime) Ping(ctx context.Context) error {
	if _, err := p.client.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnreachable, err)
	}
	return nil
}

// BuildOrPull resolves imageRef against its registry and pulls it onto the
// host if missing.
func (p *PodmanRuntime) BuildOrPull(ctx context.Context, imageRef string) (string, error) {
	resolved, err := ResolveImage(ctx, imageRef)
	if err != nil {
		return "", err
	}

	if _, err := p.client.ImageInspect(ctx, resolved); err == nil {
		return resolved, nil
	}

	reader, err := p.client.ImagePull(ctx, resolved, image.PullOptions{})
	if err != nil {
		if client.IsErrConnectionFailed(err) {
			return "", fmt.Errorf("%w: %v", ErrBackendUnreachable, err)
		}
		return "", fmt.Errorf("%w: pulling %s: %v", ErrImagePullFailed, imageRef, err)
	}
	defer reader.Close()
	io.Copy(io.Discard, reader)

	return resolved, nil
}

// Start runs the job's container. If a live container labelled with jobID
// already exists (a retried dispatch after a lost ack), its handle is
// returned instead of creating a duplicate.
func (p *PodmanRuntime) Start(ctx context.Context, jobID uuid.UUID, spec RunSpec) (Handle, error) {
	if existing, err := p.findLive(ctx, jobID); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	if err := p.checkCapacity(ctx, spec.Resources); err != nil {
		return nil, err
	}

	cfg := &container.Config{
		Image:  spec.Image,
		Cmd:    spec.Command,
		Env:    envList(spec.Env),
		Labels: map[string]string{JobIDLabel: jobID.String()},
	}
	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			NanoCPUs: int64(spec.Resources.CPUMillis) * 1_000_000,
			Memory:   int64(spec.Resources.MemoryMB) << 20,
		},
	}
	if spec.Resources.GPUs > 0 {
		hostCfg.Resources.DeviceRequests = []container.DeviceRequest{{
			Driver:       "nvidia",
			Count:        spec.Resources.GPUs,
			Capabilities: [][]string{{"gpu"}},
		}}
	}
	if spec.WorkspaceDir != "" {
		hostCfg.Binds = []string{spec.WorkspaceDir + ":/workspace"}
		cfg.WorkingDir = "/workspace"
	}
	if spec.Port > 0 {
		port := nat.Port(fmt.Sprintf("%d/tcp", spec.Port))
		cfg.ExposedPorts = nat.PortSet{port: struct{}{}}
		hostCfg.PortBindings = nat.PortMap{
			port: []nat.PortBinding{{HostPort: fmt.Sprintf("%d", spec.Port)}},
		}
	}

	created, err := p.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return nil, classifyEngineErr(err)
	}

	if err := p.client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return nil, classifyEngineErr(err)
	}

	return &podmanHandle{client: p.client, containerID: created.ID}, nil
}

// Attach rebuilds a handle from a persisted container reference.
func (p *PodmanRuntime) Attach(ctx context.Context, ref job.ContainerRef) (Handle, error) {
	if ref.Backend != job.BackendPodman {
		return nil, fmt.Errorf("cannot attach %s handle to podman runtime", ref.Backend)
	}
	return &podmanHandle{client: p.client, containerID: ref.ID}, nil
}

// findLive returns a handle to a created/running container owned by jobID.
func (p *PodmanRuntime) findLive(ctx context.Context, jobID uuid.UUID) (Handle, error) {
	list, err := p.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", JobIDLabel+"="+jobID.String())),
	})
	if err != nil {
		return nil, classifyEngineErr(err)
	}
	for _, c := range list {
		if c.State == "running" || c.State == "created" {
			return &podmanHandle{client: p.client, containerID: c.ID}, nil
		}
	}
	return nil, nil
}

// checkCapacity compares the request against engine totals. Accounting is
// advisory: concurrent placements may still overcommit, and that surfaces
// as a retryable failure here or at create time.
func (p *PodmanRuntime) checkCapacity(ctx context.Context, req job.Resources) error {
	info, err := p.client.Info(ctx)
	if err != nil {
		return classifyEngineErr(err)
	}
	if req.CPUMillis > info.NCPU*1000 {
		return fmt.Errorf("%w: %dm CPU requested, host has %d cores", ErrResourceUnavailable, req.CPUMillis, info.NCPU)
	}
	if int64(req.MemoryMB)<<20 > info.MemTotal {
		return fmt.Errorf("%w: %dMB memory requested, host has %dMB", ErrResourceUnavailable, req.MemoryMB, info.MemTotal>>20)
	}
	return nil
}

func classifyEngineErr(err error) error {
	if client.IsErrConnectionFailed(err) {
		return fmt.Errorf("%w: %v", ErrBackendUnreachable, err)
	}
	msg := err.Error()
	if strings.Contains(msg, "no such image") {
		return fmt.Errorf("%w: %v", ErrImagePullFailed, err)
	}
	return err
}

func envList(m map[string]string) []string {
	var env []string
	for k, v := range m {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}

type podmanHandle struct {
	client      client.APIClient
	containerID string
}

func (h *podmanHandle) Ref() job.ContainerRef {
	return job.ContainerRef{Backend: job.BackendPodman, ID: h.containerID}
}

func (h *podmanHandle) Inspect(ctx context.Context) (Status, error) {
	info, err := h.client.ContainerInspect(ctx, h.containerID)
	if err != nil {
		if client.IsErrConnectionFailed(err) {
			return Status{Phase: PhaseUnknown}, fmt.Errorf("%w: %v", ErrBackendUnreachable, err)
		}
		return Status{Phase: PhaseUnknown}, err
	}
	if info.State == nil {
		return Status{Phase: PhaseUnknown}, nil
	}
	switch info.State.Status {
	case "created":
		return Status{Phase: PhaseCreated}, nil
	case "running", "paused", "restarting", "removing":
		return Status{Phase: PhaseRunning}, nil
	case "exited", "dead":
		return Status{Phase: PhaseExited, ExitCode: info.State.ExitCode}, nil
	}
	return Status{Phase: PhaseUnknown}, nil
}

func (h *podmanHandle) Stop(ctx context.Context, grace time.Duration) error {
	seconds := int(grace.Seconds())
	// The engine sends SIGKILL itself once the timeout elapses.
	return h.client.ContainerStop(ctx, h.containerID, container.StopOptions{Timeout: &seconds})
}

func (h *podmanHandle) Logs(ctx context.Context) (io.ReadCloser, error) {
	return h.client.ContainerLogs(ctx, h.containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
}

package remote

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"mlx/internal/artifact"
	"mlx/internal/job"
	"mlx/internal/runtime"
	"mlx/internal/store"
)

func TestAddressParsing(t *testing.T) {
	tests := []struct {
		addr     string
		host     string
		user     string
		sshAddr  string
	}{
		{"10.0.0.5", "10.0.0.5", "mlx", "10.0.0.5:22"},
		{"10.0.0.5:2222", "10.0.0.5", "mlx", "10.0.0.5:2222"},
		{"trainer@gpu-node-1", "gpu-node-1", "trainer", "gpu-node-1:22"},
		{"trainer@gpu-node-1:2222", "gpu-node-1", "trainer", "gpu-node-1:2222"},
	}
	for _, tt := range tests {
		if got := hostOf(tt.addr); got != tt.host {
			t.Errorf("hostOf(%q) = %q, want %q", tt.addr, got, tt.host)
		}
		if got := userOf(tt.addr, "mlx"); got != tt.user {
			t.Errorf("userOf(%q) = %q, want %q", tt.addr, got, tt.user)
		}
		if got := sshAddr(tt.addr); got != tt.sshAddr {
			t.Errorf("sshAddr(%q) = %q, want %q", tt.addr, got, tt.sshAddr)
		}
	}
}

func TestWorkspaceDir(t *testing.T) {
	id := uuid.New().String()
	want := WorkspaceRoot + "/" + id
	if got := WorkspaceDir(id); got != want {
		t.Errorf("WorkspaceDir = %q, want %q", got, want)
	}
}

func TestDeploy_NilArtifact(t *testing.T) {
	c := NewConnector(Config{})
	node := &store.Node{Name: "n1", Backend: job.BackendPodman}

	dir, err := c.Deploy(context.Background(), node, uuid.NewString(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dir != "" {
		t.Errorf("expected empty workspace for nil artifact, got %q", dir)
	}
}

func TestDeploy_ClusterNodeRejectsArtifact(t *testing.T) {
	c := NewConnector(Config{})
	node := &store.Node{Name: "cluster", Backend: job.BackendKubernetes}

	_, err := c.Deploy(context.Background(), node, uuid.NewString(), &artifact.Artifact{TarballPath: "/tmp/x.tar.gz"})
	if !errors.Is(err, ErrDeployFailed) {
		t.Fatalf("expected ErrDeployFailed, got %v", err)
	}
}

func TestDeploy_MissingKeyIsAuthFailure(t *testing.T) {
	c := NewConnector(Config{KeyPath: "/does/not/exist"})
	node := &store.Node{Name: "n1", Address: "10.0.0.5", Backend: job.BackendPodman}

	_, err := c.Deploy(context.Background(), node, uuid.NewString(), &artifact.Artifact{TarballPath: "/tmp/x.tar.gz"})
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

type fakeRuntime struct {
	pingErr error
	pings   int
}

func (f *fakeRuntime) Backend() job.Backend { return job.BackendPodman }

func (f *fakeRuntime) Ping(ctx context.Context) error {
	f.pings++
	return f.pingErr
}

func (f *fakeRuntime) BuildOrPull(ctx context.Context, imageRef string) (string, error) {
	return imageRef, nil
}

func (f *fakeRuntime) Start(ctx context.Context, jobID uuid.UUID, spec runtime.RunSpec) (runtime.Handle, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeRuntime) Attach(ctx context.Context, ref job.ContainerRef) (runtime.Handle, error) {
	return nil, errors.New("not implemented")
}

func TestProbe_CachedRuntime(t *testing.T) {
	c := NewConnector(Config{ProbeRate: 1000, ProbeBurst: 10})
	fake := &fakeRuntime{}
	c.runtimes["n1"] = fake

	node := &store.Node{Name: "n1", Backend: job.BackendPodman}
	if err := c.Probe(context.Background(), node); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fake.pings != 1 {
		t.Errorf("expected 1 ping, got %d", fake.pings)
	}
}

func TestProbe_FailureDropsCache(t *testing.T) {
	c := NewConnector(Config{ProbeRate: 1000, ProbeBurst: 10})
	c.runtimes["n1"] = &fakeRuntime{pingErr: runtime.ErrBackendUnreachable}

	node := &store.Node{Name: "n1", Backend: job.BackendPodman}
	err := c.Probe(context.Background(), node)
	if !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("expected ErrConnectionFailed, got %v", err)
	}
	if _, ok := c.runtimes["n1"]; ok {
		t.Error("failed probe should evict the cached runtime")
	}
}

func TestProbe_RateLimited(t *testing.T) {
	c := NewConnector(Config{ProbeRate: 1, ProbeBurst: 1})
	c.runtimes["n1"] = &fakeRuntime{}
	node := &store.Node{Name: "n1", Backend: job.BackendPodman}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// First probe spends the burst; the second blocks until ctx expires.
	if err := c.Probe(ctx, node); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.Probe(ctx, node); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

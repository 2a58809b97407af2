// Package remote connects the coordinator to registered nodes: code
// artifacts travel over SSH, containers are driven through each node's
// engine or cluster API, and liveness probes feed the heartbeat monitor.
package remote

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"mlx/internal/job"
	"mlx/internal/runtime"
	"mlx/internal/store"
)

var (
	// ErrConnectionFailed - node did not answer on its transport.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrAuthFailed - node rejected our credentials.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrDeployFailed - artifact transfer or unpack failed on the node.
	ErrDeployFailed = errors.New("deploy failed")
)

// EngineAPIPort is where single-host nodes expose the podman service API
// (podman system service tcp://0.0.0.0:8888).
const EngineAPIPort = 8888

// WorkspaceRoot is the per-job code directory root on single-host nodes.
const WorkspaceRoot = "/var/lib/mlx/workspaces"

// Config tunes the connector.
type Config struct {
	// SSHUser is the login for artifact deploys. Per-node override comes
	// from the user@host form of the node address.
	SSHUser string

	// KeyPath is the default private key; a node's CredentialRef takes
	// precedence.
	KeyPath string

	// DialTimeout bounds transport establishment.
	DialTimeout time.Duration

	// ProbeRate caps heartbeat probes across all nodes.
	ProbeRate rate.Limit
	ProbeBurst int
}

func (c *Config) defaults() {
	if c.SSHUser == "" {
		c.SSHUser = "mlx"
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.ProbeRate == 0 {
		c.ProbeRate = rate.Every(time.Second)
	}
	if c.ProbeBurst == 0 {
		c.ProbeBurst = 5
	}
}

// Connector caches one runtime per node and mediates every remote
// operation. Safe for concurrent use by the worker pool.
type Connector struct {
	cfg     Config
	limiter *rate.Limiter

	mu       sync.Mutex
	runtimes map[string]runtime.Runtime
}

// NewConnector builds a connector with cfg.
func NewConnector(cfg Config) *Connector {
	cfg.defaults()
	return &Connector{
		cfg:      cfg,
		limiter:  rate.NewLimiter(cfg.ProbeRate, cfg.ProbeBurst),
		runtimes: make(map[string]runtime.Runtime),
	}
}

// RuntimeFor returns the node's container runtime, dialing it on first use.
func (c *Connector) RuntimeFor(node *store.Node) (runtime.Runtime, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rt, ok := c.runtimes[node.Name]; ok {
		return rt, nil
	}

	rt, err := c.dialRuntime(node)
	if err != nil {
		return nil, err
	}
	c.runtimes[node.Name] = rt
	return rt, nil
}

// Forget drops the cached runtime for a node, forcing a re-dial on next
// use. Called when a node is marked unreachable.
func (c *Connector) Forget(nodeName string) {
	c.mu.Lock()
	delete(c.runtimes, nodeName)
	c.mu.Unlock()
}

func (c *Connector) dialRuntime(node *store.Node) (runtime.Runtime, error) {
	switch node.Backend {
	case job.BackendPodman:
		host := fmt.Sprintf("tcp://%s:%d", hostOf(node.Address), EngineAPIPort)
		rt, err := runtime.NewPodmanRuntime(host)
		if err != nil {
			return nil, fmt.Errorf("%w: node %s: %v", ErrConnectionFailed, node.Name, err)
		}
		return rt, nil
	case job.BackendKubernetes:
		rt, err := runtime.NewKubernetesRuntime(runtime.KubernetesConfig{
			Kubeconfig: node.CredentialRef,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: node %s: %v", ErrConnectionFailed, node.Name, err)
		}
		return rt, nil
	default:
		return nil, fmt.Errorf("node %s has unknown backend %q", node.Name, node.Backend)
	}
}

// WorkspaceDir returns the on-node directory a job's artifact unpacks into.
func WorkspaceDir(jobID string) string {
	return WorkspaceRoot + "/" + jobID
}

// hostOf strips an optional user@ prefix and :port suffix from a node
// address, leaving the bare host.
func hostOf(addr string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 {
		addr = addr[i+1:]
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// userOf returns the user@ prefix of a node address, or fallback.
func userOf(addr, fallback string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 {
		return addr[:i]
	}
	return fallback
}

// sshAddr returns the host:port SSH endpoint for a node address,
// defaulting the port to 22.
func sshAddr(addr string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 {
		addr = addr[i+1:]
	}
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, "22")
}

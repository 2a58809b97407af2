package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"mlx/internal/artifact"
	"mlx/internal/config"
	"mlx/internal/job"
	"mlx/internal/remote"
	"mlx/internal/runtime"
	"mlx/internal/store"
)

// memStore implements store.Store in memory for coordinator tests.
type memStore struct {
	mu sync.Mutex

	jobs   map[uuid.UUID]*job.Job
	queue  map[uuid.UUID]time.Time
	nodes  map[string]*store.Node
	active map[string]int

	statuses []store.JobStatus
	released []time.Time
	removed  []uuid.UUID

	// onRequestCancel runs before RequestCancel takes the lock, letting
	// tests interleave a concurrent claim into a cancellation.
	onRequestCancel func()
}

func newMemStore() *memStore {
	return &memStore{
		jobs:   make(map[uuid.UUID]*job.Job),
		queue:  make(map[uuid.UUID]time.Time),
		nodes:  make(map[string]*store.Node),
		active: make(map[string]int),
	}
}

func (m *memStore) Enqueue(ctx context.Context, jobID uuid.UUID, visibleAfter time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue[jobID] = visibleAfter
	return nil
}

func (m *memStore) DequeueWithLock(ctx context.Context, workerID string, lease time.Duration) (*store.Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.queue {
		j := m.jobs[id]
		j.Attempt++
		cp := *j
		delete(m.queue, id)
		return &store.Claim{Job: cp, WorkerID: workerID, LeaseUntil: time.Now().Add(lease)}, nil
	}
	return nil, nil
}

func (m *memStore) RenewLease(ctx context.Context, jobID uuid.UUID, until time.Time) error {
	return nil
}

func (m *memStore) Release(ctx context.Context, jobID uuid.UUID, visibleAfter time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue[jobID] = visibleAfter
	m.released = append(m.released, visibleAfter)
	return nil
}

func (m *memStore) Remove(ctx context.Context, jobID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.queue, jobID)
	m.removed = append(m.removed, jobID)
	return nil
}

func (m *memStore) Depth(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.queue)), nil
}

func (m *memStore) CreateJob(ctx context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *j
	m.jobs[j.ID] = &cp
	return nil
}

func (m *memStore) SaveJob(ctx context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *j
	m.jobs[j.ID] = &cp
	return nil
}

func (m *memStore) GetJob(ctx context.Context, id uuid.UUID) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *memStore) ListJobs(ctx context.Context) ([]job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []job.Job
	for _, j := range m.jobs {
		out = append(out, *j)
	}
	return out, nil
}

func (m *memStore) RequestCancel(ctx context.Context, id uuid.UUID) error {
	if m.onRequestCancel != nil {
		m.onRequestCancel()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	j.CancelRequested = true
	return nil
}

func (m *memStore) CancelPending(ctx context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if j.State != job.StatePending {
		return false, nil
	}
	j.State = job.StateCancelled
	j.TransitionedAt = time.Now().UTC()
	return true, nil
}

func (m *memStore) CountActiveByNode(ctx context.Context) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.active))
	for k, v := range m.active {
		out[k] = v
	}
	return out, nil
}

func (m *memStore) PublishStatus(ctx context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, store.StatusOf(j))
	return nil
}

func (m *memStore) Subscribe(ctx context.Context, id uuid.UUID) (<-chan store.JobStatus, error) {
	ch := make(chan store.JobStatus)
	close(ch)
	return ch, nil
}

func (m *memStore) RegisterNode(ctx context.Context, n *store.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *n
	m.nodes[n.Name] = &cp
	return nil
}

func (m *memStore) GetNode(ctx context.Context, name string) (*store.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *n
	return &cp, nil
}

func (m *memStore) ListNodes(ctx context.Context) ([]store.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Node
	for _, n := range m.nodes {
		out = append(out, *n)
	}
	return out, nil
}

func (m *memStore) TouchNode(ctx context.Context, name string, capacity job.Resources, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.nodes[name]; ok {
		n.Capacity = capacity
		n.LastHeartbeat = at
	}
	return nil
}

func (m *memStore) MarkUnreachable(ctx context.Context, name string, unreachable bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.nodes[name]; ok {
		n.Unreachable = unreachable
	}
	return nil
}

func (m *memStore) states() []job.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]job.State, len(m.statuses))
	for i, s := range m.statuses {
		out[i] = s.State
	}
	return out
}

// MockConnector implements Connector for testing.
type MockConnector struct {
	DeployFunc func(ctx context.Context, node *store.Node, jobID string, art *artifact.Artifact) (string, error)
	ProbeFunc  func(ctx context.Context, node *store.Node) error
	Runtime    runtime.Runtime

	mu        sync.Mutex
	forgotten []string
}

func (m *MockConnector) RuntimeFor(node *store.Node) (runtime.Runtime, error) {
	if m.Runtime == nil {
		return nil, errors.New("no runtime configured")
	}
	return m.Runtime, nil
}

func (m *MockConnector) Deploy(ctx context.Context, node *store.Node, jobID string, art *artifact.Artifact) (string, error) {
	if m.DeployFunc != nil {
		return m.DeployFunc(ctx, node, jobID, art)
	}
	return "", nil
}

func (m *MockConnector) Cleanup(ctx context.Context, node *store.Node, jobID string) error {
	return nil
}

func (m *MockConnector) Probe(ctx context.Context, node *store.Node) error {
	if m.ProbeFunc != nil {
		return m.ProbeFunc(ctx, node)
	}
	return nil
}

func (m *MockConnector) Forget(nodeName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forgotten = append(m.forgotten, nodeName)
}

// MockRuntime implements runtime.Runtime for testing.
type MockRuntime struct {
	StartFunc func(ctx context.Context, jobID uuid.UUID, spec runtime.RunSpec) (runtime.Handle, error)
	PullFunc  func(ctx context.Context, imageRef string) (string, error)
}

func (m *MockRuntime) Backend() job.Backend { return job.BackendPodman }

func (m *MockRuntime) Ping(ctx context.Context) error { return nil }

func (m *MockRuntime) BuildOrPull(ctx context.Context, imageRef string) (string, error) {
	if m.PullFunc != nil {
		return m.PullFunc(ctx, imageRef)
	}
	return imageRef, nil
}

func (m *MockRuntime) Start(ctx context.Context, jobID uuid.UUID, spec runtime.RunSpec) (runtime.Handle, error) {
	if m.StartFunc != nil {
		return m.StartFunc(ctx, jobID, spec)
	}
	return &MockHandle{}, nil
}

func (m *MockRuntime) Attach(ctx context.Context, ref job.ContainerRef) (runtime.Handle, error) {
	return &MockHandle{ID: ref.ID}, nil
}

// MockHandle implements runtime.Handle for testing.
type MockHandle struct {
	ID          string
	InspectFunc func(ctx context.Context) (runtime.Status, error)

	mu      sync.Mutex
	stopped bool
}

func (m *MockHandle) Ref() job.ContainerRef {
	id := m.ID
	if id == "" {
		id = "ctr-1"
	}
	return job.ContainerRef{Backend: job.BackendPodman, ID: id}
}

func (m *MockHandle) Inspect(ctx context.Context) (runtime.Status, error) {
	if m.InspectFunc != nil {
		return m.InspectFunc(ctx)
	}
	return runtime.Status{Phase: runtime.PhaseExited, ExitCode: 0}, nil
}

func (m *MockHandle) Stop(ctx context.Context, grace time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	return nil
}

func (m *MockHandle) Stopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

func (m *MockHandle) Logs(ctx context.Context) (io.ReadCloser, error) {
	return nil, errors.New("no logs")
}

func testConfig() *config.Config {
	return &config.Config{
		WorkerConcurrency:  2,
		WorkerPollInterval: time.Millisecond,
		WorkerMaxBackoff:   10 * time.Millisecond,
		LeaseDuration:      time.Minute,
		LeaseRenewInterval: 30 * time.Second,
		RetryBackoffBase:   5 * time.Second,
		RetryBackoffMax:    5 * time.Minute,
		HeartbeatInterval:  5 * time.Millisecond,
		HeartbeatThreshold: time.Minute,
		HeartbeatFailLimit: 3,
		InspectInterval:    time.Millisecond,
		StopGracePeriod:    time.Second,
		MaxCPUMillis:       16000,
		MaxMemoryMB:        65536,
		MaxGPUs:            8,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCoordinator(st store.Store, conn Connector) *Coordinator {
	return New(st, conn, testConfig(), testLogger(), nil)
}

func freshNode(name string) *store.Node {
	return &store.Node{
		Name:          name,
		Address:       "10.0.0.5",
		Backend:       job.BackendPodman,
		Capacity:      job.Resources{CPUMillis: 8000, MemoryMB: 32768, GPUs: 4},
		LastHeartbeat: time.Now().UTC(),
	}
}

func trainSpec() job.Spec {
	return job.Spec{
		Kind:    job.KindTrain,
		Name:    "resnet",
		Image:   "registry.local/train:v1",
		Command: []string{"python", "train.py"},
		Resources: job.Resources{
			CPUMillis: 2000,
			MemoryMB:  4096,
		},
	}
}

// submitAndClaim pushes a job through Submit and claims it the way the
// dispatch loop would.
func submitAndClaim(t *testing.T, c *Coordinator, st *memStore, spec job.Spec, maxRetries int) *store.Claim {
	t.Helper()
	if _, err := c.Submit(context.Background(), spec, maxRetries); err != nil {
		t.Fatalf("submit: %v", err)
	}
	claim, err := st.DequeueWithLock(context.Background(), "w1", time.Minute)
	if err != nil || claim == nil {
		t.Fatalf("claim: %v %v", claim, err)
	}
	return claim
}

func TestSubmit_InvalidSpecRejected(t *testing.T) {
	st := newMemStore()
	c := testCoordinator(st, &MockConnector{})

	spec := trainSpec()
	spec.Command = nil
	_, err := c.Submit(context.Background(), spec, 0)
	if !errors.Is(err, job.ErrInvalidSpec) {
		t.Fatalf("expected ErrInvalidSpec, got %v", err)
	}
	if len(st.queue) != 0 {
		t.Error("invalid spec must not be enqueued")
	}
}

func TestProcess_SuccessfulRun(t *testing.T) {
	st := newMemStore()
	st.RegisterNode(context.Background(), freshNode("gpu-1"))
	conn := &MockConnector{Runtime: &MockRuntime{}}
	c := testCoordinator(st, conn)

	claim := submitAndClaim(t, c, st, trainSpec(), 0)
	c.process(context.Background(), claim)

	final, _ := st.GetJob(context.Background(), claim.Job.ID)
	if final.State != job.StateSucceeded {
		t.Fatalf("expected succeeded, got %s", final.State)
	}
	if final.NodeName != "gpu-1" {
		t.Errorf("expected placement on gpu-1, got %q", final.NodeName)
	}
	if final.Container == nil || final.Container.ID == "" {
		t.Error("expected container ref recorded")
	}
	if len(st.removed) != 1 {
		t.Errorf("expected queue entry removed, got %v", st.removed)
	}

	want := []job.State{job.StatePending, job.StatePlaced, job.StateDispatching, job.StateRunning, job.StateSucceeded}
	got := st.states()
	if len(got) != len(want) {
		t.Fatalf("status sequence %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("status sequence %v, want %v", got, want)
		}
	}
}

func TestProcess_CrashRequeuesWithBackoff(t *testing.T) {
	st := newMemStore()
	st.RegisterNode(context.Background(), freshNode("gpu-1"))
	rt := &MockRuntime{
		StartFunc: func(ctx context.Context, jobID uuid.UUID, spec runtime.RunSpec) (runtime.Handle, error) {
			return &MockHandle{InspectFunc: func(ctx context.Context) (runtime.Status, error) {
				return runtime.Status{Phase: runtime.PhaseExited, ExitCode: 1}, nil
			}}, nil
		},
	}
	c := testCoordinator(st, &MockConnector{Runtime: rt})

	claim := submitAndClaim(t, c, st, trainSpec(), 2)
	c.process(context.Background(), claim)

	final, _ := st.GetJob(context.Background(), claim.Job.ID)
	if final.State != job.StatePending {
		t.Fatalf("expected pending after retryable crash, got %s", final.State)
	}
	if final.LastError == nil || final.LastError.Kind != "container_crashed" {
		t.Errorf("expected container_crashed cause, got %+v", final.LastError)
	}
	if len(st.released) != 1 {
		t.Fatalf("expected one release, got %d", len(st.released))
	}
	// Attempt 1: visible again after the base backoff, not immediately.
	if delay := time.Until(st.released[0]); delay < 4*time.Second {
		t.Errorf("expected backoff of ~5s, release in %v", delay)
	}
}

func TestProcess_RetriesExhausted(t *testing.T) {
	st := newMemStore()
	st.RegisterNode(context.Background(), freshNode("gpu-1"))
	rt := &MockRuntime{
		StartFunc: func(ctx context.Context, jobID uuid.UUID, spec runtime.RunSpec) (runtime.Handle, error) {
			return nil, runtime.ErrBackendUnreachable
		},
	}
	c := testCoordinator(st, &MockConnector{Runtime: rt})

	j, err := c.Submit(context.Background(), trainSpec(), 2)
	if err != nil {
		t.Fatal(err)
	}

	// Three claims: attempts 1 and 2 re-queue, attempt 3 exhausts.
	for i := 0; i < 3; i++ {
		claim, err := st.DequeueWithLock(context.Background(), "w1", time.Minute)
		if err != nil || claim == nil {
			t.Fatalf("claim %d: %v %v", i, claim, err)
		}
		c.process(context.Background(), claim)
	}

	final, _ := st.GetJob(context.Background(), j.ID)
	if final.State != job.StateFailed {
		t.Fatalf("expected failed, got %s", final.State)
	}
	if final.Attempt != 3 {
		t.Errorf("expected 3 attempts, got %d", final.Attempt)
	}
	if final.LastError == nil || final.LastError.Kind != "backend_unreachable" {
		t.Errorf("expected backend_unreachable cause, got %+v", final.LastError)
	}
	if len(st.released) != 2 {
		t.Errorf("expected 2 releases before terminal failure, got %d", len(st.released))
	}
}

func TestProcess_RecoversAfterTransientFailures(t *testing.T) {
	st := newMemStore()
	st.RegisterNode(context.Background(), freshNode("gpu-1"))

	// The backend is unreachable for the first two attempts, then comes
	// back. With a budget of two retries the third attempt must run to
	// completion instead of failing the job.
	starts := 0
	rt := &MockRuntime{
		StartFunc: func(ctx context.Context, jobID uuid.UUID, spec runtime.RunSpec) (runtime.Handle, error) {
			starts++
			if starts <= 2 {
				return nil, runtime.ErrBackendUnreachable
			}
			return &MockHandle{}, nil
		},
	}
	c := testCoordinator(st, &MockConnector{Runtime: rt})

	j, err := c.Submit(context.Background(), trainSpec(), 2)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		claim, err := st.DequeueWithLock(context.Background(), "w1", time.Minute)
		if err != nil || claim == nil {
			t.Fatalf("claim %d: %v %v", i, claim, err)
		}
		c.process(context.Background(), claim)
	}

	final, _ := st.GetJob(context.Background(), j.ID)
	if final.State != job.StateSucceeded {
		t.Fatalf("expected succeeded on the last budgeted attempt, got %s", final.State)
	}
	if final.Attempt != 3 {
		t.Errorf("expected 3 attempts, got %d", final.Attempt)
	}
	if len(st.released) != 2 {
		t.Errorf("expected 2 releases before the successful run, got %d", len(st.released))
	}
}

func TestProcess_ZeroBudgetFailsFirstTime(t *testing.T) {
	st := newMemStore()
	st.RegisterNode(context.Background(), freshNode("gpu-1"))
	rt := &MockRuntime{
		StartFunc: func(ctx context.Context, jobID uuid.UUID, spec runtime.RunSpec) (runtime.Handle, error) {
			return nil, runtime.ErrResourceUnavailable
		},
	}
	c := testCoordinator(st, &MockConnector{Runtime: rt})

	claim := submitAndClaim(t, c, st, trainSpec(), 0)
	c.process(context.Background(), claim)

	final, _ := st.GetJob(context.Background(), claim.Job.ID)
	if final.State != job.StateFailed {
		t.Fatalf("expected failed with zero retry budget, got %s", final.State)
	}
	if len(st.released) != 0 {
		t.Error("zero budget job must not be re-queued")
	}
}

func TestProcess_AuthFailureIsFatal(t *testing.T) {
	st := newMemStore()
	st.RegisterNode(context.Background(), freshNode("gpu-1"))
	conn := &MockConnector{
		Runtime: &MockRuntime{},
		DeployFunc: func(ctx context.Context, node *store.Node, jobID string, art *artifact.Artifact) (string, error) {
			return "", remote.ErrAuthFailed
		},
	}
	c := testCoordinator(st, conn)

	spec := trainSpec()
	spec.Image = ""
	spec.Source = job.Source{LocalPath: t.TempDir()}
	claim := submitAndClaim(t, c, st, spec, 5)
	c.process(context.Background(), claim)

	final, _ := st.GetJob(context.Background(), claim.Job.ID)
	if final.State != job.StateFailed {
		t.Fatalf("expected failed, got %s", final.State)
	}
	if final.LastError == nil || final.LastError.Kind != "auth_failed" {
		t.Errorf("expected auth_failed cause, got %+v", final.LastError)
	}
	if len(st.released) != 0 {
		t.Error("auth failure must not consume the retry budget")
	}
}

func TestProcess_NoEligibleNodeRequeues(t *testing.T) {
	st := newMemStore()
	c := testCoordinator(st, &MockConnector{Runtime: &MockRuntime{}})

	claim := submitAndClaim(t, c, st, trainSpec(), 3)
	c.process(context.Background(), claim)

	final, _ := st.GetJob(context.Background(), claim.Job.ID)
	if final.State != job.StatePending {
		t.Fatalf("expected pending, got %s", final.State)
	}
	if final.LastError == nil || final.LastError.Kind != "resource_unavailable" {
		t.Errorf("expected resource_unavailable cause, got %+v", final.LastError)
	}
	if len(st.released) != 1 {
		t.Errorf("expected re-queue, got %d releases", len(st.released))
	}
}

func TestProcess_CancelBeforeDispatch(t *testing.T) {
	st := newMemStore()
	c := testCoordinator(st, &MockConnector{Runtime: &MockRuntime{}})

	j, err := c.Submit(context.Background(), trainSpec(), 0)
	if err != nil {
		t.Fatal(err)
	}
	st.RequestCancel(context.Background(), j.ID)

	claim, _ := st.DequeueWithLock(context.Background(), "w1", time.Minute)
	c.process(context.Background(), claim)

	final, _ := st.GetJob(context.Background(), j.ID)
	if final.State != job.StateCancelled {
		t.Fatalf("expected cancelled, got %s", final.State)
	}
	if len(st.removed) != 1 {
		t.Error("expected queue entry removed")
	}
}

func TestProcess_CancelWhileRunning(t *testing.T) {
	st := newMemStore()
	st.RegisterNode(context.Background(), freshNode("gpu-1"))

	handle := &MockHandle{InspectFunc: func(ctx context.Context) (runtime.Status, error) {
		return runtime.Status{Phase: runtime.PhaseRunning}, nil
	}}
	rt := &MockRuntime{
		StartFunc: func(ctx context.Context, jobID uuid.UUID, spec runtime.RunSpec) (runtime.Handle, error) {
			return handle, nil
		},
	}
	c := testCoordinator(st, &MockConnector{Runtime: rt})

	claim := submitAndClaim(t, c, st, trainSpec(), 0)

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.process(context.Background(), claim)
	}()

	// Let the job reach running, then flag the cancellation.
	deadline := time.After(2 * time.Second)
	for {
		j, _ := st.GetJob(context.Background(), claim.Job.ID)
		if j != nil && j.State == job.StateRunning {
			break
		}
		select {
		case <-deadline:
			t.Fatal("job never reached running")
		case <-time.After(time.Millisecond):
		}
	}
	st.RequestCancel(context.Background(), claim.Job.ID)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("process did not resolve cancellation")
	}

	final, _ := st.GetJob(context.Background(), claim.Job.ID)
	if final.State != job.StateCancelled {
		t.Fatalf("expected cancelled, got %s", final.State)
	}
	if !handle.Stopped() {
		t.Error("expected container stopped")
	}
}

func TestProcess_StaleTerminalClaimDropped(t *testing.T) {
	st := newMemStore()
	c := testCoordinator(st, &MockConnector{Runtime: &MockRuntime{}})

	claim := submitAndClaim(t, c, st, trainSpec(), 0)
	claim.Job.State = job.StateSucceeded
	c.process(context.Background(), claim)

	if len(st.removed) != 1 {
		t.Error("expected stale entry removed")
	}
	if len(st.released) != 0 {
		t.Error("stale entry must not be re-queued")
	}
}

func TestCancel_PendingJobCancelsDirectly(t *testing.T) {
	st := newMemStore()
	c := testCoordinator(st, &MockConnector{Runtime: &MockRuntime{}})

	j, err := c.Submit(context.Background(), trainSpec(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Cancel(context.Background(), j.ID); err != nil {
		t.Fatal(err)
	}

	final, _ := st.GetJob(context.Background(), j.ID)
	if final.State != job.StateCancelled {
		t.Fatalf("expected cancelled, got %s", final.State)
	}
}

func TestCancel_RacingClaimIsNotOverwritten(t *testing.T) {
	st := newMemStore()
	c := testCoordinator(st, &MockConnector{Runtime: &MockRuntime{}})

	j, err := c.Submit(context.Background(), trainSpec(), 0)
	if err != nil {
		t.Fatal(err)
	}

	// A worker claims and places the job after Cancel has read it as
	// pending. The conditional update must yield to the claim; the worker
	// then observes the cancel flag instead.
	st.onRequestCancel = func() {
		st.onRequestCancel = nil
		claim, err := st.DequeueWithLock(context.Background(), "w1", time.Minute)
		if err != nil || claim == nil {
			t.Fatalf("claim: %v %v", claim, err)
		}
		placed := claim.Job
		placed.State = job.StatePlaced
		placed.NodeName = "gpu-1"
		if err := st.SaveJob(context.Background(), &placed); err != nil {
			t.Fatal(err)
		}
	}

	if err := c.Cancel(context.Background(), j.ID); err != nil {
		t.Fatal(err)
	}

	final, _ := st.GetJob(context.Background(), j.ID)
	if final.State != job.StatePlaced {
		t.Fatalf("claimed job must keep the worker's state, got %s", final.State)
	}
	if !final.CancelRequested {
		t.Error("cancel flag must survive for the claim holder")
	}
	if len(st.removed) != 0 {
		t.Errorf("queue entry must stay with the claim holder, removed %v", st.removed)
	}
}

func TestDequeueWithLock_AtMostOneClaim(t *testing.T) {
	st := newMemStore()
	c := testCoordinator(st, &MockConnector{Runtime: &MockRuntime{}})

	j, err := c.Submit(context.Background(), trainSpec(), 0)
	if err != nil {
		t.Fatal(err)
	}

	const workers = 16
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		claims []*store.Claim
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			claim, err := st.DequeueWithLock(context.Background(), fmt.Sprintf("w%d", i), time.Minute)
			if err != nil {
				t.Errorf("dequeue: %v", err)
				return
			}
			if claim != nil {
				mu.Lock()
				claims = append(claims, claim)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if len(claims) != 1 {
		t.Fatalf("expected exactly one claim for one job, got %d", len(claims))
	}
	if claims[0].Job.ID != j.ID {
		t.Errorf("claimed job %s, want %s", claims[0].Job.ID, j.ID)
	}
	if claims[0].Job.Attempt != 1 {
		t.Errorf("expected attempt 1 on first claim, got %d", claims[0].Job.Attempt)
	}
}

func TestCancel_TerminalJobIsNoop(t *testing.T) {
	st := newMemStore()
	c := testCoordinator(st, &MockConnector{Runtime: &MockRuntime{}})

	j, err := c.Submit(context.Background(), trainSpec(), 0)
	if err != nil {
		t.Fatal(err)
	}
	j.State = job.StateSucceeded
	st.SaveJob(context.Background(), j)

	if err := c.Cancel(context.Background(), j.ID); err != nil {
		t.Fatalf("cancelling a terminal job must be a no-op, got %v", err)
	}
	final, _ := st.GetJob(context.Background(), j.ID)
	if final.State != job.StateSucceeded {
		t.Errorf("terminal state must not change, got %s", final.State)
	}
}

func TestRetryBackoff(t *testing.T) {
	c := testCoordinator(newMemStore(), &MockConnector{})

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{7, 5 * time.Minute},
		{20, 5 * time.Minute},
	}
	for _, tt := range tests {
		if got := c.retryBackoff(tt.attempt); got != tt.want {
			t.Errorf("retryBackoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestHeartbeatMonitor_MarksUnreachableAfterFailLimit(t *testing.T) {
	st := newMemStore()
	st.RegisterNode(context.Background(), freshNode("gpu-1"))
	conn := &MockConnector{
		ProbeFunc: func(ctx context.Context, node *store.Node) error {
			return remote.ErrConnectionFailed
		},
	}
	c := testCoordinator(st, conn)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.runHeartbeatMonitor(ctx)
	}()

	deadline := time.After(2 * time.Second)
	for {
		n, _ := st.GetNode(context.Background(), "gpu-1")
		if n.Unreachable {
			break
		}
		select {
		case <-deadline:
			t.Fatal("node never marked unreachable")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	<-done

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.forgotten) == 0 {
		t.Error("expected cached runtime dropped for unreachable node")
	}
}

func TestHeartbeatMonitor_RecoversNode(t *testing.T) {
	st := newMemStore()
	node := freshNode("gpu-1")
	node.Unreachable = true
	st.RegisterNode(context.Background(), node)
	c := testCoordinator(st, &MockConnector{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.runHeartbeatMonitor(ctx)
	}()

	deadline := time.After(2 * time.Second)
	for {
		n, _ := st.GetNode(context.Background(), "gpu-1")
		if !n.Unreachable {
			break
		}
		select {
		case <-deadline:
			t.Fatal("node never recovered")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	<-done
}

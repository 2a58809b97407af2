package coordinator

import (
	"context"
	"errors"
	"sort"
	"time"

	"mlx/internal/job"
	"mlx/internal/store"
)

// ErrNoEligibleNode - no registered node can take the job right now.
// Transient: nodes recover, capacity frees up, heartbeats refresh.
var ErrNoEligibleNode = errors.New("no eligible node")

// placeJob selects a node for j: heartbeat fresh, capacity fits the
// request, backend compatible. Ties break toward the least-loaded node,
// then by name for determinism. Capacity accounting is advisory; an
// overcommitted pick surfaces later as a retryable ResourceUnavailable.
func (c *Coordinator) placeJob(ctx context.Context, j *job.Job) (*store.Node, error) {
	nodes, err := c.store.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	active, err := c.store.CountActiveByNode(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var eligible []store.Node
	for _, n := range nodes {
		if !c.nodeEligible(&n, j, now) {
			continue
		}
		eligible = append(eligible, n)
	}
	if len(eligible) == 0 {
		return nil, ErrNoEligibleNode
	}

	sort.Slice(eligible, func(i, k int) bool {
		li, lk := active[eligible[i].Name], active[eligible[k].Name]
		if li != lk {
			return li < lk
		}
		return eligible[i].Name < eligible[k].Name
	})
	return &eligible[0], nil
}

func (c *Coordinator) nodeEligible(n *store.Node, j *job.Job, now time.Time) bool {
	if !n.HeartbeatFresh(now, c.cfg.HeartbeatThreshold) {
		return false
	}
	if j.Spec.NodeSelector != "" && j.Spec.NodeSelector != n.Name {
		return false
	}
	if !j.Spec.Resources.Fits(n.Capacity) {
		return false
	}
	// Code sources and published ports need a single-host engine; cluster
	// pods get their code from the image and their ports from a service.
	if n.Backend == job.BackendKubernetes {
		if !j.Spec.Source.Empty() || j.Kind == job.KindServe {
			return false
		}
	}
	return true
}

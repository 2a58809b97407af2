package controlapi

import (
	"time"

	"mlx/internal/job"
	"mlx/internal/store"
	"mlx/pkg/api"
)

func specFromWire(s api.JobSpec) job.Spec {
	return job.Spec{
		Kind:    job.Kind(s.Kind),
		Name:    s.Name,
		Image:   s.Image,
		Command: s.Command,
		Env:     s.Env,
		Resources: job.Resources{
			CPUMillis: s.Resources.CPUMillis,
			MemoryMB:  s.Resources.MemoryMB,
			GPUs:      s.Resources.GPUs,
		},
		NodeSelector: s.NodeSelector,
		Source: job.Source{
			GitURL:    s.Source.GitURL,
			GitRef:    s.Source.GitRef,
			LocalPath: s.Source.LocalPath,
		},
		Port: s.Port,
	}
}

func jobToWire(j *job.Job) api.JobStatus {
	out := api.JobStatus{
		ID:        j.ID.String(),
		Kind:      string(j.Kind),
		Name:      j.Spec.Name,
		State:     string(j.State),
		Attempt:   j.Attempt,
		Node:      j.NodeName,
		CreatedAt: j.CreatedAt.Format(time.RFC3339),
	}
	if j.Container != nil {
		out.Container = &api.ContainerRef{Backend: string(j.Container.Backend), ID: j.Container.ID}
	}
	if j.LastError != nil {
		out.Error = &api.JobError{Kind: j.LastError.Kind, Message: j.LastError.Message}
	}
	return out
}

func statusToWire(s store.JobStatus) api.JobStatus {
	out := api.JobStatus{
		ID:      s.ID.String(),
		Kind:    string(s.Kind),
		State:   string(s.State),
		Attempt: s.Attempt,
		Node:    s.NodeName,
	}
	if s.Container != nil {
		out.Container = &api.ContainerRef{Backend: string(s.Container.Backend), ID: s.Container.ID}
	}
	if s.LastError != nil {
		out.Error = &api.JobError{Kind: s.LastError.Kind, Message: s.LastError.Message}
	}
	return out
}

func nodeFromWire(req api.RegisterNodeRequest) *store.Node {
	return &store.Node{
		Name:          req.Name,
		Address:       req.Address,
		Backend:       job.Backend(req.Backend),
		CredentialRef: req.CredentialRef,
		Capacity: job.Resources{
			CPUMillis: req.Capacity.CPUMillis,
			MemoryMB:  req.Capacity.MemoryMB,
			GPUs:      req.Capacity.GPUs,
		},
	}
}

func nodeToWire(n *store.Node) api.NodeStatus {
	out := api.NodeStatus{
		Name:    n.Name,
		Address: n.Address,
		Backend: string(n.Backend),
		Capacity: api.Resources{
			CPUMillis: n.Capacity.CPUMillis,
			MemoryMB:  n.Capacity.MemoryMB,
			GPUs:      n.Capacity.GPUs,
		},
		Unreachable: n.Unreachable,
	}
	if !n.LastHeartbeat.IsZero() {
		out.LastHeartbeat = n.LastHeartbeat.Format(time.RFC3339)
	}
	return out
}

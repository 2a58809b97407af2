// Package store contains the shared queue and state layer. It is the single
// source of truth for job state: multiple coordinator instances coordinate
// exclusively through its lease primitive, never with each other directly.
package store

import (
	"time"

	"github.com/google/uuid"

	"mlx/internal/job"
)

// Node is a registered remote compute target.
type Node struct {
	Name          string        `json:"name"`
	Address       string        `json:"address"`
	Backend       job.Backend   `json:"backend"`
	CredentialRef string        `json:"credential_ref"`
	Capacity      job.Resources `json:"capacity"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
	Unreachable   bool          `json:"unreachable"`
}

// HeartbeatFresh reports whether the node's heartbeat is within threshold
// of now. Stale nodes are excluded from placement; their running jobs are
// left alone.
func (n *Node) HeartbeatFresh(now time.Time, threshold time.Duration) bool {
	if n.Unreachable {
		return false
	}
	return now.Sub(n.LastHeartbeat) <= threshold
}

// Claim is a leased queue entry: at most one exists per job UUID
// system-wide at any instant.
type Claim struct {
	Job        job.Job
	WorkerID   string
	LeaseUntil time.Time
}

// JobStatus is the snapshot published on every state change and delivered
// to subscribers.
type JobStatus struct {
	ID        uuid.UUID         `json:"id"`
	Kind      job.Kind          `json:"kind"`
	State     job.State         `json:"state"`
	Attempt   int               `json:"attempt"`
	NodeName  string            `json:"node_name,omitempty"`
	Container *job.ContainerRef `json:"container,omitempty"`
	LastError *job.Cause        `json:"last_error,omitempty"`
}

// StatusOf builds the published snapshot for j.
func StatusOf(j *job.Job) JobStatus {
	return JobStatus{
		ID:        j.ID,
		Kind:      j.Kind,
		State:     j.State,
		Attempt:   j.Attempt,
		NodeName:  j.NodeName,
		Container: j.Container,
		LastError: j.LastError,
	}
}
